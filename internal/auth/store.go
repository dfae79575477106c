package auth

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
)

// Store persists the access token between runs.
type Store struct {
	path string
	log  *logging.Logger
	mu   sync.Mutex
}

// NewStore creates a token store backed by the file at path. Relative
// paths are resolved against the working directory.
func NewStore(path string, log *logging.Logger) (*Store, error) {
	if path == "" {
		return nil, errs.Invalid("token_path", "must not be empty")
	}
	if log == nil {
		log = logging.Discard()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.IO("resolve", path, err)
	}
	log.Trace("Resolved token path: %s", absPath)

	return &Store{path: absPath, log: log}, nil
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the cached token. A missing or blank file yields "" and no
// error.
func (s *Store) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Debug("No token file at %s", s.path)
			return "", nil
		}
		return "", errs.IO("read", s.path, err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		s.log.Warn("Token file %s is empty, ignoring it", s.path)
	}
	return token, nil
}

// Save writes the token with owner-only permissions. The credential
// directory is created if needed.
func (s *Store) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(token) == "" {
		return errors.New(errs.CodeInvalid, "refusing to write an empty token")
	}

	dir := filepath.Dir(s.path)
	s.log.Debug("Ensuring credential directory exists: %s", dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.IO("mkdir", dir, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o600); err != nil {
		return errs.IO("write", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errs.IO("rename", s.path, err)
	}

	s.log.Info("Saved token to %s", s.path)
	return nil
}
