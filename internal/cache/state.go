package cache

import (
	"os"
	"strconv"
	"sync"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
)

// entry is what the cache knows about one path from its parent's listing.
type entry struct {
	sha  string
	kind string
	mode os.FileMode
	size int64
}

// repoState is the per-repository bookkeeping.
//
// mu is held for the whole check/fetch/write of a single path and guards
// tree. setMu guards the materialized and pending sets so membership
// checks never wait on a download. pinMu guards pin.
type repoState struct {
	mu       sync.Mutex
	tree     map[string]entry
	rootTree string

	setMu        sync.RWMutex
	materialized map[string]struct{}
	pending      map[string]struct{}

	pinMu sync.Mutex
	pin   *Snapshot
}

func newRepoState() *repoState {
	return &repoState{
		tree:         make(map[string]entry),
		materialized: make(map[string]struct{}),
		pending:      make(map[string]struct{}),
	}
}

func (s *repoState) isMaterialized(p string) bool {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	_, ok := s.materialized[p]
	return ok
}

// markMaterialized records p as complete. Entries are never removed.
func (s *repoState) markMaterialized(p string) {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	delete(s.pending, p)
	s.materialized[p] = struct{}{}
}

func (s *repoState) isPending(p string) bool {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	_, ok := s.pending[p]
	return ok
}

func (s *repoState) markPending(p string) {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	s.pending[p] = struct{}{}
}

// pendingCount returns the number of placeholders still awaiting content.
func (s *repoState) pendingCount() int {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	return len(s.pending)
}

// parseMode converts an octal git mode such as "100755" into permission
// bits. Symlinks (120000) and gitlinks carry no permission bits and are
// given 0644.
func parseMode(raw string) (os.FileMode, error) {
	v, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, errs.Invalid("mode", "not an octal number: "+raw)
	}
	perm := os.FileMode(v) & os.ModePerm
	if perm == 0 {
		perm = 0o644
	}
	return perm, nil
}
