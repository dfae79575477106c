package cache

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
)

// EnsureFullClone gives the repository a real metadata directory by
// running a full clone into scratch space and splicing the result into the
// cache. Files already materialized are left alone. A clone URL is cloned
// at most once per process; concurrent callers share a single clone.
func (c *Cache) EnsureFullClone(ctx context.Context, key RepoKey, cloneURL string) error {
	if cloneURL == "" {
		return errs.Invalid("clone_url", "must not be empty")
	}
	if c.isCloned(cloneURL) {
		return nil
	}

	return c.shared(ctx, &c.cloneFlights, cloneURL, func(ctx context.Context) error {
		if c.isCloned(cloneURL) {
			return nil
		}
		if err := c.fullClone(ctx, key, cloneURL); err != nil {
			return err
		}
		c.cloneMu.Lock()
		c.cloned[cloneURL] = struct{}{}
		c.cloneMu.Unlock()
		return nil
	})
}

func (c *Cache) isCloned(cloneURL string) bool {
	c.cloneMu.Lock()
	defer c.cloneMu.Unlock()
	_, ok := c.cloned[cloneURL]
	return ok
}

func (c *Cache) fullClone(ctx context.Context, key RepoKey, cloneURL string) error {
	scratch := path.Join(scratchDirName, key.Owner, key.Name+"-"+strconv.FormatUint(c.tmpSeq.Add(1), 10))
	if err := c.fs.MkdirAll(path.Dir(scratch), 0o755); err != nil {
		return errs.IO("mkdir", c.layout.abs(scratch), err)
	}
	defer func() {
		if err := util.RemoveAll(c.fs, scratch); err != nil {
			c.log.Warn("Failed to remove clone scratch %s: %v", scratch, err)
		}
	}()

	c.log.Info("Cloning %s for %s", cloneURL, key)
	_, err := exec.New(
		exec.WithContext(ctx),
		exec.WithInheritEnv(),
		exec.WithEnv(map[string]string{"GIT_TERMINAL_PROMPT": "0"}),
	).Run(c.gitBinary, "clone", "--quiet", cloneURL, c.layout.abs(scratch))
	if err != nil {
		var execErr *exec.ExecError
		wrapped := errors.Wrapf(err, errors.CodeExecutionFailed, "git clone %s", cloneURL)
		if errors.As(err, &execErr) {
			wrapped = errors.WithContext(wrapped, "exit_code", execErr.ExitCode)
			wrapped = errors.WithContext(wrapped, "stderr", strings.TrimSpace(execErr.Stderr))
		}
		return wrapped
	}

	if snap, ok := c.Snapshot(key); ok {
		c.checkoutPin(scratch, snap.SHA)
	}

	st := c.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := c.spliceMetadata(key, scratch); err != nil {
		return err
	}
	return c.spliceWorktree(key, st, scratch)
}

// checkoutPin moves the scratch clone to the pinned commit. A clone that
// does not contain the pin keeps its default branch.
func (c *Cache) checkoutPin(scratch, sha string) {
	repo, err := gogit.PlainOpen(c.layout.abs(scratch))
	if err != nil {
		c.log.Warn("Cannot open clone %s: %v", scratch, err)
		return
	}
	wt, err := repo.Worktree()
	if err != nil {
		c.log.Warn("Cannot open worktree of %s: %v", scratch, err)
		return
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(sha), Force: true}); err != nil {
		c.log.Warn("Cannot check out %s in %s, keeping default branch: %v", sha, scratch, err)
	}
}

// spliceMetadata replaces the placeholder metadata directory with the
// cloned one.
func (c *Cache) spliceMetadata(key RepoKey, scratch string) error {
	target := pathRel(key, MetadataDir)
	if err := util.RemoveAll(c.fs, target); err != nil {
		return errs.IO("remove", c.layout.abs(target), err)
	}
	if err := c.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return errs.IO("mkdir", c.layout.abs(path.Dir(target)), err)
	}
	if err := c.fs.Rename(path.Join(scratch, MetadataDir), target); err != nil {
		return errs.IO("rename", c.layout.abs(target), err)
	}
	return nil
}

// spliceWorktree moves every cloned entry that is not yet materialized
// into the cache and marks it materialized. Directories that already exist
// locally are marked only after the whole walk succeeds, so they never
// read as complete while children are still being moved in. Caller holds
// st.mu.
func (c *Cache) spliceWorktree(key RepoKey, st *repoState, scratch string) error {
	var existing []string
	err := util.Walk(c.fs, scratch, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(p), scratch), "/")
		if rel == "" {
			return nil
		}
		if rel == MetadataDir || strings.HasPrefix(rel, MetadataDir+"/") {
			return filepath.SkipDir
		}

		target := pathRel(key, rel)
		if st.isMaterialized(rel) {
			return nil
		}

		if info.IsDir() {
			if _, err := c.fs.Lstat(target); err == nil {
				// Descend and splice children individually.
				existing = append(existing, rel)
				return nil
			}
			if err := c.fs.Rename(p, target); err != nil {
				return errs.IO("rename", c.layout.abs(target), err)
			}
			if err := c.markTree(st, target, rel); err != nil {
				return err
			}
			return filepath.SkipDir
		}

		if _, err := c.fs.Lstat(target); err == nil {
			if err := c.fs.Remove(target); err != nil {
				return errs.IO("remove", c.layout.abs(target), err)
			}
		}
		if err := c.fs.Rename(p, target); err != nil {
			return errs.IO("rename", c.layout.abs(target), err)
		}
		st.markMaterialized(rel)
		return nil
	})
	if err != nil {
		return err
	}

	// Deepest first
	for i := len(existing) - 1; i >= 0; i-- {
		st.markMaterialized(existing[i])
	}
	return nil
}

// markTree marks a directory that was moved in wholesale, and everything
// below it, as materialized.
func (c *Cache) markTree(st *repoState, local, rel string) error {
	return util.Walk(c.fs, local, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		sub := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(p), local), "/")
		if sub == "" {
			st.markMaterialized(rel)
			return nil
		}
		st.markMaterialized(joinRel(rel, sub))
		return nil
	})
}
