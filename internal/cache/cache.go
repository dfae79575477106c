// Package cache materializes repository snapshots into a local directory
// tree on demand.
//
// Each repository is pinned to one commit the first time it is touched.
// Directories are listed one tree level at a time. Files are first
// written as zero-filled placeholders of the right size and mode and only
// receive their content when something opens them. Everything the cache
// learns is kept until the process exits.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/singleflight"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote"
)

// Remote is the subset of the GitHub client the cache needs.
type Remote interface {
	LatestCommitBefore(ctx context.Context, owner, repo string, asOf time.Time) (remote.Commit, error)
	GetTree(ctx context.Context, owner, repo, sha string) (*remote.Tree, error)
	DownloadBlob(ctx context.Context, owner, repo, sha string, w io.Writer) (int64, error)
}

// Retention controls how long materialized state is kept.
type Retention int

const (
	// RetainForProcess keeps everything until the process exits. Nothing is
	// ever evicted.
	RetainForProcess Retention = iota
)

// Snapshot is the commit a repository is pinned to.
type Snapshot struct {
	SHA        string
	CommitTime time.Time
	// AsOf is the logical timestamp the pin was resolved against.
	AsOf time.Time
}

// Cache is the materialization cache shared by every repository.
type Cache struct {
	layout    Layout
	fs        billy.Filesystem
	remote    Remote
	gitBinary string
	retention Retention
	log       *logging.Logger

	mu    sync.Mutex
	repos map[RepoKey]*repoState

	flights singleflight.Group

	cloneMu      sync.Mutex
	cloned       map[string]struct{}
	cloneFlights singleflight.Group

	tmpSeq atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used by the cache.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// WithGitBinary sets the git executable used for full clones.
func WithGitBinary(bin string) Option {
	return func(c *Cache) {
		c.gitBinary = bin
	}
}

// WithRetention sets the retention policy.
func WithRetention(r Retention) Option {
	return func(c *Cache) {
		c.retention = r
	}
}

// New creates a cache rooted at cacheRoot backed by r.
func New(cacheRoot string, r Remote, opts ...Option) (*Cache, error) {
	if cacheRoot == "" {
		return nil, errs.Invalid("cache_root", "must not be empty")
	}
	if r == nil {
		return nil, errs.Invalid("remote", "must not be nil")
	}

	c := &Cache{
		layout:    NewLayout(cacheRoot),
		remote:    r,
		gitBinary: "git",
		retention: RetainForProcess,
		repos:     make(map[RepoKey]*repoState),
		cloned:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	c.log = c.log.WithPrefix("cache")

	if c.retention != RetainForProcess {
		return nil, errs.Invalid("retention", fmt.Sprintf("unsupported policy %d", c.retention))
	}

	c.fs = osfs.New(c.layout.CacheRoot(), osfs.WithBoundOS())
	if err := c.fs.MkdirAll(forgeRel(), 0o755); err != nil {
		return nil, errs.IO("mkdir", c.layout.ForgeDir(), err)
	}

	return c, nil
}

// Layout returns the on-disk layout of the cache.
func (c *Cache) Layout() Layout {
	return c.layout
}

// RepoDir returns the local root directory of the repository.
func (c *Cache) RepoDir(key RepoKey) string {
	return c.layout.RepoDir(key)
}

// CreateRepoDirs creates the owner directory and an empty directory for
// each of its repositories.
func (c *Cache) CreateRepoDirs(owner string, names []string) error {
	dir := ownerRel(owner)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return errs.IO("mkdir", c.layout.abs(dir), err)
	}
	for _, name := range names {
		rel := repoRel(RepoKey{Owner: owner, Name: name})
		if err := c.fs.MkdirAll(rel, 0o755); err != nil {
			return errs.IO("mkdir", c.layout.abs(rel), err)
		}
	}
	return nil
}

// Pin returns the snapshot of key, resolving it against asOf the first
// time the repository is seen. Later calls return the same snapshot no
// matter what asOf is.
func (c *Cache) Pin(ctx context.Context, key RepoKey, asOf time.Time) (Snapshot, error) {
	st := c.state(key)

	st.pinMu.Lock()
	defer st.pinMu.Unlock()

	if st.pin != nil {
		return *st.pin, nil
	}

	commit, err := c.remote.LatestCommitBefore(ctx, key.Owner, key.Name, asOf)
	if err != nil {
		return Snapshot{}, err
	}

	st.pin = &Snapshot{SHA: commit.SHA, CommitTime: commit.Date, AsOf: asOf}
	c.log.Info("Pinned %s to %s (as of %s)", key, commit.SHA, asOf.Format(time.RFC3339))
	return *st.pin, nil
}

// Snapshot returns the pin of key if one exists.
func (c *Cache) Snapshot(key RepoKey) (Snapshot, bool) {
	st := c.state(key)
	st.pinMu.Lock()
	defer st.pinMu.Unlock()
	if st.pin == nil {
		return Snapshot{}, false
	}
	return *st.pin, true
}

// IsMaterialized reports whether rel has been made locally complete.
func (c *Cache) IsMaterialized(key RepoKey, rel string) bool {
	return c.state(key).isMaterialized(CleanPath(rel))
}

// EnsureMaterialized makes rel inside the repository locally present and
// complete. The repository root and every ancestor are materialized
// first. On return a directory is listed with placeholders for its files
// and a file holds its real content.
func (c *Cache) EnsureMaterialized(ctx context.Context, key RepoKey, rel string, asOf time.Time) error {
	return c.ensure(ctx, key, rel, asOf, false)
}

// EnsureListed is EnsureMaterialized for a path that must be a directory.
// It never downloads file content: a file at rel or on the way to it
// reports not found.
func (c *Cache) EnsureListed(ctx context.Context, key RepoKey, rel string, asOf time.Time) error {
	return c.ensure(ctx, key, rel, asOf, true)
}

func (c *Cache) ensure(ctx context.Context, key RepoKey, rel string, asOf time.Time, dirOnly bool) error {
	rel = CleanPath(rel)
	st := c.state(key)
	if st.isMaterialized(rel) {
		if dirOnly && rel != "" {
			if info, err := c.fs.Lstat(pathRel(key, rel)); err != nil || !info.IsDir() {
				return errs.NotFound("directory", key.String()+"/"+rel)
			}
		}
		return nil
	}

	snap, err := c.Pin(ctx, key, asOf)
	if err != nil {
		return err
	}

	for _, p := range ancestry(rel) {
		if st.isMaterialized(p) {
			continue
		}
		onlyDir := dirOnly || p != rel
		flight := key.String() + ":" + p
		if onlyDir {
			flight += "/"
		}
		err := c.shared(ctx, &c.flights, flight, func(ctx context.Context) error {
			return c.materialize(ctx, key, st, snap, p, onlyDir)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// shared runs fn once for every concurrent caller of the same flight key.
// fn runs detached from any single caller's cancellation so one caller
// giving up does not fail the others. Each caller still returns as soon
// as its own ctx is done.
func (c *Cache) shared(ctx context.Context, g *singleflight.Group, flight string, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	ch := g.DoChan(flight, func() (interface{}, error) {
		return nil, fn(detached)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureMetadataDir creates the empty placeholder for the repository's
// metadata directory and returns its local path.
func (c *Cache) EnsureMetadataDir(key RepoKey) (string, error) {
	rel := pathRel(key, MetadataDir)
	if err := c.fs.MkdirAll(rel, 0o755); err != nil {
		return "", errs.IO("mkdir", c.layout.abs(rel), err)
	}
	return c.layout.abs(rel), nil
}

// materialize performs one step of the ancestor walk. The repository lock
// is held across the check, the fetch and the write. Ancestors of the
// requested path must be directories.
func (c *Cache) materialize(ctx context.Context, key RepoKey, st *repoState, snap Snapshot, p string, dirOnly bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.isMaterialized(p) {
		return nil
	}

	sha := snap.SHA
	if p != "" {
		e, ok := st.tree[p]
		if !ok {
			return errs.NotFound("path", key.String()+"/"+p)
		}
		switch e.kind {
		case remote.TypeBlob:
			if dirOnly {
				return errs.NotFound("directory", key.String()+"/"+p)
			}
			return c.fetchContent(ctx, key, st, p, e)
		case remote.TypeTree:
			sha = e.sha
		default:
			return errs.NotFound("path", key.String()+"/"+p)
		}
	}

	return c.listTree(ctx, key, st, p, sha)
}

// listTree fetches one level of the tree at p and creates its children.
func (c *Cache) listTree(ctx context.Context, key RepoKey, st *repoState, p, sha string) error {
	c.log.Debug("Listing %s/%s at %s", key, p, sha)

	tree, err := c.remote.GetTree(ctx, key.Owner, key.Name, sha)
	if err != nil {
		return err
	}

	dirRel := pathRel(key, p)
	if err := c.fs.MkdirAll(dirRel, 0o755); err != nil {
		return errs.IO("mkdir", c.layout.abs(dirRel), err)
	}
	if p == "" {
		st.rootTree = tree.SHA
	} else {
		e := st.tree[p]
		e.sha = tree.SHA
		st.tree[p] = e
	}

	for _, child := range tree.Entries {
		childPath := joinRel(p, child.Path)
		local := pathRel(key, childPath)

		switch child.Type {
		case remote.TypeBlob:
			mode, err := parseMode(child.Mode)
			if err != nil {
				return err
			}
			st.tree[childPath] = entry{sha: child.SHA, kind: remote.TypeBlob, mode: mode, size: child.Size}
			if st.isMaterialized(childPath) {
				continue
			}
			if err := c.createPlaceholder(local, child.Size, mode); err != nil {
				return err
			}
			st.markPending(childPath)
		case remote.TypeTree:
			st.tree[childPath] = entry{sha: child.SHA, kind: remote.TypeTree, mode: os.ModeDir | 0o755}
			if err := c.fs.MkdirAll(local, 0o755); err != nil {
				return errs.IO("mkdir", c.layout.abs(local), err)
			}
		default:
			c.log.Debug("Skipping %s entry %s/%s", child.Type, key, childPath)
		}
	}

	if p == "" {
		meta := pathRel(key, MetadataDir)
		if err := c.fs.MkdirAll(meta, 0o755); err != nil {
			return errs.IO("mkdir", c.layout.abs(meta), err)
		}
	}

	st.markMaterialized(p)
	return nil
}

// createPlaceholder writes a zero-filled file of the given size.
func (c *Cache) createPlaceholder(rel string, size int64, mode os.FileMode) error {
	f, err := c.fs.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errs.IO("create", c.layout.abs(rel), err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return errs.IO("truncate", c.layout.abs(rel), err)
	}
	if err := f.Close(); err != nil {
		return errs.IO("close", c.layout.abs(rel), err)
	}
	return c.chmod(rel, mode)
}

// fetchContent downloads a file into a sibling temporary file and renames
// it over the placeholder, so readers never see a partial download.
func (c *Cache) fetchContent(ctx context.Context, key RepoKey, st *repoState, p string, e entry) error {
	target := pathRel(key, p)
	tmp := pathRel(key, joinRel(parent(p), ".gitfs-"+strconv.FormatUint(c.tmpSeq.Add(1), 10)+".tmp"))

	c.log.Debug("Downloading %s/%s (%d bytes)", key, p, e.size)

	f, err := c.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return errs.IO("create", c.layout.abs(tmp), err)
	}

	n, err := c.remote.DownloadBlob(ctx, key.Owner, key.Name, e.sha, f)
	closeErr := f.Close()
	if err != nil {
		_ = c.fs.Remove(tmp)
		return err
	}
	if closeErr != nil {
		_ = c.fs.Remove(tmp)
		return errs.IO("close", c.layout.abs(tmp), closeErr)
	}
	if n != e.size {
		c.log.Warn("Size mismatch for %s/%s: tree says %d, downloaded %d", key, p, e.size, n)
	}

	if err := c.fs.Rename(tmp, target); err != nil {
		_ = c.fs.Remove(tmp)
		return errs.IO("rename", c.layout.abs(target), err)
	}
	if err := c.chmod(target, e.mode); err != nil {
		return err
	}

	st.markMaterialized(p)
	return nil
}

func (c *Cache) chmod(rel string, mode os.FileMode) error {
	var err error
	if ch, ok := c.fs.(billy.Change); ok {
		err = ch.Chmod(rel, mode)
	} else {
		err = os.Chmod(c.layout.abs(rel), mode)
	}
	if err != nil {
		return errs.IO("chmod", c.layout.abs(rel), err)
	}
	return nil
}

func (c *Cache) state(key RepoKey) *repoState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.repos[key]
	if !ok {
		st = newRepoState()
		c.repos[key] = st
	}
	return st
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
