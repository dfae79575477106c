// Package resolver maps virtual filesystem paths onto the local cache,
// populating owner listings and materializing repository content as
// needed before the path is valid.
//
// Virtual paths look like
//
//	github.com/<owner>/<repo>/<path-in-repo>
//
// and resolve to <cache-root>/repos/github.com/<owner>/<repo>/<path-in-repo>.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/cache"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/config"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote"
)

// Lister lists an owner's repositories.
type Lister interface {
	ListRepositories(ctx context.Context, owner string) ([]remote.Repository, error)
}

// Store is the materialization cache as seen by the resolver.
type Store interface {
	Layout() cache.Layout
	Pin(ctx context.Context, key cache.RepoKey, asOf time.Time) (cache.Snapshot, error)
	IsMaterialized(key cache.RepoKey, rel string) bool
	EnsureMaterialized(ctx context.Context, key cache.RepoKey, rel string, asOf time.Time) error
	EnsureListed(ctx context.Context, key cache.RepoKey, rel string, asOf time.Time) error
	EnsureMetadataDir(key cache.RepoKey) (string, error)
	EnsureFullClone(ctx context.Context, key cache.RepoKey, cloneURL string) error
	CreateRepoDirs(owner string, names []string) error
}

// Options tune a single resolution.
type Options struct {
	// SuppressBaseClone makes a bare repository path an existence check:
	// it succeeds only if the repository root is already materialized.
	SuppressBaseClone bool
	// StatOnly asks for just enough to answer a metadata query. Only the
	// parent of the target is listed.
	StatOnly bool
}

// Resolver turns virtual paths into local cache paths.
type Resolver struct {
	store    Store
	lister   Lister
	layout   cache.Layout
	filtered map[string]struct{}
	now      func() time.Time
	log      *logging.Logger

	mu        sync.Mutex
	fetched   map[string]struct{}
	cloneURLs map[cache.RepoKey]string
	owners    singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFilteredNames replaces the names that never reach the remote.
func WithFilteredNames(names []string) Option {
	return func(r *Resolver) {
		r.filtered = make(map[string]struct{}, len(names))
		for _, name := range names {
			r.filtered[name] = struct{}{}
		}
	}
}

// WithClock sets the source of the logical timestamp used to pin
// repositories.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) {
		r.log = l
	}
}

// New creates a resolver over store, listing owners through lister.
func New(store Store, lister Lister, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		lister:    lister,
		layout:    store.Layout(),
		now:       time.Now,
		fetched:   make(map[string]struct{}),
		cloneURLs: make(map[cache.RepoKey]string),
	}
	WithFilteredNames(config.DefaultFilteredNames)(r)
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Discard()
	}
	r.log = r.log.WithPrefix("resolver")
	return r
}

// Resolve returns the local path backing vpath, fetching whatever is
// missing first. Failures carry an errs kind.
func (r *Resolver) Resolve(ctx context.Context, vpath string, opts Options) (string, error) {
	segs := split(vpath)
	r.log.Trace("Resolve %q stat=%t suppress=%t", vpath, opts.StatOnly, opts.SuppressBaseClone)

	if len(segs) == 0 {
		return r.layout.ReposDir(), nil
	}
	if segs[0] != cache.Forge {
		return "", errs.NotFound("forge", segs[0])
	}
	if len(segs) == 1 {
		return r.layout.ForgeDir(), nil
	}

	owner := segs[1]
	if r.isFiltered(owner) {
		return "", errs.NotFound("owner", owner)
	}
	if err := r.ensureOwner(ctx, owner); err != nil {
		return "", err
	}
	if len(segs) == 2 {
		return r.layout.OwnerDir(owner), nil
	}

	key := cache.RepoKey{Owner: owner, Name: segs[2]}
	if r.isFiltered(key.Name) {
		return "", errs.NotFound("repository", key.String())
	}
	rel := strings.Join(segs[3:], "/")

	if len(segs) == 3 && opts.SuppressBaseClone {
		if r.store.IsMaterialized(key, "") {
			return r.layout.RepoDir(key), nil
		}
		return "", errs.NotFound("repository", key.String())
	}

	if len(segs) > 3 && segs[3] == cache.MetadataDir {
		return r.resolveMetadata(ctx, key, rel, opts)
	}

	if opts.StatOnly {
		if rel == "" || r.store.IsMaterialized(key, rel) {
			return r.layout.Path(key, rel), nil
		}
		if err := r.store.EnsureListed(ctx, key, parentOf(rel), r.now()); err != nil {
			return "", err
		}
		return r.layout.Path(key, rel), nil
	}

	if err := r.store.EnsureMaterialized(ctx, key, rel, r.now()); err != nil {
		return "", err
	}
	return r.layout.Path(key, rel), nil
}

// resolveMetadata handles paths inside a repository's metadata directory.
// Probing the directory itself gets an empty placeholder; anything that
// needs its content triggers a full clone.
func (r *Resolver) resolveMetadata(ctx context.Context, key cache.RepoKey, rel string, opts Options) (string, error) {
	if opts.StatOnly && rel == cache.MetadataDir {
		return r.store.EnsureMetadataDir(key)
	}

	// Pin first so the clone is checked out at the same commit the lazy
	// listing uses.
	if _, err := r.store.Pin(ctx, key, r.now()); err != nil {
		return "", err
	}
	if err := r.store.EnsureFullClone(ctx, key, r.cloneURL(key)); err != nil {
		return "", err
	}
	return r.layout.Path(key, rel), nil
}

// ensureOwner fetches and records the repository listing of owner at most
// once. Concurrent callers share one fetch, which outlives the
// cancellation of whichever caller started it.
func (r *Resolver) ensureOwner(ctx context.Context, owner string) error {
	if r.isFetched(owner) {
		return nil
	}

	detached := context.WithoutCancel(ctx)
	ch := r.owners.DoChan(owner, func() (interface{}, error) {
		if r.isFetched(owner) {
			return nil, nil
		}

		repos, err := r.lister.ListRepositories(detached, owner)
		if err != nil {
			return nil, err
		}

		names := make([]string, 0, len(repos))
		r.mu.Lock()
		for _, repo := range repos {
			names = append(names, repo.Name)
			if repo.CloneURL != "" {
				r.cloneURLs[cache.RepoKey{Owner: owner, Name: repo.Name}] = repo.CloneURL
			}
		}
		r.mu.Unlock()

		if err := r.store.CreateRepoDirs(owner, names); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.fetched[owner] = struct{}{}
		r.mu.Unlock()
		r.log.Debug("Listed %d repositories for %s", len(names), owner)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resolver) isFetched(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.fetched[owner]
	return ok
}

func (r *Resolver) isFiltered(name string) bool {
	_, ok := r.filtered[name]
	return ok
}

// cloneURL returns the URL recorded by the owner listing, or the
// conventional https URL.
func (r *Resolver) cloneURL(key cache.RepoKey) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.cloneURLs[key]; ok {
		return u
	}
	return "https://" + cache.Forge + "/" + key.Owner + "/" + key.Name + ".git"
}

func split(vpath string) []string {
	cleaned := cache.CleanPath(vpath)
	if cleaned == "" {
		return nil
	}
	return strings.Split(cleaned, "/")
}

func parentOf(rel string) string {
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return ""
	}
	return rel[:i]
}
