package cache

import (
	"path"
	"path/filepath"
	"strings"
)

// Forge is the single supported code-hosting service. It is also the name
// of the directory every owner lives under.
const Forge = "github.com"

// MetadataDir is the version-control metadata directory of a checkout.
const MetadataDir = ".git"

const (
	reposDirName   = "repos"
	scratchDirName = "scratch"
)

// RepoKey identifies a repository by owner and name. Two owners with
// identically named repositories never share state.
type RepoKey struct {
	Owner string
	Name  string
}

// String returns owner/name.
func (k RepoKey) String() string {
	return k.Owner + "/" + k.Name
}

// Layout computes where things live under a cache root:
//
//	<cache-root>/repos/github.com/<owner>/<repo>/<path-in-repo>
//	<cache-root>/scratch/...   (clone scratch space)
type Layout struct {
	root string
}

// NewLayout creates a layout for the given cache root.
func NewLayout(cacheRoot string) Layout {
	return Layout{root: filepath.Clean(cacheRoot)}
}

// CacheRoot returns the cache root directory.
func (l Layout) CacheRoot() string {
	return l.root
}

// ReposDir returns the directory the virtual root maps to.
func (l Layout) ReposDir() string {
	return filepath.Join(l.root, reposDirName)
}

// ForgeDir returns the directory listing every fetched owner.
func (l Layout) ForgeDir() string {
	return filepath.Join(l.root, filepath.FromSlash(forgeRel()))
}

// OwnerDir returns the directory listing an owner's repositories.
func (l Layout) OwnerDir(owner string) string {
	return filepath.Join(l.root, filepath.FromSlash(ownerRel(owner)))
}

// RepoDir returns the root directory of a repository checkout.
func (l Layout) RepoDir(key RepoKey) string {
	return filepath.Join(l.root, filepath.FromSlash(repoRel(key)))
}

// Path returns the local path of rel inside the repository.
func (l Layout) Path(key RepoKey, rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(pathRel(key, rel)))
}

// abs converts a slash-separated path relative to the cache root.
func (l Layout) abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

func forgeRel() string {
	return path.Join(reposDirName, Forge)
}

func ownerRel(owner string) string {
	return path.Join(forgeRel(), owner)
}

func repoRel(key RepoKey) string {
	return path.Join(ownerRel(key.Owner), key.Name)
}

func pathRel(key RepoKey, rel string) string {
	return path.Join(repoRel(key), rel)
}

// CleanPath normalizes a path inside a repository: slash separated, no
// leading slash, "" for the repository root. ".." cannot escape the root.
func CleanPath(p string) string {
	cleaned := path.Clean("/" + filepath.ToSlash(p))
	return strings.TrimPrefix(cleaned, "/")
}

// ancestry returns every path that must be materialized, root first,
// ending with rel itself.
func ancestry(rel string) []string {
	chain := []string{""}
	if rel == "" {
		return chain
	}
	parts := strings.Split(rel, "/")
	for i := range parts {
		chain = append(chain, strings.Join(parts[:i+1], "/"))
	}
	return chain
}

// parent returns the parent of rel, "" for top-level entries.
func parent(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
