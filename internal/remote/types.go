package remote

import "time"

// Tree entry types reported by the git trees endpoint.
const (
	TypeBlob   = "blob"
	TypeTree   = "tree"
	TypeCommit = "commit" // submodule gitlink
)

// Repository is the subset of repository metadata the filesystem needs.
type Repository struct {
	Owner    string
	Name     string
	CloneURL string
}

// Commit identifies a commit and when it was committed.
type Commit struct {
	SHA  string
	Date time.Time
}

// TreeEntry is one child of a tree object.
type TreeEntry struct {
	Path string
	Mode string // octal string, e.g. "100644"
	Type string
	SHA  string
	Size int64
}

// Tree is a single, non-recursive tree listing.
type Tree struct {
	SHA     string
	Entries []TreeEntry
}
