// Package remotetest provides an in-memory stand-in for the GitHub API
// that records every call it receives.
package remotetest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote"
)

// Method names as recorded by Fake.
const (
	MethodListRepositories   = "ListRepositories"
	MethodLatestCommitBefore = "LatestCommitBefore"
	MethodGetTree            = "GetTree"
	MethodDownloadBlob       = "DownloadBlob"
)

// File describes one file of a snapshot. Mode defaults to 100644.
type File struct {
	Content string
	Mode    string
}

// Call is one recorded request.
type Call struct {
	Method string
	Target string
}

type commit struct {
	remote.Commit
	root string
}

// Fake serves repositories, commits, trees and blobs from memory.
type Fake struct {
	// Delay is slept before every call returns, to widen race windows.
	Delay time.Duration

	mu      sync.Mutex
	repos   map[string][]remote.Repository
	commits map[string][]commit
	trees   map[string]*remote.Tree
	blobs   map[string][]byte
	fail    map[Call]error
	calls   []Call
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		repos:   make(map[string][]remote.Repository),
		commits: make(map[string][]commit),
		trees:   make(map[string]*remote.Tree),
		blobs:   make(map[string][]byte),
		fail:    make(map[Call]error),
	}
}

// AddRepository lists name under owner.
func (f *Fake) AddRepository(owner, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[owner] = append(f.repos[owner], remote.Repository{
		Owner:    owner,
		Name:     name,
		CloneURL: "https://github.com/" + owner + "/" + name + ".git",
	})
}

// AddSnapshot records a commit of owner/repo whose tree holds files. Paths
// are slash separated; intermediate directories are created as needed.
// Commits may be added in any order.
func (f *Fake) AddSnapshot(owner, repo, sha string, date time.Time, files map[string]File) {
	f.mu.Lock()
	defer f.mu.Unlock()

	root := f.buildTree(sha, "", files)
	key := owner + "/" + repo
	f.commits[key] = append(f.commits[key], commit{
		Commit: remote.Commit{SHA: sha, Date: date},
		root:   root,
	})
	sort.Slice(f.commits[key], func(i, j int) bool {
		return f.commits[key][i].Date.After(f.commits[key][j].Date)
	})
}

// buildTree stores the tree for dir and returns its sha.
func (f *Fake) buildTree(commitSHA, dir string, files map[string]File) string {
	tree := &remote.Tree{SHA: digest("tree", commitSHA, dir)}
	seenDirs := make(map[string]bool)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rel := name
		if dir != "" {
			if !strings.HasPrefix(name, dir+"/") {
				continue
			}
			rel = strings.TrimPrefix(name, dir+"/")
		}

		if i := strings.Index(rel, "/"); i >= 0 {
			sub := rel[:i]
			if seenDirs[sub] {
				continue
			}
			seenDirs[sub] = true
			subSHA := f.buildTree(commitSHA, path.Join(dir, sub), files)
			tree.Entries = append(tree.Entries, remote.TreeEntry{
				Path: sub, Mode: "040000", Type: remote.TypeTree, SHA: subSHA,
			})
			continue
		}

		file := files[name]
		mode := file.Mode
		if mode == "" {
			mode = "100644"
		}
		blobSHA := digest("blob", file.Content)
		f.blobs[blobSHA] = []byte(file.Content)
		tree.Entries = append(tree.Entries, remote.TreeEntry{
			Path: rel, Mode: mode, Type: remote.TypeBlob, SHA: blobSHA, Size: int64(len(file.Content)),
		})
	}

	f.trees[tree.SHA] = tree
	return tree.SHA
}

// AddTreeEntry appends a raw entry to the tree sha, e.g. a submodule link.
func (f *Fake) AddTreeEntry(sha string, e remote.TreeEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tree, ok := f.trees[sha]; ok {
		tree.Entries = append(tree.Entries, e)
	}
}

// RootTree returns the root tree sha of a commit added with AddSnapshot.
func (f *Fake) RootTree(owner, repo, sha string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commits[owner+"/"+repo] {
		if c.SHA == sha {
			return c.root
		}
	}
	return ""
}

// FailWith makes calls of method on target return err.
func (f *Fake) FailWith(method, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[Call{Method: method, Target: target}] = err
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how often method was called, on target when target is
// not empty.
func (f *Fake) Count(method, target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && (target == "" || c.Target == target) {
			n++
		}
	}
	return n
}

// Reset forgets the recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) record(method, target string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Target: target})
	err := f.fail[Call{Method: method, Target: target}]
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

// ListRepositories implements the listing endpoint.
func (f *Fake) ListRepositories(_ context.Context, owner string) ([]remote.Repository, error) {
	if err := f.record(MethodListRepositories, owner); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	repos, ok := f.repos[owner]
	if !ok {
		return nil, errs.NotFound("user", owner)
	}
	out := make([]remote.Repository, len(repos))
	copy(out, repos)
	return out, nil
}

// LatestCommitBefore returns the newest commit at or before asOf.
func (f *Fake) LatestCommitBefore(_ context.Context, owner, repo string, asOf time.Time) (remote.Commit, error) {
	key := owner + "/" + repo
	if err := f.record(MethodLatestCommitBefore, key); err != nil {
		return remote.Commit{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commits[key] {
		if !c.Date.After(asOf) {
			return c.Commit, nil
		}
	}
	return remote.Commit{}, errs.NotFound("commit", key)
}

// GetTree returns one level of the tree sha. A commit sha resolves to its
// root tree.
func (f *Fake) GetTree(_ context.Context, owner, repo, sha string) (*remote.Tree, error) {
	if err := f.record(MethodGetTree, sha); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commits[owner+"/"+repo] {
		if c.SHA == sha {
			sha = c.root
			break
		}
	}
	tree, ok := f.trees[sha]
	if !ok {
		return nil, errs.NotFound("tree", sha)
	}
	out := &remote.Tree{SHA: tree.SHA, Entries: make([]remote.TreeEntry, len(tree.Entries))}
	copy(out.Entries, tree.Entries)
	return out, nil
}

// DownloadBlob writes the content of blob sha to w.
func (f *Fake) DownloadBlob(_ context.Context, _, _, sha string, w io.Writer) (int64, error) {
	if err := f.record(MethodDownloadBlob, sha); err != nil {
		return 0, err
	}
	f.mu.Lock()
	content, ok := f.blobs[sha]
	f.mu.Unlock()
	if !ok {
		return 0, errs.NotFound("blob", sha)
	}
	n, err := w.Write(content)
	return int64(n), err
}

// BlobSHA returns the sha the fake assigns to content.
func BlobSHA(content string) string {
	return digest("blob", content)
}

func digest(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
