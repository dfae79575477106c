package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote/remotetest"
)

const cloneURL = "https://github.com/alice/myrepo.git"

// templateRepo creates a repository with two commits and returns its path
// and the hash of the first commit. extraDocs adds that many more files
// under docs/ in the first commit.
func templateRepo(t *testing.T, extraDocs int) (string, plumbing.Hash) {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	write := func(name, content string) {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	commit := func(msg string) plumbing.Hash {
		h, err := wt.Commit(msg, &gogit.CommitOptions{
			Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return h
	}

	write("README.md", "from-clone\n")
	write("v.txt", "one")
	write("docs/guide.md", "guide\n")
	for i := 0; i < extraDocs; i++ {
		write(fmt.Sprintf("docs/page-%04d.md", i), "page\n")
	}
	first := commit("first")

	write("v.txt", "two")
	commit("second")

	return dir, first
}

// fakeGit writes a git stand-in that copies template for "clone" and logs
// every invocation to the returned file.
func fakeGit(t *testing.T, template string, fail bool) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script git stand-in requires a POSIX shell")
	}

	dir := t.TempDir()
	calls := filepath.Join(dir, "calls.log")
	body := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\n", calls)
	if fail {
		body += "echo 'fatal: repository not found' >&2\nexit 128\n"
	} else {
		body += fmt.Sprintf("[ \"$1\" = clone ] || exit 2\ncp -R %q \"$4\"\n", template)
	}

	bin := filepath.Join(dir, "git")
	require.NoError(t, os.WriteFile(bin, []byte(body), 0o755))
	return bin, calls
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestCache_EnsureFullClone(t *testing.T) {
	t.Parallel()

	template, first := templateRepo(t, 0)
	bin, calls := fakeGit(t, template, false)

	fake := remotetest.New()
	fake.AddSnapshot("alice", "myrepo", first.String(), day1, map[string]remotetest.File{
		"README.md":     {Content: "from-api\n"},
		"v.txt":         {Content: "one"},
		"docs/guide.md": {Content: "guide\n"},
	})
	c := newTestCache(t, fake, WithGitBinary(bin))
	ctx := context.Background()

	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "README.md", now))
	require.NoError(t, c.EnsureFullClone(ctx, myrepo, cloneURL))

	assert.FileExists(t, c.Layout().Path(myrepo, ".git/HEAD"))

	read := func(rel string) string {
		data, err := os.ReadFile(c.Layout().Path(myrepo, rel))
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "from-api\n", read("README.md"), "materialized file was replaced")
	assert.Equal(t, "one", read("v.txt"), "clone not moved to the pinned commit")
	assert.Equal(t, "guide\n", read("docs/guide.md"))

	for _, p := range []string{"v.txt", "docs", "docs/guide.md"} {
		assert.True(t, c.IsMaterialized(myrepo, p), p)
	}
	assert.Equal(t, 0, c.state(myrepo).pendingCount())

	fake.Reset()
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "docs/guide.md", now))
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "v.txt", now))
	assert.Empty(t, fake.Calls())

	require.NoError(t, c.EnsureFullClone(ctx, myrepo, cloneURL))
	assert.Equal(t, 1, countLines(t, calls))

	leftovers, err := os.ReadDir(filepath.Join(c.Layout().CacheRoot(), "scratch", "alice"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCache_EnsureFullClone_ListedOnlyWhenComplete(t *testing.T) {
	t.Parallel()

	const pages = 500
	template, first := templateRepo(t, pages)
	bin, _ := fakeGit(t, template, false)

	fake := remotetest.New()
	fake.AddSnapshot("alice", "myrepo", first.String(), day1, map[string]remotetest.File{
		"README.md":     {Content: "from-api\n"},
		"v.txt":         {Content: "one"},
		"docs/guide.md": {Content: "guide\n"},
	})
	c := newTestCache(t, fake, WithGitBinary(bin))
	ctx := context.Background()

	// The root listing creates docs/ without listing it
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "", now))
	require.False(t, c.IsMaterialized(myrepo, "docs"))

	docs := c.Layout().Path(myrepo, "docs")
	done := make(chan struct{})
	seen := make(chan int, 1)
	go func() {
		defer close(seen)
		for {
			select {
			case <-done:
				return
			default:
			}
			if c.IsMaterialized(myrepo, "docs") {
				entries, err := os.ReadDir(docs)
				if err == nil {
					seen <- len(entries)
				}
				return
			}
			runtime.Gosched()
		}
	}()

	require.NoError(t, c.EnsureFullClone(ctx, myrepo, cloneURL))
	close(done)

	if n, ok := <-seen; ok {
		assert.Equal(t, pages+1, n, "docs reported materialized before all entries were moved in")
	}

	entries, err := os.ReadDir(docs)
	require.NoError(t, err)
	assert.Len(t, entries, pages+1)
	assert.True(t, c.IsMaterialized(myrepo, "docs"))
	assert.True(t, c.IsMaterialized(myrepo, "docs/page-0000.md"))
}

func TestCache_EnsureFullClone_Unpinned(t *testing.T) {
	t.Parallel()

	template, _ := templateRepo(t, 0)
	bin, _ := fakeGit(t, template, false)
	c := newTestCache(t, remotetest.New(), WithGitBinary(bin))

	require.NoError(t, c.EnsureFullClone(context.Background(), myrepo, cloneURL))

	data, err := os.ReadFile(c.Layout().Path(myrepo, "v.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assert.True(t, c.IsMaterialized(myrepo, "docs/guide.md"))
}

func TestCache_EnsureFullClone_Failure(t *testing.T) {
	t.Parallel()

	bin, calls := fakeGit(t, "", true)
	c := newTestCache(t, remotetest.New(), WithGitBinary(bin))
	ctx := context.Background()

	err := c.EnsureFullClone(ctx, myrepo, cloneURL)
	require.Error(t, err)
	assert.Equal(t, errors.CodeExecutionFailed, errors.GetCode(err))

	var platformErr errors.PlatformError
	require.True(t, errors.As(err, &platformErr))
	assert.Contains(t, platformErr.Context()["stderr"], "repository not found")

	require.Error(t, c.EnsureFullClone(ctx, myrepo, cloneURL))
	assert.Equal(t, 2, countLines(t, calls), "failed clone must be retried")
	assert.NoDirExists(t, c.Layout().Path(myrepo, ".git"))
}

func TestCache_EnsureFullClone_EmptyURL(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, remotetest.New())
	require.Error(t, c.EnsureFullClone(context.Background(), myrepo, ""))
}
