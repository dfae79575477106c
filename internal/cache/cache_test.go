package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote/remotetest"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	now  = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

var myrepo = RepoKey{Owner: "alice", Name: "myrepo"}

func newTestCache(t *testing.T, r Remote, opts ...Option) *Cache {
	t.Helper()

	var buf bytes.Buffer
	l := logging.New(&buf, "test")
	l.SetLevel(logging.LevelDebug)
	t.Cleanup(func() {
		if t.Failed() {
			t.Log(buf.String())
		}
	})

	c, err := New(t.TempDir(), r, append([]Option{WithLogger(l)}, opts...)...)
	require.NoError(t, err)
	return c
}

func seedRepo(f *remotetest.Fake) {
	f.AddRepository("alice", "myrepo")
	f.AddSnapshot("alice", "myrepo", "c1", day1, map[string]remotetest.File{
		"README.md":   {Content: "hello\n"},
		"run.sh":      {Content: "#!/bin/sh\necho hi\n", Mode: "100755"},
		"src/main.go": {Content: "package main\n"},
		"a/b/c.txt":   {Content: "deep"},
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New("", remotetest.New())
	assert.Equal(t, errs.CodeInvalid, errors.GetCode(err))

	_, err = New(t.TempDir(), nil)
	assert.Equal(t, errs.CodeInvalid, errors.GetCode(err))

	_, err = New(t.TempDir(), remotetest.New(), WithRetention(Retention(7)))
	assert.Equal(t, errs.CodeInvalid, errors.GetCode(err))

	root := t.TempDir()
	c, err := New(root, remotetest.New())
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, "repos", "github.com"))
	assert.Equal(t, filepath.Join(root, "repos"), c.Layout().ReposDir())
}

func TestCache_EnsureMaterialized_Root(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)

	require.NoError(t, c.EnsureMaterialized(context.Background(), myrepo, "", now))

	repoDir := c.Layout().RepoDir(myrepo)
	assert.DirExists(t, filepath.Join(repoDir, "src"))
	assert.DirExists(t, filepath.Join(repoDir, "a"))
	assert.DirExists(t, filepath.Join(repoDir, ".git"))

	readme, err := os.ReadFile(filepath.Join(repoDir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len("hello\n")), readme, "placeholder is zero filled")

	info, err := os.Stat(filepath.Join(repoDir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.Equal(t, int64(len("#!/bin/sh\necho hi\n")), info.Size())

	assert.True(t, c.IsMaterialized(myrepo, ""))
	assert.False(t, c.IsMaterialized(myrepo, "README.md"))
	assert.True(t, c.state(myrepo).isPending("README.md"))
	assert.Equal(t, 2, c.state(myrepo).pendingCount())

	assert.Equal(t, 1, fake.Count(remotetest.MethodGetTree, ""))
	assert.Equal(t, 0, fake.Count(remotetest.MethodDownloadBlob, ""))
}

func TestCache_EnsureMaterialized_DeepPathOrder(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)

	require.NoError(t, c.EnsureMaterialized(context.Background(), myrepo, "a/b/c.txt", now))

	var targets []string
	for _, call := range fake.Calls() {
		if call.Method == remotetest.MethodGetTree {
			targets = append(targets, call.Target)
		}
	}
	require.Len(t, targets, 3)
	assert.Equal(t, "c1", targets[0])

	a := c.state(myrepo).tree["a"]
	b := c.state(myrepo).tree["a/b"]
	assert.Equal(t, []string{"c1", a.sha, b.sha}, targets)

	content, err := os.ReadFile(c.Layout().Path(myrepo, "a/b/c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(content))

	for _, p := range []string{"", "a", "a/b", "a/b/c.txt"} {
		assert.True(t, c.IsMaterialized(myrepo, p), p)
	}
}

func TestCache_EnsureMaterialized_DownloadsOnce(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)
	ctx := context.Background()

	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "run.sh", now))
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "run.sh", now))
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "/run.sh", now))

	assert.Equal(t, 1, fake.Count(remotetest.MethodDownloadBlob, ""))
	assert.Equal(t, 1, fake.Count(remotetest.MethodLatestCommitBefore, ""))

	path := c.Layout().Path(myrepo, "run.sh")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.False(t, c.state(myrepo).isPending("run.sh"))
}

func TestCache_Pin_IsStable(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)
	ctx := context.Background()

	snap, err := c.Pin(ctx, myrepo, now)
	require.NoError(t, err)
	assert.Equal(t, "c1", snap.SHA)
	assert.Equal(t, now, snap.AsOf)

	fake.AddSnapshot("alice", "myrepo", "c2", day2, map[string]remotetest.File{
		"NEW.md": {Content: "new"},
	})

	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "src/main.go", now.Add(time.Hour)))

	again, err := c.Pin(ctx, myrepo, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "c1", again.SHA)
	assert.Equal(t, 1, fake.Count(remotetest.MethodLatestCommitBefore, ""))
	assert.NoFileExists(t, c.Layout().Path(myrepo, "NEW.md"))
}

func TestCache_Pin_RespectsAsOf(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	fake.AddSnapshot("alice", "myrepo", "c2", day2, map[string]remotetest.File{"x": {Content: "x"}})
	c := newTestCache(t, fake)

	snap, err := c.Pin(context.Background(), myrepo, day1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "c1", snap.SHA)

	got, ok := c.Snapshot(myrepo)
	require.True(t, ok)
	assert.Equal(t, snap, got)

	_, ok = c.Snapshot(RepoKey{Owner: "bob", Name: "myrepo"})
	assert.False(t, ok)
}

func TestCache_EnsureMaterialized_Concurrent(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	fake.Delay = 20 * time.Millisecond
	c := newTestCache(t, fake)

	var wg sync.WaitGroup
	errCh := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- c.EnsureMaterialized(context.Background(), myrepo, "src/main.go", now)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, fake.Count(remotetest.MethodLatestCommitBefore, ""))
	assert.Equal(t, 2, fake.Count(remotetest.MethodGetTree, ""))
	assert.Equal(t, 1, fake.Count(remotetest.MethodDownloadBlob, ""))

	content, err := os.ReadFile(c.Layout().Path(myrepo, "src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))
}

func TestCache_EnsureMaterialized_Missing(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)
	ctx := context.Background()

	err := c.EnsureMaterialized(ctx, myrepo, "nope.txt", now)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errors.GetCode(err))

	err = c.EnsureMaterialized(ctx, myrepo, "src/nope/deeper.go", now)
	assert.Equal(t, errs.CodeNotFound, errors.GetCode(err))

	err = c.EnsureMaterialized(ctx, RepoKey{Owner: "alice", Name: "ghost"}, "", now)
	assert.Equal(t, errs.CodeNotFound, errors.GetCode(err))

	// A file used as a directory is missing and is not downloaded
	err = c.EnsureMaterialized(ctx, myrepo, "README.md/child", now)
	assert.Equal(t, errs.CodeNotFound, errors.GetCode(err))
	assert.Zero(t, fake.Count(remotetest.MethodDownloadBlob, ""))
	assert.False(t, c.IsMaterialized(myrepo, "README.md"))
}

func TestCache_EnsureListed(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)
	ctx := context.Background()

	require.NoError(t, c.EnsureListed(ctx, myrepo, "a/b", now))
	assert.True(t, c.IsMaterialized(myrepo, "a/b"))
	assert.FileExists(t, c.Layout().Path(myrepo, "a/b/c.txt"))

	for _, rel := range []string{"README.md", "README.md/x", "nope"} {
		err := c.EnsureListed(ctx, myrepo, rel, now)
		require.Error(t, err, rel)
		assert.Equal(t, errs.CodeNotFound, errors.GetCode(err), rel)
	}
	assert.Zero(t, fake.Count(remotetest.MethodDownloadBlob, ""))
	assert.False(t, c.IsMaterialized(myrepo, "README.md"))

	// A file that already has its content is still not a directory
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "README.md", now))
	err := c.EnsureListed(ctx, myrepo, "README.md", now)
	assert.Equal(t, errs.CodeNotFound, errors.GetCode(err))
}

func TestCache_EnsureMaterialized_CancelledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)
	require.NoError(t, c.EnsureMaterialized(context.Background(), myrepo, "", now))
	fake.Delay = 300 * time.Millisecond

	first, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- c.EnsureMaterialized(first, myrepo, "README.md", now)
	}()
	require.Eventually(t, func() bool {
		return fake.Count(remotetest.MethodDownloadBlob, "") == 1
	}, 5*time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		secondErr <- c.EnsureMaterialized(context.Background(), myrepo, "README.md", now)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr)

	data, err := os.ReadFile(c.Layout().Path(myrepo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.True(t, c.IsMaterialized(myrepo, "README.md"))
	assert.Equal(t, 1, fake.Count(remotetest.MethodDownloadBlob, ""))
}

func TestCache_EnsureMaterialized_DownloadFailureKeepsPlaceholder(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	c := newTestCache(t, fake)
	ctx := context.Background()

	sha := remotetest.BlobSHA("hello\n")
	fake.FailWith(remotetest.MethodDownloadBlob, sha, errors.New(errs.CodeUnavailable, "boom"))

	err := c.EnsureMaterialized(ctx, myrepo, "README.md", now)
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnavailable, errors.GetCode(err))
	assert.True(t, c.state(myrepo).isPending("README.md"))
	assert.False(t, c.IsMaterialized(myrepo, "README.md"))

	entries, err := os.ReadDir(c.Layout().RepoDir(myrepo))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temporary download left behind")
	}

	fake.FailWith(remotetest.MethodDownloadBlob, sha, nil)
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "README.md", now))
	content, err := os.ReadFile(c.Layout().Path(myrepo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestCache_OwnersDoNotShareState(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	seedRepo(fake)
	fake.AddSnapshot("bob", "myrepo", "b1", day1, map[string]remotetest.File{
		"BOB.md": {Content: "bob"},
	})
	c := newTestCache(t, fake)
	ctx := context.Background()

	bob := RepoKey{Owner: "bob", Name: "myrepo"}
	require.NoError(t, c.EnsureMaterialized(ctx, myrepo, "", now))
	require.NoError(t, c.EnsureMaterialized(ctx, bob, "", now))

	assert.FileExists(t, c.Layout().Path(bob, "BOB.md"))
	assert.NoFileExists(t, c.Layout().Path(bob, "README.md"))
	assert.NoFileExists(t, c.Layout().Path(myrepo, "BOB.md"))
	assert.Equal(t, 2, fake.Count(remotetest.MethodLatestCommitBefore, ""))
}

func TestCache_EnsureMaterialized_SpecialEntries(t *testing.T) {
	t.Parallel()

	fake := remotetest.New()
	fake.AddSnapshot("alice", "links", "l1", day1, map[string]remotetest.File{
		"target.txt": {Content: "t"},
		"link":       {Content: "target.txt", Mode: "120000"},
	})
	root := fake.RootTree("alice", "links", "l1")
	fake.AddTreeEntry(root, remote.TreeEntry{Path: "vendor/lib", Mode: "160000", Type: remote.TypeCommit, SHA: "sub1"})
	c := newTestCache(t, fake)

	key := RepoKey{Owner: "alice", Name: "links"}
	require.NoError(t, c.EnsureMaterialized(context.Background(), key, "", now))

	info, err := os.Lstat(c.Layout().Path(key, "link"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assert.NoDirExists(t, c.Layout().Path(key, "vendor/lib"))
}

func TestCache_EnsureMetadataDir(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, remotetest.New())
	dir, err := c.EnsureMetadataDir(myrepo)
	require.NoError(t, err)
	assert.Equal(t, c.Layout().Path(myrepo, ".git"), dir)
	assert.DirExists(t, dir)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    os.FileMode
		wantErr bool
	}{
		{raw: "100644", want: 0o644},
		{raw: "100755", want: 0o755},
		{raw: "120000", want: 0o644},
		{raw: "160000", want: 0o644},
		{raw: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseMode(tt.raw)
			if tt.wantErr {
				assert.Equal(t, errs.CodeInvalid, errors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAncestry(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{""}, ancestry(""))
	assert.Equal(t, []string{"", "a", "a/b", "a/b/c"}, ancestry("a/b/c"))
	assert.Equal(t, "a/b", CleanPath("/a//b/"))
	assert.Equal(t, "", CleanPath("/"))
	assert.Equal(t, "etc", CleanPath("../../etc"))
	assert.Equal(t, "", parent("a"))
	assert.Equal(t, "a/b", parent("a/b/c"))
}
