package fs

import (
	"context"
	"io"
	"os"
	"sync"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/resolver"
)

// File represents a regular file inside a repository. Until it is opened
// the backing cache file may be a zero-filled placeholder of the right
// size and mode.
type File struct {
	fs   *GitFS
	path *VirtualPath
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	f.fs.log.Trace("Getting attributes for file: %q", f.path.String())

	local, err := f.fs.resolver.Resolve(ctx, f.path.Rel(), resolver.Options{StatOnly: true})
	if err != nil {
		return toFuseError(f.fs.log, OpGetattr, f.path.String(), err)
	}
	info, err := os.Lstat(local)
	if err != nil {
		return toFuseError(f.fs.log, OpGetattr, f.path.String(), errs.IO("lstat", local, err))
	}

	fillAttr(a, info, f.fs.uid, f.fs.gid)
	// Read-only mount: strip write bits
	a.Mode = info.Mode() &^ 0o222

	f.fs.log.Trace("File attributes: mode=%v, size=%d, mtime=%v", a.Mode, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface. Opening materializes the
// file's content before the local copy is opened.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	f.fs.log.Debug("Opening file %q with flags %v", f.path.String(), req.Flags)

	if !req.Flags.IsReadOnly() {
		f.fs.log.Debug("Attempted write access to read-only file: %q", f.path.String())
		return nil, ErrReadOnly
	}

	local, err := f.fs.resolver.Resolve(ctx, f.path.Rel(), resolver.Options{})
	if err != nil {
		return nil, toFuseError(f.fs.log, OpOpen, f.path.String(), err)
	}

	file, err := os.Open(local)
	if err != nil {
		return nil, toFuseError(f.fs.log, OpOpen, f.path.String(), errs.IO("open", local, err))
	}

	// Placeholder pages must never be served from the page cache
	resp.Flags |= fuse.OpenDirectIO

	return &FileHandle{file: file, path: f.path.String(), fs: f.fs}, nil
}

// FileHandle represents an open file handle.
// It manages access to an open file descriptor in the cache.
type FileHandle struct {
	fs   *GitFS
	file *os.File
	path string // For logging purposes
	mu   sync.RWMutex
}

// Read implements the HandleReader interface, reading data from the file.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	fh.fs.log.Trace("Reading %d bytes from file %q at offset %d", req.Size, fh.path, req.Offset)

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		return toFuseError(fh.fs.log, OpRead, fh.path, errs.IO("read", fh.file.Name(), err))
	}

	resp.Data = resp.Data[:n]
	return nil
}

// Release implements the HandleReleaser interface, closing the file handle.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fh.fs.log.Trace("Closing file %q", fh.path)
	return fh.file.Close()
}

// Symlink represents a symbolic link spliced in by a full clone.
type Symlink struct {
	fs   *GitFS
	path *VirtualPath
}

// Attr implements the Node interface.
func (s *Symlink) Attr(ctx context.Context, a *fuse.Attr) error {
	local, err := s.fs.resolver.Resolve(ctx, s.path.Rel(), resolver.Options{StatOnly: true})
	if err != nil {
		return toFuseError(s.fs.log, OpGetattr, s.path.String(), err)
	}
	info, err := os.Lstat(local)
	if err != nil {
		return toFuseError(s.fs.log, OpGetattr, s.path.String(), errs.IO("lstat", local, err))
	}
	fillAttr(a, info, s.fs.uid, s.fs.gid)
	return nil
}

// Readlink implements the NodeReadlinker interface. The target is returned
// as stored and never resolved against the cache.
func (s *Symlink) Readlink(ctx context.Context, _ *fuse.ReadlinkRequest) (string, error) {
	local, err := s.fs.resolver.Resolve(ctx, s.path.Rel(), resolver.Options{StatOnly: true})
	if err != nil {
		return "", toFuseError(s.fs.log, OpReadlink, s.path.String(), err)
	}
	target, err := os.Readlink(local)
	if err != nil {
		return "", toFuseError(s.fs.log, OpReadlink, s.path.String(), errs.IO("readlink", local, err))
	}
	return target, nil
}
