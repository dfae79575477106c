package fs

import (
	"context"
	"os"
	"strings"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/resolver"
)

// accessWrite is the W_OK bit of an access(2) mask.
const accessWrite = 0x2

// Dir represents a directory in the mounted tree: the root, the forge,
// an owner, a repository or a directory inside one.
type Dir struct {
	fs   *GitFS
	path *VirtualPath
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	d.fs.log.Trace("Getting attributes for directory: %q", d.path.String())

	local, err := d.fs.resolver.Resolve(ctx, d.path.Rel(), resolver.Options{StatOnly: true})
	if err != nil {
		return toFuseError(d.fs.log, OpGetattr, d.path.String(), err)
	}
	info, err := os.Lstat(local)
	if err != nil {
		return toFuseError(d.fs.log, OpGetattr, d.path.String(), errs.IO("lstat", local, err))
	}

	fillAttr(a, info, d.fs.uid, d.fs.gid)
	a.Mode = os.ModeDir | 0o555
	return nil
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
// Only the parent listing is needed to answer it, so file content is never
// downloaded here.
func (d *Dir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	childPath := d.path.Join(name)
	d.fs.log.Debug("Looking up %q in directory %q", name, d.path.String())

	if isTempName(name) {
		return nil, toFuseError(d.fs.log, OpLookup, childPath.String(), errs.NotFound("path", childPath.String()))
	}

	local, err := d.fs.resolver.Resolve(ctx, childPath.Rel(), resolver.Options{StatOnly: true})
	if err != nil {
		return nil, toFuseError(d.fs.log, OpLookup, childPath.String(), err)
	}

	info, err := os.Lstat(local)
	if err != nil {
		return nil, toFuseError(d.fs.log, OpLookup, childPath.String(), errs.IO("lstat", local, err))
	}

	switch {
	case info.IsDir():
		return &Dir{fs: d.fs, path: childPath}, nil
	case info.Mode()&os.ModeSymlink != 0:
		return &Symlink{fs: d.fs, path: childPath}, nil
	default:
		return &File{fs: d.fs, path: childPath}, nil
	}
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory
// contents. The directory is fully materialized first.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fs.log.Debug("Reading directory contents: %q", d.path.String())

	local, err := d.fs.resolver.Resolve(ctx, d.path.Rel(), resolver.Options{})
	if err != nil {
		return nil, toFuseError(d.fs.log, OpReadDir, d.path.String(), err)
	}

	infos, err := os.ReadDir(local)
	if err != nil {
		return nil, toFuseError(d.fs.log, OpReadDir, d.path.String(), errs.IO("readdir", local, err))
	}

	entries := make([]fuse.Dirent, 0, len(infos))
	for _, info := range infos {
		if isTempName(info.Name()) {
			continue
		}
		entry := fuse.Dirent{Name: info.Name(), Type: fuse.DT_File}
		switch {
		case info.IsDir():
			entry.Type = fuse.DT_Dir
		case info.Type()&os.ModeSymlink != 0:
			entry.Type = fuse.DT_Link
		}
		entries = append(entries, entry)
	}

	d.fs.log.Debug("Directory %q contains %d entries", d.path.String(), len(entries))
	return entries, nil
}

// Access implements the NodeAccesser interface. A bare repository is only
// reported as present once its root has been listed.
func (d *Dir) Access(ctx context.Context, req *fuse.AccessRequest) error {
	if req.Mask&accessWrite != 0 {
		return ErrReadOnly
	}
	opts := resolver.Options{StatOnly: true, SuppressBaseClone: true}
	if _, err := d.fs.resolver.Resolve(ctx, d.path.Rel(), opts); err != nil {
		return toFuseError(d.fs.log, OpAccess, d.path.String(), err)
	}
	return nil
}

// Mkdir implements the NodeMkdirer interface. The mount is read-only.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	d.fs.log.Debug("Rejecting mkdir %q in %q", req.Name, d.path.String())
	return nil, ErrReadOnly
}

// Create implements the NodeCreater interface. The mount is read-only.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, _ *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	d.fs.log.Debug("Rejecting create %q in %q", req.Name, d.path.String())
	return nil, nil, ErrReadOnly
}

// Remove implements the NodeRemover interface. The mount is read-only.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	d.fs.log.Debug("Rejecting remove %q in %q", req.Name, d.path.String())
	return ErrReadOnly
}

// Rename implements the NodeRenamer interface. The mount is read-only.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	d.fs.log.Debug("Rejecting rename %q to %q", req.OldName, req.NewName)
	return ErrReadOnly
}

// isTempName reports whether name is an in-progress download.
func isTempName(name string) bool {
	return strings.HasPrefix(name, ".gitfs-") && strings.HasSuffix(name, ".tmp")
}
