package fs

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/resolver"
)

// Resolver maps a virtual path to the local file backing it.
type Resolver interface {
	Resolve(ctx context.Context, vpath string, opts resolver.Options) (string, error)
}

// GitFS is the read-only FUSE filesystem. Every node resolves its virtual
// path through the resolver and then serves the local cache file.
type GitFS struct {
	resolver   Resolver
	log        *logging.Logger
	uid        uint32
	gid        uint32
	allowOther bool
}

// Option configures a GitFS.
type Option func(*GitFS)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *GitFS) {
		g.log = l
	}
}

// WithAllowOther lets users other than the mounting user access the mount.
func WithAllowOther() Option {
	return func(g *GitFS) {
		g.allowOther = true
	}
}

// New creates a filesystem serving paths resolved by r.
func New(r Resolver, opts ...Option) *GitFS {
	g := &GitFS{
		resolver: r,
		uid:      safeIntToUint32(os.Getuid()),
		gid:      safeIntToUint32(os.Getgid()),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logging.Discard()
	}
	g.log = g.log.WithPrefix("vfs")

	// Get UID/GID from environment if set
	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			g.uid = uint32(puid)
			g.log.Debug("Using PUID from environment: %d", g.uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			g.gid = uint32(pgid)
			g.log.Debug("Using PGID from environment: %d", g.gid)
		}
	}

	return g
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (g *GitFS) Root() (fusefs.Node, error) {
	g.log.Trace("Getting root directory node")
	return &Dir{fs: g, path: NewVirtualPath("/")}, nil
}

func (g *GitFS) mountOptions() []fuse.MountOption {
	opts := []fuse.MountOption{
		fuse.FSName("gitfs"),
		fuse.Subtype("gitfs"),
		fuse.ReadOnly(),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
	}
	if g.allowOther {
		opts = append(opts, fuse.AllowOther())
	}
	return opts
}

// Serve mounts the filesystem at mountPoint and serves requests until ctx
// is cancelled or the kernel unmounts it. The mount is always released
// before Serve returns.
func (g *GitFS) Serve(ctx context.Context, mountPoint string) error {
	g.log.Info("Mounting filesystem at %s", mountPoint)
	g.log.Debug("UID: %d, GID: %d", g.uid, g.gid)

	c, err := fuse.Mount(mountPoint, g.mountOptions()...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		g.log.Info("Serving filesystem...")
		done <- fusefs.Serve(c, g)
	}()

	select {
	case err := <-done:
		if err != nil {
			g.log.Error("FUSE server error: %v", err)
			_ = g.Unmount(mountPoint)
			return err
		}
		return nil
	case <-ctx.Done():
		g.log.Info("Shutting down: %v", context.Cause(ctx))
		if err := g.Unmount(mountPoint); err != nil {
			return err
		}
		if err := <-done; err != nil {
			g.log.Error("FUSE server error: %v", err)
			return err
		}
		return nil
	}
}

// Unmount cleanly unmounts the filesystem.
func (g *GitFS) Unmount(mountPoint string) error {
	g.log.Info("Unmounting filesystem from: %s", mountPoint)
	if err := fuse.Unmount(mountPoint); err != nil {
		g.log.Error("Unmount failed: %v", err)
		return err
	}
	g.log.Info("Unmount completed successfully")
	return nil
}
