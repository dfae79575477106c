package fs

import (
	"path"
	"strings"
)

// VirtualPath represents a path in the mounted filesystem.
// All paths are absolute and slash separated.
type VirtualPath struct {
	// always starts with /
	path string
}

// NewVirtualPath creates a new VirtualPath instance.
// It cleans the path and ensures it's absolute.
func NewVirtualPath(p string) *VirtualPath {
	cleaned := path.Clean("/" + p)
	return &VirtualPath{path: cleaned}
}

// String returns the string representation of the path
func (vp *VirtualPath) String() string {
	return vp.path
}

// Rel returns the path without its leading slash, the form the resolver
// expects. The root is "".
func (vp *VirtualPath) Rel() string {
	return strings.TrimPrefix(vp.path, "/")
}

// Join returns the child name of vp.
func (vp *VirtualPath) Join(name string) *VirtualPath {
	return NewVirtualPath(vp.path + "/" + name)
}

// Parent returns a VirtualPath representing the parent directory
func (vp *VirtualPath) Parent() *VirtualPath {
	return NewVirtualPath(path.Dir(vp.path))
}

// Base returns the last element of the path
func (vp *VirtualPath) Base() string {
	return path.Base(vp.path)
}

// IsRoot returns true if this is the root virtual path "/"
func (vp *VirtualPath) IsRoot() bool {
	return vp.path == "/"
}

// Depth returns the number of segments: 0 for the root, 1 for the forge,
// 2 for an owner, 3 for a repository.
func (vp *VirtualPath) Depth() int {
	if vp.IsRoot() {
		return 0
	}
	return strings.Count(vp.path, "/")
}
