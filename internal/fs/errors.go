package fs

import (
	"syscall"

	"bazil.org/fuse"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
)

// Common operation names for consistent logging and error reporting
const (
	OpLookup   = "lookup"   // Looking up a path
	OpReadDir  = "readdir"  // Reading directory contents
	OpOpen     = "open"     // Opening a file
	OpRead     = "read"     // Reading from a file
	OpGetattr  = "getattr"  // Getting file attributes
	OpAccess   = "access"   // Checking access
	OpReadlink = "readlink" // Reading a link target
)

// ErrReadOnly is returned for every operation that would modify the mount.
var ErrReadOnly = fuse.Errno(syscall.EROFS)

// toFuseError converts err into the errno FUSE replies with. Missing paths
// are only logged at trace level.
func toFuseError(log *logging.Logger, op, path string, err error) error {
	if err == nil {
		return nil
	}

	errno := errs.Errno(err)
	if errno == syscall.ENOENT {
		log.Trace("%s %s: %v", op, path, err)
	} else {
		log.Warn("%s %s failed (%s): %v", op, path, errno.Error(), err)
	}
	return fuse.Errno(errno)
}
