// Package errs defines the closed set of failure kinds surfaced by the
// filesystem core and translates them into errno values for the kernel.
//
// Kinds are github.com/jmgilman/go/errors codes. Remote failures are
// classified by the remote package, local filesystem failures by IO, and
// everything reaches the FUSE adapter through Errno.
package errs

import (
	"context"
	stderrors "errors"
	"os"
	"syscall"

	"github.com/jmgilman/go/errors"
)

// Failure kinds. The first group aliases the platform codes; the second
// group covers kinds the platform set has no code for.
const (
	CodeNotFound       = errors.CodeNotFound
	CodeUnauthorized   = errors.CodeUnauthorized
	CodeForbidden      = errors.CodeForbidden
	CodeRateLimited    = errors.CodeRateLimit
	CodeTimeout        = errors.CodeTimeout
	CodeInvalid        = errors.CodeInvalidInput
	CodeUnavailable    = errors.CodeUnavailable
	CodeNotImplemented = errors.CodeNotImplemented
	CodeTransport      = errors.CodeNetwork
	CodeInvalidConfig  = errors.CodeInvalidConfig

	// CodeTooLarge indicates the remote refused a payload as too large.
	CodeTooLarge errors.ErrorCode = "PAYLOAD_TOO_LARGE"

	// CodeIO indicates a local filesystem operation failed. The wrapped
	// error keeps the underlying errno.
	CodeIO errors.ErrorCode = "IO_FAILURE"
)

// NotFound creates a not found error for the given resource.
func NotFound(resource, identifier string) error {
	err := errors.Newf(CodeNotFound, "%s not found: %s", resource, identifier)
	err = errors.WithContext(err, "resource_type", resource)
	return errors.WithContext(err, "identifier", identifier)
}

// Invalid creates an invalid argument/response error.
func Invalid(field, reason string) error {
	err := errors.Newf(CodeInvalid, "invalid %s: %s", field, reason)
	err = errors.WithContext(err, "field", field)
	return errors.WithContext(err, "reason", reason)
}

// IO wraps a local filesystem error as an IOFailure carrying the path.
// Errors that already carry a kind are returned unchanged.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var platformErr errors.PlatformError
	if errors.As(err, &platformErr) {
		return err
	}
	wrapped := errors.Wrapf(err, CodeIO, "%s %s", op, path)
	wrapped = errors.WithContext(wrapped, "op", op)
	return errors.WithContext(wrapped, "path", path)
}

// Is reports whether err carries the given kind.
func Is(err error, code errors.ErrorCode) bool {
	return err != nil && errors.GetCode(err) == code
}

// Errno translates an error into the errno returned to the kernel.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var platformErr errors.PlatformError
	if errors.As(err, &platformErr) {
		switch platformErr.Code() {
		case CodeNotFound:
			return syscall.ENOENT
		case CodeUnauthorized, CodeForbidden:
			return syscall.EACCES
		case CodeRateLimited:
			return syscall.EDQUOT
		case CodeTimeout:
			return syscall.ETIMEDOUT
		case CodeInvalid, CodeInvalidConfig:
			return syscall.EINVAL
		case CodeTooLarge:
			return syscall.EFBIG
		case CodeNotImplemented:
			return syscall.ENOSYS
		case CodeIO:
			return underlyingErrno(platformErr.Unwrap())
		default:
			return syscall.EIO
		}
	}

	return underlyingErrno(err)
}

func underlyingErrno(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return syscall.EIO
	case stderrors.As(err, &errno):
		return errno
	case stderrors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case stderrors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case stderrors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case stderrors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case stderrors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
