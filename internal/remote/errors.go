package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"

	"github.com/google/go-github/v67/github"
	"github.com/jmgilman/go/errors"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
)

// codeForStatus maps an HTTP status from the GitHub API to a failure kind.
// The boolean is false for statuses the table does not know about.
func codeForStatus(status int) (errors.ErrorCode, bool) {
	switch status {
	case http.StatusNotFound:
		return errs.CodeNotFound, true
	case http.StatusUnauthorized:
		return errs.CodeUnauthorized, true
	case http.StatusForbidden:
		return errs.CodeForbidden, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errs.CodeTimeout, true
	case http.StatusPreconditionFailed, http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.CodeInvalid, true
	case http.StatusRequestEntityTooLarge:
		return errs.CodeTooLarge, true
	case http.StatusTooManyRequests:
		return errs.CodeRateLimited, true
	case http.StatusNotImplemented:
		return errs.CodeNotImplemented, true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return errs.CodeUnavailable, true
	default:
		return errors.CodeUnknown, false
	}
}

// classify converts a go-github error into a platform error carrying the
// endpoint that failed. Unknown statuses are logged so they can be added
// to the table.
func (c *Client) classify(err error, resp *github.Response, endpoint string) error {
	if err == nil {
		return nil
	}

	var (
		code    errors.ErrorCode
		status  int
		message = "github request failed"
	)

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var netErr net.Error

	switch {
	case stderrors.As(err, &rateErr), stderrors.As(err, &abuseErr):
		code = errs.CodeRateLimited
		message = "github rate limit exceeded"
	case stderrors.As(err, &respErr) && respErr.Response != nil:
		status = respErr.Response.StatusCode
		code = c.statusCode(status, endpoint)
	case stderrors.As(err, &syntaxErr), stderrors.As(err, &typeErr):
		code = errs.CodeInvalid
		message = "malformed github response"
	case stderrors.Is(err, context.DeadlineExceeded):
		code = errs.CodeTimeout
	case stderrors.As(err, &netErr) && netErr.Timeout():
		code = errs.CodeTimeout
	case resp != nil && resp.Response != nil && resp.StatusCode >= 300:
		status = resp.StatusCode
		code = c.statusCode(status, endpoint)
	default:
		code = errs.CodeTransport
	}

	wrapped := errors.Wrap(err, code, message)
	wrapped = errors.WithContext(wrapped, "endpoint", endpoint)
	if status != 0 {
		wrapped = errors.WithContext(wrapped, "status", status)
	}
	return wrapped
}

func (c *Client) statusCode(status int, endpoint string) errors.ErrorCode {
	code, known := codeForStatus(status)
	if !known {
		c.log.Warn("Found an unknown HTTP status %d from %s", status, endpoint)
	}
	return code
}
