package dropbox

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, dropbox.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("dropbox: bad request")
	ErrUnauthorized = errors.New("dropbox: unauthorized")
	ErrForbidden    = errors.New("dropbox: forbidden")
	ErrNotFound     = errors.New("dropbox: not found")
	ErrConflict     = errors.New("dropbox: conflict")
	ErrTooManyFiles = errors.New("dropbox: endpoint-specific error")
	ErrThrottled    = errors.New("dropbox: throttled")
	ErrServerError  = errors.New("dropbox: server error")
	ErrNotLoggedIn  = errors.New("dropbox: not logged in")

	// ErrCursorReset is returned by ListFolderContinue when the server
	// reports the cursor as expired or invalid (409 with a
	// "reset"/"cursor" tag). Callers must clear the stored cursor and
	// re-run get_latest_cursor + a full reindex.
	ErrCursorReset = errors.New("dropbox: cursor reset required")
)

// Error wraps a sentinel error with the HTTP status code, the API's
// machine-readable error summary, and the endpoint path, for debugging.
type Error struct {
	StatusCode   int
	Path         string
	ErrorSummary string
	Err          error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.ErrorSummary != "" {
		return fmt.Sprintf("dropbox: %s: HTTP %d: %s", e.Path, e.StatusCode, e.ErrorSummary)
	}

	return fmt.Sprintf("dropbox: %s: HTTP %d", e.Path, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error. Returns nil
// for 2xx success codes. The caller refines 409 (conflict) further by
// inspecting the error_summary tag, since Dropbox overloads 409 for both
// legitimate per-item conflicts and cursor resets.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be
// retried with backoff.
func isRetryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isCursorReset reports whether a 409 error_summary on list_folder/continue
// indicates the cursor itself is invalid, as opposed to a per-item problem.
func isCursorReset(errorSummary string) bool {
	return strings.Contains(errorSummary, "reset/") || strings.Contains(errorSummary, "cursor/")
}
