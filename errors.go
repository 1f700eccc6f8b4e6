package tailcursor

import "github.com/pkg/errors"

var (
	// ErrExhausted is returned by Pull once the session deadline has passed.
	ErrExhausted = errors.New("tail session exhausted")
	// ErrClosed is returned by Pull after Close.
	ErrClosed = errors.New("tail session closed")
	// ErrReentrantPull is returned when Pull is called while another Pull on
	// the same session is still outstanding.
	ErrReentrantPull = errors.New("concurrent pull on tail session")
	// ErrInvalidMarker means a resume marker is malformed or was not produced
	// by the source.
	ErrInvalidMarker = errors.New("invalid resume marker")
	// ErrInvalidSource means a source identifier (stream key, bucket,
	// directory) is malformed.
	ErrInvalidSource = errors.New("invalid source")
	// ErrPositionLost means the source no longer retains the records right
	// after the resume marker, so tailing cannot continue without a gap.
	ErrPositionLost = errors.New("resume position lost")
	// ErrSourceUnavailable is a retryable condition reported by sources that
	// cannot currently serve a tail request.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// IsFatal reports whether err must be surfaced to the caller rather than
// retried. Anything not listed here is treated as a retryable transport error.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidMarker),
		errors.Is(err, ErrInvalidSource),
		errors.Is(err, ErrPositionLost),
		errors.Is(err, ErrReentrantPull),
		errors.Is(err, ErrClosed):
		return true
	}
	return false
}
