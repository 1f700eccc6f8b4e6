package tailcursor

import (
	"context"
	"time"
)

// Source is an append-only collection that can be tailed.
type Source interface {
	// OpenTail arms a new server-side tail cursor positioned strictly after
	// the given marker, or at the start of the retained data when after is
	// zero. A handle opened against a source with nothing to return may be
	// dead from the start; that is not an error.
	OpenTail(ctx context.Context, after Marker) (Handle, error)
	// CheckMarker reports an error wrapping ErrInvalidMarker when m cannot
	// have been produced by this source.
	CheckMarker(m Marker) error
	// Less orders two valid markers.
	Less(a, b Marker) bool
}

// Handle is a single tail cursor. Once Fetch reports alive == false the
// handle is unusable and must be closed.
type Handle interface {
	// Fetch returns the records currently available, waiting up to wait for
	// new ones when there are none. wait <= 0 means do not block.
	Fetch(ctx context.Context, wait time.Duration) (batch []Record, alive bool, err error)
	Close() error
}

// Namer is implemented by sources that want a label other than "unknown" in
// logs and metrics.
type Namer interface {
	Name() string
}

func sourceName(src Source) string {
	if n, ok := src.(Namer); ok {
		return n.Name()
	}
	return "unknown"
}
