// Package flaky wraps a Source and turns some of its calls into transport
// errors, to exercise reconnect and backoff paths.
package flaky

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor"
)

var ErrInjected = errors.New("flaky: injected transport failure")

type Config struct {
	// OpenEvery makes every Nth OpenTail fail. Zero disables.
	OpenEvery int64
	// FetchEvery makes every Nth Fetch fail. Zero disables.
	FetchEvery int64
}

type Source struct {
	tailcursor.Source
	conf    Config
	opens   atomic.Int64
	fetches atomic.Int64
}

var _ tailcursor.Source = (*Source)(nil)

func New(src tailcursor.Source, conf Config) *Source {
	return &Source{Source: src, conf: conf}
}

func (s *Source) Name() string {
	if n, ok := s.Source.(tailcursor.Namer); ok {
		return "flaky-" + n.Name()
	}
	return "flaky"
}

// Injected returns the number of opens and fetches that were failed.
func (s *Source) Injected() (opens, fetches int64) {
	return failures(s.opens.Load(), s.conf.OpenEvery), failures(s.fetches.Load(), s.conf.FetchEvery)
}

func (s *Source) OpenTail(ctx context.Context, after tailcursor.Marker) (tailcursor.Handle, error) {
	if fail(s.opens.Add(1), s.conf.OpenEvery) {
		return nil, errors.Wrapf(ErrInjected, "open after %s", after)
	}
	h, err := s.Source.OpenTail(ctx, after)
	if err != nil {
		return nil, err
	}
	return &handle{Handle: h, src: s}, nil
}

type handle struct {
	tailcursor.Handle
	src *Source
}

func (h *handle) Fetch(ctx context.Context, wait time.Duration) ([]tailcursor.Record, bool, error) {
	if fail(h.src.fetches.Add(1), h.src.conf.FetchEvery) {
		return nil, true, errors.Wrap(ErrInjected, "fetch")
	}
	return h.Handle.Fetch(ctx, wait)
}

func fail(n, every int64) bool {
	return every > 0 && n%every == 0
}

func failures(n, every int64) int64 {
	if every <= 0 {
		return 0
	}
	return n / every
}
