package tailcursor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fakeSource is an in-memory log whose markers are 1-based positions. Its
// handles are dead when opened with nothing to return, like tailable cursors.
type fakeSource struct {
	mu        sync.Mutex
	records   []Record
	wake      chan struct{}
	openErrs  []error
	fetchErrs []error
	opens     []Marker
	closed    int
	// lifetime kills a handle after this many fetches
	lifetime int
	// replay ignores the resume marker and serves everything again
	replay bool
	// stalled opens and fetches hang until their context is done
	stalled bool
	// closeErr is returned by every handle Close
	closeErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{wake: make(chan struct{})}
}

func (s *fakeSource) Name() string {
	return "fake"
}

func (s *fakeSource) append(payloads ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payloads {
		m := Marker(strconv.Itoa(len(s.records) + 1))
		s.records = append(s.records, Record{Marker: m, Payload: []byte(p)})
	}
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *fakeSource) openedAfter() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Marker(nil), s.opens...)
}

func (s *fakeSource) closedHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) stall(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = on
}

func (s *fakeSource) isStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

func parseFake(m Marker) (int, error) {
	n, err := strconv.Atoi(string(m))
	if err != nil || n <= 0 {
		return 0, errors.Wrapf(ErrInvalidMarker, "%q", string(m))
	}
	return n, nil
}

func (s *fakeSource) CheckMarker(m Marker) error {
	_, err := parseFake(m)
	return err
}

func (s *fakeSource) Less(a, b Marker) bool {
	x, _ := parseFake(a)
	y, _ := parseFake(b)
	return x < y
}

func (s *fakeSource) OpenTail(ctx context.Context, after Marker) (Handle, error) {
	if s.isStalled() {
		<-ctx.Done()
		return nil, errors.Wrap(ctx.Err(), "opening fake tail")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, after)
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var pos int
	if !after.IsZero() && !s.replay {
		pos, _ = parseFake(after)
	}
	return &fakeHandle{src: s, pos: pos, alive: pos < len(s.records)}, nil
}

type fakeHandle struct {
	src     *fakeSource
	pos     int
	alive   bool
	fetches int
}

func (h *fakeHandle) Fetch(ctx context.Context, wait time.Duration) ([]Record, bool, error) {
	if !h.alive {
		return nil, false, nil
	}
	h.fetches++
	s := h.src
	if s.isStalled() {
		<-ctx.Done()
		return nil, true, ctx.Err()
	}
	s.mu.Lock()
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return nil, true, err
		}
	}
	s.mu.Unlock()
	if s.lifetime > 0 && h.fetches >= s.lifetime {
		defer func() { h.alive = false }()
	}
	end := time.Now().Add(wait)
	for {
		s.mu.Lock()
		recs := append([]Record(nil), s.records[h.pos:]...)
		wake := s.wake
		s.mu.Unlock()
		if len(recs) > 0 {
			h.pos += len(recs)
			return recs, s.lifetime <= 0 || h.fetches < s.lifetime, nil
		}
		left := time.Until(end)
		if left <= 0 {
			return nil, s.lifetime <= 0 || h.fetches < s.lifetime, nil
		}
		t := time.NewTimer(left)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, true, ctx.Err()
		case <-wake:
		case <-t.C:
		}
		t.Stop()
	}
}

func (h *fakeHandle) Close() error {
	h.src.mu.Lock()
	h.src.closed++
	err := h.src.closeErr
	h.src.mu.Unlock()
	h.alive = false
	return err
}
