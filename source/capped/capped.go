// Package capped is an in-memory capped collection: a fixed-size ring of
// records that only grows by appending, tailed through cursors that behave
// like tailable await-data cursors. A cursor opened with nothing to return is
// dead from the start, and a cursor that returns nothing for IdleTimeout dies.
package capped

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor"
)

type Config struct {
	// Capacity is the number of records retained. Older records are
	// overwritten. Zero means unbounded.
	Capacity int
	// BatchSize caps the records returned by one Fetch. Zero means 100.
	BatchSize int
	// IdleTimeout kills a cursor that has returned no records for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	// MaxAwait caps how long a single Fetch waits for data, whatever the
	// caller asked for. Zero means no cap.
	MaxAwait time.Duration
}

type Collection struct {
	conf Config

	mu      sync.Mutex
	records []tailcursor.Record
	// sequence number of records[0]
	first uint64
	// sequence number the next insert gets
	next   uint64
	wake   chan struct{}
	closed bool
}

var _ tailcursor.Source = (*Collection)(nil)

func New(conf Config) *Collection {
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	return &Collection{
		conf:  conf,
		first: 1,
		next:  1,
		wake:  make(chan struct{}),
	}
}

func (c *Collection) Name() string {
	return "capped"
}

// Insert appends a record and wakes every cursor waiting for data.
func (c *Collection) Insert(payload []byte) (tailcursor.Marker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", tailcursor.ErrSourceUnavailable
	}
	m := marker(c.next)
	c.next++
	c.records = append(c.records, tailcursor.Record{Marker: m, Payload: payload})
	if n := c.conf.Capacity; n > 0 && len(c.records) > n {
		drop := len(c.records) - n
		c.records = append(c.records[:0:0], c.records[drop:]...)
		c.first += uint64(drop)
	}
	close(c.wake)
	c.wake = make(chan struct{})
	return m, nil
}

// Close makes the collection unavailable. Waiting cursors fail with
// ErrSourceUnavailable.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.wake)
	}
	return nil
}

func (c *Collection) CheckMarker(m tailcursor.Marker) error {
	_, err := parseMarker(m)
	return err
}

func (c *Collection) Less(a, b tailcursor.Marker) bool {
	x, _ := parseMarker(a)
	y, _ := parseMarker(b)
	return x < y
}

func (c *Collection) OpenTail(ctx context.Context, after tailcursor.Marker) (tailcursor.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, tailcursor.ErrSourceUnavailable
	}
	pos := c.first - 1
	if !after.IsZero() {
		seq, err := parseMarker(after)
		if err != nil {
			return nil, err
		}
		if seq >= c.next {
			return nil, errors.Wrapf(tailcursor.ErrInvalidMarker, "marker %s is past the end of the collection", after)
		}
		if seq+1 < c.first {
			return nil, errors.Wrapf(tailcursor.ErrPositionLost, "records after %s were overwritten", after)
		}
		pos = seq
	}
	return &cursor{
		coll:   c,
		pos:    pos,
		alive:  pos+1 < c.next,
		active: time.Now(),
	}, nil
}

type cursor struct {
	coll *Collection
	// sequence number of the last record returned
	pos    uint64
	alive  bool
	active time.Time
}

func (h *cursor) Fetch(ctx context.Context, wait time.Duration) ([]tailcursor.Record, bool, error) {
	if !h.alive {
		return nil, false, nil
	}
	conf := h.coll.conf
	if conf.MaxAwait > 0 && wait > conf.MaxAwait {
		wait = conf.MaxAwait
	}
	end := time.Now().Add(wait)
	for {
		batch, wake, err := h.coll.read(h.pos, conf.BatchSize)
		if err != nil {
			h.alive = false
			return nil, false, err
		}
		now := time.Now()
		if len(batch) > 0 {
			h.pos, _ = parseMarker(batch[len(batch)-1].Marker)
			h.active = now
			return batch, true, nil
		}
		until := end
		if conf.IdleTimeout > 0 {
			idle := h.active.Add(conf.IdleTimeout)
			if !now.Before(idle) {
				h.alive = false
				return nil, false, nil
			}
			if idle.Before(until) {
				until = idle
			}
		}
		if !now.Before(end) {
			return nil, true, nil
		}
		t := time.NewTimer(until.Sub(now))
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

func (h *cursor) Close() error {
	h.alive = false
	return nil
}

// read returns up to n records after pos, and a channel closed on the next
// insert.
func (c *Collection) read(pos uint64, n int) ([]tailcursor.Record, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, tailcursor.ErrSourceUnavailable
	}
	if pos+1 < c.first {
		return nil, nil, errors.Wrapf(tailcursor.ErrPositionLost, "records after %d were overwritten", pos)
	}
	start := int(pos + 1 - c.first)
	end := len(c.records)
	if end-start > n {
		end = start + n
	}
	var batch []tailcursor.Record
	if start < end {
		batch = make([]tailcursor.Record, end-start)
		copy(batch, c.records[start:end])
	}
	return batch, c.wake, nil
}

func marker(seq uint64) tailcursor.Marker {
	return tailcursor.Marker(strconv.FormatUint(seq, 10))
}

func parseMarker(m tailcursor.Marker) (uint64, error) {
	seq, err := strconv.ParseUint(string(m), 10, 64)
	if err != nil || seq == 0 {
		return 0, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q is not a capped collection position", string(m))
	}
	return seq, nil
}
