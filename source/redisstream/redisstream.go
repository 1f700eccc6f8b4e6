// Package redisstream tails a Redis stream. Stream entry IDs are the markers
// and XREAD BLOCK is the await-data fetch.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor"
)

type Config struct {
	Key string
	// Field holds the record payload in each entry. Defaults to "data".
	Field string
	// BatchSize is the XREAD COUNT. Zero means 100.
	BatchSize int64
	// IdleTimeout kills a cursor that has returned no records for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	// MaxLen trims the stream on append. Zero keeps everything.
	MaxLen int64
}

type Stream struct {
	client redis.Cmdable
	conf   Config
}

var _ tailcursor.Source = (*Stream)(nil)

func New(client redis.Cmdable, conf Config) (*Stream, error) {
	if conf.Key == "" || strings.ContainsAny(conf.Key, " \r\n") {
		return nil, errors.Wrapf(tailcursor.ErrInvalidSource, "stream key %q", conf.Key)
	}
	if conf.Field == "" {
		conf.Field = "data"
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	return &Stream{client: client, conf: conf}, nil
}

func (s *Stream) Name() string {
	return "redis"
}

func (s *Stream) CheckMarker(m tailcursor.Marker) error {
	_, err := parseID(m)
	return err
}

func (s *Stream) Less(a, b tailcursor.Marker) bool {
	x, _ := parseID(a)
	y, _ := parseID(b)
	return x.less(y)
}

// Append adds payload to the stream and returns its entry ID.
func (s *Stream) Append(ctx context.Context, payload []byte) (tailcursor.Marker, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.conf.Key,
		MaxLen: s.conf.MaxLen,
		Values: map[string]interface{}{s.conf.Field: payload},
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "appending to stream %q", s.conf.Key)
	}
	return tailcursor.Marker(id), nil
}

// OpenTail reads without blocking first. If nothing follows the marker the
// cursor is returned dead.
func (s *Stream) OpenTail(ctx context.Context, after tailcursor.Marker) (tailcursor.Handle, error) {
	last := streamID{}
	if !after.IsZero() {
		var err error
		if last, err = parseID(after); err != nil {
			return nil, err
		}
	}
	c := &cursor{stream: s, last: last, active: time.Now()}
	first, err := c.read(ctx, -1)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return &cursor{stream: s}, nil
	}
	c.first = first
	c.alive = true
	return c, nil
}

type cursor struct {
	stream *Stream
	last   streamID
	alive  bool
	active time.Time
	first  []tailcursor.Record
}

func (c *cursor) Fetch(ctx context.Context, wait time.Duration) ([]tailcursor.Record, bool, error) {
	if !c.alive {
		return nil, false, nil
	}
	if first := c.first; first != nil {
		c.first = nil
		return first, true, nil
	}
	if idle := c.stream.conf.IdleTimeout; idle > 0 {
		left := time.Until(c.active.Add(idle))
		if left <= 0 {
			c.alive = false
			return nil, false, nil
		}
		if wait > left {
			wait = left
		}
	}
	// BLOCK 0 waits forever, so anything under a millisecond is a plain read.
	block := wait
	if block < time.Millisecond {
		block = -1
	}
	batch, err := c.read(ctx, block)
	if err != nil {
		return nil, true, err
	}
	if len(batch) > 0 {
		c.active = time.Now()
	}
	return batch, true, nil
}

func (c *cursor) Close() error {
	c.alive = false
	c.first = nil
	return nil
}

func (c *cursor) read(ctx context.Context, block time.Duration) ([]tailcursor.Record, error) {
	conf := c.stream.conf
	streams, err := c.stream.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{conf.Key, c.last.String()},
		Count:   conf.BatchSize,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading stream %q", conf.Key)
	}
	var batch []tailcursor.Record
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			id, err := parseID(tailcursor.Marker(msg.ID))
			if err != nil {
				return nil, err
			}
			batch = append(batch, tailcursor.Record{
				Marker:  tailcursor.Marker(msg.ID),
				Payload: payload(msg.Values[conf.Field]),
			})
			c.last = id
		}
	}
	return batch, nil
}

func payload(v interface{}) []byte {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprint(v))
	}
}

type streamID struct {
	ms, seq uint64
}

func (id streamID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}

func (id streamID) less(o streamID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}

func parseID(m tailcursor.Marker) (streamID, error) {
	s := string(m)
	i := strings.IndexByte(s, '-')
	if i <= 0 {
		return streamID{}, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q is not a stream entry ID", s)
	}
	ms, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return streamID{}, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q is not a stream entry ID", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return streamID{}, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q is not a stream entry ID", s)
	}
	return streamID{ms: ms, seq: seq}, nil
}
