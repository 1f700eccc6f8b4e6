// Package s3log tails a log stored as one S3 object per record under a key
// prefix. Keys are zero-padded offsets so listing order is append order, and
// appends use conditional puts so two writers can never claim one offset.
package s3log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor"
)

// API is the subset of *s3.Client used by Log.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket string
	Prefix string
	// BatchSize is the listing page size. Zero means 100.
	BatchSize int32
	// PollInterval is how often a waiting Fetch lists again. Zero means 1s.
	PollInterval time.Duration
	// IdleTimeout kills a cursor that has returned no records for this
	// long. Zero disables it.
	IdleTimeout time.Duration
}

type Log struct {
	client API
	conf   Config

	mu     sync.Mutex
	length uint64
	loaded bool
}

var _ tailcursor.Source = (*Log)(nil)

func New(client API, conf Config) (*Log, error) {
	if conf.Bucket == "" {
		return nil, errors.Wrap(tailcursor.ErrInvalidSource, "empty bucket name")
	}
	conf.Prefix = strings.Trim(conf.Prefix, "/")
	if conf.Prefix == "" {
		return nil, errors.Wrap(tailcursor.ErrInvalidSource, "empty key prefix")
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = time.Second
	}
	return &Log{client: client, conf: conf}, nil
}

func (l *Log) Name() string {
	return "s3"
}

func (l *Log) objectKey(offset uint64) string {
	return l.conf.Prefix + "/" + fmt.Sprintf("%020d", offset)
}

func (l *Log) offsetFromKey(key string) (uint64, bool) {
	numStr := strings.TrimPrefix(key, l.conf.Prefix+"/")
	if len(numStr) != 20 {
		return 0, false
	}
	offset, err := strconv.ParseUint(numStr, 10, 64)
	return offset, err == nil && offset > 0
}

func (l *Log) CheckMarker(m tailcursor.Marker) error {
	_, err := parseMarker(m)
	return err
}

func (l *Log) Less(a, b tailcursor.Marker) bool {
	x, _ := parseMarker(a)
	y, _ := parseMarker(b)
	return x < y
}

// Append writes data at the next offset. If another writer got there first
// the put fails and the next Append rescans for the end of the log.
func (l *Log) Append(ctx context.Context, data []byte) (tailcursor.Marker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		last, err := l.lastOffset(ctx)
		if err != nil {
			return "", err
		}
		l.length, l.loaded = last, true
	}
	next := l.length + 1
	_, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.conf.Bucket),
		Key:         aws.String(l.objectKey(next)),
		Body:        bytes.NewReader(encodeFrame(next, data)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		l.loaded = false
		return "", errors.Wrapf(err, "putting record %d", next)
	}
	l.length = next
	return marker(next), nil
}

func (l *Log) lastOffset(ctx context.Context) (uint64, error) {
	paginator := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.conf.Bucket),
		Prefix: aws.String(l.conf.Prefix + "/"),
	})
	var last uint64
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "listing record objects")
		}
		for _, obj := range output.Contents {
			if offset, ok := l.offsetFromKey(aws.ToString(obj.Key)); ok && offset > last {
				last = offset
			}
		}
	}
	return last, nil
}

// OpenTail lists once right away; with nothing after the marker the cursor
// is dead.
func (l *Log) OpenTail(ctx context.Context, after tailcursor.Marker) (tailcursor.Handle, error) {
	var pos uint64
	if !after.IsZero() {
		var err error
		if pos, err = parseMarker(after); err != nil {
			return nil, err
		}
	}
	c := &cursor{log: l, pos: pos, resumed: pos > 0, active: time.Now()}
	first, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return &cursor{log: l}, nil
	}
	c.first = first
	c.alive = true
	return c, nil
}

type cursor struct {
	log *Log
	// offset of the last record returned
	pos uint64
	// offsets must continue exactly from pos
	resumed bool
	alive   bool
	active  time.Time
	first   []tailcursor.Record
}

func (c *cursor) Fetch(ctx context.Context, wait time.Duration) ([]tailcursor.Record, bool, error) {
	if !c.alive {
		return nil, false, nil
	}
	if first := c.first; first != nil {
		c.first = nil
		return first, true, nil
	}
	conf := c.log.conf
	end := time.Now().Add(wait)
	for {
		batch, err := c.read(ctx)
		if err != nil {
			return nil, true, err
		}
		now := time.Now()
		if len(batch) > 0 {
			c.active = now
			return batch, true, nil
		}
		until := end
		if conf.IdleTimeout > 0 {
			idle := c.active.Add(conf.IdleTimeout)
			if !now.Before(idle) {
				c.alive = false
				return nil, false, nil
			}
			if idle.Before(until) {
				until = idle
			}
		}
		if !now.Before(end) {
			return nil, true, nil
		}
		d := until.Sub(now)
		if d > conf.PollInterval {
			d = conf.PollInterval
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, true, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *cursor) Close() error {
	c.alive = false
	c.first = nil
	return nil
}

func (c *cursor) read(ctx context.Context) ([]tailcursor.Record, error) {
	l := c.log
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(l.conf.Bucket),
		Prefix:  aws.String(l.conf.Prefix + "/"),
		MaxKeys: aws.Int32(l.conf.BatchSize),
	}
	if c.pos > 0 {
		input.StartAfter = aws.String(l.objectKey(c.pos))
	}
	output, err := l.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "listing record objects")
	}
	var batch []tailcursor.Record
	for _, obj := range output.Contents {
		offset, ok := l.offsetFromKey(aws.ToString(obj.Key))
		if !ok {
			continue
		}
		if c.resumed && offset != c.pos+1 {
			err = errors.Wrapf(tailcursor.ErrPositionLost, "expected record %d, found %d", c.pos+1, offset)
		}
		var data []byte
		if err == nil {
			data, err = l.get(ctx, offset)
		}
		if err != nil {
			if len(batch) > 0 {
				// the failure comes back on the next read
				return batch, nil
			}
			return nil, err
		}
		batch = append(batch, tailcursor.Record{Marker: marker(offset), Payload: data})
		c.pos, c.resumed = offset, true
	}
	return batch, nil
}

func (l *Log) get(ctx context.Context, offset uint64) ([]byte, error) {
	result, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.conf.Bucket),
		Key:    aws.String(l.objectKey(offset)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting record %d", offset)
	}
	defer result.Body.Close()
	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading record %d", offset)
	}
	return decodeFrame(offset, body)
}

func marker(offset uint64) tailcursor.Marker {
	return tailcursor.Marker(strconv.FormatUint(offset, 10))
}

func parseMarker(m tailcursor.Marker) (uint64, error) {
	offset, err := strconv.ParseUint(string(m), 10, 64)
	if err != nil || offset == 0 {
		return 0, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q is not a record offset", string(m))
	}
	return offset, nil
}
