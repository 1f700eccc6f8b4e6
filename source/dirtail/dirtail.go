// Package dirtail tails a directory of chunk files. Chunks are read in
// lexical name order and each newline-terminated line is one record. Only the
// last chunk is ever appended to: once a later chunk exists, a trailing
// unterminated line in an earlier chunk is delivered as-is.
package dirtail

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

type Config struct {
	// FS defaults to the OS filesystem.
	FS  afero.Fs
	Dir string
	// BatchSize caps the records returned by one Fetch. Zero means 100.
	BatchSize int
	// PollInterval is how often a waiting Fetch rechecks the directory when
	// no fsnotify watcher is in use. Zero means 250ms.
	PollInterval time.Duration
	// IdleTimeout kills a cursor that has returned no records for this
	// long. Zero disables it.
	IdleTimeout time.Duration
	// Watch wakes waiting cursors with fsnotify instead of polling. It only
	// applies to the OS filesystem.
	Watch bool
}

type RecordID struct {
	filename string
	// Cursor to next read
	offset int64
}

func (id RecordID) Marker() tailcursor.Marker {
	return tailcursor.Marker(fmt.Sprintf("%s:%d", id.filename, id.offset))
}

func (id RecordID) less(o RecordID) bool {
	if id.filename != o.filename {
		return id.filename < o.filename
	}
	return id.offset < o.offset
}

func parseRecordID(m tailcursor.Marker) (RecordID, error) {
	s := string(m)
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return RecordID{}, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q is not chunk:offset", s)
	}
	name := s[:i]
	if strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return RecordID{}, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q has an invalid chunk name", s)
	}
	offset, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || offset < 0 {
		return RecordID{}, errors.Wrapf(tailcursor.ErrInvalidMarker, "%q has an invalid offset", s)
	}
	return RecordID{filename: name, offset: offset}, nil
}

type Dir struct {
	conf  Config
	fs    afero.Fs
	path  TailerPath
	watch bool
}

var _ tailcursor.Source = (*Dir)(nil)

func New(conf Config) (*Dir, error) {
	if conf.Dir == "" {
		return nil, errors.Wrap(tailcursor.ErrInvalidSource, "empty directory")
	}
	if conf.FS == nil {
		conf.FS = afero.NewOsFs()
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 100
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 250 * time.Millisecond
	}
	_, osfs := conf.FS.(*afero.OsFs)
	return &Dir{
		conf:  conf,
		fs:    conf.FS,
		path:  TailerPath(path.Clean(conf.Dir)),
		watch: conf.Watch && osfs,
	}, nil
}

func (d *Dir) Name() string {
	return "dir"
}

func (d *Dir) CheckMarker(m tailcursor.Marker) error {
	_, err := parseRecordID(m)
	return err
}

func (d *Dir) Less(a, b tailcursor.Marker) bool {
	x, _ := parseRecordID(a)
	y, _ := parseRecordID(b)
	return x.less(y)
}

// OpenTail reads the first batch right away, like the initial reply to a
// tail query. If there is nothing after the marker the cursor is dead.
func (d *Dir) OpenTail(ctx context.Context, after tailcursor.Marker) (tailcursor.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var from RecordID
	if !after.IsZero() {
		var err error
		if from, err = parseRecordID(after); err != nil {
			return nil, err
		}
		if err := d.seekable(from); err != nil {
			return nil, err
		}
	}
	r := &reader{dir: d, pos: from, active: time.Now()}
	first, err := r.read()
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return &reader{dir: d}, nil
	}
	r.first = first
	r.alive = true
	if d.watch {
		if r.watcher, err = fsnotify.NewWatcher(); err != nil {
			return nil, errors.Wrap(err, "creating directory watcher")
		}
		if err := r.watcher.Add(string(d.path)); err != nil {
			r.watcher.Close()
			return nil, errors.Wrapf(err, "watching %q", d.path)
		}
	}
	return r, nil
}

// seekable checks that the chunk named by id still exists and is at least
// offset bytes long.
func (d *Dir) seekable(id RecordID) error {
	chunks, err := d.path.filenames(d.fs)
	if err != nil {
		return err
	}
	if chunks.chunkSeek(id) == nil {
		return errors.Wrapf(tailcursor.ErrPositionLost, "chunk %q no longer exists", id.filename)
	}
	info, err := d.fs.Stat(d.path.join(id.filename))
	if err != nil {
		return errors.Wrapf(tailcursor.ErrSourceUnavailable, "stat %q: %s", id.filename, err)
	}
	if info.Size() < id.offset {
		return errors.Wrapf(tailcursor.ErrInvalidMarker, "offset %d is past the end of chunk %q", id.offset, id.filename)
	}
	return nil
}

type reader struct {
	dir     *Dir
	pos     RecordID
	alive   bool
	active  time.Time
	first   []tailcursor.Record
	watcher *fsnotify.Watcher
}

func (r *reader) Fetch(ctx context.Context, wait time.Duration) ([]tailcursor.Record, bool, error) {
	if !r.alive {
		return nil, false, nil
	}
	if first := r.first; first != nil {
		r.first = nil
		return first, true, nil
	}
	conf := r.dir.conf
	end := time.Now().Add(wait)
	for {
		batch, err := r.read()
		if err != nil {
			return nil, true, err
		}
		now := time.Now()
		if len(batch) > 0 {
			r.active = now
			return batch, true, nil
		}
		until := end
		if conf.IdleTimeout > 0 {
			idle := r.active.Add(conf.IdleTimeout)
			if !now.Before(idle) {
				r.alive = false
				return nil, false, nil
			}
			if idle.Before(until) {
				until = idle
			}
		}
		if !now.Before(end) {
			return nil, true, nil
		}
		if err := r.wait(ctx, until.Sub(now)); err != nil {
			return nil, true, err
		}
	}
}

// wait blocks until the directory may have changed or d elapses.
func (r *reader) wait(ctx context.Context, d time.Duration) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events, errs = r.watcher.Events, r.watcher.Errors
	} else if poll := r.dir.conf.PollInterval; poll < d {
		d = poll
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-events:
	case err := <-errs:
		return errors.Wrap(err, "watching directory")
	case <-t.C:
	}
	return nil
}

func (r *reader) Close() error {
	r.alive = false
	r.first = nil
	var err error
	if r.watcher != nil {
		err = multierr.Append(err, r.watcher.Close())
		r.watcher = nil
	}
	return err
}

// read returns up to BatchSize complete records after r.pos, crossing into
// later chunks as earlier ones are exhausted.
func (r *reader) read() ([]tailcursor.Record, error) {
	d := r.dir
	var batch []tailcursor.Record
	fail := func(err error) ([]tailcursor.Record, error) {
		if len(batch) > 0 {
			// the failure comes back on the next read
			return batch, nil
		}
		return nil, err
	}
	for len(batch) < d.conf.BatchSize {
		chunks, err := d.path.filenames(d.fs)
		if err != nil {
			return fail(err)
		}
		if r.pos.filename == "" {
			if len(chunks) == 0 {
				break
			}
			r.pos = RecordID{filename: path.Base(chunks[0])}
		}
		rest := chunks.chunkSeek(r.pos)
		if rest == nil {
			return fail(errors.Wrapf(tailcursor.ErrPositionLost, "chunk %q was removed while tailing", r.pos.filename))
		}
		// A chunk followed by another one is never written again.
		sealed := len(rest) > 1
		eof, err := r.singleCatchup(d.conf.BatchSize, sealed, &batch)
		if err != nil {
			return fail(err)
		}
		if !eof || !sealed {
			break
		}
		r.pos = RecordID{filename: path.Base(rest[1])}
	}
	return batch, nil
}

func (r *reader) singleCatchup(maxLines int, sealed bool, batch *[]tailcursor.Record) (bool, error) {
	d := r.dir
	fName := d.path.join(r.pos.filename)
	f, err := d.fs.Open(fName)
	if err != nil {
		if os.IsNotExist(err) {
			return false, errors.Wrapf(tailcursor.ErrPositionLost, "chunk %q was removed while tailing", r.pos.filename)
		}
		return false, errors.Wrapf(err, "could not open file %q", fName)
	}
	defer f.Close()
	if _, err := f.Seek(r.pos.offset, io.SeekStart); err != nil {
		return false, errors.Wrapf(err, "could not seek in file %q", fName)
	}
	br := bufio.NewReader(f)
	for len(*batch) < maxLines {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return false, errors.Wrap(err, "could not read from file")
		}
		if err == io.EOF && (len(line) == 0 || !sealed) {
			// NOTE: an unterminated line in the last chunk is still being written
			return true, nil
		}
		r.pos.offset += int64(len(line))
		*batch = append(*batch, tailcursor.Record{
			Marker:  r.pos.Marker(),
			Payload: bytes.TrimSuffix(line, []byte{'\n'}),
		})
		if err == io.EOF {
			return true, nil
		}
	}
	return false, nil
}

type TailerPath string

func (t TailerPath) join(name string) string {
	return path.Join(string(t), name)
}

func (t TailerPath) filenames(fs afero.Fs) (TailChunks, error) {
	files, err := afero.ReadDir(fs, string(t))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(tailcursor.ErrSourceUnavailable, "directory %q does not exist", t)
		}
		return nil, errors.Wrapf(err, "listing %q", t)
	}
	var filenames []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		filenames = append(filenames, t.join(f.Name()))
	}
	// NOTE: Sort order defines record order across file boundaries
	sort.Strings(filenames)
	return filenames, nil
}

type TailChunks []string

func (chunks TailChunks) chunkSeek(from RecordID) TailChunks {
	for k, v := range chunks {
		if path.Base(v) == from.filename {
			return chunks[k:]
		}
	}
	return nil
}
