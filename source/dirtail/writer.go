package dirtail

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/seedtray/tailcursor"
	"github.com/spf13/afero"
)

// Writer appends records to a chunk directory, starting a new chunk once the
// current one reaches MaxChunkSize. Chunk names are zero-padded sequence
// numbers so that lexical order is append order.
type Writer struct {
	fs      afero.Fs
	path    TailerPath
	maxSize int64

	mu    sync.Mutex
	seq   uint64
	chunk string
	size  int64
}

func NewWriter(fs afero.Fs, dir string, maxChunkSize int64) (*Writer, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %q", dir)
	}
	w := &Writer{fs: fs, path: TailerPath(path.Clean(dir)), maxSize: maxChunkSize}
	chunks, err := w.path.filenames(fs)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		last := path.Base(chunks[len(chunks)-1])
		seq, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(tailcursor.ErrInvalidSource, "chunk %q is not a sequence number", last)
		}
		info, err := fs.Stat(w.path.join(last))
		if err != nil {
			return nil, err
		}
		w.seq, w.chunk, w.size = seq, last, info.Size()
	}
	return w, nil
}

func (w *Writer) Append(line []byte) (tailcursor.Marker, error) {
	if bytes.IndexByte(line, '\n') >= 0 {
		return "", errors.New("record contains a newline")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := int64(len(line)) + 1
	if w.chunk == "" || (w.maxSize > 0 && w.size > 0 && w.size+n > w.maxSize) {
		w.seq++
		w.chunk = fmt.Sprintf("%020d", w.seq)
		w.size = 0
	}
	f, err := w.fs.OpenFile(w.path.join(w.chunk), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "opening chunk %q", w.chunk)
	}
	buf := make([]byte, 0, n)
	buf = append(append(buf, line...), '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "writing chunk %q", w.chunk)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	w.size += n
	return RecordID{filename: w.chunk, offset: w.size}.Marker(), nil
}
