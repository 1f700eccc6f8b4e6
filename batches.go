package tailcursor

import (
	"context"
	"time"
)

// Batches pulls from the session in a goroutine and sends records in batches
// of at most size. A partial batch is flushed as soon as a Pull comes back
// empty, so a quiet source does not hold records back. The channel is closed
// when ctx is done or Pull fails; Err then reports why. Pull must not be
// called by anyone else while the channel is being drained.
func (s *Session) Batches(ctx context.Context, size int) <-chan *RecordBatch {
	if size <= 0 {
		size = 1
	}
	output := make(chan *RecordBatch)
	go func() {
		defer close(output)
		batch := &RecordBatch{}
		flush := func() bool {
			if batch.Len() == 0 {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case output <- batch:
			}
			batch = &RecordBatch{}
			return true
		}
		for {
			rec, err := s.Pull(ctx, time.Time{})
			if err != nil {
				// NOTE: records already pulled still go out ahead of the error
				flush()
				s.setErr(err)
				return
			}
			if rec != nil {
				batch.append(*rec)
				if batch.Len() < size {
					continue
				}
			}
			if !flush() {
				s.setErr(ctx.Err())
				return
			}
		}
	}()
	return output
}

// Err returns the error that ended the most recent Batches stream.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
