package tailcursor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

type Options struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// Deadline bounds the whole session. Once it passes Pull returns
	// ErrExhausted. The zero value means no session deadline, in which case
	// transport errors are retried indefinitely.
	Deadline time.Time
	// PollWait is the per-call wait used when Pull is given a zero deadline.
	PollWait time.Duration
	// MinRetry and MaxRetry bound the backoff between attempts that failed
	// with a transport error.
	MinRetry time.Duration
	MaxRetry time.Duration
	// DeadPause is how long Pull waits before returning Empty when a handle
	// it has just reopened is dead again.
	DeadPause time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PollWait <= 0 {
		o.PollWait = time.Second
	}
	if o.MinRetry <= 0 {
		o.MinRetry = 100 * time.Millisecond
	}
	if o.MaxRetry < o.MinRetry {
		o.MaxRetry = 5 * time.Second
		if o.MaxRetry < o.MinRetry {
			o.MaxRetry = o.MinRetry
		}
	}
	if o.DeadPause <= 0 {
		o.DeadPause = 50 * time.Millisecond
	}
	return o
}

// fetchSlack ends the wait handed to Fetch a little before the call
// deadline, so an idle handle normally returns on its own timer instead of
// being cut off (and dropped) by the deadline.
const fetchSlack = 5 * time.Millisecond

type state int

const (
	stateFetching state = iota
	stateReopening
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateReopening:
		return "reopening"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is a single logical stream of records over a Source. It replaces
// dead handles transparently, resuming strictly after the last record it
// received, so callers only ever see records in order and exactly once.
//
// Pull must not be called concurrently; Close may be called at any time.
type Session struct {
	id      ksuid.KSUID
	src     Source
	name    string
	opts    Options
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	busy      bool
	closed    bool
	cancel    context.CancelFunc
	delivered Marker
	err       error

	// Owned by the outstanding Pull, or by Close when no Pull is running.
	state    state
	handle   Handle
	fetched  Marker
	buffered []Record
	retry    *retryTimer
	reason   string
}

// Open starts tailing src after the given marker (or from the start of the
// retained data when after is zero). Only fatal errors are returned: a
// transport failure leaves the session reopening, to be retried by Pull.
func Open(ctx context.Context, src Source, after Marker, opts Options) (*Session, error) {
	if src == nil {
		return nil, errors.Wrap(ErrInvalidSource, "nil source")
	}
	if !after.IsZero() {
		if err := src.CheckMarker(after); err != nil {
			if !errors.Is(err, ErrInvalidMarker) {
				err = errors.Wrap(ErrInvalidMarker, err.Error())
			}
			return nil, err
		}
	}
	opts = opts.withDefaults()
	s := &Session{
		id:        ksuid.New(),
		src:       src,
		name:      sourceName(src),
		opts:      opts,
		metrics:   opts.Metrics,
		state:     stateReopening,
		delivered: after,
		fetched:   after,
		retry:     newRetryTimer(opts.MinRetry, opts.MaxRetry),
	}
	s.logger = opts.Logger.With(
		zap.Stringer("session", s.id),
		zap.String("source", s.name))
	if err := s.reopen(ctx); err != nil {
		if IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	s.metrics.sessionOpened(s.name)
	s.logger.Info("tail session opened", zap.Stringer("after", after))
	return s, nil
}

func (s *Session) ID() ksuid.KSUID {
	return s.id
}

// Marker returns the marker of the last record returned by Pull. A new
// session opened after it continues exactly where this one stopped.
func (s *Session) Marker() Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Pull returns the next record. It returns (nil, nil) when no record became
// available before deadline, ErrExhausted once the session deadline has
// passed, and a fatal error when tailing cannot continue. A zero deadline
// waits for Options.PollWait. Pull never blocks past the earlier of deadline
// and the session deadline.
func (s *Session) Pull(ctx context.Context, deadline time.Time) (*Record, error) {
	ctx, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer s.exit()
	return s.pull(ctx, deadline)
}

func (s *Session) enter(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.busy {
		return nil, ErrReentrantPull
	}
	s.busy = true
	ctx, s.cancel = context.WithCancel(ctx)
	return ctx, nil
}

func (s *Session) exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.cancel = nil
	s.busy = false
	if s.closed {
		// Close has already returned, so nobody else sees this error.
		if err := s.shutdown(); err != nil {
			s.logger.Warn("closing tail cursor after session close", zap.Error(err))
		}
	}
}

func (s *Session) pull(ctx context.Context, deadline time.Time) (*Record, error) {
	if rec := s.next(); rec != nil {
		return rec, nil
	}
	now := time.Now()
	if s.expired(now) {
		return nil, ErrExhausted
	}
	if deadline.IsZero() {
		deadline = now.Add(s.opts.PollWait)
	}
	if d := s.opts.Deadline; !d.IsZero() && d.Before(deadline) {
		deadline = d
	}
	// Collaborator calls share the call deadline, so a hung open or a slow
	// multi-request fetch cannot hold Pull past it.
	opCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	var reopened bool
	for {
		if err := ctx.Err(); err != nil {
			return nil, s.canceled(err)
		}
		switch s.state {
		case stateReopening:
			now := time.Now()
			if !s.retry.ready(now) {
				if !s.retry.until.Before(deadline) {
					if err := sleep(ctx, deadline.Sub(now)); err != nil {
						return nil, s.canceled(err)
					}
					return nil, s.empty()
				}
				if err := sleep(ctx, s.retry.until.Sub(now)); err != nil {
					return nil, s.canceled(err)
				}
			}
			if err := s.reopen(opCtx); err != nil {
				if IsFatal(err) {
					return nil, err
				}
				if ctx.Err() != nil {
					return nil, s.canceled(ctx.Err())
				}
				if opCtx.Err() != nil {
					// Still reopening; the next Pull tries again at once.
					return nil, s.empty()
				}
				continue
			}
			reopened = true
		case stateFetching:
			batch, alive, err := s.handle.Fetch(opCtx, time.Until(deadline)-fetchSlack)
			if err != nil {
				if ctx.Err() != nil {
					err := s.canceled(ctx.Err())
					if err != ErrClosed {
						// The interrupted fetch may have advanced the
						// handle past records we never saw.
						s.drop(reopenCanceled)
					}
					return nil, err
				}
				if IsFatal(err) {
					s.drop(reopenDead)
					return nil, err
				}
				if opCtx.Err() != nil {
					s.drop(reopenDeadline)
					return nil, s.empty()
				}
				s.transportFailure(err)
				continue
			}
			s.accept(batch)
			if !alive {
				s.drop(reopenDead)
			}
			if rec := s.next(); rec != nil {
				return rec, nil
			}
			if alive {
				return nil, s.empty()
			}
			if reopened {
				// The fresh handle died without data, so the source is
				// still empty past our marker. Give control back.
				pause := s.opts.DeadPause
				if left := time.Until(deadline); left < pause {
					pause = left
				}
				if err := sleep(ctx, pause); err != nil {
					return nil, s.canceled(err)
				}
				return nil, s.empty()
			}
		default:
			return nil, ErrClosed
		}
		if !time.Now().Before(deadline) {
			return nil, s.empty()
		}
	}
}

// reopen issues a new tail request resuming after the last fetched record.
func (s *Session) reopen(ctx context.Context) error {
	h, err := s.src.OpenTail(ctx, s.fetched)
	if err != nil {
		if IsFatal(err) {
			s.logger.Error("tail cursor cannot be reopened", zap.Error(err))
			return err
		}
		if ctx.Err() == nil {
			s.transportFailure(err)
		}
		return err
	}
	if s.reason != "" {
		s.metrics.recordReopen(s.name, s.reason)
		s.logger.Debug("tail cursor reopened",
			zap.String("reason", s.reason),
			zap.Stringer("after", s.fetched))
	}
	s.handle = h
	s.state = stateFetching
	s.retry.reset()
	return nil
}

// drop discards the current handle and schedules an immediate reopen.
func (s *Session) drop(reason string) {
	s.closeHandle()
	s.state = stateReopening
	s.reason = reason
}

func (s *Session) transportFailure(err error) {
	s.metrics.recordTransportError(s.name)
	s.closeHandle()
	s.state = stateReopening
	s.reason = reopenTransport
	wait := s.retry.fail(time.Now())
	s.logger.Warn("tail transport error, waiting to retry",
		zap.Duration("retry", wait),
		zap.Error(err))
}

func (s *Session) accept(batch []Record) {
	for _, rec := range batch {
		if !s.fetched.IsZero() && !s.src.Less(s.fetched, rec.Marker) {
			s.logger.Debug("dropping record at or before resume marker",
				zap.Stringer("marker", rec.Marker),
				zap.Stringer("after", s.fetched))
			continue
		}
		s.buffered = append(s.buffered, rec)
		s.fetched = rec.Marker
	}
}

func (s *Session) next() *Record {
	if len(s.buffered) == 0 {
		return nil
	}
	rec := s.buffered[0]
	s.buffered[0] = Record{}
	s.buffered = s.buffered[1:]
	s.mu.Lock()
	s.delivered = rec.Marker
	s.mu.Unlock()
	s.metrics.recordDelivered(s.name)
	return &rec
}

func (s *Session) expired(now time.Time) bool {
	return !s.opts.Deadline.IsZero() && !now.Before(s.opts.Deadline)
}

// empty is the result of a Pull that found nothing before its deadline.
func (s *Session) empty() error {
	if s.expired(time.Now()) {
		return ErrExhausted
	}
	return nil
}

func (s *Session) canceled(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return err
}

func (s *Session) closeHandle() error {
	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	if err != nil {
		s.logger.Debug("closing tail cursor", zap.Error(err))
	}
	s.handle = nil
	return err
}

// shutdown releases the handle; s.mu must be held.
func (s *Session) shutdown() error {
	s.buffered = nil
	s.state = stateClosed
	return s.closeHandle()
}

// Close releases the session's handle. It is safe to call more than once and
// while a Pull is outstanding, in which case that Pull returns ErrClosed and
// the handle is released (and any failure logged) as it returns.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.metrics.sessionClosed(s.name)
	s.logger.Info("tail session closed", zap.Stringer("marker", s.delivered))
	if s.busy {
		s.cancel()
		return nil
	}
	return s.shutdown()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
