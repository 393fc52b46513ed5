package thermolog

import (
	"sync"
	"sync/atomic"
	"time"
)

// ReadingSink is the persistence collaborator the core appends to: one
// record per reading, written in device order. Append failures are
// surfaced to the caller, who decides whether they are fatal; Finalize
// performs the orderly close.
type ReadingSink interface {
	Append(at time.Time, values []float64) error
	Finalize() error
}

// LoggingSession owns the persistence sink for one streaming engagement.
// It is created when a START command succeeds and destroyed on stop,
// whether user-initiated, error-triggered, or forced by connection loss.
// Deactivate and Finalize are idempotent and safe from any goroutine.
type LoggingSession struct {
	ID        string
	StartedAt time.Time
	Filename  string

	sink     ReadingSink
	active   atomic.Bool
	appended atomic.Int64

	finalizeOnce sync.Once
	finalizeErr  error
}

// NewLoggingSession wraps a sink in an active session.
func NewLoggingSession(id, filename string, sink ReadingSink) *LoggingSession {
	s := &LoggingSession{
		ID:        id,
		StartedAt: time.Now(),
		Filename:  filename,
		sink:      sink,
	}
	s.active.Store(true)
	return s
}

// Active reports whether the session is still collecting.
func (s *LoggingSession) Active() bool {
	return s.active.Load()
}

// Deactivate clears the active flag. It returns true exactly once, for the
// caller that actually performed the stop; later callers see false, which
// keeps the stop path idempotent across the reader, the consumer, and
// external requests.
func (s *LoggingSession) Deactivate() bool {
	return s.active.CompareAndSwap(true, false)
}

// Append writes one reading through to the sink and counts it. The write
// happens on the parsing goroutine, before the reading is queued for the
// in-memory series, so persisted order always matches device order.
func (s *LoggingSession) Append(r ChannelReading) error {
	if err := s.sink.Append(r.CapturedAt, r.Values); err != nil {
		return err
	}
	s.appended.Add(1)
	return nil
}

// Appended returns how many readings reached the sink.
func (s *LoggingSession) Appended() int {
	return int(s.appended.Load())
}

// Finalize closes the sink, once.
func (s *LoggingSession) Finalize() error {
	s.finalizeOnce.Do(func() {
		s.finalizeErr = s.sink.Finalize()
	})
	return s.finalizeErr
}
