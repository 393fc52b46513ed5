package thermolog

import (
	"errors"
	"fmt"
	"time"

	"github.com/thermolog/thermolog/internal/readingqueue"
)

const (
	// readerIdle is how long the line reader yields when no data is pending.
	readerIdle = 10 * time.Millisecond

	// errorBackoff is the pause after a transport error before the next
	// poll attempt.
	errorBackoff = 100 * time.Millisecond

	// stopCommandTimeout bounds the best-effort STOP sent when a session
	// ends; stopping must not hang on an unresponsive device.
	stopCommandTimeout = 500 * time.Millisecond
)

// acquisition is the pipeline of one streaming session: a line reader
// polling the transport and a consumer draining the queue into the
// bounded series. The queue is unbounded, so the reader never blocks and
// no reading is ever dropped between parse and series; persisted order is
// guaranteed separately by the synchronous sink append in the reader.
type acquisition struct {
	cm      *ConnectionManager
	session *LoggingSession
	series  *BoundedSeries
	queue   *readingqueue.Queue[ChannelReading]

	errorThreshold int

	consumerDone chan struct{} // closed when the consumer has drained the queue
	finished     chan struct{} // closed when the session is fully torn down
	stopReason   error         // nil on a clean stop; set before Deactivate on failure
}

// StartLogging begins a streaming session: the START command is sent, and
// on success the session takes ownership of the sink and the state moves
// Connected -> Streaming. An ERROR reply, a timeout, or a transport
// failure leaves the state machine where it was (modulo the transport
// failure itself forcing Error).
func (cm *ConnectionManager) StartLogging(session *LoggingSession) error {
	if state := cm.State(); state != Connected {
		return fmt.Errorf("cannot start logging while %v", state)
	}
	if _, err := cm.configure(CmdStart); err != nil {
		return fmt.Errorf("START refused: %w", err)
	}

	pipe := &acquisition{
		cm:             cm,
		session:        session,
		series:         cm.series,
		queue:          readingqueue.New[ChannelReading](),
		errorThreshold: cm.errorThreshold,
		consumerDone:   make(chan struct{}),
		finished:       make(chan struct{}),
	}

	cm.mu.Lock()
	cm.pipe = pipe
	cm.mu.Unlock()
	cm.setState(Streaming)
	UpdateLogger.Printf("logging session %s started, writing %s", session.ID, session.Filename)
	cm.publish("LOGSTART", struct {
		SessionID string `json:"session_id"`
		Filename  string `json:"filename"`
	}{session.ID, session.Filename})

	go pipe.consumeLoop()
	go pipe.readLoop()
	return nil
}

// StopLogging ends the active session, if any. It is idempotent and safe
// from any goroutine; it blocks until the sink is finalized and the state
// machine has left Streaming. It never takes the connection lock itself,
// so it cannot deadlock against the reader.
func (cm *ConnectionManager) StopLogging() error {
	cm.mu.Lock()
	pipe := cm.pipe
	cm.mu.Unlock()
	if pipe == nil {
		return nil
	}
	pipe.session.Deactivate()
	<-pipe.finished
	return nil
}

// IsLogging reports whether a session is active.
func (cm *ConnectionManager) IsLogging() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pipe != nil && cm.pipe.session.Active()
}

// ActiveSession returns the running session, or nil.
func (cm *ConnectionManager) ActiveSession() *LoggingSession {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.pipe == nil {
		return nil
	}
	return cm.pipe.session
}

// readLoop is the streaming line reader. Each successful parse is appended
// synchronously to the persistence sink (device order) and then queued for
// the in-memory series. Transport errors back off and count; reaching the
// threshold, or losing the usable-connection predicate, is fatal to the
// session.
func (p *acquisition) readLoop() {
	defer p.finish()

	consecutiveErrors := 0
	for p.session.Active() {
		if !p.cm.IsConnected() {
			p.stopReason = errors.New("connection lost during logging")
			p.session.Deactivate()
			return
		}

		line, ok, err := p.cm.pollLine()
		if err != nil {
			consecutiveErrors++
			ProblemLogger.Printf("stream read error (%d consecutive): %v", consecutiveErrors, err)
			if consecutiveErrors >= p.errorThreshold {
				p.stopReason = fmt.Errorf("%d consecutive read errors: %w", consecutiveErrors, err)
				p.session.Deactivate()
				return
			}
			time.Sleep(errorBackoff)
			continue
		}
		if !ok {
			time.Sleep(readerIdle)
			continue
		}
		consecutiveErrors = 0

		reading, isReading := ParseReadingLine(line, time.Now())
		if !isReading {
			continue // not a data line; skipped, not persisted, not an error
		}
		if err := p.session.Append(reading); err != nil {
			// Surfaced but deliberately non-fatal: a full disk should not
			// take down live acquisition.
			ProblemLogger.Printf("sink append failed: %v", err)
		}
		p.queue.Push(reading)
	}
}

// pollLine reads one pending line from the handle, taking the connection
// lock only for the duration of the single short poll.
func (cm *ConnectionManager) pollLine() (string, bool, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.handle == nil {
		return "", false, ErrNotConnected
	}
	return cm.handle.ReadLine()
}

// consumeLoop drains the queue into the bounded series and republishes
// each reading for live consumers.
func (p *acquisition) consumeLoop() {
	defer close(p.consumerDone)
	for reading := range p.queue.Out() {
		p.series.Append(reading)
		p.cm.publish("READING", reading)
	}
}

// finish tears the session down, always on the reader goroutine and
// exactly once: drain the consumer, finalize the sink, tell the device to
// stop on a best-effort basis, then resolve the post-streaming state.
func (p *acquisition) finish() {
	p.queue.Close()
	<-p.consumerDone

	if err := p.session.Finalize(); err != nil {
		ProblemLogger.Printf("finalize sink for session %s: %v", p.session.ID, err)
	}

	// Best-effort: the device keeps emitting lines until told otherwise.
	// Failure here is irrelevant to the stop path.
	if p.cm.IsConnected() {
		if _, err := sendCommand(lockedHandle{p.cm}, CmdStop, stopCommandTimeout); err != nil {
			ProblemLogger.Printf("best-effort STOP failed: %v", err)
		}
	}

	p.cm.endStreaming()

	if p.stopReason != nil {
		ProblemLogger.Printf("logging session %s ended: %v", p.session.ID, p.stopReason)
	} else {
		UpdateLogger.Printf("logging session %s stopped after %d readings", p.session.ID, p.session.Appended())
	}
	p.cm.publish("LOGSTOP", struct {
		SessionID string `json:"session_id"`
		Readings  int    `json:"readings"`
		Reason    string `json:"reason,omitempty"`
	}{p.session.ID, p.session.Appended(), errString(p.stopReason)})

	close(p.finished)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// endStreaming resolves the state machine after a session: back to
// Connected when the handle is still nominally open (the device merely
// stopped being useful), to Error when the handle is gone. The original
// design is ambiguous on this point; Connected is chosen here so an
// operator can retry START without reconnecting.
func (cm *ConnectionManager) endStreaming() {
	cm.mu.Lock()
	if cm.state != Streaming {
		cm.pipe = nil
		cm.mu.Unlock()
		return
	}
	usable := cm.handle != nil && cm.handle.IsOpen()
	var next ConnectionState
	if usable {
		next = Connected
	} else {
		next = Error
		cm.handle = nil
	}
	cm.pipe = nil
	cm.mu.Unlock()
	cm.setState(next)
}
