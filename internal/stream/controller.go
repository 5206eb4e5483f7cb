// Package stream wraps one streamed generation in a small state machine
// that can be paused, resumed and cancelled while chunks arrive.
//
//	idle → running ⇄ paused → {completed | cancelled | error}
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/metrics"
)

// Status is a stream state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// ErrInvalidTransition is returned when an operation is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid stream transition")

// Options configures a Controller.
type Options struct {
	// BufferChunks keeps accepted chunks for Content().
	BufferChunks bool

	// EventBuffer sizes the Events channel. Zero disables it.
	EventBuffer int

	Observer Observer
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Stats is a snapshot of a stream.
type Stats struct {
	ID              string        `json:"id"`
	Status          Status        `json:"status"`
	TotalChunks     int           `json:"total_chunks"`
	ProcessedChunks int           `json:"processed_chunks"`
	Paused          bool          `json:"paused"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	Duration        time.Duration `json:"duration"`
	Reason          string        `json:"reason,omitempty"`
}

// Controller drives one stream. It is safe for concurrent use: the producer
// calls ProcessChunk while a UI goroutine pauses, resumes or cancels.
type Controller struct {
	id       string
	buffer   bool
	observer Observer
	events   chan Event
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	status    Status
	total     int
	processed int
	chunks    []string
	started   time.Time
	ended     time.Time
	reason    string
	result    string
	ctx       context.Context
	cancel    context.CancelFunc
	resume    chan struct{} // non-nil while paused, closed on resume
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	c := &Controller{
		id:       uuid.NewString(),
		buffer:   opts.BufferChunks,
		observer: opts.Observer,
		log:      logging.For(opts.Logger, "stream"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		status:   StatusIdle,
	}
	if opts.EventBuffer > 0 {
		c.events = make(chan Event, opts.EventBuffer)
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// ID returns the stream id.
func (c *Controller) ID() string { return c.id }

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Context is cancelled when the stream reaches a terminal state. Pass it to
// the transport so cancellation stops the underlying call.
func (c *Controller) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Events returns the polled event channel, or nil when disabled. Events are
// dropped when the channel is full.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start moves idle → running.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.status != StatusIdle {
		from := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, from)
	}
	c.started = c.now()
	ev := c.transitionLocked(StatusRunning, "")
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// Pause moves running → paused. Pausing while paused is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	switch c.status {
	case StatusPaused:
		c.mu.Unlock()
		return nil
	case StatusRunning:
	default:
		from := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, from)
	}
	c.resume = make(chan struct{})
	ev := c.transitionLocked(StatusPaused, "")
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// Resume moves paused → running and releases blocked ProcessChunk calls.
// Resuming while running is a no-op.
func (c *Controller) Resume() error {
	c.mu.Lock()
	switch c.status {
	case StatusRunning:
		c.mu.Unlock()
		return nil
	case StatusPaused:
	default:
		from := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, from)
	}
	c.releaseLocked()
	ev := c.transitionLocked(StatusRunning, "")
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// ProcessChunk accepts one chunk. It returns false once the stream is
// cancelled or otherwise terminal, and blocks while paused until resumed,
// cancelled, or ctx is done. The chunk index reported to observers is
// 1-based.
func (c *Controller) ProcessChunk(ctx context.Context, chunk string) (bool, error) {
	c.mu.Lock()
	c.total++
	for c.status == StatusPaused {
		wait := c.resume
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		c.mu.Lock()
	}
	switch c.status {
	case StatusRunning:
	case StatusIdle:
		c.mu.Unlock()
		return false, fmt.Errorf("%w: chunk before start", ErrInvalidTransition)
	default:
		c.mu.Unlock()
		return false, nil
	}

	c.processed++
	index := c.processed
	if c.buffer {
		c.chunks = append(c.chunks, chunk)
	}
	c.mu.Unlock()

	c.metrics.StreamChunk()
	if c.observer != nil {
		c.observer.OnChunk(index, chunk)
	}
	c.send(Event{Type: EventChunk, StreamID: c.id, Index: index, Chunk: chunk, At: c.now()})
	return true, nil
}

// Cancel ends the stream. Cancelling a finished stream is a no-op.
func (c *Controller) Cancel(reason string) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	ev := c.finishLocked(StatusCancelled, reason)
	c.mu.Unlock()

	c.log.Info().Str("stream", c.id).Str("reason", reason).Msg("stream cancelled")
	c.emit(ev)
}

// Complete ends the stream successfully with the final result.
func (c *Controller) Complete(result string) error {
	c.mu.Lock()
	if c.status != StatusRunning && c.status != StatusPaused {
		from := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, from)
	}
	c.result = result
	ev := c.finishLocked(StatusCompleted, "")
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// Fail ends the stream with err. The failure is reported through
// Observer.OnFailure. Failing a finished stream is a no-op.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ev := c.finishLocked(StatusError, msg)
	c.mu.Unlock()

	c.log.Warn().Str("stream", c.id).Err(err).Msg("stream failed")
	c.emit(ev)
	if c.observer != nil {
		c.observer.OnFailure(err)
	}
	c.send(Event{Type: EventFailure, StreamID: c.id, Err: err, At: c.now()})
}

// Reset returns the controller to idle with cleared counters and a fresh
// cancellation context.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.releaseLocked()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.total, c.processed = 0, 0
	c.chunks = nil
	c.started, c.ended = time.Time{}, time.Time{}
	c.reason, c.result = "", ""
	ev := c.transitionLocked(StatusIdle, "reset")
	c.mu.Unlock()

	c.emit(ev)
}

// Content returns the buffered chunks joined, or the completion result when
// buffering is off.
func (c *Controller) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer {
		return strings.Join(c.chunks, "")
	}
	return c.result
}

// Result returns the value passed to Complete.
func (c *Controller) Result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Stats returns a snapshot. Duration is set once the stream is terminal.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		ID:              c.id,
		Status:          c.status,
		TotalChunks:     c.total,
		ProcessedChunks: c.processed,
		Paused:          c.status == StatusPaused,
		StartedAt:       c.started,
		EndedAt:         c.ended,
		Reason:          c.reason,
	}
	if c.status.Terminal() && !c.started.IsZero() {
		st.Duration = c.ended.Sub(c.started)
	}
	return st
}

func (c *Controller) finishLocked(to Status, reason string) Event {
	c.ended = c.now()
	c.reason = reason
	c.releaseLocked()
	c.cancel()
	return c.transitionLocked(to, reason)
}

func (c *Controller) releaseLocked() {
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
}

func (c *Controller) transitionLocked(to Status, reason string) Event {
	from := c.status
	c.status = to
	return Event{Type: EventTransition, StreamID: c.id, From: from, To: to, Reason: reason, At: c.now()}
}

func (c *Controller) emit(ev Event) {
	c.metrics.StreamTransition(string(ev.To))
	c.log.Debug().Str("stream", c.id).Str("from", string(ev.From)).Str("to", string(ev.To)).Msg("stream transition")
	if c.observer != nil {
		c.observer.OnTransition(ev.From, ev.To)
	}
	c.send(ev)
}

func (c *Controller) send(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}
