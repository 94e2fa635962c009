package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDebounceDelay = 300 * time.Millisecond
	defaultSendTimeout   = 10 * time.Second
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("sync engine closed")
	// ErrAttachmentsDisabled is returned by AddAttachment when the engine was
	// built with DisableAttachments.
	ErrAttachmentsDisabled = errors.New("attachments disabled")
)

// Transport accepts envelopes for delivery to the host. A nil error means the
// hand-off was accepted; delivery itself may still be asynchronous.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// DebounceDelay is the quiescence window before a flush. Zero selects
	// DefaultDebounceDelay.
	DebounceDelay time.Duration
	// DisableAttachments makes AddAttachment queue nothing and return
	// ErrAttachmentsDisabled, so every envelope carries an empty attachment list.
	DisableAttachments bool
	Transport          Transport
	Scheduler          Scheduler
	Logger             Logger
	SendTimeout        time.Duration
	NewEnvelopeID      func() string
}

// Engine coalesces content edits and attachment additions into envelopes.
// A single timer is re-armed by every event; when it fires the engine reads
// the latest content and drains the attachment queue at that moment.
type Engine struct {
	transport   Transport
	queue       *AttachmentQueue
	delay       time.Duration
	attachments bool
	scheduler   Scheduler
	logger      Logger
	sendTimeout time.Duration
	newID       func() string

	// sendMu serializes capture and hand-off so envelopes reach the
	// transport in sequence order.
	sendMu sync.Mutex

	mu      sync.Mutex
	content string
	dirty   bool
	timer   Timer
	gen     uint64
	seq     uint64
	closed  bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidInput)
	}
	if opts.DebounceDelay < 0 {
		return nil, fmt.Errorf("%w: debounce delay must not be negative", ErrInvalidInput)
	}
	delay := opts.DebounceDelay
	if delay == 0 {
		delay = DefaultDebounceDelay
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = realScheduler{}
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	newID := opts.NewEnvelopeID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Engine{
		transport:   opts.Transport,
		queue:       NewAttachmentQueue(),
		delay:       delay,
		attachments: !opts.DisableAttachments,
		scheduler:   scheduler,
		logger:      opts.Logger,
		sendTimeout: sendTimeout,
		newID:       newID,
	}, nil
}

// NotifyEdit records the latest document content and (re)starts the debounce
// window.
func (e *Engine) NotifyEdit(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.content = content
	e.dirty = true
	e.armLocked()
}

// AddAttachment queues att and restarts the debounce window. The closed
// check and the append share one critical section, so an attachment that is
// accepted is always seen by the next flush, including the final one.
func (e *Engine) AddAttachment(att PendingAttachment) error {
	if !e.attachments {
		return ErrAttachmentsDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.queue.Append(att)
	e.armLocked()
	return nil
}

// NotifyAttachmentAdded restarts the debounce window without changing the
// content. It never flushes on its own.
func (e *Engine) NotifyAttachmentAdded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.armLocked()
}

// Flush cancels the pending timer and hands off an envelope immediately if
// there is anything to send.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.stopTimerLocked()
	e.mu.Unlock()
	return e.flush(ctx)
}

// Close stops accepting events and performs a final flush so nothing queued
// is lost on teardown.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopTimerLocked()
	e.mu.Unlock()
	return e.flush(ctx)
}

// Pending reports whether an edit or attachment is waiting for a flush.
func (e *Engine) Pending() bool {
	e.mu.Lock()
	dirty := e.dirty
	e.mu.Unlock()
	return dirty || e.queue.Len() > 0
}

func (e *Engine) QueuedAttachments() int {
	return e.queue.Len()
}

// Content returns the latest content observed by the engine.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// Seed replaces the content with a host supplied value and clears the dirty
// flag so the value is not sent back. Queued attachments are kept.
func (e *Engine) Seed(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content = content
	e.dirty = false
}

func (e *Engine) armLocked() {
	e.stopTimerLocked()
	gen := e.gen
	e.timer = e.scheduler.AfterFunc(e.delay, func() {
		e.fire(gen)
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	// A timer that already started running sees a stale generation and
	// exits without sending.
	e.gen++
}

func (e *Engine) fire(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
	defer cancel()
	if err := e.flush(ctx); err != nil {
		e.logf("debounced flush failed: %v", err)
	}
}

func (e *Engine) flush(ctx context.Context) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if !e.dirty && e.queue.Len() == 0 {
		e.mu.Unlock()
		return nil
	}
	attachments := e.queue.DrainAll()
	e.seq++
	env := Envelope{
		ID:          e.newID(),
		Seq:         e.seq,
		Content:     e.content,
		Attachments: attachments,
	}
	e.dirty = false
	e.mu.Unlock()

	if err := e.transport.Send(ctx, env); err != nil {
		e.queue.Requeue(attachments)
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return fmt.Errorf("send envelope %d: %w", env.Seq, err)
	}
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
