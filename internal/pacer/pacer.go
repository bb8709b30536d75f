// Package pacer delivers an encoded audio buffer to a media stream in
// fixed-size frames at real-time cadence.
//
// A [Pacer] belongs to exactly one connection and runs at most one [Task] at
// a time. Each task sends one frame per period (20 ms by default) until the
// buffer is exhausted, the task is cancelled, the transport closes, or the
// session stops being eligible for audio. Every failure is absorbed into the
// task's [Result]; nothing is returned to the caller.
package pacer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/mediastream"
)

// Gate reports whether the owning session may receive audio and, if so, the
// stream identifier frames must be addressed to.
type Gate interface {
	StreamID() (id string, ok bool)
}

// GateFunc adapts a function to the [Gate] interface.
type GateFunc func() (string, bool)

// StreamID implements [Gate].
func (f GateFunc) StreamID() (string, bool) { return f() }

// Transport is the outbound side of a media stream connection.
type Transport interface {
	// Open reports whether the transport can still carry messages.
	Open() bool

	// Send writes one encoded message. ctx bounds the write only.
	Send(ctx context.Context, data []byte) error
}

// EndReason describes why a [Task] stopped.
type EndReason string

const (
	// ReasonExhausted means every frame of the buffer was sent.
	ReasonExhausted EndReason = "exhausted"

	// ReasonCancelled means the task was cancelled, either directly, by a
	// newer task on the same pacer, or by its parent context.
	ReasonCancelled EndReason = "cancelled"

	// ReasonSessionInactive means the gate refused a scheduled frame.
	ReasonSessionInactive EndReason = "session_inactive"

	// ReasonTransportClosed means the transport was no longer open.
	ReasonTransportClosed EndReason = "transport_closed"

	// ReasonSendFailed means a write to the transport returned an error.
	ReasonSendFailed EndReason = "send_failed"
)

// Result summarises a finished [Task].
type Result struct {
	FramesSent int
	Reason     EndReason
	Elapsed    time.Duration
}

// Option configures a [Pacer].
type Option func(*Pacer)

// WithPeriod sets the interval between frames. Defaults to [audio.FrameDuration].
func WithPeriod(d time.Duration) Option {
	return func(p *Pacer) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithFrameSize sets the number of bytes per frame. Defaults to [audio.FrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pacer) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithMetrics records frame and playback metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pacer) { p.metrics = m }
}

// WithLogger sets the logger used for task lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pacer) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pacer schedules frame delivery for one connection. It is safe for
// concurrent use, but ordering between Start calls is the caller's concern.
type Pacer struct {
	gate      Gate
	transport Transport
	period    time.Duration
	frameSize int
	metrics   *observe.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	current *Task
}

// New creates a Pacer that sends through transport while gate allows it.
func New(gate Gate, transport Transport, opts ...Option) *Pacer {
	p := &Pacer{
		gate:      gate,
		transport: transport,
		period:    audio.FrameDuration,
		frameSize: audio.FrameSize,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start cancels any task already running on p and begins delivering buf.
// The first frame is sent one period after Start; callers wanting an initial
// delay wait before calling Start. The new task does not send anything until
// the previous one has fully stopped.
//
// ctx bounds the lifetime of the task and of each transport write.
func (p *Pacer) Start(ctx context.Context, buf audio.EncodedBuffer) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	prev := p.current
	p.current = t
	p.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	go func() {
		if prev != nil {
			<-prev.done
		}
		p.run(ctx, taskCtx, t, buf)
	}()
	return t
}

// Stop cancels the running task, if any. It is idempotent.
func (p *Pacer) Stop() {
	p.mu.Lock()
	t := p.current
	p.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// Current returns the most recently started task, or nil.
func (p *Pacer) Current() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// run is the body of a task. sendCtx is the parent context: writes are not
// bound to the task's own cancellation, so cancelling a task never aborts a
// write that is already in flight on a shared connection.
func (p *Pacer) run(sendCtx, ctx context.Context, t *Task, buf audio.EncodedBuffer) {
	start := time.Now()
	total := buf.FrameCount(p.frameSize)
	sent := 0

	finish := func(reason EndReason) {
		t.result = Result{FramesSent: sent, Reason: reason, Elapsed: time.Since(start)}
		t.cancel()
		close(t.done)

		if p.metrics != nil {
			p.metrics.RecordPlaybackEnd(sendCtx, string(reason), t.result.Elapsed)
		}
		p.logger.Debug("playback finished",
			"frames", sent,
			"total_frames", total,
			"reason", string(reason),
			"elapsed", t.result.Elapsed,
		)
	}

	if ctx.Err() != nil {
		finish(ReasonCancelled)
		return
	}
	if total == 0 {
		finish(ReasonExhausted)
		return
	}

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		var tick time.Time
		select {
		case <-ctx.Done():
			finish(ReasonCancelled)
			return
		case tick = <-ticker.C:
		}

		// Both channels may have been ready; cancellation wins.
		if ctx.Err() != nil {
			finish(ReasonCancelled)
			return
		}
		if !p.transport.Open() {
			finish(ReasonTransportClosed)
			return
		}
		id, ok := p.gate.StreamID()
		if !ok {
			finish(ReasonSessionInactive)
			return
		}

		data, err := mediastream.MarshalMedia(id, buf.Frame(sent, p.frameSize))
		if err != nil {
			finish(ReasonSendFailed)
			return
		}
		if err := p.transport.Send(sendCtx, data); err != nil {
			p.logger.Debug("frame send failed", "frame", sent, "err", err)
			if ctx.Err() != nil {
				finish(ReasonCancelled)
			} else {
				finish(ReasonSendFailed)
			}
			return
		}
		sent++
		if p.metrics != nil {
			p.metrics.RecordFrameSent(sendCtx, time.Since(tick))
		}

		if sent == total {
			finish(ReasonExhausted)
			return
		}
	}
}

// Task is a handle to one scheduled delivery of a buffer.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result // written before done is closed
}

// Cancel stops the task. No frame is sent once the task has observed the
// cancellation; a frame already being written completes. Cancel is
// idempotent and safe to call after the task has finished.
func (t *Task) Cancel() {
	t.cancel()
}

// Done returns a channel that is closed when the task has stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task has stopped and returns its result.
func (t *Task) Wait() Result {
	<-t.done
	return t.result
}

// Result returns the task's result and true if it has stopped, or the zero
// Result and false if it is still running.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}
