package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callbridge/internal/callstore"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/pacer"
	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/mediastream"
)

const (
	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 5 * time.Second

	// storeTimeout bounds call record writes made while a connection closes.
	storeTimeout = 5 * time.Second
)

// reasonRenderFailed is recorded when the source could not produce audio.
const reasonRenderFailed = "render_failed"

// conn is the server side of one media stream connection. The session is
// owned by the goroutine running serve; the pacer reads it through snapshot.
// The pacer exists once the session has started.
type conn struct {
	id       string
	acceptor *Acceptor
	ws       *websocket.Conn
	done     chan struct{}
	logger   *slog.Logger

	closed   atomic.Bool
	snapshot atomic.Pointer[session.Session]

	sess      session.Session
	callSID   string
	startedAt time.Time
	pacer     *pacer.Pacer

	playWG     sync.WaitGroup
	stopPlay   context.CancelFunc
	framesSent int    // written by the playback goroutine, read after playWG.Wait
	endReason  string // same
}

// Open implements [pacer.Transport].
func (c *conn) Open() bool { return !c.closed.Load() }

// Send implements [pacer.Transport].
func (c *conn) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("stream: write frame: %w", err)
	}
	return nil
}

// StreamID implements [pacer.Gate].
func (c *conn) StreamID() (string, bool) {
	s := c.snapshot.Load()
	if s == nil || !s.CanSend() {
		return "", false
	}
	return s.ID, true
}

func (c *conn) serve(ctx context.Context) {
	defer close(c.done)

	ctx, span := observe.StartSpan(ctx, "stream.connection",
		trace.WithAttributes(attribute.String("conn_id", c.id)))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := c.acceptor
	c.logger = observe.LoggerFrom(ctx, a.logger, "conn_id", c.id)
	c.snapshot.Store(&session.Session{State: session.StatePending})

	if a.metrics != nil {
		a.metrics.ActiveSessions.Add(ctx, 1)
		defer a.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	c.logger.Info("stream connected")

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.logger.Debug("stream read ended", "err", err, "close_status", websocket.CloseStatus(err))
			break
		}
		c.handle(ctx, data)
	}

	c.closed.Store(true)
	c.apply(ctx, session.Signal{Kind: session.SignalTransportClosed})
	c.playWG.Wait()
	c.finishRecord(ctx)
	c.ws.CloseNow()

	span.SetAttributes(
		attribute.String("stream_sid", c.sess.ID),
		attribute.Int("frames", c.framesSent),
	)
	c.logger.Info("stream closed",
		"stream_sid", c.sess.ID,
		"frames", c.framesSent,
		"reason", c.endReason,
	)
}

// handle decodes one inbound message and feeds it to the lifecycle.
// Malformed input is dropped without a state change.
func (c *conn) handle(ctx context.Context, data []byte) {
	msg, err := mediastream.Parse(data)
	if err != nil {
		c.malformed(ctx, "unparseable message", err)
		return
	}
	c.recordInbound(ctx, msg.Event)

	var sig session.Signal
	switch msg.Event {
	case mediastream.EventStart:
		sid, ok := msg.StartedStreamSid()
		if !ok {
			c.malformed(ctx, "start without streamSid", nil)
			return
		}
		sig = session.Start(sid)
		if c.sess.State == session.StatePending {
			c.callSID = msg.Start.CallSid
		}
	case mediastream.EventMedia:
		sig = session.Signal{Kind: session.SignalMedia}
	case mediastream.EventStop:
		sig = session.Signal{Kind: session.SignalStop}
	default:
		sig = session.Signal{Kind: session.SignalOther}
	}
	c.apply(ctx, sig)
}

func (c *conn) malformed(ctx context.Context, msg string, err error) {
	if c.acceptor.metrics != nil {
		c.acceptor.metrics.RecordMalformed(ctx)
	}
	c.logger.Debug("dropping malformed stream message", "detail", msg, "err", err)
	c.apply(ctx, session.Signal{Kind: session.SignalMalformed})
}

func (c *conn) recordInbound(ctx context.Context, event string) {
	if c.acceptor.metrics != nil {
		c.acceptor.metrics.RecordInbound(ctx, event)
	}
}

// apply runs the lifecycle transition for sig and performs its effects.
func (c *conn) apply(ctx context.Context, sig session.Signal) {
	next, effects := session.Transition(c.sess, sig)
	if next != c.sess {
		c.logger.Debug("session transition",
			"signal", sig.Kind.String(),
			"from", c.sess.State.String(),
			"to", next.State.String(),
			"stream_sid", next.ID,
		)
		c.sess = next
		c.snapshot.Store(&next)
	}

	for _, e := range effects {
		switch e {
		case session.EffectStartPlayback:
			c.startPlayback(ctx)
		case session.EffectCancelPlayback:
			c.cancelPlayback()
		}
	}
}

// startPlayback waits out the warm-up delay, renders the source and hands the
// buffer to the pacer. Everything after the warm-up runs on its own goroutine
// so the read loop keeps consuming messages.
func (c *conn) startPlayback(ctx context.Context) {
	a := c.acceptor
	c.startedAt = time.Now()
	c.logger = c.logger.With("stream_sid", c.sess.ID)
	c.logger.Info("stream started", "call_sid", c.callSID)
	c.pacer = c.newPacer()

	if a.metrics != nil {
		a.metrics.SessionsStarted.Add(ctx, 1)
	}
	if a.store != nil {
		rec := callstore.Record{
			StreamSID: c.sess.ID,
			CallSID:   c.callSID,
			ConnID:    c.id,
			StartedAt: c.startedAt,
		}
		if err := a.store.Begin(ctx, rec); err != nil {
			c.logger.Warn("failed to record call start", "err", err)
		}
	}

	playCtx, stop := context.WithCancel(ctx)
	c.stopPlay = stop
	warmup := max(a.warmup(), 0)

	c.playWG.Add(1)
	go func() {
		defer c.playWG.Done()
		defer stop()

		t := time.NewTimer(warmup)
		select {
		case <-playCtx.Done():
			t.Stop()
			c.endReason = string(pacer.ReasonCancelled)
			return
		case <-t.C:
		}

		buf, err := a.source.Render(playCtx)
		if err != nil {
			c.logger.Error("failed to render audio", "err", err)
			c.endReason = reasonRenderFailed
			return
		}

		// Writes are bound to the connection, cancellation to playCtx.
		task := c.pacer.Start(ctx, buf)
		unhook := context.AfterFunc(playCtx, task.Cancel)
		defer unhook()

		res := task.Wait()
		c.framesSent = res.FramesSent
		c.endReason = string(res.Reason)
	}()
}

// newPacer builds the session's pacer once the stream identifier is known,
// so its log lines carry stream_sid.
func (c *conn) newPacer() *pacer.Pacer {
	a := c.acceptor
	opts := append([]pacer.Option{pacer.WithLogger(c.logger)}, a.pacerOpts...)
	if a.metrics != nil {
		opts = append(opts, pacer.WithMetrics(a.metrics))
	}
	return pacer.New(c, c, opts...)
}

func (c *conn) cancelPlayback() {
	if c.stopPlay != nil {
		c.stopPlay()
	}
	if c.pacer != nil {
		c.pacer.Stop()
	}
}

func (c *conn) finishRecord(ctx context.Context) {
	store := c.acceptor.store
	if store == nil || c.sess.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	out := callstore.Outcome{
		EndedAt:    time.Now(),
		FramesSent: c.framesSent,
		EndReason:  c.endReason,
	}
	if err := store.Finish(ctx, c.sess.ID, out); err != nil {
		c.logger.Warn("failed to record call end", "err", err)
	}
}
