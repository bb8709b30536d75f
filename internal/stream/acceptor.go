// Package stream accepts media stream WebSocket connections and drives one
// isolated session per connection: inbound messages are mapped to lifecycle
// signals, and a session that becomes active gets its audio paced out frame
// by frame.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/callstore"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/pacer"
)

// DefaultWarmup is the delay between a session becoming active and its audio
// being rendered and scheduled.
const DefaultWarmup = 150 * time.Millisecond

// DefaultPath is the HTTP path the acceptor is usually mounted on.
const DefaultPath = "/twilio/stream"

// ErrDraining is reported by [Acceptor.Ready] once shutdown has begun.
var ErrDraining = errors.New("stream: acceptor is draining")

// Option configures an [Acceptor].
type Option func(*Acceptor)

// WithWarmup sets the function consulted for the warm-up delay of each new
// session. A negative result is treated as zero.
func WithWarmup(fn func() time.Duration) Option {
	return func(a *Acceptor) {
		if fn != nil {
			a.warmup = fn
		}
	}
}

// WithMetrics records connection, message and playback metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Acceptor) { a.metrics = m }
}

// WithStore records a [callstore.Record] for every session that starts.
func WithStore(s callstore.Store) Option {
	return func(a *Acceptor) { a.store = s }
}

// WithPacerOptions passes opts to every per-connection [pacer.Pacer].
func WithPacerOptions(opts ...pacer.Option) Option {
	return func(a *Acceptor) { a.pacerOpts = append(a.pacerOpts, opts...) }
}

// WithLogger sets the base logger for connection and playback records.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *Acceptor) { a.logger = l }
}

// WithAcceptOptions overrides the options passed to [websocket.Accept].
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(a *Acceptor) { a.acceptOpts = opts }
}

// Acceptor is an [http.Handler] that upgrades requests to media stream
// WebSocket connections. Connections share nothing but the acceptor's
// configuration.
type Acceptor struct {
	source     Source
	warmup     func() time.Duration
	metrics    *observe.Metrics
	store      callstore.Store
	pacerOpts  []pacer.Option
	acceptOpts *websocket.AcceptOptions
	logger     *slog.Logger

	mu       sync.Mutex
	conns    map[*conn]struct{}
	draining bool
}

// NewAcceptor returns an Acceptor that plays audio rendered by source to
// every session that starts.
func NewAcceptor(source Source, opts ...Option) *Acceptor {
	a := &Acceptor{
		source: source,
		warmup: func() time.Duration { return DefaultWarmup },
		conns:  make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ServeHTTP upgrades the request and serves the connection until the peer
// goes away or the acceptor shuts down.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.isDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, a.acceptOpts)
	if err != nil {
		// Accept has already written an error response.
		slog.Debug("stream: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		id:       uuid.NewString(),
		acceptor: a,
		ws:       ws,
		done:     make(chan struct{}),
	}
	if !a.register(c) {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer a.unregister(c)

	c.serve(r.Context())
}

// Active returns the number of open connections.
func (a *Acceptor) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Ready returns [ErrDraining] once [Acceptor.Shutdown] has been called.
func (a *Acceptor) Ready(context.Context) error {
	if a.isDraining() {
		return ErrDraining
	}
	return nil
}

// Shutdown stops accepting connections, closes every open connection with
// StatusGoingAway, and waits for their handlers to finish. Connections still
// open when ctx expires are closed forcibly and ctx's error is returned.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.draining = true
	conns := make([]*conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			go c.ws.Close(websocket.StatusGoingAway, "server shutting down")
			select {
			case <-c.done:
				return nil
			case <-gctx.Done():
				c.ws.CloseNow()
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

func (a *Acceptor) isDraining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draining
}

func (a *Acceptor) register(c *conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return false
	}
	a.conns[c] = struct{}{}
	return true
}

func (a *Acceptor) unregister(c *conn) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}
