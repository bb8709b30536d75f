package pacer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/mediastream"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// sent is one message captured by fakeTransport.
type sent struct {
	at  time.Time
	msg mediastream.OutboundMedia
}

// fakeTransport records every message and can be closed or made to fail.
type fakeTransport struct {
	mu     sync.Mutex
	msgs   []sent
	closed atomic.Bool

	// onSend, if set, runs after each successful send with the running count.
	onSend func(n int)
	// failAt makes the n-th send (1-based) return an error.
	failAt int
}

func (f *fakeTransport) Open() bool { return !f.closed.Load() }

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	var out mediastream.OutboundMedia
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	f.mu.Lock()
	n := len(f.msgs) + 1
	if f.failAt == n {
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, sent{at: time.Now(), msg: out})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeTransport) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func activeGate(id string) Gate {
	return GateFunc(func() (string, bool) { return id, true })
}

// ramp returns a buffer whose byte i is i%251, so frame order is checkable.
func ramp(n int) audio.EncodedBuffer {
	buf := make(audio.EncodedBuffer, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func waitResult(t *testing.T, task *Task) Result {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
	return task.Wait()
}

func reassemble(t *testing.T, msgs []sent) []byte {
	t.Helper()
	var out []byte
	for i, m := range msgs {
		b, err := m.msg.Media.Decode()
		if err != nil {
			t.Fatalf("message %d: decode payload: %v", i, err)
		}
		out = append(out, b...)
	}
	return out
}

func TestStart_SendsAllFramesInOrder(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantFrames int
		lastLen    int
	}{
		{"exact multiple", 4800, 30, 160},
		{"partial final frame", 500, 4, 20},
		{"single short frame", 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			p := New(activeGate("CA123"), tr, WithPeriod(time.Millisecond))
			buf := ramp(tt.size)

			res := waitResult(t, p.Start(context.Background(), buf))
			if res.Reason != ReasonExhausted {
				t.Errorf("reason = %q, want %q", res.Reason, ReasonExhausted)
			}
			if res.FramesSent != tt.wantFrames {
				t.Errorf("FramesSent = %d, want %d", res.FramesSent, tt.wantFrames)
			}

			msgs := tr.messages()
			if len(msgs) != tt.wantFrames {
				t.Fatalf("got %d messages, want %d", len(msgs), tt.wantFrames)
			}
			for i, m := range msgs {
				if m.msg.Event != mediastream.EventMedia {
					t.Errorf("message %d: event = %q", i, m.msg.Event)
				}
				if m.msg.StreamSid != "CA123" {
					t.Errorf("message %d: streamSid = %q", i, m.msg.StreamSid)
				}
			}
			last, _ := msgs[len(msgs)-1].msg.Media.Decode()
			if len(last) != tt.lastLen {
				t.Errorf("last frame length = %d, want %d", len(last), tt.lastLen)
			}
			if got := reassemble(t, msgs); !bytes.Equal(got, buf) {
				t.Error("reassembled payloads differ from the source buffer")
			}
		})
	}
}

func TestStart_EmptyBufferSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	p := New(activeGate("CA1"), tr, WithPeriod(time.Millisecond))

	res := waitResult(t, p.Start(context.Background(), nil))
	if res.Reason != ReasonExhausted || res.FramesSent != 0 {
		t.Errorf("result = %+v, want exhausted with 0 frames", res)
	}
	if n := len(tr.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestStart_InactiveGateSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	gate := GateFunc(func() (string, bool) { return "", false })
	p := New(gate, tr, WithPeriod(time.Millisecond))

	res := waitResult(t, p.Start(context.Background(), ramp(4800)))
	if res.Reason != ReasonSessionInactive {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonSessionInactive)
	}
	if n := len(tr.messages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestStart_GateClosesMidPlayback(t *testing.T) {
	var active atomic.Bool
	active.Store(true)
	tr := &fakeTransport{}
	tr.onSend = func(n int) {
		if n == 3 {
			active.Store(false)
		}
	}
	gate := GateFunc(func() (string, bool) { return "MZ1", active.Load() })
	p := New(gate, tr, WithPeriod(time.Millisecond))

	res := waitResult(t, p.Start(context.Background(), ramp(4800)))
	if res.Reason != ReasonSessionInactive {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonSessionInactive)
	}
	if res.FramesSent != 3 || len(tr.messages()) != 3 {
		t.Errorf("FramesSent = %d, messages = %d, want 3", res.FramesSent, len(tr.messages()))
	}
}

func TestStart_TransportClosedMidPlayback(t *testing.T) {
	tr := &fakeTransport{}
	tr.onSend = func(n int) {
		if n == 2 {
			tr.closed.Store(true)
		}
	}
	p := New(activeGate("MZ1"), tr, WithPeriod(time.Millisecond))

	res := waitResult(t, p.Start(context.Background(), ramp(4800)))
	if res.Reason != ReasonTransportClosed {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonTransportClosed)
	}
	if res.FramesSent != 2 {
		t.Errorf("FramesSent = %d, want 2", res.FramesSent)
	}
}

func TestStart_SendFailureEndsTask(t *testing.T) {
	tr := &fakeTransport{failAt: 2}
	p := New(activeGate("MZ1"), tr, WithPeriod(time.Millisecond))

	res := waitResult(t, p.Start(context.Background(), ramp(4800)))
	if res.Reason != ReasonSendFailed {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonSendFailed)
	}
	if res.FramesSent != 1 {
		t.Errorf("FramesSent = %d, want 1", res.FramesSent)
	}
}

func TestStart_ParentCancelAfterThreeFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &fakeTransport{}
	tr.onSend = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	p := New(activeGate("MZ1"), tr, WithPeriod(time.Millisecond))

	res := waitResult(t, p.Start(ctx, ramp(4800)))
	if res.Reason != ReasonCancelled {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonCancelled)
	}
	if res.FramesSent != 3 {
		t.Errorf("FramesSent = %d, want 3", res.FramesSent)
	}
	// Nothing more may arrive after the task reported its end.
	time.Sleep(10 * time.Millisecond)
	if n := len(tr.messages()); n != 3 {
		t.Errorf("messages after cancel = %d, want 3", n)
	}
}

func TestTask_CancelBeforeFirstFrame(t *testing.T) {
	tr := &fakeTransport{}
	p := New(activeGate("MZ1"), tr, WithPeriod(time.Hour))

	task := p.Start(context.Background(), ramp(4800))
	task.Cancel()
	task.Cancel() // idempotent

	res := waitResult(t, task)
	if res.Reason != ReasonCancelled || res.FramesSent != 0 {
		t.Errorf("result = %+v, want cancelled with 0 frames", res)
	}
	task.Cancel() // safe after completion
}

func TestTask_ResultNonBlocking(t *testing.T) {
	p := New(activeGate("MZ1"), &fakeTransport{}, WithPeriod(time.Hour))
	task := p.Start(context.Background(), ramp(160))

	if _, ok := task.Result(); ok {
		t.Error("Result reported done for a running task")
	}
	task.Cancel()
	waitResult(t, task)
	if res, ok := task.Result(); !ok || res.Reason != ReasonCancelled {
		t.Errorf("Result() = %+v, %v; want cancelled, true", res, ok)
	}
}

func TestPacer_StopCancelsCurrent(t *testing.T) {
	p := New(activeGate("MZ1"), &fakeTransport{}, WithPeriod(time.Hour))
	p.Stop() // no task yet

	task := p.Start(context.Background(), ramp(160))
	if p.Current() != task {
		t.Error("Current did not return the started task")
	}
	p.Stop()
	p.Stop()
	if res := waitResult(t, task); res.Reason != ReasonCancelled {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonCancelled)
	}
}

func TestPacer_RestartCancelsPriorTask(t *testing.T) {
	first := bytes.Repeat([]byte{0x11}, 160*100)
	second := bytes.Repeat([]byte{0x22}, 160*2)

	twoSent := make(chan struct{})
	var once sync.Once
	tr := &fakeTransport{}
	tr.onSend = func(n int) {
		if n == 2 {
			once.Do(func() { close(twoSent) })
		}
	}
	p := New(activeGate("MZ1"), tr, WithPeriod(2*time.Millisecond))

	a := p.Start(context.Background(), first)
	select {
	case <-twoSent:
	case <-time.After(5 * time.Second):
		t.Fatal("first task never sent two frames")
	}
	b := p.Start(context.Background(), second)

	resA := waitResult(t, a)
	resB := waitResult(t, b)
	if resA.Reason != ReasonCancelled {
		t.Errorf("first task reason = %q, want %q", resA.Reason, ReasonCancelled)
	}
	if resB.Reason != ReasonExhausted || resB.FramesSent != 2 {
		t.Errorf("second task result = %+v, want exhausted with 2 frames", resB)
	}

	msgs := tr.messages()
	if len(msgs) != resA.FramesSent+2 {
		t.Fatalf("messages = %d, want %d", len(msgs), resA.FramesSent+2)
	}
	seenSecond := false
	for i, m := range msgs {
		payload, _ := m.msg.Media.Decode()
		switch payload[0] {
		case 0x22:
			seenSecond = true
		case 0x11:
			if seenSecond {
				t.Fatalf("message %d belongs to the cancelled task but arrived after the new one started", i)
			}
		}
	}
}

func TestStart_RealTimeCadence(t *testing.T) {
	// Each gap between frames stays within gapTolerance of the period, and
	// frame i never drifts more than driftBound from i periods after Start.
	gapTolerance, driftBound := 5*time.Millisecond, 10*time.Millisecond
	if testing.Short() {
		gapTolerance, driftBound = 15*time.Millisecond, 30*time.Millisecond
	}

	tr := &fakeTransport{}
	p := New(activeGate("CA123"), tr)

	begin := time.Now()
	res := waitResult(t, p.Start(context.Background(), ramp(4800)))
	if res.FramesSent != 30 {
		t.Fatalf("FramesSent = %d, want 30", res.FramesSent)
	}

	msgs := tr.messages()
	prev := begin
	for i, m := range msgs {
		gap := m.at.Sub(prev)
		if gap < audio.FrameDuration-gapTolerance || gap > audio.FrameDuration+gapTolerance {
			t.Errorf("gap before frame %d = %v, want %v ± %v", i, gap, audio.FrameDuration, gapTolerance)
		}
		prev = m.at

		want := time.Duration(i+1) * audio.FrameDuration
		if drift := m.at.Sub(begin) - want; drift < -driftBound || drift > driftBound {
			t.Errorf("frame %d drifted %v from its slot at %v, bound ± %v", i, drift, want, driftBound)
		}
	}
	if res.Elapsed < 600*time.Millisecond-driftBound {
		t.Errorf("elapsed = %v, want about 600ms", res.Elapsed)
	}
}

func TestStart_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := New(activeGate("MZ1"), &fakeTransport{}, WithPeriod(time.Millisecond), WithMetrics(m))
	waitResult(t, p.Start(context.Background(), ramp(800)))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := int64Sum(rm, "callbridge.frames.sent", ""); got != 5 {
		t.Errorf("frames.sent = %d, want 5", got)
	}
	if got := int64Sum(rm, "callbridge.playback.ends", string(ReasonExhausted)); got != 1 {
		t.Errorf("playback.ends{reason=exhausted} = %d, want 1", got)
	}
}

// int64Sum returns the value of an int64 sum metric, filtered to the data
// point whose "reason" attribute equals reason when reason is non-empty.
func int64Sum(rm metricdata.ResourceMetrics, name, reason string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if reason != "" {
					v, ok := dp.Attributes.Value("reason")
					if !ok || v.AsString() != reason {
						continue
					}
				}
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
