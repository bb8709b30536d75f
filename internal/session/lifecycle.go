// Package session implements the per-connection media session lifecycle.
//
// A session starts Pending, becomes Active when the provider's start signal
// assigns it a stream identifier, and ends Closed on a stop signal or when the
// transport goes away. [Transition] is a pure function from (session, signal)
// to (session, effects) so that the lifecycle can be tested without a live
// connection; the caller performs the returned effects.
package session

// State is the lifecycle state of a [Session].
type State int

const (
	// StatePending is the initial state: connected, but no stream identifier yet.
	StatePending State = iota

	// StateActive means the stream identifier is known and audio may be sent.
	StateActive

	// StateClosed is terminal. No signal leaves it.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the lifecycle record of one media stream connection. ID is set
// exactly once, by the first valid start signal, and is kept after close for
// logging.
type Session struct {
	ID    string
	State State
}

// CanSend reports whether frames may be emitted for s.
func (s Session) CanSend() bool {
	return s.State == StateActive && s.ID != ""
}

// SignalKind classifies an inbound [Signal].
type SignalKind int

const (
	// SignalStart carries the stream identifier assigned by the provider.
	SignalStart SignalKind = iota

	// SignalMedia is inbound caller audio. It never changes state.
	SignalMedia

	// SignalStop is the provider ending the stream.
	SignalStop

	// SignalTransportClosed is raised by the transport layer, not the protocol.
	SignalTransportClosed

	// SignalMalformed is an inbound message that could not be understood.
	SignalMalformed

	// SignalOther is a well-formed message the lifecycle does not act on.
	SignalOther
)

// String returns the human-readable name of the signal kind.
func (k SignalKind) String() string {
	switch k {
	case SignalStart:
		return "start"
	case SignalMedia:
		return "media"
	case SignalStop:
		return "stop"
	case SignalTransportClosed:
		return "transport_closed"
	case SignalMalformed:
		return "malformed"
	case SignalOther:
		return "other"
	default:
		return "unknown"
	}
}

// Signal is one input to the lifecycle.
type Signal struct {
	Kind SignalKind

	// StreamID is the identifier carried by a SignalStart. Ignored otherwise.
	StreamID string
}

// Start returns a start signal for id.
func Start(id string) Signal { return Signal{Kind: SignalStart, StreamID: id} }

// Effect is a side effect the caller must perform after a transition.
type Effect int

const (
	// EffectStartPlayback begins rendering and pacing audio for the session.
	EffectStartPlayback Effect = iota

	// EffectCancelPlayback cancels any pending or in-flight playback.
	EffectCancelPlayback
)

// String returns the human-readable name of the effect.
func (e Effect) String() string {
	switch e {
	case EffectStartPlayback:
		return "start_playback"
	case EffectCancelPlayback:
		return "cancel_playback"
	default:
		return "unknown"
	}
}

// Transition applies sig to s and returns the next session together with the
// effects to perform, in order. Signals that do not apply leave s unchanged
// and produce no effects.
func Transition(s Session, sig Signal) (Session, []Effect) {
	if s.State == StateClosed {
		return s, nil
	}

	switch sig.Kind {
	case SignalStart:
		// A second start on an active session is ignored; playback is not
		// re-triggered.
		if s.State != StatePending || sig.StreamID == "" {
			return s, nil
		}
		return Session{ID: sig.StreamID, State: StateActive}, []Effect{EffectStartPlayback}

	case SignalStop, SignalTransportClosed:
		next := Session{ID: s.ID, State: StateClosed}
		if s.State == StateActive {
			return next, []Effect{EffectCancelPlayback}
		}
		return next, nil

	default:
		return s, nil
	}
}
