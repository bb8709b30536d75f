// Package mediastream defines the JSON messages exchanged with a telephony
// provider over a bidirectional media stream WebSocket.
//
// The provider sends a "connected" message once the socket is up, then a
// "start" message carrying the stream identifier, then any number of "media"
// messages, and finally "stop". The service answers with outbound "media"
// messages whose payload is base64-encoded 8 kHz µ-law audio.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names used in the "event" field of stream messages.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// EncodingMulaw is the media format advertised for 8 kHz µ-law audio.
const EncodingMulaw = "audio/x-mulaw"

// ErrMalformed is returned by [Parse] for payloads that are not a JSON object
// with an event name.
var ErrMalformed = errors.New("mediastream: malformed message")

// Inbound is a message received from the provider. Only the sub-object that
// matches Event is populated.
type Inbound struct {
	Event          string `json:"event"`
	StreamSid      string `json:"streamSid,omitempty"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`

	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *Start        `json:"start,omitempty"`
	Media *InboundMedia `json:"media,omitempty"`
	Stop  *Stop         `json:"stop,omitempty"`
	Mark  *Mark         `json:"mark,omitempty"`
}

// Start describes the stream that has just begun.
type Start struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat is the encoding of audio carried on the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// InboundMedia carries caller audio. The gateway ignores it; [InboundMedia.Decode]
// exposes the raw bytes when needed.
type InboundMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Stop is sent when the provider ends the stream.
type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Mark acknowledges a named marker previously sent by the service.
type Mark struct {
	Name string `json:"name"`
}

// Parse decodes one inbound message. It returns [ErrMalformed] when data is
// not a JSON object or carries no event name.
func Parse(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Event == "" {
		return Inbound{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return msg, nil
}

// StartedStreamSid returns the stream identifier carried by a start message.
// ok is false if msg is not a start message or has no identifier.
func (msg Inbound) StartedStreamSid() (sid string, ok bool) {
	if msg.Event != EventStart || msg.Start == nil || msg.Start.StreamSid == "" {
		return "", false
	}
	return msg.Start.StreamSid, true
}

// OutboundMedia is a frame of audio sent to the provider for playback.
type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// MediaPayload holds base64-encoded µ-law audio.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// NewMedia wraps frame in an outbound media message for streamSid.
func NewMedia(streamSid string, frame []byte) OutboundMedia {
	return OutboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
}

// MarshalMedia returns the JSON encoding of [NewMedia](streamSid, frame).
func MarshalMedia(streamSid string, frame []byte) ([]byte, error) {
	data, err := json.Marshal(NewMedia(streamSid, frame))
	if err != nil {
		return nil, fmt.Errorf("mediastream: marshal media: %w", err)
	}
	return data, nil
}

// Decode returns the raw audio bytes of the payload.
func (p MediaPayload) Decode() ([]byte, error) { return decodePayload(p.Payload) }

// Decode returns the raw µ-law bytes sent by the caller.
func (m InboundMedia) Decode() ([]byte, error) { return decodePayload(m.Payload) }

func decodePayload(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("mediastream: decode payload: %w", err)
	}
	return b, nil
}
