package stream

import (
	"context"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/mulaw"
	"github.com/MrWong99/callbridge/pkg/audio/tone"
)

// Source renders the complete audio buffer played to a session. Render is
// called once per session, after the warm-up delay.
type Source interface {
	Render(ctx context.Context) (audio.EncodedBuffer, error)
}

// SourceFunc adapts a function to the [Source] interface.
type SourceFunc func(ctx context.Context) (audio.EncodedBuffer, error)

// Render implements [Source].
func (f SourceFunc) Render(ctx context.Context) (audio.EncodedBuffer, error) { return f(ctx) }

// ToneSource renders a shaped sine tone as 8 kHz µ-law.
type ToneSource struct {
	params func() tone.Params
}

// NewToneSource returns a ToneSource that reads its parameters from params on
// every render, so configuration changes apply to the next session. A nil
// params selects [tone.DefaultParams].
func NewToneSource(params func() tone.Params) *ToneSource {
	if params == nil {
		params = tone.DefaultParams
	}
	return &ToneSource{params: params}
}

// Render implements [Source]. A tone generated at a rate other than
// [audio.SampleRate] is resampled before encoding.
func (s *ToneSource) Render(_ context.Context) (audio.EncodedBuffer, error) {
	p := s.params()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("stream: tone source: %w", err)
	}
	pcm := tone.Generate(p)
	if p.SampleRateHz != audio.SampleRate {
		pcm = audio.ResampleMono16(pcm, p.SampleRateHz, audio.SampleRate)
	}
	return mulaw.Encode(pcm), nil
}
