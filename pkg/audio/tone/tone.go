// Package tone renders shaped sine tones as linear PCM.
//
// [Generate] is pure: the same [Params] always produce the same buffer, which
// makes the output suitable for golden comparisons in tests.
package tone

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// RampSamples is the length of the linear fade-in and fade-out applied to
// every tone. At 8 kHz it spans 10 ms.
const RampSamples = 80

// Params describes a tone to render.
type Params struct {
	// FrequencyHz is the pitch of the sine wave.
	FrequencyHz float64

	// Duration is the playback length. The sample count is
	// floor(Duration/1s × SampleRateHz).
	Duration time.Duration

	// SampleRateHz is the sample rate of the rendered buffer.
	SampleRateHz int

	// Amplitude scales the wave relative to full scale. It must be positive;
	// values above 1 saturate, since each sample is clamped to full scale.
	Amplitude float64
}

// DefaultParams returns the tone played to a caller once their media stream
// starts: 600 ms of A4 at 8 kHz and 35 % of full scale.
func DefaultParams() Params {
	return Params{
		FrequencyHz:  440,
		Duration:     600 * time.Millisecond,
		SampleRateHz: audio.SampleRate,
		Amplitude:    0.35,
	}
}

// Validate reports whether p describes a renderable tone.
func (p Params) Validate() error {
	var errs []error
	if p.FrequencyHz <= 0 {
		errs = append(errs, fmt.Errorf("tone: frequency %.2f Hz must be positive", p.FrequencyHz))
	}
	if p.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tone: sample rate %d Hz must be positive", p.SampleRateHz))
	} else if p.FrequencyHz >= float64(p.SampleRateHz)/2 {
		errs = append(errs, fmt.Errorf("tone: frequency %.2f Hz is at or above the Nyquist limit of %d Hz", p.FrequencyHz, p.SampleRateHz/2))
	}
	if p.Duration <= 0 {
		errs = append(errs, fmt.Errorf("tone: duration %v must be positive", p.Duration))
	}
	if p.Amplitude <= 0 || math.IsInf(p.Amplitude, 0) || math.IsNaN(p.Amplitude) {
		errs = append(errs, fmt.Errorf("tone: amplitude %.2f must be positive and finite", p.Amplitude))
	}
	return errors.Join(errs...)
}

// SampleCount returns the number of samples [Generate] renders for p.
func (p Params) SampleCount() int {
	if p.Duration <= 0 || p.SampleRateHz <= 0 {
		return 0
	}
	return int(int64(p.Duration) * int64(p.SampleRateHz) / int64(time.Second))
}

// Generate renders p as mono PCM at p.SampleRateHz. Invalid parameters that
// yield no samples produce an empty buffer.
func Generate(p Params) audio.PCMBuffer {
	n := p.SampleCount()
	out := make(audio.PCMBuffer, n)
	rate := float64(p.SampleRateHz)
	for i := range out {
		v := math.Sin(2*math.Pi*p.FrequencyHz*float64(i)/rate) * p.Amplitude * envelope(i, n)
		v = max(-1, min(1, v))
		out[i] = int16(v * math.MaxInt16)
	}
	return out
}

// envelope is the gain at sample i of an n-sample tone: a linear ramp up over
// the first RampSamples and down over the last RampSamples.
func envelope(i, n int) float64 {
	attack := min(1, float64(i)/RampSamples)
	release := min(1, float64(n-i)/RampSamples)
	return min(attack, release)
}
