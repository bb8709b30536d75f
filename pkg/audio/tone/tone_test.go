package tone

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

func TestGenerate_SampleCount(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want int
	}{
		{"default 600ms at 8k", DefaultParams(), 4800},
		{"fractional floor", Params{FrequencyHz: 440, Duration: time.Millisecond, SampleRateHz: 44100, Amplitude: 0.5}, 44},
		{"16k", Params{FrequencyHz: 440, Duration: 100 * time.Millisecond, SampleRateHz: 16000, Amplitude: 0.5}, 1600},
		{"zero duration", Params{FrequencyHz: 440, SampleRateHz: 8000, Amplitude: 0.5}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Generate(tc.p)
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
			if tc.p.SampleCount() != tc.want {
				t.Errorf("SampleCount = %d, want %d", tc.p.SampleCount(), tc.want)
			}
		})
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate(DefaultParams())
	b := Generate(DefaultParams())
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestGenerate_EnvelopeEdges(t *testing.T) {
	pcm := Generate(DefaultParams())
	if pcm[0] != 0 {
		t.Errorf("first sample = %d, want 0 (attack starts silent)", pcm[0])
	}
	// The last sample has release gain 1/80, so it must be tiny.
	if last := pcm[len(pcm)-1]; last > 200 || last < -200 {
		t.Errorf("last sample = %d, want near zero", last)
	}
}

func TestGenerate_MatchesFormula(t *testing.T) {
	p := DefaultParams()
	pcm := Generate(p)
	n := len(pcm)
	for _, i := range []int{1, 40, 79, 80, 81, 1000, 2400, n - 81, n - 80, n - 1} {
		env := math.Min(math.Min(1, float64(i)/80), math.Min(1, float64(n-i)/80))
		v := math.Sin(2*math.Pi*p.FrequencyHz*float64(i)/float64(p.SampleRateHz)) * p.Amplitude * env
		want := int16(v * 32767)
		if pcm[i] != want {
			t.Errorf("sample %d = %d, want %d", i, pcm[i], want)
		}
	}
}

func TestGenerate_PeakBoundedByAmplitude(t *testing.T) {
	p := DefaultParams()
	limit := int16(p.Amplitude*math.MaxInt16) + 1
	var peak int16
	for _, s := range Generate(p) {
		if s > peak {
			peak = s
		}
		if s > limit || s < -limit {
			t.Fatalf("sample %d exceeds amplitude bound %d", s, limit)
		}
	}
	if peak < limit-200 {
		t.Errorf("peak = %d, want close to %d", peak, limit)
	}
}

func TestGenerate_ClampsFullScale(t *testing.T) {
	p := Params{FrequencyHz: 1000, Duration: 50 * time.Millisecond, SampleRateHz: audio.SampleRate, Amplitude: 1}
	for i, s := range Generate(p) {
		if s == math.MinInt16 {
			t.Fatalf("sample %d reached -32768; clamping should stop at -32767", i)
		}
	}
}

func TestGenerate_OverdrivenAmplitudeSaturates(t *testing.T) {
	p := Params{FrequencyHz: 400, Duration: 100 * time.Millisecond, SampleRateHz: audio.SampleRate, Amplitude: 2}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	var peaks, troughs int
	for i, s := range Generate(p) {
		if s == math.MinInt16 {
			t.Fatalf("sample %d reached -32768", i)
		}
		switch s {
		case math.MaxInt16:
			peaks++
		case -math.MaxInt16:
			troughs++
		}
	}
	// 40 cycles, each spending a third of its time above half scale.
	if peaks < 100 || troughs < 100 {
		t.Errorf("got %d samples at +full scale and %d at -full scale, want a clipped wave", peaks, troughs)
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr bool
	}{
		{"default", func(*Params) {}, false},
		{"zero frequency", func(p *Params) { p.FrequencyHz = 0 }, true},
		{"nyquist", func(p *Params) { p.FrequencyHz = 4000 }, true},
		{"zero rate", func(p *Params) { p.SampleRateHz = 0 }, true},
		{"negative duration", func(p *Params) { p.Duration = -time.Second }, true},
		{"amplitude above one", func(p *Params) { p.Amplitude = 1.5 }, false},
		{"zero amplitude", func(p *Params) { p.Amplitude = 0 }, true},
		{"negative amplitude", func(p *Params) { p.Amplitude = -0.5 }, true},
		{"infinite amplitude", func(p *Params) { p.Amplitude = math.Inf(1) }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			err := p.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
