package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
)

func TestReload_AppliesHotFieldsOnly(t *testing.T) {
	t.Parallel()
	old, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	lv := new(slog.LevelVar)
	a, err := New(context.Background(), old, WithMetrics(m), WithLevelVar(lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Server.ListenAddr = ":9999"
	next.Tone.FrequencyHz = 880
	next.Stream.Warmup = 300 * time.Millisecond

	a.reload(old, &next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	cur := a.Config()
	if cur.Tone.FrequencyHz != 880 {
		t.Errorf("tone frequency = %v, want 880", cur.Tone.FrequencyHz)
	}
	if cur.Stream.Warmup != 300*time.Millisecond {
		t.Errorf("warmup = %v, want 300ms", cur.Stream.Warmup)
	}
	if cur.Server.ListenAddr != old.Server.ListenAddr {
		t.Errorf("listen_addr = %q, restart-only change must not apply", cur.Server.ListenAddr)
	}
	if old.Tone.FrequencyHz != 440 {
		t.Errorf("reload mutated the previous config: %+v", old.Tone)
	}
}

func TestReload_NoChangeKeepsConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a, err := New(context.Background(), cfg, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	same := *cfg
	a.reload(cfg, &same)
	if a.Config() != cfg {
		t.Error("reload without changes replaced the config")
	}
}

func TestVoiceWebhookURL(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"https://gw.example.com":   "https://gw.example.com/twilio/voice?mode=outbound",
		"https://gw.example.com//": "https://gw.example.com/twilio/voice?mode=outbound",
	} {
		if got := voiceWebhookURL(in); got != want {
			t.Errorf("voiceWebhookURL(%q) = %q, want %q", in, got, want)
		}
	}
}
