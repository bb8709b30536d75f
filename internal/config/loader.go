package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/pkg/audio/tone"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":10000"
	DefaultStreamPath  = "/twilio/stream"
	DefaultWarmup      = 150 * time.Millisecond
	DefaultGreeting    = "Connexion au serveur audio."
	DefaultVoice       = "alice"
	DefaultLanguage    = "fr-FR"
	DefaultRecentLimit = 50
	DefaultServiceName = "callbridge"
)

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment and defaults, and validates the
// result. An empty path loads a config from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return parse(nil, os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse decodes data, applies env overrides (when lookup is non-nil) and
// defaults, then validates.
func parse(data []byte, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the deployment environment variables that are
// set and non-empty:
//
//	PORT                     server.listen_addr (as ":PORT")
//	PUBLIC_URL               server.public_url
//	TWILIO_ACCOUNT_SID       twilio.account_sid
//	TWILIO_AUTH_TOKEN        twilio.auth_token
//	TWILIO_FROM_NUMBER       twilio.from_number
//	MY_PHONE                 twilio.to_number
//	CALLBRIDGE_POSTGRES_DSN  store.postgres_dsn
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	var port string
	set("PORT", &port)
	if port != "" {
		cfg.Server.ListenAddr = ":" + port
	}
	set("PUBLIC_URL", &cfg.Server.PublicURL)
	set("TWILIO_ACCOUNT_SID", &cfg.Twilio.AccountSID)
	set("TWILIO_AUTH_TOKEN", &cfg.Twilio.AuthToken)
	set("TWILIO_FROM_NUMBER", &cfg.Twilio.FromNumber)
	set("MY_PHONE", &cfg.Twilio.ToNumber)
	set("CALLBRIDGE_POSTGRES_DSN", &cfg.Store.PostgresDSN)
}

// ApplyDefaults fills zero-valued fields with their defaults. The tone
// section is defaulted field by field, so a file may override only the
// frequency, for example.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Stream.Path == "" {
		cfg.Stream.Path = DefaultStreamPath
	}
	if cfg.Stream.Warmup == 0 {
		cfg.Stream.Warmup = DefaultWarmup
	}

	def := tone.DefaultParams()
	if cfg.Tone.FrequencyHz == 0 {
		cfg.Tone.FrequencyHz = def.FrequencyHz
	}
	if cfg.Tone.Duration == 0 {
		cfg.Tone.Duration = def.Duration
	}
	if cfg.Tone.SampleRateHz == 0 {
		cfg.Tone.SampleRateHz = def.SampleRateHz
	}
	if cfg.Tone.Amplitude == 0 {
		cfg.Tone.Amplitude = def.Amplitude
	}

	if cfg.Twilio.Greeting == "" {
		cfg.Twilio.Greeting = DefaultGreeting
	}
	if cfg.Twilio.Voice == "" {
		cfg.Twilio.Voice = DefaultVoice
	}
	if cfg.Twilio.Language == "" {
		cfg.Twilio.Language = DefaultLanguage
	}
	if cfg.Store.RecentLimit == 0 {
		cfg.Store.RecentLimit = DefaultRecentLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.public_url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("server.public_url %q must use http or https", cfg.Server.PublicURL))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("server.public_url %q has no host", cfg.Server.PublicURL))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Stream
	if cfg.Stream.Path != "" && !strings.HasPrefix(cfg.Stream.Path, "/") {
		errs = append(errs, fmt.Errorf("stream.path %q must start with /", cfg.Stream.Path))
	}
	if cfg.Stream.Warmup < 0 {
		errs = append(errs, fmt.Errorf("stream.warmup %v must not be negative", cfg.Stream.Warmup))
	}

	// Tone
	if err := cfg.Tone.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tone: %w", err))
	}

	// Twilio
	tw := cfg.Twilio
	if (tw.AccountSID == "") != (tw.AuthToken == "") {
		errs = append(errs, errors.New("twilio.account_sid and twilio.auth_token must be set together"))
	}
	if tw.APIBaseURL != "" {
		if u, err := url.Parse(tw.APIBaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("twilio.api_base_url %q is not an absolute URL", tw.APIBaseURL))
		}
	}
	if tw.AccountSID != "" && cfg.Server.PublicURL == "" {
		slog.Warn("twilio credentials are set but server.public_url is empty; /test-call will be unavailable")
	}

	// Store
	if cfg.Store.RecentLimit < 0 {
		errs = append(errs, fmt.Errorf("store.recent_limit %d must not be negative", cfg.Store.RecentLimit))
	}

	return errors.Join(errs...)
}
