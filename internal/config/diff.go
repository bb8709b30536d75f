package config

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes are reported individually; everything else is listed in
// RestartRequired so the caller can warn that it will not take effect.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ToneChanged and WarmupChanged apply to streams started after the reload.
	ToneChanged   bool
	WarmupChanged bool

	// RestartRequired names the changed settings that only apply on restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ToneChanged || d.WarmupChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ToneChanged = old.Tone != new.Tone
	d.WarmupChanged = old.Stream.Warmup != new.Stream.Warmup

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.public_url", old.Server.PublicURL != new.Server.PublicURL)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("stream.path", old.Stream.Path != new.Stream.Path)
	restart("twilio", old.Twilio != new.Twilio)
	restart("store", old.Store != new.Store)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
