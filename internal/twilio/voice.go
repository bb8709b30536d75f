package twilio

import (
	"log/slog"
	"net/http"
)

// ModeOutbound is the only voice webhook mode that connects a media stream.
const ModeOutbound = "outbound"

// VoiceConfig controls the TwiML returned by [VoiceHandler].
type VoiceConfig struct {
	// StreamURL is the wss:// address of the media stream endpoint.
	StreamURL string

	// Greeting is spoken before the stream connects. Empty skips it.
	Greeting string

	// Voice and Language select the text-to-speech voice for Greeting.
	Voice    string
	Language string
}

// VoiceHandler answers Twilio voice webhooks (GET or POST) with TwiML that
// connects the call to the media stream. The mode is read from the query
// string or form body and defaults to [ModeOutbound].
type VoiceHandler struct {
	cfg VoiceConfig
}

// NewVoiceHandler returns a VoiceHandler for cfg.
func NewVoiceHandler(cfg VoiceConfig) *VoiceHandler {
	return &VoiceHandler{cfg: cfg}
}

// Register adds the voice webhook routes to mux.
func (h *VoiceHandler) Register(mux *http.ServeMux) {
	mux.Handle("GET /twilio/voice", h)
	mux.Handle("POST /twilio/voice", h)
}

// ServeHTTP implements [http.Handler].
func (h *VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mode := r.FormValue("mode")
	if mode == "" {
		mode = ModeOutbound
	}
	slog.Info("voice webhook", "mode", mode, "call_sid", r.FormValue("CallSid"))

	var doc Response
	if mode == ModeOutbound {
		greeting := Say{Voice: h.cfg.Voice, Language: h.cfg.Language, Text: h.cfg.Greeting}
		doc = ConnectStream(greeting, h.cfg.StreamURL, Parameter{Name: "mode", Value: mode})
	} else {
		doc = InvalidMode()
	}

	body, err := doc.Marshal()
	if err != nil {
		slog.Error("voice webhook: render twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(body)
}
