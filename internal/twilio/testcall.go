package twilio

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// TestCallConfig holds the numbers and callback used by [TestCallHandler].
type TestCallConfig struct {
	// To is the phone number that receives the test call.
	To string

	// From is the Twilio number the call is placed from.
	From string

	// VoiceURL is the voice webhook Twilio fetches when the call is answered.
	VoiceURL string
}

// TestCallHandler places an outbound call to a configured number so the
// whole pipeline can be exercised from a browser:
//
//	GET /test-call -> {"ok":true,"callSid":"CA..."}
type TestCallHandler struct {
	client *Client
	cfg    TestCallConfig
}

// NewTestCallHandler returns a TestCallHandler. client may be nil when no
// credentials are configured.
func NewTestCallHandler(client *Client, cfg TestCallConfig) *TestCallHandler {
	return &TestCallHandler{client: client, cfg: cfg}
}

// Register adds the test call route to mux.
func (h *TestCallHandler) Register(mux *http.ServeMux) {
	mux.Handle("GET /test-call", h)
}

// ServeHTTP implements [http.Handler].
func (h *TestCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.client == nil || !h.client.Configured() || h.cfg.From == "" || h.cfg.To == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Missing Twilio env vars"})
		return
	}

	call, err := h.client.CreateCall(r.Context(), CallRequest{
		To:     h.cfg.To,
		From:   h.cfg.From,
		URL:    h.cfg.VoiceURL,
		Method: http.MethodPost,
	})
	if err != nil {
		slog.Warn("test call failed", "err", err)
		status := http.StatusBadGateway
		if errors.Is(err, ErrNotConfigured) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}

	slog.Info("test call placed", "call_sid", call.SID, "status", call.Status)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "callSid": call.SID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
