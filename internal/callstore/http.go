package callstore

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// maxListLimit caps the "limit" query parameter of the list handler.
const maxListLimit = 500

// Handler serves session records over HTTP:
//
//   - GET /calls?limit=N lists recent records, newest first.
//   - GET /calls/{streamSid} returns one record or 404.
type Handler struct {
	store        Store
	defaultLimit int
}

// NewHandler returns a Handler over store. defaultLimit applies when the
// request carries no limit; a non-positive value selects 50.
func NewHandler(store Store, defaultLimit int) *Handler {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &Handler{store: store, defaultLimit: defaultLimit}
}

// Register adds the record routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /calls", h.list)
	mux.HandleFunc("GET /calls/{streamSid}", h.get)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit := h.defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		slog.Warn("callstore: list records failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list calls"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("streamSid"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case isNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
	default:
		slog.Warn("callstore: get record failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load call"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
