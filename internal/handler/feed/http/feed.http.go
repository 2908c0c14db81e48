package http

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/krobus00/option-feed-service/internal/entity"
)

type FeedSnapshotter interface {
	Snapshot() entity.FeedSnapshot
}

type Handler struct {
	feedService FeedSnapshotter
}

func NewFeedHTTPHandler(feedService FeedSnapshotter) *Handler {
	return &Handler{feedService: feedService}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/feed/status", h.GetStatus)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	writeJSON(w, http.StatusOK, h.feedService.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
