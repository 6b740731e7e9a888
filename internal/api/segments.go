package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/scribed/internal/store"
)

// SegmentsHandler serves persisted confirmed segments.
type SegmentsHandler struct {
	db *store.DB
}

func NewSegmentsHandler(db *store.DB) *SegmentsHandler {
	return &SegmentsHandler{db: db}
}

func (h *SegmentsHandler) Routes(r chi.Router) {
	r.Get("/segments", h.List)
}

// SegmentAPI is the segment representation for API responses.
type SegmentAPI struct {
	SourceID    string          `json:"source_id"`
	Slot        string          `json:"slot"`
	Text        string          `json:"text"`
	EndSeconds  float64         `json:"end_seconds"`
	Language    string          `json:"language,omitempty"`
	Words       json.RawMessage `json:"words,omitempty"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

func (h *SegmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := QueryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}

	rows, err := h.db.RecentSegments(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]SegmentAPI, 0, len(rows))
	for _, s := range rows {
		out = append(out, SegmentAPI{
			SourceID:    s.SourceID,
			Slot:        s.Slot,
			Text:        s.Text,
			EndSeconds:  s.EndSeconds,
			Language:    s.Language,
			Words:       s.Words,
			ConfirmedAt: s.ConfirmedAt,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}
