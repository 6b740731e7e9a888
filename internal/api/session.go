package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/session"
)

// SessionHandler exposes session lifecycle and result-state endpoints.
type SessionHandler struct {
	ctrl SessionController
}

func NewSessionHandler(ctrl SessionController) *SessionHandler {
	return &SessionHandler{ctrl: ctrl}
}

// Routes registers session routes on the given router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Get("/session", h.GetStatus)
	r.Post("/session/start", h.Start)
	r.Post("/session/stop", h.Stop)
	r.Post("/session/clear", h.Clear)
	r.Post("/app/foreground", h.Foreground)
	r.Get("/session/results", h.GetResults)
}

type sessionResponse struct {
	SessionStatusData
	Results any `json:"results"`
}

func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, sessionResponse{
		SessionStatusData: h.ctrl.Status(),
		Results:           h.ctrl.Results(),
	})
}

func (h *SessionHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.Results())
}

// Start maps the error taxonomy onto distinguishable responses: the UI offers
// a different remedy for "nothing selected" than for "selection not live".
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.StartSession(r.Context())
	if err == nil {
		WriteJSON(w, http.StatusOK, h.ctrl.Status())
		return
	}

	var unavailable *session.SourceUnavailableError
	switch {
	case errors.Is(err, session.ErrNoSourcesSelected):
		WriteErrorDetail(w, http.StatusUnprocessableEntity,
			"no sources selected", "select an input device or tap before starting")
	case errors.As(err, &unavailable):
		WriteErrorDetail(w, http.StatusConflict,
			"source unavailable", unavailable.Error())
	case errors.Is(err, session.ErrSessionActive):
		WriteError(w, http.StatusConflict, "session already active")
	case errors.Is(err, engine.ErrUnavailable):
		WriteErrorDetail(w, http.StatusServiceUnavailable,
			"engine unavailable", "no active engine instance, load a model first")
	default:
		WriteErrorDetail(w, http.StatusBadGateway, "engine error", err.Error())
	}
}

func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopSession()
	WriteJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *SessionHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ClearResults()
	WriteJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *SessionHandler) Foreground(w http.ResponseWriter, r *http.Request) {
	h.ctrl.HandleForeground()
	w.WriteHeader(http.StatusNoContent)
}
