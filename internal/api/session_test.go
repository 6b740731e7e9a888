package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/reconcile"
	"github.com/snarg/scribed/internal/session"
	"github.com/snarg/scribed/internal/source"
)

// ── Fake controller ──────────────────────────────────────────────────

type fakeController struct {
	startErr   error
	started    int
	stopped    int
	cleared    int
	foreground int
	status     SessionStatusData
	results    []reconcile.Snapshot
}

func (f *fakeController) StartSession(context.Context) error {
	f.started++
	return f.startErr
}
func (f *fakeController) StopSession()      { f.stopped++ }
func (f *fakeController) ClearResults()     { f.cleared++ }
func (f *fakeController) HandleForeground() { f.foreground++ }
func (f *fakeController) Status() SessionStatusData {
	return f.status
}
func (f *fakeController) Results() []reconcile.Snapshot {
	return f.results
}
func (f *fakeController) Subscribe(reconcile.Filter) (<-chan reconcile.Event, func()) {
	ch := make(chan reconcile.Event)
	return ch, func() {}
}
func (f *fakeController) ReplaySince(string, reconcile.Filter) []reconcile.Event {
	return nil
}

func sessionRouter(ctrl SessionController) chi.Router {
	r := chi.NewRouter()
	NewSessionHandler(ctrl).Routes(r)
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

// ── Start error taxonomy ─────────────────────────────────────────────

func TestSessionStart(t *testing.T) {
	t.Run("success_returns_status", func(t *testing.T) {
		ctrl := &fakeController{status: SessionStatusData{State: "running"}}
		rec := httptest.NewRecorder()
		sessionRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/session/start", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got SessionStatusData
		json.NewDecoder(rec.Body).Decode(&got)
		if got.State != "running" {
			t.Errorf("State = %q, want running", got.State)
		}
		if ctrl.started != 1 {
			t.Errorf("started = %d, want 1", ctrl.started)
		}
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			"no_sources_selected",
			session.ErrNoSourcesSelected,
			http.StatusUnprocessableEntity,
			"no sources selected",
		},
		{
			"source_unavailable",
			&session.SourceUnavailableError{Name: "mic", Kind: source.KindDevice},
			http.StatusConflict,
			"source unavailable",
		},
		{
			"session_already_active",
			session.ErrSessionActive,
			http.StatusConflict,
			"session already active",
		},
		{
			"engine_unavailable",
			engine.ErrUnavailable,
			http.StatusServiceUnavailable,
			"engine unavailable",
		},
		{
			"wrapped_engine_unavailable",
			&engine.Error{Op: "register", StreamID: "device-mic", Err: engine.ErrUnavailable},
			http.StatusServiceUnavailable,
			"engine unavailable",
		},
		{
			"opaque_engine_failure",
			errors.New("model crashed"),
			http.StatusBadGateway,
			"engine error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{startErr: tt.err}
			rec := httptest.NewRecorder()
			sessionRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/session/start", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if e := decodeError(t, rec); e.Error != tt.wantError {
				t.Errorf("error = %q, want %q", e.Error, tt.wantError)
			}
		})
	}
}

// ── Other endpoints ──────────────────────────────────────────────────

func TestSessionEndpoints(t *testing.T) {
	t.Run("stop_always_succeeds", func(t *testing.T) {
		ctrl := &fakeController{status: SessionStatusData{State: "idle"}}
		rec := httptest.NewRecorder()
		sessionRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/session/stop", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if ctrl.stopped != 1 {
			t.Errorf("stopped = %d, want 1", ctrl.stopped)
		}
	})

	t.Run("clear_discards_results", func(t *testing.T) {
		ctrl := &fakeController{}
		rec := httptest.NewRecorder()
		sessionRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/session/clear", nil))

		if rec.Code != http.StatusOK || ctrl.cleared != 1 {
			t.Errorf("status = %d, cleared = %d", rec.Code, ctrl.cleared)
		}
	})

	t.Run("foreground_returns_no_content", func(t *testing.T) {
		ctrl := &fakeController{}
		rec := httptest.NewRecorder()
		sessionRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("POST", "/app/foreground", nil))

		if rec.Code != http.StatusNoContent || ctrl.foreground != 1 {
			t.Errorf("status = %d, foreground = %d", rec.Code, ctrl.foreground)
		}
	})

	t.Run("get_session_includes_results", func(t *testing.T) {
		ctrl := &fakeController{
			status: SessionStatusData{State: "running", BroadcastActive: true},
			results: []reconcile.Snapshot{
				{Slot: "device", SourceID: "device-mic", ConfirmedText: "hello"},
			},
		}
		rec := httptest.NewRecorder()
		sessionRouter(ctrl).ServeHTTP(rec, httptest.NewRequest("GET", "/session", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body struct {
			State   string               `json:"state"`
			Results []reconcile.Snapshot `json:"results"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.State != "running" || len(body.Results) != 1 {
			t.Errorf("body = %+v", body)
		}
		if body.Results[0].ConfirmedText != "hello" {
			t.Errorf("Results[0] = %+v", body.Results[0])
		}
	})
}
