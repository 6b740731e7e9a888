package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/broadcast"
	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/reconcile"
	"github.com/snarg/scribed/internal/session"
	"github.com/snarg/scribed/internal/source"
)

// ── Fakes ────────────────────────────────────────────────────────────

type stubEngine struct {
	mu    sync.Mutex
	feeds map[string]chan engine.Result
}

func newStubEngine() *stubEngine {
	return &stubEngine{feeds: make(map[string]chan engine.Result)}
}

func (s *stubEngine) Register(_ context.Context, streamID string, _ engine.RegisterOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[streamID] = make(chan engine.Result, 16)
	return nil
}

func (s *stubEngine) Results(_ context.Context, streamID string) (<-chan engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.feeds[streamID]
	if !ok {
		return nil, errors.New("not registered")
	}
	return ch, nil
}

func (s *stubEngine) StopAndRemove(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.feeds[streamID]; ok {
		close(ch)
		delete(s.feeds, streamID)
	}
	return nil
}

func (s *stubEngine) push(streamID string, res engine.Result) {
	s.mu.Lock()
	ch := s.feeds[streamID]
	s.mu.Unlock()
	ch <- res
}

func (s *stubEngine) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.feeds {
		close(ch)
		delete(s.feeds, id)
	}
}

type stubLister struct{ devices []source.Device }

func (s *stubLister) ListDevices(context.Context) ([]source.Device, error) {
	return s.devices, nil
}

type memorySurface struct {
	mu     sync.Mutex
	nextID int
	live   map[broadcast.Handle]broadcast.ContentStatus
}

func newMemorySurface() *memorySurface {
	return &memorySurface{live: make(map[broadcast.Handle]broadcast.ContentStatus)}
}

func (m *memorySurface) Request(_ context.Context, _ broadcast.Attributes, initial broadcast.ContentStatus) (broadcast.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h := broadcast.Handle(fmt.Sprintf("act-%d", m.nextID))
	m.live[h] = initial
	return h, nil
}

func (m *memorySurface) Update(_ context.Context, h broadcast.Handle, state broadcast.ContentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[h] = state
	return nil
}

func (m *memorySurface) End(_ context.Context, h broadcast.Handle, _ broadcast.Dismissal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, h)
	return nil
}

func (m *memorySurface) ListActive(context.Context) ([]broadcast.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broadcast.Handle, 0, len(m.live))
	for h := range m.live {
		out = append(out, h)
	}
	return out, nil
}

func (m *memorySurface) states() []broadcast.ContentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broadcast.ContentStatus, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s)
	}
	return out
}

type harness struct {
	eng     *stubEngine
	surface *memorySurface
	ctrl    *Controller
}

func newControllerHarness(t *testing.T) *harness {
	t.Helper()
	eng := newStubEngine()
	surface := newMemorySurface()
	rec := reconcile.New(reconcile.Options{Log: zerolog.Nop()})
	bcast := broadcast.New(surface, broadcast.Options{
		Enabled:         true,
		PublishInterval: 10 * time.Millisecond,
		WatchdogTimeout: time.Minute,
		Log:             zerolog.Nop(),
	})

	var ctrl *Controller
	mgr := session.NewManager(session.ManagerOptions{
		Engine:  eng,
		Rec:     rec,
		Devices: &stubLister{devices: []source.Device{{Name: "mic", IsDefault: true}}},
		Log:     zerolog.Nop(),
		OnFeedsExhausted: func() {
			if ctrl != nil {
				ctrl.OnFeedsExhausted()
			}
		},
	})
	ctrl = New(Options{
		Manager:     mgr,
		Reconciler:  rec,
		Broadcaster: bcast,
		Sources:     session.Config{DeviceName: "mic"},
		Log:         zerolog.Nop(),
	})
	return &harness{eng: eng, surface: surface, ctrl: ctrl}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ── Lifecycle ────────────────────────────────────────────────────────

func TestControllerLifecycle(t *testing.T) {
	t.Run("start_brings_up_session_and_activity", func(t *testing.T) {
		h := newControllerHarness(t)
		defer h.ctrl.StopSession()

		if err := h.ctrl.StartSession(context.Background()); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		st := h.ctrl.Status()
		if st.State != "running" || !st.BroadcastActive {
			t.Errorf("Status = %+v", st)
		}
		if len(st.Sources) != 1 || st.Sources[0].ID != "device-mic" {
			t.Errorf("Sources = %+v", st.Sources)
		}
	})

	t.Run("start_rejects_empty_selection", func(t *testing.T) {
		h := newControllerHarness(t)
		h.ctrl.sources = session.Config{}

		err := h.ctrl.StartSession(context.Background())
		if !errors.Is(err, session.ErrNoSourcesSelected) {
			t.Errorf("err = %v, want ErrNoSourcesSelected", err)
		}
	})

	t.Run("stop_tears_everything_down", func(t *testing.T) {
		h := newControllerHarness(t)
		if err := h.ctrl.StartSession(context.Background()); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		h.ctrl.StopSession()

		st := h.ctrl.Status()
		if st.State != "idle" || st.BroadcastActive {
			t.Errorf("Status after stop = %+v", st)
		}
		if live := h.surface.states(); len(live) != 0 {
			t.Errorf("activities still live after stop: %v", live)
		}
	})
}

// ── Event bridge ─────────────────────────────────────────────────────

func TestControllerBridge(t *testing.T) {
	t.Run("hypothesis_reaches_activity", func(t *testing.T) {
		h := newControllerHarness(t)
		defer h.ctrl.StopSession()

		if err := h.ctrl.StartSession(context.Background()); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		h.eng.push("device-mic", engine.Result{Kind: engine.KindHypothesis, Text: "hello wor"})

		waitFor(t, 2*time.Second, func() bool {
			for _, s := range h.surface.states() {
				if s.CurrentHypothesis == "hello wor" {
					return true
				}
			}
			return false
		})
	})

	t.Run("confirm_advances_audio_seconds", func(t *testing.T) {
		h := newControllerHarness(t)
		defer h.ctrl.StopSession()

		if err := h.ctrl.StartSession(context.Background()); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		h.eng.push("device-mic", engine.Result{
			Kind: engine.KindConfirm, Text: "hello", EndSeconds: 6.5,
			Final: &engine.FinalResult{Text: "hello", EndSeconds: 6.5},
		})

		waitFor(t, 2*time.Second, func() bool {
			for _, s := range h.surface.states() {
				if s.AudioSeconds >= 6.5 {
					return true
				}
			}
			return false
		})
	})

	t.Run("audio_seconds_glide_toward_target", func(t *testing.T) {
		h := newControllerHarness(t)
		defer h.ctrl.StopSession()

		if err := h.ctrl.StartSession(context.Background()); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		h.eng.push("device-mic", engine.Result{
			Kind: engine.KindConfirm, Text: "hello", EndSeconds: 10,
			Final: &engine.FinalResult{Text: "hello", EndSeconds: 10},
		})

		// The position animates toward the confirm boundary rather than
		// snapping, so intermediate frames must be published on the way.
		sawIntermediate := false
		waitFor(t, 2*time.Second, func() bool {
			for _, s := range h.surface.states() {
				if s.AudioSeconds > 0 && s.AudioSeconds < 10 {
					sawIntermediate = true
				}
				if s.AudioSeconds >= 10 {
					return true
				}
			}
			return false
		})
		if !sawIntermediate {
			t.Error("audio seconds snapped to the target without intermediate frames")
		}
	})
}

// ── Interruption ─────────────────────────────────────────────────────

func TestControllerInterruption(t *testing.T) {
	t.Run("exhausted_feeds_mark_activity_interrupted", func(t *testing.T) {
		h := newControllerHarness(t)
		if err := h.ctrl.StartSession(context.Background()); err != nil {
			t.Fatalf("StartSession: %v", err)
		}

		h.eng.closeAll()

		// The activity stays visible, flagged, while the session winds down.
		waitFor(t, 2*time.Second, func() bool {
			states := h.surface.states()
			return len(states) == 1 && states[0].Interrupted
		})
		waitFor(t, 2*time.Second, func() bool {
			return h.ctrl.Status().State == "idle"
		})

		// Returning to the foreground acknowledges and dismisses it.
		h.ctrl.HandleForeground()
		if live := h.surface.states(); len(live) != 0 {
			t.Errorf("activity still live after foreground reentry: %v", live)
		}
	})
}

// ── Stream modes ─────────────────────────────────────────────────────

func TestPolicyForMode(t *testing.T) {
	base := engine.DefaultPolicy()
	tests := []struct {
		mode string
		want engine.StreamPolicy
	}{
		{"", base},
		{"voice-triggered", base},
		{"battery-optimized", engine.StreamPolicy{
			SilenceThreshold:   base.SilenceThreshold,
			BufferCapSeconds:   base.BufferCapSeconds,
			MinProcessInterval: 2.0,
		}},
		{"always-on", engine.StreamPolicy{
			SilenceThreshold:   0,
			BufferCapSeconds:   base.BufferCapSeconds,
			MinProcessInterval: base.MinProcessInterval,
		}},
		{"nonsense", base},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			if got := policyForMode(tt.mode, zerolog.Nop()); got != tt.want {
				t.Errorf("policyForMode(%q) = %+v, want %+v", tt.mode, got, tt.want)
			}
		})
	}
}
