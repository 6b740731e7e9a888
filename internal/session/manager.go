package session

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/metrics"
	"github.com/snarg/scribed/internal/reconcile"
	"github.com/snarg/scribed/internal/source"
)

// State is the manager's aggregate lifecycle state. Individual source
// failures never change it; only an explicit Stop returns Running to Idle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Config is the user's configured input selection for a session.
type Config struct {
	DeviceName string // selected capture device, "" = none
	TapName    string // tapped process/pipe, "" = none
}

// StartOptions tune per-stream registration.
type StartOptions struct {
	Lang   string
	Policy engine.StreamPolicy
}

// FrameSink accepts locally captured PCM for a stream. Implemented by engine
// transports that carry audio (the MQTT remote does).
type FrameSink interface {
	SendFrame(streamID string, pcm []int16) error
}

// Manager owns the set of active sources for one session and supervises one
// independent consumption task per source. A feed failure on one source
// never blocks or cancels its siblings.
type Manager struct {
	engine  engine.Engine
	rec     *reconcile.Reconciler
	devices source.DeviceLister
	taps    source.TapProber
	tapFeed source.FrameFeed // feed backing tap sources, may be nil
	log     zerolog.Logger

	onFeedsExhausted func()

	mu        sync.Mutex
	state     State
	active    []source.Source
	cancel    context.CancelFunc
	meterCh   chan meterSample
	consuming int

	wg sync.WaitGroup
}

type meterSample struct {
	sourceID string
	pcm      []int16
}

// ManagerOptions wires a Manager's collaborators.
type ManagerOptions struct {
	Engine  engine.Engine
	Rec     *reconcile.Reconciler
	Devices source.DeviceLister
	Taps    source.TapProber
	TapFeed source.FrameFeed
	Log     zerolog.Logger

	// OnFeedsExhausted is invoked once per session when every result feed has
	// ended on its own while the session is still Running. Called from a task
	// goroutine; implementations must not call back into the Manager
	// synchronously with Stop.
	OnFeedsExhausted func()
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		engine:  opts.Engine,
		rec:     opts.Rec,
		devices: opts.Devices,
		taps:    opts.Taps,
		tapFeed: opts.TapFeed,
		log:     opts.Log.With().Str("component", "session").Logger(),

		onFeedsExhausted: opts.OnFeedsExhausted,
	}
}

// ComputeActiveSources enumerates the configured inputs and validates
// liveness for each. A configured source failing validation is a hard error
// that aborts session start; an empty configuration is ErrNoSourcesSelected.
func (m *Manager) ComputeActiveSources(ctx context.Context, cfg Config) ([]source.Source, error) {
	if cfg.DeviceName == "" && cfg.TapName == "" {
		return nil, ErrNoSourcesSelected
	}

	var sources []source.Source

	if cfg.DeviceName != "" {
		devices, err := m.devices.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, d := range devices {
			if d.Name == cfg.DeviceName {
				found = true
				break
			}
		}
		if !found {
			return nil, &SourceUnavailableError{Name: cfg.DeviceName, Kind: source.KindDevice}
		}
		sources = append(sources, source.NewDevice(cfg.DeviceName))
	}

	if cfg.TapName != "" {
		running, err := m.taps.IsRunning(ctx, cfg.TapName)
		if err != nil {
			return nil, err
		}
		if !running {
			return nil, &SourceUnavailableError{Name: cfg.TapName, Kind: source.KindTap}
		}
		sources = append(sources, source.NewTap(cfg.TapName, m.tapFeed))
	}

	return sources, nil
}

// Start registers every source with the engine, then begins one independent
// consumption task per source. Starting fails closed: any error before the
// tasks are spawned tears down already-registered streams and leaves no
// partial state behind.
func (m *Manager) Start(ctx context.Context, sources []source.Source, opts StartOptions) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrSessionActive
	}
	if len(sources) == 0 {
		m.mu.Unlock()
		return ErrNoSourcesSelected
	}
	m.state = StateStarting
	m.mu.Unlock()

	// The session outlives the caller's request context; Stop owns teardown.
	sessionCtx, cancel := context.WithCancel(context.Background())
	meterCh := make(chan meterSample, 64)

	var registered []source.Source
	for _, src := range sources {
		regOpts := engine.RegisterOptions{Lang: opts.Lang, Policy: opts.Policy}
		if src.Kind == source.KindDevice {
			id := src.ID
			// Keep the capture path non-blocking: samples are dropped when
			// the meter lags, never queued synchronously.
			regOpts.OnFrame = func(pcm []int16) {
				select {
				case meterCh <- meterSample{sourceID: id, pcm: pcm}:
				default:
				}
			}
		}
		if err := m.engine.Register(ctx, src.ID, regOpts); err != nil {
			m.rollback(registered)
			cancel()
			m.setState(StateIdle)
			return err
		}
		registered = append(registered, src)
	}

	for _, src := range sources {
		m.rec.Activate(src)
	}

	m.mu.Lock()
	m.active = sources
	m.cancel = cancel
	m.meterCh = meterCh
	m.consuming = len(sources)
	m.state = StateRunning
	m.mu.Unlock()

	m.wg.Add(1)
	go m.meterLoop(sessionCtx, meterCh)

	sink, _ := m.engine.(FrameSink)
	for _, src := range sources {
		src := src
		m.wg.Add(1)
		go m.consume(sessionCtx, src)

		if src.Feed != nil && sink != nil {
			m.wg.Add(1)
			go m.pump(sessionCtx, src, sink)
		}
	}

	metrics.SessionsStarted.Inc()
	m.log.Info().Int("sources", len(sources)).Msg("session started")
	return nil
}

// Stop requests engine-side teardown for every still-registered source
// (best-effort over all of them), cancels every consumption task, and clears
// the active set. Safe to call when no session is active.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	srcs := m.active
	cancel := m.cancel
	m.mu.Unlock()

	for _, src := range srcs {
		ctx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.engine.StopAndRemove(ctx, src.ID); err != nil {
			m.log.Warn().Err(err).Str("source_id", src.ID).Msg("engine stream teardown failed")
		}
		cancelStop()
	}

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.active = nil
	m.cancel = nil
	m.meterCh = nil
	m.state = StateIdle
	m.mu.Unlock()

	m.log.Info().Msg("session stopped")
}

// ClearResults discards all reconciled display state.
func (m *Manager) ClearResults() {
	m.rec.Reset()
}

// State returns the aggregate session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveSources returns a copy of the active source set.
func (m *Manager) ActiveSources() []source.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]source.Source, len(m.active))
	copy(out, m.active)
	return out
}

// consume iterates one source's result feed until it is exhausted, errored,
// or the session is cancelled. Failures are contained here: logged, counted,
// and the task exits without touching its siblings.
func (m *Manager) consume(ctx context.Context, src source.Source) {
	defer m.wg.Done()
	defer m.taskDone()
	log := m.log.With().Str("source_id", src.ID).Logger()

	defer func() {
		if rv := recover(); rv != nil {
			metrics.SourceTaskFailures.Inc()
			log.Error().Interface("panic", rv).Msg("consumption task panicked")
		}
	}()

	feed, err := m.engine.Results(ctx, src.ID)
	if err != nil {
		metrics.SourceTaskFailures.Inc()
		log.Error().Err(err).Msg("result feed unavailable, task exiting")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-feed:
			if !ok {
				log.Info().Msg("result feed ended")
				return
			}
			m.apply(src, res)
		}
	}
}

// apply routes one incremental result into the reconciler, preserving the
// engine's production order for this source.
func (m *Manager) apply(src source.Source, res engine.Result) {
	switch res.Kind {
	case engine.KindHypothesis:
		m.rec.OnHypothesis(src.ID, res.Text, time.Now())
		if v, ok := res.Metadata["buffer_seconds"]; ok {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				m.rec.SetBufferSeconds(src.ID, secs)
			}
		}
	case engine.KindConfirm:
		m.rec.OnConfirm(src.ID, res.Text, res.EndSeconds, res.Final)
	}
}

// pump forwards locally captured tap frames to the engine and meters them.
func (m *Manager) pump(ctx context.Context, src source.Source, sink FrameSink) {
	defer m.wg.Done()
	log := m.log.With().Str("source_id", src.ID).Logger()

	frames, err := src.Feed.Frames(ctx)
	if err != nil {
		log.Error().Err(err).Msg("tap feed unavailable")
		return
	}

	for frame := range frames {
		if err := sink.SendFrame(src.ID, frame.PCM); err != nil {
			log.Debug().Err(err).Msg("frame forward failed")
		}
		m.rec.AddEnergySample(src.ID, rms(frame.PCM))
	}
}

// meterLoop computes energy magnitudes for device frames off the capture path.
func (m *Manager) meterLoop(ctx context.Context, ch <-chan meterSample) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			m.rec.AddEnergySample(s.sourceID, rms(s.pcm))
		}
	}
}

// rms returns the normalized root-mean-square magnitude of a PCM frame.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// rollback tears down streams registered before a failed start. Best-effort:
// teardown errors are logged and the loop continues.
func (m *Manager) rollback(registered []source.Source) {
	for _, src := range registered {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.engine.StopAndRemove(ctx, src.ID); err != nil {
			m.log.Warn().Err(err).Str("source_id", src.ID).Msg("rollback teardown failed")
		}
		cancel()
	}
}

// taskDone records one consumption task exiting. When the last one goes away
// while the session is still Running the feeds are exhausted, which means the
// engine side shut the streams down underneath us.
func (m *Manager) taskDone() {
	m.mu.Lock()
	m.consuming--
	exhausted := m.consuming == 0 && m.state == StateRunning
	m.mu.Unlock()

	if exhausted {
		m.log.Warn().Msg("all result feeds exhausted while running")
		if m.onFeedsExhausted != nil {
			go m.onFeedsExhausted()
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
