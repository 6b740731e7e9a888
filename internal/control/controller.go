// Package control orchestrates the session manager, reconciler and status
// broadcaster behind the HTTP layer's SessionController boundary.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/api"
	"github.com/snarg/scribed/internal/broadcast"
	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/interp"
	"github.com/snarg/scribed/internal/reconcile"
	"github.com/snarg/scribed/internal/session"
)

// Options wires a Controller's collaborators and session defaults.
type Options struct {
	Manager     *session.Manager
	Reconciler  *reconcile.Reconciler
	Broadcaster *broadcast.Broadcaster

	Sources    session.Config
	Lang       string
	StreamMode string
	Log        zerolog.Logger
}

// Controller implements api.SessionController. One instance lives for the
// process; at most one session is active at a time.
type Controller struct {
	manager *session.Manager
	rec     *reconcile.Reconciler
	bcast   *broadcast.Broadcaster
	log     zerolog.Logger

	sources session.Config
	lang    string
	policy  engine.StreamPolicy

	mu         sync.Mutex
	bridgeStop func()

	animMu     sync.Mutex
	animCancel context.CancelFunc
	animShown  float64
}

func New(opts Options) *Controller {
	return &Controller{
		manager: opts.Manager,
		rec:     opts.Reconciler,
		bcast:   opts.Broadcaster,
		log:     opts.Log.With().Str("component", "control").Logger(),
		sources: opts.Sources,
		lang:    opts.Lang,
		policy:  policyForMode(opts.StreamMode, opts.Log),
	}
}

// policyForMode maps a configured stream mode name onto a streaming policy.
// All modes share the voice-triggered mechanics; they differ only in how
// aggressively silence elides processing.
func policyForMode(mode string, log zerolog.Logger) engine.StreamPolicy {
	p := engine.DefaultPolicy()
	switch mode {
	case "", "voice-triggered":
	case "battery-optimized":
		p.MinProcessInterval = 2.0
	case "always-on":
		p.SilenceThreshold = 0
	default:
		log.Warn().Str("mode", mode).Msg("unknown stream mode, using voice-triggered defaults")
	}
	return p
}

// StartSession validates the configured inputs, starts the session, brings up
// the status activity, and begins mirroring reconciler events onto it. The
// broadcast surface is best-effort: its failure never fails the session.
func (c *Controller) StartSession(ctx context.Context) error {
	sources, err := c.manager.ComputeActiveSources(ctx, c.sources)
	if err != nil {
		return err
	}

	opts := session.StartOptions{Lang: c.lang, Policy: c.policy}
	if err := c.manager.Start(ctx, sources, opts); err != nil {
		return err
	}

	if err := c.bcast.Start(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("status activity unavailable, session continues without it")
	}

	c.animMu.Lock()
	c.animShown = 0
	c.animMu.Unlock()

	c.startBridge()
	return nil
}

// StopSession tears down the session and ends the status activity.
func (c *Controller) StopSession() {
	c.stopBridge()
	c.manager.Stop()
	c.bcast.Stop(broadcast.DismissalDefault)
}

// ClearResults discards all reconciled display state.
func (c *Controller) ClearResults() {
	c.manager.ClearResults()
}

// Status reports the aggregate session state and active sources.
func (c *Controller) Status() api.SessionStatusData {
	active := c.manager.ActiveSources()
	out := api.SessionStatusData{
		State:           c.manager.State().String(),
		BroadcastActive: c.bcast.Active(),
	}
	for _, src := range active {
		out.Sources = append(out.Sources, api.SourceData{
			ID:    src.ID,
			Kind:  src.Kind.String(),
			Label: src.Label,
		})
	}
	return out
}

// Results returns copies of the per-slot display state.
func (c *Controller) Results() []reconcile.Snapshot {
	return c.rec.Snapshot()
}

// HandleForeground forwards the app's return to the foreground.
func (c *Controller) HandleForeground() {
	c.bcast.HandleForeground()
}

// Subscribe exposes the reconciler's event bus.
func (c *Controller) Subscribe(filter reconcile.Filter) (<-chan reconcile.Event, func()) {
	return c.rec.Bus().Subscribe(filter)
}

// ReplaySince exposes the event bus ring buffer.
func (c *Controller) ReplaySince(lastEventID string, filter reconcile.Filter) []reconcile.Event {
	return c.rec.Bus().ReplaySince(lastEventID, filter)
}

// ActiveSourceCount reports how many sources the running session owns.
func (c *Controller) ActiveSourceCount() int {
	return len(c.manager.ActiveSources())
}

// SubscriberCount reports the number of live event subscribers.
func (c *Controller) SubscriberCount() int {
	return c.rec.Bus().SubscriberCount()
}

// OnFeedsExhausted is the manager's notification that every result feed ended
// while the session was still running, meaning the engine side was torn down
// underneath us. The activity is marked interrupted and left visible; the
// watchdog deliberately spares interrupted activities.
func (c *Controller) OnFeedsExhausted() {
	c.log.Warn().Msg("session interrupted, marking status activity")
	c.bcast.Update(func(s broadcast.ContentStatus) broadcast.ContentStatus {
		s.Interrupted = true
		return s
	})

	c.stopBridge()
	c.manager.Stop()
}

// startBridge mirrors reconciler events onto the status activity until the
// session stops.
func (c *Controller) startBridge() {
	ctx, cancel := context.WithCancel(context.Background())
	events, unsub := c.rec.Bus().Subscribe(reconcile.Filter{Types: []string{"hypothesis", "confirm"}})

	c.mu.Lock()
	if c.bridgeStop != nil {
		c.bridgeStop()
	}
	c.bridgeStop = func() {
		cancel()
		unsub()
	}
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				c.applyToActivity(e)
			}
		}
	}()
}

func (c *Controller) stopBridge() {
	c.mu.Lock()
	stop := c.bridgeStop
	c.bridgeStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}

	c.animMu.Lock()
	if c.animCancel != nil {
		c.animCancel()
		c.animCancel = nil
	}
	c.animMu.Unlock()
}

// applyToActivity folds one reconciler event into the activity's content.
// The device slot drives the headline; other slots only advance timing.
func (c *Controller) applyToActivity(e reconcile.Event) {
	snap := e.State
	if snap.Slot == reconcile.SlotDevice.String() {
		c.bcast.Update(func(s broadcast.ContentStatus) broadcast.ContentStatus {
			s.CurrentHypothesis = snap.HypothesisText
			s.HasVoice = hasVoice(snap.EnergySamples, c.policy.SilenceThreshold)
			return s
		})
	}

	secs := snap.BufferSeconds
	if snap.EndSeconds != nil {
		secs += *snap.EndSeconds
	}
	c.animateSeconds(secs)
}

// animateSeconds glides the displayed audio position toward target instead of
// snapping, since a confirm can land several seconds at once. Frames run
// through the broadcaster's throttle, so those inside one window coalesce.
// A new target supersedes any animation still in flight.
func (c *Controller) animateSeconds(target float64) {
	c.animMu.Lock()
	from := c.animShown
	if target <= from {
		c.animMu.Unlock()
		return
	}
	if c.animCancel != nil {
		c.animCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.animCancel = cancel
	c.animMu.Unlock()

	go interp.Run(ctx, from, target, 400*time.Millisecond, interp.DefaultFrameInterval, func(v float64) {
		c.animMu.Lock()
		if v > c.animShown {
			c.animShown = v
		}
		c.animMu.Unlock()
		c.bcast.Update(func(s broadcast.ContentStatus) broadcast.ContentStatus {
			if v > s.AudioSeconds {
				s.AudioSeconds = v
			}
			return s
		})
	})
}

// hasVoice reports whether any recent energy sample crosses the silence
// threshold.
func hasVoice(samples []float64, threshold float64) bool {
	const window = 8
	start := 0
	if len(samples) > window {
		start = len(samples) - window
	}
	for _, v := range samples[start:] {
		if v > threshold {
			return true
		}
	}
	return false
}
