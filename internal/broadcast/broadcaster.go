package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/metrics"
)

const (
	// DefaultPublishInterval throttles outbound surface publications.
	DefaultPublishInterval = 1 * time.Second
	// DefaultWatchdogTimeout force-stops an activity whose producer went
	// silent. Without it a crashed or hung pipeline would leave a live
	// notification visibly "transcribing" forever.
	DefaultWatchdogTimeout = 60 * time.Second
)

// Options configures a Broadcaster.
type Options struct {
	// Enabled gates the whole component. When false, Start logs and returns
	// without error: broadcasting is best-effort, never session-blocking.
	Enabled         bool
	Attributes      Attributes
	PublishInterval time.Duration
	WatchdogTimeout time.Duration
	Log             zerolog.Logger
}

// Broadcaster publishes a throttled, coalesced status snapshot to a Surface
// and runs a heartbeat watchdog guaranteeing the surface never outlives its
// producer by more than the timeout.
type Broadcaster struct {
	surface  Surface
	attrs    Attributes
	enabled  bool
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu          sync.Mutex
	ctx         context.Context
	handle      Handle
	buffered    ContentStatus
	lastPublish time.Time
	pending     *time.Timer
	watchdog    *time.Timer
	gen         uint64 // invalidates timer callbacks across stop/start
}

// New creates a broadcaster over the given surface.
func New(surface Surface, opts Options) *Broadcaster {
	interval := opts.PublishInterval
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	timeout := opts.WatchdogTimeout
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	return &Broadcaster{
		surface:  surface,
		attrs:    opts.Attributes,
		enabled:  opts.Enabled,
		interval: interval,
		timeout:  timeout,
		log:      opts.Log.With().Str("component", "broadcast").Logger(),
		ctx:      context.Background(),
	}
}

// Start tears down anything this broadcaster believes is running, sweeps
// orphaned activities from a previous process instance, requests a fresh
// activity with empty state, and arms the heartbeat.
func (b *Broadcaster) Start(ctx context.Context) error {
	if !b.enabled {
		b.log.Info().Msg("status broadcasting disabled, skipping")
		return nil
	}

	b.mu.Lock()
	prev := b.handle
	if prev != "" {
		b.stopTimersLocked()
		b.handle = ""
	}
	b.mu.Unlock()

	if prev != "" {
		if err := b.surface.End(ctx, prev, DismissalImmediate); err != nil {
			b.log.Warn().Err(err).Str("handle", string(prev)).Msg("failed to end superseded activity")
		}
	}

	// Orphan sweep: a previous, improperly-terminated process may have left
	// activities behind.
	if orphans, err := b.surface.ListActive(ctx); err != nil {
		b.log.Warn().Err(err).Msg("orphan sweep failed")
	} else {
		for _, h := range orphans {
			if err := b.surface.End(ctx, h, DismissalImmediate); err != nil {
				b.log.Warn().Err(err).Str("handle", string(h)).Msg("failed to end orphaned activity")
			} else {
				b.log.Info().Str("handle", string(h)).Msg("ended orphaned activity")
			}
		}
	}

	h, err := b.surface.Request(ctx, b.attrs, ContentStatus{})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.ctx = ctx
	b.handle = h
	b.buffered = ContentStatus{}
	b.lastPublish = time.Time{}
	b.armWatchdogLocked()
	b.mu.Unlock()

	b.log.Info().Str("handle", string(h)).Msg("activity started")
	return nil
}

// Update applies transform to the buffered state. Unchanged results are
// no-ops. On a real change the heartbeat restarts, then the throttle decides:
// publish immediately when the window has elapsed, otherwise schedule exactly
// one trailing publish carrying whatever is buffered when it fires.
func (b *Broadcaster) Update(transform func(ContentStatus) ContentStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == "" {
		return
	}

	next := transform(b.buffered)
	if next == b.buffered {
		return
	}
	b.buffered = next
	b.armWatchdogLocked()

	now := time.Now()
	if now.Sub(b.lastPublish) >= b.interval {
		b.publishLocked(now)
		return
	}

	if b.pending != nil {
		metrics.BroadcastsCoalesced.Inc()
		return
	}

	gen := b.gen
	remaining := b.interval - now.Sub(b.lastPublish)
	b.pending = time.AfterFunc(remaining, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.gen != gen || b.handle == "" {
			return
		}
		b.pending = nil
		b.publishLocked(time.Now())
	})
}

// Stop cancels the heartbeat, ends the activity, and resets buffered state.
// Safe to call when inactive.
func (b *Broadcaster) Stop(d Dismissal) {
	b.mu.Lock()
	if b.handle == "" {
		b.mu.Unlock()
		return
	}
	h := b.handle
	ctx := b.ctx
	b.stopTimersLocked()
	b.handle = ""
	b.buffered = ContentStatus{}
	b.mu.Unlock()

	if err := b.surface.End(ctx, h, d); err != nil {
		b.log.Warn().Err(err).Str("handle", string(h)).Msg("failed to end activity")
	} else {
		b.log.Info().Str("handle", string(h)).Msg("activity ended")
	}
}

// HandleForeground treats the user's return to the app as acknowledgment of
// an interrupted status and proactively stops the activity.
func (b *Broadcaster) HandleForeground() {
	b.mu.Lock()
	interrupted := b.handle != "" && b.buffered.Interrupted
	b.mu.Unlock()

	if interrupted {
		b.log.Info().Msg("foreground reentry with interrupted status, stopping activity")
		b.Stop(DismissalDefault)
	}
}

// Active reports whether an activity is currently live.
func (b *Broadcaster) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != ""
}

// armWatchdogLocked (re)arms the staleness timer. At most one watchdog timer
// is ever outstanding; arming always cancels the prior one first.
func (b *Broadcaster) armWatchdogLocked() {
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	gen := b.gen
	b.watchdog = time.AfterFunc(b.timeout, func() {
		b.onWatchdogTimeout(gen)
	})
}

func (b *Broadcaster) onWatchdogTimeout(gen uint64) {
	b.mu.Lock()
	if b.gen != gen || b.handle == "" {
		b.mu.Unlock()
		return
	}
	if b.buffered.Interrupted {
		// An interrupted status is deliberately left visible so the user is
		// informed; the foreground-reentry hook clears it.
		b.mu.Unlock()
		b.log.Info().Msg("watchdog fired with interrupted status, leaving activity visible")
		return
	}
	h := b.handle
	ctx := b.ctx
	b.stopTimersLocked()
	b.handle = ""
	b.buffered = ContentStatus{}
	b.mu.Unlock()

	metrics.WatchdogStops.Inc()
	b.log.Warn().Str("handle", string(h)).Msg("no updates within watchdog timeout, force-stopping stale activity")
	if err := b.surface.End(ctx, h, DismissalDefault); err != nil {
		b.log.Warn().Err(err).Str("handle", string(h)).Msg("failed to end stale activity")
	}
}

// publishLocked sends the buffered state and stamps the publish time.
// Caller holds b.mu.
func (b *Broadcaster) publishLocked(now time.Time) {
	if err := b.surface.Update(b.ctx, b.handle, b.buffered); err != nil {
		b.log.Warn().Err(err).Msg("surface update failed")
		return
	}
	b.lastPublish = now
	metrics.BroadcastsPublished.Inc()
}

// stopTimersLocked cancels both timers and advances the generation so that
// already-fired callbacks waiting on the lock become no-ops.
func (b *Broadcaster) stopTimersLocked() {
	b.gen++
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	if b.watchdog != nil {
		b.watchdog.Stop()
		b.watchdog = nil
	}
}
