package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/metrics"
	"github.com/snarg/scribed/internal/source"
)

// DefaultMinHypothesisGap caps hypothesis redraws at 10/s per source.
const DefaultMinHypothesisGap = 100 * time.Millisecond

// ConfirmedResultFunc is invoked synchronously, exactly once per confirm
// event, with the source id and the full result object.
type ConfirmedResultFunc func(sourceID string, final *engine.FinalResult)

// Options configures a Reconciler.
type Options struct {
	// MinHypothesisGap is the per-source rate gate floor. Zero means the
	// default of 100ms.
	MinHypothesisGap time.Duration
	Log              zerolog.Logger
}

// Reconciler converts raw per-source incremental result feeds into throttled,
// display-stable state. One instance serves the whole session; throttle
// bookkeeping is keyed per source id so a burst on one source never throttles
// another.
type Reconciler struct {
	minGap time.Duration
	log    zerolog.Logger
	bus    *EventBus

	mu             sync.Mutex
	slots          map[Slot]*resultState
	lastHypothesis map[string]time.Time // source id → last accepted hypothesis
	onConfirmed    ConfirmedResultFunc
}

// New creates a reconciler with empty slot state.
func New(opts Options) *Reconciler {
	gap := opts.MinHypothesisGap
	if gap <= 0 {
		gap = DefaultMinHypothesisGap
	}
	return &Reconciler{
		minGap:         gap,
		log:            opts.Log.With().Str("component", "reconcile").Logger(),
		bus:            NewEventBus(4096),
		slots:          make(map[Slot]*resultState),
		lastHypothesis: make(map[string]time.Time),
	}
}

// Bus returns the observer primitive the presentation layer subscribes to.
func (r *Reconciler) Bus() *EventBus { return r.bus }

// SetConfirmedResultCallback registers the single confirmation callback.
// Passing nil clears it.
func (r *Reconciler) SetConfirmedResultCallback(fn ConfirmedResultFunc) {
	r.mu.Lock()
	r.onConfirmed = fn
	r.mu.Unlock()
}

// Activate creates empty display state for a source's slot. Called by the
// session manager when the source set is established.
func (r *Reconciler) Activate(src source.Source) {
	slot := SlotForKind(src.Kind)
	r.mu.Lock()
	r.slots[slot] = &resultState{sourceID: src.ID, title: src.Label}
	r.mu.Unlock()
}

// OnHypothesis applies the three suppression gates in order: the per-source
// rate gate, the trimmed-identity content gate, then verbatim replacement of
// the slot's hypothesis text. Returns true when the update was accepted.
func (r *Reconciler) OnHypothesis(sourceID, text string, now time.Time) bool {
	r.mu.Lock()

	if last, ok := r.lastHypothesis[sourceID]; ok && now.Sub(last) < r.minGap {
		r.mu.Unlock()
		metrics.HypothesesSuppressed.WithLabelValues("rate").Inc()
		return false
	}

	slot := SlotForID(sourceID)
	st := r.slotState(slot, sourceID)

	trimmed := strings.TrimSpace(text)
	if trimmed == st.hypothesisText {
		r.mu.Unlock()
		metrics.HypothesesSuppressed.WithLabelValues("content").Inc()
		return false
	}

	st.hypothesisText = trimmed
	r.lastHypothesis[sourceID] = now
	snap := st.snapshot(slot)
	r.mu.Unlock()

	metrics.HypothesesAccepted.Inc()
	r.bus.Publish(Event{Type: "hypothesis", Slot: slot.String(), SourceID: sourceID, State: snap})
	return true
}

// OnConfirm is unconditionally accepted. Non-empty trimmed text is appended
// to the slot's confirmed text with a single separating space; the end
// boundary is advanced regardless of text emptiness; the hypothesis is
// cleared; the full result is retained and handed to the registered callback.
func (r *Reconciler) OnConfirm(sourceID, text string, endSeconds float64, final *engine.FinalResult) {
	r.mu.Lock()

	slot := SlotForID(sourceID)
	st := r.slotState(slot, sourceID)

	trimmed := strings.TrimSpace(text)
	if trimmed != "" {
		if st.confirmedText == "" {
			st.confirmedText = trimmed
		} else {
			st.confirmedText += " " + trimmed
		}
	}
	end := endSeconds
	st.endSeconds = &end
	st.hypothesisText = ""
	st.lastFinal = final

	cb := r.onConfirmed
	snap := st.snapshot(slot)
	r.mu.Unlock()

	metrics.ConfirmsTotal.Inc()
	if cb != nil {
		cb(sourceID, final)
	}
	r.bus.Publish(Event{Type: "confirm", Slot: slot.String(), SourceID: sourceID, State: snap})
}

// AddEnergySample records one magnitude sample for a source's slot. Called
// from the energy meter, off the engine's capture path.
func (r *Reconciler) AddEnergySample(sourceID string, magnitude float64) {
	slot := SlotForID(sourceID)
	r.mu.Lock()
	r.slotState(slot, sourceID).pushEnergy(magnitude)
	r.mu.Unlock()
}

// SetBufferSeconds records the latest buffered-audio depth for a source.
func (r *Reconciler) SetBufferSeconds(sourceID string, seconds float64) {
	slot := SlotForID(sourceID)
	r.mu.Lock()
	r.slotState(slot, sourceID).bufferSeconds = seconds
	r.mu.Unlock()
}

// LastFinal returns the latest retained confirmed result for a slot.
func (r *Reconciler) LastFinal(slot Slot) *engine.FinalResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.slots[slot]
	if !ok {
		return nil
	}
	return st.lastFinal
}

// Snapshot returns copies of all populated slot states.
func (r *Reconciler) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.slots))
	for _, slot := range []Slot{SlotDevice, SlotOther} {
		if st, ok := r.slots[slot]; ok {
			out = append(out, st.snapshot(slot))
		}
	}
	return out
}

// SlotSnapshot returns a copy of one slot's state.
func (r *Reconciler) SlotSnapshot(slot Slot) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.slots[slot]
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(slot), true
}

// Reset discards all slot state and throttle bookkeeping.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.slots = make(map[Slot]*resultState)
	r.lastHypothesis = make(map[string]time.Time)
	r.mu.Unlock()

	r.log.Info().Msg("result state cleared")
	r.bus.Publish(Event{Type: "reset"})
}

// slotState returns the state for a slot, creating it lazily for sources the
// manager never explicitly activated. Caller holds r.mu.
func (r *Reconciler) slotState(slot Slot, sourceID string) *resultState {
	st, ok := r.slots[slot]
	if !ok {
		st = &resultState{sourceID: sourceID, title: sourceID}
		r.slots[slot] = st
	}
	return st
}
