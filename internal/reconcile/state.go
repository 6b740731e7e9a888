package reconcile

import (
	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/source"
)

// Slot is the per-kind result slot an update routes to. Device sources route
// to SlotDevice; tap and every other kind route to SlotOther.
type Slot int

const (
	SlotDevice Slot = iota
	SlotOther
)

func (s Slot) String() string {
	if s == SlotDevice {
		return "device"
	}
	return "other"
}

// SlotForKind maps a source kind to its result slot.
func SlotForKind(k source.Kind) Slot {
	if k == source.KindDevice {
		return SlotDevice
	}
	return SlotOther
}

// SlotForID routes by the id prefix convention; ids matching neither known
// prefix land in the non-device slot.
func SlotForID(id string) Slot {
	return SlotForKind(source.KindFromID(id))
}

// energyRingCap bounds the retained energy samples per slot.
const energyRingCap = 256

// resultState is the mutable per-slot display state. Mutated only through the
// reconciler's gated entry points, under its lock.
type resultState struct {
	sourceID       string
	title          string
	confirmedText  string // append-only for the session
	hypothesisText string // fully replaced on accept, cleared on confirm
	endSeconds     *float64
	bufferSeconds  float64
	lastFinal      *engine.FinalResult

	energy     [energyRingCap]float64
	energyLen  int
	energyHead int
}

func (s *resultState) pushEnergy(v float64) {
	s.energy[s.energyHead] = v
	s.energyHead = (s.energyHead + 1) % energyRingCap
	if s.energyLen < energyRingCap {
		s.energyLen++
	}
}

func (s *resultState) energySamples() []float64 {
	if s.energyLen == 0 {
		return nil
	}
	out := make([]float64, s.energyLen)
	start := (s.energyHead - s.energyLen + energyRingCap) % energyRingCap
	for i := 0; i < s.energyLen; i++ {
		out[i] = s.energy[(start+i)%energyRingCap]
	}
	return out
}

// Snapshot is an immutable copy of one slot's display state.
type Snapshot struct {
	Slot           string    `json:"slot"`
	SourceID       string    `json:"source_id"`
	Title          string    `json:"title"`
	ConfirmedText  string    `json:"confirmed_text"`
	HypothesisText string    `json:"hypothesis_text"`
	EndSeconds     *float64  `json:"end_seconds,omitempty"`
	BufferSeconds  float64   `json:"buffer_seconds"`
	EnergySamples  []float64 `json:"energy_samples,omitempty"`
}

func (s *resultState) snapshot(slot Slot) Snapshot {
	var end *float64
	if s.endSeconds != nil {
		v := *s.endSeconds
		end = &v
	}
	return Snapshot{
		Slot:           slot.String(),
		SourceID:       s.sourceID,
		Title:          s.title,
		ConfirmedText:  s.confirmedText,
		HypothesisText: s.hypothesisText,
		EndSeconds:     end,
		BufferSeconds:  s.bufferSeconds,
		EnergySamples:  s.energySamples(),
	}
}
