package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned when there is no active engine instance to
// attach a stream to (e.g. no model loaded, transport down).
var ErrUnavailable = errors.New("transcription engine unavailable")

// Error wraps an opaque failure from the engine during registration or feed
// consumption. It is contained to the affected stream's task.
type Error struct {
	Op       string // "register", "results", "stop"
	StreamID string
	Err      error
}

func (e *Error) Error() string {
	if e.StreamID == "" {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s (stream %s): %v", e.Op, e.StreamID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ResultKind distinguishes the two variants of an incremental result.
type ResultKind int

const (
	// KindHypothesis is an unconfirmed partial the engine may still revise.
	KindHypothesis ResultKind = iota
	// KindConfirm is a finalized segment the engine will not revise further.
	KindConfirm
)

// Word is a timestamped word within a confirmed segment.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability,omitempty"`
	Speaker     string  `json:"speaker,omitempty"`
}

// FinalResult is the full confirmed result object retained per source.
type FinalResult struct {
	Text       string  `json:"text"`
	EndSeconds float64 `json:"end_seconds"`
	Language   string  `json:"language,omitempty"`
	Words      []Word  `json:"words,omitempty"`
}

// Result is one incremental result from a stream's feed.
// Hypothesis results carry Text and optional Metadata; Confirm results carry
// Text, EndSeconds and the full Final object.
type Result struct {
	Kind       ResultKind
	Text       string
	EndSeconds float64
	Final      *FinalResult
	Metadata   map[string]string
}

// FrameFunc is an optional per-frame callback used for device streams to
// compute energy metrics. It must not block the engine's capture path.
type FrameFunc func(pcm []int16)

// StreamPolicy is the voice-triggered streaming policy. The battery-optimized
// and always-on mode names are accepted by config but mapped onto this policy.
type StreamPolicy struct {
	SilenceThreshold   float64 `json:"silence_threshold"`
	BufferCapSeconds   float64 `json:"buffer_cap_seconds"`
	MinProcessInterval float64 `json:"min_process_interval_seconds"`
}

// DefaultPolicy returns the voice-triggered policy defaults.
func DefaultPolicy() StreamPolicy {
	return StreamPolicy{
		SilenceThreshold:   0.012,
		BufferCapSeconds:   30,
		MinProcessInterval: 0.5,
	}
}

// RegisterOptions configures one stream registration.
type RegisterOptions struct {
	Policy  StreamPolicy
	Lang    string
	OnFrame FrameFunc // device streams only; may be nil
}

// Engine is the opaque transcription/diarization service boundary. One
// registration per stream; results are consumed as an asynchronous feed.
type Engine interface {
	// Register attaches a stream to the engine. May perform I/O.
	Register(ctx context.Context, streamID string, opts RegisterOptions) error

	// Results returns the asynchronous result feed for a registered stream.
	// The channel is closed when the feed is exhausted, the stream is removed,
	// or the context is cancelled.
	Results(ctx context.Context, streamID string) (<-chan Result, error)

	// StopAndRemove tears down a stream on the engine side. Failures are
	// logged by the caller, never propagated through a stop sequence.
	StopAndRemove(ctx context.Context, streamID string) error
}
