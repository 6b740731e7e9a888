package source

import (
	"context"
	"strings"
	"time"
)

// Kind classifies an audio input. It is carried on the Source value so that
// routing never has to re-parse the id string.
type Kind int

const (
	KindDevice Kind = iota
	KindTap
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindTap:
		return "tap"
	default:
		return "other"
	}
}

// Id prefixes kept for wire compatibility with the engine's stream registry.
const (
	DevicePrefix = "device-"
	TapPrefix    = "tap-"
)

// KindFromID derives the kind from the id prefix convention. Ids that match
// neither prefix are treated as "other" and route to the non-device slot.
func KindFromID(id string) Kind {
	switch {
	case strings.HasPrefix(id, DevicePrefix):
		return KindDevice
	case strings.HasPrefix(id, TapPrefix):
		return KindTap
	default:
		return KindOther
	}
}

// Frame is one chunk of live PCM audio from a source's feed.
type Frame struct {
	PCM  []int16
	Time time.Time
}

// FrameFeed produces live audio frames for a source. The channel is closed
// when the feed ends or the context is cancelled.
type FrameFeed interface {
	Frames(ctx context.Context) (<-chan Frame, error)
}

// Source describes one audio input for a session. Immutable once the session
// has started; ids are unique within a session.
type Source struct {
	ID    string
	Kind  Kind
	Label string
	Feed  FrameFeed // nil when the engine captures directly (device inputs)
}

// NewDevice builds a device-kind source from a device name.
func NewDevice(name string) Source {
	return Source{
		ID:    DevicePrefix + name,
		Kind:  KindDevice,
		Label: name,
	}
}

// NewTap builds a tap-kind source over an arbitrary audio pipe.
func NewTap(name string, feed FrameFeed) Source {
	return Source{
		ID:    TapPrefix + name,
		Kind:  KindTap,
		Label: name,
		Feed:  feed,
	}
}

// Device is one entry from the live device enumeration.
type Device struct {
	Name      string
	IsDefault bool
}

// DeviceLister enumerates currently attached audio input devices.
// Implementations live outside this package (platform audio layer).
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// TapProber reports whether a named tapped process/pipe is currently live.
type TapProber interface {
	IsRunning(ctx context.Context, name string) (bool, error)
}
