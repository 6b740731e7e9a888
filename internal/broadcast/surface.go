package broadcast

import "context"

// ContentStatus is the state document published to the notification surface.
// It is comparable; a broadcast is skipped when the new value equals the
// buffered one.
type ContentStatus struct {
	CurrentHypothesis string  `json:"current_hypothesis"`
	HasVoice          bool    `json:"has_voice"`
	AudioSeconds      float64 `json:"audio_seconds"`
	Interrupted       bool    `json:"interrupted"`
}

// Handle identifies one live activity on the surface.
type Handle string

// Dismissal controls how an ended activity disappears.
type Dismissal int

const (
	DismissalDefault Dismissal = iota
	DismissalImmediate
)

// Attributes are the static properties of an activity, set at request time.
type Attributes struct {
	Title string `json:"title"`
}

// Surface is the platform notification-widget boundary. Only the state-update
// contract is in scope; rendering happens elsewhere. All failures are
// PlatformError-class: logged by the broadcaster, never session-fatal.
type Surface interface {
	Request(ctx context.Context, attrs Attributes, initial ContentStatus) (Handle, error)
	Update(ctx context.Context, h Handle, state ContentStatus) error
	End(ctx context.Context, h Handle, d Dismissal) error

	// ListActive reports activities left over by a previous process instance,
	// for the orphan sweep at start.
	ListActive(ctx context.Context) ([]Handle, error)
}
