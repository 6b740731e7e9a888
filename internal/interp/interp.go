// Package interp provides a small progress-interpolation utility: a pure
// position function of elapsed time plus a cancellable fixed-rate driver.
// Used to animate progress indicators toward a target value without embedding
// polling loops in the coordinators.
package interp

import (
	"context"
	"time"
)

// DefaultFrameInterval ticks at ~30 fps.
const DefaultFrameInterval = 33 * time.Millisecond

// Value returns the linearly interpolated position between from and to after
// elapsed time. The result is clamped to the endpoint once elapsed reaches
// duration; non-positive durations snap to the target.
func Value(from, to float64, elapsed, duration time.Duration) float64 {
	if duration <= 0 || elapsed >= duration {
		return to
	}
	if elapsed <= 0 {
		return from
	}
	t := float64(elapsed) / float64(duration)
	return from + (to-from)*t
}

// Run drives fn with interpolated values at the given frame interval until
// the target is reached or ctx is cancelled. fn always receives the final
// target value on normal completion.
func Run(ctx context.Context, from, to float64, duration, frameInterval time.Duration, fn func(float64)) {
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	if duration <= 0 {
		fn(to)
		return
	}

	start := time.Now()
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			fn(Value(from, to, elapsed, duration))
			if elapsed >= duration {
				return
			}
		}
	}
}
