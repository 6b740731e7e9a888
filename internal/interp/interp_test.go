package interp

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

func TestValue(t *testing.T) {
	tests := []struct {
		name     string
		from, to float64
		elapsed  time.Duration
		duration time.Duration
		want     float64
	}{
		{"at_start", 0, 10, 0, time.Second, 0},
		{"midpoint", 0, 10, 500 * time.Millisecond, time.Second, 5},
		{"at_end", 0, 10, time.Second, time.Second, 10},
		{"past_end_clamped", 0, 10, 2 * time.Second, time.Second, 10},
		{"negative_elapsed_clamped", 2, 10, -time.Second, time.Second, 2},
		{"zero_duration_snaps", 0, 10, 0, 0, 10},
		{"descending", 10, 0, 250 * time.Millisecond, time.Second, 7.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Value(tt.from, tt.to, tt.elapsed, tt.duration)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun(t *testing.T) {
	t.Run("reaches_target_monotonically", func(t *testing.T) {
		var mu sync.Mutex
		var values []float64

		Run(context.Background(), 0, 1, 100*time.Millisecond, 10*time.Millisecond, func(v float64) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		})

		mu.Lock()
		defer mu.Unlock()
		if len(values) == 0 {
			t.Fatal("no frames delivered")
		}
		if last := values[len(values)-1]; last != 1 {
			t.Errorf("final value = %v, want exactly the target", last)
		}
		for i := 1; i < len(values); i++ {
			if values[i] < values[i-1] {
				t.Errorf("values regressed at %d: %v", i, values)
				break
			}
		}
	})

	t.Run("zero_duration_delivers_target_once", func(t *testing.T) {
		var values []float64
		Run(context.Background(), 3, 7, 0, 10*time.Millisecond, func(v float64) {
			values = append(values, v)
		})
		if len(values) != 1 || values[0] != 7 {
			t.Errorf("values = %v, want single target frame", values)
		}
	})

	t.Run("cancel_stops_frames", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		Run(ctx, 0, 1, time.Hour, 10*time.Millisecond, func(float64) { called = true })
		if called {
			t.Error("cancelled run must not deliver frames")
		}
	})
}
