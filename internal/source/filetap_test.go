package source

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeChunk(t *testing.T, dir, name string, samples []int16) string {
	t.Helper()
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileTapIsRunning(t *testing.T) {
	t.Run("missing_dir", func(t *testing.T) {
		tap := NewFileTap(filepath.Join(t.TempDir(), "nope"), zerolog.Nop())
		running, err := tap.IsRunning(context.Background(), "x")
		if err != nil {
			t.Fatal(err)
		}
		if running {
			t.Error("missing spool dir must report not running")
		}
	})

	t.Run("existing_dir", func(t *testing.T) {
		tap := NewFileTap(t.TempDir(), zerolog.Nop())
		running, err := tap.IsRunning(context.Background(), "x")
		if err != nil {
			t.Fatal(err)
		}
		if !running {
			t.Error("existing spool dir must report running")
		}
	})
}

func TestFileTapFrames(t *testing.T) {
	t.Run("emits_and_removes_chunk", func(t *testing.T) {
		dir := t.TempDir()
		tap := NewFileTap(dir, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		frames, err := tap.Frames(ctx)
		if err != nil {
			t.Fatal(err)
		}

		samples := []int16{0, 100, -100, 32000}
		path := writeChunk(t, dir, "chunk-000.pcm", samples)

		select {
		case frame := <-frames:
			if len(frame.PCM) != len(samples) {
				t.Fatalf("got %d samples, want %d", len(frame.PCM), len(samples))
			}
			for i, s := range samples {
				if frame.PCM[i] != s {
					t.Errorf("sample %d = %d, want %d", i, frame.PCM[i], s)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no frame emitted")
		}

		// Consumed chunks are removed from the spool.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Error("consumed chunk still in spool")
	})

	t.Run("non_pcm_files_ignored", func(t *testing.T) {
		dir := t.TempDir()
		tap := NewFileTap(dir, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		frames, err := tap.Frames(ctx)
		if err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
			t.Fatal(err)
		}

		select {
		case frame := <-frames:
			t.Fatalf("unexpected frame from non-pcm file: %+v", frame)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("cancel_inside_debounce_window_is_clean", func(t *testing.T) {
		dir := t.TempDir()
		tap := NewFileTap(dir, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		frames, err := tap.Frames(ctx)
		if err != nil {
			t.Fatal(err)
		}

		// Cancel while the chunk's debounce timer is still pending. The
		// timer must not be allowed to emit into the closed channel.
		writeChunk(t, dir, "late.pcm", []int16{1, 2, 3})
		time.Sleep(20 * time.Millisecond)
		cancel()

		for range frames {
		}
		// Give a stray timer time to fire; a racing send would crash here.
		time.Sleep(200 * time.Millisecond)
	})

	t.Run("cancel_closes_channel", func(t *testing.T) {
		tap := NewFileTap(t.TempDir(), zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		frames, err := tap.Frames(ctx)
		if err != nil {
			t.Fatal(err)
		}
		cancel()

		select {
		case _, ok := <-frames:
			if ok {
				t.Error("expected closed channel, got frame")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed after cancel")
		}
	})
}
