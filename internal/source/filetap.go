package source

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileTap feeds audio frames from a spool directory: an external process taps
// an audio pipe and drops raw PCM chunk files (.pcm, little-endian int16)
// which are picked up via fsnotify and emitted in arrival order. Files are
// removed after they have been read.
type FileTap struct {
	dir string
	log zerolog.Logger

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesRead    atomic.Int64
	filesSkipped atomic.Int64
}

// NewFileTap creates a tap feed over the given spool directory.
func NewFileTap(dir string, log zerolog.Logger) *FileTap {
	return &FileTap{
		dir:            dir,
		log:            log.With().Str("component", "filetap").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// IsRunning reports tap liveness: the spool directory must exist and be a
// directory. Satisfies TapProber for file-backed taps.
func (t *FileTap) IsRunning(_ context.Context, _ string) (bool, error) {
	info, err := os.Stat(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Frames starts watching the spool directory and returns the frame channel.
// The channel is closed when the context is cancelled or the watcher dies.
func (t *FileTap) Frames(ctx context.Context) (<-chan Frame, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(t.dir); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan Frame, 64)
	pending := make(chan string, 16)
	go t.watchLoop(ctx, w, out, pending)

	t.log.Info().Str("dir", t.dir).Msg("file tap watching")
	return out, nil
}

// watchLoop is the only goroutine that sends on out. Debounce timers hand
// settled paths back through pending instead of emitting directly, so a
// late-firing timer can never race the close of out.
func (t *FileTap) watchLoop(ctx context.Context, w *fsnotify.Watcher, out chan<- Frame, pending chan string) {
	ctx, cancel := context.WithCancel(ctx)
	defer close(out)
	defer t.stopTimers()
	defer w.Close()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			t.log.Info().
				Int64("files_read", t.filesRead.Load()).
				Int64("files_skipped", t.filesSkipped.Load()).
				Msg("file tap stopped")
			return
		case path := <-pending:
			t.emitFile(ctx, path, out)
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".pcm") {
				continue
			}
			t.debounce(event.Name, func() {
				select {
				case pending <- event.Name:
				case <-ctx.Done():
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.log.Warn().Err(err).Msg("file tap watcher error")
		}
	}
}

// debounce delays processing until writes to the file have settled. A second
// event for the same path resets the timer.
func (t *FileTap) debounce(path string, fn func()) {
	t.debounceMu.Lock()
	defer t.debounceMu.Unlock()

	if timer, ok := t.debounceTimers[path]; ok {
		timer.Stop()
	}
	t.debounceTimers[path] = time.AfterFunc(100*time.Millisecond, func() {
		t.debounceMu.Lock()
		delete(t.debounceTimers, path)
		t.debounceMu.Unlock()
		fn()
	})
}

// stopTimers stops and discards all pending debounce timers.
func (t *FileTap) stopTimers() {
	t.debounceMu.Lock()
	defer t.debounceMu.Unlock()
	for path, timer := range t.debounceTimers {
		timer.Stop()
		delete(t.debounceTimers, path)
	}
}

func (t *FileTap) emitFile(ctx context.Context, path string, out chan<- Frame) {
	data, err := os.ReadFile(path)
	if err != nil {
		t.filesSkipped.Add(1)
		t.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("failed to read chunk")
		return
	}
	if len(data) < 2 {
		t.filesSkipped.Add(1)
		return
	}

	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}

	select {
	case out <- Frame{PCM: pcm, Time: time.Now()}:
		t.filesRead.Add(1)
		if err := os.Remove(path); err != nil {
			t.log.Debug().Err(err).Str("file", filepath.Base(path)).Msg("failed to remove consumed chunk")
		}
	case <-ctx.Done():
	}
}
