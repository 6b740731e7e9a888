package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribed/internal/engine"
	"github.com/snarg/scribed/internal/reconcile"
)

// Writer adapts the reconciler's confirmed-result callback into batched
// segment inserts. Persistence is fire-and-forget: a flush failure is logged
// and never surfaces to the transcription pipeline.
type Writer struct {
	db      *DB
	batcher *Batcher[SegmentRow]
	log     zerolog.Logger
}

// NewWriter creates a writer flushing at 50 rows or every 2 seconds.
func NewWriter(db *DB, log zerolog.Logger) *Writer {
	w := &Writer{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
	w.batcher = NewBatcher[SegmentRow](50, 2*time.Second, w.flush)
	return w
}

// ConfirmedResult is registered as the reconciler's confirmation callback.
func (w *Writer) ConfirmedResult(sourceID string, final *engine.FinalResult) {
	if final == nil {
		return
	}

	var words json.RawMessage
	if len(final.Words) > 0 {
		words, _ = json.Marshal(final.Words)
	}

	w.batcher.Add(SegmentRow{
		SourceID:    sourceID,
		Slot:        reconcile.SlotForID(sourceID).String(),
		Text:        final.Text,
		EndSeconds:  final.EndSeconds,
		Language:    final.Language,
		Words:       words,
		ConfirmedAt: time.Now().UTC(),
	})
}

// Stop flushes any buffered rows and waits for in-flight inserts.
func (w *Writer) Stop() {
	w.batcher.Stop()
}

func (w *Writer) flush(rows []SegmentRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := w.db.InsertSegments(ctx, rows)
	if err != nil {
		w.log.Error().Err(err).Int("count", len(rows)).Msg("failed to flush segments")
		return
	}
	w.log.Debug().Int64("inserted", n).Msg("flushed segments")
}
