package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoRecord is returned by Rate when nothing has been logged yet.
var ErrNoRecord = errors.New("telemetry: no record to rate")

// Log is an ordered, append-only buffer of records owned by one session.
// Records leave the buffer only through a successful Flush.
type Log struct {
	flushMu     sync.Mutex
	mu          sync.Mutex
	pending     []Record
	lastID      string
	lastFlushed bool
	total       int
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, r)
	l.lastID = r.ID
	l.lastFlushed = false
	l.total++
}

// Pending returns a copy of the records not yet flushed, in append order.
func (l *Log) Pending() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.pending))
	copy(out, l.pending)
	return out
}

// Total is the number of records ever appended.
func (l *Log) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Flush writes the pending batch to sink. On failure the batch stays
// buffered for the next attempt and the error is returned for logging only.
// Records appended while the write is in flight are kept.
func (l *Log) Flush(ctx context.Context, sink Sink) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := make([]Record, len(l.pending))
	copy(batch, l.pending)
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := sink.Write(ctx, batch); err != nil {
		slog.Warn("telemetry: flush failed, batch retained", "records", len(batch), "error", err)
		return fmt.Errorf("flushing %d records: %w", len(batch), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Ratings attached during the write landed on l.pending; carry them over
	// to the sink copy before dropping the flushed prefix.
	var late []Record
	for i := range batch {
		if !sameRating(batch[i].Rating, l.pending[i].Rating) {
			late = append(late, l.pending[i])
		}
	}
	l.pending = append([]Record(nil), l.pending[len(batch):]...)
	if len(l.pending) == 0 {
		l.lastFlushed = true
	}
	for _, r := range late {
		if err := sink.UpdateRating(ctx, r.ID, *r.Rating); err != nil {
			slog.Warn("telemetry: rating update failed", "record", r.ID, "error", err)
		}
	}
	return nil
}

// Rate attaches a user rating to the most recent record. A record still in
// the buffer is updated in place; an already flushed one is updated in sink.
func (l *Log) Rate(ctx context.Context, sink Sink, rating int) error {
	l.mu.Lock()
	if l.lastID == "" {
		l.mu.Unlock()
		return ErrNoRecord
	}
	if !l.lastFlushed {
		l.pending[len(l.pending)-1].Rating = Ptr(rating)
		l.mu.Unlock()
		return nil
	}
	id := l.lastID
	l.mu.Unlock()

	if sink == nil {
		return fmt.Errorf("rating flushed record %s: no sink configured", id)
	}
	if err := sink.UpdateRating(ctx, id, rating); err != nil {
		return fmt.Errorf("rating flushed record %s: %w", id, err)
	}
	return nil
}

func sameRating(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
