package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Flusher periodically flushes every registered Log to one Sink.
type Flusher struct {
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	logs map[*Log]struct{}
}

// NewFlusher creates a Flusher. If interval is <= 0 it defaults to 30s.
func NewFlusher(sink Sink, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Flusher{
		sink:     sink,
		interval: interval,
		logger:   slog.Default(),
		logs:     make(map[*Log]struct{}),
	}
}

func (f *Flusher) Register(l *Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[l] = struct{}{}
}

// Unregister stops periodic flushing of l after one last attempt.
func (f *Flusher) Unregister(ctx context.Context, l *Log) {
	f.mu.Lock()
	delete(f.logs, l)
	f.mu.Unlock()
	_ = l.Flush(ctx, f.sink)
}

// FlushAll flushes every registered log once and returns how many failed.
func (f *Flusher) FlushAll(ctx context.Context) int {
	f.mu.Lock()
	logs := make([]*Log, 0, len(f.logs))
	for l := range f.logs {
		logs = append(logs, l)
	}
	f.mu.Unlock()

	failed := 0
	for _, l := range logs {
		if err := l.Flush(ctx, f.sink); err != nil {
			failed++
		}
	}
	return failed
}

// Run flushes on every tick until ctx is cancelled, then makes one final
// attempt with a short detached deadline.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if failed := f.FlushAll(finalCtx); failed > 0 {
				f.logger.Warn("telemetry: final flush left records buffered", "logs", failed)
			}
			cancel()
			return
		case <-ticker.C:
			if failed := f.FlushAll(ctx); failed > 0 {
				f.logger.Debug("telemetry: periodic flush incomplete", "logs", failed)
			}
		}
	}
}
