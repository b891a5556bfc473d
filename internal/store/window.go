package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crewready/secwatch/pkg/types"
)

// maxSamplesPerMetric bounds each series regardless of retention.
const maxSamplesPerMetric = 1024

// Window is a thread-safe in-memory rolling window of samples, keyed by
// metric name. A background goroutine (Run) periodically drops samples older
// than the retention period. Samples are never persisted.
type Window struct {
	mu        sync.RWMutex
	data      map[string][]types.Sample
	retention time.Duration
	clock     clockwork.Clock
	now       func() time.Time // injectable for deterministic tests
}

// NewWindow creates a Window with the given retention. A nil clock uses
// wall time.
func NewWindow(retention time.Duration, clock clockwork.Clock) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{
		data:      make(map[string][]types.Sample),
		retention: retention,
		clock:     clock,
		now:       clock.Now,
	}
}

// Put appends s to its metric's series. Samples older than the newest one
// already held are dropped so each series stays ordered.
func (w *Window) Put(s types.Sample) {
	if s.At.IsZero() {
		s.At = w.now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	series := w.data[s.Metric]
	if n := len(series); n > 0 && s.At.Before(series[n-1].At) {
		return
	}
	series = append(series, s)
	if len(series) > maxSamplesPerMetric {
		series = series[len(series)-maxSamplesPerMetric:]
	}
	w.data[s.Metric] = series
}

// Latest returns the newest sample for metric within retention.
func (w *Window) Latest(metric string) (types.Sample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	series := w.data[metric]
	if len(series) == 0 {
		return types.Sample{}, false
	}
	last := series[len(series)-1]
	if !last.At.After(w.now().Add(-w.retention)) {
		return types.Sample{}, false
	}
	return last, true
}

// LatestAll returns the newest in-retention sample of every metric.
func (w *Window) LatestAll() map[string]types.Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cutoff := w.now().Add(-w.retention)
	out := make(map[string]types.Sample, len(w.data))
	for m, series := range w.data {
		if len(series) == 0 {
			continue
		}
		if last := series[len(series)-1]; last.At.After(cutoff) {
			out[m] = last
		}
	}
	return out
}

// Series returns a copy of the in-retention samples for metric, oldest first.
func (w *Window) Series(metric string) []types.Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cutoff := w.now().Add(-w.retention)
	series := w.data[metric]
	out := make([]types.Sample, 0, len(series))
	for _, s := range series {
		if s.At.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Evict removes samples older than now minus retention and returns how many
// were dropped.
func (w *Window) Evict(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.retention)
	removed := 0
	for m, series := range w.data {
		i := 0
		for i < len(series) && !series[i].At.After(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(series) {
			delete(w.data, m)
			continue
		}
		w.data[m] = append([]types.Sample(nil), series[i:]...)
	}
	return removed
}

// Run starts the background eviction loop. It ticks at half the retention
// (minimum 1 second) and blocks until ctx is cancelled.
func (w *Window) Run(ctx context.Context) {
	interval := w.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := w.clock.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.Chan():
			if n := w.Evict(now); n > 0 {
				slog.Debug("store: evicted expired samples", "count", n)
			}
		}
	}
}
