package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crewready/secwatch/internal/store"
	"github.com/crewready/secwatch/pkg/types"
)

// Tick is the result of one collection pass.
type Tick struct {
	At      time.Time
	Samples map[string]types.Sample
}

// Collector samples every source once per call and records the results in
// the rolling window.
type Collector struct {
	sources []Source
	window  *store.Window
	clock   clockwork.Clock

	failures *prometheus.CounterVec
}

// New creates a Collector. reg may be nil to skip self-metrics.
func New(sources []Source, window *store.Window, clock clockwork.Clock, reg prometheus.Registerer) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		sources: sources,
		window:  window,
		clock:   clock,
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "secwatch_collection_failures_total",
			Help: "Sampling failures per monitored metric.",
		}, []string{"metric"}),
	}
}

// Collect samples all sources concurrently. Successful samples are stored
// in the window and returned even when some sources fail; in that case the
// error is a *types.PartialCollectionFailure naming the failed metrics.
func (c *Collector) Collect(ctx context.Context) (Tick, error) {
	at := c.clock.Now()
	tick := Tick{At: at, Samples: make(map[string]types.Sample, len(c.sources))}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures map[string]error
	)
	for _, src := range c.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			v, err := sampleSafely(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if failures == nil {
					failures = make(map[string]error)
				}
				failures[src.Metric()] = err
				return
			}
			tick.Samples[src.Metric()] = types.Sample{Metric: src.Metric(), Value: v, At: at}
		}(src)
	}
	wg.Wait()

	for _, s := range tick.Samples {
		c.window.Put(s)
	}
	if len(failures) == 0 {
		return tick, nil
	}
	for m, err := range failures {
		c.failures.WithLabelValues(m).Inc()
		slog.Warn("collector: sampling failed", "metric", m, "err", err)
	}
	return tick, &types.PartialCollectionFailure{Failures: failures}
}

// sampleSafely turns a panicking source into an error so one bad source
// cannot take down the monitoring loop.
func sampleSafely(ctx context.Context, src Source) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	return src.Sample(ctx)
}
