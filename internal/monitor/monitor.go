package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/crewready/secwatch/internal/alerts"
	"github.com/crewready/secwatch/internal/collector"
	"github.com/crewready/secwatch/internal/configstore"
	"github.com/crewready/secwatch/pkg/types"
)

// raisedBuffer is the capacity of the evaluator → lifecycle channel.
const raisedBuffer = 64

// SnapshotSource supplies the configuration view for one tick.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*configstore.Snapshot, error)
}

// Collector samples every monitored metric once.
type Collector interface {
	Collect(ctx context.Context) (collector.Tick, error)
}

// Runner is a component that works until its context is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Consumer drains raised events until its context is cancelled.
type Consumer interface {
	Run(ctx context.Context, in <-chan alerts.Raised)
}

// Deps are the components the service wires together.
type Deps struct {
	Config     SnapshotSource
	Collector  Collector
	Open       alerts.OpenChecker
	Lifecycle  Consumer
	Dispatcher Runner

	// Window is run for eviction when set.
	Window Runner
}

// Status is the health view of the loop.
type Status struct {
	Running   bool      `json:"running"`
	LastTick  time.Time `json:"last_tick"`
	LastError string    `json:"last_error,omitempty"`
	Ticks     uint64    `json:"ticks"`
}

// Service ticks collection and evaluation on a fixed interval. One tick runs
// to completion before the next starts; ticks that fall due meanwhile are
// dropped by the ticker.
type Service struct {
	deps      Deps
	interval  time.Duration
	clock     clockwork.Clock
	raised    chan alerts.Raised
	evaluator *alerts.Evaluator

	mu      sync.Mutex
	status  Status
	stopFns []func()
}

// New creates a Service that ticks every interval. A nil clock uses wall
// time.
func New(deps Deps, interval time.Duration, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	raised := make(chan alerts.Raised, raisedBuffer)
	return &Service{
		deps:      deps,
		interval:  interval,
		clock:     clock,
		raised:    raised,
		evaluator: alerts.NewEvaluator(deps.Open, clock, raised),
	}
}

// Start launches the background goroutines. They run until Stop: cancelling
// ctx does not stop them, so shutdown always follows Stop's order. It
// returns an error if the service is already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Running {
		return errors.New("monitor: already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("monitor: interval must be positive, got %s", s.interval)
	}

	// Stopped in reverse order: the loop first so nothing new is raised,
	// then the lifecycle consumer so buffered events are persisted and
	// enqueued, then delivery and eviction.
	s.stopFns = nil
	ctx = context.WithoutCancel(ctx)
	if s.deps.Window != nil {
		s.stopFns = append(s.stopFns, s.spawn(ctx, s.deps.Window.Run))
	}
	if s.deps.Dispatcher != nil {
		s.stopFns = append(s.stopFns, s.spawn(ctx, s.deps.Dispatcher.Run))
	}
	if s.deps.Lifecycle != nil {
		s.stopFns = append(s.stopFns, s.spawn(ctx, func(ctx context.Context) {
			s.deps.Lifecycle.Run(ctx, s.raised)
		}))
	}
	s.stopFns = append(s.stopFns, s.spawn(ctx, s.loop))

	s.status.Running = true
	slog.Info("monitor: started", "interval", s.interval)
	return nil
}

// spawn runs fn in a goroutine under its own cancellable context and
// returns a function that cancels it and waits for it to return.
func (s *Service) spawn(parent context.Context, fn func(context.Context)) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// Stop cancels the background goroutines and waits for them to return.
// Stop on a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	fns := s.stopFns
	s.stopFns = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}

	s.mu.Lock()
	if s.status.Running {
		slog.Info("monitor: stopped", "ticks", s.status.Ticks)
	}
	s.status.Running = false
	s.mu.Unlock()
}

// Status returns a copy of the loop's health.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) loop(ctx context.Context) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				slog.Error("monitor: tick failed", "err", err)
			}
		}
	}
}

// Tick runs one collection and evaluation pass against a single config
// snapshot and returns the events raised. A partial collection failure is
// logged and the metrics that were sampled are still evaluated.
func (s *Service) Tick(ctx context.Context) ([]alerts.Raised, error) {
	raised, err := s.tick(ctx)

	s.mu.Lock()
	s.status.Ticks++
	s.status.LastTick = s.clock.Now()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
	return raised, err
}

func (s *Service) tick(ctx context.Context) ([]alerts.Raised, error) {
	snap, err := s.deps.Config.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	tick, err := s.deps.Collector.Collect(ctx)
	var partial *types.PartialCollectionFailure
	switch {
	case errors.As(err, &partial):
		slog.Warn("monitor: some metrics were not sampled", "err", err, "sampled", len(tick.Samples))
	case err != nil:
		return nil, fmt.Errorf("collect: %w", err)
	}

	raised, err := s.evaluator.Evaluate(ctx, snap.ActiveThresholds(), tick.Samples, snap.Tuning().AlertCooldown)
	if err != nil {
		return raised, fmt.Errorf("evaluate: %w", err)
	}
	if len(raised) > 0 {
		slog.Info("monitor: breaches raised", "count", len(raised))
	}
	return raised, nil
}
