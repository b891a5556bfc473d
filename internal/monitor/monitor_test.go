package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"

	"github.com/crewready/secwatch/internal/alerts"
	"github.com/crewready/secwatch/internal/collector"
	"github.com/crewready/secwatch/internal/configstore"
	"github.com/crewready/secwatch/internal/store"
	"github.com/crewready/secwatch/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// gauge is a Source whose value the test sets.
type gauge struct {
	metric string
	mu     sync.Mutex
	value  float64
	err    error
}

func (g *gauge) Metric() string { return g.metric }

func (g *gauge) Sample(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value, g.err
}

func (g *gauge) set(v float64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value, g.err = v, err
}

type enqueued struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (e *enqueued) Enqueue(a types.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, a)
}

func (e *enqueued) Cancel(string) {}

func (e *enqueued) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

type fixture struct {
	clock  *clockwork.FakeClock
	store  *store.Store
	auth   *gauge
	inject *gauge
	queue  *enqueued
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	st, err := store.Open(ctx, store.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", store.WithClock(clk))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := configstore.New(st, configstore.WithClock(clk))
	if err := cfg.Seed(ctx, configstore.DefaultThresholds(), nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	f := &fixture{
		clock:  clk,
		store:  st,
		auth:   &gauge{metric: types.MetricAuthFailures},
		inject: &gauge{metric: types.MetricInjectionAttempts},
		queue:  &enqueued{},
	}
	window := store.NewWindow(15*time.Minute, clk)
	coll := collector.New([]collector.Source{f.auth, f.inject}, window, clk, nil)
	mgr := alerts.NewManager(st, clk, f.queue, nil, nil)

	f.svc = New(Deps{
		Config:    cfg,
		Collector: coll,
		Open:      st,
		Lifecycle: mgr,
		Window:    window,
	}, time.Minute, clk)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.svc.Stop)
}

func (f *fixture) openAlerts(t *testing.T) []types.Alert {
	t.Helper()
	open := false
	list, _, err := f.store.ListAlerts(context.Background(), types.AlertFilter{Resolved: &open}, types.Page{Limit: 100})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	return list
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTick_EscalationAndDedup(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	f.auth.set(6, nil)
	raised, err := f.svc.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raised) != 1 || raised[0].Alert.Severity != types.SeverityWarning {
		t.Fatalf("raised = %+v, want one warning", raised)
	}
	waitFor(t, "warning persisted", func() bool { return f.queue.count() == 1 })

	f.clock.Advance(time.Minute)
	f.auth.set(11, nil)
	raised, err = f.svc.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raised) != 1 || raised[0].Alert.Severity != types.SeverityCritical {
		t.Fatalf("raised = %+v, want one critical", raised)
	}
	waitFor(t, "critical persisted", func() bool { return f.queue.count() == 2 })

	f.clock.Advance(time.Minute)
	raised, err = f.svc.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raised) != 0 {
		t.Fatalf("repeated breach raised %d alerts, want 0", len(raised))
	}

	if got := len(f.openAlerts(t)); got != 2 {
		t.Errorf("open alerts = %d, want 2", got)
	}
	st := f.svc.Status()
	if !st.Running || st.Ticks != 3 || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
	if !st.LastTick.Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("last tick = %v", st.LastTick)
	}
}

func TestTick_PartialCollectionStillEvaluates(t *testing.T) {
	f := newFixture(t)
	f.auth.set(0, errors.New("registry unavailable"))
	f.inject.set(2, nil)

	raised, err := f.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(raised) != 1 || raised[0].Alert.Metric != types.MetricInjectionAttempts {
		t.Fatalf("raised = %+v, want one injectionAttempts alert", raised)
	}
}

func TestTick_NoBreach(t *testing.T) {
	f := newFixture(t)
	f.auth.set(4.99, nil)
	f.inject.set(0, nil)

	raised, err := f.svc.Tick(context.Background())
	if err != nil || len(raised) != 0 {
		t.Fatalf("Tick = %v, %v; want no breaches", raised, err)
	}
}

type failingConfig struct{}

func (failingConfig) Snapshot(context.Context) (*configstore.Snapshot, error) {
	return nil, errors.New("database is locked")
}

func TestTick_SnapshotErrorRecorded(t *testing.T) {
	f := newFixture(t)
	f.svc.deps.Config = failingConfig{}

	if _, err := f.svc.Tick(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if st := f.svc.Status(); st.LastError == "" || st.Ticks != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.svc.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	f.svc.Stop()
	f.svc.Stop()
	if f.svc.Status().Running {
		t.Error("still running after Stop")
	}

	// A stopped service can be started again.
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.svc.Stop()
}

func TestStop_PersistsBufferedEvents(t *testing.T) {
	f := newFixture(t)
	f.auth.set(11, nil)
	f.inject.set(5, nil)

	// Raise before the lifecycle consumer runs so the events sit buffered.
	raised, err := f.svc.Tick(context.Background())
	if err != nil || len(raised) != 2 {
		t.Fatalf("Tick = %d events, %v; want 2", len(raised), err)
	}

	f.start(t)
	f.svc.Stop()

	if got := len(f.openAlerts(t)); got != 2 {
		t.Errorf("persisted alerts = %d, want 2", got)
	}
}

func TestStart_ParentCancelDoesNotStop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.svc.Stop)
	cancel()

	f.auth.set(6, nil)
	waitFor(t, "tick after parent cancel", func() bool {
		f.clock.Advance(time.Minute)
		return f.svc.Status().Ticks > 0
	})
	waitFor(t, "alert persisted after parent cancel", func() bool { return f.queue.count() == 1 })
	if !f.svc.Status().Running {
		t.Error("not running after parent cancel")
	}
}

func TestLoop_TicksOnInterval(t *testing.T) {
	f := newFixture(t)
	f.auth.set(6, nil)
	f.start(t)

	waitFor(t, "tick", func() bool {
		f.clock.Advance(time.Minute)
		return f.svc.Status().Ticks > 0
	})
	waitFor(t, "alert persisted", func() bool { return f.queue.count() == 1 })
}
