package receiver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crewready/secwatch/internal/collector"
	"github.com/crewready/secwatch/internal/config"
	"github.com/crewready/secwatch/internal/store"
	"github.com/crewready/secwatch/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newReceiver(t *testing.T) (*Receiver, *store.Store, *prometheus.Registry, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	st, err := store.Open(context.Background(), store.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", store.WithClock(clk))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := prometheus.NewRegistry()
	return New(st, clk, reg), st, reg, clk
}

func TestRecord_StoresAndCounts(t *testing.T) {
	r, st, _, clk := newReceiver(t)
	ctx := context.Background()

	ev, err := r.Record(ctx, types.SecurityEvent{Type: types.EventAuthFailure, Source: "fn-login", Detail: "bad password for cadet-17"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ev.ID == "" || !ev.At.Equal(epoch) {
		t.Errorf("stored event = %+v", ev)
	}
	if got := testutil.ToFloat64(r.counter.WithLabelValues(types.EventAuthFailure)); got != 1 {
		t.Errorf("counter = %v, want 1", got)
	}

	n, err := st.CountSecurityEvents(ctx, types.EventAuthFailure, clk.Now().Add(-time.Minute), clk.Now())
	if err != nil || n != 1 {
		t.Errorf("CountSecurityEvents = %d, %v; want 1", n, err)
	}
}

func TestRecord_RejectsUnknownType(t *testing.T) {
	r, _, _, _ := newReceiver(t)
	for _, typ := range []string{"", "  ", "port_scan"} {
		_, err := r.Record(context.Background(), types.SecurityEvent{Type: typ})
		var ve *types.ValidationError
		if !errors.As(err, &ve) || ve.Field != "type" {
			t.Errorf("type %q: err = %v, want ValidationError on type", typ, err)
		}
	}
}

func TestRecord_ClampsFutureTimestampAndDetail(t *testing.T) {
	r, _, _, _ := newReceiver(t)
	ev, err := r.Record(context.Background(), types.SecurityEvent{
		Type:   types.EventMalwareDetection,
		At:     epoch.Add(time.Hour),
		Detail: strings.Repeat("x", maxDetail+10),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !ev.At.Equal(epoch) {
		t.Errorf("at = %v, want clamped to %v", ev.At, epoch)
	}
	if len(ev.Detail) != maxDetail {
		t.Errorf("detail length = %d, want %d", len(ev.Detail), maxDetail)
	}
}

func TestRecord_FeedsRegistrySource(t *testing.T) {
	r, _, reg, _ := newReceiver(t)
	ctx := context.Background()

	src, err := collector.NewSource(config.Source{
		Metric:    types.MetricInjectionAttempts,
		Kind:      config.SourceRegistry,
		EventType: types.EventInjectionAttempt,
	}, collector.Deps{Gatherer: reg})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	// First sample primes the baseline.
	if v, err := src.Sample(ctx); err != nil || v != 0 {
		t.Fatalf("baseline = %v, %v", v, err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Record(ctx, types.SecurityEvent{Type: types.EventInjectionAttempt, Source: "fn-search"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if _, err := r.Record(ctx, types.SecurityEvent{Type: types.EventAuthFailure}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if v, err := src.Sample(ctx); err != nil || v != 3 {
		t.Errorf("sample = %v, %v; want 3", v, err)
	}
}
