package receiver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crewready/secwatch/internal/collector"
	"github.com/crewready/secwatch/pkg/types"
)

const maxDetail = 4096

// EventStore persists security events.
type EventStore interface {
	InsertSecurityEvent(ctx context.Context, ev types.SecurityEvent) (types.SecurityEvent, error)
}

// Receiver records incoming security events.
type Receiver struct {
	store   EventStore
	clock   clockwork.Clock
	counter *prometheus.CounterVec
}

// New creates a Receiver writing to st and registering its counter with
// reg. The counter starts at zero for every known event type.
func New(st EventStore, clock clockwork.Clock, reg prometheus.Registerer) *Receiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	counter := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: collector.EventsFamily,
		Help: "Security events reported by the web application, by type.",
	}, []string{"type"})
	for _, m := range types.Metrics() {
		if ev, ok := types.EventForMetric(m); ok {
			counter.WithLabelValues(ev)
		}
	}
	return &Receiver{store: st, clock: clock, counter: counter}
}

// Record validates ev, stores it and counts it. The stored event, with id
// and timestamp filled in, is returned.
func (r *Receiver) Record(ctx context.Context, ev types.SecurityEvent) (types.SecurityEvent, error) {
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return types.SecurityEvent{}, &types.ValidationError{Field: "type", Reason: "event type is required"}
	}
	metric, ok := types.MetricForEvent(ev.Type)
	if !ok {
		return types.SecurityEvent{}, &types.ValidationError{Field: "type", Reason: "unknown event type " + ev.Type}
	}
	if len(ev.Detail) > maxDetail {
		ev.Detail = ev.Detail[:maxDetail]
	}
	now := r.clock.Now()
	if ev.At.IsZero() || ev.At.After(now) {
		ev.At = now
	}
	ev.ID = ""

	stored, err := r.store.InsertSecurityEvent(ctx, ev)
	if err != nil {
		return types.SecurityEvent{}, err
	}
	r.counter.WithLabelValues(stored.Type).Inc()

	slog.Debug("receiver: event recorded",
		"event_id", stored.ID,
		"type", stored.Type,
		"metric", metric,
		"source", stored.Source,
	)
	return stored, nil
}
