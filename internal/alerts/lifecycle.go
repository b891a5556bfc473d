package alerts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crewready/secwatch/pkg/types"
)

// persistTimeout bounds one persistence attempt sequence. Persistence ignores
// the caller's cancellation: a raised alert is written even during shutdown.
const persistTimeout = 10 * time.Second

// Store is the alert persistence the Manager writes through.
type Store interface {
	CreateAlertIfNoneOpen(ctx context.Context, a types.Alert, since time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (types.Alert, error)
	ListAlerts(ctx context.Context, f types.AlertFilter, p types.Page) ([]types.Alert, int, error)
	ResolveAlert(ctx context.Context, id, actor, notes string, at time.Time) (types.Alert, error)
	RecordDelivery(ctx context.Context, id string, attempts int, lastErr string) error
}

// Notifier receives persisted alerts for delivery and is told when an
// alert is resolved so pending deliveries can be abandoned.
type Notifier interface {
	Enqueue(a types.Alert)
	Cancel(alertID string)
}

// Publisher streams alert events to live subscribers.
type Publisher interface {
	Publish(event string, a types.Alert)
}

// Live stream event names.
const (
	EventRaised   = "alert.raised"
	EventResolved = "alert.resolved"
)

// Manager owns the alert state machine: Open → Resolved. It is the only
// writer of new alerts and of resolution fields.
type Manager struct {
	store     Store
	clock     clockwork.Clock
	notifier  Notifier
	publisher Publisher

	raised     *prometheus.CounterVec
	suppressed prometheus.Counter
	resolved   prometheus.Counter
}

// NewManager creates a Manager. notifier and publisher may be nil; reg may
// be nil to skip self-metrics.
func NewManager(store Store, clock clockwork.Clock, notifier Notifier, publisher Publisher, reg prometheus.Registerer) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f := promauto.With(reg)
	return &Manager{
		store:     store,
		clock:     clock,
		notifier:  notifier,
		publisher: publisher,
		raised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secwatch_alerts_raised_total",
			Help: "Alerts persisted, by metric and severity.",
		}, []string{"metric", "severity"}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "secwatch_alerts_suppressed_total",
			Help: "Raised events dropped because an open alert existed within the cooldown.",
		}),
		resolved: f.NewCounter(prometheus.CounterOpts{
			Name: "secwatch_alerts_resolved_total",
			Help: "Alerts resolved by an admin.",
		}),
	}
}

// SetNotifier replaces the notifier. Call it before Run.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// Run consumes raised events until ctx is cancelled or in is closed. Events
// still buffered at cancellation are persisted before Run returns.
func (m *Manager) Run(ctx context.Context, in <-chan Raised) {
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			m.handle(ctx, r)
		case <-ctx.Done():
			m.drain(ctx, in)
			return
		}
	}
}

func (m *Manager) drain(ctx context.Context, in <-chan Raised) {
	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			m.handle(ctx, r)
		default:
			return
		}
	}
}

// handle persists r and, only once it is durable, hands it on.
func (m *Manager) handle(ctx context.Context, r Raised) {
	created, err := m.persist(ctx, r)
	if err != nil {
		slog.Error("alerts: persist failed, alert dropped",
			"metric", r.Alert.Metric, "severity", r.Alert.Severity, "alert_id", r.Alert.ID, "err", err)
		return
	}
	if !created {
		m.suppressed.Inc()
		slog.Debug("alerts: duplicate within cooldown", "metric", r.Alert.Metric, "severity", r.Alert.Severity)
		return
	}
	m.raised.WithLabelValues(r.Alert.Metric, string(r.Alert.Severity)).Inc()
	slog.Info("alerts: alert created",
		"alert_id", r.Alert.ID, "metric", r.Alert.Metric, "severity", r.Alert.Severity,
		"value", r.Alert.ObservedValue, "threshold", r.Alert.ThresholdValue)

	if m.notifier != nil {
		m.notifier.Enqueue(r.Alert)
	}
	if m.publisher != nil {
		m.publisher.Publish(EventRaised, r.Alert)
	}
}

// persist retries transient store errors with exponential backoff.
func (m *Manager) persist(parent context.Context, r Raised) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), persistTimeout)
	defer cancel()
	since := r.Alert.CreatedAt.Add(-r.Cooldown)
	var created bool
	op := func() error {
		var err error
		created, err = m.store.CreateAlertIfNoneOpen(ctx, r.Alert, since)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = persistTimeout
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("alerts: persist retry", "alert_id", r.Alert.ID, "wait", wait, "err", err)
	})
	return created, err
}

// Resolve closes the alert with id on behalf of actor. notes may be empty.
// It fails with NotFoundError for an unknown id and InvalidStateError if the
// alert is already resolved, leaving the first resolution untouched.
func (m *Manager) Resolve(ctx context.Context, id, actor, notes string) (types.Alert, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return types.Alert{}, &types.ValidationError{Field: "actor", Reason: "actor is required"}
	}
	a, err := m.store.ResolveAlert(ctx, id, actor, notes, m.clock.Now())
	if err != nil {
		return types.Alert{}, err
	}
	m.resolved.Inc()
	slog.Info("alerts: alert resolved", "alert_id", id, "actor", actor, "metric", a.Metric, "severity", a.Severity)
	if m.notifier != nil {
		m.notifier.Cancel(id)
	}
	if m.publisher != nil {
		m.publisher.Publish(EventResolved, a)
	}
	return a, nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (types.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

// List returns one page of alerts matching f, newest first, and the total
// number of matches.
func (m *Manager) List(ctx context.Context, f types.AlertFilter, p types.Page) ([]types.Alert, int, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, 0, &types.ValidationError{Field: "to", Reason: "to must not be before from"}
	}
	return m.store.ListAlerts(ctx, f, p.Normalize())
}

// IsResolved reports whether the alert has been resolved. An unknown alert
// counts as resolved so deliveries for it stop.
func (m *Manager) IsResolved(ctx context.Context, id string) (bool, error) {
	a, err := m.store.GetAlert(ctx, id)
	var nf *types.NotFoundError
	if errors.As(err, &nf) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return a.Resolved, nil
}

// RecordDelivery adds delivery bookkeeping to the alert. It never changes
// resolution state.
func (m *Manager) RecordDelivery(ctx context.Context, id string, attempts int, lastErr string) error {
	return m.store.RecordDelivery(ctx, id, attempts, lastErr)
}
