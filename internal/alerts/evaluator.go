package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/crewready/secwatch/pkg/types"
)

// Raised is the internal event emitted for a new breach.
type Raised struct {
	Alert types.Alert

	// Cooldown is the dedup window in force when the breach was seen. The
	// Manager re-checks it atomically when persisting.
	Cooldown time.Duration
}

// OpenChecker reports whether a recent unresolved alert already exists.
type OpenChecker interface {
	HasOpenAlert(ctx context.Context, metric string, sev types.Severity, since time.Time) (bool, error)
}

// Evaluator decides breach severity for each sampled metric and suppresses
// duplicates of alerts that are still open within the cooldown.
type Evaluator struct {
	open  OpenChecker
	clock clockwork.Clock
	out   chan<- Raised
}

// NewEvaluator creates an Evaluator that sends new breaches to out.
func NewEvaluator(open OpenChecker, clock clockwork.Clock, out chan<- Raised) *Evaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Evaluator{open: open, clock: clock, out: out}
}

// Evaluate checks every active threshold against the sample for its metric.
// Metrics without a sample are skipped. A critical breach while a warning
// alert is open raises a separate critical alert; the warning alert is left
// as it is. It returns the events sent.
func (e *Evaluator) Evaluate(ctx context.Context, thresholds []types.Threshold, samples map[string]types.Sample, cooldown time.Duration) ([]Raised, error) {
	now := e.clock.Now()
	var raised []Raised
	for _, t := range thresholds {
		if !t.Active {
			continue
		}
		s, ok := samples[t.Metric]
		if !ok {
			continue
		}
		sev, bound, breached := classify(t, s.Value)
		if !breached {
			continue
		}

		open, err := e.open.HasOpenAlert(ctx, t.Metric, sev, now.Add(-cooldown))
		if err != nil {
			return raised, fmt.Errorf("check open %s alert for %s: %w", sev, t.Metric, err)
		}
		if open {
			slog.Debug("alerts: breach suppressed by open alert",
				"metric", t.Metric, "severity", sev, "value", s.Value)
			continue
		}

		r := Raised{
			Alert: types.Alert{
				ID:             uuid.NewString(),
				Severity:       sev,
				Metric:         t.Metric,
				ObservedValue:  s.Value,
				ThresholdValue: bound,
				Message:        message(sev, t.Metric, s.Value, bound),
				CreatedAt:      now,
			},
			Cooldown: cooldown,
		}
		select {
		case e.out <- r:
		case <-ctx.Done():
			return raised, ctx.Err()
		}
		raised = append(raised, r)
		slog.Warn("alerts: threshold breached",
			"metric", t.Metric, "severity", sev, "value", s.Value, "threshold", bound, "alert_id", r.Alert.ID)
	}
	return raised, nil
}
