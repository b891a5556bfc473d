package configstore

import (
	"fmt"
	"strconv"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

// Keys of the tuning entries seeded on first start.
const (
	KeyAlertCooldown  = "evaluator.cooldown"
	KeyNotifyCooldown = "notify.cooldown"
	KeyMaxPerHour     = "notify.max_per_hour"
	KeyMaxRetries     = "notify.max_retries"
	KeyRetryInitial   = "notify.retry_initial"
	KeySMTPPassword   = "notify.smtp_password"
	KeyCacheTTL       = "config.cache_ttl"
)

const (
	defaultAlertCooldown  = 15 * time.Minute
	defaultNotifyCooldown = 15 * time.Minute
	defaultMaxPerHour     = 10
	defaultMaxRetries     = 3
	defaultRetryInitial   = 2 * time.Second
	defaultCacheTTL       = 30 * time.Second
)

// DefaultEntries returns the tuning entries every deployment starts with.
func DefaultEntries() []types.ConfigEntry {
	return []types.ConfigEntry{
		{Key: KeyAlertCooldown, Value: defaultAlertCooldown.String(), Category: "evaluator", Type: types.TypeDuration},
		{Key: KeyNotifyCooldown, Value: defaultNotifyCooldown.String(), Category: "notify", Type: types.TypeDuration},
		{Key: KeyMaxPerHour, Value: "10", Category: "notify", Type: types.TypeInt},
		{Key: KeyMaxRetries, Value: "3", Category: "notify", Type: types.TypeInt},
		{Key: KeyRetryInitial, Value: defaultRetryInitial.String(), Category: "notify", Type: types.TypeDuration},
		{Key: KeySMTPPassword, Value: "", Category: "notify", Type: types.TypeString, Encrypted: true},
		{Key: KeyCacheTTL, Value: defaultCacheTTL.String(), Category: "config", Type: types.TypeDuration},
	}
}

// DefaultThresholds returns starting thresholds for every monitored metric.
func DefaultThresholds() []types.Threshold {
	return []types.Threshold{
		{Metric: types.MetricAuthFailures, Warning: 5, Critical: 10, Active: true},
		{Metric: types.MetricRateLimitViolations, Warning: 20, Critical: 50, Active: true},
		{Metric: types.MetricInjectionAttempts, Warning: 1, Critical: 5, Active: true},
		{Metric: types.MetricMalwareDetections, Warning: 1, Critical: 3, Active: true},
	}
}

// rangeChecks bound tuning entries beyond their declared type. A value the
// runtime could not apply is rejected before it is stored.
var rangeChecks = map[string]func(value string) error{
	KeyMaxPerHour:   minInt(1),
	KeyMaxRetries:   minInt(0),
	KeyRetryInitial: positiveDuration,
	KeyCacheTTL:     positiveDuration,
}

func minInt(min int) func(string) error {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil || n < min {
			return &types.ValidationError{Field: "value", Reason: fmt.Sprintf("must be an integer of at least %d", min)}
		}
		return nil
	}
}

func positiveDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return &types.ValidationError{Field: "value", Reason: "duration must be positive"}
	}
	return nil
}
