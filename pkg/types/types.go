package types

import (
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Monitored security counters. The set is fixed.
const (
	MetricAuthFailures        = "authFailures"
	MetricRateLimitViolations = "rateLimitViolations"
	MetricInjectionAttempts   = "injectionAttempts"
	MetricMalwareDetections   = "malwareDetections"
)

// Metrics returns the names of all monitored counters in display order.
func Metrics() []string {
	return []string{
		MetricAuthFailures,
		MetricRateLimitViolations,
		MetricInjectionAttempts,
		MetricMalwareDetections,
	}
}

// KnownMetric reports whether name is one of the monitored counters.
func KnownMetric(name string) bool {
	for _, m := range Metrics() {
		if m == name {
			return true
		}
	}
	return false
}

// Severity is the level of a threshold breach.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates s as a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityWarning, SeverityCritical:
		return Severity(s), nil
	}
	return "", &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q: want warning|critical", s)}
}

// ChannelType names a notification transport.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelTeams   ChannelType = "teams"
	ChannelWebhook ChannelType = "webhook"
)

// ParseChannel validates s as a ChannelType.
func ParseChannel(s string) (ChannelType, error) {
	switch ChannelType(s) {
	case ChannelEmail, ChannelSlack, ChannelTeams, ChannelWebhook:
		return ChannelType(s), nil
	}
	return "", &ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel type %q: want email|slack|teams|webhook", s)}
}

// ValidateAddress checks that address is usable for channel c.
func ValidateAddress(c ChannelType, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return &ValidationError{Field: "address", Reason: "address is required"}
	}
	if c == ChannelEmail {
		if _, err := mail.ParseAddress(address); err != nil {
			return &ValidationError{Field: "address", Reason: fmt.Sprintf("invalid email address %q", address)}
		}
		return nil
	}
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &ValidationError{Field: "address", Reason: fmt.Sprintf("invalid %s URL %q", c, address)}
	}
	return nil
}

// Sample is one reading of a security counter. Samples live only in the
// in-memory window and are never persisted.
type Sample struct {
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

// Threshold is the warning/critical pair for one metric.
type Threshold struct {
	Metric         string    `json:"metric"`
	Warning        float64   `json:"warning"`
	Critical       float64   `json:"critical"`
	Active         bool      `json:"active"`
	LastModifiedBy string    `json:"last_modified_by"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate enforces Warning < Critical and a known metric name.
func (t Threshold) Validate() error {
	if !KnownMetric(t.Metric) {
		return &ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric %q", t.Metric)}
	}
	if !(t.Warning < t.Critical) {
		return &ValidationError{
			Field:  "warning",
			Reason: fmt.Sprintf("warning value %g must be strictly less than critical value %g", t.Warning, t.Critical),
		}
	}
	return nil
}

// Recipient is a delivery destination for alerts of one severity.
type Recipient struct {
	ID        string      `json:"id"`
	Severity  Severity    `json:"severity"`
	Channel   ChannelType `json:"channel"`
	Address   string      `json:"address"`
	Active    bool        `json:"active"`
	CreatedBy string      `json:"created_by"`
	UpdatedBy string      `json:"updated_by"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Alert is the persisted record of a threshold breach. Only the resolution
// and delivery bookkeeping fields ever change after creation.
type Alert struct {
	ID                string     `json:"id"`
	Severity          Severity   `json:"severity"`
	Metric            string     `json:"metric"`
	ObservedValue     float64    `json:"observed_value"`
	ThresholdValue    float64    `json:"threshold_value"`
	Message           string     `json:"message"`
	CreatedAt         time.Time  `json:"created_at"`
	Resolved          bool       `json:"resolved"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	ResolutionNotes   string     `json:"resolution_notes,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	DeliveryAttempts  int        `json:"delivery_attempts"`
	LastDeliveryError string     `json:"last_delivery_error,omitempty"`
}

// AlertFilter narrows an alert listing. Zero values mean "any".
type AlertFilter struct {
	Severity Severity
	Resolved *bool
	From     time.Time
	To       time.Time
}

// Page is a limit/offset window over a listing.
type Page struct {
	Limit  int
	Offset int
}

// Default and maximum page sizes for alert listings.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps p into the allowed range.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ValueType is the declared type of a ConfigEntry value.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInt      ValueType = "int"
	TypeFloat    ValueType = "float"
	TypeBool     ValueType = "bool"
	TypeDuration ValueType = "duration"
)

// Check reports whether value parses as t.
func (t ValueType) Check(value string) error {
	var err error
	switch t {
	case TypeString:
	case TypeInt:
		_, err = strconv.ParseInt(value, 10, 64)
	case TypeFloat:
		_, err = strconv.ParseFloat(value, 64)
	case TypeBool:
		_, err = strconv.ParseBool(value)
	case TypeDuration:
		_, err = time.ParseDuration(value)
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown value type %q", t)}
	}
	if err != nil {
		return &ValidationError{Field: "value", Reason: fmt.Sprintf("%q is not a valid %s", value, t)}
	}
	return nil
}

// MaskedValue replaces sensitive configuration values in API responses.
const MaskedValue = "********"

// ConfigEntry is one generic, audit-tracked configuration value.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	Type      ValueType `json:"type"`
	Encrypted bool      `json:"encrypted"`
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Masked returns a copy of e with sensitive values hidden.
func (e ConfigEntry) Masked() ConfigEntry {
	if e.Encrypted && e.Value != "" {
		e.Value = MaskedValue
	}
	return e
}

// AuditRecord captures one mutation of configuration state.
type AuditRecord struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	EntityKey string    `json:"entity_key"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	At        time.Time `json:"at"`
}

// Security event types reported by the web application.
const (
	EventAuthFailure        = "auth_failure"
	EventRateLimitViolation = "rate_limit_violation"
	EventInjectionAttempt   = "injection_attempt"
	EventMalwareDetection   = "malware_detection"
)

// MetricForEvent maps a security event type to the counter it feeds.
func MetricForEvent(eventType string) (string, bool) {
	switch eventType {
	case EventAuthFailure:
		return MetricAuthFailures, true
	case EventRateLimitViolation:
		return MetricRateLimitViolations, true
	case EventInjectionAttempt:
		return MetricInjectionAttempts, true
	case EventMalwareDetection:
		return MetricMalwareDetections, true
	}
	return "", false
}

// EventForMetric is the inverse of MetricForEvent.
func EventForMetric(metric string) (string, bool) {
	switch metric {
	case MetricAuthFailures:
		return EventAuthFailure, true
	case MetricRateLimitViolations:
		return EventRateLimitViolation, true
	case MetricInjectionAttempts:
		return EventInjectionAttempt, true
	case MetricMalwareDetections:
		return EventMalwareDetection, true
	}
	return "", false
}

// SecurityEvent is one security-relevant occurrence reported by the web app.
type SecurityEvent struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Source string    `json:"source"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Tuning holds the runtime knobs read from configuration entries.
type Tuning struct {
	// AlertCooldown suppresses a duplicate open alert for the same
	// (metric, severity) created within this window.
	AlertCooldown time.Duration

	// NotifyCooldown suppresses re-notifying one recipient about one metric.
	NotifyCooldown time.Duration

	// MaxPerHour caps deliveries per recipient in any rolling hour.
	MaxPerHour int

	// MaxRetries bounds delivery retries after the first attempt.
	MaxRetries int

	// RetryInitial is the first backoff interval between delivery attempts.
	RetryInitial time.Duration

	// SMTPPassword is the decrypted SMTP credential, if stored as an entry.
	SMTPPassword string
}
