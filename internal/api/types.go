package api

import (
	"time"

	"github.com/crewready/secwatch/internal/monitor"
	"github.com/crewready/secwatch/pkg/types"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status   string         `json:"status"`
	Time     time.Time      `json:"time"`
	Database string         `json:"database,omitempty"`
	Monitor  monitor.Status `json:"monitor"`
}

// AlertListResponse is the payload for GET /api/v1/alerts.
type AlertListResponse struct {
	Alerts []types.Alert `json:"alerts"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// SetValueRequest is the body of PUT /api/v1/config/{key}.
type SetValueRequest struct {
	Value *string `json:"value"`
}

// ThresholdRequest is the body of PUT /api/v1/thresholds/{metric}.
type ThresholdRequest struct {
	Warning  *float64 `json:"warning"`
	Critical *float64 `json:"critical"`
	Active   *bool    `json:"active"`
}

// RecipientRequest is the body of POST /api/v1/recipients.
type RecipientRequest struct {
	Severity string `json:"severity"`
	Channel  string `json:"channel"`
	Address  string `json:"address"`
}

// ResolveRequest is the body of PUT /api/v1/alerts/{id}/resolution.
type ResolveRequest struct {
	Notes string `json:"notes"`
}

// EventRequest is the body of POST /api/v1/events.
type EventRequest struct {
	Type   string    `json:"type"`
	Source string    `json:"source"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}
