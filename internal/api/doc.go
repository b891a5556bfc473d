// Package api implements the admin HTTP API consumed by the crew-training
// admin UI.
//
// New(deps) returns an http.Handler that serves:
//
//	GET    /api/v1/config                    all config entries, sensitive values masked
//	GET    /api/v1/config/{key}              one entry
//	PUT    /api/v1/config/{key}              set {value}
//	GET    /api/v1/thresholds                all thresholds
//	PUT    /api/v1/thresholds/{metric}       set {warning, critical, active}
//	GET    /api/v1/recipients                active recipients, ?severity= filters
//	POST   /api/v1/recipients                add {severity, channel, address}
//	DELETE /api/v1/recipients/{id}           soft-remove
//	GET    /api/v1/alerts                    ?severity ?resolved ?from ?to ?limit ?offset
//	GET    /api/v1/alerts/{id}               one alert
//	PUT    /api/v1/alerts/{id}/resolution    resolve {notes}
//	GET    /api/v1/metrics/latest            newest sample per metric
//	GET    /api/v1/health                    liveness, database and monitor loop status
//	POST   /api/v1/events                    ingest a security event
//	GET    /api/v1/audit                     config audit trail, ?entity ?limit
//
// Mutations are attributed to the X-Actor-ID header, "system" when absent.
// Errors are JSON {"error", "field"}: validation failures map to 400,
// unknown ids to 404, invalid state transitions to 409 and anything else
// to 500.
package api
