// Package receiver accepts security events reported by the web
// application's serverless functions.
//
// Receiver.Record validates the event type (ValidationError on an unknown
// or missing type), appends the event to the security_events table and then
// increments the secwatch_security_events_total counter for its type. The
// collector's registry and SQL sources read those two records back.
// Authentication is enforced upstream by the HTTP middleware (see package
// auth), so the receiver itself only performs structural validation.
package receiver
