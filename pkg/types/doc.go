// Package types defines the shared Go types used across secwatch: thresholds,
// recipients, alerts, configuration entries, security events, and the typed
// errors returned by the config and alert services.
//
// These are the canonical in-memory representations; the SQL schema in
// internal/store maps 1:1 onto them.
package types
