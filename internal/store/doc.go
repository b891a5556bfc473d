// Package store holds secwatch's state. Window is the in-memory rolling
// window of metric samples with retention-based eviction. Store is the SQL
// persistence layer (modernc.org/sqlite by default, lib/pq for a hosted
// Postgres) for configuration entries, thresholds, recipients, alerts, the
// audit log and reported security events.
package store
