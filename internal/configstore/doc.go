// Package configstore is the single source of truth for thresholds,
// recipients and runtime tuning. Reads are served from one immutable
// Snapshot held in a ttlcache entry and reloaded lazily once it expires.
// Every write commits through the SQL store together with its audit record
// and then drops the cached snapshot, so the next read sees the change.
//
// Entries flagged as encrypted are sealed with NaCl secretbox when a key is
// configured, and are always masked when returned to API callers.
package configstore
