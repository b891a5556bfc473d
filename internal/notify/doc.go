// Package notify delivers alerts to their recipients.
//
// The Dispatcher accepts persisted alerts without blocking, expands each one
// into a job per active recipient of the alert's severity and hands the jobs
// to a pool of workers. Every job passes a per-(recipient, metric, severity)
// cooldown and a per-recipient rolling one-hour rate limit before it is
// rendered and sent. Jobs over the limit are parked until a slot frees up.
// Failed sends are retried with exponential backoff; the outcome is written
// back onto the alert, which stays open either way.
//
// Transports implement Channel. Email goes over SMTP; Slack, Teams and
// generic webhooks are JSON POSTs. When a transport is not configured the
// Log channel stands in so notifications still leave a trace.
package notify
