// Package alerts turns threshold breaches into durable alert records.
//
// The Evaluator compares each tick's samples against the active thresholds
// and sends a Raised event for every new breach. The Manager is the single
// consumer of those events: it persists the alert first, then hands it to the
// notifier and the live stream. Resolution is an explicit admin action and
// happens at most once per alert.
package alerts
