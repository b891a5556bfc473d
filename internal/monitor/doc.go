// Package monitor runs the collection and evaluation loop and owns the
// background goroutines behind it: the sample window's eviction, the alert
// lifecycle consumer and the notification dispatcher.
package monitor
