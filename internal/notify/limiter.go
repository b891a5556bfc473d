package notify

import (
	"sync"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

const rateWindow = time.Hour

type cooldownKey struct {
	recipient string
	metric    string
	severity  types.Severity
}

// limiter tracks per-recipient send times over a rolling hour and the last
// notification per (recipient, metric, severity).
type limiter struct {
	mu   sync.Mutex
	sent map[string][]time.Time
	last map[cooldownKey]time.Time
}

func newLimiter() *limiter {
	return &limiter{
		sent: make(map[string][]time.Time),
		last: make(map[cooldownKey]time.Time),
	}
}

type verdict int

const (
	reserved verdict = iota
	coolingDown
	rateLimited
)

// reserve checks the cooldown for k and then takes one slot in recipient's
// rolling hour, marking k as notified. When the hour is full it returns
// rateLimited and the time the oldest slot expires. max <= 0 disables the
// limit and cooldown <= 0 disables the cooldown.
func (l *limiter) reserve(recipient string, k cooldownKey, now time.Time, max int, cooldown time.Duration) (verdict, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if at, ok := l.last[k]; ok && cooldown > 0 && now.Sub(at) < cooldown {
		return coolingDown, time.Time{}
	}

	cutoff := now.Add(-rateWindow)
	recent := l.sent[recipient][:0]
	for _, t := range l.sent[recipient] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if max > 0 && len(recent) >= max {
		l.sent[recipient] = recent
		return rateLimited, recent[0].Add(rateWindow)
	}
	l.sent[recipient] = append(recent, now)
	l.last[k] = now
	return reserved, time.Time{}
}

// release forgets the cooldown mark for k after a failed delivery. The
// rate-limit slot stays taken.
func (l *limiter) release(k cooldownKey, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last[k].Equal(at) {
		delete(l.last, k)
	}
}

// prune drops bookkeeping older than keep.
func (l *limiter) prune(now time.Time, keep time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-rateWindow)
	for r, times := range l.sent {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.sent, r)
		}
	}
	for k, at := range l.last {
		if now.Sub(at) >= keep {
			delete(l.last, k)
		}
	}
}

// inWindow returns how many slots recipient has used in the hour before now.
func (l *limiter) inWindow(recipient string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-rateWindow)
	n := 0
	for _, t := range l.sent[recipient] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
