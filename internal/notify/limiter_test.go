package notify

import (
	"math/rand"
	"testing"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

func TestLimiter_RollingHourNeverExceeded(t *testing.T) {
	const max = 4
	l := newLimiter()
	rng := rand.New(rand.NewSource(7))

	var granted []time.Time
	now := epoch
	for i := 0; i < 500; i++ {
		now = now.Add(time.Duration(rng.Intn(600)) * time.Second)
		k := cooldownKey{recipient: "r1", metric: string(rune('a' + i%26)), severity: types.SeverityCritical}
		v, retryAt := l.reserve("r1", k, now, max, 0)
		switch v {
		case reserved:
			granted = append(granted, now)
		case rateLimited:
			if !retryAt.After(now) {
				t.Fatalf("retryAt %v not after now %v", retryAt, now)
			}
		default:
			t.Fatalf("unexpected verdict %v", v)
		}
	}

	for _, end := range granted {
		n := 0
		for _, g := range granted {
			if g.After(end.Add(-time.Hour)) && !g.After(end) {
				n++
			}
		}
		if n > max {
			t.Fatalf("%d deliveries in the hour ending %v, max %d", n, end, max)
		}
	}
}

func TestLimiter_RetryAtFreesASlot(t *testing.T) {
	l := newLimiter()
	k := func(m string) cooldownKey { return cooldownKey{recipient: "r1", metric: m} }

	l.reserve("r1", k("a"), epoch, 2, 0)
	l.reserve("r1", k("b"), epoch.Add(10*time.Minute), 2, 0)
	v, retryAt := l.reserve("r1", k("c"), epoch.Add(20*time.Minute), 2, 0)
	if v != rateLimited {
		t.Fatalf("verdict = %v, want rateLimited", v)
	}
	if want := epoch.Add(time.Hour); !retryAt.Equal(want) {
		t.Fatalf("retryAt = %v, want %v", retryAt, want)
	}
	if v, _ := l.reserve("r1", k("c"), retryAt, 2, 0); v != reserved {
		t.Fatalf("verdict at retryAt = %v, want reserved", v)
	}
	if got := l.inWindow("r1", retryAt); got != 2 {
		t.Errorf("inWindow = %d, want 2", got)
	}
}

func TestLimiter_Cooldown(t *testing.T) {
	l := newLimiter()
	k := cooldownKey{recipient: "r1", metric: types.MetricAuthFailures, severity: types.SeverityWarning}

	if v, _ := l.reserve("r1", k, epoch, 0, 15*time.Minute); v != reserved {
		t.Fatalf("first = %v, want reserved", v)
	}
	if v, _ := l.reserve("r1", k, epoch.Add(14*time.Minute), 0, 15*time.Minute); v != coolingDown {
		t.Fatalf("inside cooldown = %v, want coolingDown", v)
	}
	other := k
	other.recipient = "r2"
	if v, _ := l.reserve("r2", other, epoch.Add(time.Minute), 0, 15*time.Minute); v != reserved {
		t.Fatalf("other recipient = %v, want reserved", v)
	}
	if v, _ := l.reserve("r1", k, epoch.Add(15*time.Minute), 0, 15*time.Minute); v != reserved {
		t.Fatalf("after cooldown = %v, want reserved", v)
	}
}

func TestLimiter_ReleaseClearsCooldown(t *testing.T) {
	l := newLimiter()
	k := cooldownKey{recipient: "r1", metric: types.MetricMalwareDetections, severity: types.SeverityCritical}
	l.reserve("r1", k, epoch, 0, time.Hour)
	l.release(k, epoch)
	if v, _ := l.reserve("r1", k, epoch.Add(time.Minute), 0, time.Hour); v != reserved {
		t.Fatalf("after release = %v, want reserved", v)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := newLimiter()
	l.reserve("r1", cooldownKey{recipient: "r1", metric: "a"}, epoch, 5, time.Minute)
	l.prune(epoch.Add(25*time.Hour), 24*time.Hour)
	if len(l.sent) != 0 || len(l.last) != 0 {
		t.Errorf("prune left sent=%d last=%d", len(l.sent), len(l.last))
	}
}
