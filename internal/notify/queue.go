package notify

import (
	"container/heap"
	"time"

	"github.com/crewready/secwatch/pkg/types"
)

// job is one unit of dispatcher work. A job without a recipient is an
// alert waiting to be fanned out to its recipients.
type job struct {
	alert     types.Alert
	recipient *types.Recipient
}

type parked struct {
	job job
	at  time.Time
}

// parkedQueue is a min-heap of jobs ordered by the time they become due.
type parkedQueue []parked

func (q parkedQueue) Len() int           { return len(q) }
func (q parkedQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q parkedQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *parkedQueue) Push(x any)        { *q = append(*q, x.(parked)) }
func (q *parkedQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	*q = old[:n-1]
	return p
}

// popDue removes and returns every job due at or before now.
func (q *parkedQueue) popDue(now time.Time) []job {
	var out []job
	for q.Len() > 0 && !(*q)[0].at.After(now) {
		out = append(out, heap.Pop(q).(parked).job)
	}
	return out
}

// drop removes every job for alertID and returns how many were removed.
func (q *parkedQueue) drop(alertID string) int {
	kept := (*q)[:0]
	for _, p := range *q {
		if p.job.alert.ID != alertID {
			kept = append(kept, p)
		}
	}
	n := len(*q) - len(kept)
	*q = kept
	heap.Init(q)
	return n
}
