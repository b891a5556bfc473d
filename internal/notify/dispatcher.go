package notify

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crewready/secwatch/pkg/types"
)

const (
	defaultWorkers = 4
	defaultPoll    = time.Second

	// configRetry is how long a job waits after the recipient or tuning
	// lookup failed.
	configRetry = 30 * time.Second

	// cancelledTTL is how long a resolved alert id is remembered.
	cancelledTTL = 2 * time.Hour

	recordTimeout = 5 * time.Second
)

var errAbandoned = errors.New("alert resolved, delivery abandoned")

// AlertState is the alert bookkeeping the dispatcher consults and updates.
type AlertState interface {
	IsResolved(ctx context.Context, id string) (bool, error)
	RecordDelivery(ctx context.Context, id string, attempts int, lastErr string) error
}

// RecipientSource supplies recipients and runtime tuning.
type RecipientSource interface {
	Recipients(ctx context.Context, sev types.Severity) ([]types.Recipient, error)
	Tuning(ctx context.Context) (types.Tuning, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used for cooldowns, rate limits and parking.
func WithClock(c clockwork.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithPollInterval sets how often parked jobs are checked.
func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) {
		if p > 0 {
			d.poll = p
		}
	}
}

// WithRegisterer registers the dispatcher's self-metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.reg = reg }
}

// Dispatcher delivers alerts to recipients. Enqueue and Cancel are safe for
// concurrent use; Run drives the worker pool.
type Dispatcher struct {
	source   RecipientSource
	state    AlertState
	channels map[types.ChannelType]Channel
	renderer *Renderer
	limiter  *limiter
	clock    clockwork.Clock
	workers  int
	poll     time.Duration
	reg      prometheus.Registerer

	mu        sync.Mutex
	inbox     []job
	parked    parkedQueue
	cancelled map[string]time.Time

	wake chan struct{}
	work chan job

	outcomes *prometheus.CounterVec
}

// NewDispatcher creates a Dispatcher. Recipients whose channel type has no
// entry in channels are served by a LogChannel.
func NewDispatcher(source RecipientSource, state AlertState, channels map[types.ChannelType]Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		source:    source,
		state:     state,
		channels:  channels,
		renderer:  NewRenderer(),
		limiter:   newLimiter(),
		clock:     clockwork.NewRealClock(),
		workers:   defaultWorkers,
		poll:      defaultPoll,
		cancelled: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		work:      make(chan job),
	}
	for _, o := range opts {
		o(d)
	}
	d.outcomes = promauto.With(d.reg).NewCounterVec(prometheus.CounterOpts{
		Name: "secwatch_notifications_total",
		Help: "Notification jobs by channel and outcome (sent, failed, deferred, suppressed, abandoned).",
	}, []string{"channel", "outcome"})
	return d
}

// Enqueue queues a for delivery and returns immediately.
func (d *Dispatcher) Enqueue(a types.Alert) {
	d.submit(job{alert: a})
}

// Cancel abandons parked jobs and pending retries for alertID. A send
// already in flight completes.
func (d *Dispatcher) Cancel(alertID string) {
	d.mu.Lock()
	d.cancelled[alertID] = d.clock.Now()
	n := d.parked.drop(alertID)
	d.mu.Unlock()
	if n > 0 {
		slog.Info("notify: parked deliveries abandoned", "alert_id", alertID, "count", n)
	}
}

// Deferred returns the number of jobs parked by the rate limit or a
// failed lookup.
func (d *Dispatcher) Deferred() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parked.Len()
}

func (d *Dispatcher) submit(jobs ...job) {
	d.mu.Lock()
	d.inbox = append(d.inbox, jobs...)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) park(j job, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cancelled[j.alert.ID]; ok {
		return
	}
	heap.Push(&d.parked, parked{job: j, at: at})
}

func (d *Dispatcher) takeInbox() []job {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := d.inbox
	d.inbox = nil
	return jobs
}

func (d *Dispatcher) due(now time.Time) []job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.cancelled {
		if now.Sub(at) >= cancelledTTL {
			delete(d.cancelled, id)
		}
	}
	return d.parked.popDue(now)
}

func (d *Dispatcher) isCancelled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cancelled[id]
	return ok
}

// Run starts the workers and the scheduler and blocks until ctx is
// cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	d.schedule(ctx)
	wg.Wait()
}

// schedule owns the ready list. It moves new jobs in from the inbox, parked
// jobs in when they fall due, and hands ready jobs to idle workers.
func (d *Dispatcher) schedule(ctx context.Context) {
	ticker := d.clock.NewTicker(d.poll)
	defer ticker.Stop()

	var ready []job
	for {
		var out chan<- job
		var next job
		if len(ready) > 0 {
			out = d.work
			next = ready[0]
		}
		select {
		case <-ctx.Done():
			if n := len(ready) + d.Deferred(); n > 0 {
				slog.Warn("notify: stopping with undelivered jobs", "count", n)
			}
			return
		case <-d.wake:
			ready = append(ready, d.takeInbox()...)
			ready = append(ready, d.due(d.clock.Now())...)
		case <-ticker.Chan():
			now := d.clock.Now()
			ready = append(ready, d.due(now)...)
			d.limiter.prune(now, 24*time.Hour)
		case out <- next:
			ready = ready[1:]
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.work:
			if j.recipient == nil {
				d.fanOut(ctx, j)
			} else {
				d.deliver(ctx, j)
			}
		}
	}
}

func (d *Dispatcher) fanOut(ctx context.Context, j job) {
	a := j.alert
	if d.isCancelled(a.ID) {
		return
	}
	rs, err := d.source.Recipients(ctx, a.Severity)
	if err != nil {
		slog.Error("notify: recipient lookup failed, retrying later", "alert_id", a.ID, "err", err)
		d.park(j, d.clock.Now().Add(configRetry))
		return
	}
	if len(rs) == 0 {
		slog.Warn("notify: no active recipients", "alert_id", a.ID, "severity", a.Severity)
		return
	}
	jobs := make([]job, 0, len(rs))
	for _, r := range rs {
		jobs = append(jobs, job{alert: a, recipient: &r})
	}
	d.submit(jobs...)
}

func (d *Dispatcher) channel(t types.ChannelType) Channel {
	if ch, ok := d.channels[t]; ok {
		return ch
	}
	return &LogChannel{As: t}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	a, r := j.alert, *j.recipient
	ch := d.channel(r.Channel)
	log := slog.With("alert_id", a.ID, "recipient", r.ID, "channel", r.Channel, "metric", a.Metric)

	if d.abandoned(ctx, a.ID) {
		d.outcomes.WithLabelValues(string(r.Channel), "abandoned").Inc()
		log.Debug("notify: alert resolved before delivery")
		return
	}
	tuning, err := d.source.Tuning(ctx)
	if err != nil {
		log.Error("notify: tuning lookup failed, retrying later", "err", err)
		d.park(j, d.clock.Now().Add(configRetry))
		return
	}

	now := d.clock.Now()
	key := cooldownKey{recipient: r.ID, metric: a.Metric, severity: a.Severity}
	v, retryAt := d.limiter.reserve(r.ID, key, now, tuning.MaxPerHour, tuning.NotifyCooldown)
	switch v {
	case coolingDown:
		d.outcomes.WithLabelValues(string(r.Channel), "suppressed").Inc()
		log.Debug("notify: recipient in cooldown for metric")
		return
	case rateLimited:
		d.outcomes.WithLabelValues(string(r.Channel), "deferred").Inc()
		log.Info("notify: recipient over hourly limit, delivery deferred", "until", retryAt, "max_per_hour", tuning.MaxPerHour)
		d.park(j, retryAt)
		return
	}

	msg, err := d.renderer.Render(a, r.Address)
	if err != nil {
		d.limiter.release(key, now)
		d.outcomes.WithLabelValues(string(r.Channel), "failed").Inc()
		log.Error("notify: render failed", "err", err)
		d.record(ctx, a.ID, 0, err)
		return
	}

	attempts, err := d.send(ctx, ch, msg, tuning)
	switch {
	case errors.Is(err, errAbandoned):
		d.outcomes.WithLabelValues(string(r.Channel), "abandoned").Inc()
		log.Info("notify: alert resolved, retries abandoned", "attempts", attempts)
		d.record(ctx, a.ID, attempts, nil)
	case err != nil:
		d.limiter.release(key, now)
		d.outcomes.WithLabelValues(string(r.Channel), "failed").Inc()
		log.Error("notify: delivery failed", "attempts", attempts, "err", err)
		d.record(ctx, a.ID, attempts, &types.DeliveryError{Channel: r.Channel, Address: r.Address, Err: err})
	default:
		d.outcomes.WithLabelValues(string(r.Channel), "sent").Inc()
		log.Info("notify: delivered", "attempts", attempts)
		d.record(ctx, a.ID, attempts, nil)
	}
}

// send tries ch once plus up to tuning.MaxRetries retries with exponential
// backoff. Retries stop early once the alert is resolved.
func (d *Dispatcher) send(ctx context.Context, ch Channel, m Message, tuning types.Tuning) (int, error) {
	attempts := 0
	op := func() error {
		if attempts > 0 && d.abandoned(ctx, m.AlertID) {
			return backoff.Permanent(errAbandoned)
		}
		attempts++
		return ch.Send(ctx, m)
	}

	b := backoff.NewExponentialBackOff()
	if tuning.RetryInitial > 0 {
		b.InitialInterval = tuning.RetryInitial
	}
	b.MaxElapsedTime = 0
	retries := tuning.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		slog.Warn("notify: send failed, retrying",
			"alert_id", m.AlertID, "channel", ch.Type(), "attempt", attempts, "wait", wait, "err", err)
	})
	return attempts, err
}

// abandoned reports whether deliveries for id should stop.
func (d *Dispatcher) abandoned(ctx context.Context, id string) bool {
	if d.isCancelled(id) {
		return true
	}
	resolved, err := d.state.IsResolved(ctx, id)
	if err != nil {
		slog.Warn("notify: resolution check failed", "alert_id", id, "err", err)
		return false
	}
	return resolved
}

func (d *Dispatcher) record(ctx context.Context, id string, attempts int, deliveryErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	var msg string
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}
	if err := d.state.RecordDelivery(ctx, id, attempts, msg); err != nil {
		slog.Error("notify: record delivery failed", "alert_id", id, "err", err)
	}
}
