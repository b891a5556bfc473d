package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/crewready/secwatch/internal/config"
)

// EventsFamily is the in-process counter the event receiver increments,
// labelled by event type.
const EventsFamily = "secwatch_security_events_total"

// Source produces one metric's value for the current tick.
type Source interface {
	Metric() string
	Sample(ctx context.Context) (float64, error)
}

// EventCounter counts persisted security events in a time range.
type EventCounter interface {
	CountSecurityEvents(ctx context.Context, eventType string, from, to time.Time) (int64, error)
}

// Deps carries the shared handles sources are built from.
type Deps struct {
	Gatherer prometheus.Gatherer
	Events   EventCounter
	Clock    clockwork.Clock
}

// NewSource returns the Source described by src.
func NewSource(src config.Source, deps Deps) (Source, error) {
	switch src.Kind {
	case config.SourceRegistry:
		if deps.Gatherer == nil {
			return nil, fmt.Errorf("collector %q: registry source needs a gatherer", src.Metric)
		}
		return &RegistrySource{metric: src.Metric, eventType: src.EventType, gatherer: deps.Gatherer}, nil
	case config.SourceScrape:
		timeout := src.Timeout
		if timeout <= 0 {
			timeout = config.DefaultScrapeTimeout
		}
		return &ScrapeSource{
			metric:   src.Metric,
			endpoint: src.Endpoint,
			family:   src.Family,
			client:   &http.Client{Timeout: timeout},
		}, nil
	case config.SourceSQL:
		if deps.Events == nil {
			return nil, fmt.Errorf("collector %q: sql source needs an event store", src.Metric)
		}
		clk := deps.Clock
		if clk == nil {
			clk = clockwork.NewRealClock()
		}
		return &SQLSource{metric: src.Metric, eventType: src.EventType, events: deps.Events, clock: clk}, nil
	default:
		return nil, fmt.Errorf("collector: unsupported source kind %q", src.Kind)
	}
}

// delta turns a cumulative counter into per-tick increases.
type delta struct {
	mu     sync.Mutex
	prev   float64
	primed bool
}

// next returns the increase since the previous total. The first call
// returns 0. A total lower than the previous one means the counter was
// reset, and the whole new total counts as the increase.
func (d *delta) next(total float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.primed {
		d.prev, d.primed = total, true
		return 0
	}
	inc := total - d.prev
	if inc < 0 {
		inc = total
	}
	d.prev = total
	return inc
}

// RegistrySource reads the event receiver's counter from an in-process
// Prometheus registry.
type RegistrySource struct {
	metric    string
	eventType string
	gatherer  prometheus.Gatherer
	d         delta
}

func (s *RegistrySource) Metric() string { return s.metric }

// Sample gathers the registry and returns the increase of the counter
// labelled with the source's event type.
func (s *RegistrySource) Sample(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mfs, err := s.gatherer.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather registry: %w", err)
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() == EventsFamily {
			total = sumFamily(mf, "type", s.eventType)
			break
		}
	}
	return s.d.next(total), nil
}

// ScrapeSource reads a counter family from a Prometheus text endpoint
// exposed by the web application.
type ScrapeSource struct {
	metric   string
	endpoint string
	family   string
	client   *http.Client
	d        delta
}

func (s *ScrapeSource) Metric() string { return s.metric }

// Sample scrapes the endpoint and returns the increase of the family total.
func (s *ScrapeSource) Sample(ctx context.Context) (float64, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.endpoint)
	if err != nil {
		return 0, fmt.Errorf("scrape %q: %w", s.endpoint, err)
	}
	mf, ok := mfs[s.family]
	if !ok {
		return 0, fmt.Errorf("scrape %q: family %q not exposed", s.endpoint, s.family)
	}
	return s.d.next(sumFamily(mf, "", "")), nil
}

// SQLSource counts reported security events of one type since its previous
// sample.
type SQLSource struct {
	metric    string
	eventType string
	events    EventCounter
	clock     clockwork.Clock

	mu   sync.Mutex
	last time.Time
}

func (s *SQLSource) Metric() string { return s.metric }

// Sample returns the number of events in (previous sample, now]. The first
// call only records the starting point.
func (s *SQLSource) Sample(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.last.IsZero() {
		s.last = now
		return 0, nil
	}
	n, err := s.events.CountSecurityEvents(ctx, s.eventType, s.last, now)
	if err != nil {
		return 0, fmt.Errorf("count %s events: %w", s.eventType, err)
	}
	s.last = now
	return float64(n), nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r. A partial result
// with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up the counter, gauge or untyped values in mf. When label
// is non-empty only series whose label equals value are counted.
func sumFamily(mf *dto.MetricFamily, label, value string) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		if label != "" && !hasLabel(m, label, value) {
			continue
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue() == value
		}
	}
	return false
}
