package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crewready/secwatch/internal/alerts"
	"github.com/crewready/secwatch/internal/api"
	"github.com/crewready/secwatch/internal/configstore"
	"github.com/crewready/secwatch/internal/monitor"
	"github.com/crewready/secwatch/internal/receiver"
	"github.com/crewready/secwatch/internal/store"
	"github.com/crewready/secwatch/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- test helpers -----------------------------------------------------------

type fixture struct {
	clock   *clockwork.FakeClock
	store   *store.Store
	config  *configstore.Service
	window  *store.Window
	status  monitor.Status
	pingErr error
	h       http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	st, err := store.Open(ctx, store.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared", store.WithClock(clk))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sealer, err := configstore.NewSealer("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	cfg := configstore.New(st, configstore.WithSealer(sealer), configstore.WithClock(clk))
	if err := cfg.Seed(ctx, configstore.DefaultThresholds(), nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	f := &fixture{
		clock:  clk,
		store:  st,
		config: cfg,
		window: store.NewWindow(15*time.Minute, clk),
		status: monitor.Status{Running: true},
	}
	f.h = api.Logging(api.New(api.Deps{
		Config:  cfg,
		Alerts:  alerts.NewManager(st, clk, nil, nil, nil),
		Events:  receiver.New(st, clk, prometheus.NewRegistry()),
		Samples: f.window,
		Audit:   st,
		Status:  func() monitor.Status { return f.status },
		Ping: func(ctx context.Context) error {
			if f.pingErr != nil {
				return f.pingErr
			}
			return st.Ping(ctx)
		},
		Now: clk.Now,
	}))
	return f
}

// raise inserts an open alert created at.
func (f *fixture) raise(t *testing.T, metric string, sev types.Severity, at time.Time) types.Alert {
	t.Helper()
	a := types.Alert{
		ID:             uuid.NewString(),
		Severity:       sev,
		Metric:         metric,
		ObservedValue:  12,
		ThresholdValue: 10,
		Message:        metric + " exceeded",
		CreatedAt:      at,
	}
	created, err := f.store.CreateAlertIfNoneOpen(context.Background(), a, at)
	if err != nil || !created {
		t.Fatalf("CreateAlertIfNoneOpen: created=%v err=%v", created, err)
	}
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, "", "")
}

func do(t *testing.T, h http.Handler, method, path, body, actor string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

type errBody struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

func wantError(t *testing.T, rr *httptest.ResponseRecorder, code int, field string) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status: got %d, want %d (body: %s)", rr.Code, code, rr.Body.String())
	}
	var e errBody
	decode(t, rr, &e)
	if e.Error == "" {
		t.Error("error message is empty")
	}
	if e.Field != field {
		t.Errorf("field: got %q, want %q", e.Field, field)
	}
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := get(t, f.h, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status: got %q, want ok", resp.Status)
	}
	if !resp.Time.Equal(epoch) {
		t.Errorf("time: got %v, want %v", resp.Time, epoch)
	}
}

func TestHealth_MonitorStopped(t *testing.T) {
	f := newFixture(t)
	f.status = monitor.Status{Running: false, LastError: "boom"}
	var resp api.HealthResponse
	decode(t, get(t, f.h, "/api/v1/health"), &resp)
	if resp.Status != "stopped" {
		t.Errorf("status: got %q, want stopped", resp.Status)
	}
	if resp.Monitor.LastError != "boom" {
		t.Errorf("monitor.last_error: got %q, want boom", resp.Monitor.LastError)
	}
}

func TestHealth_DatabaseUnreachable(t *testing.T) {
	f := newFixture(t)
	var ok api.HealthResponse
	decode(t, get(t, f.h, "/api/v1/health"), &ok)
	if ok.Database != "ok" {
		t.Errorf("database: got %q, want ok", ok.Database)
	}

	f.pingErr = errors.New("connection refused")
	rr := get(t, f.h, "/api/v1/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "degraded" || resp.Database != "unreachable" {
		t.Errorf("health: got status=%q database=%q", resp.Status, resp.Database)
	}
}

// --- /api/v1/config ---------------------------------------------------------

func TestConfig_ListAndGet(t *testing.T) {
	f := newFixture(t)
	rr := get(t, f.h, "/api/v1/config")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var entries []types.ConfigEntry
	decode(t, rr, &entries)
	if len(entries) != len(configstore.DefaultEntries()) {
		t.Fatalf("entries: got %d, want %d", len(entries), len(configstore.DefaultEntries()))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Key > entries[i].Key {
			t.Errorf("entries not sorted: %q before %q", entries[i-1].Key, entries[i].Key)
		}
	}

	var e types.ConfigEntry
	decode(t, get(t, f.h, "/api/v1/config/"+configstore.KeyMaxPerHour), &e)
	if e.Value != "10" || e.Type != types.TypeInt {
		t.Errorf("entry: got %+v", e)
	}

	wantError(t, get(t, f.h, "/api/v1/config/nope"), http.StatusNotFound, "")
}

func TestConfig_SetValue(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodPut, "/api/v1/config/"+configstore.KeyMaxPerHour, `{"value":"3"}`, "admin-7")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}
	var e types.ConfigEntry
	decode(t, rr, &e)
	if e.Value != "3" || e.UpdatedBy != "admin-7" {
		t.Errorf("entry: got value=%q updated_by=%q", e.Value, e.UpdatedBy)
	}

	tuning, err := f.config.Tuning(context.Background())
	if err != nil {
		t.Fatalf("Tuning: %v", err)
	}
	if tuning.MaxPerHour != 3 {
		t.Errorf("MaxPerHour: got %d, want 3", tuning.MaxPerHour)
	}
}

func TestConfig_SetValueRejected(t *testing.T) {
	f := newFixture(t)
	key := "/api/v1/config/" + configstore.KeyMaxPerHour

	wantError(t, do(t, f.h, http.MethodPut, key, `{"value":"many"}`, ""), http.StatusBadRequest, "value")
	wantError(t, do(t, f.h, http.MethodPut, key, `{}`, ""), http.StatusBadRequest, "value")
	wantError(t, do(t, f.h, http.MethodPut, key, `{"value":"3","extra":1}`, ""), http.StatusBadRequest, "body")
	wantError(t, do(t, f.h, http.MethodPut, key, `not json`, ""), http.StatusBadRequest, "body")
	wantError(t, do(t, f.h, http.MethodPut, "/api/v1/config/nope", `{"value":"1"}`, ""), http.StatusNotFound, "")

	var e types.ConfigEntry
	decode(t, get(t, f.h, key), &e)
	if e.Value != "10" {
		t.Errorf("value changed by rejected writes: %q", e.Value)
	}
}

func TestConfig_EncryptedValueMasked(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/config/" + configstore.KeySMTPPassword
	rr := do(t, f.h, http.MethodPut, path, `{"value":"hunter2"}`, "admin")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("secret leaked in response: %s", rr.Body.String())
	}

	list := get(t, f.h, "/api/v1/config")
	if strings.Contains(list.Body.String(), "hunter2") {
		t.Fatalf("secret leaked in listing: %s", list.Body.String())
	}

	var e types.ConfigEntry
	decode(t, get(t, f.h, path), &e)
	if e.Value != types.MaskedValue {
		t.Errorf("value: got %q, want %q", e.Value, types.MaskedValue)
	}

	tuning, err := f.config.Tuning(context.Background())
	if err != nil {
		t.Fatalf("Tuning: %v", err)
	}
	if tuning.SMTPPassword != "hunter2" {
		t.Errorf("SMTPPassword: got %q, want hunter2", tuning.SMTPPassword)
	}
}

// --- /api/v1/thresholds -----------------------------------------------------

func TestThresholds_List(t *testing.T) {
	f := newFixture(t)
	var ts []types.Threshold
	decode(t, get(t, f.h, "/api/v1/thresholds"), &ts)
	if len(ts) != len(types.Metrics()) {
		t.Fatalf("thresholds: got %d, want %d", len(ts), len(types.Metrics()))
	}
}

func TestThresholds_Set(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodPut, "/api/v1/thresholds/"+types.MetricAuthFailures,
		`{"warning":3,"critical":8}`, "admin-2")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}
	var th types.Threshold
	decode(t, rr, &th)
	if th.Warning != 3 || th.Critical != 8 || !th.Active {
		t.Errorf("threshold: got %+v", th)
	}
	if th.LastModifiedBy != "admin-2" {
		t.Errorf("last_modified_by: got %q, want admin-2", th.LastModifiedBy)
	}

	rr = do(t, f.h, http.MethodPut, "/api/v1/thresholds/"+types.MetricAuthFailures,
		`{"warning":3,"critical":8,"active":false}`, "")
	decode(t, rr, &th)
	if th.Active {
		t.Error("active: got true, want false")
	}
	if th.LastModifiedBy != "system" {
		t.Errorf("last_modified_by: got %q, want system", th.LastModifiedBy)
	}
}

func TestThresholds_InvertedRejected(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/thresholds/" + types.MetricAuthFailures

	wantError(t, do(t, f.h, http.MethodPut, path, `{"warning":10,"critical":5}`, "admin"), http.StatusBadRequest, "warning")
	wantError(t, do(t, f.h, http.MethodPut, path, `{"warning":5,"critical":5}`, "admin"), http.StatusBadRequest, "warning")

	ts, err := f.config.Thresholds(context.Background())
	if err != nil {
		t.Fatalf("Thresholds: %v", err)
	}
	for _, th := range ts {
		if th.Metric == types.MetricAuthFailures && (th.Warning != 5 || th.Critical != 10) {
			t.Errorf("threshold changed by rejected write: %+v", th)
		}
	}
}

func TestThresholds_Rejected(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		path, body, field string
	}{
		"missing warning":  {"/api/v1/thresholds/" + types.MetricAuthFailures, `{"critical":5}`, "warning"},
		"missing critical": {"/api/v1/thresholds/" + types.MetricAuthFailures, `{"warning":5}`, "critical"},
		"unknown metric":   {"/api/v1/thresholds/cpuLoad", `{"warning":1,"critical":2}`, "metric"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			wantError(t, do(t, f.h, http.MethodPut, tc.path, tc.body, ""), http.StatusBadRequest, tc.field)
		})
	}
}

// --- /api/v1/recipients -----------------------------------------------------

func TestRecipients_AddListRemove(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodPost, "/api/v1/recipients",
		`{"severity":"critical","channel":"email","address":"ops@example.com"}`, "admin")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body: %s)", rr.Code, rr.Body.String())
	}
	var r types.Recipient
	decode(t, rr, &r)
	if r.ID == "" || !r.Active {
		t.Fatalf("recipient: got %+v", r)
	}

	do(t, f.h, http.MethodPost, "/api/v1/recipients",
		`{"severity":"warning","channel":"slack","address":"https://hooks.slack.com/services/T/B/X"}`, "admin")

	var crit []types.Recipient
	decode(t, get(t, f.h, "/api/v1/recipients?severity=critical"), &crit)
	if len(crit) != 1 || crit[0].ID != r.ID {
		t.Errorf("critical recipients: got %+v", crit)
	}
	var all []types.Recipient
	decode(t, get(t, f.h, "/api/v1/recipients"), &all)
	if len(all) != 2 {
		t.Errorf("all recipients: got %d, want 2", len(all))
	}

	rr = do(t, f.h, http.MethodDelete, "/api/v1/recipients/"+r.ID, "", "admin")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status: got %d, want 204", rr.Code)
	}
	decode(t, get(t, f.h, "/api/v1/recipients?severity=critical"), &crit)
	if len(crit) != 0 {
		t.Errorf("removed recipient still listed: %+v", crit)
	}

	wantError(t, do(t, f.h, http.MethodDelete, "/api/v1/recipients/nope", "", "admin"), http.StatusNotFound, "")
}

func TestRecipients_Rejected(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		body, field string
	}{
		"bad severity": {`{"severity":"info","channel":"email","address":"a@b.io"}`, "severity"},
		"bad channel":  {`{"severity":"warning","channel":"sms","address":"a@b.io"}`, "channel"},
		"bad email":    {`{"severity":"warning","channel":"email","address":"not-an-email"}`, "address"},
		"bad url":      {`{"severity":"warning","channel":"webhook","address":"ftp://x"}`, "address"},
		"empty":        {`{"severity":"warning","channel":"teams","address":""}`, "address"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			wantError(t, do(t, f.h, http.MethodPost, "/api/v1/recipients", tc.body, ""), http.StatusBadRequest, tc.field)
		})
	}
	wantError(t, get(t, f.h, "/api/v1/recipients?severity=loud"), http.StatusBadRequest, "severity")
}

// --- /api/v1/alerts ---------------------------------------------------------

func TestAlerts_ListFilterAndPage(t *testing.T) {
	f := newFixture(t)
	f.raise(t, types.MetricAuthFailures, types.SeverityWarning, epoch)
	f.raise(t, types.MetricAuthFailures, types.SeverityCritical, epoch.Add(time.Minute))
	f.raise(t, types.MetricInjectionAttempts, types.SeverityCritical, epoch.Add(2*time.Minute))

	var resp api.AlertListResponse
	decode(t, get(t, f.h, "/api/v1/alerts"), &resp)
	if resp.Total != 3 || len(resp.Alerts) != 3 {
		t.Fatalf("alerts: got total=%d len=%d, want 3", resp.Total, len(resp.Alerts))
	}
	if resp.Alerts[0].Metric != types.MetricInjectionAttempts {
		t.Errorf("newest first: got %q", resp.Alerts[0].Metric)
	}
	if resp.Limit != types.DefaultPageLimit {
		t.Errorf("limit: got %d, want %d", resp.Limit, types.DefaultPageLimit)
	}

	decode(t, get(t, f.h, "/api/v1/alerts?severity=critical"), &resp)
	if resp.Total != 2 {
		t.Errorf("critical total: got %d, want 2", resp.Total)
	}

	decode(t, get(t, f.h, "/api/v1/alerts?limit=1&offset=1"), &resp)
	if resp.Total != 3 || len(resp.Alerts) != 1 {
		t.Fatalf("page: got total=%d len=%d", resp.Total, len(resp.Alerts))
	}
	if resp.Alerts[0].Severity != types.SeverityCritical || resp.Alerts[0].Metric != types.MetricAuthFailures {
		t.Errorf("page item: got %+v", resp.Alerts[0])
	}

	from := epoch.Add(30 * time.Second).Format(time.RFC3339)
	decode(t, get(t, f.h, "/api/v1/alerts?from="+from), &resp)
	if resp.Total != 2 {
		t.Errorf("from total: got %d, want 2", resp.Total)
	}

	decode(t, get(t, f.h, "/api/v1/alerts?resolved=true"), &resp)
	if resp.Total != 0 || resp.Alerts == nil {
		t.Errorf("resolved: got total=%d alerts=%v, want empty list", resp.Total, resp.Alerts)
	}
}

func TestAlerts_BadQuery(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"/api/v1/alerts?severity=info":                                     "severity",
		"/api/v1/alerts?resolved=maybe":                                    "resolved",
		"/api/v1/alerts?from=yesterday":                                    "from",
		"/api/v1/alerts?limit=-1":                                          "limit",
		"/api/v1/alerts?offset=x":                                          "offset",
		"/api/v1/alerts?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z": "to",
	}
	for path, field := range cases {
		t.Run(field, func(t *testing.T) {
			wantError(t, get(t, f.h, path), http.StatusBadRequest, field)
		})
	}
}

func TestAlerts_GetUnknown(t *testing.T) {
	f := newFixture(t)
	wantError(t, get(t, f.h, "/api/v1/alerts/"+uuid.NewString()), http.StatusNotFound, "")
}

func TestAlerts_ResolveWithoutNotes(t *testing.T) {
	f := newFixture(t)
	a := f.raise(t, types.MetricMalwareDetections, types.SeverityCritical, epoch)
	f.clock.Advance(5 * time.Minute)

	rr := do(t, f.h, http.MethodPut, "/api/v1/alerts/"+a.ID+"/resolution", "", "admin-42")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body: %s)", rr.Code, rr.Body.String())
	}
	var got types.Alert
	decode(t, rr, &got)
	if !got.Resolved || got.ResolvedBy != "admin-42" || got.ResolutionNotes != "" {
		t.Errorf("resolved alert: got %+v", got)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(epoch.Add(5*time.Minute)) {
		t.Errorf("resolved_at: got %v", got.ResolvedAt)
	}
}

func TestAlerts_ResolveTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	a := f.raise(t, types.MetricAuthFailures, types.SeverityWarning, epoch)
	path := "/api/v1/alerts/" + a.ID + "/resolution"

	rr := do(t, f.h, http.MethodPut, path, `{"notes":"blocked the IP range"}`, "first")
	if rr.Code != http.StatusOK {
		t.Fatalf("first resolve: got %d (body: %s)", rr.Code, rr.Body.String())
	}
	wantError(t, do(t, f.h, http.MethodPut, path, `{"notes":"again"}`, "second"), http.StatusConflict, "")

	var got types.Alert
	decode(t, get(t, f.h, "/api/v1/alerts/"+a.ID), &got)
	if got.ResolvedBy != "first" || got.ResolutionNotes != "blocked the IP range" {
		t.Errorf("first resolution overwritten: %+v", got)
	}
}

func TestAlerts_ResolveUnknown(t *testing.T) {
	f := newFixture(t)
	wantError(t, do(t, f.h, http.MethodPut, "/api/v1/alerts/nope/resolution", "", "admin"), http.StatusNotFound, "")
}

// --- /api/v1/metrics/latest -------------------------------------------------

func TestMetricsLatest(t *testing.T) {
	f := newFixture(t)
	f.window.Put(types.Sample{Metric: types.MetricRateLimitViolations, Value: 4, At: epoch})
	f.window.Put(types.Sample{Metric: types.MetricAuthFailures, Value: 1, At: epoch.Add(-time.Minute)})
	f.window.Put(types.Sample{Metric: types.MetricAuthFailures, Value: 7, At: epoch})

	var got []types.Sample
	decode(t, get(t, f.h, "/api/v1/metrics/latest"), &got)
	if len(got) != 2 {
		t.Fatalf("samples: got %d, want 2", len(got))
	}
	if got[0].Metric != types.MetricAuthFailures || got[0].Value != 7 {
		t.Errorf("first sample: got %+v", got[0])
	}
	if got[1].Metric != types.MetricRateLimitViolations {
		t.Errorf("second sample: got %+v", got[1])
	}
}

// --- /api/v1/events ---------------------------------------------------------

func TestEvents_Ingest(t *testing.T) {
	f := newFixture(t)
	rr := do(t, f.h, http.MethodPost, "/api/v1/events",
		`{"type":"auth_failure","source":"login","detail":"bad password for crew-114"}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (body: %s)", rr.Code, rr.Body.String())
	}
	var ev types.SecurityEvent
	decode(t, rr, &ev)
	if ev.ID == "" || !ev.At.Equal(epoch) {
		t.Errorf("event: got %+v", ev)
	}

	n, err := f.store.CountSecurityEvents(context.Background(), types.EventAuthFailure, epoch.Add(-time.Hour), epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("CountSecurityEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("stored events: got %d, want 1", n)
	}
}

func TestEvents_Rejected(t *testing.T) {
	f := newFixture(t)
	wantError(t, do(t, f.h, http.MethodPost, "/api/v1/events", `{"type":"port_scan"}`, ""), http.StatusBadRequest, "type")
	wantError(t, do(t, f.h, http.MethodPost, "/api/v1/events", ``, ""), http.StatusBadRequest, "body")
}

// --- /api/v1/audit ----------------------------------------------------------

func TestAudit_RecordsMutations(t *testing.T) {
	f := newFixture(t)
	do(t, f.h, http.MethodPut, "/api/v1/thresholds/"+types.MetricAuthFailures, `{"warning":2,"critical":4}`, "admin-9")
	do(t, f.h, http.MethodPut, "/api/v1/config/"+configstore.KeySMTPPassword, `{"value":"hunter2"}`, "admin-9")

	var recs []types.AuditRecord
	decode(t, get(t, f.h, "/api/v1/audit?entity=threshold&limit=10"), &recs)
	var found bool
	for _, r := range recs {
		if r.Entity != "threshold" {
			t.Errorf("entity filter: got %q", r.Entity)
		}
		if r.EntityKey == types.MetricAuthFailures && r.Actor == "admin-9" && r.Action == "update" {
			found = true
		}
	}
	if !found {
		t.Errorf("threshold update not audited: %+v", recs)
	}

	all := get(t, f.h, "/api/v1/audit")
	if strings.Contains(all.Body.String(), "hunter2") {
		t.Fatalf("secret leaked in audit trail: %s", all.Body.String())
	}

	wantError(t, get(t, f.h, "/api/v1/audit?limit=0"), http.StatusBadRequest, "limit")
}

// --- routing & middleware ---------------------------------------------------

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	if rr := get(t, f.h, "/api/v1/nope"); rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

func TestWrongMethod(t *testing.T) {
	f := newFixture(t)
	if rr := do(t, f.h, http.MethodPost, "/api/v1/health", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

func TestLogging_RecoversPanic(t *testing.T) {
	h := api.Logging(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	wantError(t, get(t, h, "/api/v1/health"), http.StatusInternalServerError, "")
}
