package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/crewready/secwatch/internal/monitor"
	"github.com/crewready/secwatch/pkg/types"
)

const (
	// ActorHeader names the admin performing a mutation.
	ActorHeader = "X-Actor-ID"

	defaultActor = "system"
	maxBody      = 1 << 20
	pingTimeout  = 2 * time.Second
)

// ConfigService is the configuration surface the API exposes.
type ConfigService interface {
	GetAll(ctx context.Context) ([]types.ConfigEntry, error)
	GetByKey(ctx context.Context, key string) (types.ConfigEntry, error)
	SetValue(ctx context.Context, key, value, actor string) (types.ConfigEntry, error)
	Thresholds(ctx context.Context) ([]types.Threshold, error)
	SetThreshold(ctx context.Context, t types.Threshold, actor string) (types.Threshold, error)
	Recipients(ctx context.Context, sev types.Severity) ([]types.Recipient, error)
	AddRecipient(ctx context.Context, severity, channel, address, actor string) (types.Recipient, error)
	RemoveRecipient(ctx context.Context, id, actor string) error
}

// AlertService is the alert query and resolution surface.
type AlertService interface {
	List(ctx context.Context, f types.AlertFilter, p types.Page) ([]types.Alert, int, error)
	Get(ctx context.Context, id string) (types.Alert, error)
	Resolve(ctx context.Context, id, actor, notes string) (types.Alert, error)
}

// EventRecorder ingests security events.
type EventRecorder interface {
	Record(ctx context.Context, ev types.SecurityEvent) (types.SecurityEvent, error)
}

// AuditReader lists configuration audit records.
type AuditReader interface {
	ListAudit(ctx context.Context, entity string, limit int) ([]types.AuditRecord, error)
}

// SampleReader exposes the rolling sample window.
type SampleReader interface {
	LatestAll() map[string]types.Sample
}

// Deps are the services behind the API. Audit, Status and Ping may be nil.
type Deps struct {
	Config  ConfigService
	Alerts  AlertService
	Events  EventRecorder
	Samples SampleReader
	Audit   AuditReader
	Status  func() monitor.Status
	Ping    func(ctx context.Context) error
	Now     func() time.Time
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &Handler{deps: deps, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /api/v1/health", h.health)

	h.mux.HandleFunc("GET /api/v1/config", h.listConfig)
	h.mux.HandleFunc("GET /api/v1/config/{key}", h.getConfig)
	h.mux.HandleFunc("PUT /api/v1/config/{key}", h.setConfig)

	h.mux.HandleFunc("GET /api/v1/thresholds", h.listThresholds)
	h.mux.HandleFunc("PUT /api/v1/thresholds/{metric}", h.setThreshold)

	h.mux.HandleFunc("GET /api/v1/recipients", h.listRecipients)
	h.mux.HandleFunc("POST /api/v1/recipients", h.addRecipient)
	h.mux.HandleFunc("DELETE /api/v1/recipients/{id}", h.removeRecipient)

	h.mux.HandleFunc("GET /api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("GET /api/v1/alerts/{id}", h.getAlert)
	h.mux.HandleFunc("PUT /api/v1/alerts/{id}/resolution", h.resolveAlert)

	h.mux.HandleFunc("GET /api/v1/metrics/latest", h.latestMetrics)
	h.mux.HandleFunc("POST /api/v1/events", h.ingestEvent)

	if deps.Audit != nil {
		h.mux.HandleFunc("GET /api/v1/audit", h.listAudit)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return &types.ValidationError{Field: "body", Reason: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// --- health -----------------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Time: h.deps.Now().UTC()}
	code := http.StatusOK
	if h.deps.Status != nil {
		resp.Monitor = h.deps.Status()
		if !resp.Monitor.Running {
			resp.Status = "stopped"
		}
	}
	if h.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		resp.Database = "ok"
		if err := h.deps.Ping(ctx); err != nil {
			slog.Warn("api: database unreachable", "err", err)
			resp.Database = "unreachable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	jsonResp(w, code, resp)
}

// --- config -----------------------------------------------------------------

func (h *Handler) listConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Config.GetAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, entries)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	e, err := h.deps.Config.GetByKey(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, e)
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var req SetValueRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Value == nil {
		writeError(w, r, &types.ValidationError{Field: "value", Reason: "value is required"})
		return
	}
	e, err := h.deps.Config.SetValue(r.Context(), r.PathValue("key"), *req.Value, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, e)
}

// --- thresholds -------------------------------------------------------------

func (h *Handler) listThresholds(w http.ResponseWriter, r *http.Request) {
	ts, err := h.deps.Config.Thresholds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, ts)
}

func (h *Handler) setThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Warning == nil {
		writeError(w, r, &types.ValidationError{Field: "warning", Reason: "warning is required"})
		return
	}
	if req.Critical == nil {
		writeError(w, r, &types.ValidationError{Field: "critical", Reason: "critical is required"})
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	t, err := h.deps.Config.SetThreshold(r.Context(), types.Threshold{
		Metric:   r.PathValue("metric"),
		Warning:  *req.Warning,
		Critical: *req.Critical,
		Active:   active,
	}, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, t)
}

// --- recipients -------------------------------------------------------------

func (h *Handler) listRecipients(w http.ResponseWriter, r *http.Request) {
	var sev types.Severity
	if s := r.URL.Query().Get("severity"); s != "" {
		parsed, err := types.ParseSeverity(s)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sev = parsed
	}
	rs, err := h.deps.Config.Recipients(r.Context(), sev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, rs)
}

func (h *Handler) addRecipient(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.deps.Config.AddRecipient(r.Context(), req.Severity, req.Channel, req.Address, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusCreated, rec)
}

func (h *Handler) removeRecipient(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Config.RemoveRecipient(r.Context(), r.PathValue("id"), actor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- audit ------------------------------------------------------------------

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > types.MaxPageLimit {
			writeError(w, r, &types.ValidationError{Field: "limit", Reason: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	recs, err := h.deps.Audit.ListAudit(r.Context(), q.Get("entity"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []types.AuditRecord{}
	}
	jsonResp(w, http.StatusOK, recs)
}

// --- alerts -----------------------------------------------------------------

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseAlertQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p = p.Normalize()
	list, total, err := h.deps.Alerts.List(r.Context(), f, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Alert{}
	}
	jsonResp(w, http.StatusOK, AlertListResponse{Alerts: list, Total: total, Limit: p.Limit, Offset: p.Offset})
}

func parseAlertQuery(r *http.Request) (types.AlertFilter, types.Page, error) {
	q := r.URL.Query()
	var (
		f types.AlertFilter
		p types.Page
	)
	if s := q.Get("severity"); s != "" {
		sev, err := types.ParseSeverity(s)
		if err != nil {
			return f, p, err
		}
		f.Severity = sev
	}
	if s := q.Get("resolved"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, p, &types.ValidationError{Field: "resolved", Reason: "resolved must be true or false"}
		}
		f.Resolved = &b
	}
	for _, tp := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if s := q.Get(tp.name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return f, p, &types.ValidationError{Field: tp.name, Reason: tp.name + " must be an RFC 3339 timestamp"}
			}
			*tp.dst = t
		}
	}
	for _, ip := range []struct {
		name string
		dst  *int
	}{{"limit", &p.Limit}, {"offset", &p.Offset}} {
		if s := q.Get(ip.name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return f, p, &types.ValidationError{Field: ip.name, Reason: ip.name + " must be a non-negative integer"}
			}
			*ip.dst = n
		}
	}
	return f, p, nil
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.deps.Alerts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, a)
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.deps.Alerts.Resolve(r.Context(), r.PathValue("id"), actor(r), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, a)
}

// --- metrics & events -------------------------------------------------------

func (h *Handler) latestMetrics(w http.ResponseWriter, r *http.Request) {
	latest := h.deps.Samples.LatestAll()
	out := make([]types.Sample, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.deps.Events.Record(r.Context(), types.SecurityEvent{
		Type:   req.Type,
		Source: req.Source,
		Detail: req.Detail,
		At:     req.At,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusAccepted, ev)
}
