package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/crewready/secwatch/internal/store"
	"github.com/crewready/secwatch/pkg/types"
)

const snapshotKey = "snapshot"

// Backend is the persistence the ConfigStore writes through.
type Backend interface {
	LoadConfig(ctx context.Context) (*store.ConfigState, error)
	UpdateConfigEntry(ctx context.Context, key, actor string, mutate func(e *types.ConfigEntry) error) (types.ConfigEntry, error)
	UpsertThreshold(ctx context.Context, t types.Threshold, actor string) (types.Threshold, error)
	InsertRecipient(ctx context.Context, r types.Recipient, actor string) (types.Recipient, error)
	DeactivateRecipient(ctx context.Context, id, actor string) error
	SeedConfigEntries(ctx context.Context, entries []types.ConfigEntry, actor string) (int, error)
	SeedThresholds(ctx context.Context, ts []types.Threshold, actor string) (int, error)
	SeedRecipients(ctx context.Context, rs []types.Recipient, actor string) (int, error)
}

// Snapshot is an immutable, consistent view of the configuration. One
// evaluation tick reads exactly one Snapshot.
type Snapshot struct {
	entries    map[string]types.ConfigEntry
	thresholds []types.Threshold
	recipients []types.Recipient
	tuning     types.Tuning
	cacheTTL   time.Duration
	LoadedAt   time.Time
}

// Thresholds returns all thresholds, active or not, ordered by metric.
func (s *Snapshot) Thresholds() []types.Threshold {
	return append([]types.Threshold(nil), s.thresholds...)
}

// ActiveThresholds returns only the active thresholds.
func (s *Snapshot) ActiveThresholds() []types.Threshold {
	out := make([]types.Threshold, 0, len(s.thresholds))
	for _, t := range s.thresholds {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// Recipients returns the active recipients for sev, or all active
// recipients when sev is empty.
func (s *Snapshot) Recipients(sev types.Severity) []types.Recipient {
	out := make([]types.Recipient, 0, len(s.recipients))
	for _, r := range s.recipients {
		if r.Active && (sev == "" || r.Severity == sev) {
			out = append(out, r)
		}
	}
	return out
}

// Tuning returns the decoded runtime knobs.
func (s *Snapshot) Tuning() types.Tuning { return s.tuning }

// Service is the ConfigStore.
type Service struct {
	backend Backend
	sealer  *Sealer
	clock   clockwork.Clock

	cache *ttlcache.Cache[string, *Snapshot]
	group singleflight.Group
	gen   atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithSealer enables at-rest encryption of encrypted entries.
func WithSealer(s *Sealer) Option { return func(svc *Service) { svc.sealer = s } }

// WithClock overrides the clock stamped on snapshots.
func WithClock(c clockwork.Clock) Option { return func(svc *Service) { svc.clock = c } }

// New creates a ConfigStore over backend.
func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		clock:   clockwork.NewRealClock(),
		cache: ttlcache.New[string, *Snapshot](
			ttlcache.WithTTL[string, *Snapshot](defaultCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *Snapshot](),
		),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Snapshot returns the cached view, reloading it if it expired or was
// invalidated. Concurrent reloads are collapsed into one.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	if item := s.cache.Get(snapshotKey); item != nil {
		return item.Value(), nil
	}
	v, err, _ := s.group.Do(snapshotKey, func() (any, error) {
		gen := s.gen.Load()
		snap, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		// A write that committed while we were reading makes this view stale.
		if s.gen.Load() == gen {
			s.cache.Set(snapshotKey, snap, snap.cacheTTL)
			// Invalidate may have run between the check and the Set.
			if s.gen.Load() != gen {
				s.cache.Delete(snapshotKey)
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load config snapshot: %w", err)
	}
	return v.(*Snapshot), nil
}

// Invalidate drops the cached snapshot.
func (s *Service) Invalidate() {
	s.gen.Add(1)
	s.cache.Delete(snapshotKey)
}

func (s *Service) load(ctx context.Context) (*Snapshot, error) {
	st, err := s.backend.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		entries:    make(map[string]types.ConfigEntry, len(st.Entries)),
		thresholds: st.Thresholds,
		recipients: st.Recipients,
		LoadedAt:   s.clock.Now(),
	}
	for _, e := range st.Entries {
		snap.entries[e.Key] = e
	}
	snap.tuning, snap.cacheTTL = s.decodeTuning(snap.entries)
	return snap, nil
}

func (s *Service) decodeTuning(entries map[string]types.ConfigEntry) (types.Tuning, time.Duration) {
	t := types.Tuning{
		AlertCooldown:  durationEntry(entries, KeyAlertCooldown, defaultAlertCooldown),
		NotifyCooldown: durationEntry(entries, KeyNotifyCooldown, defaultNotifyCooldown),
		MaxPerHour:     intEntry(entries, KeyMaxPerHour, defaultMaxPerHour),
		MaxRetries:     intEntry(entries, KeyMaxRetries, defaultMaxRetries),
		RetryInitial:   durationEntry(entries, KeyRetryInitial, defaultRetryInitial),
	}
	if e, ok := entries[KeySMTPPassword]; ok && e.Value != "" {
		plain, err := s.sealer.Open(e.Value)
		if err != nil {
			slog.Warn("configstore: cannot open sealed entry", "key", e.Key, "err", err)
		} else {
			t.SMTPPassword = plain
		}
	}
	ttl := durationEntry(entries, KeyCacheTTL, defaultCacheTTL)
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return t, ttl
}

func durationEntry(entries map[string]types.ConfigEntry, key string, def time.Duration) time.Duration {
	e, ok := entries[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(e.Value)
	if err != nil || d < 0 {
		slog.Warn("configstore: invalid duration entry, using default", "key", key, "value", e.Value, "default", def)
		return def
	}
	return d
}

func intEntry(entries map[string]types.ConfigEntry, key string, def int) int {
	e, ok := entries[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(e.Value)
	if err != nil || n < 0 {
		slog.Warn("configstore: invalid int entry, using default", "key", key, "value", e.Value, "default", def)
		return def
	}
	return n
}

// GetAll returns every entry ordered by key, sensitive values masked.
func (s *Service) GetAll(ctx context.Context) ([]types.ConfigEntry, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.ConfigEntry, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e.Masked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// GetByKey returns one entry with sensitive values masked.
func (s *Service) GetByKey(ctx context.Context, key string) (types.ConfigEntry, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	e, ok := snap.entries[key]
	if !ok {
		return types.ConfigEntry{}, &types.NotFoundError{Kind: "config entry", ID: key}
	}
	return e.Masked(), nil
}

// SetValue validates value against the entry's declared type and persists
// it on behalf of actor. Encrypted entries are sealed before storage.
func (s *Service) SetValue(ctx context.Context, key, value, actor string) (types.ConfigEntry, error) {
	value = strings.TrimSpace(value)
	e, err := s.backend.UpdateConfigEntry(ctx, key, actor, func(e *types.ConfigEntry) error {
		if err := e.Type.Check(value); err != nil {
			return err
		}
		if e.Type == types.TypeDuration {
			if d, _ := time.ParseDuration(value); d < 0 {
				return &types.ValidationError{Field: "value", Reason: "duration must not be negative"}
			}
		}
		if check, ok := rangeChecks[key]; ok {
			if err := check(value); err != nil {
				return err
			}
		}
		stored := value
		if e.Encrypted {
			sealed, err := s.sealer.Seal(value)
			if err != nil {
				return err
			}
			stored = sealed
		}
		e.Value = stored
		return nil
	})
	if err != nil {
		return types.ConfigEntry{}, err
	}
	s.Invalidate()
	slog.Info("configstore: entry updated", "key", key, "actor", actor)
	return e.Masked(), nil
}

// Thresholds returns all thresholds from the current snapshot.
func (s *Service) Thresholds(ctx context.Context) ([]types.Threshold, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Thresholds(), nil
}

// SetThreshold validates and stores t. An inverted warning/critical pair or
// an unmonitored metric is rejected with ValidationError and nothing changes.
func (s *Service) SetThreshold(ctx context.Context, t types.Threshold, actor string) (types.Threshold, error) {
	if err := t.Validate(); err != nil {
		return types.Threshold{}, err
	}
	saved, err := s.backend.UpsertThreshold(ctx, t, actor)
	if err != nil {
		return types.Threshold{}, err
	}
	s.Invalidate()
	slog.Info("configstore: threshold updated",
		"metric", t.Metric, "warning", t.Warning, "critical", t.Critical, "active", t.Active, "actor", actor)
	return saved, nil
}

// Recipients returns the active recipients for sev ("" for all).
func (s *Service) Recipients(ctx context.Context, sev types.Severity) ([]types.Recipient, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Recipients(sev), nil
}

// AddRecipient registers an active recipient for alerts of severity.
func (s *Service) AddRecipient(ctx context.Context, severity, channel, address, actor string) (types.Recipient, error) {
	sev, err := types.ParseSeverity(severity)
	if err != nil {
		return types.Recipient{}, err
	}
	ch, err := types.ParseChannel(channel)
	if err != nil {
		return types.Recipient{}, err
	}
	address = strings.TrimSpace(address)
	if err := types.ValidateAddress(ch, address); err != nil {
		return types.Recipient{}, err
	}
	r, err := s.backend.InsertRecipient(ctx, types.Recipient{Severity: sev, Channel: ch, Address: address}, actor)
	if err != nil {
		return types.Recipient{}, err
	}
	s.Invalidate()
	slog.Info("configstore: recipient added", "id", r.ID, "severity", sev, "channel", ch, "actor", actor)
	return r, nil
}

// RemoveRecipient soft-disables the recipient with id.
func (s *Service) RemoveRecipient(ctx context.Context, id, actor string) error {
	if err := s.backend.DeactivateRecipient(ctx, id, actor); err != nil {
		return err
	}
	s.Invalidate()
	slog.Info("configstore: recipient removed", "id", id, "actor", actor)
	return nil
}

// Tuning returns the runtime knobs from the current snapshot.
func (s *Service) Tuning(ctx context.Context) (types.Tuning, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return types.Tuning{}, err
	}
	return snap.Tuning(), nil
}

// Seed inserts the default tuning entries plus the given thresholds and
// recipients where they do not exist yet. Existing rows are left alone.
func (s *Service) Seed(ctx context.Context, thresholds []types.Threshold, recipients []types.Recipient) error {
	const actor = "system"
	entries := DefaultEntries()
	for i, e := range entries {
		if e.Encrypted && e.Value != "" {
			sealed, err := s.sealer.Seal(e.Value)
			if err != nil {
				return err
			}
			entries[i].Value = sealed
		}
	}
	ne, err := s.backend.SeedConfigEntries(ctx, entries, actor)
	if err != nil {
		return fmt.Errorf("seed config entries: %w", err)
	}
	nt, err := s.backend.SeedThresholds(ctx, thresholds, actor)
	if err != nil {
		return fmt.Errorf("seed thresholds: %w", err)
	}
	for _, r := range recipients {
		if _, err := types.ParseSeverity(string(r.Severity)); err != nil {
			return err
		}
		if _, err := types.ParseChannel(string(r.Channel)); err != nil {
			return err
		}
		if err := types.ValidateAddress(r.Channel, r.Address); err != nil {
			return err
		}
	}
	nr, err := s.backend.SeedRecipients(ctx, recipients, actor)
	if err != nil {
		return fmt.Errorf("seed recipients: %w", err)
	}
	s.Invalidate()
	if ne+nt+nr > 0 {
		slog.Info("configstore: seeded defaults", "entries", ne, "thresholds", nt, "recipients", nr)
	}
	return nil
}
