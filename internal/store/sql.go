package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/crewready/secwatch/pkg/types"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// pgSerializationFailure is the SQLSTATE Postgres returns when a
// serializable transaction must be retried.
const pgSerializationFailure = "40001"

// Store persists configuration entries, thresholds, recipients, alerts, the
// audit log and reported security events. Every mutation of configuration
// state commits together with its audit record.
type Store struct {
	db     *sql.DB
	driver string
	clock  clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for updated_at and audit timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// SQLiteDSN returns a modernc.org/sqlite DSN for a database file with WAL
// journaling and a busy timeout.
func SQLiteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open connects to the database and applies pending migrations. A SQLite
// DSN without query parameters is treated as a file path and opened with
// SQLiteDSN.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn = SQLiteDSN(dsn)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite single-writer
	}
	s := &Store{db: db, driver: driver, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites ? placeholders to $n for Postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn in a transaction. On Postgres the transaction is
// serializable and retried on serialization failures. SQLite runs on a single
// connection, which already serializes writers. fn must only use tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.driver != DriverPostgres {
		return s.runTx(ctx, nil, fn)
	}
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	op := func() error {
		err := s.runTx(ctx, opts, fn)
		var pqErr *pq.Error
		if err != nil && !(errors.As(err, &pqErr) && pqErr.Code == pgSerializationFailure) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx))
}

func (s *Store) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Audit ---

func (s *Store) audit(ctx context.Context, q querier, entity, key, action, actor, oldVal, newVal string) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO audit_log (id, entity, entity_key, action, actor, old_value, new_value, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), entity, key, action, actor, oldVal, newVal, ms(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit records for entity ("" for all).
func (s *Store) ListAudit(ctx context.Context, entity string, limit int) ([]types.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, entity, entity_key, action, actor, old_value, new_value, at FROM audit_log`
	args := []any{}
	if entity != "" {
		query += ` WHERE entity = ?`
		args = append(args, entity)
	}
	query += ` ORDER BY at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AuditRecord
	for rows.Next() {
		var r types.AuditRecord
		var at int64
		if err := rows.Scan(&r.ID, &r.Entity, &r.EntityKey, &r.Action, &r.Actor, &r.OldValue, &r.NewValue, &at); err != nil {
			return nil, err
		}
		r.At = fromMS(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Configuration snapshot ---

// ConfigState is the full persisted configuration read in one transaction.
type ConfigState struct {
	Entries    []types.ConfigEntry
	Thresholds []types.Threshold
	Recipients []types.Recipient
}

// LoadConfig reads entries, thresholds and recipients as one consistent view.
func (s *Store) LoadConfig(ctx context.Context) (*ConfigState, error) {
	var opts *sql.TxOptions
	if s.driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	st := &ConfigState{}
	err := s.runTx(ctx, opts, func(tx *sql.Tx) error {
		var err error
		if st.Entries, err = s.configEntries(ctx, tx); err != nil {
			return fmt.Errorf("config entries: %w", err)
		}
		if st.Thresholds, err = s.thresholds(ctx, tx); err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		if st.Recipients, err = s.recipients(ctx, tx); err != nil {
			return fmt.Errorf("recipients: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- Config entries ---

const configEntryColumns = `key, value, category, value_type, encrypted, created_by, updated_by, created_at, updated_at`

func scanConfigEntry(sc interface{ Scan(...any) error }) (types.ConfigEntry, error) {
	var e types.ConfigEntry
	var vt string
	var enc int
	var created, updated int64
	if err := sc.Scan(&e.Key, &e.Value, &e.Category, &vt, &enc, &e.CreatedBy, &e.UpdatedBy, &created, &updated); err != nil {
		return e, err
	}
	e.Type = types.ValueType(vt)
	e.Encrypted = enc != 0
	e.CreatedAt = fromMS(created)
	e.UpdatedAt = fromMS(updated)
	return e, nil
}

func (s *Store) configEntries(ctx context.Context, q querier) ([]types.ConfigEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+configEntryColumns+` FROM config_entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ConfigEntry
	for rows.Next() {
		e, err := scanConfigEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConfigEntry returns the entry for key.
func (s *Store) ConfigEntry(ctx context.Context, key string) (types.ConfigEntry, error) {
	return s.configEntry(ctx, s.db, key)
}

func (s *Store) configEntry(ctx context.Context, q querier, key string) (types.ConfigEntry, error) {
	e, err := scanConfigEntry(q.QueryRowContext(ctx, s.q(`SELECT `+configEntryColumns+` FROM config_entries WHERE key = ?`), key))
	if errors.Is(err, sql.ErrNoRows) {
		return e, &types.NotFoundError{Kind: "config entry", ID: key}
	}
	return e, err
}

// SeedConfigEntries inserts entries whose key does not exist yet and returns
// how many were added.
func (s *Store) SeedConfigEntries(ctx context.Context, entries []types.ConfigEntry, actor string) (int, error) {
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		added = 0
		now := ms(s.clock.Now())
		for _, e := range entries {
			res, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO config_entries (`+configEntryColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (key) DO NOTHING`),
				e.Key, e.Value, e.Category, string(e.Type), boolInt(e.Encrypted), actor, actor, now, now)
			if err != nil {
				return fmt.Errorf("seed %s: %w", e.Key, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			added++
			if err := s.audit(ctx, tx, "config_entry", e.Key, "seed", actor, "", auditValue(e)); err != nil {
				return err
			}
		}
		return nil
	})
	return added, err
}

// UpdateConfigEntry loads key, lets mutate change its value, then persists
// the change and its audit record atomically. mutate sees the stored entry and
// may reject the update by returning an error.
func (s *Store) UpdateConfigEntry(ctx context.Context, key, actor string, mutate func(e *types.ConfigEntry) error) (types.ConfigEntry, error) {
	var updated types.ConfigEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := s.configEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		e := old
		if err := mutate(&e); err != nil {
			return err
		}
		e.UpdatedBy = actor
		e.UpdatedAt = fromMS(ms(s.clock.Now()))
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE config_entries SET value = ?, updated_by = ?, updated_at = ? WHERE key = ?`),
			e.Value, e.UpdatedBy, ms(e.UpdatedAt), key); err != nil {
			return err
		}
		updated = e
		return s.audit(ctx, tx, "config_entry", key, "update", actor, auditValue(old), auditValue(e))
	})
	return updated, err
}

func auditValue(e types.ConfigEntry) string {
	if e.Encrypted {
		return types.MaskedValue
	}
	return e.Value
}

// --- Thresholds ---

const thresholdColumns = `metric, warning_value, critical_value, active, last_modified_by, created_by, created_at, updated_at`

func scanThreshold(sc interface{ Scan(...any) error }) (types.Threshold, error) {
	var t types.Threshold
	var active int
	var created, updated int64
	if err := sc.Scan(&t.Metric, &t.Warning, &t.Critical, &active, &t.LastModifiedBy, &t.CreatedBy, &created, &updated); err != nil {
		return t, err
	}
	t.Active = active != 0
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	return t, nil
}

func (s *Store) thresholds(ctx context.Context, q querier) ([]types.Threshold, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+thresholdColumns+` FROM thresholds ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Threshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Thresholds returns every threshold ordered by metric.
func (s *Store) Thresholds(ctx context.Context) ([]types.Threshold, error) {
	return s.thresholds(ctx, s.db)
}

func thresholdString(t types.Threshold) string {
	return fmt.Sprintf("warning=%g critical=%g active=%t", t.Warning, t.Critical, t.Active)
}

// UpsertThreshold validates and stores t, creating the row if needed. A
// rejected write leaves the stored threshold unchanged.
func (s *Store) UpsertThreshold(ctx context.Context, t types.Threshold, actor string) (types.Threshold, error) {
	if err := t.Validate(); err != nil {
		return types.Threshold{}, err
	}
	var saved types.Threshold
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := fromMS(ms(s.clock.Now()))
		old, err := scanThreshold(tx.QueryRowContext(ctx, s.q(`SELECT `+thresholdColumns+` FROM thresholds WHERE metric = ?`), t.Metric))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			saved = t
			saved.LastModifiedBy, saved.CreatedBy = actor, actor
			saved.CreatedAt, saved.UpdatedAt = now, now
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO thresholds (`+thresholdColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				saved.Metric, saved.Warning, saved.Critical, boolInt(saved.Active), actor, actor, ms(now), ms(now)); err != nil {
				return err
			}
			return s.audit(ctx, tx, "threshold", t.Metric, "create", actor, "", thresholdString(saved))
		case err != nil:
			return err
		}
		saved = old
		saved.Warning, saved.Critical, saved.Active = t.Warning, t.Critical, t.Active
		saved.LastModifiedBy, saved.UpdatedAt = actor, now
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE thresholds SET warning_value = ?, critical_value = ?, active = ?, last_modified_by = ?, updated_at = ?
			WHERE metric = ?`),
			saved.Warning, saved.Critical, boolInt(saved.Active), actor, ms(now), saved.Metric); err != nil {
			return err
		}
		return s.audit(ctx, tx, "threshold", t.Metric, "update", actor, thresholdString(old), thresholdString(saved))
	})
	if err != nil {
		return types.Threshold{}, err
	}
	return saved, nil
}

// SeedThresholds inserts thresholds for metrics that have none yet.
func (s *Store) SeedThresholds(ctx context.Context, ts []types.Threshold, actor string) (int, error) {
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		added = 0
		now := ms(s.clock.Now())
		for _, t := range ts {
			if err := t.Validate(); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO thresholds (`+thresholdColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (metric) DO NOTHING`),
				t.Metric, t.Warning, t.Critical, boolInt(t.Active), actor, actor, now, now)
			if err != nil {
				return fmt.Errorf("seed threshold %s: %w", t.Metric, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			added++
			if err := s.audit(ctx, tx, "threshold", t.Metric, "seed", actor, "", thresholdString(t)); err != nil {
				return err
			}
		}
		return nil
	})
	return added, err
}

// --- Recipients ---

const recipientColumns = `id, severity, channel, address, active, created_by, updated_by, created_at, updated_at`

func scanRecipient(sc interface{ Scan(...any) error }) (types.Recipient, error) {
	var r types.Recipient
	var sev, ch string
	var active int
	var created, updated int64
	if err := sc.Scan(&r.ID, &sev, &ch, &r.Address, &active, &r.CreatedBy, &r.UpdatedBy, &created, &updated); err != nil {
		return r, err
	}
	r.Severity = types.Severity(sev)
	r.Channel = types.ChannelType(ch)
	r.Active = active != 0
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	return r, nil
}

func (s *Store) recipients(ctx context.Context, q querier) ([]types.Recipient, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recipientColumns+` FROM recipients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Recipients returns every recipient, active or not, oldest first.
func (s *Store) Recipients(ctx context.Context) ([]types.Recipient, error) {
	return s.recipients(ctx, s.db)
}

func recipientString(r types.Recipient) string {
	return fmt.Sprintf("%s %s %s active=%t", r.Severity, r.Channel, r.Address, r.Active)
}

// InsertRecipient stores a new active recipient and returns it with its id.
func (s *Store) InsertRecipient(ctx context.Context, r types.Recipient, actor string) (types.Recipient, error) {
	now := fromMS(ms(s.clock.Now()))
	r.ID = uuid.NewString()
	r.Active = true
	r.CreatedBy, r.UpdatedBy = actor, actor
	r.CreatedAt, r.UpdatedAt = now, now
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO recipients (`+recipientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			r.ID, string(r.Severity), string(r.Channel), r.Address, 1, actor, actor, ms(now), ms(now)); err != nil {
			return err
		}
		return s.audit(ctx, tx, "recipient", r.ID, "create", actor, "", recipientString(r))
	})
	if err != nil {
		return types.Recipient{}, err
	}
	return r, nil
}

// DeactivateRecipient soft-removes the recipient with id. Removing an already
// inactive recipient succeeds without a new audit record.
func (s *Store) DeactivateRecipient(ctx context.Context, id, actor string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := scanRecipient(tx.QueryRowContext(ctx, s.q(`SELECT `+recipientColumns+` FROM recipients WHERE id = ?`), id))
		if errors.Is(err, sql.ErrNoRows) {
			return &types.NotFoundError{Kind: "recipient", ID: id}
		}
		if err != nil {
			return err
		}
		if !old.Active {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE recipients SET active = 0, updated_by = ?, updated_at = ? WHERE id = ?`),
			actor, ms(s.clock.Now()), id); err != nil {
			return err
		}
		updated := old
		updated.Active = false
		return s.audit(ctx, tx, "recipient", id, "deactivate", actor, recipientString(old), recipientString(updated))
	})
}

// SeedRecipients adds recipients that have no active duplicate with the same
// severity, channel and address.
func (s *Store) SeedRecipients(ctx context.Context, rs []types.Recipient, actor string) (int, error) {
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		added = 0
		now := ms(s.clock.Now())
		for _, r := range rs {
			var n int
			if err := tx.QueryRowContext(ctx, s.q(`
				SELECT COUNT(*) FROM recipients WHERE severity = ? AND channel = ? AND address = ? AND active = 1`),
				string(r.Severity), string(r.Channel), r.Address).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			r.ID = uuid.NewString()
			r.Active = true
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO recipients (`+recipientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				r.ID, string(r.Severity), string(r.Channel), r.Address, 1, actor, actor, now, now); err != nil {
				return err
			}
			added++
			if err := s.audit(ctx, tx, "recipient", r.ID, "seed", actor, "", recipientString(r)); err != nil {
				return err
			}
		}
		return nil
	})
	return added, err
}

// --- Alerts ---

const alertColumns = `id, severity, metric, observed_value, threshold_value, message, created_at,
	resolved, resolved_by, resolution_notes, resolved_at, delivery_attempts, last_delivery_error`

func scanAlert(sc interface{ Scan(...any) error }) (types.Alert, error) {
	var a types.Alert
	var sev string
	var created int64
	var resolved int
	var resolvedAt sql.NullInt64
	if err := sc.Scan(&a.ID, &sev, &a.Metric, &a.ObservedValue, &a.ThresholdValue, &a.Message, &created,
		&resolved, &a.ResolvedBy, &a.ResolutionNotes, &resolvedAt, &a.DeliveryAttempts, &a.LastDeliveryError); err != nil {
		return a, err
	}
	a.Severity = types.Severity(sev)
	a.CreatedAt = fromMS(created)
	a.Resolved = resolved != 0
	if resolvedAt.Valid {
		t := fromMS(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	return a, nil
}

// CreateAlertIfNoneOpen inserts a unless an unresolved alert for the same
// metric and severity was created at or after since. It reports whether a
// was inserted. The check and the insert run in one transaction.
func (s *Store) CreateAlertIfNoneOpen(ctx context.Context, a types.Alert, since time.Time) (bool, error) {
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = false
		open, err := s.hasOpenAlert(ctx, tx, a.Metric, a.Severity, since)
		if err != nil {
			return err
		}
		if open {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO alerts (id, severity, metric, observed_value, threshold_value, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			a.ID, string(a.Severity), a.Metric, a.ObservedValue, a.ThresholdValue, a.Message, ms(a.CreatedAt)); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// HasOpenAlert reports whether an unresolved alert for (metric, sev) was
// created at or after since.
func (s *Store) HasOpenAlert(ctx context.Context, metric string, sev types.Severity, since time.Time) (bool, error) {
	return s.hasOpenAlert(ctx, s.db, metric, sev, since)
}

func (s *Store) hasOpenAlert(ctx context.Context, q querier, metric string, sev types.Severity, since time.Time) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM alerts WHERE metric = ? AND severity = ? AND resolved = 0 AND created_at >= ?`),
		metric, string(sev), ms(since)).Scan(&n)
	return n > 0, err
}

// GetAlert returns the alert with id.
func (s *Store) GetAlert(ctx context.Context, id string) (types.Alert, error) {
	return s.getAlert(ctx, s.db, id)
}

func (s *Store) getAlert(ctx context.Context, q querier, id string) (types.Alert, error) {
	a, err := scanAlert(q.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, &types.NotFoundError{Kind: "alert", ID: id}
	}
	return a, err
}

// ListAlerts returns one page of alerts matching f, newest first, together
// with the total number of matches.
func (s *Store) ListAlerts(ctx context.Context, f types.AlertFilter, p types.Page) ([]types.Alert, int, error) {
	p = p.Normalize()
	var where []string
	var args []any
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Resolved != nil {
		where = append(where, "resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, ms(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, ms(f.To))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM alerts`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+alertColumns+` FROM alerts`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]types.Alert, 0, p.Limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ResolveAlert moves an open alert to resolved. The transition happens at
// most once; a second call fails with InvalidStateError and leaves the first
// resolution untouched.
func (s *Store) ResolveAlert(ctx context.Context, id, actor, notes string, at time.Time) (types.Alert, error) {
	var out types.Alert
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := s.getAlert(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Resolved {
			return &types.InvalidStateError{ID: id, State: "resolved"}
		}
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE alerts SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = ?
			WHERE id = ? AND resolved = 0`),
			actor, notes, ms(at), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return &types.InvalidStateError{ID: id, State: "resolved"}
		}
		resolvedAt := fromMS(ms(at))
		a.Resolved, a.ResolvedBy, a.ResolutionNotes, a.ResolvedAt = true, actor, notes, &resolvedAt
		out = a
		return nil
	})
	return out, err
}

// RecordDelivery adds attempts to the alert's delivery counter and, when
// lastErr is non-empty, stores it as the last delivery error. Resolution
// state is never touched.
func (s *Store) RecordDelivery(ctx context.Context, id string, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE alerts SET delivery_attempts = delivery_attempts + ?,
			last_delivery_error = CASE WHEN ? = '' THEN last_delivery_error ELSE ? END
		WHERE id = ?`),
		attempts, lastErr, lastErr, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.NotFoundError{Kind: "alert", ID: id}
	}
	return nil
}

// --- Security events ---

// InsertSecurityEvent appends ev, assigning an id and timestamp if missing.
func (s *Store) InsertSecurityEvent(ctx context.Context, ev types.SecurityEvent) (types.SecurityEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	ev.At = fromMS(ms(ev.At))
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO security_events (id, event_type, source, detail, at) VALUES (?, ?, ?, ?, ?)`),
		ev.ID, ev.Type, ev.Source, ev.Detail, ms(ev.At))
	if err != nil {
		return types.SecurityEvent{}, err
	}
	return ev, nil
}

// CountSecurityEvents counts events of eventType with from < at <= to.
func (s *Store) CountSecurityEvents(ctx context.Context, eventType string, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM security_events WHERE event_type = ? AND at > ? AND at <= ?`),
		eventType, ms(from), ms(to)).Scan(&n)
	return n, err
}
