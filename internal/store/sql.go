package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql. The same implementation
// serves sqlite (default), mysql and postgres; dialect differences are
// limited to placeholder style and the binary column type.
type SQLStore struct {
	driver    string
	dsn       string
	db        *sql.DB
	connected bool
	logger    *slog.Logger
}

// NewSQL creates a SQL-backed store for the given driver.
func NewSQL(driver, dsn string) *SQLStore {
	return &SQLStore{
		driver: driver,
		dsn:    dsn,
		logger: slog.Default().With("component", "store", "driver", driver),
	}
}

// Connect opens the database and initializes the schema.
func (s *SQLStore) Connect() error {
	if s.connected {
		return nil
	}

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", s.driver, err)
	}

	if s.driver == "sqlite3" {
		// sqlite supports a single writer; also keeps :memory: databases
		// on one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping %s store: %w", s.driver, err)
	}

	s.db = db
	if err := s.initSchema(); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.connected = true
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.db.Close()
}

// Type returns the driver name.
func (s *SQLStore) Type() string { return s.driver }

func (s *SQLStore) blobType() string {
	if s.driver == "postgres" {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			envelope_from TEXT NOT NULL,
			recipient TEXT NOT NULL,
			headers TEXT NOT NULL,
			body ` + s.blobType() + ` NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			next_attempt_at TIMESTAMP NULL,
			last_error TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_status ON messages (tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages (status)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			mx_host TEXT NOT NULL,
			code INTEGER NOT NULL,
			response TEXT NOT NULL,
			bounce_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_message ON attempts (message_id)`,
		`CREATE TABLE IF NOT EXISTS suppressions (
			tenant_id TEXT NOT NULL,
			address TEXT NOT NULL,
			type TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, address)
		)`,
		`CREATE TABLE IF NOT EXISTS reputation_snapshots (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			window_start TIMESTAMP NOT NULL,
			window_end TIMESTAMP NOT NULL,
			sent INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			bounced INTEGER NOT NULL,
			complained INTEGER NOT NULL,
			bounce_rate REAL NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_tenant ON reputation_snapshots (tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS signing_keys (
			domain TEXT PRIMARY KEY,
			selector TEXT NOT NULL,
			private_pem TEXT NOT NULL,
			public_pem TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			plan_tier TEXT NOT NULL,
			per_hour INTEGER NOT NULL,
			per_day INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			name TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			verified INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_domains_tenant ON domains (tenant_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the $N style postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// CreateMessage inserts a new message. Inserting an id that already
// exists returns ErrAlreadyExists so submission stays idempotent.
func (s *SQLStore) CreateMessage(ctx context.Context, m *Message) error {
	if !s.connected {
		return ErrNotConnected
	}

	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err = s.exec(ctx, `INSERT INTO messages
		(id, tenant_id, domain, envelope_from, recipient, headers, body, status, priority, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.Domain, m.From, m.Recipient, string(headers), m.Body,
		string(m.Status), m.Priority, m.Attempts, m.NextAttemptAt, m.LastError, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (s *SQLStore) scanMessage(scan func(...any) error) (*Message, error) {
	var m Message
	var headers string
	var status string
	var nextAttempt sql.NullTime

	err := scan(&m.ID, &m.TenantID, &m.Domain, &m.From, &m.Recipient, &headers, &m.Body,
		&status, &m.Priority, &m.Attempts, &nextAttempt, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	m.Status = MessageStatus(status)
	if nextAttempt.Valid {
		m.NextAttemptAt = nextAttempt.Time
	}
	return &m, nil
}

const messageColumns = `id, tenant_id, domain, envelope_from, recipient, headers, body, status, priority, attempts, next_attempt_at, last_error, created_at, updated_at`

// GetMessage retrieves a message by id.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	row := s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return s.scanMessage(row.Scan)
}

// ClaimMessage performs the queued -> in_progress transition as a
// guarded update. Zero rows affected means another worker got there
// first or the message is not in a claimable state.
func (s *SQLStore) ClaimMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(StatusInProgress), time.Now().UTC(), id, string(StatusQueued), string(StatusBouncedSoft))
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseForRetry returns an in-progress message to a retryable state.
func (s *SQLStore) ReleaseForRetry(ctx context.Context, id string, status MessageStatus, attempts int, nextAttempt time.Time, lastError string) error {
	if status != StatusQueued && status != StatusBouncedSoft {
		return fmt.Errorf("status %q is not retryable", status)
	}
	res, err := s.exec(ctx, `UPDATE messages SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), attempts, nextAttempt.UTC(), lastError, time.Now().UTC(), id, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to release message for retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeMessage moves an in-progress message to a terminal status.
// Terminal states are immutable: the guard refuses any transition whose
// source is not in_progress.
func (s *SQLStore) FinalizeMessage(ctx context.Context, id string, status MessageStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.exec(ctx, `UPDATE messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), lastError, time.Now().UTC(), id, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) listMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := s.scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListQueued returns all retryable messages, oldest first. Messages
// awaiting a retry after a soft bounce count as queued work.
func (s *SQLStore) ListQueued(ctx context.Context) ([]*Message, error) {
	return s.listMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE status IN (?, ?) ORDER BY created_at`,
		string(StatusQueued), string(StatusBouncedSoft))
}

// RecoverInProgress resets crash-stranded messages to queued and
// returns them so the caller can re-enqueue.
func (s *SQLStore) RecoverInProgress(ctx context.Context) ([]*Message, error) {
	stranded, err := s.listMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE status = ?`, string(StatusInProgress))
	if err != nil {
		return nil, err
	}
	if len(stranded) == 0 {
		return nil, nil
	}

	for _, m := range stranded {
		_, err := s.exec(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(StatusQueued), time.Now().UTC(), m.ID, string(StatusInProgress))
		if err != nil {
			return nil, fmt.Errorf("failed to recover message %s: %w", m.ID, err)
		}
		m.Status = StatusQueued
	}

	s.logger.Info("recovered stranded messages", "count", len(stranded))
	return stranded, nil
}

// AddAttempt appends a delivery attempt record. Attempts are never
// mutated or deleted.
func (s *SQLStore) AddAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO attempts (id, message_id, mx_host, code, response, bounce_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.MXHost, a.Code, a.Response, a.BounceType, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a message's attempts in chronological order.
func (s *SQLStore) ListAttempts(ctx context.Context, messageID string) ([]*Attempt, error) {
	rows, err := s.query(ctx, `SELECT id, message_id, mx_host, code, response, bounce_type, created_at
		FROM attempts WHERE message_id = ? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.MessageID, &a.MXHost, &a.Code, &a.Response, &a.BounceType, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpsertSuppression inserts or refreshes a suppression entry. The
// (tenant, address) pair stays unique; re-suppressing updates reason
// and timestamp.
func (s *SQLStore) UpsertSuppression(ctx context.Context, e *SuppressionEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := s.exec(ctx, `UPDATE suppressions SET type = ?, reason = ?, created_at = ? WHERE tenant_id = ? AND address = ?`,
		e.Type, e.Reason, e.CreatedAt, e.TenantID, e.Address)
	if err != nil {
		return fmt.Errorf("failed to update suppression: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.exec(ctx, `INSERT INTO suppressions (tenant_id, address, type, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TenantID, e.Address, e.Type, e.Reason, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Raced with another writer; the other write wins.
			return nil
		}
		return fmt.Errorf("failed to insert suppression: %w", err)
	}
	return nil
}

// GetSuppression retrieves a suppression entry for an exact
// (tenant, address) pair.
func (s *SQLStore) GetSuppression(ctx context.Context, tenantID, address string) (*SuppressionEntry, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	var e SuppressionEntry
	row := s.queryRow(ctx, `SELECT tenant_id, address, type, reason, created_at FROM suppressions WHERE tenant_id = ? AND address = ?`,
		tenantID, address)
	err := row.Scan(&e.TenantID, &e.Address, &e.Type, &e.Reason, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteSuppression removes an entry. Removal is always explicit.
func (s *SQLStore) DeleteSuppression(ctx context.Context, tenantID, address string) error {
	res, err := s.exec(ctx, `DELETE FROM suppressions WHERE tenant_id = ? AND address = ?`, tenantID, address)
	if err != nil {
		return fmt.Errorf("failed to delete suppression: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSuppressions lists a tenant's suppression entries, newest first.
func (s *SQLStore) ListSuppressions(ctx context.Context, tenantID string, limit, offset int) ([]*SuppressionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT tenant_id, address, type, reason, created_at FROM suppressions
		WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SuppressionEntry
	for rows.Next() {
		var e SuppressionEntry
		if err := rows.Scan(&e.TenantID, &e.Address, &e.Type, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AppendReputationSnapshot appends a snapshot; history is never
// rewritten.
func (s *SQLStore) AppendReputationSnapshot(ctx context.Context, snap *ReputationSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO reputation_snapshots
		(id, tenant_id, window_start, window_end, sent, delivered, bounced, complained, bounce_rate, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TenantID, snap.WindowStart, snap.WindowEnd, snap.Sent, snap.Delivered,
		snap.Bounced, snap.Complained, snap.BounceRate, snap.Status, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reputation snapshot: %w", err)
	}
	return nil
}

// LatestReputationSnapshot returns the most recent snapshot for a tenant.
func (s *SQLStore) LatestReputationSnapshot(ctx context.Context, tenantID string) (*ReputationSnapshot, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	var snap ReputationSnapshot
	row := s.queryRow(ctx, `SELECT id, tenant_id, window_start, window_end, sent, delivered, bounced, complained, bounce_rate, status, created_at
		FROM reputation_snapshots WHERE tenant_id = ? ORDER BY created_at DESC LIMIT 1`, tenantID)
	err := row.Scan(&snap.ID, &snap.TenantID, &snap.WindowStart, &snap.WindowEnd, &snap.Sent,
		&snap.Delivered, &snap.Bounced, &snap.Complained, &snap.BounceRate, &snap.Status, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetSigningKey retrieves the active key pair for a domain.
func (s *SQLStore) GetSigningKey(ctx context.Context, domain string) (*SigningKey, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	var k SigningKey
	row := s.queryRow(ctx, `SELECT domain, selector, private_pem, public_pem, created_at FROM signing_keys WHERE domain = ?`, domain)
	err := row.Scan(&k.Domain, &k.Selector, &k.PrivatePEM, &k.PublicPEM, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// SaveSigningKey inserts a new key pair. A key that already exists is
// never silently replaced; regeneration goes through ReplaceSigningKey.
func (s *SQLStore) SaveSigningKey(ctx context.Context, k *SigningKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO signing_keys (domain, selector, private_pem, public_pem, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.Domain, k.Selector, k.PrivatePEM, k.PublicPEM, k.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert signing key: %w", err)
	}
	return nil
}

// ReplaceSigningKey explicitly replaces a domain's key pair.
func (s *SQLStore) ReplaceSigningKey(ctx context.Context, k *SigningKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if _, err := s.exec(ctx, `DELETE FROM signing_keys WHERE domain = ?`, k.Domain); err != nil {
		return fmt.Errorf("failed to remove old signing key: %w", err)
	}
	return s.SaveSigningKey(ctx, k)
}

// GetTenant retrieves the tenant read model.
func (s *SQLStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	if !s.connected {
		return nil, ErrNotConnected
	}
	var t Tenant
	row := s.queryRow(ctx, `SELECT id, plan_tier, per_hour, per_day FROM tenants WHERE id = ?`, id)
	err := row.Scan(&t.ID, &t.PlanTier, &t.PerHour, &t.PerDay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListDomains returns the sending domains owned by a tenant.
func (s *SQLStore) ListDomains(ctx context.Context, tenantID string) ([]*Domain, error) {
	rows, err := s.query(ctx, `SELECT name, tenant_id, verified FROM domains WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Domain
	for rows.Next() {
		var d Domain
		var verified int
		if err := rows.Scan(&d.Name, &d.TenantID, &verified); err != nil {
			return nil, err
		}
		d.Verified = verified != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpsertTenant writes a tenant read model row.
func (s *SQLStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	res, err := s.exec(ctx, `UPDATE tenants SET plan_tier = ?, per_hour = ?, per_day = ? WHERE id = ?`,
		t.PlanTier, t.PerHour, t.PerDay, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO tenants (id, plan_tier, per_hour, per_day) VALUES (?, ?, ?, ?)`,
		t.ID, t.PlanTier, t.PerHour, t.PerDay)
	return err
}

// UpsertDomain writes a domain read model row.
func (s *SQLStore) UpsertDomain(ctx context.Context, d *Domain) error {
	verified := 0
	if d.Verified {
		verified = 1
	}
	res, err := s.exec(ctx, `UPDATE domains SET tenant_id = ?, verified = ? WHERE name = ?`, d.TenantID, verified, d.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO domains (name, tenant_id, verified) VALUES (?, ?, ?)`, d.Name, d.TenantID, verified)
	return err
}

var _ Store = (*SQLStore)(nil)
