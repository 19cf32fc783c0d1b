// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

// defaultListLimit caps fraud event listings when the filter sets no limit.
const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveFraudEvent appends an event to the audit log. Saving the same id twice
// is a no-op so redelivered bus messages do not duplicate rows.
func (r *SQLRepository) SaveFraudEvent(ctx context.Context, e *domain.FraudEvent) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}

	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	var resolvedAt any
	if e.ResolvedAt != nil {
		resolvedAt = e.ResolvedAt.UTC()
	}

	query := `
		INSERT INTO fraud_events (
			id, timestamp, event_type, severity, user_id, device_id,
			ip_address, session_id, endpoint, details, action,
			resolved, resolved_by, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.Timestamp.UTC(), e.EventType, e.Severity,
		e.UserID, e.DeviceID, e.IPAddress, e.SessionID, e.Endpoint,
		string(details), string(e.Action),
		boolToInt(e.Resolved), e.ResolvedBy, resolvedAt,
	)
	return err
}

const fraudEventColumns = `
	id, timestamp, event_type, severity, user_id, device_id,
	ip_address, session_id, endpoint, details, action,
	resolved, resolved_by, resolved_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFraudEvent(row rowScanner) (*domain.FraudEvent, error) {
	var e domain.FraudEvent
	var details, action string
	var userID, deviceID, ip, session, endpoint, resolvedBy sql.NullString
	var resolved int
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&e.ID, &e.Timestamp, &e.EventType, &e.Severity,
		&userID, &deviceID, &ip, &session, &endpoint,
		&details, &action,
		&resolved, &resolvedBy, &resolvedAt,
	); err != nil {
		return nil, err
	}

	e.UserID = userID.String
	e.DeviceID = deviceID.String
	e.IPAddress = ip.String
	e.SessionID = session.String
	e.Endpoint = endpoint.String
	e.Action = domain.Action(action)
	e.Resolved = resolved == 1
	e.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		e.ResolvedAt = &at
	}
	e.Timestamp = e.Timestamp.UTC()

	if details != "" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to parse details for event %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

// GetFraudEvent retrieves one event by id.
func (r *SQLRepository) GetFraudEvent(ctx context.Context, id string) (*domain.FraudEvent, error) {
	query := `SELECT ` + fraudEventColumns + ` FROM fraud_events WHERE id = ?`

	e, err := scanFraudEvent(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListFraudEvents returns events matching filter, newest first.
func (r *SQLRepository) ListFraudEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.FraudEvent, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Unresolved {
		where = append(where, "resolved = 0")
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + fraudEventColumns + ` FROM fraud_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.FraudEvent
	for rows.Next() {
		e, err := scanFraudEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// ResolveFraudEvent marks an event as handled by an operator.
func (r *SQLRepository) ResolveFraudEvent(ctx context.Context, id, resolvedBy string, at time.Time) error {
	if resolvedBy == "" {
		return fmt.Errorf("%w: resolvedBy is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_events
		SET resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), resolvedBy, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SaveTrustSnapshot upserts the latest score document for a user.
func (r *SQLRepository) SaveTrustSnapshot(ctx context.Context, score *domain.TrustScore) error {
	if score == nil || score.UserID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	doc, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to encode trust score: %w", err)
	}

	updated := score.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
		INSERT INTO trust_snapshots (user_id, score, tier, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			score = excluded.score,
			tier = excluded.tier,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		score.UserID, score.Score, score.Tier.String(), string(doc), updated.UTC(),
	)
	return err
}

// GetTrustSnapshot returns the last stored score for a user.
func (r *SQLRepository) GetTrustSnapshot(ctx context.Context, userID string) (*domain.TrustScore, error) {
	query := `SELECT document FROM trust_snapshots WHERE user_id = ?`

	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var score domain.TrustScore
	if err := json.Unmarshal([]byte(doc), &score); err != nil {
		return nil, fmt.Errorf("failed to parse trust snapshot for %s: %w", userID, err)
	}
	return &score, nil
}

// SaveTypingProfile upserts a user's typing profile.
func (r *SQLRepository) SaveTypingProfile(ctx context.Context, p *domain.TypingProfile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
		INSERT INTO typing_profiles (
			user_id, mean, std, median, p95, cv, backspace_rate,
			sample_count, session_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			mean = excluded.mean,
			std = excluded.std,
			median = excluded.median,
			p95 = excluded.p95,
			cv = excluded.cv,
			backspace_rate = excluded.backspace_rate,
			sample_count = excluded.sample_count,
			session_count = excluded.session_count,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.UserID, p.Mean, p.Std, p.Median, p.P95, p.CV, p.BackspaceRate,
		p.SampleCount, p.SessionCount, updated.UTC(),
	)
	return err
}

// GetTypingProfile retrieves a user's typing profile.
func (r *SQLRepository) GetTypingProfile(ctx context.Context, userID string) (*domain.TypingProfile, error) {
	query := `
		SELECT user_id, mean, std, median, p95, cv, backspace_rate,
			   sample_count, session_count, updated_at
		FROM typing_profiles
		WHERE user_id = ?
	`

	var p domain.TypingProfile
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&p.UserID, &p.Mean, &p.Std, &p.Median, &p.P95, &p.CV, &p.BackspaceRate,
		&p.SampleCount, &p.SessionCount, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// SavePolicyRule stores a policy rule, replacing any rule with the same id.
func (r *SQLRepository) SavePolicyRule(ctx context.Context, rule *domain.PolicyRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("failed to encode bands: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO policy_rules (
			id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, string(bands), boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

func scanPolicyRule(row rowScanner) (*domain.PolicyRule, error) {
	var rule domain.PolicyRule
	var description sql.NullString
	var bands string
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &rule.Version,
		&rule.Expression, &bands, &enabled,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(bands), &rule.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse bands for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// GetPolicyRule retrieves an enabled rule by id.
func (r *SQLRepository) GetPolicyRule(ctx context.Context, id string) (*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM policy_rules
		WHERE id = ? AND enabled = 1
	`

	rule, err := scanPolicyRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListPolicyRules returns all enabled rules ordered by id, the order the
// policy engine evaluates them in.
func (r *SQLRepository) ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled
		FROM policy_rules
		WHERE enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PolicyRule
	for rows.Next() {
		rule, err := scanPolicyRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeletePolicyRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeletePolicyRule(ctx context.Context, id string) error {
	query := `
		UPDATE policy_rules
		SET enabled = 0, updated_at = ?
		WHERE id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
