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

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
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
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != ":memory:" {
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

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return nil
}

// SaveReport stores a report. Reports are immutable; saving an existing ID
// fails.
func (r *SQLRepository) SaveReport(ctx context.Context, tenantID string, report *domain.Report) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if report == nil || report.ID == "" {
		return fmt.Errorf("%w: report ID is required", domain.ErrInvalidInput)
	}

	result, err := json.Marshal(report.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	waived, err := json.Marshal(report.Waived)
	if err != nil {
		return fmt.Errorf("failed to encode waived findings: %w", err)
	}
	var changes []byte
	if report.Changes != nil {
		if changes, err = json.Marshal(report.Changes); err != nil {
			return fmt.Errorf("failed to encode changes: %w", err)
		}
	}
	metadata, err := json.Marshal(report.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO reports (
			id, tenant_id, consumer_id, input_hash, result,
			waived, changes, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		report.ID, tenantID, report.ConsumerID, report.InputHash, string(result),
		string(waived), nullable(changes), string(metadata), createdAt.UTC(),
	)
	return err
}

const reportColumns = `id, tenant_id, consumer_id, input_hash, result, waived, changes, metadata, created_at`

// GetReport retrieves a report by ID with tenant isolation.
func (r *SQLRepository) GetReport(ctx context.Context, tenantID string, reportID string) (*domain.Report, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + reportColumns + ` FROM reports WHERE tenant_id = ? AND id = ?`
	return scanReport(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, reportID))
}

// LatestReport returns the most recent report for a consumer.
func (r *SQLRepository) LatestReport(ctx context.Context, tenantID string, consumerID string) (*domain.Report, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + reportColumns + `
		FROM reports
		WHERE tenant_id = ? AND consumer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return scanReport(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, consumerID))
}

// ListReports returns reports newest first. An empty consumerID lists every
// consumer of the tenant. limit is clamped to [1, 100] with a default of 20.
func (r *SQLRepository) ListReports(ctx context.Context, tenantID string, consumerID string, limit int) ([]*domain.Report, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := `SELECT ` + reportColumns + ` FROM reports WHERE tenant_id = ?`
	args := []any{tenantID}
	if consumerID != "" {
		query += ` AND consumer_id = ?`
		args = append(args, consumerID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*domain.Report, error) {
	var report domain.Report
	var result, metadata string
	var waived, changes sql.NullString

	err := row.Scan(
		&report.ID, &report.TenantID, &report.ConsumerID, &report.InputHash,
		&result, &waived, &changes, &metadata, &report.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(result), &report.Result); err != nil {
		return nil, fmt.Errorf("report %s: corrupt result: %w", report.ID, err)
	}
	if waived.Valid && waived.String != "" && waived.String != "null" {
		if err := json.Unmarshal([]byte(waived.String), &report.Waived); err != nil {
			return nil, fmt.Errorf("report %s: corrupt waived findings: %w", report.ID, err)
		}
	}
	if changes.Valid && changes.String != "" {
		report.Changes = &domain.Changes{}
		if err := json.Unmarshal([]byte(changes.String), report.Changes); err != nil {
			return nil, fmt.Errorf("report %s: corrupt changes: %w", report.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(metadata), &report.Metadata); err != nil {
		return nil, fmt.Errorf("report %s: corrupt metadata: %w", report.ID, err)
	}
	return &report, nil
}

// SaveWaiver creates or replaces a waiver.
func (r *SQLRepository) SaveWaiver(ctx context.Context, tenantID string, waiver *domain.Waiver) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if waiver == nil || waiver.ID == "" {
		return fmt.Errorf("%w: waiver ID is required", domain.ErrInvalidInput)
	}

	createdAt := waiver.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var expiresAt any
	if waiver.ExpiresAt != nil {
		expiresAt = waiver.ExpiresAt.UTC()
	}

	query := `
		INSERT INTO waivers (id, tenant_id, name, expression, reason, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, tenant_id) DO UPDATE SET
			name = excluded.name,
			expression = excluded.expression,
			reason = excluded.reason,
			expires_at = excluded.expires_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		waiver.ID, tenantID, waiver.Name, waiver.Expression,
		waiver.Reason, expiresAt, createdAt.UTC(),
	)
	return err
}

// ListWaivers returns every waiver of a tenant, oldest first.
func (r *SQLRepository) ListWaivers(ctx context.Context, tenantID string) ([]*domain.Waiver, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, expression, reason, expires_at, created_at
		FROM waivers
		WHERE tenant_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waivers []*domain.Waiver
	for rows.Next() {
		var w domain.Waiver
		var reason sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.Expression, &reason, &expiresAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Reason = reason.String
		if expiresAt.Valid {
			t := expiresAt.Time
			w.ExpiresAt = &t
		}
		waivers = append(waivers, &w)
	}
	return waivers, rows.Err()
}

// DeleteWaiver removes a waiver.
func (r *SQLRepository) DeleteWaiver(ctx context.Context, tenantID string, waiverID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `DELETE FROM waivers WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, waiverID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
