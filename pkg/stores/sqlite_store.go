package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openmost/mostd/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// AppendRouteReport stores a route report. Empty ids and times are filled in.
func (s *SQLiteStore) AppendRouteReport(ctx context.Context, report *RouteReport) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.RecordedAt.IsZero() {
		report.RecordedAt = time.Now()
	}
	report.RecordedAt = report.RecordedAt.UTC()

	query := `
		INSERT INTO route_reports (id, route_id, route_name, info, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		report.ID,
		report.RouteID,
		report.RouteName,
		string(report.Info),
		report.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append route report: %w", err)
	}

	return nil
}

// ListRouteReports lists route reports, newest first.
func (s *SQLiteStore) ListRouteReports(ctx context.Context, filter Filter) ([]*RouteReport, error) {
	query := `
		SELECT id, route_id, route_name, info, recorded_at
		FROM route_reports
		WHERE (? IS NULL OR route_id = ?)
		  AND recorded_at >= ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	limit, offset := filter.page()
	since := filter.Since.UTC()
	rows, err := s.db.QueryContext(ctx, query, filter.RouteID, filter.RouteID, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list route reports: %w", err)
	}
	defer rows.Close()

	reports := []*RouteReport{}
	for rows.Next() {
		report := &RouteReport{}
		var info string
		err := rows.Scan(
			&report.ID,
			&report.RouteID,
			&report.RouteName,
			&info,
			&report.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route report: %w", err)
		}
		report.Info = engine.RouteInfo(info)
		reports = append(reports, report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route reports: %w", err)
	}

	return reports, nil
}

// AppendResourceEvent stores a resource diagnostic. Empty ids and times are filled in.
func (s *SQLiteStore) AppendResourceEvent(ctx context.Context, event *ResourceEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now()
	}
	event.RecordedAt = event.RecordedAt.UTC()

	query := `
		INSERT INTO resource_events (id, node, resource_type, handle, info, job, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Node,
		event.ResourceType,
		event.Handle,
		string(event.Info),
		event.Job,
		event.Error,
		event.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append resource event: %w", err)
	}

	return nil
}

// ListResourceEvents lists resource diagnostics, newest first.
func (s *SQLiteStore) ListResourceEvents(ctx context.Context, filter Filter) ([]*ResourceEvent, error) {
	query := `
		SELECT id, node, resource_type, handle, info, job, error, recorded_at
		FROM resource_events
		WHERE (? IS NULL OR node = ?)
		  AND recorded_at >= ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	limit, offset := filter.page()
	since := filter.Since.UTC()
	rows, err := s.db.QueryContext(ctx, query, filter.Node, filter.Node, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource events: %w", err)
	}
	defer rows.Close()

	events := []*ResourceEvent{}
	for rows.Next() {
		event := &ResourceEvent{}
		var info string
		err := rows.Scan(
			&event.ID,
			&event.Node,
			&event.ResourceType,
			&event.Handle,
			&info,
			&event.Job,
			&event.Error,
			&event.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource event: %w", err)
		}
		event.Info = engine.ResourceInfo(info)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates an audit trail entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter Filter) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	limit, offset := filter.page()
	since := filter.Since.UTC()
	rows, err := s.db.QueryContext(ctx, query, filter.Action, filter.Action, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// Prune deletes route reports and resource events recorded before the given
// time. Audit entries are kept. It returns the number of deleted rows.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, query := range []string{
		`DELETE FROM route_reports WHERE recorded_at < ?`,
		`DELETE FROM resource_events WHERE recorded_at < ?`,
	} {
		result, err := tx.ExecContext(ctx, query, before.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to prune: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return total, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (f Filter) page() (limit, offset int) {
	limit, offset = f.Limit, f.Offset
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var _ Store = (*SQLiteStore)(nil)
