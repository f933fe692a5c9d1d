package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQL store configuration
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
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection with WAL journaling.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

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

	sourceDriver, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
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

const sqliteSelectColumns = `id, status, operation, reason, error, parameters, outputs, account_id, workspace_path, created_at, updated_at, completed_at`

// Get retrieves a deployment by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSelectColumns+` FROM deployments WHERE id = ?`, id)

	d, err := scanSQLiteDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// Put upserts the deployment and records a transition event when the status changed.
func (s *SQLiteStore) Put(ctx context.Context, d *Deployment) error {
	if err := d.Status.Validate(); err != nil {
		return err
	}

	params, err := json.Marshal(d.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	outputs, err := marshalOutputs(d.Outputs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT status FROM deployments WHERE id = ?`, d.ID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read current status: %w", err)
	}

	var completedAt sql.NullInt64
	if d.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: d.CompletedAt.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (id, status, operation, reason, error, parameters, outputs, account_id, workspace_path, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			operation = excluded.operation,
			reason = excluded.reason,
			error = excluded.error,
			parameters = excluded.parameters,
			outputs = excluded.outputs,
			account_id = excluded.account_id,
			workspace_path = excluded.workspace_path,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		d.ID,
		string(d.Status),
		string(d.Operation),
		d.Reason,
		d.Error,
		string(params),
		string(outputs),
		d.AccountID,
		d.WorkspacePath,
		d.CreatedAt.UnixNano(),
		d.UpdatedAt.UnixNano(),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}

	if previous != string(d.Status) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_events (deployment_id, from_status, to_status, reason, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, d.ID, previous, string(d.Status), d.Reason, d.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to record transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deployment: %w", err)
	}
	return nil
}

// List lists all deployments ordered by creation time
func (s *SQLiteStore) List(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSelectColumns+` FROM deployments ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanSQLiteDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	return deployments, nil
}

// LoadAll returns every deployment keyed by ID
func (s *SQLiteStore) LoadAll(ctx context.Context) (map[string]*Deployment, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Deployment, len(list))
	for _, d := range list {
		out[d.ID] = d
	}
	return out, nil
}

// History returns the recorded status transitions of a deployment, oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deployment_id, from_status, to_status, reason, recorded_at
		FROM deployment_events
		WHERE deployment_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []Transition{}
	for rows.Next() {
		var (
			t          Transition
			from, to   string
			recordedAt int64
		)
		if err := rows.Scan(&t.DeploymentID, &from, &to, &t.Reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = Status(from)
		t.To = Status(to)
		t.RecordedAt = time.Unix(0, recordedAt).UTC()
		history = append(history, t)
	}
	return history, rows.Err()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDeployment(row rowScanner) (*Deployment, error) {
	var (
		d                    Deployment
		status, operation    string
		params, outputs      string
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)

	err := row.Scan(
		&d.ID,
		&status,
		&operation,
		&d.Reason,
		&d.Error,
		&params,
		&outputs,
		&d.AccountID,
		&d.WorkspacePath,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Operation = Operation(operation)
	d.CreatedAt = time.Unix(0, createdAt).UTC()
	d.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		d.CompletedAt = &t
	}
	if err := decodeColumns(&d, []byte(params), []byte(outputs)); err != nil {
		return nil, err
	}
	return &d, nil
}

func marshalOutputs(outputs map[string]Output) ([]byte, error) {
	if outputs == nil {
		outputs = map[string]Output{}
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outputs: %w", err)
	}
	return data, nil
}

func decodeColumns(d *Deployment, params, outputs []byte) error {
	if err := json.Unmarshal(params, &d.Parameters); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	var out map[string]Output
	if err := json.Unmarshal(outputs, &out); err != nil {
		return fmt.Errorf("failed to decode outputs: %w", err)
	}
	if len(out) > 0 {
		d.Outputs = out
	}
	return nil
}
