package stores

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// PostgresStore implements the Store interface on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const postgresSelectColumns = `id, status, operation, reason, error, parameters, outputs, account_id, workspace_path, created_at, updated_at, completed_at`

// Get retrieves a deployment by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Deployment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresSelectColumns+` FROM deployments WHERE id = $1`, id)

	d, err := scanPostgresDeployment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// Put upserts the deployment and records a transition event when the status changed.
func (s *PostgresStore) Put(ctx context.Context, d *Deployment) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var previous string
	err = tx.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1 FOR UPDATE`, d.ID).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read current status: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO deployments (id, status, operation, reason, error, parameters, outputs, account_id, workspace_path, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			operation = EXCLUDED.operation,
			reason = EXCLUDED.reason,
			error = EXCLUDED.error,
			parameters = EXCLUDED.parameters,
			outputs = EXCLUDED.outputs,
			account_id = EXCLUDED.account_id,
			workspace_path = EXCLUDED.workspace_path,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`,
		d.ID,
		string(d.Status),
		string(d.Operation),
		d.Reason,
		d.Error,
		params,
		outputs,
		d.AccountID,
		d.WorkspacePath,
		d.CreatedAt,
		d.UpdatedAt,
		d.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}

	if previous != string(d.Status) {
		_, err = tx.Exec(ctx, `
			INSERT INTO deployment_events (deployment_id, from_status, to_status, reason, recorded_at)
			VALUES ($1, $2, $3, $4, $5)
		`, d.ID, previous, string(d.Status), d.Reason, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to record transition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit deployment: %w", err)
	}
	return nil
}

// List lists all deployments ordered by creation time
func (s *PostgresStore) List(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postgresSelectColumns+` FROM deployments ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanPostgresDeployment(rows)
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
func (s *PostgresStore) LoadAll(ctx context.Context) (map[string]*Deployment, error) {
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
func (s *PostgresStore) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT deployment_id, from_status, to_status, reason, recorded_at
		FROM deployment_events
		WHERE deployment_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []Transition{}
	for rows.Next() {
		var (
			t        Transition
			from, to string
		)
		if err := rows.Scan(&t.DeploymentID, &from, &to, &t.Reason, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = Status(from)
		t.To = Status(to)
		history = append(history, t)
	}
	return history, rows.Err()
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresDeployment(row pgx.Row) (*Deployment, error) {
	var (
		d                 Deployment
		status, operation string
		params, outputs   []byte
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
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Operation = Operation(operation)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	if err := decodeColumns(&d, params, outputs); err != nil {
		return nil, err
	}
	return &d, nil
}

// Truncate deletes every deployment and event. Used by tests and by restore.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE deployment_events, deployments`)
	if err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}
