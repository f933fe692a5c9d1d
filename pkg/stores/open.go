package stores

import (
	"context"
	"fmt"
	"path/filepath"
)

// Driver names accepted by Open.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenConfig selects and configures a store implementation.
type OpenConfig struct {
	Driver  string
	DataDir string
	DSN     string
}

// Open creates, initializes and migrates the configured store.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch cfg.Driver {
	case "", DriverFile:
		return NewFileStore(cfg.DataDir)

	case DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(cfg.DataDir, "deployments.db")
		}
		s, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case DriverPostgres:
		s, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
