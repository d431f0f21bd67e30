package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	"emasa-telemetry/common/config"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// NewPostgresDB opens and pings the durable store
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// BuildDSN returns cfg.URI with the database name replaced by cfg.Database when set
func BuildDSN(cfg *config.DatabaseConfig) (string, error) {
	if cfg.URI == "" {
		return "", fmt.Errorf("database uri is required")
	}
	if cfg.Database == "" {
		return cfg.URI, nil
	}
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return "", fmt.Errorf("invalid database uri: %w", err)
	}
	u.Path = "/" + strings.TrimPrefix(cfg.Database, "/")
	return u.String(), nil
}

// EnsureSchema creates the tables used by the pipeline if they are missing
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes db if it is not nil
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
