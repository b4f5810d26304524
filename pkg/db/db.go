// Package db opens the PostgreSQL pool and applies schema migrations.
package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/storeplane/storeplane/pkg/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to PostgreSQL, verifies connectivity and tunes the pool from
// config.
func Open(ctx context.Context, cfg *config.Config, log logr.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBPoolMax)
	db.SetMaxIdleConns(cfg.DBPoolMin)
	db.SetConnMaxIdleTime(cfg.DBPoolIdleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info("database connection established",
		"maxOpenConns", cfg.DBPoolMax, "maxIdleConns", cfg.DBPoolMin)
	return db, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(db *sqlx.DB, log logr.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, err := goose.GetDBVersion(db.DB)
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	log.Info("database migrations applied", "version", version)
	return nil
}
