// Package postgres reads CounterChanged events from a table maintained by an
// external indexer. counterwatch never writes reconciled state back.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	dbStatementTimeoutDefaultMS = 30000
	dbStatementTimeoutMinMS     = 0
	dbStatementTimeoutMaxMS     = 3_600_000

	// DefaultQueryTimeout bounds a single event log query.
	DefaultQueryTimeout = 30 * time.Second

	migrationTimeout = 5 * time.Minute
)

//go:embed migrations/*.up.sql
var embeddedMigrations embed.FS

type DB struct {
	*sql.DB
}

type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	StatementTimeoutMS int
}

// Open connects to Postgres and pings it within ctx.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	statementTimeoutMS, err := resolveStatementTimeoutMS(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve statement timeout: %w", err)
	}

	connURL := cfg.URL
	if statementTimeoutMS > 0 {
		connURL = appendStatementTimeout(connURL, statementTimeoutMS)
	}

	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &DB{db}, nil
}

// appendStatementTimeout puts statement_timeout on the connection URL so it
// applies to every pooled connection.
func appendStatementTimeout(url string, timeoutMS int) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "options=-c%20statement_timeout%3D" + strconv.Itoa(timeoutMS)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// RunMigrations applies the bundled schema. It only exists for local setups
// and tests; production tables belong to the indexer that fills them.
func (db *DB) RunMigrations(ctx context.Context) (int, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("open embedded migrations: %w", err)
	}
	return db.RunMigrationsFS(ctx, sub)
}

// RunMigrationsFS executes every *.up.sql file in fsys in name order, once.
// Applied versions are tracked in schema_migrations. It returns the number
// of migrations applied by this call.
func (db *DB) RunMigrationsFS(ctx context.Context, fsys fs.FS) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, f := range files {
		version := path.Base(f)

		var exists bool
		if err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		content, err := fs.ReadFile(fsys, f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}

		start := time.Now()
		if err := db.applyMigration(ctx, version, string(content)); err != nil {
			return applied, err
		}
		applied++
		slog.Info("migration completed", "version", version, "elapsed", time.Since(start).String())
	}
	return applied, nil
}

func (db *DB) applyMigration(ctx context.Context, version, content string) error {
	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SET LOCAL lock_timeout = '10s'"); err != nil {
		return fmt.Errorf("set lock_timeout for migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("exec migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func resolveStatementTimeoutMS(cfg Config) (int, error) {
	if cfg.StatementTimeoutMS != 0 {
		if cfg.StatementTimeoutMS < dbStatementTimeoutMinMS || cfg.StatementTimeoutMS > dbStatementTimeoutMaxMS {
			return 0, fmt.Errorf("statement timeout %d out of allowed range [%d, %d]", cfg.StatementTimeoutMS, dbStatementTimeoutMinMS, dbStatementTimeoutMaxMS)
		}
		return cfg.StatementTimeoutMS, nil
	}

	statementTimeoutMS, err := getEnvIntBounded("DB_STATEMENT_TIMEOUT_MS", dbStatementTimeoutDefaultMS, dbStatementTimeoutMinMS, dbStatementTimeoutMaxMS)
	if err != nil {
		return 0, fmt.Errorf("DB_STATEMENT_TIMEOUT_MS: %w", err)
	}
	return statementTimeoutMS, nil
}

func getEnvIntBounded(key string, fallback, min, max int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < min || value > max {
		return 0, fmt.Errorf("must be within [%d, %d]", min, max)
	}
	return value, nil
}
