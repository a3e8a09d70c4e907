package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

// EnsureSchema applies all pending embedded migrations in version order.
// Applied versions are tracked in schema_migrations.
func EnsureSchema(ctx context.Context, db *DB, logger *slog.Logger) error {
	return applyMigrations(ctx, db, migrationFiles, "migrations", logger)
}

func applyMigrations(ctx context.Context, db *DB, fsys fs.FS, dir string, logger *slog.Logger) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := migrationNames(fsys, dir)
	if err != nil {
		return err
	}
	logger.Info("found migration files", "count", len(files))

	for _, file := range files {
		version, err := migrationVersion(file)
		if err != nil {
			logger.Warn("skipping migration file with invalid version format", "file", file)
			continue
		}

		var applied bool
		err = db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration version %d: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(fsys, dir+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", file, err)
		}

		logger.Info("applying migration", "file", file, "version", version)
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("execute migration %s: %w", file, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("record migration %s: %w", file, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}

// migrationNames lists the *.up.sql files in dir, sorted by name
func migrationNames(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion extracts 1 from "000001_init.up.sql"
func migrationVersion(file string) (int64, error) {
	prefix, _, _ := strings.Cut(file, "_")
	return strconv.ParseInt(prefix, 10, 64)
}
