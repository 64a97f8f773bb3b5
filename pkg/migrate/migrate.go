package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/angelmondragon/vaultflow-backend/pkg/env"
	"github.com/pressly/goose/v3"
)

// DefaultDir holds the job, lease and ledger schema.
const DefaultDir = "pkg/migrate/migrations"

// Dir honors VAULTFLOW_MIGRATIONS_DIR, which container images set.
func Dir() string {
	return env.Get(env.MigrationsDir, DefaultDir)
}

func prepare(db *sql.DB, dir string) error {
	switch {
	case db == nil:
		return errors.New("db is required")
	case dir == "":
		return errors.New("dir is required")
	}
	return goose.SetDialect(string(goose.DialectPostgres))
}

// Run executes a goose CLI command (up, down, status, ...).
func Run(ctx context.Context, db *sql.DB, dir string, command string, args ...string) error {
	if err := prepare(db, dir); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// MigrateToVersion moves the schema up or down to target, a
// YYYYMMDDHHMMSS version.
func MigrateToVersion(ctx context.Context, db *sql.DB, dir string, target string) error {
	version, err := parseVersion(target)
	if err != nil {
		return err
	}
	if err := prepare(db, dir); err != nil {
		return err
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	switch {
	case current < version:
		err = goose.UpToContext(ctx, db, dir, version)
	case current > version:
		err = goose.DownToContext(ctx, db, dir, version)
	}
	if err != nil {
		return fmt.Errorf("goose migrate %d -> %d: %w", current, version, err)
	}
	return nil
}

func parseVersion(v string) (int64, error) {
	if _, err := timeFromVersion(v); err != nil {
		return 0, fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", v, err)
	}
	return strconv.ParseInt(v, 10, 64)
}
