package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/db"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

// MaybeRunDev applies pending migrations on boot when running in dev with
// auto-migrate enabled. api, worker and cron-worker all boot through here, so
// the run is serialized with a Postgres advisory lock.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	dir := Dir()
	if err := ValidateDir(dir); err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dir": dir})
	applied, err := upLocked(ctx, sqlDB, dir)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logg.Debug(ctx, "schema up to date")
		return nil
	}
	logg.Info(logg.WithField(ctx, "versions", applied), "migrations applied on boot")
	return nil
}

func upLocked(ctx context.Context, sqlDB *sql.DB, dir string) ([]int64, error) {
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, fmt.Errorf("migration locker: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, os.DirFS(dir),
		goose.WithSessionLocker(locker),
	)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose up: %w", err)
	}
	versions := make([]int64, 0, len(results))
	for _, r := range results {
		versions = append(versions, r.Source.Version)
	}
	return versions, nil
}
