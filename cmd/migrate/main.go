package main

import (
	"errors"
	"flag"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/sportsdata/gobox/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "configuration file")
	source := flag.String("path", "sql/postgres", "directory holding the migration files")
	down := flag.Bool("down", false, "roll back instead of applying")
	steps := flag.Int("steps", 0, "number of migrations to apply or roll back (0 = all)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.New(*configPath)
	if err != nil {
		logger.Fatal("could not load configuration", zap.Error(err))
	}

	m, err := migrate.New("file://"+*source, databaseURL(cfg.Postgres.DSN()))
	if err != nil {
		logger.Fatal("could not initialize migrations", zap.Error(err))
	}
	defer m.Close()

	err = apply(m, *down, *steps)
	var dirty migrate.ErrDirty
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("schema already up to date")
	case errors.As(err, &dirty):
		logger.Error("schema is dirty, fix it and force the version", zap.Int("version", dirty.Version))
		os.Exit(1)
	case err != nil:
		logger.Fatal("migration failed", zap.Error(err))
	default:
		version, _, _ := m.Version()
		logger.Info("schema migrated", zap.Uint("version", version), zap.Bool("down", *down))
	}
}

func apply(m *migrate.Migrate, down bool, steps int) error {
	switch {
	case steps > 0 && down:
		return m.Steps(-steps)
	case steps > 0:
		return m.Steps(steps)
	case down:
		return m.Down()
	default:
		return m.Up()
	}
}

// databaseURL switches the scheme to the pgx v5 migrate driver.
func databaseURL(dsn string) string {
	return "pgx5://" + strings.TrimPrefix(dsn, "postgres://")
}
