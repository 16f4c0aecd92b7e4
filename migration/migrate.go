package migration

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"transport-dispatch/logger"
)

// Run applies every pending migration under sourceURL (e.g.
// file://database/migrations) to the database at dbURL. An up-to-date schema
// is not an error.
func Run(sourceURL, dbURL string, l *slog.Logger) error {
	l = logger.OrDefault(l)

	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return fmt.Errorf("migration: start: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			l.Warn("closing migrator", slog.Any("source_error", srcErr), slog.Any("db_error", dbErr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			l.Info("schema up to date")
			return nil
		}
		return fmt.Errorf("migration: up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("migration: version: %w", err)
	}
	l.Info("migrations applied", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}
