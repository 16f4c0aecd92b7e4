package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq"

	"transport-dispatch/config"
	"transport-dispatch/logger"
)

// DSN is the lib/pq keyword connection string for cfg.
func DSN(cfg config.DBConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
}

// URL is the postgres:// form golang-migrate expects.
func URL(cfg config.DBConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     "/" + cfg.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

// Connect opens the pool and pings until the database answers or the retries
// run out.
func Connect(ctx context.Context, cfg config.DBConfig, l *slog.Logger) (*sql.DB, error) {
	l = logger.OrDefault(l)
	db, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	attempts := cfg.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if i >= attempts {
			db.Close()
			return nil, fmt.Errorf("database: ping after %d attempts: %w", i, err)
		}
		l.Warn("waiting for database", slog.Int("attempt", i), slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}

	l.Info("database connected", slog.String("host", cfg.Host), slog.String("dbname", cfg.DBName))
	return db, nil
}
