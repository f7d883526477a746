package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"tuition-service/internal/config"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// DSN renders cfg as a postgres URL. User and password are escaped.
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, cfg.Port),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

func New(ctx context.Context, cfg config.DatabaseConfig) (*bun.DB, error) {
	db, err := NewWithDSN(ctx, DSN(cfg))
	if err != nil {
		return nil, err
	}
	configurePool(db.DB, newPoolSettings(cfg))
	return db, nil
}

// NewWithDSN opens and pings a database with a custom DSN (useful for testing)
func NewWithDSN(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("database connected successfully")
	return db, nil
}

type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

// newPoolSettings fills zero values with defaults sized for payment bursts,
// where every payment holds a connection for the length of its row lock.
func newPoolSettings(cfg config.DatabaseConfig) poolSettings {
	orDefault := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}
	return poolSettings{
		maxOpen:     orDefault(cfg.MaxOpenConns, 25),
		maxIdle:     orDefault(cfg.MaxIdleConns, 10),
		maxLifetime: time.Duration(orDefault(cfg.ConnMaxLifetime, 300)) * time.Second,
		maxIdleTime: time.Duration(orDefault(cfg.ConnMaxIdleTime, 60)) * time.Second,
	}
}

func configurePool(sqlDB *sql.DB, p poolSettings) {
	sqlDB.SetMaxOpenConns(p.maxOpen)
	sqlDB.SetMaxIdleConns(p.maxIdle)
	sqlDB.SetConnMaxLifetime(p.maxLifetime)
	sqlDB.SetConnMaxIdleTime(p.maxIdleTime)

	slog.Info("database pool configured",
		"max_open_conns", p.maxOpen,
		"max_idle_conns", p.maxIdle,
		"conn_max_lifetime", p.maxLifetime,
		"conn_max_idle_time", p.maxIdleTime,
	)
}

func Close(db *bun.DB) {
	if db != nil {
		db.Close()
	}
}

// RunMigrations creates a table for each model. Models implementing
// bun.AfterCreateTableHook add their own indexes through the *bun.DB, so the
// tables are created outside a transaction.
func RunMigrations(ctx context.Context, db *bun.DB, models ...any) error {
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for model %T: %w", model, err)
		}
	}
	slog.Info("database migrations completed successfully", "tables", len(models))
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}
