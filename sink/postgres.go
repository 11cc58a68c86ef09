package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/relayhub/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table readings are inserted into.
const DefaultTable = "monitoring"

// PostgresConfig holds the connection settings for a Postgres or TimescaleDB sink.
type PostgresConfig struct {
	DSN   string
	Table string
	// CreateTable issues CREATE TABLE IF NOT EXISTS on startup.
	CreateTable bool
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts one row per reading.
type PostgresSink struct {
	pool   *pgxpool.Pool
	db     execer
	insert string
	logger *slog.Logger
}

// NewPostgresSink connects a pool and verifies it with a ping.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres sink requires a dsn")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newPostgresSink(pool, cfg.Table, logger)
	s.pool = pool
	if cfg.CreateTable {
		if _, err := pool.Exec(ctx, createTableSQL(s.table(cfg.Table))); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	s.logger.Info("Postgres sink connected", "table", s.table(cfg.Table))
	return s, nil
}

func newPostgresSink(db execer, table string, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &PostgresSink{db: db, logger: logger.With("component", "PostgresSink")}
	s.insert = insertSQL(s.table(table))
	return s
}

func (s *PostgresSink) table(name string) string {
	if name == "" {
		name = DefaultTable
	}
	return pgx.Identifier{name}.Sanitize()
}

func insertSQL(table string) string {
	return `INSERT INTO ` + table + ` (time, sensor_id, location, stage, temperature, humidity)
		VALUES ($1, $2, $3, $4, $5, $6)`
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		time        TIMESTAMPTZ      NOT NULL,
		sensor_id   TEXT             NOT NULL,
		location    TEXT             NOT NULL,
		stage       TEXT             NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		humidity    DOUBLE PRECISION NOT NULL
	)`
}

func (s *PostgresSink) Record(ctx context.Context, r core.Reading) error {
	_, err := s.db.Exec(ctx, s.insert, r.Timestamp, r.SensorID, r.Location, r.ProcessStage, r.Temperature, r.Humidity)
	if err != nil {
		return &core.SinkError{Sink: "postgres", Err: err}
	}
	return nil
}

func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
