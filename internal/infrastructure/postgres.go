package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type PostgresClient struct {
	Pool   *pgxpool.Pool
	logger logrus.FieldLogger
}

func NewPostgresClient(ctx context.Context, connString string, logger logrus.FieldLogger) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresClient{Pool: pool, logger: logger}, nil
}

var postgresSchema = []struct {
	name string
	ddl  string
}{
	{"users", `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(50) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'admin',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"customers", `
		CREATE TABLE IF NOT EXISTS customers (
			phone VARCHAR(20) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			preferences JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_interaction_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"customer_interactions", `
		CREATE TABLE IF NOT EXISTS customer_interactions (
			id BIGSERIAL PRIMARY KEY,
			phone VARCHAR(20) NOT NULL REFERENCES customers(phone) ON DELETE CASCADE,
			message TEXT NOT NULL,
			reply TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"customer_interactions index", `
		CREATE INDEX IF NOT EXISTS idx_interactions_phone ON customer_interactions (phone, id DESC);`},
	{"security_events", `
		CREATE TABLE IF NOT EXISTS security_events (
			id BIGSERIAL PRIMARY KEY,
			kind VARCHAR(50) NOT NULL,
			ip VARCHAR(64) NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`},
	{"security_events index", `
		CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events (created_at DESC);`},
}

// Migrate creates the relay schema. Every statement is idempotent.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.Pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	p.logger.WithField("module", "postgres").Info("schema is up to date")
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
