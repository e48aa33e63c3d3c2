package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresPublisher uses NOTIFY so document engines can LISTEN on the same
// channel. Nothing is stored.
type postgresPublisher struct {
	pool *pgxpool.Pool
}

func newPostgresPublisher(ctx context.Context, databaseURL string) (*postgresPublisher, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("collab backend postgres requires DATABASE_URL")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &postgresPublisher{pool: pool}, nil
}

func (p *postgresPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (p *postgresPublisher) Close() error {
	p.pool.Close()
	return nil
}
