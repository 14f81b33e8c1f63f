// Package postgres builds the pgx connection pool shared by the stores, with
// otelpgx spans, query logging and query duration metrics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"
)

// Options tunes the pool.
type Options struct {
	// MaxConns caps the pool size; 0 keeps the pgx default.
	MaxConns int32
	// SlowQuery is the duration above which successful queries are logged.
	// Failed queries are always logged.
	SlowQuery time.Duration
	// Observer receives the duration of every query.
	Observer QueryObserver
	Logger   log.Logger
}

// NewPool parses databaseURL, installs the tracer and pings the server.
func NewPool(ctx context.Context, databaseURL string, opts Options) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pcfg.MaxConns = opts.MaxConns
	}

	tr := newQueryTracer(otelpgx.NewTracer(), opts.Logger, opts.SlowQuery)
	tr.setObserver(opts.Observer)
	pcfg.ConnConfig.Tracer = tr

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
