// Package connpool implements the connection-pool collaborator: it
// resolves opaque connection references to live handles. Handles are
// owned here; the pipeline never caches them across queries.
package connpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/executors"
)

// Pool resolves relational and external-API connection references by
// looking them up in the platform database. Relational handles are
// pooled per reference; endpoint lookups are per call.
type Pool struct {
	platform *sqlx.DB
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*sqlx.DB
}

// New builds a pool over the platform database handle.
func New(platform *sqlx.DB, logger *zap.Logger) *Pool {
	return &Pool{
		platform: platform,
		logger:   logger,
		handles:  make(map[string]*sqlx.DB),
	}
}

// Resolve implements executors.RelationalResolver.
func (p *Pool) Resolve(ctx context.Context, connectionRef string) (*sqlx.DB, error) {
	p.mu.Lock()
	if db, ok := p.handles[connectionRef]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	var dsn string
	const q = `SELECT dsn FROM source_connections WHERE connection_ref = $1 AND kind = 'relational'`
	if err := p.platform.GetContext(ctx, &dsn, q, connectionRef); err != nil {
		return nil, fmt.Errorf("lookup connection %s: %w", connectionRef, err)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open connection %s: %w", connectionRef, err)
	}
	// Customer databases get a deliberately small pool.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping connection %s: %w", connectionRef, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.handles[connectionRef]; ok {
		_ = db.Close()
		return existing, nil
	}
	p.handles[connectionRef] = db
	p.logger.Info("opened relational connection", zap.String("connection_ref", connectionRef))
	return db, nil
}

// ResolveEndpoint implements executors.APIResolver via the adapter
// returned by APIResolver().
func (p *Pool) resolveEndpoint(ctx context.Context, connectionRef string) (*executors.APIEndpoint, error) {
	var row struct {
		BaseURL   string `db:"base_url"`
		AuthToken string `db:"auth_token"`
	}
	const q = `SELECT base_url, auth_token FROM source_connections WHERE connection_ref = $1 AND kind = 'external_api'`
	if err := p.platform.GetContext(ctx, &row, q, connectionRef); err != nil {
		return nil, fmt.Errorf("lookup endpoint %s: %w", connectionRef, err)
	}
	return &executors.APIEndpoint{URL: row.BaseURL, AuthToken: row.AuthToken}, nil
}

// APIResolver exposes the pool's endpoint lookup under the coordinator
// contract.
func (p *Pool) APIResolver() executors.APIResolver {
	return apiResolverFunc(p.resolveEndpoint)
}

type apiResolverFunc func(ctx context.Context, connectionRef string) (*executors.APIEndpoint, error)

func (f apiResolverFunc) Resolve(ctx context.Context, connectionRef string) (*executors.APIEndpoint, error) {
	return f(ctx, connectionRef)
}

// Close releases every pooled customer-database handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, db := range p.handles {
		if err := db.Close(); err != nil {
			p.logger.Warn("closing connection", zap.String("connection_ref", ref), zap.Error(err))
		}
		delete(p.handles, ref)
	}
}
