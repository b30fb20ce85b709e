// Package chainregistry stores per-chain RPC endpoints and block explorer
// credentials, supplementing the core verification pipeline with a real
// store for configuration the distilled spec treats as an external
// collaborator.
package chainregistry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Chain is one registered chain's RPC and explorer configuration.
type Chain struct {
	ChainID        uint64
	Name           string
	RPCURL         string
	ExplorerAPIURL string
	ExplorerAPIKey string
}

// Registry defines chain-registry persistence operations.
type Registry interface {
	Get(ctx context.Context, chainID uint64) (*Chain, error)
	List(ctx context.Context) ([]*Chain, error)
	Upsert(ctx context.Context, chain *Chain) error
}

type registry struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Registry.
func New(pool *pgxpool.Pool) Registry {
	return &registry{pool: pool}
}

// Get retrieves a chain's configuration by chain id.
func (r *registry) Get(ctx context.Context, chainID uint64) (*Chain, error) {
	query := `
		SELECT chain_id, name, rpc_url, explorer_api_url, explorer_api_key
		FROM chain_registry WHERE chain_id = $1`

	var c Chain
	err := r.pool.QueryRow(ctx, query, chainID).Scan(
		&c.ChainID, &c.Name, &c.RPCURL, &c.ExplorerAPIURL, &c.ExplorerAPIKey,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chain %d: %w", chainID, err)
	}
	return &c, nil
}

// List returns every registered chain, ordered by chain id.
func (r *registry) List(ctx context.Context) ([]*Chain, error) {
	query := `
		SELECT chain_id, name, rpc_url, explorer_api_url, explorer_api_key
		FROM chain_registry ORDER BY chain_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var chains []*Chain
	for rows.Next() {
		var c Chain
		if err := rows.Scan(&c.ChainID, &c.Name, &c.RPCURL, &c.ExplorerAPIURL, &c.ExplorerAPIKey); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		chains = append(chains, &c)
	}
	return chains, rows.Err()
}

// Upsert inserts or updates a chain's configuration.
func (r *registry) Upsert(ctx context.Context, chain *Chain) error {
	query := `
		INSERT INTO chain_registry (chain_id, name, rpc_url, explorer_api_url, explorer_api_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (chain_id) DO UPDATE SET
			name = EXCLUDED.name,
			rpc_url = EXCLUDED.rpc_url,
			explorer_api_url = EXCLUDED.explorer_api_url,
			explorer_api_key = EXCLUDED.explorer_api_key,
			updated_at = now()`

	_, err := r.pool.Exec(ctx, query,
		chain.ChainID, chain.Name, chain.RPCURL, chain.ExplorerAPIURL, chain.ExplorerAPIKey,
	)
	if err != nil {
		return fmt.Errorf("upsert chain %d: %w", chain.ChainID, err)
	}
	return nil
}

var _ Registry = (*registry)(nil)
