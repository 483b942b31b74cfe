package factory

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPersister upserts discovered addresses into a relational table,
// the alternative to CSVPersister named in spec.md §4.5/§6.
type PostgresPersister struct {
	Pool   *pgxpool.Pool
	Schema string
}

const createFactoryTableSQL = `
CREATE TABLE IF NOT EXISTS %s.factory_addresses (
	contract text NOT NULL,
	event text NOT NULL,
	network text NOT NULL,
	address char(42) NOT NULL,
	discovered_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (contract, event, network, address)
)`

// EnsureSchema creates the factory_addresses table if absent.
func (p *PostgresPersister) EnsureSchema(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, fmt.Sprintf(createFactoryTableSQL, p.Schema))
	if err != nil {
		return fmt.Errorf("ensure factory_addresses schema: %w", err)
	}
	return nil
}

// Append upserts new rows, ignoring duplicates (the primary key already
// enforces set semantics, matching the in-memory cache's dedup).
func (p *PostgresPersister) Append(ctx context.Context, contract, event, network string, addrs []common.Address) error {
	batch := make([][]any, len(addrs))
	for i, a := range addrs {
		batch[i] = []any{contract, event, network, a.Hex()}
	}
	q := fmt.Sprintf(`INSERT INTO %s.factory_addresses (contract, event, network, address) VALUES ($1,$2,$3,$4)
		ON CONFLICT (contract, event, network, address) DO NOTHING`, p.Schema)
	for _, row := range batch {
		if _, err := p.Pool.Exec(ctx, q, row...); err != nil {
			return fmt.Errorf("upsert factory address: %w", err)
		}
	}
	return nil
}

// Load returns every address discovered so far for (contract,event,network).
func (p *PostgresPersister) Load(ctx context.Context, contract, event, network string) ([]common.Address, error) {
	q := fmt.Sprintf(`SELECT address FROM %s.factory_addresses WHERE contract=$1 AND event=$2 AND network=$3`, p.Schema)
	rows, err := p.Pool.Query(ctx, q, contract, event, network)
	if err != nil {
		return nil, fmt.Errorf("load factory addresses: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		out = append(out, common.HexToAddress(hex))
	}
	return out, rows.Err()
}
