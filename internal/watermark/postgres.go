package watermark

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rindexer-go/rindexer/internal/model"
)

// PostgresStore implements Store against the
// rindexer_internal.<indexer>_<contract>_<event> table from spec.md §6.
type PostgresStore struct {
	Pool   *pgxpool.Pool
	Schema string
}

func tableName(schema string, key model.WatermarkKey) string {
	return fmt.Sprintf(`%s."%s_%s_%s"`, schema, key.Indexer, key.Contract, key.Event)
}

// EnsureTable creates the per-event watermark table if absent.
func (s *PostgresStore) EnsureTable(ctx context.Context, key model.WatermarkKey) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (network text PRIMARY KEY, last_synced_block numeric NOT NULL)`, tableName(s.Schema, key))
	_, err := s.Pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("ensure watermark table: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key model.WatermarkKey) (uint64, bool, error) {
	q := fmt.Sprintf(`SELECT last_synced_block FROM %s WHERE network = $1`, tableName(s.Schema, key))
	var val uint64
	err := s.Pool.QueryRow(ctx, q, key.Network).Scan(&val)
	if err != nil {
		// table/row absence both mean "no watermark yet" for the resolver.
		return 0, false, nil
	}
	return val, val != 0, nil
}

// Advance implements Store with the conditional UPDATE from spec.md §4.6,
// falling back to an INSERT when no row exists yet.
func (s *PostgresStore) Advance(ctx context.Context, key model.WatermarkKey, newBlock uint64) error {
	table := tableName(s.Schema, key)
	q := fmt.Sprintf(`
		INSERT INTO %s (network, last_synced_block) VALUES ($1, $2)
		ON CONFLICT (network) DO UPDATE SET last_synced_block = $2
		WHERE $2 > %s.last_synced_block`, table, table)
	_, err := s.Pool.Exec(ctx, q, key.Network, newBlock)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
