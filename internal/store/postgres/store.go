// Package postgres owns the relational connection pool and the per-event
// table DDL from spec.md §6: dial/ping at startup, then create (or leave
// alone) each cataloged event's schema-qualified data table before the
// first batch write ever reaches it, the same "connect, ping, then wire
// everything else" sequencing as the teacher's cmd/consumer/main.go.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rindexer-go/rindexer/internal/batchwriter"
	"github.com/rindexer-go/rindexer/internal/catalog"
	"github.com/rindexer-go/rindexer/internal/model"
)

// Open dials the pool and verifies connectivity with a ping, matching the
// teacher's connect-then-Ping sequencing before any other component is
// allowed to touch the database.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureEventTable creates <indexer>_<contract>.<event> (and its schema) if
// absent, with the fixed envelope columns plus one column per decoded
// parameter, exactly the layout spec.md §6 documents for per-event data
// tables.
func EnsureEventTable(ctx context.Context, pool *pgxpool.Pool, desc *model.EventDescriptor) error {
	schema, table := catalog.SchemaAndTable(desc.IndexerName, desc.ContractName, desc.EventName)

	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, batchwriter.QuoteIdentifier(schema))); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	cols := []string{
		"rindexer_id serial primary key",
		"contract_address char(42) not null",
		"tx_hash char(66) not null",
		"block_number numeric not null",
		"block_hash char(66) not null",
		"network varchar(50) not null",
		"tx_index numeric not null",
		"log_index varchar(78) not null",
		"block_timestamp timestamptz null",
	}
	for _, p := range desc.Params {
		cols = append(cols, fmt.Sprintf("%s %s", batchwriter.QuoteIdentifier(catalog.ColumnName(p.Name)), catalog.SQLType(p.Type)))
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", batchwriter.FormatTableName(schema, table), strings.Join(cols, ", "))
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s.%s: %w", schema, table, err)
	}
	return nil
}
