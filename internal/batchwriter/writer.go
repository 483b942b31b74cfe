package batchwriter

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// copyThreshold is the row-count boundary between parameterized multi-row
// INSERT and COPY-stream bulk insert, per spec.md §4.8.
const copyThreshold = 100

// maxFlushBatch is the chunk size the writer groups results into before
// issuing a statement, per spec.md §4.8 ("flushes in chunks of ≤1000").
const maxFlushBatch = 1000

// Row is one result row keyed by column name, matching the Columns slice
// passed to Flush.
type Row map[string]any

// Writer executes batched Insert/Update/Upsert/Delete statements against a
// Postgres pool.
type Writer struct {
	Pool   *pgxpool.Pool
	Schema string
}

// New constructs a Writer.
func New(pool *pgxpool.Pool, schema string) *Writer {
	return &Writer{Pool: pool, Schema: schema}
}

// Flush groups rows into chunks of at most maxFlushBatch and executes the
// operation for each chunk. For Insert with more than copyThreshold rows
// in a chunk, it uses pgx.CopyFrom instead of a parameterized statement.
func (w *Writer) Flush(ctx context.Context, op OperationKind, table string, cols []Column, rows []Row, extraCondition string) error {
	for start := 0; start < len(rows); start += maxFlushBatch {
		end := start + maxFlushBatch
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		if op == OpInsert && len(chunk) > copyThreshold {
			if err := w.copyInsert(ctx, table, cols, chunk); err != nil {
				return err
			}
			continue
		}
		if err := w.execStatement(ctx, op, table, cols, chunk, extraCondition); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) execStatement(ctx context.Context, op OperationKind, table string, cols []Column, rows []Row, extraCondition string) error {
	if len(rows) == 0 {
		return nil
	}
	valuesSQL, args := renderValues(cols, rows)
	stmt := Build(op, w.Schema, table, cols, valuesSQL, extraCondition)

	_, err := w.Pool.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("batch writer %s on %s.%s: %w", opName(op), w.Schema, table, err)
	}
	return nil
}

func (w *Writer) copyInsert(ctx context.Context, table string, cols []Column, rows []Row) error {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.TargetName()
	}
	source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = r[c.Name]
		}
		return vals, nil
	})
	_, err := w.Pool.CopyFrom(ctx, pgx.Identifier{w.Schema, table}, names, source)
	if err != nil {
		return fmt.Errorf("copy insert into %s.%s: %w", w.Schema, table, err)
	}
	return nil
}

// renderValues builds the "($1::type,$2::type,...),($n,...)" fragment and
// the flat argument slice, in column order, for a parameterized multi-row
// VALUES list. Each placeholder carries its column's SQLType cast so
// Postgres can resolve the type of an untyped parameter inside the
// raw_data VALUES CTE; without it, "could not determine data type of
// parameter" aborts every Upsert/Update/Delete this writer generates.
func renderValues(cols []Column, rows []Row) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(rows)*len(cols))
	argN := 1
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d::%s", argN, c.SQLType)
			args = append(args, r[c.Name])
			argN++
		}
		sb.WriteByte(')')
	}
	return sb.String(), args
}

func opName(op OperationKind) string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpUpsert:
		return "UPSERT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}
