// Package batchwriter builds and executes fingerprint-keyed batched
// UPSERT/UPDATE/DELETE/INSERT statements with sequence-number ordering,
// ported function-for-function from the reference implementation's
// database/postgres/batch_operations/query_builder.rs.
package batchwriter

import (
	"fmt"
	"strings"
)

// Action is the per-column write action.
type Action int

const (
	ActionSet Action = iota
	ActionAdd
	ActionSubtract
	ActionMax
	ActionMin
	ActionWhere
)

// Behavior is the per-column behavior attribute.
type Behavior int

const (
	BehaviorNormal Behavior = iota
	BehaviorDistinct
	BehaviorSequence
)

// Column describes one target column's semantic type, write action,
// behavior and optional override name, per spec.md §4.8.
type Column struct {
	Name         string
	SQLType      string
	Action       Action
	Behavior     Behavior
	OverrideName string
}

// TargetName returns the column name to use on the target table.
func (c Column) TargetName() string {
	if c.OverrideName != "" {
		return c.OverrideName
	}
	return c.Name
}

// OperationKind is one of Insert | Update | Upsert | Delete.
type OperationKind int

const (
	OpInsert OperationKind = iota
	OpUpdate
	OpUpsert
	OpDelete
)

// reservedKeywords mirrors the original's RESERVED_KEYWORDS table: a small
// set of SQL reserved words that force identifier quoting even though
// Postgres accepts unquoted lower-case identifiers for everything else
// this engine generates.
var reservedKeywords = map[string]bool{
	"user": true, "order": true, "group": true, "table": true, "select": true,
	"where": true, "from": true, "index": true, "primary": true, "references": true,
	"check": true, "default": true, "unique": true, "column": true, "grant": true,
}

// QuoteIdentifier double-quotes an identifier when it collides with a
// reserved keyword or contains characters requiring quoting.
func QuoteIdentifier(id string) string {
	lower := strings.ToLower(id)
	if reservedKeywords[lower] || strings.ContainsAny(id, " -.") {
		return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
	}
	return id
}

// FormatTableName emits a schema-qualified, quoted table reference:
// "schema"."table".
func FormatTableName(schema, table string) string {
	return fmt.Sprintf(`"%s"."%s"`, strings.ReplaceAll(schema, `"`, `""`), strings.ReplaceAll(table, `"`, `""`))
}

func conflictColumns(cols []Column) []Column {
	var out []Column
	for _, c := range cols {
		if c.Action == ActionWhere {
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, c := range cols {
		if c.Behavior == BehaviorDistinct {
			out = append(out, c)
		}
	}
	return out
}

func sequenceColumn(cols []Column) (Column, bool) {
	for _, c := range cols {
		if c.Behavior == BehaviorSequence {
			return c, true
		}
	}
	return Column{}, false
}

// buildCTEHeader emits the staging CTE header: WITH raw_data AS (VALUES
// ...) — callers append the VALUES rows and the to_process CTE.
func buildCTEHeader(cols []Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = QuoteIdentifier(c.Name)
	}
	return fmt.Sprintf("WITH raw_data (%s) AS (VALUES %%s)", strings.Join(names, ", "))
}

// buildToProcessCTE wraps raw_data, deduplicating to the highest sequence
// per distinct tuple when both a Distinct set and a Sequence column exist,
// per spec.md §4.8 "Deduplication within a batch."
func buildToProcessCTE(cols []Column) string {
	distinctCols := conflictColumns(cols)
	seqCol, hasSeq := sequenceColumn(cols)

	if len(distinctCols) == 0 || !hasSeq {
		return ", to_process AS (SELECT * FROM raw_data)"
	}

	partitionBy := make([]string, len(distinctCols))
	for i, c := range distinctCols {
		partitionBy[i] = QuoteIdentifier(c.Name)
	}
	return fmt.Sprintf(`, to_process AS (
	SELECT DISTINCT ON (%s) *
	FROM raw_data
	ORDER BY %s, %s DESC
)`, strings.Join(partitionBy, ", "), strings.Join(partitionBy, ", "), QuoteIdentifier(seqCol.Name))
}

// SetClauseType mirrors the original's enum naming for the per-column
// SET-clause flavor (kept distinct from Action so the query builder reads
// the same as its source).
type SetClauseType = Action

func buildSetClause(table string, c Column) string {
	tCol := QuoteIdentifier(c.TargetName())
	excluded := QuoteIdentifier(c.Name)
	switch c.Action {
	case ActionAdd:
		return fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", tCol, table, tCol, excluded)
	case ActionSubtract:
		return fmt.Sprintf("%s = %s.%s - EXCLUDED.%s", tCol, table, tCol, excluded)
	case ActionMax:
		return fmt.Sprintf("%s = GREATEST(%s.%s, EXCLUDED.%s)", tCol, table, tCol, excluded)
	case ActionMin:
		return fmt.Sprintf("%s = LEAST(%s.%s, EXCLUDED.%s)", tCol, table, tCol, excluded)
	default:
		return fmt.Sprintf("%s = EXCLUDED.%s", tCol, excluded)
	}
}

// buildUpsertSetClause is the UPDATE-from-CTE analogue of buildSetClause,
// used by buildUpdateBody where the source is `tp` (to_process) not
// EXCLUDED.
func buildUpsertSetClause(table string, c Column) string {
	tCol := QuoteIdentifier(c.TargetName())
	src := QuoteIdentifier(c.Name)
	switch c.Action {
	case ActionAdd:
		return fmt.Sprintf("%s = %s.%s + tp.%s", tCol, table, tCol, src)
	case ActionSubtract:
		return fmt.Sprintf("%s = %s.%s - tp.%s", tCol, table, tCol, src)
	case ActionMax:
		return fmt.Sprintf("%s = GREATEST(%s.%s, tp.%s)", tCol, table, tCol, src)
	case ActionMin:
		return fmt.Sprintf("%s = LEAST(%s.%s, tp.%s)", tCol, table, tCol, src)
	default:
		return fmt.Sprintf("%s = tp.%s", tCol, src)
	}
}

// buildWhereCondition ANDs a single column equality between the target
// table and the CTE row.
func buildWhereCondition(table string, c Column) string {
	tCol := QuoteIdentifier(c.TargetName())
	return fmt.Sprintf("%s.%s = tp.%s", table, tCol, QuoteIdentifier(c.Name))
}

// buildSequenceCondition adds the idempotency/ordering guard: only apply
// when the incoming sequence is not behind the stored one.
func buildSequenceCondition(table string, seq Column, op OperationKind) string {
	tCol := QuoteIdentifier(seq.TargetName())
	cmp := ">"
	if op == OpDelete {
		cmp = ">="
	}
	return fmt.Sprintf("tp.%s %s COALESCE(%s.%s, 0)", QuoteIdentifier(seq.Name), cmp, table, tCol)
}

// buildWhereClause composes the full WHERE clause for UPDATE/DELETE: join
// keys ANDed with the sequence guard (if any) ANDed with a caller-supplied
// extra condition (if any).
func buildWhereClause(table string, cols []Column, op OperationKind, extra string) string {
	keyCols := conflictColumns(cols)
	parts := make([]string, 0, len(keyCols)+2)
	for _, c := range keyCols {
		parts = append(parts, buildWhereCondition(table, c))
	}
	if seq, ok := sequenceColumn(cols); ok {
		parts = append(parts, buildSequenceCondition(table, seq, op))
	}
	if extra != "" {
		parts = append(parts, "("+extra+")")
	}
	if len(parts) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(parts, " AND ")
}

// buildUpdateBody builds the UPDATE ... FROM to_process tp statement.
func buildUpdateBody(schema, tableName string, cols []Column, extra string) string {
	table := FormatTableName(schema, tableName)
	var sets []string
	for _, c := range cols {
		if c.Action == ActionWhere {
			continue
		}
		sets = append(sets, buildUpsertSetClause(table, c))
	}
	where := buildWhereClause(table, cols, OpUpdate, extra)
	return fmt.Sprintf("UPDATE %s SET %s FROM to_process tp %s", table, strings.Join(sets, ", "), where)
}

// buildDeleteBody builds the DELETE ... USING to_process tp statement.
func buildDeleteBody(schema, tableName string, cols []Column, extra string) string {
	table := FormatTableName(schema, tableName)
	where := buildWhereClause(table, cols, OpDelete, extra)
	return fmt.Sprintf("DELETE FROM %s USING to_process tp %s", table, where)
}

// buildInsertBody builds a plain INSERT ... SELECT * FROM to_process.
func buildInsertBody(schema, tableName string, cols []Column) string {
	table := FormatTableName(schema, tableName)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = QuoteIdentifier(c.TargetName())
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM to_process", table, strings.Join(names, ", "), strings.Join(colRefs(cols), ", "))
}

func colRefs(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = QuoteIdentifier(c.Name)
	}
	return out
}

// buildUpsertBody builds INSERT ... ON CONFLICT (...) DO UPDATE SET ...
// [WHERE sequence guard AND extra], per spec.md §4.8's composition rules.
func buildUpsertBody(schema, tableName string, cols []Column, extra string) string {
	table := FormatTableName(schema, tableName)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = QuoteIdentifier(c.TargetName())
	}
	conflictCols := conflictColumns(cols)
	conflictNames := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		conflictNames[i] = QuoteIdentifier(c.TargetName())
	}

	var sets []string
	for _, c := range cols {
		if c.Action == ActionWhere {
			continue
		}
		sets = append(sets, buildSetClause(table, c))
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM to_process ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(names, ", "), strings.Join(colRefs(cols), ", "), strings.Join(conflictNames, ", "), strings.Join(sets, ", "))

	var guards []string
	if seq, ok := sequenceColumn(cols); ok {
		guards = append(guards, fmt.Sprintf("EXCLUDED.%s > COALESCE(%s.%s, 0)", QuoteIdentifier(seq.Name), table, QuoteIdentifier(seq.TargetName())))
	}
	if extra != "" {
		guards = append(guards, "("+extra+")")
	}
	if len(guards) > 0 {
		stmt += " WHERE " + strings.Join(guards, " AND ")
	}
	return stmt
}

// Build composes the full statement (CTE header + to_process + body) for
// one operation kind. valuesSQL is the already-rendered "(...),(...),..."
// multi-row VALUES fragment.
func Build(op OperationKind, schema, table string, cols []Column, valuesSQL, extraCondition string) string {
	header := fmt.Sprintf(buildCTEHeader(cols), valuesSQL)
	toProcess := buildToProcessCTE(cols)

	var body string
	switch op {
	case OpInsert:
		body = buildInsertBody(schema, table, cols)
	case OpUpdate:
		body = buildUpdateBody(schema, table, cols, extraCondition)
	case OpUpsert:
		body = buildUpsertBody(schema, table, cols, extraCondition)
	case OpDelete:
		body = buildDeleteBody(schema, table, cols, extraCondition)
	}
	return header + toProcess + " " + body
}
