package changelog

import (
	"context"
	"fmt"

	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/watermark"
)

// Op is the change-log operation tag (spec §3).
type Op string

const (
	OpSet      Op = "s"
	OpDelete   Op = "d"
	OpTruncate Op = "t"
	OpReset    Op = "r"
)

// Entry is one change-log row.
type Entry struct {
	StateVersion watermark.Watermark
	Table        string
	RowKey       string
	Op           Op
}

const tableName = "_zero.changeLog"

// CreateTable creates the change-log table and its supporting unique index,
// if not already present. Safe to call repeatedly.
func CreateTable(ctx context.Context, exec replica.Queryer) error {
	q := replica.QuoteIdent(tableName)
	_, err := exec.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"stateVersion" TEXT NOT NULL,
			"table" TEXT NOT NULL,
			"rowKey" TEXT NOT NULL,
			"op" TEXT NOT NULL,
			PRIMARY KEY ("stateVersion", "table", "rowKey")
		)`, q))
	if err != nil {
		return fmt.Errorf("changelog: create table: %w", err)
	}

	_, err = exec.ExecContext(ctx, fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS "_zero.changeLog_table_rowKey" ON %s ("table", "rowKey")`, q))
	if err != nil {
		return fmt.Errorf("changelog: create unique index: %w", err)
	}
	return nil
}

// LogSet records that the row identified by rowKey in table was created or
// replaced as of v. Because of the (table, rowKey) unique index, this
// upserts over any prior entry for the same key, regardless of the version
// it was recorded at.
func LogSet(ctx context.Context, exec replica.Queryer, v watermark.Watermark, table string, key replica.Row) error {
	rowKey, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	return insertOrReplace(ctx, exec, v, table, rowKey, OpSet)
}

// LogDelete records that the row identified by rowKey in table no longer
// exists as of v.
func LogDelete(ctx context.Context, exec replica.Queryer, v watermark.Watermark, table string, key replica.Row) error {
	rowKey, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	return insertOrReplace(ctx, exec, v, table, rowKey, OpDelete)
}

// LogTruncate collapses any row-level entries recorded for table at v and
// records a table-wide truncate sentinel (spec §4.3, invariant I4).
func LogTruncate(ctx context.Context, exec replica.Queryer, v watermark.Watermark, table string) error {
	return logTableWide(ctx, exec, v, table, OpTruncate)
}

// LogReset collapses any row-level entries recorded for table at v and
// records a table-wide reset sentinel, signaling that the table's shape
// changed and consumers must invalidate their view of it entirely (spec
// §4.3, §4.6 DDL handling).
func LogReset(ctx context.Context, exec replica.Queryer, v watermark.Watermark, table string) error {
	return logTableWide(ctx, exec, v, table, OpReset)
}

func logTableWide(ctx context.Context, exec replica.Queryer, v watermark.Watermark, table string, op Op) error {
	q := replica.QuoteIdent(tableName)
	_, err := exec.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "stateVersion" = ? AND "table" = ?`, q),
		string(v), table)
	if err != nil {
		return fmt.Errorf("changelog: collapse prior entries for %s@%s: %w", table, v, err)
	}
	return insertOrReplace(ctx, exec, v, table, "", op)
}

func insertOrReplace(ctx context.Context, exec replica.Queryer, v watermark.Watermark, table, rowKey string, op Op) error {
	q := replica.QuoteIdent(tableName)
	_, err := exec.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s ("stateVersion", "table", "rowKey", "op") VALUES (?, ?, ?, ?)`, q),
		string(v), table, rowKey, string(op))
	if err != nil {
		return fmt.Errorf("changelog: log %s %s/%s@%s: %w", op, table, rowKey, v, err)
	}
	return nil
}

// EntriesAt returns all change-log entries recorded at exactly stateVersion,
// ordered so that a table-wide entry for a table sorts before any row-level
// entry for the same table (rowKey "" sorts first). Primarily used by tests
// and by downstream consumers reading a single commit's worth of changes.
func EntriesAt(ctx context.Context, q replica.Queryer, v watermark.Watermark) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT "stateVersion", "table", "rowKey", "op" FROM %s WHERE "stateVersion" = ? ORDER BY "table", "rowKey"`,
		replica.QuoteIdent(tableName)), string(v))
	if err != nil {
		return nil, fmt.Errorf("changelog: entries at %s: %w", v, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sv, op string
		if err := rows.Scan(&sv, &e.Table, &e.RowKey, &op); err != nil {
			return nil, fmt.Errorf("changelog: entries at %s: %w", v, err)
		}
		e.StateVersion, e.Op = watermark.Watermark(sv), Op(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
