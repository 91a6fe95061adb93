package replica

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// CatalogColumn is one row of `PRAGMA table_info`.
type CatalogColumn struct {
	CID        int
	Name       string
	Type       string
	NotNull    bool
	Default    sql.NullString
	PKSeq      int // 0 if not part of the primary key, else 1-based position
}

// CatalogIndex is one row of `PRAGMA index_list` joined with its member
// columns and their sort direction, from `PRAGMA index_xinfo`.
type CatalogIndex struct {
	Name    string
	Unique  bool
	Origin  string // "c" (CREATE INDEX), "u" (UNIQUE constraint), "pk" (PRIMARY KEY)
	Columns []IndexColumn
}

// IndexColumn is one key column of an index, in index-key order.
type IndexColumn struct {
	Name string
	Desc bool // true if this column sorts descending within the index
}

// ListTables returns the user tables currently defined in the replica,
// excluding SQLite's own internal tables.
func ListTables(ctx context.Context, q Queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("replica: list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("replica: list tables: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableExists reports whether the given literal table name exists in the
// replica's catalog.
func TableExists(ctx context.Context, q Queryer, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("replica: table exists %s: %w", table, err)
	}
	return n > 0, nil
}

// TableInfo returns the columns of table as reported by `PRAGMA table_info`.
func TableInfo(ctx context.Context, q Queryer, table string) ([]CatalogColumn, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("replica: table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []CatalogColumn
	for rows.Next() {
		var c CatalogColumn
		var notNull int
		if err := rows.Scan(&c.CID, &c.Name, &c.Type, &notNull, &c.Default, &c.PKSeq); err != nil {
			return nil, fmt.Errorf("replica: table_info %s: %w", table, err)
		}
		c.NotNull = notNull != 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// IndexList returns the indexes SQLite reports for table, with per-column
// sort direction (spec §4.2). An INTEGER PRIMARY KEY is the rowid itself and
// has no index, so it does not appear; other primary keys appear as their
// automatic index (origin "pk").
func IndexList(ctx context.Context, q Queryer, table string) ([]CatalogIndex, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("replica: index_list %s: %w", table, err)
	}

	type listRow struct {
		seq     int
		name    string
		unique  int
		origin  string
		partial int
	}
	var list []listRow
	for rows.Next() {
		var r listRow
		if err := rows.Scan(&r.seq, &r.name, &r.unique, &r.origin, &r.partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("replica: index_list %s: %w", table, err)
		}
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]CatalogIndex, 0, len(list))
	for _, r := range list {
		cols, err := indexColumns(ctx, q, r.name)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, CatalogIndex{
			Name:    r.name,
			Unique:  r.unique != 0,
			Origin:  r.origin,
			Columns: cols,
		})
	}
	return indexes, nil
}

// indexColumns returns the key (non-auxiliary) columns of a named index, in
// key order, via PRAGMA index_xinfo which additionally reports sort
// direction and whether a column is a key column or an included (auxiliary)
// column.
func indexColumns(ctx context.Context, q Queryer, index string) ([]IndexColumn, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_xinfo(%s)", QuoteIdent(index)))
	if err != nil {
		return nil, fmt.Errorf("replica: index_xinfo %s: %w", index, err)
	}
	defer rows.Close()

	var cols []IndexColumn
	for rows.Next() {
		var seqno, cid, desc, key int
		var name sql.NullString
		var coll string
		if err := rows.Scan(&seqno, &cid, &name, &desc, &coll, &key); err != nil {
			return nil, fmt.Errorf("replica: index_xinfo %s: %w", index, err)
		}
		if key == 0 || !name.Valid {
			continue // auxiliary (INCLUDE) column, or the rowid terminator
		}
		cols = append(cols, IndexColumn{Name: name.String, Desc: desc != 0})
	}
	return cols, rows.Err()
}

// IndexTable returns the table a named index belongs to, consulting
// sqlite_master directly rather than PRAGMA index_list (which is scoped to
// a table the caller must already know). Used to recover the owning table
// of a drop-index message that arrives with no table of its own (spec §4.6
// drop-index: "emit reset against the affected *table*").
func IndexTable(ctx context.Context, q Queryer, index string) (string, bool, error) {
	var table string
	err := q.QueryRowContext(ctx,
		`SELECT tbl_name FROM sqlite_master WHERE type = 'index' AND name = ?`, index).Scan(&table)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("replica: index table %s: %w", index, err)
	}
	return table, true, nil
}

// PrimaryKey returns the declared primary-key columns of table, in key
// order, or nil if none is declared.
func PrimaryKey(ctx context.Context, q Queryer, table string) ([]string, error) {
	cols, err := TableInfo(ctx, q, table)
	if err != nil {
		return nil, err
	}
	pk := make([]CatalogColumn, 0, len(cols))
	for _, c := range cols {
		if c.PKSeq > 0 {
			pk = append(pk, c)
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].PKSeq < pk[j].PKSeq })

	names := make([]string, len(pk))
	for i, c := range pk {
		names[i] = c.Name
	}
	return names, nil
}

// Queryer is satisfied by *sql.DB and *sql.Tx, letting catalog reflection
// run either standalone or inside an open replica transaction.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
