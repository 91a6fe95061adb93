package replica_test

import (
	"context"
	"testing"

	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/stretchr/testify/require"
)

func TestOpenAndCatalogReflection(t *testing.T) {
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE "issues" (
			id INTEGER NOT NULL,
			bool INTEGER NOT NULL,
			title TEXT,
			_0_version TEXT,
			PRIMARY KEY (id)
		)
	`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE INDEX issues_title ON "issues" (title)`)
	require.NoError(t, err)

	tables, err := replica.ListTables(ctx, db.DB)
	require.NoError(t, err)
	require.Equal(t, []string{"issues"}, tables)

	cols, err := replica.TableInfo(ctx, db.DB, "issues")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	require.Equal(t, "id", cols[0].Name)
	require.Equal(t, 1, cols[0].PKSeq)

	pk, err := replica.PrimaryKey(ctx, db.DB, "issues")
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, pk)

	idxs, err := replica.IndexList(ctx, db.DB, "issues")
	require.NoError(t, err)
	require.Len(t, idxs, 1)
	require.Equal(t, "issues_title", idxs[0].Name)
	require.Equal(t, []replica.IndexColumn{{Name: "title"}}, idxs[0].Columns)
}

func TestValueRoundTrip(t *testing.T) {
	db, err := replica.Open(":memory:", replica.Backup)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE t (a INTEGER, b REAL, c TEXT, d BLOB)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO t VALUES (?, ?, ?, ?)`,
		replica.Int64(42), replica.Float64(3.5), replica.Text("hi"), replica.Bytes([]byte("bz")))
	require.NoError(t, err)

	var a, b, c, d replica.Value
	row := db.QueryRowContext(ctx, `SELECT a, b, c, d FROM t`)
	require.NoError(t, row.Scan(&a, &b, &c, &d))

	require.Equal(t, int64(42), a.Int64Value())
	require.Equal(t, 3.5, b.Float64Value())
	require.Equal(t, "hi", c.TextValue())
	require.Equal(t, []byte("bz"), d.BytesValue())
}

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, `"issues"`, replica.QuoteIdent("issues"))
	require.Equal(t, `"weird""name"`, replica.QuoteIdent(`weird"name`))
	require.Equal(t, "issues", replica.UnqualifiedName("public", "issues"))
	require.Equal(t, "custom.issues", replica.UnqualifiedName("custom", "issues"))
}
