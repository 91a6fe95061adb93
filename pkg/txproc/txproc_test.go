package txproc_test

import (
	"context"
	"testing"

	"github.com/edgeflare/repcore/pkg/changelog"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/replstate"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/txproc"
	"github.com/edgeflare/repcore/pkg/watermark"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*replica.DB, *tablespec.Cache) {
	t.Helper()
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, changelog.CreateTable(ctx, db.DB))
	require.NoError(t, replstate.CreateTables(ctx, db.DB))
	require.NoError(t, replstate.Init(ctx, db.DB, []string{"zero_data"}, "02"))

	_, err = db.ExecContext(ctx, `CREATE TABLE issues (id INTEGER, bool INTEGER, "_0_version" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX issues_id ON issues (id)`)
	require.NoError(t, err)

	return db, tablespec.New()
}

func rel(table string, keyColumns ...string) changesource.Relation {
	return changesource.Relation{Name: table, KeyColumns: keyColumns, ReplicaIdentity: changesource.ReplicaIdentityDefault}
}

func row(vals map[string]any) replica.Row {
	r := make(replica.Row, len(vals))
	for k, v := range vals {
		r[k] = replica.FromAny(v)
	}
	return r
}

// Scenario 1: two-commit insert batch.
func TestTwoCommitInsertBatch(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()

	p, err := txproc.Begin(ctx, db, specs, nil, "06", txproc.Options{})
	require.NoError(t, err)

	require.NoError(t, p.Insert(ctx, changesource.Message{
		Tag: changesource.TagInsert, Relation: rel("issues", "id", "bool"),
		New: row(map[string]any{"id": int64(123), "bool": true}),
	}))
	require.NoError(t, p.Insert(ctx, changesource.Message{
		Tag: changesource.TagInsert, Relation: rel("issues", "id", "bool"),
		New: row(map[string]any{"id": int64(456), "bool": false}),
	}))
	require.NoError(t, p.Commit(ctx, "06"))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM issues WHERE "_0_version" = '06'`).Scan(&count))
	require.Equal(t, 2, count)

	entries, err := changelog.EntriesAt(ctx, db.DB, "06")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, `{"bool":0,"id":456}`, entries[0].RowKey)
	require.Equal(t, changelog.OpSet, entries[0].Op)
	require.Equal(t, `{"bool":1,"id":123}`, entries[1].RowKey)

	state, err := replstate.GetState(ctx, db.DB)
	require.NoError(t, err)
	require.Equal(t, watermark.Watermark("06"), state.StateVersion)
}

// Scenario 2: key-changing update.
func TestKeyChangingUpdate(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()

	p, err := txproc.Begin(ctx, db, specs, nil, "06", txproc.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Insert(ctx, changesource.Message{
		Relation: rel("issues", "id", "bool"), New: row(map[string]any{"id": int64(123), "bool": true}),
	}))
	require.NoError(t, p.Commit(ctx, "06"))

	p, err = txproc.Begin(ctx, db, specs, nil, "0a", txproc.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Update(ctx, changesource.Message{
		Relation: rel("issues", "id", "bool"),
		New:      row(map[string]any{"id": int64(789), "bool": true}),
		OldKey:   row(map[string]any{"id": int64(123), "bool": true}),
	}))
	require.NoError(t, p.Commit(ctx, "0a"))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM issues WHERE id = 123`).Scan(&n))
	require.Equal(t, 0, n)

	var version string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT "_0_version" FROM issues WHERE id = 789`).Scan(&version))
	require.Equal(t, "0a", version)

	entries, err := changelog.EntriesAt(ctx, db.DB, "0a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, `{"bool":1,"id":123}`, entries[0].RowKey)
	require.Equal(t, changelog.OpDelete, entries[0].Op)
	require.Equal(t, `{"bool":1,"id":789}`, entries[1].RowKey)
	require.Equal(t, changelog.OpSet, entries[1].Op)
}

// Scenario 3: truncate collapses prior ops.
func TestTruncateCollapsesPriorOps(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE foo (id INTEGER, "_0_version" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_id ON foo (id)`)
	require.NoError(t, err)

	p, err := txproc.Begin(ctx, db, specs, nil, "0e", txproc.Options{})
	require.NoError(t, err)

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, p.Insert(ctx, changesource.Message{
			Relation: rel("foo", "id"), New: row(map[string]any{"id": id}),
		}))
	}
	require.NoError(t, p.Truncate(ctx, changesource.Message{Relations: []changesource.Relation{rel("foo", "id")}}))
	require.NoError(t, p.Insert(ctx, changesource.Message{
		Relation: rel("foo", "id"), New: row(map[string]any{"id": int64(101)}),
	}))
	require.NoError(t, p.Commit(ctx, "0e"))

	entries, err := changelog.EntriesAt(ctx, db.DB, "0e")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "", entries[0].RowKey)
	require.Equal(t, changelog.OpTruncate, entries[0].Op)
	require.Equal(t, `{"id":101}`, entries[1].RowKey)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM foo`).Scan(&count))
	require.Equal(t, 1, count)
}

// Scenario 4: column retype preserves data via the rename-retype dance.
func TestColumnRetypePreservesData(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE foo (id INTEGER, num TEXT, "_0_version" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE INDEX foo_num ON foo (num)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_id ON foo (id)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO foo (id, num, "_0_version") VALUES (3, 'old', '02')`)
	require.NoError(t, err)

	p, err := txproc.Begin(ctx, db, specs, nil, "0e", txproc.Options{})
	require.NoError(t, err)

	require.NoError(t, p.Update(ctx, changesource.Message{
		Relation: rel("foo", "id"),
		New:      row(map[string]any{"id": int64(3), "num": "1"}),
		OldKey:   row(map[string]any{"id": int64(3)}),
	}))

	require.NoError(t, p.UpdateColumn(ctx, changesource.Message{
		Table:     "foo",
		OldColumn: changesource.ColumnSpec{Name: "num", DataType: "text"},
		NewColumn: changesource.ColumnSpec{Name: "num", DataType: "int8"},
	}))

	require.NoError(t, p.Insert(ctx, changesource.Message{
		Relation: rel("foo", "id"), New: row(map[string]any{"id": int64(4), "num": int64(23)}),
	}))
	require.NoError(t, p.Commit(ctx, "0e"))

	cols, err := replica.TableInfo(ctx, db.DB, "foo")
	require.NoError(t, err)
	var numType string
	for _, c := range cols {
		if c.Name == "num" {
			numType = c.Type
		}
	}
	require.Equal(t, "INTEGER", numType)

	var num3, num4 int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT num FROM foo WHERE id = 3`).Scan(&num3))
	require.Equal(t, int64(1), num3)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT num FROM foo WHERE id = 4`).Scan(&num4))
	require.Equal(t, int64(23), num4)

	entries, err := changelog.EntriesAt(ctx, db.DB, "0e")
	require.NoError(t, err)
	var sawReset bool
	for _, e := range entries {
		if e.Table == "foo" && e.Op == changelog.OpReset {
			sawReset = true
		}
	}
	require.True(t, sawReset)

	idx, err := replica.IndexList(ctx, db.DB, "foo")
	require.NoError(t, err)
	var sawNumIndex bool
	for _, ix := range idx {
		for _, c := range ix.Columns {
			if c.Name == "num" {
				sawNumIndex = true
			}
		}
	}
	require.True(t, sawNumIndex)
}

// Scenario 5: protocol violation is fatal -- a commit with the wrong
// watermark aborts and leaves replicationState untouched.
func TestProtocolViolationIsFatal(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()

	p, err := txproc.Begin(ctx, db, specs, nil, "07", txproc.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Insert(ctx, changesource.Message{
		Relation: rel("issues", "id", "bool"), New: row(map[string]any{"id": int64(1), "bool": true}),
	}))
	require.NoError(t, p.Insert(ctx, changesource.Message{
		Relation: rel("issues", "id", "bool"), New: row(map[string]any{"id": int64(2), "bool": false}),
	}))
	require.NoError(t, p.Commit(ctx, "07"))

	// Simulate a message arriving outside of any transaction: a second
	// Processor is never validly constructed without a begin, so the
	// Change Processor (not exercised here) is responsible for refusing the
	// dispatch. Here we confirm that an attempted commit with a mismatched
	// watermark is rejected and the prior committed state is untouched.
	p2, err := txproc.Begin(ctx, db, specs, nil, "08", txproc.Options{})
	require.NoError(t, err)
	err = p2.Commit(ctx, "09")
	require.Error(t, err)

	state, err := replstate.GetState(ctx, db.DB)
	require.NoError(t, err)
	require.Equal(t, watermark.Watermark("07"), state.StateVersion)
}

// Scenario 6: resumptive upsert.
func TestResumptiveUpsert(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE foo (id INTEGER, "desc" TEXT, "_0_version" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_id ON foo (id)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO foo (id, "desc", "_0_version") VALUES (1, 'one', '02')`)
	require.NoError(t, err)

	p, err := txproc.Begin(ctx, db, specs, nil, "06", txproc.Options{})
	require.NoError(t, err)

	require.NoError(t, p.Insert(ctx, changesource.Message{
		Relation: rel("foo", "id"), New: row(map[string]any{"id": int64(1), "desc": "replaced one"}),
	}))
	require.NoError(t, p.Update(ctx, changesource.Message{
		Relation: rel("foo", "id"),
		New:      row(map[string]any{"id": int64(234), "desc": "woo"}),
		OldKey:   row(map[string]any{"id": int64(999)}),
	}))
	require.NoError(t, p.Commit(ctx, "06"))

	var desc, version string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT "desc", "_0_version" FROM foo WHERE id = 1`).Scan(&desc, &version))
	require.Equal(t, "replaced one", desc)
	require.Equal(t, "06", version)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM foo WHERE id = 234`).Scan(&n))
	require.Equal(t, 0, n, "update against a nonexistent key is a no-op")

	entries, err := changelog.EntriesAt(ctx, db.DB, "06")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, `{"id":1}`, entries[0].RowKey)
}

// DropIndex resolves its owning table from the replica catalog when the
// message carries no Table (the shape a real DDL-text-parsed drop-index
// message always has, since DROP INDEX names no table) and emits the reset
// entry against that table, not against table "".
func TestDropIndexResolvesTableFromCatalog(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE foo (id INTEGER, num TEXT, "_0_version" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE INDEX foo_num ON foo (num)`)
	require.NoError(t, err)

	p, err := txproc.Begin(ctx, db, specs, nil, "0e", txproc.Options{})
	require.NoError(t, err)

	require.NoError(t, p.DropIndex(ctx, changesource.Message{
		Tag: changesource.TagDropIndex, IndexID: "foo_num",
	}))
	require.NoError(t, p.Commit(ctx, "0e"))

	idx, err := replica.IndexList(ctx, db.DB, "foo")
	require.NoError(t, err)
	require.Empty(t, idx)

	entries, err := changelog.EntriesAt(ctx, db.DB, "0e")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "foo", entries[0].Table)
	require.Equal(t, changelog.OpReset, entries[0].Op)
}

// A retried drop-index for an index that no longer exists (e.g. the stream
// redelivers the same drop-index message) is a clean no-op: no reset entry
// against table "" (spec §8 idempotent resumption).
func TestDropIndexRetryOfAlreadyDroppedIndexIsNoop(t *testing.T) {
	db, specs := setup(t)
	ctx := context.Background()

	p, err := txproc.Begin(ctx, db, specs, nil, "0e", txproc.Options{})
	require.NoError(t, err)

	require.NoError(t, p.DropIndex(ctx, changesource.Message{
		Tag: changesource.TagDropIndex, IndexID: "no_such_index",
	}))
	require.NoError(t, p.Commit(ctx, "0e"))

	entries, err := changelog.EntriesAt(ctx, db.DB, "0e")
	require.NoError(t, err)
	require.Empty(t, entries)
}
