package changelog_test

import (
	"context"
	"testing"

	"github.com/edgeflare/repcore/pkg/changelog"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *replica.DB {
	t.Helper()
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, changelog.CreateTable(context.Background(), db.DB))
	return db
}

func TestNormalizeKeyIgnoresColumnOrder(t *testing.T) {
	k1 := replica.Row{"id": replica.Int64(123), "bool": replica.Bool(true)}
	k2 := replica.Row{"bool": replica.Bool(true), "id": replica.Int64(123)}

	s1, err := changelog.NormalizeKey(k1)
	require.NoError(t, err)
	s2, err := changelog.NormalizeKey(k2)
	require.NoError(t, err)

	require.Equal(t, s1, s2)
	require.Equal(t, `{"bool":1,"id":123}`, s1)
}

func TestLogSetAndDelete(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	key := replica.Row{"id": replica.Int64(123), "bool": replica.Bool(true)}
	require.NoError(t, changelog.LogSet(ctx, db.DB, "06", "issues", key))

	entries, err := changelog.EntriesAt(ctx, db.DB, "06")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, changelog.OpSet, entries[0].Op)
	require.Equal(t, `{"bool":1,"id":123}`, entries[0].RowKey)

	require.NoError(t, changelog.LogDelete(ctx, db.DB, "0a", "issues", key))

	entriesAt06, err := changelog.EntriesAt(ctx, db.DB, "06")
	require.NoError(t, err)
	require.Empty(t, entriesAt06, "the delete at 0a must supersede the set at 06 for the same key")

	entriesAt0a, err := changelog.EntriesAt(ctx, db.DB, "0a")
	require.NoError(t, err)
	require.Len(t, entriesAt0a, 1)
	require.Equal(t, changelog.OpDelete, entriesAt0a[0].Op)
}

func TestLogTruncateCollapsesPriorRowOps(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	require.NoError(t, changelog.LogSet(ctx, db.DB, "0e", "foo", replica.Row{"id": replica.Int64(1)}))
	require.NoError(t, changelog.LogSet(ctx, db.DB, "0e", "foo", replica.Row{"id": replica.Int64(2)}))
	require.NoError(t, changelog.LogSet(ctx, db.DB, "0e", "foo", replica.Row{"id": replica.Int64(3)}))

	require.NoError(t, changelog.LogTruncate(ctx, db.DB, "0e", "foo"))
	require.NoError(t, changelog.LogSet(ctx, db.DB, "0e", "foo", replica.Row{"id": replica.Int64(101)}))

	entries, err := changelog.EntriesAt(ctx, db.DB, "0e")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "", entries[0].RowKey, "truncate sentinel sorts before row-level entries")
	require.Equal(t, changelog.OpTruncate, entries[0].Op)
	require.Equal(t, changelog.OpSet, entries[1].Op)
}

func TestLogResetSupersedesTruncateAtSameKey(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	require.NoError(t, changelog.LogTruncate(ctx, db.DB, "0e", "foo"))
	require.NoError(t, changelog.LogReset(ctx, db.DB, "0e", "foo"))

	entries, err := changelog.EntriesAt(ctx, db.DB, "0e")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, changelog.OpReset, entries[0].Op)
}
