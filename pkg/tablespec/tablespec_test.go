package tablespec_test

import (
	"context"
	"testing"

	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/stretchr/testify/require"
)

func TestDeclaredPrimaryKey(t *testing.T) {
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE issues (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)

	c := tablespec.New()
	require.NoError(t, c.EnsureLoaded(ctx, db.DB))

	spec, ok := c.Get("issues")
	require.True(t, ok)
	require.Equal(t, []string{"id"}, spec.PrimaryKey)
	require.False(t, spec.Imputed)
}

func TestImputedPrimaryKeyPrefersShortestUniqueIndex(t *testing.T) {
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE foo (
			a INTEGER NOT NULL,
			b INTEGER NOT NULL,
			c TEXT
		)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_ab ON foo (a, b)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_a ON foo (a)`)
	require.NoError(t, err)

	c := tablespec.New()
	require.NoError(t, c.EnsureLoaded(ctx, db.DB))

	spec, ok := c.Get("foo")
	require.True(t, ok)
	require.Equal(t, []string{"a"}, spec.PrimaryKey)
	require.True(t, spec.Imputed)
}

func TestImputationSkipsNullableColumns(t *testing.T) {
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `
		CREATE TABLE foo (
			a INTEGER NOT NULL,
			c TEXT
		)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_c ON foo (c)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX foo_a ON foo (a)`)
	require.NoError(t, err)

	c := tablespec.New()
	require.NoError(t, c.EnsureLoaded(ctx, db.DB))

	spec, ok := c.Get("foo")
	require.True(t, ok)
	require.Equal(t, []string{"a"}, spec.PrimaryKey, "c is nullable so foo_c must not be selected")
}

func TestReloadAfterInvalidate(t *testing.T) {
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE foo (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	c := tablespec.New()
	require.NoError(t, c.EnsureLoaded(ctx, db.DB))
	_, ok := c.Get("bar")
	require.False(t, ok)

	_, err = db.ExecContext(ctx, `CREATE TABLE bar (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	c.Invalidate()
	require.NoError(t, c.EnsureLoaded(ctx, db.DB))
	_, ok = c.Get("bar")
	require.True(t, ok)
}
