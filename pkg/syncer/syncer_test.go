package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	repcore "github.com/edgeflare/repcore"
	"github.com/edgeflare/repcore/pkg/changelog"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/changesource/memory"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/replstate"
	"github.com/edgeflare/repcore/pkg/syncer"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/watermark"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *replica.DB {
	t.Helper()
	db, err := replica.Open(":memory:", replica.Serving)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, changelog.CreateTable(ctx, db.DB))
	require.NoError(t, replstate.CreateTables(ctx, db.DB))
	require.NoError(t, replstate.Init(ctx, db.DB, []string{"zero_data"}, "00"))

	_, err = db.ExecContext(ctx, `CREATE TABLE issues (id INTEGER, "_0_version" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX issues_id ON issues (id)`)
	require.NoError(t, err)
	return db
}

type versionRecorder struct {
	mu   sync.Mutex
	seen []watermark.Watermark
	ch   chan watermark.Watermark
}

func newVersionRecorder() *versionRecorder {
	return &versionRecorder{ch: make(chan watermark.Watermark, 16)}
}

func (v *versionRecorder) record(w watermark.Watermark) {
	v.mu.Lock()
	v.seen = append(v.seen, w)
	v.mu.Unlock()
	v.ch <- w
}

func TestSyncerAppliesCommittedTransactionAndNotifies(t *testing.T) {
	db := setup(t)
	specs := tablespec.New()
	rec := newVersionRecorder()

	script := []changesource.Message{
		{Tag: changesource.TagBegin, CommitWatermark: "06"},
		{Tag: changesource.TagInsert, Relation: changesource.Relation{Name: "issues", KeyColumns: []string{"id"}}, New: replica.Row{"id": replica.Int64(1)}},
		{Tag: changesource.TagCommit, Watermark: "06"},
	}
	src := memory.New(script)
	s := syncer.New(db, specs, src, nil, "sub-1", changesource.ModeServing, []string{"zero_data"}, rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// First notification is the boot watermark fired right after the
	// initial subscribe succeeds (spec §4.9), before any commit.
	select {
	case w := <-rec.ch:
		require.Equal(t, watermark.Watermark("00"), w)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for boot version-ready notification")
	}

	// Second notification follows the committed transaction.
	select {
	case w := <-rec.ch:
		require.Equal(t, watermark.Watermark("06"), w)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-commit version-ready notification")
	}

	s.Stop(nil)
	require.NoError(t, <-done)

	state, err := replstate.GetState(context.Background(), db.DB)
	require.NoError(t, err)
	require.Equal(t, watermark.Watermark("06"), state.StateVersion)

	var id int64
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT id FROM issues WHERE id = 1`).Scan(&id))
	require.Equal(t, int64(1), id)
}

func TestStopAbortsInFlightTransaction(t *testing.T) {
	db := setup(t)
	specs := tablespec.New()

	// begin with no matching commit: the syncer must still be stoppable,
	// and the in-flight transaction processor must roll back rather than
	// leave a dangling write (spec §4.9 Cancellation, §5).
	script := []changesource.Message{
		{Tag: changesource.TagBegin, CommitWatermark: "06"},
		{Tag: changesource.TagInsert, Relation: changesource.Relation{Name: "issues", KeyColumns: []string{"id"}}, New: replica.Row{"id": replica.Int64(1)}},
	}
	src := memory.New(script)
	s := syncer.New(db, specs, src, nil, "sub-1", changesource.ModeServing, []string{"zero_data"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	s.Stop(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}

	state, err := replstate.GetState(context.Background(), db.DB)
	require.NoError(t, err)
	require.Equal(t, watermark.Watermark("00"), state.StateVersion)

	var count int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT count(*) FROM issues`).Scan(&count))
	require.Equal(t, 0, count)
}

// A subscriber whose requested publications differ from the ones recorded
// in replicationConfig at initial-sync boot must fail fast rather than
// subscribe (spec §3 invariant I5, §7 Configuration: "fatal at startup; the
// operator must reset the replica").
func TestRunFailsOnPublicationMismatch(t *testing.T) {
	db := setup(t) // setup persists replicationConfig.Publications = ["zero_data"]
	specs := tablespec.New()

	src := memory.New(nil)
	s := syncer.New(db, specs, src, nil, "sub-1", changesource.ModeServing, []string{"other_pub"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.Error(t, err)
		require.IsType(t, &repcore.ConfigError{}, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not fail on publication mismatch")
	}
}
