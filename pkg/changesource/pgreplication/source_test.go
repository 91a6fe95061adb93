package pgreplication_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/repcore/internal/testutil/pgtest"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/changesource/pgreplication"
	"github.com/stretchr/testify/require"
)

// replicationConnString appends replication=database to TEST_DATABASE,
// accepting either a libpq URL or key=value DSN.
func replicationConnString(t testing.TB) string {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE")
	require.NotEmpty(t, dsn, "TEST_DATABASE must be set for this integration test")
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "replication=database"
	}
	return dsn + " replication=database"
}

// TestSourceSubscribeStreamsRowEvents exercises a live logical-replication
// connection end to end: create a publication/slot, subscribe, and assert
// the insert/update/delete/truncate messages delivered match upstream DML
// (spec §4.8, §6). Adapted from the teacher's own replication stream test,
// against changesource.Message instead of the teacher's cdc.Event.
func TestSourceSubscribeStreamsRowEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	testConn := pgtest.Connect(t, ctx)

	_, err := testConn.Exec(ctx, `
		DROP PUBLICATION IF EXISTS repcore_test_pub;
		SELECT pg_terminate_backend(active_pid)
		FROM pg_replication_slots
		WHERE slot_name = 'repcore_test_slot' AND active_pid IS NOT NULL;
		SELECT pg_drop_replication_slot(slot_name)
		FROM pg_replication_slots
		WHERE slot_name = 'repcore_test_slot';
		DROP TABLE IF EXISTS repcore_test_stream;
		CREATE TABLE repcore_test_stream (
			id SERIAL PRIMARY KEY,
			name TEXT
		);
		ALTER TABLE repcore_test_stream REPLICA IDENTITY FULL;
	`)
	require.NoError(t, err)

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := testConn.Exec(cleanupCtx, `
			DROP TABLE IF EXISTS repcore_test_stream;
			DROP PUBLICATION IF EXISTS repcore_test_pub;
			SELECT pg_terminate_backend(active_pid)
			FROM pg_replication_slots
			WHERE slot_name = 'repcore_test_slot' AND active_pid IS NOT NULL;
			SELECT pg_drop_replication_slot(slot_name)
			FROM pg_replication_slots
			WHERE slot_name = 'repcore_test_slot';
		`)
		require.NoError(t, err)
	})

	src := pgreplication.New(pgreplication.Config{
		ConnString:            replicationConnString(t),
		Publication:           "repcore_test_pub",
		Slot:                  "repcore_test_slot",
		Tables:                []string{"repcore_test_stream"},
		StandbyUpdateInterval: time.Second,
		BufferSize:            100,
	}, nil)

	sub, err := src.Subscribe(ctx, changesource.SubscribeParams{
		SubscriberID: "test",
		Mode:         changesource.ModeServing,
		Initial:      true,
	})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	next := func() changesource.Message {
		t.Helper()
		select {
		case msg := <-sub.Changes:
			return msg
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for change-stream message")
			return changesource.Message{}
		}
	}

	drainTx := func() []changesource.Message {
		var msgs []changesource.Message
		for {
			msg := next()
			msgs = append(msgs, msg)
			if msg.Tag == changesource.TagCommit {
				return msgs
			}
		}
	}

	_, err = testConn.Exec(ctx, "INSERT INTO repcore_test_stream (name) VALUES ($1)", "test1")
	require.NoError(t, err)

	msgs := drainTx()
	require.Len(t, msgs, 3) // begin, insert, commit
	require.Equal(t, changesource.TagInsert, msgs[1].Tag)
	require.Equal(t, "repcore_test_stream", msgs[1].Relation.Name)
	require.NotNil(t, msgs[1].New)
	require.Nil(t, msgs[1].Old)

	_, err = testConn.Exec(ctx, "UPDATE repcore_test_stream SET name = $1 WHERE name = $2", "test2", "test1")
	require.NoError(t, err)

	msgs = drainTx()
	require.Len(t, msgs, 3)
	require.Equal(t, changesource.TagUpdate, msgs[1].Tag)
	require.NotNil(t, msgs[1].New)
	require.NotNil(t, msgs[1].Old)

	_, err = testConn.Exec(ctx, "DELETE FROM repcore_test_stream WHERE name = $1", "test2")
	require.NoError(t, err)

	msgs = drainTx()
	require.Len(t, msgs, 3)
	require.Equal(t, changesource.TagDelete, msgs[1].Tag)
	require.NotNil(t, msgs[1].Key)

	_, err = testConn.Exec(ctx, "TRUNCATE repcore_test_stream")
	require.NoError(t, err)

	msgs = drainTx()
	require.Len(t, msgs, 3)
	require.Equal(t, changesource.TagTruncate, msgs[1].Tag)
	require.Len(t, msgs[1].Relations, 1)
	require.Equal(t, "repcore_test_stream", msgs[1].Relations[0].Name)
}
