package replica

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// Mode selects the transaction-begin discipline used for this replica's
// writer (spec §5: serving deployments permit concurrent read snapshots of
// prior committed state; backup deployments hold a plain exclusive lock to
// avoid deadlocking with external checkpointers).
//
// The stock SQLite engine shipped by mattn/go-sqlite3 has no BEGIN CONCURRENT
// mode, so both disciplines map onto "_txlock=immediate" here: Serving and
// Backup behave identically under this driver. That is a known limitation,
// not a hidden one — see DESIGN.md.
type Mode int

const (
	// Serving is used by deployments that also hand out read-only snapshots
	// to concurrent viewers while the writer is between transactions.
	Serving Mode = iota
	// Backup is used by deployments with no concurrent readers, where a
	// plain exclusive writer lock is preferable.
	Backup
)

// DB is a replica store: a SQLite file plus the pragmas and txn discipline
// the replication core requires.
type DB struct {
	*sql.DB
	Mode Mode
	path string
}

// Open opens (creating if necessary) the SQLite file at path as a replica
// store in the given Mode.
func Open(path string, mode Mode) (*DB, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "off")
	q.Set("_txlock", "immediate")

	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("replica: open %s: %w", path, err)
	}

	// The core is logically single-writer; a single pooled connection keeps
	// that true at the database/sql layer too and avoids SQLITE_BUSY churn
	// from concurrent writers inside one process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: ping %s: %w", path, err)
	}

	return &DB{DB: db, Mode: mode, path: path}, nil
}

// Path returns the filesystem path (or ":memory:") this replica was opened
// against.
func (d *DB) Path() string { return d.path }

// BeginReplicaTx starts a new replica transaction using this store's
// configured discipline.
func (d *DB) BeginReplicaTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("replica: begin: %w", err)
	}
	return tx, nil
}

// Checkpoint runs a passive WAL checkpoint; safe to call at any time, never
// blocks a concurrent writer.
func (d *DB) Checkpoint(ctx context.Context) error {
	_, err := d.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Optimize runs SQLite's query-planner maintenance hint. analyze additionally
// runs a full ANALYZE, which the transaction processor requests after any
// transaction that included a schema change (spec §4.6 commit).
func (d *DB) Optimize(ctx context.Context, analyze bool) error {
	if analyze {
		if _, err := d.ExecContext(ctx, "ANALYZE"); err != nil {
			return fmt.Errorf("replica: analyze: %w", err)
		}
	}
	_, err := d.ExecContext(ctx, "PRAGMA optimize")
	if err != nil {
		return fmt.Errorf("replica: optimize: %w", err)
	}
	return nil
}
