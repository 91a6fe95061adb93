package txproc

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	repcore "github.com/edgeflare/repcore"
	"github.com/edgeflare/repcore/pkg/changelog"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/replstate"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/watermark"
	"go.uber.org/zap"
)

// Options configures a Processor for deployment modes that bend the normal
// commit path (spec §4.10: initial sync).
type Options struct {
	// SuppressChangeLog skips all change-log writes for this transaction,
	// used while the Initial Sync Driver materializes the first snapshot.
	SuppressChangeLog bool
	// SkipReplicationStateUpdate skips the replicationState.stateVersion
	// write on Commit, used when the caller has already (or will, in the
	// same replica transaction) written that row itself via replstate.Init.
	SkipReplicationStateUpdate bool
}

// Processor applies one upstream transaction to a replica (spec §4.6). It
// is not goroutine-safe: exactly one goroutine may drive it, matching the
// single-writer discipline of spec §5.
type Processor struct {
	db     *replica.DB
	tx     *sql.Tx
	specs  *tablespec.Cache
	logger *zap.Logger
	opts   Options

	commitWatermark watermark.Watermark
	schemaChanged   bool
	failed          bool
}

// Begin opens a replica transaction and constructs a Processor bound to the
// expected commit watermark (spec §4.6 Lifecycle). The Table Spec Cache is
// loaded lazily if empty.
func Begin(ctx context.Context, db *replica.DB, specs *tablespec.Cache, logger *zap.Logger, commitWatermark watermark.Watermark, opts Options) (*Processor, error) {
	tx, err := db.BeginReplicaTx(ctx)
	if err != nil {
		return nil, repcore.NewTransient("begin", err)
	}
	if err := specs.EnsureLoaded(ctx, tx); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("txproc: load table specs: %w", err)
	}
	return &Processor{
		db:              db,
		tx:              tx,
		specs:           specs,
		logger:          logger,
		opts:            opts,
		commitWatermark: commitWatermark,
	}, nil
}

// Tx exposes the underlying replica transaction so a caller driving several
// Processor operations as part of a larger unit of work (the Initial Sync
// Driver, spec §4.10b) can append its own statements before the eventual
// Commit.
func (p *Processor) Tx() *sql.Tx { return p.tx }

func (p *Processor) log(msg string, fields ...zap.Field) {
	if p.logger != nil {
		p.logger.Error(msg, fields...)
	}
}

// exec runs a DML/DDL statement, retrying once on SQLite lock contention
// (spec §4.6 Failure semantics).
func (p *Processor) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := p.tx.ExecContext(ctx, query, args...)
	if err != nil && isLockError(err) {
		time.Sleep(5 * time.Millisecond)
		res, err = p.tx.ExecContext(ctx, query, args...)
	}
	if err != nil {
		p.failed = true
		return nil, repcore.NewTransient("exec", err)
	}
	return res, nil
}

func isLockError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// -- row operations --------------------------------------------------------

// Insert upserts the row carried by msg.New into msg.Relation's table,
// stamping _0_version with the transaction's commit watermark (spec §4.6
// insert).
func (p *Processor) Insert(ctx context.Context, msg changesource.Message) error {
	table := replica.UnqualifiedName(msg.Relation.Schema, msg.Relation.Name)
	spec, ok := p.specs.Get(table)
	if !ok {
		return repcore.NewSchema("insert", fmt.Errorf("unknown table %q", table))
	}

	if err := p.upsertRow(ctx, table, msg.New); err != nil {
		return err
	}

	key, loggable := deriveKey(msg.Relation, msg.New, spec)
	if !loggable || p.opts.SuppressChangeLog {
		return nil
	}
	if err := changelog.LogSet(ctx, p.tx, p.commitWatermark, table, key); err != nil {
		return fmt.Errorf("txproc: insert log: %w", err)
	}
	return nil
}

// Update applies msg.New to the row identified by msg.OldKey (if the key
// changed) or the key derived from msg.New, upsert-style: a key that
// matches no row is a no-op and emits no change-log entries (spec §4.6,
// §8 upsert semantics).
func (p *Processor) Update(ctx context.Context, msg changesource.Message) error {
	table := replica.UnqualifiedName(msg.Relation.Schema, msg.Relation.Name)
	spec, ok := p.specs.Get(table)
	if !ok {
		return repcore.NewSchema("update", fmt.Errorf("unknown table %q", table))
	}

	newKey, newLoggable := deriveKey(msg.Relation, msg.New, spec)
	lookupKey := msg.OldKey
	keyChanged := len(msg.OldKey) > 0
	if !keyChanged {
		lookupKey = newKey
	}
	if len(lookupKey) == 0 {
		// No identity to scope the UPDATE by; nothing can be matched.
		return nil
	}

	affected, err := p.updateRow(ctx, table, msg.New, lookupKey)
	if err != nil {
		return err
	}
	if affected == 0 || p.opts.SuppressChangeLog {
		return nil
	}

	if keyChanged && newLoggable {
		if err := changelog.LogDelete(ctx, p.tx, p.commitWatermark, table, msg.OldKey); err != nil {
			return fmt.Errorf("txproc: update log delete: %w", err)
		}
	}
	if newLoggable {
		if err := changelog.LogSet(ctx, p.tx, p.commitWatermark, table, newKey); err != nil {
			return fmt.Errorf("txproc: update log set: %w", err)
		}
	}
	return nil
}

// Delete removes the row identified by msg.Key from msg.Relation's table
// (spec §4.6 delete).
func (p *Processor) Delete(ctx context.Context, msg changesource.Message) error {
	if len(msg.Key) == 0 {
		return nil
	}
	table := replica.UnqualifiedName(msg.Relation.Schema, msg.Relation.Name)
	if _, ok := p.specs.Get(table); !ok {
		return repcore.NewSchema("delete", fmt.Errorf("unknown table %q", table))
	}

	where, args := whereClause(msg.Key)
	_, err := p.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, replica.QuoteIdent(table), where), args...)
	if err != nil {
		return fmt.Errorf("txproc: delete %s: %w", table, err)
	}

	if p.opts.SuppressChangeLog {
		return nil
	}
	if err := changelog.LogDelete(ctx, p.tx, p.commitWatermark, table, msg.Key); err != nil {
		return fmt.Errorf("txproc: delete log: %w", err)
	}
	return nil
}

// Truncate deletes all rows of each relation in msg.Relations and emits one
// truncate change-log entry per relation (spec §4.6 truncate).
func (p *Processor) Truncate(ctx context.Context, msg changesource.Message) error {
	for _, rel := range msg.Relations {
		table := replica.UnqualifiedName(rel.Schema, rel.Name)
		if _, ok := p.specs.Get(table); !ok {
			return repcore.NewSchema("truncate", fmt.Errorf("unknown table %q", table))
		}
		if _, err := p.exec(ctx, fmt.Sprintf(`DELETE FROM %s`, replica.QuoteIdent(table))); err != nil {
			return fmt.Errorf("txproc: truncate %s: %w", table, err)
		}
		if p.opts.SuppressChangeLog {
			continue
		}
		if err := changelog.LogTruncate(ctx, p.tx, p.commitWatermark, table); err != nil {
			return fmt.Errorf("txproc: truncate log %s: %w", table, err)
		}
	}
	return nil
}

func (p *Processor) upsertRow(ctx context.Context, table string, row replica.Row) error {
	cols := sortedColumns(row)
	placeholders := make([]string, 0, len(cols)+1)
	quotedCols := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		quotedCols = append(quotedCols, replica.QuoteIdent(c))
		placeholders = append(placeholders, "?")
		args = append(args, row[c])
	}
	quotedCols = append(quotedCols, replica.QuoteIdent("_0_version"))
	placeholders = append(placeholders, "?")
	args = append(args, replica.Text(string(p.commitWatermark)))

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		replica.QuoteIdent(table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))
	_, err := p.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("txproc: upsert %s: %w", table, err)
	}
	return nil
}

func (p *Processor) updateRow(ctx context.Context, table string, row replica.Row, lookupKey replica.Row) (int64, error) {
	cols := sortedColumns(row)
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1+len(lookupKey))
	for _, c := range cols {
		sets = append(sets, replica.QuoteIdent(c)+" = ?")
		args = append(args, row[c])
	}
	sets = append(sets, replica.QuoteIdent("_0_version")+" = ?")
	args = append(args, replica.Text(string(p.commitWatermark)))

	where, whereArgs := whereClause(lookupKey)
	args = append(args, whereArgs...)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s`, replica.QuoteIdent(table), strings.Join(sets, ", "), where)
	res, err := p.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("txproc: update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("txproc: update %s: rows affected: %w", table, err)
	}
	return n, nil
}

func whereClause(key replica.Row) (string, []any) {
	cols := sortedColumns(key)
	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		clauses = append(clauses, replica.QuoteIdent(c)+" = ?")
		args = append(args, key[c])
	}
	return strings.Join(clauses, " AND "), args
}

func sortedColumns(row replica.Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// deriveKey derives a row's change-log key per spec §3 Row Key rules:
// relation.KeyColumns when replica identity isn't full, else the table's
// (possibly imputed) primary key; empty in either case means the row is not
// loggable.
func deriveKey(rel changesource.Relation, row replica.Row, spec tablespec.Spec) (replica.Row, bool) {
	cols := rel.KeyColumns
	if rel.ReplicaIdentity == changesource.ReplicaIdentityFull {
		cols = spec.PrimaryKey
	}
	if len(cols) == 0 {
		cols = spec.PrimaryKey
	}
	if len(cols) == 0 {
		return nil, false
	}

	key := make(replica.Row, len(cols))
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			return nil, false
		}
		key[c] = v
	}
	return key, true
}

// -- commit / rollback ------------------------------------------------------

// Commit finalizes the transaction. v must equal the watermark supplied to
// Begin; any mismatch aborts the transaction and returns a ProtocolError
// (spec §4.6 Commit, §4.7 inTx + commit(w')).
func (p *Processor) Commit(ctx context.Context, v watermark.Watermark) error {
	if p.failed {
		p.tx.Rollback()
		return repcore.NewUnrecoverable("commit", fmt.Errorf("processor already failed"))
	}
	if v != p.commitWatermark {
		p.tx.Rollback()
		p.log("commit watermark mismatch", zap.String("expected", string(p.commitWatermark)), zap.String("got", string(v)))
		return repcore.NewProtocol("commit", fmt.Errorf("watermark mismatch: expected %s, got %s", p.commitWatermark, v))
	}

	if !p.opts.SkipReplicationStateUpdate {
		if err := replstate.UpdateWatermark(ctx, p.tx, v); err != nil {
			p.tx.Rollback()
			return fmt.Errorf("txproc: commit: %w", err)
		}
	}

	if err := p.tx.Commit(); err != nil {
		return repcore.NewTransient("commit", err)
	}

	if p.schemaChanged {
		if err := p.db.Optimize(ctx, true); err != nil {
			p.log("post-commit optimize failed", zap.Error(err))
		}
	}
	return nil
}

// Rollback discards all work performed by this Processor (spec §4.6 Abort).
func (p *Processor) Rollback(_ context.Context) error {
	return p.tx.Rollback()
}
