package initsync

import (
	"context"
	"errors"
	"fmt"

	repcore "github.com/edgeflare/repcore"
	"github.com/edgeflare/repcore/pkg/changelog"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/replstate"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/txproc"
	"github.com/edgeflare/repcore/pkg/watermark"
	"go.uber.org/zap"
)

// requiredTables are the internal tables this module's validator checks
// for after the initial-sync commit (spec §4.10c). The spec's prose names
// illustrative examples from the downstream view-syncer ("clients
// registry", "permissions", "schema-versions"), which this module's
// explicit Non-goals exclude; the tables this module actually owns and can
// meaningfully validate are the change log and the two replicationState
// singletons.
var requiredTables = []string{
	"_zero.changeLog",
	"_zero.replicationConfig",
	"_zero.replicationState",
}

// ErrNotFresh is returned by Run when replicationConfig already holds a
// row: initial sync may only run once, against a fresh replica (spec
// §4.10: "invoked only when a fresh replica file exists").
var ErrNotFresh = errors.New("initsync: replica is already initialized")

// Run bootstraps a fresh replica: it creates the meta tables, subscribes to
// source in initial-sync mode, applies every message of the first (and
// only) upstream transaction the source sends, commits replstate.Init in
// that same transaction, and validates the result. It returns the boot
// watermark on success.
func Run(ctx context.Context, db *replica.DB, specs *tablespec.Cache, source changesource.Source, logger *zap.Logger, subscriberID string, mode changesource.Mode, publications []string) (watermark.Watermark, error) {
	if err := changelog.CreateTable(ctx, db.DB); err != nil {
		return "", fmt.Errorf("initsync: %w", err)
	}
	if err := replstate.CreateTables(ctx, db.DB); err != nil {
		return "", fmt.Errorf("initsync: %w", err)
	}

	if _, err := replstate.GetConfig(ctx, db.DB); err == nil {
		return "", ErrNotFresh
	} else if !errors.Is(err, replstate.ErrNotInitialized) {
		return "", fmt.Errorf("initsync: check existing replicationConfig: %w", err)
	}

	sub, err := source.Subscribe(ctx, changesource.SubscribeParams{
		SubscriberID: subscriberID,
		Mode:         mode,
		Initial:      true,
	})
	if err != nil {
		return "", fmt.Errorf("initsync: subscribe: %w", err)
	}

	boot, err := drive(ctx, db, specs, logger, sub, publications)
	if err != nil {
		return "", err
	}
	if err := validate(ctx, db.DB); err != nil {
		return "", err
	}
	return boot, nil
}

// drive consumes the initial-sync subscription's single transaction and
// returns its watermark once committed.
func drive(ctx context.Context, db *replica.DB, specs *tablespec.Cache, logger *zap.Logger, sub changesource.Subscription, publications []string) (watermark.Watermark, error) {
	first, ok := <-sub.Changes
	if !ok {
		return "", repcore.NewProtocol("initsync", fmt.Errorf("change source closed before sending begin"))
	}
	if first.Tag != changesource.TagBegin {
		return "", repcore.NewProtocol("initsync", fmt.Errorf("expected begin, got %s", first.Tag))
	}
	boot := first.CommitWatermark

	opts := txproc.Options{SuppressChangeLog: true, SkipReplicationStateUpdate: true}
	tx, err := txproc.Begin(ctx, db, specs, logger, boot, opts)
	if err != nil {
		return "", fmt.Errorf("initsync: begin replica transaction: %w", err)
	}

	for {
		select {
		case msg, ok := <-sub.Changes:
			if !ok {
				tx.Rollback(ctx)
				return "", repcore.NewProtocol("initsync", fmt.Errorf("change source closed mid-transaction"))
			}

			if msg.Tag == changesource.TagCommit {
				if msg.Watermark != boot {
					tx.Rollback(ctx)
					return "", repcore.NewProtocol("initsync", fmt.Errorf("commit watermark mismatch: expected %s, got %s", boot, msg.Watermark))
				}
				if err := replstate.Init(ctx, tx.Tx(), publications, boot); err != nil {
					tx.Rollback(ctx)
					return "", fmt.Errorf("initsync: replstate init: %w", err)
				}
				if err := tx.Commit(ctx, boot); err != nil {
					return "", fmt.Errorf("initsync: commit: %w", err)
				}
				select {
				case sub.Acks <- boot:
				case <-ctx.Done():
				}
				return boot, nil
			}

			if err := dispatch(ctx, tx, msg); err != nil {
				tx.Rollback(ctx)
				return "", err
			}

		case <-ctx.Done():
			tx.Rollback(ctx)
			return "", ctx.Err()
		}
	}
}

// dispatch applies every message tag the initial-sync transaction may
// legally carry: the snapshot's table definitions (create-table, and
// whatever other DDL the change source chooses to replay ahead of the
// data it describes) followed by its row inserts. Handles the same row and
// DDL tags as pkg/changeproc's dispatch switch.
func dispatch(ctx context.Context, tx *txproc.Processor, msg changesource.Message) error {
	switch msg.Tag {
	case changesource.TagCreateTable:
		return tx.CreateTable(ctx, msg)
	case changesource.TagRenameTable:
		return tx.RenameTable(ctx, msg)
	case changesource.TagAddColumn:
		return tx.AddColumn(ctx, msg)
	case changesource.TagUpdateColumn:
		return tx.UpdateColumn(ctx, msg)
	case changesource.TagDropColumn:
		return tx.DropColumn(ctx, msg)
	case changesource.TagDropTable:
		return tx.DropTable(ctx, msg)
	case changesource.TagCreateIndex:
		return tx.CreateIndex(ctx, msg)
	case changesource.TagDropIndex:
		return tx.DropIndex(ctx, msg)
	case changesource.TagInsert:
		return tx.Insert(ctx, msg)
	case changesource.TagUpdate:
		return tx.Update(ctx, msg)
	case changesource.TagDelete:
		return tx.Delete(ctx, msg)
	case changesource.TagTruncate:
		return tx.Truncate(ctx, msg)
	case changesource.TagControl, changesource.TagStatus:
		return nil
	case changesource.TagError:
		return repcore.NewProtocol("initsync", fmt.Errorf("upstream error: %v", msg.Cause))
	default:
		return repcore.NewProtocol("initsync", fmt.Errorf("unexpected tag %s during initial sync", msg.Tag))
	}
}

// validate checks that the meta tables initial sync owns exist and are
// readable after commit (spec §4.10c).
func validate(ctx context.Context, q replica.Queryer) error {
	for _, table := range requiredTables {
		ok, err := replica.TableExists(ctx, q, table)
		if err != nil {
			return fmt.Errorf("initsync: validate %s: %w", table, err)
		}
		if !ok {
			return repcore.NewUnrecoverable("validate", fmt.Errorf("required internal table %q missing after initial sync commit", table))
		}
	}
	if _, err := replstate.GetConfig(ctx, q); err != nil {
		return repcore.NewUnrecoverable("validate", fmt.Errorf("replicationConfig unreadable after commit: %w", err))
	}
	if _, err := replstate.GetState(ctx, q); err != nil {
		return repcore.NewUnrecoverable("validate", fmt.Errorf("replicationState unreadable after commit: %w", err))
	}
	return nil
}
