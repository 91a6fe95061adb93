package changeproc

import (
	"context"
	"fmt"

	repcore "github.com/edgeflare/repcore"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/metrics"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/txproc"
	"go.uber.org/zap"
)

// State is the Processor's lifecycle state (spec §4.7).
type State int

const (
	StateIdle State = iota
	StateInTx
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInTx:
		return "inTx"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Processor is the Change Processor: it owns the state machine idle → inTx
// → idle (terminal failed), constructing and driving a Transaction Processor
// for each upstream transaction (spec §4.7). Not goroutine-safe: exactly one
// goroutine may call Process (spec §5).
type Processor struct {
	db     *replica.DB
	specs  *tablespec.Cache
	logger *zap.Logger
	opts   txproc.Options

	state State
	tx    *txproc.Processor
}

// New constructs a Processor bound to db, using specs as its Table Spec
// Cache. opts is forwarded to every Transaction Processor this Processor
// constructs.
func New(db *replica.DB, specs *tablespec.Cache, logger *zap.Logger, opts txproc.Options) *Processor {
	return &Processor{db: db, specs: specs, logger: logger, opts: opts, state: StateIdle}
}

// State reports the Processor's current lifecycle state.
func (p *Processor) State() State { return p.state }

// Process dispatches one change-stream message and reports whether it
// observed a commit (spec §4.7 single entry point). A fatal error moves the
// Processor to StateFailed; subsequent calls to Process return an error
// immediately without touching the replica (spec §4.6 Failure semantics:
// "after a fatal failure, subsequent messages are dropped until the
// processor is reconstructed").
func (p *Processor) Process(ctx context.Context, msg changesource.Message) (committed bool, err error) {
	if p.state == StateFailed {
		return false, repcore.NewUnrecoverable("process", fmt.Errorf("processor is in failed state"))
	}

	switch msg.Tag {
	case changesource.TagControl, changesource.TagStatus:
		return false, nil
	case changesource.TagError:
		p.fail("upstream")
		return false, repcore.NewProtocol("process", fmt.Errorf("upstream error: %v", msg.Cause))
	}

	metrics.MessagesApplied.WithLabelValues(msg.Tag.String()).Inc()

	switch p.state {
	case StateIdle:
		return p.processIdle(ctx, msg)
	case StateInTx:
		return p.processInTx(ctx, msg)
	default:
		return false, repcore.NewUnrecoverable("process", fmt.Errorf("unreachable state %v", p.state))
	}
}

func (p *Processor) processIdle(ctx context.Context, msg changesource.Message) (bool, error) {
	if msg.Tag != changesource.TagBegin {
		p.fail("protocol")
		return false, repcore.NewProtocol("process", fmt.Errorf("message %s outside of transaction", msg.Tag))
	}

	tx, err := txproc.Begin(ctx, p.db, p.specs, p.logger, msg.CommitWatermark, p.opts)
	if err != nil {
		p.fail("begin")
		return false, fmt.Errorf("changeproc: begin %s: %w", msg.CommitWatermark, err)
	}
	p.tx = tx
	p.state = StateInTx
	return false, nil
}

// fail transitions the Processor to StateFailed and records the cause
// class for observability (spec §4.6: a fatal failure is terminal until
// the Processor is reconstructed).
func (p *Processor) fail(class string) {
	p.state = StateFailed
	metrics.ProcessorFailures.WithLabelValues(class).Inc()
}

func (p *Processor) processInTx(ctx context.Context, msg changesource.Message) (bool, error) {
	switch msg.Tag {
	case changesource.TagBegin:
		p.abort(ctx)
		p.fail("protocol")
		return false, repcore.NewProtocol("process", fmt.Errorf("begin received without prior commit"))

	case changesource.TagCommit:
		if err := p.tx.Commit(ctx, msg.Watermark); err != nil {
			p.fail("commit")
			return false, fmt.Errorf("changeproc: commit: %w", err)
		}
		p.tx = nil
		p.state = StateIdle
		return true, nil

	case changesource.TagRollback:
		p.abort(ctx)
		p.state = StateIdle
		return false, nil

	default:
		if err := p.dispatch(ctx, msg); err != nil {
			p.abort(ctx)
			p.fail("dispatch")
			return false, err
		}
		return false, nil
	}
}

func (p *Processor) dispatch(ctx context.Context, msg changesource.Message) error {
	switch msg.Tag {
	case changesource.TagInsert:
		return p.tx.Insert(ctx, msg)
	case changesource.TagUpdate:
		return p.tx.Update(ctx, msg)
	case changesource.TagDelete:
		return p.tx.Delete(ctx, msg)
	case changesource.TagTruncate:
		return p.tx.Truncate(ctx, msg)
	case changesource.TagCreateTable:
		return p.tx.CreateTable(ctx, msg)
	case changesource.TagRenameTable:
		return p.tx.RenameTable(ctx, msg)
	case changesource.TagAddColumn:
		return p.tx.AddColumn(ctx, msg)
	case changesource.TagUpdateColumn:
		return p.tx.UpdateColumn(ctx, msg)
	case changesource.TagDropColumn:
		return p.tx.DropColumn(ctx, msg)
	case changesource.TagDropTable:
		return p.tx.DropTable(ctx, msg)
	case changesource.TagCreateIndex:
		return p.tx.CreateIndex(ctx, msg)
	case changesource.TagDropIndex:
		return p.tx.DropIndex(ctx, msg)
	default:
		return repcore.NewProtocol("dispatch", fmt.Errorf("unexpected tag %s while inTx", msg.Tag))
	}
}

// Abort rolls back any in-flight transaction and returns to StateIdle. It is
// exported for callers that must cancel a subscription mid-transaction
// (spec §4.9 Cancellation, §5: "the in-flight transaction processor, if
// any, must roll back ... when cancellation is observed"). A no-op outside
// StateInTx.
func (p *Processor) Abort(ctx context.Context) {
	if p.state != StateInTx {
		return
	}
	p.abort(ctx)
	p.state = StateIdle
}

func (p *Processor) abort(ctx context.Context) {
	if p.tx == nil {
		return
	}
	if err := p.tx.Rollback(ctx); err != nil && p.logger != nil {
		p.logger.Error("rollback failed", zap.Error(err))
	}
	p.tx = nil
}

