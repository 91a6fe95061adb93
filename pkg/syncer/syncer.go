package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	repcore "github.com/edgeflare/repcore"
	"github.com/edgeflare/repcore/pkg/changeproc"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/metrics"
	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/edgeflare/repcore/pkg/replstate"
	"github.com/edgeflare/repcore/pkg/tablespec"
	"github.com/edgeflare/repcore/pkg/txproc"
	"github.com/edgeflare/repcore/pkg/watermark"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VersionReadyFunc is called with a newly committed watermark (spec §4.9
// Notification) and once, with the currently persisted watermark, right
// after the first successful subscribe.
type VersionReadyFunc func(watermark.Watermark)

// Syncer is the Incremental Syncer: a single cooperative run loop owning
// one changesource.Source subscription at a time (spec §5: single-writer).
type Syncer struct {
	db     *replica.DB
	specs  *tablespec.Cache
	source changesource.Source
	logger *zap.Logger
	opts   txproc.Options

	subscriberID   string
	mode           changesource.Mode
	publications   []string
	onVersionReady VersionReadyFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs a Syncer. subscriberID identifies this replica to the
// source (spec §4.8); an empty value is replaced with a fresh random id.
// publications is the set this subscriber requests; it is checked against
// replicationConfig.Publications before every subscribe attempt (spec §3
// invariant I5, §7 Configuration error kind) and a mismatch is fatal. A nil
// publications disables the check, for callers (tests of unrelated
// behavior) that do not care about it.
func New(db *replica.DB, specs *tablespec.Cache, source changesource.Source, logger *zap.Logger, subscriberID string, mode changesource.Mode, publications []string, onVersionReady VersionReadyFunc) *Syncer {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}
	return &Syncer{
		db: db, specs: specs, source: source, logger: logger,
		subscriberID: subscriberID, mode: mode, publications: publications, onVersionReady: onVersionReady,
	}
}

// Run executes the subscribe/process/reconnect loop until ctx is canceled
// or Stop is called. It returns nil on a clean cancellation.
func (s *Syncer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.stopped)
		s.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	firstSubscribe := true

	for runCtx.Err() == nil {
		cfg, err := replstate.GetConfig(runCtx, s.db.DB)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("syncer: read replication config: %w", err)
		}
		if err := checkPublications(cfg.Publications, s.publications); err != nil {
			if s.logger != nil {
				s.logger.Error("publication mismatch, refusing to subscribe", zap.Error(err))
			}
			return err
		}
		state, err := replstate.GetState(runCtx, s.db.DB)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("syncer: read replication state: %w", err)
		}

		metrics.ReconnectAttempts.WithLabelValues(s.subscriberID).Inc()
		sub, err := s.source.Subscribe(runCtx, changesource.SubscribeParams{
			SubscriberID:   s.subscriberID,
			Mode:           s.mode,
			LastWatermark:  state.StateVersion,
			ReplicaVersion: cfg.ReplicaVersion,
			Initial:        state.StateVersion == cfg.ReplicaVersion,
		})
		if err != nil {
			if s.logger != nil {
				s.logger.Error("subscribe failed", zap.Error(err))
			}
			s.sleepBackoff(runCtx, bo)
			continue
		}

		if firstSubscribe {
			s.notify(state.StateVersion)
			firstSubscribe = false
		}

		if err := s.drain(runCtx, sub, bo); err != nil && runCtx.Err() == nil {
			if s.logger != nil {
				s.logger.Error("change stream ended", zap.Error(err))
			}
			s.sleepBackoff(runCtx, bo)
		}
	}
	return nil
}

// drain consumes sub.Changes until the stream closes, ctx is canceled, or
// the Change Processor fails. Every committed transaction resets the
// backoff, acks the committed watermark, and fires the version-ready
// notification (spec §4.9). A transaction still open when the stream closes
// is rolled back.
func (s *Syncer) drain(ctx context.Context, sub changesource.Subscription, bo backoff.BackOff) error {
	p := changeproc.New(s.db, s.specs, s.logger, s.opts)
	for {
		select {
		case msg, ok := <-sub.Changes:
			if !ok {
				p.Abort(context.Background())
				return nil
			}
			committed, err := p.Process(ctx, msg)
			if err != nil {
				return fmt.Errorf("process message: %w", err)
			}
			if !committed {
				continue
			}
			bo.Reset()
			metrics.CommitsApplied.WithLabelValues(s.subscriberID).Inc()
			select {
			case sub.Acks <- msg.Watermark:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.notify(msg.Watermark)

		case <-ctx.Done():
			p.Abort(context.Background())
			return ctx.Err()
		}
	}
}

// checkPublications enforces invariant I5 (spec §3): the publications
// recorded in replicationConfig at initial-sync boot must match the ones
// this subscriber requests. A nil requested set (the zero value of a
// Syncer not given one) disables the check. Order doesn't matter; a set
// that merely differs in member order is not a mismatch.
func checkPublications(recorded, requested []string) error {
	if requested == nil || publicationSetsEqual(recorded, requested) {
		return nil
	}
	return repcore.NewConfig("publications",
		fmt.Errorf("replica initialized with publications %v, subscriber requested %v", recorded, requested))
}

func publicationSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func (s *Syncer) notify(w watermark.Watermark) {
	if s.onVersionReady != nil {
		s.onVersionReady(w)
	}
}

func (s *Syncer) sleepBackoff(ctx context.Context, bo backoff.BackOff) {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		// The syncer retries forever until Stop is called (spec §4.9); a
		// policy with a bounded MaxElapsedTime must restart its own clock
		// rather than give up.
		bo.Reset()
		d = bo.NextBackOff()
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Stop marks the syncer as not-running, cancels the current subscription
// (which aborts any in-flight transaction processor via drain's ctx.Done
// branch), and blocks until the run loop has drained (spec §4.9
// Cancellation). err, if non-nil, is logged as the cause.
func (s *Syncer) Stop(err error) {
	s.mu.Lock()
	cancel, stopped, running := s.cancel, s.stopped, s.running
	s.mu.Unlock()
	if !running || cancel == nil {
		return
	}
	if err != nil && s.logger != nil {
		s.logger.Error("syncer stopping", zap.Error(err))
	}
	cancel()
	<-stopped
}
