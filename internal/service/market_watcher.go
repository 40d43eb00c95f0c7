package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/ledger"
	"github.com/alanyoungcy/shadowsettle/internal/metrics"
)

// WatcherChain is the chain surface the watcher reads and writes.
type WatcherChain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetResolvedMarkets(ctx context.Context, from, to uint64) ([]domain.ResolvedEvent, error)
	GetMarket(ctx context.Context, marketID domain.MarketID) (domain.MarketState, error)
	SubmitSettlement(ctx context.Context, res domain.SettlementResult) (string, error)
}

// WatcherEngine is the settlement engine surface the watcher drives.
type WatcherEngine interface {
	ComputeSettlement(ctx context.Context, marketID domain.MarketID, outcome bool) (domain.SettlementResult, error)
	Record(ctx context.Context, marketID domain.MarketID) (domain.SettlementRecord, error)
	MarkFinalized(ctx context.Context, marketID domain.MarketID, txHash string) error
}

// EventNotifier delivers operator notifications. *notify.Notifier satisfies it.
type EventNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyAll(ctx context.Context, title, message string) error
}

// WatcherConfig tunes the polling loop.
type WatcherConfig struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 starts at the current head
	LockTTL      time.Duration
}

// WatcherDeps are the watcher's collaborators. Chain, Engine, Ledger and
// Guard are required; the rest may be nil.
type WatcherDeps struct {
	Chain    WatcherChain
	Engine   WatcherEngine
	Ledger   *ledger.BetLedger
	Guard    *ledger.LiquidityGuard
	Locks    domain.LockManager
	Audit    domain.AuditStore
	Archive  domain.SettlementArchiver
	Bus      domain.SignalBus
	Bets     domain.BetStore
	Notifier EventNotifier
}

// MarketWatcher polls for resolved markets and settles each exactly once.
type MarketWatcher struct {
	deps    WatcherDeps
	cfg     WatcherConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	tickMu sync.Mutex // one tick at a time

	mu        sync.Mutex
	started   bool
	lastBlock uint64
	pending   map[domain.MarketID]bool // market -> outcome from the event
	settled   map[domain.MarketID]struct{}
}

// NewMarketWatcher creates a watcher. A zero poll interval uses 10s.
func NewMarketWatcher(deps WatcherDeps, cfg WatcherConfig, m *metrics.Metrics, logger *slog.Logger) *MarketWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if m == nil {
		m = metrics.New()
	}
	return &MarketWatcher{
		deps:    deps,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "market_watcher")),
		pending: make(map[domain.MarketID]bool),
		settled: make(map[domain.MarketID]struct{}),
	}
}

// Run polls until ctx is cancelled. A tick in progress runs to completion.
func (w *MarketWatcher) Run(ctx context.Context) error {
	w.logger.Info("market watcher started", slog.Duration("interval", w.cfg.PollInterval))
	defer w.logger.Info("market watcher stopped")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx); err != nil {
			w.logger.ErrorContext(ctx, "market watcher tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick reads new resolution events and works through every pending market.
// Markets that fail stay pending for the next tick.
func (w *MarketWatcher) Tick(ctx context.Context) error {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	head, err := w.deps.Chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("service/watcher: block number: %w", err)
	}

	w.mu.Lock()
	if !w.started {
		w.lastBlock = head
		if w.cfg.StartBlock > 0 {
			w.lastBlock = w.cfg.StartBlock - 1
		}
		w.started = true
	}
	from := w.lastBlock + 1
	w.mu.Unlock()

	if head >= from {
		events, err := w.deps.Chain.GetResolvedMarkets(ctx, from, head)
		if err != nil {
			return fmt.Errorf("service/watcher: resolved markets %d-%d: %w", from, head, err)
		}
		w.mu.Lock()
		for _, ev := range events {
			if _, done := w.settled[ev.MarketID]; done {
				continue
			}
			w.pending[ev.MarketID] = ev.Outcome
		}
		w.lastBlock = head
		w.mu.Unlock()
		w.metrics.WatcherBlock.Set(float64(head))
		if len(events) > 0 {
			w.logger.InfoContext(ctx, "resolution events",
				slog.Uint64("from", from),
				slog.Uint64("to", head),
				slog.Int("count", len(events)),
			)
		}
	}

	var errs []error
	for _, id := range w.pendingMarkets() {
		done, err := w.settleMarket(ctx, id)
		if err != nil {
			errs = append(errs, err)
			w.logger.WarnContext(ctx, "settlement attempt failed, will retry",
				slog.String("market_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
		if done {
			w.mu.Lock()
			delete(w.pending, id)
			w.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (w *MarketWatcher) pendingMarkets() []domain.MarketID {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]domain.MarketID, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Big().Cmp(ids[j].Big()) < 0 })
	return ids
}

// settleMarket reports done when the market needs no further attempts.
func (w *MarketWatcher) settleMarket(ctx context.Context, id domain.MarketID) (done bool, err error) {
	if w.isSettled(id) {
		return true, nil
	}
	log := w.logger.With(slog.String("market_id", id.String()))

	rec, err := w.deps.Engine.Record(ctx, id)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if hasRecord && rec.Finalized {
		w.markSettled(id)
		return true, nil
	}
	if !hasRecord && w.deps.Ledger.BetCount(id) == 0 {
		log.DebugContext(ctx, "resolved market has no bets")
		return true, nil
	}

	if w.deps.Locks != nil {
		unlock, err := w.deps.Locks.Acquire(ctx, "settle:"+id.String(), w.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			log.DebugContext(ctx, "settlement lock held elsewhere")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("service/watcher: lock %s: %w", id, err)
		}
		defer unlock()
	}

	w.mu.Lock()
	eventOutcome := w.pending[id]
	w.mu.Unlock()

	state, err := w.deps.Chain.GetMarket(ctx, id)
	if err != nil {
		return false, fmt.Errorf("service/watcher: market %s: %w", id, err)
	}
	if !state.Resolved {
		log.WarnContext(ctx, "resolution event but market not resolved on chain")
		return false, nil
	}
	if state.Outcome != eventOutcome {
		log.WarnContext(ctx, "event outcome differs from chain state, using chain state",
			slog.Bool("event_outcome", eventOutcome),
			slog.Bool("chain_outcome", state.Outcome),
		)
	}

	res, err := w.deps.Engine.ComputeSettlement(ctx, id, state.Outcome)
	switch {
	case errors.Is(err, domain.ErrNoBets):
		return true, nil
	case errors.Is(err, domain.ErrTooManyBets), errors.Is(err, domain.ErrConservationViolation):
		w.alert(ctx, "Settlement blocked", fmt.Sprintf("market %s: %v", id, err))
		return true, err
	case err != nil:
		return false, err
	}

	if res.Outcome != state.Outcome {
		w.alert(ctx, "Settlement outcome mismatch",
			fmt.Sprintf("market %s: cached result outcome %t, chain outcome %t; not submitting", id, res.Outcome, state.Outcome))
		return true, fmt.Errorf("service/watcher: market %s: cached outcome %t disagrees with chain", id, res.Outcome)
	}

	switch {
	case state.Settled:
		w.metrics.Submissions.WithLabelValues("already_settled").Inc()
		log.InfoContext(ctx, "market already settled on chain")
		w.finalize(ctx, res, "")
	case res.Proof == nil:
		w.metrics.Submissions.WithLabelValues("offchain").Inc()
		log.InfoContext(ctx, "settlement has no proof, finalizing off-chain",
			slog.String("proof_error", res.ProofError),
		)
		w.finalize(ctx, res, "")
	default:
		txHash, err := w.deps.Chain.SubmitSettlement(ctx, res)
		if errors.Is(err, domain.ErrAlreadySettled) {
			w.metrics.Submissions.WithLabelValues("already_settled").Inc()
			w.finalize(ctx, res, txHash)
			return true, nil
		}
		if err != nil {
			w.metrics.Submissions.WithLabelValues("failed").Inc()
			return false, err
		}
		w.metrics.Submissions.WithLabelValues("submitted").Inc()
		log.InfoContext(ctx, "settlement submitted", slog.String("tx_hash", txHash))
		w.finalize(ctx, res, txHash)
	}
	return true, nil
}

// finalize runs the once-per-market side effects. Only the local settled
// set is authoritative for "once"; the rest are best effort.
func (w *MarketWatcher) finalize(ctx context.Context, res domain.SettlementResult, txHash string) {
	id := res.MarketID
	if !w.markSettled(id) {
		return
	}
	log := w.logger.With(slog.String("market_id", id.String()))

	if err := w.deps.Engine.MarkFinalized(ctx, id, txHash); err != nil {
		log.ErrorContext(ctx, "mark finalized failed", slog.String("error", err.Error()))
	}
	released := w.deps.Guard.UnlockMarket(id)
	w.deps.Ledger.Remove(id)
	if w.deps.Bets != nil {
		if err := w.deps.Bets.DeleteMarket(ctx, id); err != nil {
			log.WarnContext(ctx, "bet store cleanup failed", slog.String("error", err.Error()))
		}
	}

	if w.deps.Audit != nil {
		detail := map[string]any{
			"market_id":    id.String(),
			"outcome":      res.Outcome,
			"tx_hash":      txHash,
			"has_proof":    res.Proof != nil,
			"total_pool":   res.TotalPool.Dec(),
			"platform_fee": res.PlatformFee.Dec(),
			"payouts":      len(res.Payouts),
		}
		if err := w.deps.Audit.Log(ctx, "settlement_finalized", detail); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if w.deps.Archive != nil {
		if rec, err := w.deps.Engine.Record(ctx, id); err == nil {
			if err := w.deps.Archive.ArchiveSettlement(ctx, rec); err != nil {
				log.WarnContext(ctx, "settlement archive failed", slog.String("error", err.Error()))
			}
		}
	}

	if w.deps.Bus != nil {
		payload, _ := json.Marshal(domain.EngineEvent{
			Type:      "settlement_finalized",
			MarketID:  id,
			TxHash:    txHash,
			HasProof:  res.Proof != nil,
			Timestamp: time.Now().UTC(),
		})
		if err := w.deps.Bus.StreamAppend(ctx, domain.StreamSettlements, payload); err != nil {
			log.WarnContext(ctx, "settlement stream append failed", slog.String("error", err.Error()))
		}
		if err := w.deps.Bus.Publish(ctx, domain.ChannelSettlementFinalized, payload); err != nil {
			log.DebugContext(ctx, "settlement event publish failed", slog.String("error", err.Error()))
		}
	}

	if w.deps.Notifier != nil {
		msg := fmt.Sprintf("Market %s settled (outcome %t), pool %s, fee %s", id, res.Outcome, res.TotalPool.Dec(), res.PlatformFee.Dec())
		if txHash != "" {
			msg += ", tx " + txHash
		}
		if err := w.deps.Notifier.Notify(ctx, "settlement", "Settlement finalized", msg); err != nil {
			log.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "settlement finalized",
		slog.String("tx_hash", txHash),
		slog.Int("locks_released", released),
	)
}

func (w *MarketWatcher) alert(ctx context.Context, title, msg string) {
	w.logger.ErrorContext(ctx, title, slog.String("detail", msg))
	if w.deps.Notifier == nil {
		return
	}
	if err := w.deps.Notifier.NotifyAll(ctx, title, msg); err != nil {
		w.logger.WarnContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
	}
}

func (w *MarketWatcher) isSettled(id domain.MarketID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.settled[id]
	return ok
}

// markSettled adds id to the settled set and reports whether it was new.
func (w *MarketWatcher) markSettled(id domain.MarketID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.settled[id]; ok {
		return false
	}
	w.settled[id] = struct{}{}
	delete(w.pending, id)
	return true
}

// LastBlock returns the highest block whose events have been read.
func (w *MarketWatcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

// SettledCount returns how many markets this process has finalized or
// found finalized.
func (w *MarketWatcher) SettledCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.settled)
}

// Pending returns markets awaiting a successful settlement attempt.
func (w *MarketWatcher) Pending() []domain.MarketID { return w.pendingMarkets() }
