package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/metrics"
	"github.com/alanyoungcy/shadowsettle/internal/zk"
	"golang.org/x/sync/singleflight"
)

// BetSource supplies a market's bets. Seal stops further bets and returns the
// final set; Unseal reopens the market when no result was recorded.
// *ledger.BetLedger satisfies it.
type BetSource interface {
	Seal(marketID domain.MarketID) []domain.Bet
	Unseal(marketID domain.MarketID)
}

// Alerter pages an operator. *notify.Notifier satisfies it.
type Alerter interface {
	NotifyAll(ctx context.Context, title, message string) error
}

// Config tunes the engine.
type Config struct {
	FeeBps       uint64
	ProveTimeout time.Duration
}

// Engine computes each market's settlement once and serves the cached result
// afterwards. Concurrent requests for one market share a single computation.
type Engine struct {
	cfg     Config
	bets    BetSource
	prover  zk.Prover
	store   domain.SettlementStore
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	payouts func(domain.MarketID, []domain.Bet, bool, uint64, time.Time) (domain.SettlementResult, error)

	mu    sync.RWMutex
	cache map[domain.MarketID]*domain.SettlementRecord
	group singleflight.Group
}

// Option customises an Engine.
type Option func(*Engine)

// WithStore persists results so idempotence survives restarts.
func WithStore(s domain.SettlementStore) Option { return func(e *Engine) { e.store = s } }

// WithAlerter routes conservation failures to an operator.
func WithAlerter(a Alerter) Option { return func(e *Engine) { e.alerter = a } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine. prover may be nil, in which case every result
// is recorded without a proof.
func NewEngine(cfg Config, bets BetSource, prover zk.Prover, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		bets:    bets,
		prover:  prover,
		metrics: m,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
		payouts: ComputePayouts,
		cache:   make(map[domain.MarketID]*domain.SettlementRecord),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ComputeSettlement returns the market's settlement, computing it on first
// call. A proof failure is not an error: the result comes back without a proof
// and with ProofError set.
//
// The computation is detached from ctx and bounded only by ProveTimeout, so a
// caller that gives up does not turn its own cancellation into a recorded
// proof failure. Such a caller gets ctx.Err() while the result is still
// computed and cached for the next call.
func (e *Engine) ComputeSettlement(ctx context.Context, marketID domain.MarketID, outcome bool) (domain.SettlementResult, error) {
	if rec, ok, err := e.lookup(ctx, marketID); err != nil {
		return domain.SettlementResult{}, err
	} else if ok {
		return rec.Result.Clone(), nil
	}

	detached := context.WithoutCancel(ctx)
	ch := e.group.DoChan(string(marketID), func() (any, error) {
		if rec, ok, err := e.lookup(detached, marketID); err != nil {
			return nil, err
		} else if ok {
			return rec.Result, nil
		}
		return e.compute(detached, marketID, outcome)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return domain.SettlementResult{}, r.Err
		}
		return r.Val.(domain.SettlementResult).Clone(), nil
	case <-ctx.Done():
		return domain.SettlementResult{}, fmt.Errorf("settlement: market %s: %w", marketID, ctx.Err())
	}
}

func (e *Engine) compute(ctx context.Context, marketID domain.MarketID, outcome bool) (res domain.SettlementResult, err error) {
	bets := e.bets.Seal(marketID)
	defer func() {
		if err != nil {
			e.bets.Unseal(marketID)
		}
	}()

	res, err = e.payouts(marketID, bets, outcome, e.cfg.FeeBps, e.now())
	if err != nil {
		return domain.SettlementResult{}, err
	}

	if err := res.CheckConservation(); err != nil {
		e.metrics.ConservationViolations.Inc()
		e.logger.ErrorContext(ctx, "conservation check failed, settlement halted",
			slog.String("market_id", marketID.String()),
			slog.String("error", err.Error()),
		)
		if e.alerter != nil {
			if aerr := e.alerter.NotifyAll(ctx, "Settlement halted", err.Error()); aerr != nil {
				e.logger.WarnContext(ctx, "alert failed", slog.String("error", aerr.Error()))
			}
		}
		return domain.SettlementResult{}, fmt.Errorf("settlement: %w", err)
	}

	path := "no_winner"
	if !res.WinnerPool.IsZero() {
		if perr := e.prove(ctx, &res, bets); perr != nil {
			path = "proof_failed"
			res.ProofError = perr.Error()
			e.metrics.ProofFailures.Inc()
			e.logger.WarnContext(ctx, "settlement recorded without proof",
				slog.String("market_id", marketID.String()),
				slog.String("error", perr.Error()),
			)
		} else {
			path = "proved"
		}
	}
	e.metrics.SettlementsComputed.WithLabelValues(path).Inc()

	e.mu.Lock()
	e.cache[marketID] = &domain.SettlementRecord{Result: res}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Save(ctx, res); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			e.logger.ErrorContext(ctx, "persist settlement failed",
				slog.String("market_id", marketID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.InfoContext(ctx, "settlement computed",
		slog.String("market_id", marketID.String()),
		slog.Bool("outcome", outcome),
		slog.Int("bets", len(bets)),
		slog.String("total_pool", res.TotalPool.Dec()),
		slog.String("platform_fee", res.PlatformFee.Dec()),
		slog.Bool("proof", res.Proof != nil),
	)
	return res, nil
}

// prove attaches a locally verified proof to res, or returns a *ProofError.
func (e *Engine) prove(ctx context.Context, res *domain.SettlementResult, bets []domain.Bet) error {
	fail := func(stage string, err error) error {
		return &domain.ProofError{MarketID: res.MarketID, Stage: stage, Err: err}
	}
	if e.prover == nil {
		return fail("prove", errors.New("no prover configured"))
	}

	if e.cfg.ProveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ProveTimeout)
		defer cancel()
	}

	start := time.Now()
	bundle, err := e.prover.Prove(ctx, proofInput(*res, bets))
	if err != nil {
		return fail("prove", err)
	}
	if err := e.prover.Verify(bundle); err != nil {
		return fail("verify", err)
	}
	e.metrics.ProofDuration.Observe(time.Since(start).Seconds())

	res.Proof = bundle
	return nil
}

// lookup checks memory, then the store.
func (e *Engine) lookup(ctx context.Context, marketID domain.MarketID) (domain.SettlementRecord, bool, error) {
	e.mu.RLock()
	rec, ok := e.cache[marketID]
	e.mu.RUnlock()
	if ok {
		return *rec, true, nil
	}
	if e.store == nil {
		return domain.SettlementRecord{}, false, nil
	}

	stored, err := e.store.Get(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SettlementRecord{}, false, nil
	}
	if err != nil {
		return domain.SettlementRecord{}, false, fmt.Errorf("settlement: load %s: %w", marketID, err)
	}

	e.mu.Lock()
	if existing, ok := e.cache[marketID]; ok {
		stored = *existing
	} else {
		e.cache[marketID] = &stored
	}
	e.mu.Unlock()
	return stored, true, nil
}

// Record returns the market's settlement record or ErrNotFound.
func (e *Engine) Record(ctx context.Context, marketID domain.MarketID) (domain.SettlementRecord, error) {
	rec, ok, err := e.lookup(ctx, marketID)
	if err != nil {
		return domain.SettlementRecord{}, err
	}
	if !ok {
		return domain.SettlementRecord{}, fmt.Errorf("settlement: market %s: %w", marketID, domain.ErrNotFound)
	}
	return rec, nil
}

// HasSettlement reports whether a result exists for the market.
func (e *Engine) HasSettlement(ctx context.Context, marketID domain.MarketID) (bool, error) {
	_, ok, err := e.lookup(ctx, marketID)
	return ok, err
}

// IsFinalized reports whether the market's settlement has been finalized.
func (e *Engine) IsFinalized(ctx context.Context, marketID domain.MarketID) (bool, error) {
	rec, ok, err := e.lookup(ctx, marketID)
	if err != nil || !ok {
		return false, err
	}
	return rec.Finalized, nil
}

// MarkFinalized records that funds for the market have moved. txHash is empty
// for settlements closed off-chain.
func (e *Engine) MarkFinalized(ctx context.Context, marketID domain.MarketID, txHash string) error {
	if _, ok, err := e.lookup(ctx, marketID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("settlement: finalize %s: %w", marketID, domain.ErrNotFound)
	}
	now := e.now().UTC()

	e.mu.Lock()
	rec := e.cache[marketID]
	rec.Finalized = true
	rec.TxHash = txHash
	rec.FinalizedAt = &now
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.MarkFinalized(ctx, marketID, txHash, now); err != nil {
			return fmt.Errorf("settlement: finalize %s: %w", marketID, err)
		}
	}
	return nil
}

// Records returns every cached record ordered by market id.
func (e *Engine) Records() []domain.SettlementRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.SettlementRecord, 0, len(e.cache))
	for _, rec := range e.cache {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Result.MarketID < out[j].Result.MarketID })
	return out
}
