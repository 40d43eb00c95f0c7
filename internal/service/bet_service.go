package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/ledger"
	"github.com/alanyoungcy/shadowsettle/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BetDecrypter opens frames sealed to the engine key.
type BetDecrypter interface {
	DecryptBet(frame []byte) ([]byte, error)
}

// BalanceSource reports a bettor's available off-chain balance.
type BalanceSource interface {
	LedgerBalance(ctx context.Context, participant common.Address) (*uint256.Int, error)
}

// MarketChecker reports whether a market still accepts bets.
type MarketChecker interface {
	IsMarketOpen(ctx context.Context, marketID domain.MarketID) (bool, error)
}

// SettlementChecker reports whether a market already has a result.
type SettlementChecker interface {
	HasSettlement(ctx context.Context, marketID domain.MarketID) (bool, error)
}

// BetOption configures optional BetService collaborators.
type BetOption func(*BetService)

// WithMarketChecker rejects bets for markets the chain reports closed.
func WithMarketChecker(c MarketChecker) BetOption { return func(s *BetService) { s.markets = c } }

// WithSettlementChecker rejects bets for markets already settled.
func WithSettlementChecker(c SettlementChecker) BetOption {
	return func(s *BetService) { s.settled = c }
}

// WithBalanceSource enables the liquidity check against live balances.
func WithBalanceSource(b BalanceSource) BetOption { return func(s *BetService) { s.balances = b } }

// WithBetStore persists accepted frames.
func WithBetStore(st domain.BetStore) BetOption { return func(s *BetService) { s.store = st } }

// WithSignalBus publishes bet_accepted events.
func WithSignalBus(bus domain.SignalBus) BetOption { return func(s *BetService) { s.bus = bus } }

// BetService is the single acceptance path for sealed bets.
type BetService struct {
	keys     BetDecrypter
	ledger   *ledger.BetLedger
	guard    *ledger.LiquidityGuard
	balances BalanceSource
	markets  MarketChecker
	settled  SettlementChecker
	store    domain.BetStore
	bus      domain.SignalBus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// mu makes the liquidity reservation and ledger write one step. The
	// ledger's seal closes the window between the settled check and AddBet.
	mu sync.Mutex
}

// NewBetService wires the acceptance pipeline. Without a BalanceSource every
// bettor's balance is treated as unbounded; locks are still recorded.
func NewBetService(
	keys BetDecrypter,
	bets *ledger.BetLedger,
	guard *ledger.LiquidityGuard,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...BetOption,
) *BetService {
	if m == nil {
		m = metrics.New()
	}
	s := &BetService{
		keys:    keys,
		ledger:  bets,
		guard:   guard,
		metrics: m,
		logger:  logger.With(slog.String("component", "bet_service")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept decrypts, validates and records a bet. The returned bet is the
// decrypted ledger entry; callers must not echo its direction or amount.
func (s *BetService) Accept(ctx context.Context, sub domain.BetSubmission) (domain.Bet, error) {
	bet, err := s.open(sub)
	if err != nil {
		return domain.Bet{}, err
	}

	if s.ledger.Sealed(bet.MarketID) {
		s.reject("settled")
		return domain.Bet{}, fmt.Errorf("service/bets: market %s is settling: %w", bet.MarketID, domain.ErrMarketClosed)
	}
	if s.settled != nil {
		done, err := s.settled.HasSettlement(ctx, bet.MarketID)
		if err != nil {
			return domain.Bet{}, fmt.Errorf("service/bets: settlement check: %w", err)
		}
		if done {
			s.reject("settled")
			return domain.Bet{}, fmt.Errorf("service/bets: market %s already settled: %w", bet.MarketID, domain.ErrMarketClosed)
		}
	}
	if s.markets != nil {
		open, err := s.markets.IsMarketOpen(ctx, bet.MarketID)
		if err != nil {
			s.reject("market_check")
			return domain.Bet{}, fmt.Errorf("service/bets: market check: %w", err)
		}
		if !open {
			s.reject("closed")
			return domain.Bet{}, fmt.Errorf("service/bets: market %s: %w", bet.MarketID, domain.ErrMarketClosed)
		}
	}

	available := new(uint256.Int).SetAllOne()
	if s.balances != nil {
		available, err = s.balances.LedgerBalance(ctx, bet.Bettor)
		if err != nil {
			s.reject("balance")
			return domain.Bet{}, fmt.Errorf("service/bets: balance for %s: %w", bet.Bettor.Hex(), err)
		}
	}

	s.mu.Lock()
	undo, err := s.guard.Reserve(bet.Bettor, bet.MarketID, available, bet.Amount)
	if err != nil {
		s.mu.Unlock()
		s.reject("liquidity")
		return domain.Bet{}, fmt.Errorf("service/bets: %w", err)
	}
	replaced, err := s.ledger.AddBet(bet)
	if err != nil {
		undo()
		s.mu.Unlock()
		switch {
		case errors.Is(err, domain.ErrStaleBet):
			s.reject("stale")
		case errors.Is(err, domain.ErrMarketClosed):
			s.reject("settled")
		case errors.Is(err, domain.ErrTooManyBets):
			s.reject("market_full")
		default:
			s.reject("invalid")
		}
		return domain.Bet{}, fmt.Errorf("service/bets: %w", err)
	}
	s.mu.Unlock()

	if replaced {
		s.metrics.BetsReplaced.Inc()
	}
	s.metrics.BetsAccepted.Inc()

	if s.store != nil {
		rec := domain.BetRecord{
			MarketID:   bet.MarketID,
			Bettor:     bet.Bettor,
			Frame:      sub.Frame,
			Seq:        bet.Seq,
			ReceivedAt: bet.ReceivedAt,
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "bet persist failed",
				slog.String("market_id", bet.MarketID.String()),
				slog.String("bettor", bet.Bettor.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, bet)
	s.logger.InfoContext(ctx, "bet accepted",
		slog.String("market_id", bet.MarketID.String()),
		slog.String("bettor", bet.Bettor.Hex()),
		slog.Bool("replaced", replaced),
		slog.String("session_id", sub.SessionID),
	)
	return bet, nil
}

// open decrypts and validates a submission without touching any state.
func (s *BetService) open(sub domain.BetSubmission) (domain.Bet, error) {
	plain, err := s.keys.DecryptBet(sub.Frame)
	if err != nil {
		s.metrics.DecryptFailures.Inc()
		s.reject("decrypt")
		return domain.Bet{}, fmt.Errorf("service/bets: %w", err)
	}

	var p domain.BetPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		s.reject("invalid")
		return domain.Bet{}, fmt.Errorf("service/bets: %w: payload: %v", domain.ErrInvalidBet, err)
	}
	if err := p.Validate(); err != nil {
		s.reject("invalid")
		return domain.Bet{}, fmt.Errorf("service/bets: %w", err)
	}
	if sub.MarketID != "" && sub.MarketID != p.MarketID {
		s.reject("invalid")
		return domain.Bet{}, fmt.Errorf("service/bets: %w: envelope market %s, payload market %s",
			domain.ErrInvalidBet, sub.MarketID, p.MarketID)
	}

	bet := p.ToBet(s.now().UTC())
	if len(sub.Participants) > 0 && !containsAddress(sub.Participants, bet.Bettor) {
		s.reject("invalid")
		return domain.Bet{}, fmt.Errorf("service/bets: %w: bettor %s is not a session participant",
			domain.ErrInvalidBet, bet.Bettor.Hex())
	}
	return bet, nil
}

// Restore replays persisted frames for markets that are not finalized.
// Frames that no longer decrypt or validate are skipped.
func (s *BetService) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("service/bets: restore: %w", err)
	}

	restored := 0
	for _, rec := range records {
		bet, err := s.open(domain.BetSubmission{MarketID: rec.MarketID, Frame: rec.Frame})
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unrestorable bet",
				slog.String("market_id", rec.MarketID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		bet.ReceivedAt = rec.ReceivedAt
		if _, err := s.ledger.AddBet(bet); err != nil {
			s.logger.WarnContext(ctx, "skipping restored bet",
				slog.String("market_id", rec.MarketID.String()),
				slog.String("bettor", bet.Bettor.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.guard.LockBet(bet.Bettor, bet.MarketID, bet.Amount)
		restored++
	}
	s.logger.InfoContext(ctx, "bets restored", slog.Int("count", restored), slog.Int("records", len(records)))
	return restored, nil
}

func (s *BetService) publish(ctx context.Context, bet domain.Bet) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.EngineEvent{
		Type:      "bet_accepted",
		MarketID:  bet.MarketID,
		Bettor:    bet.Bettor.Hex(),
		BetCount:  s.ledger.BetCount(bet.MarketID),
		Timestamp: bet.ReceivedAt,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelBetAccepted, payload); err != nil {
		s.logger.DebugContext(ctx, "bet event publish failed", slog.String("error", err.Error()))
	}
}

func (s *BetService) reject(reason string) {
	s.metrics.BetsRejected.WithLabelValues(reason).Inc()
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
