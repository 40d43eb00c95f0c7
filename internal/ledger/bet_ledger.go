// Package ledger keeps the engine's in-memory view of decrypted bets and the
// shadow balances they commit.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxBets is the number of distinct bettors one market can hold. It equals
// the proof circuit's slot count.
const MaxBets = 32

// marketBets keeps one bet per bettor in first-seen order.
type marketBets struct {
	order []common.Address
	bets  map[common.Address]domain.Bet
}

// BetLedger stores at most one live bet per (market, bettor). A later bet
// from the same bettor replaces the earlier one in place. A sealed market
// accepts no further bets; sealing and the bet snapshot happen under one
// lock, so a bet is either in the snapshot or rejected.
type BetLedger struct {
	mu      sync.RWMutex
	markets map[domain.MarketID]*marketBets
	sealed  map[domain.MarketID]struct{}
	logger  *slog.Logger
}

// NewBetLedger creates an empty ledger.
func NewBetLedger(logger *slog.Logger) *BetLedger {
	return &BetLedger{
		markets: make(map[domain.MarketID]*marketBets),
		sealed:  make(map[domain.MarketID]struct{}),
		logger:  logger.With(slog.String("component", "bet_ledger")),
	}
}

// AddBet inserts or replaces the bettor's bet on the market and reports
// whether an earlier bet was replaced. When both bets carry a sequence number
// an older one is rejected with ErrStaleBet. Bets on a sealed market fail with
// ErrMarketClosed, and a new bettor beyond MaxBets fails with ErrTooManyBets.
func (l *BetLedger) AddBet(bet domain.Bet) (replaced bool, err error) {
	if bet.Amount == nil {
		return false, fmt.Errorf("ledger: %w: nil amount", domain.ErrInvalidBet)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sealed[bet.MarketID]; ok {
		return false, fmt.Errorf("ledger: market %s is settling: %w", bet.MarketID, domain.ErrMarketClosed)
	}

	mb, ok := l.markets[bet.MarketID]
	if !ok {
		mb = &marketBets{bets: make(map[common.Address]domain.Bet)}
		l.markets[bet.MarketID] = mb
	}

	prev, exists := mb.bets[bet.Bettor]
	if exists && prev.Seq > 0 && bet.Seq > 0 && bet.Seq < prev.Seq {
		return false, fmt.Errorf("ledger: market %s bettor %s: seq %d < %d: %w",
			bet.MarketID, bet.Bettor.Hex(), bet.Seq, prev.Seq, domain.ErrStaleBet)
	}
	if !exists && len(mb.order) >= MaxBets {
		return false, fmt.Errorf("ledger: market %s holds %d bettors: %w",
			bet.MarketID, len(mb.order), domain.ErrTooManyBets)
	}

	bet.Amount = new(uint256.Int).Set(bet.Amount)
	mb.bets[bet.Bettor] = bet
	if exists {
		l.logger.Info("duplicate bet replaced",
			slog.String("market_id", bet.MarketID.String()),
			slog.String("bettor", bet.Bettor.Hex()),
		)
		return true, nil
	}
	mb.order = append(mb.order, bet.Bettor)
	return false, nil
}

// GetBets returns copies of the market's bets in first-seen order.
func (l *BetLedger) GetBets(marketID domain.MarketID) []domain.Bet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot(marketID)
}

// Seal closes the market to new bets and returns its bets as of that moment.
func (l *BetLedger) Seal(marketID domain.MarketID) []domain.Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed[marketID] = struct{}{}
	return l.snapshot(marketID)
}

// Unseal reopens a market whose settlement attempt produced no result.
func (l *BetLedger) Unseal(marketID domain.MarketID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sealed, marketID)
}

// Sealed reports whether the market has stopped accepting bets.
func (l *BetLedger) Sealed(marketID domain.MarketID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sealed[marketID]
	return ok
}

func (l *BetLedger) snapshot(marketID domain.MarketID) []domain.Bet {
	mb, ok := l.markets[marketID]
	if !ok {
		return nil
	}
	out := make([]domain.Bet, 0, len(mb.order))
	for _, addr := range mb.order {
		b := mb.bets[addr]
		b.Amount = new(uint256.Int).Set(b.Amount)
		out = append(out, b)
	}
	return out
}

// Get returns the bettor's live bet on a market.
func (l *BetLedger) Get(marketID domain.MarketID, bettor common.Address) (domain.Bet, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mb, ok := l.markets[marketID]
	if !ok {
		return domain.Bet{}, false
	}
	b, ok := mb.bets[bettor]
	return b, ok
}

// BetCount returns the number of live bets on a market.
func (l *BetLedger) BetCount(marketID domain.MarketID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if mb, ok := l.markets[marketID]; ok {
		return len(mb.order)
	}
	return 0
}

// MarketIDs returns every market with at least one bet, sorted.
func (l *BetLedger) MarketIDs() []domain.MarketID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]domain.MarketID, 0, len(l.markets))
	for id := range l.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Counts returns the bet count per market.
func (l *BetLedger) Counts() map[domain.MarketID]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[domain.MarketID]int, len(l.markets))
	for id, mb := range l.markets {
		out[id] = len(mb.order)
	}
	return out
}

// Remove drops a finalized market's bets. The market stays sealed.
func (l *BetLedger) Remove(marketID domain.MarketID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.markets, marketID)
}
