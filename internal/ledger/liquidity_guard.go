package ledger

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LiquidityGuard tracks, per bettor, the amount locked in each unresolved
// market. It is advisory bookkeeping consulted before a bet is accepted and
// never touches chain or channel state.
type LiquidityGuard struct {
	mu    sync.Mutex
	locks map[common.Address]map[domain.MarketID]*uint256.Int
}

// NewLiquidityGuard creates an empty guard.
func NewLiquidityGuard() *LiquidityGuard {
	return &LiquidityGuard{locks: make(map[common.Address]map[domain.MarketID]*uint256.Int)}
}

// CanPlaceBet reports whether available - sum(locks) >= requested.
func (g *LiquidityGuard) CanPlaceBet(bettor common.Address, available, requested *uint256.Int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fits(g.lockedLocked(bettor, ""), available, requested)
}

// LockBet sets the bettor's lock on a market, overwriting any earlier lock.
func (g *LiquidityGuard) LockBet(bettor common.Address, marketID domain.MarketID, amount *uint256.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(bettor, marketID, amount)
}

// Reserve checks and locks in one step. The bettor's existing lock on the same
// market is excluded from the check since the new bet replaces it. The
// returned undo restores the previous lock.
func (g *LiquidityGuard) Reserve(bettor common.Address, marketID domain.MarketID, available, amount *uint256.Int) (undo func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	locked := g.lockedLocked(bettor, marketID)
	if !fits(locked, available, amount) {
		return nil, fmt.Errorf("ledger: bettor %s: locked %s + requested %s > available %s: %w",
			bettor.Hex(), locked.Dec(), amount.Dec(), available.Dec(), domain.ErrInsufficientLiquidity)
	}

	var prev *uint256.Int
	if m, ok := g.locks[bettor]; ok {
		if p, ok := m[marketID]; ok {
			prev = new(uint256.Int).Set(p)
		}
	}
	g.setLocked(bettor, marketID, amount)

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if prev == nil {
			g.deleteLocked(bettor, marketID)
			return
		}
		g.setLocked(bettor, marketID, prev)
	}, nil
}

// UnlockMarket releases the market's lock for every bettor and returns how
// many locks were released.
func (g *LiquidityGuard) UnlockMarket(marketID domain.MarketID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	released := 0
	for bettor, m := range g.locks {
		if _, ok := m[marketID]; ok {
			released++
			g.deleteLocked(bettor, marketID)
		}
	}
	return released
}

// Locked returns the bettor's total locked amount.
func (g *LiquidityGuard) Locked(bettor common.Address) *uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockedLocked(bettor, "")
}

// LockedFor returns the bettor's lock on one market.
func (g *LiquidityGuard) LockedFor(bettor common.Address, marketID domain.MarketID) *uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.locks[bettor]; ok {
		if v, ok := m[marketID]; ok {
			return new(uint256.Int).Set(v)
		}
	}
	return new(uint256.Int)
}

// lockedLocked sums the bettor's locks, skipping exclude. Caller holds mu.
// The sum saturates rather than wraps.
func (g *LiquidityGuard) lockedLocked(bettor common.Address, exclude domain.MarketID) *uint256.Int {
	sum := new(uint256.Int)
	for id, v := range g.locks[bettor] {
		if id == exclude {
			continue
		}
		if _, overflow := sum.AddOverflow(sum, v); overflow {
			return new(uint256.Int).SetAllOne()
		}
	}
	return sum
}

func (g *LiquidityGuard) setLocked(bettor common.Address, marketID domain.MarketID, amount *uint256.Int) {
	m, ok := g.locks[bettor]
	if !ok {
		m = make(map[domain.MarketID]*uint256.Int)
		g.locks[bettor] = m
	}
	m[marketID] = new(uint256.Int).Set(amount)
}

func (g *LiquidityGuard) deleteLocked(bettor common.Address, marketID domain.MarketID) {
	m := g.locks[bettor]
	delete(m, marketID)
	if len(m) == 0 {
		delete(g.locks, bettor)
	}
}

// fits reports locked + requested <= available without wrapping.
func fits(locked, available, requested *uint256.Int) bool {
	if available == nil || requested == nil {
		return false
	}
	total, overflow := new(uint256.Int).AddOverflow(locked, requested)
	return !overflow && !total.Gt(available)
}
