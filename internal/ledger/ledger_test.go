package ledger

import (
	"io"
	"math/big"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/zk"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	charlie = common.HexToAddress("0x00000000000000000000000000000000000c4a21")
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func bet(market domain.MarketID, who common.Address, yes bool, amount uint64) domain.Bet {
	return domain.Bet{MarketID: market, Bettor: who, IsYes: yes, Amount: uint256.NewInt(amount), ReceivedAt: time.Now()}
}

func TestBetLedgerReplacesDuplicate(t *testing.T) {
	l := NewBetLedger(testLogger())

	replaced, err := l.AddBet(bet("1", alice, true, 100))
	require.NoError(t, err)
	assert.False(t, replaced)
	_, err = l.AddBet(bet("1", bob, false, 200))
	require.NoError(t, err)

	replaced, err = l.AddBet(bet("1", alice, false, 50))
	require.NoError(t, err)
	assert.True(t, replaced)

	bets := l.GetBets("1")
	require.Len(t, bets, 2)
	assert.Equal(t, alice, bets[0].Bettor)
	assert.False(t, bets[0].IsYes)
	assert.Equal(t, uint64(50), bets[0].Amount.Uint64())
	assert.Equal(t, 2, l.BetCount("1"))
}

func TestBetLedgerSequenceGuard(t *testing.T) {
	l := NewBetLedger(testLogger())

	b := bet("7", alice, true, 10)
	b.Seq = 5
	_, err := l.AddBet(b)
	require.NoError(t, err)

	older := bet("7", alice, false, 99)
	older.Seq = 4
	_, err = l.AddBet(older)
	assert.ErrorIs(t, err, domain.ErrStaleBet)

	got, ok := l.Get("7", alice)
	require.True(t, ok)
	assert.True(t, got.IsYes)

	newer := bet("7", alice, false, 20)
	newer.Seq = 6
	replaced, err := l.AddBet(newer)
	require.NoError(t, err)
	assert.True(t, replaced)

	// Unsequenced bets keep last-write-wins.
	_, err = l.AddBet(bet("7", alice, true, 30))
	require.NoError(t, err)
	got, _ = l.Get("7", alice)
	assert.Equal(t, uint64(30), got.Amount.Uint64())
}

func TestBetLedgerReturnsCopies(t *testing.T) {
	l := NewBetLedger(testLogger())
	_, err := l.AddBet(bet("1", alice, true, 100))
	require.NoError(t, err)

	bets := l.GetBets("1")
	bets[0].Amount.SetUint64(1)

	assert.Equal(t, uint64(100), l.GetBets("1")[0].Amount.Uint64())
}

func TestBetLedgerMarkets(t *testing.T) {
	l := NewBetLedger(testLogger())
	for _, b := range []domain.Bet{bet("2", alice, true, 1), bet("10", bob, true, 1), bet("2", bob, false, 1)} {
		_, err := l.AddBet(b)
		require.NoError(t, err)
	}

	assert.Equal(t, []domain.MarketID{"10", "2"}, l.MarketIDs())
	assert.Equal(t, map[domain.MarketID]int{"2": 2, "10": 1}, l.Counts())

	l.Remove("2")
	assert.Equal(t, 0, l.BetCount("2"))
	assert.Nil(t, l.GetBets("2"))
}

func TestBetLedgerCapsBettors(t *testing.T) {
	l := NewBetLedger(testLogger())
	for i := 0; i < MaxBets; i++ {
		_, err := l.AddBet(bet("1", common.BigToAddress(big.NewInt(int64(i+1))), true, 10))
		require.NoError(t, err)
	}

	_, err := l.AddBet(bet("1", common.BigToAddress(big.NewInt(1000)), true, 10))
	assert.ErrorIs(t, err, domain.ErrTooManyBets)
	assert.Equal(t, MaxBets, l.BetCount("1"))

	replaced, err := l.AddBet(bet("1", common.BigToAddress(big.NewInt(1)), false, 99))
	require.NoError(t, err)
	assert.True(t, replaced)

	_, err = l.AddBet(bet("2", alice, true, 10))
	assert.NoError(t, err, "cap is per market")
	assert.Equal(t, zk.MaxBets, MaxBets)
}

func TestBetLedgerSeal(t *testing.T) {
	l := NewBetLedger(testLogger())
	_, err := l.AddBet(bet("1", alice, true, 100))
	require.NoError(t, err)

	snap := l.Seal("1")
	require.Len(t, snap, 1)
	assert.True(t, l.Sealed("1"))

	_, err = l.AddBet(bet("1", bob, false, 50))
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
	_, err = l.AddBet(bet("1", alice, false, 10))
	assert.ErrorIs(t, err, domain.ErrMarketClosed, "replacements are closed too")

	l.Remove("1")
	_, err = l.AddBet(bet("1", bob, false, 50))
	assert.ErrorIs(t, err, domain.ErrMarketClosed, "removal keeps the seal")

	l.Unseal("1")
	_, err = l.AddBet(bet("1", bob, false, 50))
	assert.NoError(t, err)
}

func TestLiquidityGuardCanPlaceBet(t *testing.T) {
	tests := []struct {
		name      string
		locks     map[domain.MarketID]uint64
		available uint64
		requested uint64
		want      bool
	}{
		{"no locks exact", nil, 100, 100, true},
		{"no locks over", nil, 100, 101, false},
		{"with locks fits", map[domain.MarketID]uint64{"1": 40, "2": 30}, 100, 30, true},
		{"with locks over", map[domain.MarketID]uint64{"1": 40, "2": 30}, 100, 31, false},
		{"locks exceed balance", map[domain.MarketID]uint64{"1": 150}, 100, 1, false},
		{"zero request", map[domain.MarketID]uint64{"1": 100}, 100, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewLiquidityGuard()
			for m, v := range tt.locks {
				g.LockBet(alice, m, uint256.NewInt(v))
			}
			assert.Equal(t, tt.want, g.CanPlaceBet(alice, uint256.NewInt(tt.available), uint256.NewInt(tt.requested)))
		})
	}
}

func TestLiquidityGuardOverflowSafe(t *testing.T) {
	g := NewLiquidityGuard()
	max := new(uint256.Int).SetAllOne()
	g.LockBet(alice, "1", max)
	g.LockBet(alice, "2", max)

	assert.False(t, g.CanPlaceBet(alice, max, uint256.NewInt(1)))
	assert.True(t, g.Locked(alice).Eq(max))
}

func TestLiquidityGuardLockOverwritesAndUnlock(t *testing.T) {
	g := NewLiquidityGuard()
	g.LockBet(alice, "1", uint256.NewInt(40))
	g.LockBet(alice, "1", uint256.NewInt(60))
	g.LockBet(alice, "2", uint256.NewInt(25))
	g.LockBet(bob, "1", uint256.NewInt(10))

	assert.Equal(t, uint64(85), g.Locked(alice).Uint64())

	before := g.Locked(alice).Uint64()
	marketLock := g.LockedFor(alice, "1").Uint64()
	assert.Equal(t, 2, g.UnlockMarket("1"))
	assert.Equal(t, before-marketLock, g.Locked(alice).Uint64())
	assert.True(t, g.Locked(bob).IsZero())
	assert.Equal(t, 0, g.UnlockMarket("1"))
}

func TestLiquidityGuardReserve(t *testing.T) {
	g := NewLiquidityGuard()
	avail := uint256.NewInt(100)

	undo, err := g.Reserve(alice, "1", avail, uint256.NewInt(80))
	require.NoError(t, err)
	require.NotNil(t, undo)

	// Replacing the same market's bet excludes its own lock.
	_, err = g.Reserve(alice, "1", avail, uint256.NewInt(100))
	require.NoError(t, err)

	_, err = g.Reserve(alice, "2", avail, uint256.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	undo2, err := g.Reserve(charlie, "1", avail, uint256.NewInt(5))
	require.NoError(t, err)
	undo2()
	assert.True(t, g.LockedFor(charlie, "1").IsZero())

	undo3, err := g.Reserve(alice, "1", avail, uint256.NewInt(10))
	require.NoError(t, err)
	undo3()
	assert.Equal(t, uint64(100), g.LockedFor(alice, "1").Uint64())
}
