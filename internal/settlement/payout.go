// Package settlement turns a resolved market's bets into payouts and a proof
// that they were computed correctly.
package settlement

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/zk"
	"github.com/holiman/uint256"
)

// ComputePayouts applies the payout rule to bets. It performs no proving and
// no caching.
//
// Winners receive stake + floor(stake * net / winnerPool), where
// net = loserPool - floor(loserPool * feeBps / 10000). The flooring remainder
// is added to the platform fee so payouts plus fee equal the pool exactly.
// With no winning stake every bettor is refunded and the fee is zero.
func ComputePayouts(marketID domain.MarketID, bets []domain.Bet, outcome bool, feeBps uint64, now time.Time) (domain.SettlementResult, error) {
	if len(bets) == 0 {
		return domain.SettlementResult{}, fmt.Errorf("settlement: market %s: %w", marketID, domain.ErrNoBets)
	}
	if len(bets) > zk.MaxBets {
		return domain.SettlementResult{}, fmt.Errorf("settlement: market %s: %d bets > %d: %w",
			marketID, len(bets), zk.MaxBets, domain.ErrTooManyBets)
	}
	if feeBps > zk.BpsDenominator {
		return domain.SettlementResult{}, fmt.Errorf("settlement: fee %d bps exceeds %d", feeBps, zk.BpsDenominator)
	}

	winnerPool, loserPool := new(uint256.Int), new(uint256.Int)
	for _, b := range bets {
		pool := loserPool
		if b.IsYes == outcome {
			pool = winnerPool
		}
		if _, overflow := pool.AddOverflow(pool, b.Amount); overflow {
			return domain.SettlementResult{}, fmt.Errorf("settlement: market %s: pool overflow", marketID)
		}
	}
	totalPool, overflow := new(uint256.Int).AddOverflow(winnerPool, loserPool)
	if overflow {
		return domain.SettlementResult{}, fmt.Errorf("settlement: market %s: pool overflow", marketID)
	}

	res := domain.SettlementResult{
		MarketID:    marketID,
		Outcome:     outcome,
		Payouts:     make([]domain.Payout, 0, len(bets)),
		PlatformFee: new(uint256.Int),
		BaseFee:     new(uint256.Int),
		Dust:        new(uint256.Int),
		TotalPool:   totalPool,
		WinnerPool:  winnerPool,
		LoserPool:   loserPool,
		FeeBps:      feeBps,
		SettledAt:   now.UTC(),
	}

	if winnerPool.IsZero() {
		for _, b := range bets {
			res.Payouts = append(res.Payouts, domain.Payout{Address: b.Bettor, Amount: new(uint256.Int).Set(b.Amount)})
		}
		return res, nil
	}

	// MulDivOverflow keeps the full 512-bit product. Neither quotient can
	// exceed its first operand, so the overflow flags are always false.
	baseFee, _ := new(uint256.Int).MulDivOverflow(loserPool, uint256.NewInt(feeBps), uint256.NewInt(zk.BpsDenominator))
	net := new(uint256.Int).Sub(loserPool, baseFee)

	bonusSum := new(uint256.Int)
	for _, b := range bets {
		amount := new(uint256.Int)
		if b.IsYes == outcome {
			bonus, _ := new(uint256.Int).MulDivOverflow(b.Amount, net, winnerPool)
			bonusSum.Add(bonusSum, bonus)
			amount.Add(b.Amount, bonus)
		}
		res.Payouts = append(res.Payouts, domain.Payout{Address: b.Bettor, Amount: amount})
	}

	res.BaseFee = baseFee
	res.Dust = new(uint256.Int).Sub(net, bonusSum)
	res.PlatformFee = new(uint256.Int).Add(baseFee, res.Dust)
	return res, nil
}

// proofInput converts a computed result and its bets into prover input.
func proofInput(res domain.SettlementResult, bets []domain.Bet) zk.Input {
	in := zk.Input{
		Outcome:     res.Outcome,
		FeeBps:      res.FeeBps,
		TotalPool:   res.TotalPool.ToBig(),
		PlatformFee: res.PlatformFee.ToBig(),
		BaseFee:     res.BaseFee.ToBig(),
		Slots:       make([]zk.Slot, 0, len(bets)),
	}
	for i, b := range bets {
		in.Slots = append(in.Slots, zk.Slot{
			IsYes:  b.IsYes,
			Amount: b.Amount.ToBig(),
			Payout: res.Payouts[i].Amount.ToBig(),
		})
	}
	return in
}
