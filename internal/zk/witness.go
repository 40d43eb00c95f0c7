package zk

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark/frontend"
)

// Slot is one bet as the prover sees it.
type Slot struct {
	IsYes  bool
	Amount *big.Int
	Payout *big.Int
}

// Input is everything needed to build a full witness.
type Input struct {
	Outcome     bool
	FeeBps      uint64
	TotalPool   *big.Int
	PlatformFee *big.Int
	BaseFee     *big.Int
	Slots       []Slot
}

var (
	errTooManySlots  = errors.New("zk: more bets than circuit slots")
	errAmountRange   = errors.New("zk: stake exceeds circuit range")
	errNoWinner      = errors.New("zk: winner pool is zero")
	errMissingValues = errors.New("zk: incomplete input")
)

// Assignment pads the input to MaxBets slots and derives the private
// remainders the circuit needs.
func Assignment(in Input) (*SettlementCircuit, error) {
	if len(in.Slots) > MaxBets {
		return nil, fmt.Errorf("%w: %d > %d", errTooManySlots, len(in.Slots), MaxBets)
	}
	if in.TotalPool == nil || in.PlatformFee == nil || in.BaseFee == nil {
		return nil, errMissingValues
	}

	limit := new(big.Int).Lsh(big.NewInt(1), AmountBits)
	winnerPool, loserPool := new(big.Int), new(big.Int)
	for i, s := range in.Slots {
		if s.Amount == nil || s.Payout == nil {
			return nil, fmt.Errorf("%w: slot %d", errMissingValues, i)
		}
		if s.Amount.Sign() < 0 || s.Amount.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("%w: slot %d", errAmountRange, i)
		}
		if s.IsYes == in.Outcome {
			winnerPool.Add(winnerPool, s.Amount)
		} else {
			loserPool.Add(loserPool, s.Amount)
		}
	}
	if winnerPool.Sign() == 0 {
		return nil, errNoWinner
	}

	feeRem := new(big.Int).Mul(loserPool, new(big.Int).SetUint64(in.FeeBps))
	feeRem.Mod(feeRem, big.NewInt(BpsDenominator))
	net := new(big.Int).Sub(loserPool, in.BaseFee)

	c := &SettlementCircuit{
		Outcome:     boolVar(in.Outcome),
		FeeBps:      in.FeeBps,
		TotalPool:   new(big.Int).Set(in.TotalPool),
		PlatformFee: new(big.Int).Set(in.PlatformFee),
		BaseFee:     new(big.Int).Set(in.BaseFee),
		FeeRem:      feeRem,
	}
	for i := 0; i < MaxBets; i++ {
		if i >= len(in.Slots) {
			c.Active[i], c.IsYes[i], c.Amount[i], c.Payout[i], c.ShareRem[i] = 0, 0, 0, 0, 0
			continue
		}
		s := in.Slots[i]
		c.Active[i] = 1
		c.IsYes[i] = boolVar(s.IsYes)
		c.Amount[i] = new(big.Int).Set(s.Amount)
		c.Payout[i] = new(big.Int).Set(s.Payout)
		c.ShareRem[i] = 0
		if s.IsYes == in.Outcome {
			rem := new(big.Int).Mul(s.Amount, net)
			c.ShareRem[i] = rem.Mod(rem, winnerPool)
		}
	}
	return c, nil
}

// PublicAssignment carries only the four public signals.
func PublicAssignment(outcome bool, feeBps uint64, totalPool, platformFee *big.Int) *SettlementCircuit {
	return &SettlementCircuit{
		Outcome:     boolVar(outcome),
		FeeBps:      feeBps,
		TotalPool:   totalPool,
		PlatformFee: platformFee,
	}
}

func boolVar(b bool) frontend.Variable {
	if b {
		return 1
	}
	return 0
}
