// Package zk defines the settlement circuit and a Groth16 prover over BN254.
//
// The circuit proves that a fixed-width list of hidden bets, settled against a
// public outcome and fee rate, yields payouts that sum with the public platform
// fee to the public total pool, with each winner paid stake plus the floored
// pro-rata share of the net loser pool and every loser paid zero.
package zk

import (
	"github.com/consensys/gnark/frontend"
)

const (
	// MaxBets is the number of bet slots in the circuit.
	MaxBets = 32
	// AmountBits bounds a single stake.
	AmountBits = 96
	// PoolBits bounds any sum of MaxBets stakes.
	PoolBits = AmountBits + 5
	// feeBits covers the basis-point denominator.
	feeBits = 14

	BpsDenominator = 10_000
)

// SettlementCircuit. Public inputs are declared first, in the order the
// verifier contract expects them.
type SettlementCircuit struct {
	Outcome     frontend.Variable `gnark:",public"`
	FeeBps      frontend.Variable `gnark:",public"`
	TotalPool   frontend.Variable `gnark:",public"`
	PlatformFee frontend.Variable `gnark:",public"`

	Active   [MaxBets]frontend.Variable
	IsYes    [MaxBets]frontend.Variable
	Amount   [MaxBets]frontend.Variable
	Payout   [MaxBets]frontend.Variable
	ShareRem [MaxBets]frontend.Variable

	BaseFee frontend.Variable
	FeeRem  frontend.Variable
}

// Define declares the constraints.
func (c *SettlementCircuit) Define(api frontend.API) error {
	api.AssertIsBoolean(c.Outcome)
	api.ToBinary(api.Sub(BpsDenominator, c.FeeBps), feeBits)

	var (
		win        [MaxBets]frontend.Variable
		pool       frontend.Variable = 0
		winnerPool frontend.Variable = 0
	)
	for i := 0; i < MaxBets; i++ {
		api.AssertIsBoolean(c.Active[i])
		api.AssertIsBoolean(c.IsYes[i])
		api.ToBinary(c.Amount[i], AmountBits)

		// Inactive slots carry nothing.
		api.AssertIsEqual(api.Mul(api.Sub(1, c.Active[i]), c.Amount[i]), 0)

		mismatch := api.Xor(c.IsYes[i], c.Outcome)
		win[i] = api.Mul(c.Active[i], api.Sub(1, mismatch))

		pool = api.Add(pool, c.Amount[i])
		winnerPool = api.Add(winnerPool, api.Mul(win[i], c.Amount[i]))
	}
	api.AssertIsEqual(pool, c.TotalPool)
	api.AssertIsDifferent(winnerPool, 0)

	loserPool := api.Sub(pool, winnerPool)

	// loserPool * feeBps = baseFee * 10000 + feeRem, 0 <= feeRem < 10000
	api.ToBinary(c.BaseFee, PoolBits)
	api.ToBinary(api.Sub(BpsDenominator-1, c.FeeRem), feeBits)
	api.AssertIsEqual(
		api.Mul(loserPool, c.FeeBps),
		api.Add(api.Mul(c.BaseFee, BpsDenominator), c.FeeRem),
	)

	net := api.Sub(loserPool, c.BaseFee)
	api.ToBinary(net, PoolBits)

	var paid frontend.Variable = 0
	for i := 0; i < MaxBets; i++ {
		lose := api.Sub(1, win[i])
		bonus := api.Sub(c.Payout[i], c.Amount[i])

		// Losers and empty slots are paid nothing and carry no remainder.
		api.AssertIsEqual(api.Mul(lose, c.Payout[i]), 0)
		api.AssertIsEqual(api.Mul(lose, c.ShareRem[i]), 0)

		// Winners: bonus * winnerPool + rem = stake * net, 0 <= rem < winnerPool.
		api.ToBinary(api.Mul(win[i], bonus), PoolBits)
		api.ToBinary(api.Mul(win[i], api.Sub(api.Sub(winnerPool, 1), c.ShareRem[i])), PoolBits)
		api.AssertIsEqual(
			api.Mul(win[i], api.Add(api.Mul(bonus, winnerPool), c.ShareRem[i])),
			api.Mul(win[i], api.Mul(c.Amount[i], net)),
		)

		paid = api.Add(paid, c.Payout[i])
	}

	api.AssertIsEqual(api.Add(paid, c.PlatformFee), c.TotalPool)
	return nil
}
