package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Payout is one entry in a settlement's distribution list.
type Payout struct {
	Address common.Address `json:"address"`
	Amount  *uint256.Int   `json:"amount"`
}

// ProofBundle is a Groth16 proof in verifier-contract coordinate order.
// Field elements are decimal strings.
type ProofBundle struct {
	PA            [2]string    `json:"pA"`
	PB            [2][2]string `json:"pB"`
	PC            [2]string    `json:"pC"`
	PublicSignals [4]string    `json:"publicSignals"` // outcome, feeBps, totalPool, platformFee
}

// SettlementResult is computed once per market and never recomputed.
type SettlementResult struct {
	MarketID    MarketID     `json:"marketId"`
	Outcome     bool         `json:"outcome"`
	Payouts     []Payout     `json:"payouts"`
	PlatformFee *uint256.Int `json:"platformFee"`
	BaseFee     *uint256.Int `json:"baseFee"`
	Dust        *uint256.Int `json:"dust"`
	TotalPool   *uint256.Int `json:"totalPool"`
	WinnerPool  *uint256.Int `json:"winnerPool"`
	LoserPool   *uint256.Int `json:"loserPool"`
	FeeBps      uint64       `json:"feeBps"`
	Proof       *ProofBundle `json:"proof"`
	ProofError  string       `json:"proofError,omitempty"`
	SettledAt   time.Time    `json:"settledAt"`
}

// PayoutSum adds every payout amount.
func (r SettlementResult) PayoutSum() *uint256.Int {
	sum := new(uint256.Int)
	for _, p := range r.Payouts {
		sum.Add(sum, p.Amount)
	}
	return sum
}

// CheckConservation verifies sum(payouts) + platformFee == totalPool.
func (r SettlementResult) CheckConservation() error {
	sum := r.PayoutSum()
	total, overflow := new(uint256.Int).AddOverflow(sum, r.PlatformFee)
	if overflow || !total.Eq(r.TotalPool) {
		return &ConservationError{
			MarketID:    r.MarketID,
			PayoutSum:   sum.Dec(),
			PlatformFee: r.PlatformFee.Dec(),
			TotalPool:   r.TotalPool.Dec(),
		}
	}
	return nil
}

// NonZeroPayouts returns the recipients and amounts that receive funds.
func (r SettlementResult) NonZeroPayouts() ([]common.Address, []*uint256.Int) {
	var (
		recipients []common.Address
		amounts    []*uint256.Int
	)
	for _, p := range r.Payouts {
		if p.Amount == nil || p.Amount.IsZero() {
			continue
		}
		recipients = append(recipients, p.Address)
		amounts = append(amounts, p.Amount)
	}
	return recipients, amounts
}

// SettlementRecord is a result plus its finalization state.
type SettlementRecord struct {
	Result      SettlementResult `json:"settlement"`
	Finalized   bool             `json:"finalized"`
	TxHash      string           `json:"txHash,omitempty"`
	FinalizedAt *time.Time       `json:"finalizedAt,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a cached result.
func (r SettlementResult) Clone() SettlementResult {
	out := r
	out.Payouts = make([]Payout, len(r.Payouts))
	for i, p := range r.Payouts {
		out.Payouts[i] = Payout{Address: p.Address, Amount: cloneInt(p.Amount)}
	}
	out.PlatformFee = cloneInt(r.PlatformFee)
	out.BaseFee = cloneInt(r.BaseFee)
	out.Dust = cloneInt(r.Dust)
	out.TotalPool = cloneInt(r.TotalPool)
	out.WinnerPool = cloneInt(r.WinnerPool)
	out.LoserPool = cloneInt(r.LoserPool)
	if r.Proof != nil {
		p := *r.Proof
		out.Proof = &p
	}
	return out
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
