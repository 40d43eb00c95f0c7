package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// MarketID is the canonical decimal form of an on-chain uint256 market id.
type MarketID string

// ParseMarketID accepts a decimal or 0x-prefixed hex id and returns its
// canonical decimal form.
func ParseMarketID(s string) (MarketID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty market id", ErrInvalidBet)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		if v, err = uint256.FromHex(s); err != nil {
			return "", fmt.Errorf("%w: market id %q", ErrInvalidBet, s)
		}
	}
	return MarketID(v.Dec()), nil
}

// Big returns the id as a big.Int for ABI encoding.
func (m MarketID) Big() *big.Int {
	v, ok := new(big.Int).SetString(string(m), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func (m MarketID) String() string { return string(m) }

// UnmarshalJSON accepts both JSON numbers and strings.
func (m *MarketID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}
	id, err := ParseMarketID(raw)
	if err != nil {
		return err
	}
	*m = id
	return nil
}

// MarketState mirrors the settlement contract's market record. It is re-read
// before every settlement decision and never cached.
type MarketState struct {
	Question string       `json:"question"`
	Deadline uint64       `json:"deadline"`
	Resolved bool         `json:"resolved"`
	Outcome  bool         `json:"outcome"`
	TotalYes *uint256.Int `json:"totalYes"`
	TotalNo  *uint256.Int `json:"totalNo"`
	Settled  bool         `json:"settled"`
}

// Exists reports whether the contract knows the market. Unknown ids read back
// as a zero record.
func (m MarketState) Exists() bool { return m.Deadline != 0 }

// IsOpen reports whether the market still accepts bets at now.
func (m MarketState) IsOpen(now time.Time) bool {
	if !m.Exists() || m.Resolved || m.Settled {
		return false
	}
	return uint64(now.Unix()) < m.Deadline
}

// ResolvedEvent is a decoded MarketResolved log.
type ResolvedEvent struct {
	MarketID    MarketID `json:"marketId"`
	Outcome     bool     `json:"outcome"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"txHash"`
}
