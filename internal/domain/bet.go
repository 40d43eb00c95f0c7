package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bet is a decrypted bet. Direction and size never leave the engine except as
// proof witness input.
type Bet struct {
	MarketID   MarketID
	Bettor     common.Address
	IsYes      bool
	Amount     *uint256.Int
	Secret     string
	Seq        uint64
	ReceivedAt time.Time
}

// BetPayload is the plaintext inside a BetCodec frame.
type BetPayload struct {
	MarketID MarketID     `json:"marketId"`
	IsYes    bool         `json:"isYes"`
	Amount   *uint256.Int `json:"amount"`
	Secret   string       `json:"secret,omitempty"`
	Address  string       `json:"address"`
	Seq      uint64       `json:"seq,omitempty"`
}

// Validate checks the payload's fields.
func (p BetPayload) Validate() error {
	if p.MarketID == "" {
		return fmt.Errorf("%w: missing marketId", ErrInvalidBet)
	}
	if !common.IsHexAddress(p.Address) {
		return fmt.Errorf("%w: bad address %q", ErrInvalidBet, p.Address)
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBet)
	}
	return nil
}

// ToBet converts a validated payload into a ledger bet.
func (p BetPayload) ToBet(receivedAt time.Time) Bet {
	return Bet{
		MarketID:   p.MarketID,
		Bettor:     common.HexToAddress(strings.TrimSpace(p.Address)),
		IsYes:      p.IsYes,
		Amount:     new(uint256.Int).Set(p.Amount),
		Secret:     p.Secret,
		Seq:        p.Seq,
		ReceivedAt: receivedAt,
	}
}

// BetRecord is the durable form of an accepted bet. Only the ciphertext is
// stored so bet contents stay sealed to the engine key at rest.
type BetRecord struct {
	MarketID   MarketID
	Bettor     common.Address
	Frame      []byte
	Seq        uint64
	ReceivedAt time.Time
}

// BetSubmission is a sealed bet as it arrives over HTTP or from an app
// session. Participants is empty for HTTP submissions.
type BetSubmission struct {
	MarketID     MarketID
	Frame        []byte
	SessionID    string
	Participants []common.Address
}
