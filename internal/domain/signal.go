package domain

import "time"

// Event channel names published on the SignalBus.
const (
	ChannelBetAccepted         = "bets:accepted"
	ChannelSettlementFinalized = "settlements:finalized"
	StreamSettlements          = "settlements"
)

// EngineEvent is the payload published on the SignalBus. Bet events carry no
// direction or amount.
type EngineEvent struct {
	Type      string    `json:"type"`
	MarketID  MarketID  `json:"marketId"`
	Bettor    string    `json:"bettor,omitempty"`
	BetCount  int       `json:"betCount,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	HasProof  bool      `json:"hasProof,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineStatus summarises the process for GET /status.
type EngineStatus struct {
	Mode          string             `json:"mode"`
	ChannelState  string             `json:"channelState"`
	UptimeSeconds int64              `json:"uptimeSeconds"`
	Metrics       map[string]float64 `json:"metrics"`
	Markets       map[MarketID]int   `json:"markets"`
	Settled       int                `json:"settled"`
	WatcherBlock  uint64             `json:"watcherBlock"`
}
