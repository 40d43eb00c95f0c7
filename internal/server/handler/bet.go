package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// BetService is the acceptance path behind POST /bet.
type BetService interface {
	Accept(ctx context.Context, sub domain.BetSubmission) (domain.Bet, error)
}

// BetCounter reports how many bets a market holds.
type BetCounter interface {
	BetCount(marketID domain.MarketID) int
}

// BetHandler accepts sealed bets over HTTP.
type BetHandler struct {
	bets   BetService
	counts BetCounter
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(bets BetService, counts BetCounter, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, counts: counts, logger: logger}
}

type placeBetRequest struct {
	MarketID      domain.MarketID `json:"marketId"`
	EncryptedData string          `json:"encryptedData"`
}

type placeBetResponse struct {
	Success  bool `json:"success"`
	BetCount int  `json:"betCount"`
}

// PlaceBet accepts {marketId, encryptedData}. The response never echoes the
// bet's direction or amount.
// POST /bet
func (h *BetHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return
	}
	frame, err := crypto.DecodeFrame(req.EncryptedData)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bet, err := h.bets.Accept(r.Context(), domain.BetSubmission{MarketID: req.MarketID, Frame: frame})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, placeBetResponse{
		Success:  true,
		BetCount: h.counts.BetCount(bet.MarketID),
	})
}
