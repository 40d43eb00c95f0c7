package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// SettlementService computes and looks up settlements.
type SettlementService interface {
	ComputeSettlement(ctx context.Context, marketID domain.MarketID, outcome bool) (domain.SettlementResult, error)
	Record(ctx context.Context, marketID domain.MarketID) (domain.SettlementRecord, error)
}

// SettlementHandler serves the manual trigger and settlement lookups.
type SettlementHandler struct {
	engine SettlementService
	store  domain.SettlementStore // optional, backs the history listing
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler. store may be nil.
func NewSettlementHandler(engine SettlementService, store domain.SettlementStore, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{engine: engine, store: store, logger: logger}
}

type settleRequest struct {
	Outcome *bool `json:"outcome"`
}

// Settle computes the market's settlement, or returns the cached one. On-chain
// submission is left to the market watcher.
// POST /settle/{marketId}
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	marketID, err := marketParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req settleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Outcome == nil {
		writeError(w, http.StatusBadRequest, "outcome is required")
		return
	}

	res, err := h.engine.ComputeSettlement(r.Context(), marketID, *req.Outcome)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlement": res})
}

// GetSettlement returns the market's settlement or 404.
// GET /settlement/{marketId}
func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	marketID, err := marketParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.engine.Record(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement":  rec.Result,
		"finalized":   rec.Finalized,
		"txHash":      rec.TxHash,
		"finalizedAt": rec.FinalizedAt,
	})
}

// ListFinalized pages through finalized settlements.
// GET /settlements?limit=50&offset=0
func (h *SettlementHandler) ListFinalized(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "settlement history requires postgres")
		return
	}
	opts := parseListOpts(r)
	recs, err := h.store.ListFinalized(r.Context(), opts)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlements": recs,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}
