package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SettlementStore persists settlement results so idempotence survives a
// restart. Save must not overwrite an existing record.
type SettlementStore interface {
	Save(ctx context.Context, result SettlementResult) error
	Get(ctx context.Context, marketID MarketID) (SettlementRecord, error)
	MarkFinalized(ctx context.Context, marketID MarketID, txHash string, at time.Time) error
	ListFinalized(ctx context.Context, opts ListOpts) ([]SettlementRecord, error)
}

// BetStore journals accepted bet frames for markets that are not yet
// finalized.
type BetStore interface {
	Upsert(ctx context.Context, rec BetRecord) error
	ListOpen(ctx context.Context) ([]BetRecord, error)
	DeleteMarket(ctx context.Context, marketID MarketID) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
