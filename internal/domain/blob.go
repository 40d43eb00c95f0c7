package domain

import "context"

// SettlementArchiver copies finalized settlements to cold storage.
type SettlementArchiver interface {
	ArchiveSettlement(ctx context.Context, rec SettlementRecord) error
}
