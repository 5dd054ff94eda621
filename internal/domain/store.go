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

// TradeStore persists terminal and stranded trade records.
type TradeStore interface {
	Upsert(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)
	ListRecent(ctx context.Context, limit int) ([]Trade, error)
	ListCompletedBefore(ctx context.Context, before time.Time, limit int) ([]Trade, error)
	// ListOpen returns trades that still need reconciliation: non-terminal
	// or stranded.
	ListOpen(ctx context.Context) ([]Trade, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// BreakerStore persists breaker snapshots so state survives restarts.
type BreakerStore interface {
	Save(ctx context.Context, s BreakerState) error
	List(ctx context.Context) ([]BreakerState, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
