package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Summary columns
// are kept for querying; the full record, legs and history included, lives
// in a JSONB column.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Upsert inserts t or replaces the stored copy. Writes are idempotent so the
// persistence sink can redeliver.
func (s *TradeStore) Upsert(ctx context.Context, t domain.Trade) error {
	record, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("postgres: marshal trade %s: %w", t.ID, err)
	}

	const query = `
		INSERT INTO trades (
			id, symbol, buy_venue, sell_venue, status, amount,
			realized_pnl, stranded, stranded_amount, error_class, error,
			record, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			status          = EXCLUDED.status,
			realized_pnl    = EXCLUDED.realized_pnl,
			stranded        = EXCLUDED.stranded,
			stranded_amount = EXCLUDED.stranded_amount,
			error_class     = EXCLUDED.error_class,
			error           = EXCLUDED.error,
			record          = EXCLUDED.record,
			updated_at      = EXCLUDED.updated_at,
			completed_at    = EXCLUDED.completed_at
		WHERE trades.updated_at <= EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Symbol, t.BuyVenue, t.SellVenue, string(t.Status), t.Amount,
		t.RealizedPnL, t.Stranded, t.StrandedAmount, string(t.ErrorClass), t.Error,
		record, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trade %s: %w", t.ID, err)
	}
	return nil
}

func scanRecords(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t domain.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("unmarshal trade record: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetByID returns one trade or domain.ErrNotFound.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM trades WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, fmt.Errorf("postgres: trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	var t domain.Trade
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: unmarshal trade %s: %w", id, err)
	}
	return t, nil
}

// ListRecent returns the newest trades first.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM trades ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	trades, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent trades: %w", err)
	}
	return trades, nil
}

// ListCompletedBefore returns terminal, non-stranded trades completed before
// the cutoff, oldest first. Stranded trades stay hot until resolved.
func (s *TradeStore) ListCompletedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM trades
		WHERE completed_at IS NOT NULL AND completed_at < $1 AND NOT stranded
		ORDER BY completed_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list completed trades: %w", err)
	}
	trades, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan completed trades: %w", err)
	}
	return trades, nil
}

// ListOpen returns trades left non-terminal or stranded, oldest first.
func (s *TradeStore) ListOpen(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM trades
		WHERE status NOT IN ($1, $2, $3) OR stranded
		ORDER BY created_at ASC`,
		string(domain.TradeSellFilled), string(domain.TradeCancelled), string(domain.TradeFailed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades: %w", err)
	}
	trades, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades: %w", err)
	}
	return trades, nil
}

// DeleteByIDs removes trades, typically after they were archived.
func (s *TradeStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades: %w", err)
	}
	return tag.RowsAffected(), nil
}
