package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// BreakerStore implements domain.BreakerStore using PostgreSQL.
type BreakerStore struct {
	pool *pgxpool.Pool
}

// NewBreakerStore creates a new BreakerStore backed by the given connection pool.
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

// Save stores the latest snapshot of one scope. Older snapshots delivered
// late never overwrite newer ones.
func (s *BreakerStore) Save(ctx context.Context, b domain.BreakerState) error {
	const query = `
		INSERT INTO breaker_states (
			scope, status, consecutive_losses, half_open_wins, window_loss,
			cooldown_until, size_multiplier, trips, reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (scope) DO UPDATE SET
			status             = EXCLUDED.status,
			consecutive_losses = EXCLUDED.consecutive_losses,
			half_open_wins     = EXCLUDED.half_open_wins,
			window_loss        = EXCLUDED.window_loss,
			cooldown_until     = EXCLUDED.cooldown_until,
			size_multiplier    = EXCLUDED.size_multiplier,
			trips              = EXCLUDED.trips,
			reason             = EXCLUDED.reason,
			updated_at         = EXCLUDED.updated_at
		WHERE breaker_states.updated_at <= EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		b.Scope, string(b.Status), b.ConsecutiveLosses, b.HalfOpenWins, b.WindowLoss,
		b.CooldownUntil, b.SizeMultiplier, b.Trips, b.Reason, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save breaker %s: %w", b.Scope, err)
	}
	return nil
}

// List returns every stored breaker, ordered by scope.
func (s *BreakerStore) List(ctx context.Context) ([]domain.BreakerState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, status, consecutive_losses, half_open_wins, window_loss,
			cooldown_until, size_multiplier, trips, reason, updated_at
		FROM breaker_states ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list breakers: %w", err)
	}
	defer rows.Close()

	var out []domain.BreakerState
	for rows.Next() {
		var (
			b      domain.BreakerState
			status string
		)
		if err := rows.Scan(
			&b.Scope, &status, &b.ConsecutiveLosses, &b.HalfOpenWins, &b.WindowLoss,
			&b.CooldownUntil, &b.SizeMultiplier, &b.Trips, &b.Reason, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan breaker: %w", err)
		}
		b.Status = domain.BreakerStatus(status)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list breakers rows: %w", err)
	}
	return out, nil
}
