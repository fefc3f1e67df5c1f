package leaderelect

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EpochStore hands out a monotonically increasing fencing epoch per
// resource, durable across a Redis flush — the lease store is fast but
// disposable, this is the source of truth for "who was leader most
// recently and how many times has leadership changed hands."
type EpochStore interface {
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// PostgresEpochStore is the EpochStore backed by a `leader_epochs` table,
// grounded on the teacher's store/postgres.go coordination queries.
type PostgresEpochStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEpochStore(pool *pgxpool.Pool) *PostgresEpochStore {
	return &PostgresEpochStore{pool: pool}
}

func (s *PostgresEpochStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	const query = `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE
		SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	if err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch); err != nil {
		return 0, fmt.Errorf("leaderelect: increment durable epoch: %w", err)
	}
	return newEpoch, nil
}

func (s *PostgresEpochStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	const query = `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("leaderelect: get durable epoch: %w", err)
	}
	return epoch, nil
}
