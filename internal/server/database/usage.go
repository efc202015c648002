package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IncrementUsage adds one to an organization's counter, creating it on first use.
func (r *Repository) IncrementUsage(ctx context.Context, organizationID string, metric UsageMetric) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO usage_counters (organization_id, metric, current_usage, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (organization_id, metric)
		DO UPDATE SET current_usage = usage_counters.current_usage + 1, updated_at = NOW()
	`, organizationID, metric)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// DecrementUsage subtracts one from an organization's counter, never going below zero.
func (r *Repository) DecrementUsage(ctx context.Context, organizationID string, metric UsageMetric) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO usage_counters (organization_id, metric, current_usage, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (organization_id, metric)
		DO UPDATE SET current_usage = GREATEST(usage_counters.current_usage - 1, 0), updated_at = NOW()
	`, organizationID, metric)
	if err != nil {
		return fmt.Errorf("failed to decrement usage: %w", err)
	}
	return nil
}

// SetUsage overwrites an organization's counter with an authoritative value.
func (r *Repository) SetUsage(ctx context.Context, organizationID string, metric UsageMetric, value int64) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO usage_counters (organization_id, metric, current_usage, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id, metric)
		DO UPDATE SET current_usage = EXCLUDED.current_usage, updated_at = NOW()
	`, organizationID, metric, value)
	if err != nil {
		return fmt.Errorf("failed to set usage: %w", err)
	}
	return nil
}

// GetUsage returns an organization's counter. A missing counter reads as zero.
func (r *Repository) GetUsage(ctx context.Context, organizationID string, metric UsageMetric) (int64, error) {
	var value int64
	err := r.q.QueryRow(ctx,
		"SELECT current_usage FROM usage_counters WHERE organization_id = $1 AND metric = $2",
		organizationID, metric,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return value, nil
}
