// Package usage keeps per-organization usage counters used for plan limits.
//
// Counters are adjusted incrementally and are only eventually consistent;
// Resync from a live count before trusting one for hard enforcement.
package usage

import (
	"context"

	"sharekeeper/internal/server/database"
)

// Store is the persistence behind a Ledger. *database.Repository implements
// it, including when bound to a transaction.
type Store interface {
	IncrementUsage(ctx context.Context, organizationID string, metric database.UsageMetric) error
	DecrementUsage(ctx context.Context, organizationID string, metric database.UsageMetric) error
	SetUsage(ctx context.Context, organizationID string, metric database.UsageMetric, value int64) error
	GetUsage(ctx context.Context, organizationID string, metric database.UsageMetric) (int64, error)
}

// Usage is a snapshot of a counter.
type Usage struct {
	CurrentUsage int64 `json:"current_usage"`
}

// Ledger adjusts usage counters. Each call is a single counter mutation and
// commits with whatever transaction the Store is bound to.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Increment(ctx context.Context, organizationID string, metric database.UsageMetric) error {
	return l.store.IncrementUsage(ctx, organizationID, metric)
}

func (l *Ledger) Decrement(ctx context.Context, organizationID string, metric database.UsageMetric) error {
	return l.store.DecrementUsage(ctx, organizationID, metric)
}

// Resync overwrites the counter with an authoritative recount.
func (l *Ledger) Resync(ctx context.Context, organizationID string, metric database.UsageMetric, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	return l.store.SetUsage(ctx, organizationID, metric, actual)
}

func (l *Ledger) GetUsage(ctx context.Context, organizationID string, metric database.UsageMetric) (Usage, error) {
	value, err := l.store.GetUsage(ctx, organizationID, metric)
	if err != nil {
		return Usage{}, err
	}
	return Usage{CurrentUsage: value}, nil
}
