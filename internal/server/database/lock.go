package database

import (
	"context"
	"fmt"
	"log/slog"
)

// AdvisoryLock is a session-level Postgres advisory lock used to keep at most
// one holder across every instance sharing the database.
type AdvisoryLock struct {
	db  *DB
	key int64
}

// NewAdvisoryLock creates a lock identified by key.
func NewAdvisoryLock(db *DB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

// TryLock attempts to take the lock without waiting. When ok is true the
// caller must call unlock.
func (l *AdvisoryLock) TryLock(ctx context.Context) (unlock func(), ok bool, err error) {
	conn, err := l.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	unlock = func() {
		// The session lock lives on this connection, so release it there.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", l.key); err != nil {
			slog.Error("failed to release advisory lock", "key", l.key, "error", err)
		}
		conn.Release()
	}
	return unlock, true, nil
}
