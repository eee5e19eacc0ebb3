package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync"
)

// forwardLockKey is the advisory lock id shared by every instance forwarding from the middleman wallet
const forwardLockKey int64 = 0x70617972 // "payr"

// ForwardLock implements domain.ForwardLock with a session level advisory lock,
// so split forwards are serialized across processes
type ForwardLock struct {
	db *DB
}

// NewForwardLock creates a new advisory forward lock
func NewForwardLock(db *DB) *ForwardLock {
	return &ForwardLock{db: db}
}

// TryAcquire takes the advisory lock if it is free and never waits.
// The lock lives on a dedicated connection that is returned to the pool on release.
func (l *ForwardLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, forwardLockKey).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Unlock on a fresh context: the caller's may already be cancelled
			if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, forwardLockKey); err != nil {
				// Never hand a session that may still hold the lock back to the pool
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}
	return release, true, nil
}
