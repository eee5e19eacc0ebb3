package memory

import (
	"context"
	"sync"
)

// ForwardLock implements domain.ForwardLock for a single process
type ForwardLock struct {
	mu sync.Mutex
}

// NewForwardLock creates a new process-local forward lock
func NewForwardLock() *ForwardLock {
	return &ForwardLock{}
}

// TryAcquire takes the lock if it is free and never waits
func (l *ForwardLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !l.mu.TryLock() {
		return nil, false, nil
	}

	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, true, nil
}
