package lock

import (
	"context"
	"sync"

	"bookflow/internal/util"
)

// MemoryLocker keeps project leases in-process. Used in tests and
// single-node deployments without Redis.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]string // project ID -> token
}

// NewMemoryLocker initializes an empty lease table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]string)}
}

// Acquire takes the project lease.
func (l *MemoryLocker) Acquire(_ context.Context, projectID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.leases[projectID]; held {
		return "", false, nil
	}
	token := util.NewID()
	l.leases[projectID] = token
	return token, true, nil
}

// Release frees the lease if token still owns it.
func (l *MemoryLocker) Release(_ context.Context, projectID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leases[projectID] == token {
		delete(l.leases, projectID)
	}
	return nil
}
