package lock

import "context"

// Locker hands out per-project stage leases. At most one stage execution
// may hold a project's lease at any time; contention is rejected, never
// queued.
type Locker interface {
	// Acquire takes the project lease and returns a release token, or
	// ok=false when another stage already holds it.
	Acquire(ctx context.Context, projectID string) (token string, ok bool, err error)
	// Release frees the lease if token still owns it.
	Release(ctx context.Context, projectID, token string) error
}
