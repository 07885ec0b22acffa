// Package locks provides redis-backed exclusive locks. The deployer uses them
// to serialize credential refreshes per user+provider and deploys per site.
package locks

import (
	"context"
	"time"
)

// Lock captures the current lock ownership state.
type Lock struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages exclusive resource locks with a TTL safety net.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
	Close() error
}

// WaitAcquire polls Acquire until it succeeds, the wait budget runs out, or
// the context is done. It returns false when the lock stayed contended.
func WaitAcquire(ctx context.Context, s Store, resource, owner string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.Acquire(ctx, resource, owner, ttl)
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
