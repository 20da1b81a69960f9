package pollcore

import (
	"context"
	"time"

	"github.com/gponmesh/pollengine/internal/locks"
)

// Locker is the narrow slice of *locks.Helper the dispatch protocol needs.
// Declaring it here, rather than depending on *locks.Helper directly, lets
// tests substitute an in-memory fake instead of wiring a Redis client.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*locks.Lock, error)
	Release(ctx context.Context, l *locks.Lock) error
}
