// Package locks implements the distributed lock helper (§4.G): short-lived,
// non-blocking, owner-checked mutexes over Redis, used to prevent duplicate
// Execution creation and duplicate chain dispatch when multiple replicas or
// concurrent completion callbacks race on the same node.
package locks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Acquire when the lock is already held by
// another owner. Callers treat this as "not an error" per §7: a peer is
// already dispatching this node/chain.
var ErrNotAcquired = errors.New("locks: not acquired")

// releaseScript deletes the key only if its value still matches the owner
// token this process set at acquire time, so a release can never remove a
// lock some other owner has since acquired after this one's TTL expired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Client is the narrow slice of redis.Cmdable that Acquire/Release need.
// *redis.Client satisfies it trivially; tests (in this package and others)
// substitute an in-memory fake instead of standing up a real Redis server.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Helper wraps a Redis client with the two lock families §4.G describes.
type Helper struct {
	rdb Client
}

// New builds a Helper over any Client implementation, production callers
// pass a *redis.Client.
func New(rdb Client) *Helper {
	return &Helper{rdb: rdb}
}

// Lock is a held lock: an owner token plus the key it was acquired under.
// The zero value is not a valid lock.
type Lock struct {
	key   string
	owner string
}

// Acquire performs a non-blocking SET NX PX. Returns ErrNotAcquired if some
// other owner already holds key.
func (h *Helper) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	owner := uuid.NewString()
	ok, err := h.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{key: key, owner: owner}, nil
}

// Release deletes the lock iff this process still owns it (Lua script,
// atomic check-then-delete across the network round trip). Releasing a
// lock this process does not own, or one that has already expired and been
// reacquired by someone else, is a silent no-op.
func (h *Helper) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	return h.rdb.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err()
}

// NodeExecLockKey is the per-node lock family: exec:workflow_node:<node_id>.
func NodeExecLockKey(nodeID string) string {
	return "exec:workflow_node:" + nodeID
}

// FirstChainLockKey guards dispatch of a master's first chain node:
// chain_execution:master:<master_id>:chain:<first_chain_id>.
func FirstChainLockKey(masterID, firstChainID string) string {
	return "chain_execution:master:" + masterID + ":chain:" + firstChainID
}

// NextChainLockKey guards dispatch of a chain node's successor:
// chain_execution:chain:<next_chain_id>.
func NextChainLockKey(nextChainID string) string {
	return "chain_execution:chain:" + nextChainID
}
