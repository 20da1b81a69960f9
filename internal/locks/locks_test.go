package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is a minimal in-memory stand-in for the client interface,
// enough to exercise Acquire/Release's SET NX / owner-checked DEL
// semantics without a real Redis server.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]struct {
		value   string
		expires time.Time
	}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]struct {
		value   string
		expires time.Time
	})}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	now := time.Now()
	if e, ok := f.data[key]; ok && now.Before(e.expires) {
		cmd.SetVal(false)
		return cmd
	}
	f.data[key] = struct {
		value   string
		expires time.Time
	}{value: value.(string), expires: now.Add(ttl)}
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	key := keys[0]
	owner, _ := args[0].(string)
	if e, ok := f.data[key]; ok && e.value == owner {
		delete(f.data, key)
		cmd.SetVal(int64(1))
	} else {
		cmd.SetVal(int64(0))
	}
	return cmd
}

func TestAcquireThenSecondAcquireFails(t *testing.T) {
	h := New(newFakeRedis())
	ctx := context.Background()

	lock, err := h.Acquire(ctx, "exec:workflow_node:n1", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = h.Acquire(ctx, "exec:workflow_node:n1", 5*time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestReleaseThenReacquire(t *testing.T) {
	h := New(newFakeRedis())
	ctx := context.Background()

	lock, err := h.Acquire(ctx, "chain_execution:chain:c1", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx, lock))

	second, err := h.Acquire(ctx, "chain_execution:chain:c1", 30*time.Second)
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestReleaseDoesNotRemoveSomeoneElsesLock(t *testing.T) {
	fake := newFakeRedis()
	h := New(fake)
	ctx := context.Background()

	first, err := h.Acquire(ctx, "exec:workflow_node:n1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // let the TTL lapse

	second, err := h.Acquire(ctx, "exec:workflow_node:n1", 5*time.Minute)
	require.NoError(t, err)

	// Releasing the stale first lock must not clear the second owner's key.
	require.NoError(t, h.Release(ctx, first))

	_, err = h.Acquire(ctx, "exec:workflow_node:n1", 5*time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired, "second owner's lock should still be held")
	_ = second
}

func TestReleaseNilLockIsNoop(t *testing.T) {
	h := New(newFakeRedis())
	assert.NoError(t, h.Release(context.Background(), nil))
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "exec:workflow_node:n1", NodeExecLockKey("n1"))
	assert.Equal(t, "chain_execution:master:m1:chain:c1", FirstChainLockKey("m1", "c1"))
	assert.Equal(t, "chain_execution:chain:c2", NextChainLockKey("c2"))
}
