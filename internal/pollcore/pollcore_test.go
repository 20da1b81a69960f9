package pollcore

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/gponmesh/pollengine/internal/locks"
	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	meter := noop.NewMeterProvider().Meter("test")
	st, err := store.Open(dir, meter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeRedisClient is a minimal in-memory stand-in for locks.Client, enough
// to exercise the dispatch protocol's lock acquisition without a real
// Redis server.
type fakeRedisClient struct {
	mu   sync.Mutex
	data map[string]struct {
		value   string
		expires time.Time
	}
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{data: make(map[string]struct {
		value   string
		expires time.Time
	})}
}

func (f *fakeRedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
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

func (f *fakeRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
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

func newTestLocker() Locker {
	return locks.New(newFakeRedisClient())
}

func newFakeSubmitter() *snmpexec.Fake { return snmpexec.NewFake() }

// fastClock behaves like RealClock except Sleep is a no-op, so tests
// exercising the reconciliation-marker retry-poll don't block for seconds.
type fastClock struct{}

func (fastClock) Now() time.Time        { return time.Now() }
func (fastClock) Sleep(d time.Duration) {}

func seedOLT(t *testing.T, st *store.Store, id string, enabled bool) store.OLT {
	t.Helper()
	olt := store.OLT{ID: id, ShortName: id, IP: "10.0.0.1", Enabled: enabled}
	require.NoError(t, st.PutOLT(olt))
	return olt
}

func seedWorkflow(t *testing.T, st *store.Store, id, oltID string, active bool) store.Workflow {
	t.Helper()
	wf := store.Workflow{ID: id, OLTID: oltID, Name: id, Active: active}
	require.NoError(t, st.PutWorkflow(wf))
	return wf
}

func seedMaster(t *testing.T, st *store.Store, id, workflowID string, nextRunAt time.Time, priority int, interval int64) store.WorkflowNode {
	t.Helper()
	n := store.WorkflowNode{
		ID: id, WorkflowID: workflowID, Name: id, Enabled: true,
		IsChainNode: false, IntervalSeconds: interval, Priority: priority,
		NextRunAt: &nextRunAt, Espacio: "descubrimiento",
	}
	require.NoError(t, st.PutNode(n))
	return n
}

func seedChainNode(t *testing.T, st *store.Store, id, workflowID, masterID string, priority int) store.WorkflowNode {
	t.Helper()
	n := store.WorkflowNode{
		ID: id, WorkflowID: workflowID, Name: id, Enabled: true,
		IsChainNode: true, MasterNodeID: masterID, Priority: priority, Espacio: "get",
	}
	require.NoError(t, st.PutNode(n))
	return n
}
