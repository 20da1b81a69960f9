package pollcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

func buildCompositeNodeForOLT(t *testing.T, st *store.Store, sub snmpexec.Submitter, oltID, masterID string, priority int) *CompositeNode {
	t.Helper()
	olt, ok := st.GetOLT(oltID)
	if !ok {
		olt = seedOLT(t, st, oltID, true)
	}
	wf := seedWorkflow(t, st, "wf-"+masterID, olt.ID, true)
	master := seedMaster(t, st, masterID, wf.ID, time.Now().Add(-time.Second), priority, 300)
	return NewCompositeNode(master, nil, wf, olt, st, newTestLocker(), sub, RealClock,
		5*time.Minute, 30*time.Second, testLogger())
}

func TestPoolAssignDispatchesOnFreeSlot(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	queue := NewNodeQueue(10)
	pool := NewPool(2, queue, st, testLogger())

	node := buildCompositeNodeForOLT(t, st, sub, "olt-1", "m1", 90)
	pool.assign(node)

	require.Eventually(t, func() bool { return len(sub.Submissions) == 1 }, time.Second, time.Millisecond)

	st2 := pool.stats()
	assert.Equal(t, 1, st2.BusySlots)
}

func TestPoolSecondMasterOnBusyOLTIsEnqueued(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	queue := NewNodeQueue(10)
	pool := NewPool(2, queue, st, testLogger())

	m1 := buildCompositeNodeForOLT(t, st, sub, "olt-shared", "m1", 90)
	pool.assign(m1)
	require.Eventually(t, func() bool { return len(sub.Submissions) == 1 }, time.Second, time.Millisecond)

	m2 := buildCompositeNodeForOLT(t, st, sub, "olt-shared", "m2", 40)
	pool.assign(m2)

	// m1's Execution is still in flight, so m2 must be enqueued, not dispatched.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sub.Submissions, 1)
	assert.Equal(t, 1, queue.Size())
}

func TestPoolProcessQueueForOLTDrainsAfterCompletion(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	queue := NewNodeQueue(10)
	pool := NewPool(2, queue, st, testLogger())

	m1 := buildCompositeNodeForOLT(t, st, sub, "olt-shared", "m1", 90)
	pool.assign(m1)
	require.Eventually(t, func() bool { return len(sub.Submissions) == 1 }, time.Second, time.Millisecond)

	m2 := buildCompositeNodeForOLT(t, st, sub, "olt-shared", "m2", 40)
	pool.assign(m2)
	require.Equal(t, 1, queue.Size())

	exec1ID := sub.Submissions[0].ExecutionID
	_, _, err := st.Finalize(exec1ID, store.ExecSuccess, 100, nil)
	require.NoError(t, err)

	pool.releaseSlotForExecution(exec1ID, 100)
	pool.processQueueForOLT("olt-shared")

	require.Eventually(t, func() bool { return len(sub.Submissions) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, queue.Size())
}

func TestPoolIsSaturated(t *testing.T) {
	st := newTestStore(t)
	queue := NewNodeQueue(10)
	pool := NewPool(1, queue, st, testLogger())

	pool.slots[0].status = Busy
	for i := 0; i < 3; i++ {
		queue.Put(cn(string(rune('a'+i)), 1, false, 0))
	}
	stats := pool.stats()
	assert.True(t, stats.IsSaturated)
}
