package pollcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

func testCompositeNode(t *testing.T, st *store.Store, sub snmpexec.Submitter) *CompositeNode {
	t.Helper()
	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	return NewCompositeNode(master, nil, wf, olt, st, newTestLocker(), sub,
		RealClock, 5*time.Minute, 30*time.Second, testLogger())
}

func TestSlotStaysBusyAcrossDispatch(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	node := testCompositeNode(t, st, sub)

	slot := NewWorkerSlot(0)
	require.True(t, slot.IsFree())

	outcome := slot.execute(context.Background(), node)
	require.Equal(t, Dispatched, outcome.Kind)

	assert.False(t, slot.IsFree(), "slot must remain BUSY until the completion dispatcher releases it")
	assert.Equal(t, outcome.Execution.ID, slot.currentExecutionID())
}

func TestSlotReleaseFreesAndCredits(t *testing.T) {
	slot := NewWorkerSlot(0)
	slot.mu.Lock()
	slot.status = Busy
	slot.currentExecID = "exec-1"
	slot.mu.Unlock()

	slot.release(1200)

	assert.True(t, slot.IsFree())
	snap := slot.Snapshot()
	assert.Equal(t, int64(1), snap.TasksCompleted)
	assert.Equal(t, 1200*time.Millisecond, snap.BusyTime)
	assert.Empty(t, snap.CurrentExecID)
}

func TestSlotHoldsExecution(t *testing.T) {
	slot := NewWorkerSlot(0)
	slot.mu.Lock()
	slot.status = Busy
	slot.currentExecID = "exec-1"
	slot.mu.Unlock()

	assert.True(t, slot.holdsExecution("exec-1"))
	assert.False(t, slot.holdsExecution("exec-2"))
}

func TestSlotForceFree(t *testing.T) {
	slot := NewWorkerSlot(0)
	slot.mu.Lock()
	slot.status = Busy
	slot.currentExecID = "exec-1"
	slot.mu.Unlock()

	slot.forceFree()
	assert.True(t, slot.IsFree())
	assert.Empty(t, slot.currentExecutionID())
}
