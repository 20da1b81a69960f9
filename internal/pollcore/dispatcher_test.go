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

func newTestDispatcher(st *store.Store, sub snmpexec.Submitter) (*Dispatcher, *Pool) {
	queue := NewNodeQueue(10)
	pool := NewPool(2, queue, st, testLogger())
	disp := NewDispatcher(st, pool, newTestLocker(), sub, fastClock{}, 5*time.Minute, 30*time.Second, testLogger())
	return disp, pool
}

func TestAdvanceSchedulingMasterSetsNextRunAt(t *testing.T) {
	st := newTestStore(t)
	disp, _ := newTestDispatcher(st, newFakeSubmitter())

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	master.NextRunAt = nil
	require.NoError(t, st.PutNode(master))

	exec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)
	exec.Status = store.ExecSuccess

	advance, err := disp.advanceScheduling(master, exec)
	require.NoError(t, err)
	assert.True(t, advance.IsMaster)
	assert.NotNil(t, advance.Node.NextRunAt, "master's next_run_at must be advanced on completion")
}

func TestAdvanceSchedulingChainNodeDoesNotSetNextRunAt(t *testing.T) {
	st := newTestStore(t)
	disp, _ := newTestDispatcher(st, newFakeSubmitter())

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	chainNode := seedChainNode(t, st, "c1", wf.ID, master.ID, 80)

	exec, err := st.CreateExecution(chainNode.ID, olt.ID, chainNode.JobType())
	require.NoError(t, err)
	exec.Status = store.ExecSuccess

	advance, err := disp.advanceScheduling(chainNode, exec)
	require.NoError(t, err)
	assert.False(t, advance.IsMaster)
	assert.Nil(t, advance.Node.NextRunAt, "chain node must never get its own next_run_at")
}

func TestHandleCompletionStartsFirstChainNode(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	disp, _ := newTestDispatcher(st, sub)

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	master.Espacio = "get" // non-discovery: no reconciliation gate
	require.NoError(t, st.PutNode(master))
	seedChainNode(t, st, "c1", wf.ID, master.ID, 80)

	exec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)

	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: exec.ID, Status: store.ExecSuccess, DurationMs: 50,
	})

	require.Len(t, sub.Submissions, 1)
	assert.Equal(t, "c1", sub.Submissions[0].NodeID)
}

func TestHandleCompletionIsIdempotentOnDuplicateCallback(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	disp, _ := newTestDispatcher(st, sub)

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	master.Espacio = "get"
	require.NoError(t, st.PutNode(master))
	seedChainNode(t, st, "c1", wf.ID, master.ID, 80)

	exec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)

	evt := snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: exec.ID, Status: store.ExecSuccess, DurationMs: 50,
	}
	disp.HandleCompletion(context.Background(), evt)
	disp.HandleCompletion(context.Background(), evt)

	require.Len(t, sub.Submissions, 1, "a duplicate completion callback must not start the chain twice")

	repaired, ok := st.GetNode(master.ID)
	require.True(t, ok)
	firstNextRun := *repaired.NextRunAt

	disp.HandleCompletion(context.Background(), evt)
	repairedAgain, ok := st.GetNode(master.ID)
	require.True(t, ok)
	assert.Equal(t, firstNextRun, *repairedAgain.NextRunAt, "next_run_at must not advance again on a duplicate callback")
}

func TestHandleCompletionChainRunsInOrderWithoutOverlap(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	disp, _ := newTestDispatcher(st, sub)

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	master.Espacio = "get"
	require.NoError(t, st.PutNode(master))
	seedChainNode(t, st, "c1", wf.ID, master.ID, 80)
	seedChainNode(t, st, "c2", wf.ID, master.ID, 70)
	seedChainNode(t, st, "c3", wf.ID, master.ID, 60)

	masterExec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)

	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: masterExec.ID, Status: store.ExecSuccess, DurationMs: 10,
	})
	require.Len(t, sub.Submissions, 1)
	assert.Equal(t, "c1", sub.Submissions[0].NodeID)

	// c2 must never appear in flight before c1 finishes.
	inFlight, err := st.IsNodeInFlight("c2")
	require.NoError(t, err)
	assert.False(t, inFlight)

	c1ExecID := sub.Submissions[0].ExecutionID
	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: c1ExecID, Status: store.ExecSuccess, DurationMs: 10,
	})
	require.Len(t, sub.Submissions, 2)
	assert.Equal(t, "c2", sub.Submissions[1].NodeID)

	inFlight, err = st.IsNodeInFlight("c1")
	require.NoError(t, err)
	assert.False(t, inFlight, "c1 must be terminal once c2 has started")

	c2ExecID := sub.Submissions[1].ExecutionID
	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: c2ExecID, Status: store.ExecSuccess, DurationMs: 10,
	})
	require.Len(t, sub.Submissions, 3)
	assert.Equal(t, "c3", sub.Submissions[2].NodeID)
}

func TestHandleCompletionGatesChainOnReconciliationMarkers(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	disp, _ := newTestDispatcher(st, sub)

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300) // Espacio: descubrimiento
	seedChainNode(t, st, "c1", wf.ID, master.ID, 80)

	exec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)
	require.Equal(t, store.JobDiscovery, exec.JobType)

	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: exec.ID, Status: store.ExecSuccess, DurationMs: 10,
		// no ResultSummary: reconciliation markers absent.
	})
	assert.Empty(t, sub.Submissions, "chain must not start before the discovery reconciliation marker is observed")
}

func TestHandleCompletionDispatchesChainOnceMarkersPresent(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	disp, _ := newTestDispatcher(st, sub)

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300) // Espacio: descubrimiento
	seedChainNode(t, st, "c1", wf.ID, master.ID, 80)

	exec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)

	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: exec.ID, Status: store.ExecSuccess, DurationMs: 10,
		ResultSummary: map[string]any{"reconciled": true},
	})
	require.Len(t, sub.Submissions, 1, "chain must start once the reconciliation marker is present")
	assert.Equal(t, "c1", sub.Submissions[0].NodeID)
}

func TestHandleCompletionRejectsChainDispatchWhenOLTDisabledMidFlight(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	disp, _ := newTestDispatcher(st, sub)

	olt := seedOLT(t, st, "olt-1", true)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	master.Espacio = "get"
	require.NoError(t, st.PutNode(master))
	seedChainNode(t, st, "c1", wf.ID, master.ID, 80)

	exec, err := st.CreateExecution(master.ID, olt.ID, master.JobType())
	require.NoError(t, err)

	olt.Enabled = false
	require.NoError(t, st.PutOLT(olt))

	disp.HandleCompletion(context.Background(), snmpexec.CompletionEvent{
		OLTID: olt.ID, ExecutionID: exec.ID, Status: store.ExecSuccess, DurationMs: 10,
	})
	assert.Empty(t, sub.Submissions, "chain successor must not dispatch once its OLT is disabled mid-flight")
}
