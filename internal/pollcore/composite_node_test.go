package pollcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gponmesh/pollengine/internal/store"
)

func TestCalculateDelayNotOverdue(t *testing.T) {
	cn := &CompositeNode{Master: store.WorkflowNode{IntervalSeconds: 300}}
	cn.CalculateDelay(time.Now())
	assert.False(t, cn.Delayed)
	assert.Zero(t, cn.DelayTime)
}

func TestCalculateDelayOverdueButWithinInterval(t *testing.T) {
	next := time.Now().Add(-10 * time.Second)
	cn := &CompositeNode{Master: store.WorkflowNode{NextRunAt: &next, IntervalSeconds: 300}}
	now := time.Now()
	cn.CalculateDelay(now)
	assert.False(t, cn.Delayed)
	assert.InDelta(t, 10, cn.DelayTime, 1)
}

func TestCalculateDelayExceedsInterval(t *testing.T) {
	next := time.Now().Add(-400 * time.Second)
	cn := &CompositeNode{Master: store.WorkflowNode{NextRunAt: &next, IntervalSeconds: 300}}
	cn.CalculateDelay(time.Now())
	assert.True(t, cn.Delayed)
	assert.InDelta(t, 400, cn.DelayTime, 1)
}

func TestDispatchMasterCreatesExactlyOneExecution(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	node := testCompositeNode(t, st, sub)

	outcome := node.dispatchMaster(context.Background(), dispatchCapability{})
	require.Equal(t, Dispatched, outcome.Kind)
	require.NotNil(t, outcome.Execution)
	assert.Len(t, sub.Submissions, 1)

	inFlight, err := st.IsNodeInFlight(node.Master.ID)
	require.NoError(t, err)
	assert.True(t, inFlight)
}

func TestDispatchMasterTwiceInQuickSuccessionIsIdempotent(t *testing.T) {
	// R1: dispatching the same composite node twice in quick succession
	// creates exactly one Execution.
	st := newTestStore(t)
	sub := newFakeSubmitter()
	node := testCompositeNode(t, st, sub)

	first := node.dispatchMaster(context.Background(), dispatchCapability{})
	require.Equal(t, Dispatched, first.Kind)

	second := node.dispatchMaster(context.Background(), dispatchCapability{})
	assert.Equal(t, AlreadyRunning, second.Kind)
	assert.Len(t, sub.Submissions, 1, "only one submission must have occurred")
}

func TestDispatchMasterRejectedWhenOLTDisabled(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	olt := seedOLT(t, st, "olt-1", false)
	wf := seedWorkflow(t, st, "wf-1", olt.ID, true)
	master := seedMaster(t, st, "m1", wf.ID, time.Now().Add(-time.Second), 90, 300)
	node := NewCompositeNode(master, nil, wf, olt, st, newTestLocker(), sub, RealClock,
		5*time.Minute, 30*time.Second, testLogger())

	outcome := node.dispatchMaster(context.Background(), dispatchCapability{})
	assert.Equal(t, Rejected, outcome.Kind)
	assert.Empty(t, sub.Submissions)
}

func TestDispatchMasterSubmissionFailureMarksExecutionFailed(t *testing.T) {
	st := newTestStore(t)
	sub := newFakeSubmitter()
	sub.SubmitErr = assertError{"broker unreachable"}
	node := testCompositeNode(t, st, sub)

	outcome := node.dispatchMaster(context.Background(), dispatchCapability{})
	require.Equal(t, Dispatched, outcome.Kind)
	require.NotNil(t, outcome.Execution)
	assert.Equal(t, store.ExecFailed, outcome.Execution.Status)

	inFlight, err := st.IsNodeInFlight(node.Master.ID)
	require.NoError(t, err)
	assert.False(t, inFlight, "a submission failure must not leave the node marked in-flight")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
