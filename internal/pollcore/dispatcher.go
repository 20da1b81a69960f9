package pollcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gponmesh/pollengine/internal/locks"
	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

// NodeAdvance is advanceScheduling's typed return value: a description of
// what, if anything, the Completion Dispatcher should dispatch next,
// independent of the side effects that carry it out (§4.F, §9 redesign).
type NodeAdvance struct {
	Node          store.WorkflowNode
	Execution     store.Execution
	IsMaster      bool
	HasChain      bool
	FirstChainID  string
	ChainPosition int
	NextChainID   string
}

// Dispatcher is the Completion Dispatcher (§4.F): invoked whenever an
// Execution reaches a terminal state, it advances the node's scheduling
// state, frees the worker slot, starts the next chain node (if any), and
// drains that OLT's backlog. Freeing the slot and draining the backlog run
// unconditionally, via defer, so they happen regardless of which stage
// errored or returned early.
type Dispatcher struct {
	store     *store.Store
	pool      *Pool
	locks     Locker
	submitter snmpexec.Submitter
	clock     Clock

	nodeLockTTL  time.Duration
	chainLockTTL time.Duration

	log *slog.Logger
}

// NewDispatcher wires a Dispatcher over the given components.
func NewDispatcher(
	st *store.Store,
	pool *Pool,
	lk Locker,
	sub snmpexec.Submitter,
	clock Clock,
	nodeLockTTL, chainLockTTL time.Duration,
	log *slog.Logger,
) *Dispatcher {
	if clock == nil {
		clock = RealClock
	}
	return &Dispatcher{
		store: st, pool: pool, locks: lk, submitter: sub, clock: clock,
		nodeLockTTL: nodeLockTTL, chainLockTTL: chainLockTTL, log: log,
	}
}

// HandleCompletion is the NATS subscription callback registered against
// pollengine.completions (§6).
func (d *Dispatcher) HandleCompletion(ctx context.Context, evt snmpexec.CompletionEvent) {
	// Steps 2 and 4 run unconditionally regardless of what happens below,
	// so a completion callback can never leak a busy slot or strand an
	// OLT's backlog.
	defer func() {
		d.pool.releaseSlotForExecution(evt.ExecutionID, evt.DurationMs)
		d.pool.processQueueForOLT(evt.OLTID)
	}()

	exec, found, err := d.store.GetExecution(evt.ExecutionID)
	if err != nil {
		d.log.Error("dispatcher: lookup execution failed", "execution_id", evt.ExecutionID, "err", err)
		return
	}
	if !found {
		// Runtime callback for unknown Execution (§7): logged, ignored.
		d.log.Warn("dispatcher: completion for unknown execution", "execution_id", evt.ExecutionID)
		return
	}

	node, ok := d.store.GetNode(exec.NodeID)
	if !ok {
		d.log.Warn("dispatcher: completion for unknown node", "node_id", exec.NodeID)
		return
	}

	finalized, alreadyFinalized, err := d.store.Finalize(evt.ExecutionID, evt.Status, evt.DurationMs, evt.ResultSummary)
	if err != nil {
		d.log.Error("dispatcher: finalize failed", "execution_id", evt.ExecutionID, "err", err)
	}

	if alreadyFinalized {
		// R2: a second callback for the same (execution_id, terminal_status)
		// must not advance next_run_at again or start the chain a second time.
		return
	}
	if err != nil {
		return
	}

	advance, err := d.advanceScheduling(node, finalized)
	if err != nil {
		d.log.Error("dispatcher: advanceScheduling failed", "node_id", node.ID, "err", err)
		return
	}

	outcome := d.dispatchChainSuccessor(ctx, advance)
	switch outcome.Kind {
	case Rejected:
		d.log.Debug("dispatcher: no chain successor dispatched", "node_id", node.ID, "reason", outcome.Reason)
	case AlreadyRunning:
		d.log.Debug("dispatcher: chain successor already running", "node_id", node.ID)
	case Dispatched:
		d.log.Info("dispatcher: chain successor dispatched", "node_id", node.ID)
	}
}

// advanceScheduling implements §4.F step 1: set last_run_at/last_*_at, for
// masters only advance next_run_at, and describe what should be dispatched
// next without actually dispatching it.
func (d *Dispatcher) advanceScheduling(node store.WorkflowNode, exec store.Execution) (NodeAdvance, error) {
	success := exec.Status == store.ExecSuccess
	updated, err := d.store.UpdateNodeSchedule(node.ID, d.clock.Now(), success)
	if err != nil {
		return NodeAdvance{}, err
	}

	advance := NodeAdvance{Node: updated, Execution: exec, IsMaster: updated.IsMaster()}
	if advance.IsMaster {
		chain := d.store.ListChainNodes(updated.ID)
		if len(chain) > 0 {
			advance.HasChain = true
			advance.FirstChainID = chain[0].ID
		}
		return advance, nil
	}

	chain := d.store.ListChainNodes(updated.MasterNodeID)
	for i, c := range chain {
		if c.ID == updated.ID {
			advance.ChainPosition = i
			if i+1 < len(chain) {
				advance.NextChainID = chain[i+1].ID
			}
			break
		}
	}
	return advance, nil
}

// dispatchChainSuccessor implements §4.F step 3.
func (d *Dispatcher) dispatchChainSuccessor(ctx context.Context, advance NodeAdvance) DispatchOutcome {
	if advance.IsMaster {
		if !advance.HasChain {
			return DispatchOutcome{Kind: Rejected, Reason: "no chain nodes"}
		}
		lockKey := locks.FirstChainLockKey(advance.Node.ID, advance.FirstChainID)
		return d.dispatchChainNode(ctx, advance.Execution, advance.FirstChainID, lockKey)
	}
	if advance.NextChainID == "" {
		return DispatchOutcome{Kind: Rejected, Reason: "no successor chain node"}
	}
	lockKey := locks.NextChainLockKey(advance.NextChainID)
	return d.dispatchChainNode(ctx, advance.Execution, advance.NextChainID, lockKey)
}

// dispatchChainNode acquires the chain lock for nextNodeID, verifies the
// predecessor's reconciliation markers (when it's a discovery master) and
// that nextNodeID has no active Execution, then reuses the per-node
// dispatch protocol to start it.
func (d *Dispatcher) dispatchChainNode(ctx context.Context, predecessorExec store.Execution, nextNodeID, lockKey string) DispatchOutcome {
	lock, err := d.locks.Acquire(ctx, lockKey, d.chainLockTTL)
	if err != nil {
		// Another callback is already handling this chain dispatch (§4.F
		// step 3): not an error, return quietly.
		return DispatchOutcome{Kind: AlreadyRunning}
	}
	defer func() {
		if relErr := d.locks.Release(ctx, lock); relErr != nil {
			d.log.Warn("dispatcher: chain lock release failed", "key", lockKey, "err", relErr)
		}
	}()

	if predecessorExec.JobType == store.JobDiscovery {
		if !d.waitForReconciliationMarkers(predecessorExec.ID) {
			return DispatchOutcome{Kind: Rejected, Reason: "reconciliation markers not observed"}
		}
	}

	nextNode, ok := d.store.GetNode(nextNodeID)
	if !ok {
		return DispatchOutcome{Kind: Rejected, Reason: "chain node not found"}
	}

	if inFlight, err := d.store.IsNodeInFlight(nextNodeID); err == nil && inFlight {
		if exec, found, _ := d.store.GetInFlightExecutionForNode(nextNodeID); found {
			e := exec
			return DispatchOutcome{Kind: AlreadyRunning, Execution: &e}
		}
		return DispatchOutcome{Kind: AlreadyRunning}
	}

	cn, err := d.buildCompositeNode(nextNode)
	if err != nil {
		return DispatchOutcome{Kind: Rejected, Reason: fmt.Sprintf("build composite node: %v", err)}
	}
	return cn.dispatchNode(ctx, nextNode)
}

// waitForReconciliationMarkers polls up to 3 times at 1s intervals (via the
// injectable clock, so tests don't sleep for real) for the predecessor's
// stored result_summary to carry the expected reconciliation markers.
func (d *Dispatcher) waitForReconciliationMarkers(execID string) bool {
	for attempt := 0; attempt < 3; attempt++ {
		exec, found, err := d.store.GetExecution(execID)
		if err != nil || !found {
			return false
		}
		if hasReconciliationMarkers(exec) {
			return true
		}
		if attempt < 2 {
			d.clock.Sleep(1 * time.Second)
		}
	}
	return false
}

func hasReconciliationMarkers(exec store.Execution) bool {
	if exec.ResultSummary == nil {
		return false
	}
	v, ok := exec.ResultSummary["reconciled"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// buildCompositeNode constructs the minimal CompositeNode needed to reuse
// the per-node dispatch protocol for a chain node: its workflow and OLT,
// with no chain attached (chain nodes never carry their own sub-chain).
func (d *Dispatcher) buildCompositeNode(node store.WorkflowNode) (*CompositeNode, error) {
	wf, ok := d.store.GetWorkflow(node.WorkflowID)
	if !ok {
		return nil, fmt.Errorf("workflow not found: %s", node.WorkflowID)
	}
	olt, ok := d.store.GetOLT(wf.OLTID)
	if !ok {
		return nil, fmt.Errorf("olt not found: %s", wf.OLTID)
	}
	return NewCompositeNode(node, nil, wf, olt, d.store, d.locks, d.submitter, d.clock,
		d.nodeLockTTL, d.chainLockTTL, d.log), nil
}
