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

// DispatchKind classifies the outcome of a dispatch attempt, replacing
// exception-based idempotence control flow: callers switch on Kind instead
// of catching a "lock not acquired" error deep inside the call stack.
type DispatchKind int

const (
	Dispatched DispatchKind = iota
	AlreadyRunning
	Rejected
)

func (k DispatchKind) String() string {
	switch k {
	case Dispatched:
		return "dispatched"
	case AlreadyRunning:
		return "already_running"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DispatchOutcome is dispatchMaster's return value (§4.C).
type DispatchOutcome struct {
	Kind      DispatchKind
	Execution *store.Execution
	Reason    string
}

// dispatchCapability is an unexported token type. The only place that can
// construct one is WorkerSlot.execute, so CompositeNode.dispatchMaster can
// never be called except through a worker slot taking ownership of the
// dispatch — no call-stack inspection required to tell who the caller is.
type dispatchCapability struct{}

// CompositeNode is the ephemeral, in-memory grouping of a master workflow
// node, its ordered chain, the owning workflow, and the OLT (§3). It is
// constructed fresh every scheduler tick and discarded once dispatched.
type CompositeNode struct {
	Master   store.WorkflowNode
	Chain    []store.WorkflowNode
	Workflow store.Workflow
	OLT      store.OLT

	Delayed   bool
	DelayTime float64

	store        *store.Store
	locks        Locker
	submitter    snmpexec.Submitter
	clock        Clock
	nodeLockTTL  time.Duration
	chainLockTTL time.Duration
	log          *slog.Logger
}

// NewCompositeNode builds a composite node for master, attaching its
// enabled chain in priority order (already sorted by the caller via
// store.ListChainNodes).
func NewCompositeNode(
	master store.WorkflowNode,
	chain []store.WorkflowNode,
	workflow store.Workflow,
	olt store.OLT,
	st *store.Store,
	lk Locker,
	sub snmpexec.Submitter,
	clock Clock,
	nodeLockTTL, chainLockTTL time.Duration,
	log *slog.Logger,
) *CompositeNode {
	if clock == nil {
		clock = RealClock
	}
	return &CompositeNode{
		Master: master, Chain: chain, Workflow: workflow, OLT: olt,
		store: st, locks: lk, submitter: sub, clock: clock,
		nodeLockTTL: nodeLockTTL, chainLockTTL: chainLockTTL, log: log,
	}
}

// Priority is the composite node's scheduling priority, copied from the
// master (§3).
func (cn *CompositeNode) Priority() int { return cn.Master.Priority }

// CalculateDelay computes (delayed, delay_time) per §4.C and stores them on
// the node.
func (cn *CompositeNode) CalculateDelay(now time.Time) {
	if cn.Master.NextRunAt == nil || !cn.Master.NextRunAt.Before(now) {
		cn.Delayed = false
		cn.DelayTime = 0
		return
	}
	delay := now.Sub(*cn.Master.NextRunAt).Seconds()
	cn.DelayTime = delay
	cn.Delayed = delay > float64(cn.Master.IntervalSeconds)
}

// dispatchMaster implements §4.C's dispatch protocol. The cap parameter
// can only be produced by WorkerSlot.execute, so this method can never be
// invoked from the scheduler tick or anywhere else directly.
func (cn *CompositeNode) dispatchMaster(ctx context.Context, cap dispatchCapability) DispatchOutcome {
	_ = cap
	return cn.dispatchNode(ctx, cn.Master)
}

// dispatchNode runs the dispatch protocol against an arbitrary node (the
// master, or — from the Completion Dispatcher's chain-successor path,
// which reuses this same per-node lock discipline — a chain node).
func (cn *CompositeNode) dispatchNode(ctx context.Context, node store.WorkflowNode) DispatchOutcome {
	if ok, reason := cn.store.CanExecuteNow(node); !ok {
		return DispatchOutcome{Kind: Rejected, Reason: reason}
	}

	if inFlight, err := cn.store.IsNodeInFlight(node.ID); err != nil {
		return DispatchOutcome{Kind: Rejected, Reason: fmt.Sprintf("store error: %v", err)}
	} else if inFlight {
		if exec, found, _ := cn.store.GetInFlightExecutionForNode(node.ID); found {
			e := exec
			return DispatchOutcome{Kind: AlreadyRunning, Execution: &e}
		}
	}

	lockKey := locks.NodeExecLockKey(node.ID)
	lock, err := cn.locks.Acquire(ctx, lockKey, cn.nodeLockTTL)
	if err != nil {
		// Not acquired: a peer already owns this node's dispatch. Idempotence,
		// not an error (§7).
		if exec, found, _ := cn.store.GetInFlightExecutionForNode(node.ID); found {
			e := exec
			return DispatchOutcome{Kind: AlreadyRunning, Execution: &e}
		}
		return DispatchOutcome{Kind: AlreadyRunning}
	}
	defer func() {
		if relErr := cn.locks.Release(ctx, lock); relErr != nil {
			cn.log.Warn("dispatch: lock release failed", "node_id", node.ID, "err", relErr)
		}
	}()

	// Double-checked locking: re-verify under the lock (§4.C step 2).
	if inFlight, err := cn.store.IsNodeInFlight(node.ID); err == nil && inFlight {
		if exec, found, _ := cn.store.GetInFlightExecutionForNode(node.ID); found {
			e := exec
			return DispatchOutcome{Kind: AlreadyRunning, Execution: &e}
		}
	}

	exec, err := cn.store.CreateExecution(node.ID, cn.OLT.ID, node.JobType())
	if err != nil {
		return DispatchOutcome{Kind: Rejected, Reason: fmt.Sprintf("create execution: %v", err)}
	}

	taskID, err := cn.submitter.Submit(ctx, node.JobType(), node.ID, cn.OLT.ID, exec.ID)
	if err != nil {
		failed, markErr := cn.store.MarkFailed(exec, err.Error())
		if markErr != nil {
			cn.log.Error("dispatch: mark-failed after submit error also failed", "node_id", node.ID, "err", markErr)
		}
		cn.log.Error("dispatch: submission failed", "node_id", node.ID, "execution_id", exec.ID, "err", err)
		return DispatchOutcome{Kind: Dispatched, Execution: &failed}
	}

	exec.ExternalTaskID = taskID
	if err := cn.store.PutExecution(exec); err != nil {
		cn.log.Warn("dispatch: failed to persist external task id", "node_id", node.ID, "execution_id", exec.ID, "err", err)
	}
	return DispatchOutcome{Kind: Dispatched, Execution: &exec}
}
