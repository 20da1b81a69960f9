// Package pollcore implements the GPON polling engine's scheduling core:
// the Node Priority Queue, Worker Slot state machine, Composite Node
// dispatch protocol, Worker Pool, Scheduler Tick, and Completion Dispatcher.
package pollcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/gponmesh/pollengine/internal/locks"
	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

// Config configures Engine construction; zero values fall back to the
// defaults named in SPEC_FULL.md's configuration table.
type Config struct {
	StartPollers int
	QueueMaxSize int
	NodeLockTTL  time.Duration
	ChainLockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartPollers <= 0 {
		c.StartPollers = 10
	}
	if c.QueueMaxSize <= 0 {
		c.QueueMaxSize = 1000
	}
	if c.NodeLockTTL <= 0 {
		c.NodeLockTTL = 5 * time.Minute
	}
	if c.ChainLockTTL <= 0 {
		c.ChainLockTTL = 30 * time.Second
	}
	return c
}

// Engine wires the Pool, Scheduler, and Dispatcher together over a shared
// Store, lock helper, and downstream submitter. This is the component the
// process entrypoint constructs and starts.
type Engine struct {
	Pool       *Pool
	Scheduler  *Scheduler
	Dispatcher *Dispatcher

	store *store.Store
	locks Locker
	clock Clock
	log   *slog.Logger
	sub   snmpexec.Submitter

	startPollers int
}

// NewEngine constructs the full polling core.
func NewEngine(
	cfg Config,
	st *store.Store,
	lk Locker,
	sub snmpexec.Submitter,
	clock Clock,
	log *slog.Logger,
) *Engine {
	cfg = cfg.withDefaults()
	queue := NewNodeQueue(cfg.QueueMaxSize)
	pool := NewPool(cfg.StartPollers, queue, st, log)
	scheduler := NewScheduler(st, pool, lk, sub, clock, cfg.NodeLockTTL, cfg.ChainLockTTL, log)
	dispatcher := NewDispatcher(st, pool, lk, sub, clock, cfg.NodeLockTTL, cfg.ChainLockTTL, log)
	return &Engine{
		Pool: pool, Scheduler: scheduler, Dispatcher: dispatcher,
		store: st, locks: lk, clock: clock, log: log, sub: sub,
		startPollers: cfg.StartPollers,
	}
}

// Start registers the scheduler tick and, if runtime is non-nil, wires the Completion Dispatcher as its completion handler.
func (e *Engine) Start(ctx context.Context, runtime *snmpexec.NATSRuntime) error {
	if runtime != nil {
		if _, err := runtime.Subscribe(e.Dispatcher.HandleCompletion); err != nil {
			return err
		}
	}
	return e.Scheduler.Start(ctx)
}

// Stop halts the scheduler's cron engine.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
}

// Stats returns the worker pool's current stats snapshot.
func (e *Engine) Stats() Stats { return e.Pool.Stats() }

// PeekQueue returns a preview of the queue's head, for /pollers/queue.
func (e *Engine) PeekQueue(n int) []QueuedNode { return e.Pool.PeekQueue(n) }

// StartPollers returns the configured worker slot count, for the
// start_pollers field of /pollers/stats.
func (e *Engine) StartPollers() int { return e.startPollers }

// Running reports whether the scheduler's tick cron is currently active.
func (e *Engine) Running() bool { return e.Scheduler.Running() }

// EnqueueManualRun implements POST /pollers/nodes/{id}/run: builds and
// assigns a composite node for a master outside the normal tick cadence.
// Rejects chain-only nodes.
func (e *Engine) EnqueueManualRun(ctx context.Context, node store.WorkflowNode) (DispatchOutcome, error) {
	if node.IsChainNode {
		return DispatchOutcome{Kind: Rejected, Reason: "chain nodes cannot be run directly"}, nil
	}
	wf, ok := e.store.GetWorkflow(node.WorkflowID)
	if !ok {
		return DispatchOutcome{Kind: Rejected, Reason: "workflow not found"}, nil
	}
	olt, ok := e.store.GetOLT(wf.OLTID)
	if !ok {
		return DispatchOutcome{Kind: Rejected, Reason: "olt not found"}, nil
	}
	chain := e.store.ListChainNodes(node.ID)
	cn := NewCompositeNode(node, chain, wf, olt, e.store, e.locks, e.sub, e.clock,
		e.Scheduler.nodeLockTTL, e.Scheduler.chainLockTTL, e.log)
	cn.CalculateDelay(e.clock.Now())

	if e.Pool.hasFreeSlot() {
		e.Pool.assign(cn)
		return DispatchOutcome{Kind: Dispatched}, nil
	}
	e.Pool.queue.Put(cn)
	return DispatchOutcome{Kind: Dispatched, Reason: "enqueued, no free slot"}, nil
}
