package pollcore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gponmesh/pollengine/internal/store"
)

// Pool owns N worker slots and the single Node Priority Queue they share
// (§4.D).
type Pool struct {
	mu          sync.Mutex
	slots       []*WorkerSlot
	queue       *NodeQueue
	store       *store.Store
	log         *slog.Logger
	oltInFlight map[string]bool

	tasksDelayed int64

	lastSaturationWarn time.Time
}

// NewPool constructs a pool of n slots backed by queue.
func NewPool(n int, queue *NodeQueue, st *store.Store, log *slog.Logger) *Pool {
	slots := make([]*WorkerSlot, n)
	for i := range slots {
		slots[i] = NewWorkerSlot(i)
	}
	return &Pool{slots: slots, queue: queue, store: st, log: log}
}

// hasFreeSlot reports whether any slot can accept work, reconciling against
// storage first so a slot whose execution already went terminal (a missed
// callback) doesn't block assignment forever.
func (p *Pool) hasFreeSlot() bool {
	p.reconcileSlots()
	for _, s := range p.slots {
		if s.IsFree() {
			return true
		}
	}
	return false
}

// isOLTBusy is the per-OLT mutex check (I6). A provisional in-memory marker
// covers the window between claiming a slot for an OLT and that dispatch's
// CreateExecution actually landing in storage — without it, two composite
// nodes for the same OLT processed in the same tick could both pass the
// storage-backed check before the first one's Execution exists.
func (p *Pool) isOLTBusy(oltID string) bool {
	p.mu.Lock()
	marked := p.oltInFlight[oltID]
	p.mu.Unlock()
	if marked {
		return true
	}
	busy, err := p.store.IsOLTBusy(oltID)
	if err != nil {
		p.log.Warn("pool: isOLTBusy store error", "olt_id", oltID, "err", err)
		return true // fail closed: don't double-dispatch on a store hiccup
	}
	return busy
}

// assign implements §4.D's assign(composite_node): busy-OLT and no-free-slot
// both fall through to enqueue. The OLT-busy check, the slot claim, and the
// provisional OLT marker are all performed under one critical section so two
// concurrent (or same-tick sequential) assign calls for the same OLT can
// never both win a slot.
func (p *Pool) assign(cn *CompositeNode) {
	p.mu.Lock()

	if cn.Delayed {
		p.tasksDelayed++
	}

	if p.oltInFlight[cn.OLT.ID] {
		p.mu.Unlock()
		p.queue.Put(cn)
		return
	}
	if busy, err := p.store.IsOLTBusy(cn.OLT.ID); err != nil {
		p.log.Warn("pool: isOLTBusy store error", "olt_id", cn.OLT.ID, "err", err)
		p.mu.Unlock()
		p.queue.Put(cn)
		return
	} else if busy {
		p.mu.Unlock()
		p.queue.Put(cn)
		return
	}

	var slot *WorkerSlot
	for _, s := range p.slots {
		if s.tryClaim(cn) {
			slot = s
			break
		}
	}
	if slot == nil {
		p.mu.Unlock()
		p.queue.Put(cn)
		return
	}
	if p.oltInFlight == nil {
		p.oltInFlight = make(map[string]bool)
	}
	p.oltInFlight[cn.OLT.ID] = true
	p.mu.Unlock()

	go p.dispatchOnSlot(slot, cn)
}

func (p *Pool) dispatchOnSlot(slot *WorkerSlot, cn *CompositeNode) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome := slot.execute(ctx, cn)

	// If the slot didn't actually end up tracking a live Execution, nothing
	// will ever call release() for it — free it now and drain the OLT's
	// backlog so the next node on that OLT isn't starved.
	settled := outcome.Kind != Dispatched ||
		(outcome.Execution != nil && outcome.Execution.Status.Terminal())
	if settled {
		var durationMs int64
		if outcome.Execution != nil {
			durationMs = outcome.Execution.DurationMs
		}
		slot.release(durationMs)
		p.processQueueForOLT(cn.OLT.ID)
	}

	switch outcome.Kind {
	case Rejected:
		p.log.Warn("dispatch rejected", "node_id", cn.Master.ID, "reason", outcome.Reason)
	case AlreadyRunning:
		p.log.Debug("dispatch already running", "node_id", cn.Master.ID)
	case Dispatched:
		p.log.Info("dispatched", "node_id", cn.Master.ID, "olt_id", cn.OLT.ID)
	}
}

// processQueue implements §4.E step 7: while a slot is free and the queue
// is non-empty, pop the head and assign it, bounded by max per invocation.
func (p *Pool) processQueue(max int) {
	for i := 0; i < max; i++ {
		if !p.hasFreeSlot() {
			return
		}
		cn, ok := p.queue.Get()
		if !ok {
			return
		}
		p.assign(cn)
	}
}

// processQueueForOLT implements §4.D's targeted drain: called exactly when
// an OLT's current execution finishes, so the next queued node for that
// OLT (if any) gets a chance without waiting for the next full tick. It also
// clears the provisional marker assign() sets, since by the time this runs
// the dispatch that held it has already settled one way or another.
func (p *Pool) processQueueForOLT(oltID string) {
	p.mu.Lock()
	delete(p.oltInFlight, oltID)
	p.mu.Unlock()

	if p.isOLTBusy(oltID) {
		return
	}
	cn, ok := p.queue.RemoveByOLT(oltID)
	if !ok {
		return
	}
	p.assign(cn)
}

// releaseSlotForExecution implements §4.F step 2: find the slot whose
// current_execution_id matches execID and free it, crediting durationMs.
// Also opportunistically frees any other slot holding a now-terminal
// execution (idempotent repair for missed callbacks). Returns true if the
// targeted slot was found and freed by this call.
func (p *Pool) releaseSlotForExecution(execID string, durationMs int64) bool {
	found := false
	for _, s := range p.slots {
		if s.holdsExecution(execID) {
			s.release(durationMs)
			found = true
		}
	}
	p.reconcileSlots()
	return found
}

// reconcileSlots forces any slot whose current_execution_id is terminal in
// storage back to Free — the repair path for missed completion callbacks
// (§4.B, §4.D stats()).
func (p *Pool) reconcileSlots() {
	for _, s := range p.slots {
		execID := s.currentExecutionID()
		if execID == "" {
			continue
		}
		exec, found, err := p.store.GetExecution(execID)
		if err != nil || !found {
			continue
		}
		if exec.Status.Terminal() {
			s.forceFree()
		}
	}
}

// Stats is the pool-wide snapshot §4.D's stats() and the /pollers/stats
// HTTP route return.
type Stats struct {
	TotalSlots     int
	FreeSlots      int
	BusySlots      int
	BusyPercentage float64
	QueueSize      int
	QueueMaxSize   int
	IsOverload     bool
	IsSaturated    bool
	TasksCompleted int64
	TasksDelayed   int64
	Slots          []Snapshot
}

// stats performs the reconciliation pass then returns the authoritative
// pool-wide snapshot exposed to observability.
func (p *Pool) stats() Stats {
	p.reconcileSlots()

	p.mu.Lock()
	delayed := p.tasksDelayed
	p.mu.Unlock()

	st := Stats{
		TotalSlots:   len(p.slots),
		QueueSize:    p.queue.Size(),
		QueueMaxSize: p.queue.MaxSize(),
		IsOverload:   p.queue.IsOverload(),
		TasksDelayed: delayed,
		Slots:        make([]Snapshot, 0, len(p.slots)),
	}
	for _, s := range p.slots {
		snap := s.Snapshot()
		st.Slots = append(st.Slots, snap)
		if snap.Status == Free {
			st.FreeSlots++
		} else {
			st.BusySlots++
		}
		st.TasksCompleted += snap.TasksCompleted
	}
	if st.TotalSlots > 0 {
		st.BusyPercentage = 100 * float64(st.BusySlots) / float64(st.TotalSlots)
	}
	st.IsSaturated = p.isSaturated(st)
	return st
}

// Stats returns the pool-wide snapshot (exported for the scheduler and
// HTTP layers).
func (p *Pool) Stats() Stats { return p.stats() }

// QueuedNode is a read-only preview of one backlog entry, for the
// /pollers/queue HTTP route.
type QueuedNode struct {
	ID        string
	Name      string
	OLTID     string
	Delayed   bool
	Priority  int
	NextRunAt *time.Time
}

// PeekQueue returns up to n queued composite nodes in dispatch order without
// removing them.
func (p *Pool) PeekQueue(n int) []QueuedNode {
	entries := p.queue.Peek(n)
	out := make([]QueuedNode, 0, len(entries))
	for _, cn := range entries {
		out = append(out, QueuedNode{
			ID:        cn.Master.ID,
			Name:      cn.Master.Name,
			OLTID:     cn.OLT.ID,
			Delayed:   cn.Delayed,
			Priority:  cn.Priority(),
			NextRunAt: cn.Master.NextRunAt,
		})
	}
	return out
}

// isSaturated implements §4.D: busy% > 75, or queue_size > 2N, or all slots
// busy with a non-empty queue.
func (p *Pool) isSaturated(st Stats) bool {
	if st.BusyPercentage > 75 {
		return true
	}
	if st.QueueSize > 2*st.TotalSlots {
		return true
	}
	if st.TotalSlots > 0 && st.BusySlots == st.TotalSlots && st.QueueSize > 0 {
		return true
	}
	return false
}

// WarnIfSaturated logs a rate-limited warning (§4.E step 8: once per 10
// ticks) when the pool is saturated.
func (p *Pool) WarnIfSaturated(tickInterval time.Duration) {
	st := p.stats()
	if !st.IsSaturated {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastSaturationWarn) < 10*tickInterval {
		return
	}
	p.lastSaturationWarn = time.Now()
	p.log.Warn("worker pool saturated",
		"busy_percentage", st.BusyPercentage,
		"queue_size", st.QueueSize,
		"queue_max_size", st.QueueMaxSize,
	)
}
