package pollcore

import (
	"context"
	"sync"
	"time"
)

// SlotStatus is a worker slot's state (§4.B).
type SlotStatus int

const (
	Free SlotStatus = iota
	Busy
)

func (s SlotStatus) String() string {
	if s == Busy {
		return "busy"
	}
	return "free"
}

// WorkerSlot represents one outstanding-operation-on-an-OLT capacity unit,
// not a goroutine: it stays Busy across the asynchronous SNMP round trip so
// that per-OLT serialization (I6) holds even though the submitting
// goroutine returns immediately.
type WorkerSlot struct {
	ID int

	mu            sync.Mutex
	status        SlotStatus
	currentExecID string
	currentNode   *CompositeNode
	startedAt     time.Time

	tasksCompleted int64
	busyTime       time.Duration
	totalTime      time.Duration
}

// NewWorkerSlot constructs a free slot with the given index.
func NewWorkerSlot(id int) *WorkerSlot {
	return &WorkerSlot{ID: id, status: Free}
}

// Snapshot is the read-only view of a slot's state exposed to stats/HTTP.
type Snapshot struct {
	ID             int
	Status         SlotStatus
	CurrentNodeID  string
	CurrentExecID  string
	TasksCompleted int64
	BusyTime       time.Duration
	TotalTime      time.Duration
}

// Snapshot returns the slot's current state without mutating it.
func (s *WorkerSlot) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:             s.ID,
		Status:         s.status,
		CurrentExecID:  s.currentExecID,
		TasksCompleted: s.tasksCompleted,
		BusyTime:       s.busyTime,
		TotalTime:      s.totalTime,
	}
	if s.currentNode != nil {
		snap.CurrentNodeID = s.currentNode.Master.ID
	}
	return snap
}

// IsFree reports whether the slot can accept a new composite node.
func (s *WorkerSlot) IsFree() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Free
}

// tryClaim atomically transitions the slot Free -> Busy and returns whether
// it succeeded. Pool.assign calls this synchronously, under the pool's own
// lock, before ever handing the slot to a goroutine — so two concurrent
// assign calls can never race onto the same slot the way they would if the
// Busy transition only happened inside the dispatching goroutine.
func (s *WorkerSlot) tryClaim(cn *CompositeNode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Free {
		return false
	}
	s.status = Busy
	s.currentNode = cn
	s.startedAt = time.Now()
	return true
}

// execute implements §4.B's execute(composite_node): dispatches the master
// against an already-claimed slot, remembers the execution ID, and returns
// — it does not wait for the execution to reach a terminal state. The
// dispatch capability token is minted here, the one place §4.C's
// dispatchMaster is allowed to be called from.
func (s *WorkerSlot) execute(ctx context.Context, cn *CompositeNode) DispatchOutcome {
	s.mu.Lock()
	if s.status != Busy {
		// Direct callers (tests) that bypass tryClaim still get correct
		// behavior; production callers always claim first.
		s.status = Busy
		s.currentNode = cn
		s.startedAt = time.Now()
	}
	s.mu.Unlock()

	outcome := cn.dispatchMaster(ctx, dispatchCapability{})

	s.mu.Lock()
	if outcome.Execution != nil {
		s.currentExecID = outcome.Execution.ID
	}
	s.mu.Unlock()

	return outcome
}

// release transitions the slot back to Free (§4.B: never synchronously by
// execute; the Completion Dispatcher calls it on completion, and
// Pool.dispatchOnSlot calls it when an outcome leaves nothing running). durationMs is
// added to cumulative busy_time; tasksCompleted increments.
func (s *WorkerSlot) release(durationMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Free
	s.currentExecID = ""
	s.currentNode = nil
	s.tasksCompleted++
	s.busyTime += time.Duration(durationMs) * time.Millisecond
	if !s.startedAt.IsZero() {
		s.totalTime += time.Since(s.startedAt)
	}
}

// holdsExecution reports whether this slot's current execution ID matches
// execID — used by the Completion Dispatcher to find the slot to release.
func (s *WorkerSlot) holdsExecution(execID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Busy && s.currentExecID == execID
}

// currentExecutionID returns the slot's current execution ID, or "" if free.
func (s *WorkerSlot) currentExecutionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentExecID
}

// forceFree resets a stuck slot to Free without crediting a completion,
// used by the health-check repair path (§4.B) when a slot is Busy with a
// current_execution_id that storage already shows as terminal.
func (s *WorkerSlot) forceFree() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Free
	s.currentExecID = ""
	s.currentNode = nil
}
