package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/google/uuid"
)

// IsNodeInFlight reports whether node has an Execution in {PENDING,RUNNING}
// (invariant I5).
func (s *Store) IsNodeInFlight(nodeID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketNodeInFlight).Get([]byte(nodeID)) != nil
		return nil
	})
	return found, err
}

// IsOLTBusy reports whether any Execution bound to olt is in
// {PENDING,RUNNING} (invariant I6, §4.D isOLTBusy).
func (s *Store) IsOLTBusy(oltID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketOLTInFlight).Get([]byte(oltID)) != nil
		return nil
	})
	return found, err
}

// GetInFlightExecutionForNode returns the node's current in-flight
// Execution, if any. Used for the idempotence return path in §4.C.
func (s *Store) GetInFlightExecutionForNode(nodeID string) (Execution, bool, error) {
	var execID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketNodeInFlight).Get([]byte(nodeID)); v != nil {
			execID = string(v)
		}
		return nil
	})
	if err != nil || execID == "" {
		return Execution{}, false, err
	}
	return s.GetExecution(execID)
}

// CreateExecution creates a PENDING Execution for node on olt and records it
// as the node's and OLT's in-flight execution, overwriting any previous
// entry. It performs no check of its own: the caller holds the distributed
// per-node lock and has already re-checked for an active execution under
// it (§4.C steps 1-3).
func (s *Store) CreateExecution(nodeID, oltID string, jt JobType) (Execution, error) {
	defer s.recordLatency(s.writeLatency, "create_execution", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	exec := Execution{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		OLTID:     oltID,
		JobType:   jt,
		Status:    ExecPending,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return Execution{}, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNodeInFlight).Put([]byte(nodeID), []byte(exec.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOLTInFlight).Put([]byte(oltID), []byte(exec.ID)); err != nil {
			return err
		}
		idxKey := fmt.Sprintf("%d:%s", exec.CreatedAt.UnixNano(), exec.ID)
		return tx.Bucket(bucketPendingIndex).Put([]byte(idxKey), []byte(exec.ID))
	})
	if err != nil {
		return Execution{}, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// GetExecution retrieves an Execution by ID.
func (s *Store) GetExecution(id string) (Execution, bool, error) {
	defer s.recordLatency(s.readLatency, "get_execution", time.Now())
	var exec Execution
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &exec)
	})
	return exec, found, err
}

// PutExecution overwrites a stored Execution verbatim (used for result
// summary/reconciliation-marker updates that don't change in-flight
// bookkeeping).
func (s *Store) PutExecution(exec Execution) error {
	defer s.recordLatency(s.writeLatency, "put_execution", time.Now())
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data)
	})
}

// MarkFailed transitions a just-created Execution straight to FAILED
// (submission failure path, §4.C step 4's "if step 4 fails" branch) and
// clears its in-flight bookkeeping so the node/OLT are immediately free
// for the next scheduler tick.
func (s *Store) MarkFailed(exec Execution, errMsg string) (Execution, error) {
	now := time.Now()
	exec.Status = ExecFailed
	exec.ErrorMessage = errMsg
	exec.FinishedAt = &now
	if err := s.clearInFlightAndSave(exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// Finalize transitions exec to a terminal status (§4.F step on completion
// callback receipt) and releases its in-flight bookkeeping. Safe to call
// twice with the same terminal status (R2): the second call is a no-op
// because the stored Execution is already terminal, so it returns early
// without calling clearInFlightAndSave.
func (s *Store) Finalize(execID string, status ExecStatus, durationMs int64, resultSummary map[string]any) (Execution, bool, error) {
	exec, found, err := s.GetExecution(execID)
	if err != nil || !found {
		return Execution{}, found, err
	}
	if exec.Status.Terminal() {
		// Already finalized by a previous callback (R2 idempotence).
		return exec, true, nil
	}
	now := time.Now()
	exec.Status = status
	exec.FinishedAt = &now
	exec.DurationMs = durationMs
	if resultSummary != nil {
		exec.ResultSummary = resultSummary
	}
	if err := s.clearInFlightAndSave(exec); err != nil {
		return Execution{}, false, err
	}
	return exec, false, nil
}

func (s *Store) clearInFlightAndSave(exec Execution) error {
	defer s.recordLatency(s.writeLatency, "finalize_execution", time.Now())
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data); err != nil {
			return err
		}
		inflight := tx.Bucket(bucketNodeInFlight)
		if v := inflight.Get([]byte(exec.NodeID)); v != nil && string(v) == exec.ID {
			if err := inflight.Delete([]byte(exec.NodeID)); err != nil {
				return err
			}
		}
		oltInflight := tx.Bucket(bucketOLTInFlight)
		if v := oltInflight.Get([]byte(exec.OLTID)); v != nil && string(v) == exec.ID {
			if err := oltInflight.Delete([]byte(exec.OLTID)); err != nil {
				return err
			}
		}
		// Remove from the pending index: scan is small in practice (bounded
		// by in-flight count), a dedicated reverse index would be premature
		// for the janitor's access pattern.
		cursor := tx.Bucket(bucketPendingIndex).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if string(v) == exec.ID {
				return tx.Bucket(bucketPendingIndex).Delete(k)
			}
		}
		return nil
	})
}

// ListStalePending returns in-flight executions created before cutoff, for
// the janitor passes described in SPEC_FULL.md §5 and §8 S7 (pending
// repair, delivery check).
func (s *Store) ListStalePending(cutoff time.Time) ([]Execution, error) {
	var out []Execution
	err := s.db.View(func(tx *bbolt.Tx) error {
		execBucket := tx.Bucket(bucketExecutions)
		return tx.Bucket(bucketPendingIndex).ForEach(func(k, v []byte) error {
			data := execBucket.Get(v)
			if data == nil {
				return nil
			}
			var exec Execution
			if err := json.Unmarshal(data, &exec); err != nil {
				return nil
			}
			if exec.CreatedAt.Before(cutoff) {
				out = append(out, exec)
			}
			return nil
		})
	})
	return out, err
}

// UpdateNodeSchedule applies the Completion Dispatcher's scheduling-state
// advance (§4.F step 1): last_run_at always, last_success_at/last_failure_at
// by outcome, and next_run_at only for masters.
func (s *Store) UpdateNodeSchedule(nodeID string, now time.Time, success bool) (WorkflowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodeCache[nodeID]
	if !ok {
		return WorkflowNode{}, fmt.Errorf("node not found: %s", nodeID)
	}
	n.LastRunAt = &now
	if success {
		n.LastSuccessAt = &now
	} else {
		n.LastFailureAt = &now
	}
	if n.IsMaster() && n.IntervalSeconds > 0 {
		next := now.Add(time.Duration(n.IntervalSeconds) * time.Second)
		n.NextRunAt = &next
	}
	data, err := json.Marshal(n)
	if err != nil {
		return WorkflowNode{}, err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(n.ID), data)
	}); err != nil {
		return WorkflowNode{}, fmt.Errorf("update node schedule: %w", err)
	}
	s.nodeCache[n.ID] = n
	return n, nil
}
