package store

import (
	"sort"
	"time"
)

// ListReadyMasters implements §4.E step 2: enabled, non-chain nodes whose
// next_run_at has arrived, excluding nodes and OLTs with in-flight
// Executions and skipping inactive workflows or disabled/deleted OLTs.
// Mirrors the original scheduler's pre-computed busy_olt_ids filter: OLTs
// already busy are excluded before chain-grouping even begins.
func (s *Store) ListReadyMasters(now time.Time) ([]WorkflowNode, error) {
	s.mu.RLock()
	nodes := make([]WorkflowNode, 0, len(s.nodeCache))
	for _, n := range s.nodeCache {
		nodes = append(nodes, n)
	}
	s.mu.RUnlock()

	var ready []WorkflowNode
	for _, n := range nodes {
		if !n.Enabled || n.IsChainNode || n.NextRunAt == nil {
			continue
		}
		if n.NextRunAt.After(now) {
			continue
		}
		wf, ok := s.GetWorkflow(n.WorkflowID)
		if !ok || !wf.Active {
			continue
		}
		olt, ok := s.GetOLT(wf.OLTID)
		if !ok || !olt.Active() {
			continue
		}
		inFlight, err := s.IsNodeInFlight(n.ID)
		if err != nil {
			return nil, err
		}
		if inFlight {
			continue
		}
		oltBusy, err := s.IsOLTBusy(wf.OLTID)
		if err != nil {
			return nil, err
		}
		if oltBusy {
			continue
		}
		ready = append(ready, n)
	}
	return ready, nil
}

// ListChainNodes returns masterID's enabled chain nodes ordered by
// (priority desc, id asc) per invariant I3.
func (s *Store) ListChainNodes(masterID string) []WorkflowNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chain []WorkflowNode
	for _, n := range s.nodeCache {
		if n.IsChainNode && n.MasterNodeID == masterID && n.Enabled {
			chain = append(chain, n)
		}
	}
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].Priority != chain[j].Priority {
			return chain[i].Priority > chain[j].Priority
		}
		return chain[i].ID < chain[j].ID
	})
	return chain
}

// OLTIDForWorkflow is a small convenience used by callers that only have a
// workflow ID on hand (e.g. the HTTP manual-run endpoint).
func (s *Store) OLTIDForWorkflow(workflowID string) (string, bool) {
	wf, ok := s.GetWorkflow(workflowID)
	if !ok {
		return "", false
	}
	return wf.OLTID, true
}
