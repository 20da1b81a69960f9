// Package store is the polling engine's own embedded journal: a durable,
// crash-safe cache of the OLTs, workflows, workflow nodes, and executions
// the scheduler tick and completion dispatcher must read and write on every
// cycle, so neither ever blocks on a network round trip to an upstream
// system of record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketOLTs         = []byte("olts")
	bucketWorkflows    = []byte("workflows")
	bucketNodes        = []byte("nodes")
	bucketExecutions   = []byte("executions")
	bucketNodeInFlight = []byte("node_inflight")
	bucketOLTInFlight  = []byte("olt_inflight")
	bucketPendingIndex = []byte("pending_index")
)

var allBuckets = [][]byte{
	bucketOLTs, bucketWorkflows, bucketNodes, bucketExecutions,
	bucketNodeInFlight, bucketOLTInFlight, bucketPendingIndex,
}

// Store is the bbolt-backed journal plus an in-memory hot cache warmed at
// startup, mirroring the teacher's WorkflowStore cache-then-db shape.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	oltCache      map[string]OLT
	workflowCache map[string]Workflow
	nodeCache     map[string]WorkflowNode

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens the journal at dbPath/pollengine.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath+"/pollengine.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("pollengine_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("pollengine_store_write_ms")
	cacheHits, _ := meter.Int64Counter("pollengine_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("pollengine_store_cache_misses_total")

	s := &Store{
		db:            db,
		oltCache:      make(map[string]OLT),
		workflowCache: make(map[string]Workflow),
		nodeCache:     make(map[string]WorkflowNode),
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOLTs).ForEach(func(k, v []byte) error {
			var o OLT
			if err := json.Unmarshal(v, &o); err == nil {
				s.oltCache[o.ID] = o
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var w Workflow
			if err := json.Unmarshal(v, &w); err == nil {
				s.workflowCache[w.ID] = w
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n WorkflowNode
			if err := json.Unmarshal(v, &n); err == nil {
				s.nodeCache[n.ID] = n
			}
			return nil
		})
	})
}

func (s *Store) recordLatency(h metric.Float64Histogram, op string, start time.Time) {
	h.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("operation", op)))
}

// PutOLT upserts an OLT.
func (s *Store) PutOLT(o OLT) error {
	defer s.recordLatency(s.writeLatency, "put_olt", time.Now())
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOLTs).Put([]byte(o.ID), data)
	}); err != nil {
		return fmt.Errorf("put olt: %w", err)
	}
	s.oltCache[o.ID] = o
	return nil
}

// GetOLT returns an OLT from the in-memory cache; it does not read disk.
func (s *Store) GetOLT(id string) (OLT, bool) {
	s.mu.RLock()
	o, ok := s.oltCache[id]
	s.mu.RUnlock()
	if ok {
		s.cacheHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", "olt")))
	} else {
		s.cacheMisses.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", "olt")))
	}
	return o, ok
}

// PutWorkflow upserts a Workflow.
func (s *Store) PutWorkflow(w Workflow) error {
	defer s.recordLatency(s.writeLatency, "put_workflow", time.Now())
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(w.ID), data)
	}); err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	s.workflowCache[w.ID] = w
	return nil
}

// GetWorkflow returns a Workflow from cache.
func (s *Store) GetWorkflow(id string) (Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflowCache[id]
	return w, ok
}

// PutNode upserts a WorkflowNode.
func (s *Store) PutNode(n WorkflowNode) error {
	defer s.recordLatency(s.writeLatency, "put_node", time.Now())
	if n.Priority == 0 {
		n.Priority = DefaultPriority(n.JobType())
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(n.ID), data)
	}); err != nil {
		return fmt.Errorf("put node: %w", err)
	}
	s.nodeCache[n.ID] = n
	return nil
}

// GetNode returns a WorkflowNode from cache.
func (s *Store) GetNode(id string) (WorkflowNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodeCache[id]
	return n, ok
}

// ListNodes returns every cached node; callers filter.
func (s *Store) ListNodes() []WorkflowNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkflowNode, 0, len(s.nodeCache))
	for _, n := range s.nodeCache {
		out = append(out, n)
	}
	return out
}

// CanExecuteNow checks OLT-enabled, workflow-active, node-enabled
// preconditions for §4.C's dispatchMaster precondition (a), and for the
// chain-dispatch successor check in §4.F that stops the termination
// cascade when an OLT has been disabled mid-flight.
func (s *Store) CanExecuteNow(n WorkflowNode) (bool, string) {
	if !n.Enabled {
		return false, "node disabled"
	}
	wf, ok := s.GetWorkflow(n.WorkflowID)
	if !ok {
		return false, "workflow not found"
	}
	if !wf.Active {
		return false, "workflow inactive"
	}
	olt, ok := s.GetOLT(wf.OLTID)
	if !ok {
		return false, "olt not found"
	}
	if !olt.Active() {
		return false, "olt disabled or soft-deleted"
	}
	return true, ""
}
