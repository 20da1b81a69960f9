// Package snmpexec models the downstream execution runtime boundary (§6):
// an abstract task-submission interface the core treats as external. SNMP
// transport, OID walking, and ONU reconciliation all happen on the far side
// of this boundary; the core only submits a job and later receives a
// terminal-state callback.
package snmpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/gponmesh/pollengine/internal/natsctx"
	"github.com/gponmesh/pollengine/internal/resilience"
	"github.com/gponmesh/pollengine/internal/store"
)

// Submitter is the narrow interface the core depends on; composite_node.go
// only ever calls Submit, never anything NATS-specific, so tests substitute
// a Fake without touching a broker.
type Submitter interface {
	Submit(ctx context.Context, jt store.JobType, nodeID, oltID, executionID string) (externalTaskID string, err error)
}

// CompletionEvent is the Completion Dispatcher's input (§4.F).
type CompletionEvent struct {
	OLTID         string
	ExecutionID   string
	Status        store.ExecStatus
	DurationMs    int64
	ResultSummary map[string]any
}

// CompletionHandler is invoked once per terminal-state notification.
type CompletionHandler func(context.Context, CompletionEvent)

type wireJob struct {
	JobType     store.JobType `json:"job_type"`
	NodeID      string        `json:"node_id"`
	OLTID       string        `json:"olt_id"`
	ExecutionID string        `json:"execution_id"`
	TaskID      string        `json:"task_id"`
}

type wireCompletion struct {
	OLTID         string           `json:"olt_id"`
	ExecutionID   string           `json:"execution_id"`
	Status        store.ExecStatus `json:"status"`
	DurationMs    int64            `json:"duration_ms"`
	ResultSummary map[string]any   `json:"result_summary,omitempty"`
}

// NATSRuntime submits jobs to pollengine.jobs.<job_type> and listens for
// completions on pollengine.completions, standing in for the Celery broker
// the original system submitted discovery/get tasks to.
type NATSRuntime struct {
	nc      *nats.Conn
	breaker *resilience.CircuitBreaker
}

func NewNATSRuntime(nc *nats.Conn, breaker *resilience.CircuitBreaker) *NATSRuntime {
	return &NATSRuntime{nc: nc, breaker: breaker}
}

// Submit publishes a job, guarded by retry-with-backoff and the circuit
// breaker so a downstream outage fails fast instead of blocking the worker
// slot that called it.
func (r *NATSRuntime) Submit(ctx context.Context, jt store.JobType, nodeID, oltID, executionID string) (string, error) {
	if !r.breaker.Allow() {
		return "", fmt.Errorf("snmpexec: circuit open, not submitting job for node %s", nodeID)
	}
	taskID := uuid.NewString()
	job := wireJob{JobType: jt, NodeID: nodeID, OLTID: oltID, ExecutionID: executionID, TaskID: taskID}
	data, err := json.Marshal(job)
	if err != nil {
		r.breaker.RecordResult(false)
		return "", fmt.Errorf("marshal job: %w", err)
	}
	subject := "pollengine.jobs." + string(jt)
	_, err = resilience.Retry(ctx, 3, 200*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, natsctx.Publish(ctx, r.nc, subject, data)
	})
	r.breaker.RecordResult(err == nil)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	return taskID, nil
}

// Subscribe registers handler against pollengine.completions, decoding each
// message into a CompletionEvent and feeding it to the Completion
// Dispatcher.
func (r *NATSRuntime) Subscribe(handler CompletionHandler) (*nats.Subscription, error) {
	return natsctx.Subscribe(r.nc, "pollengine.completions", func(ctx context.Context, msg *nats.Msg) {
		var wc wireCompletion
		if err := json.Unmarshal(msg.Data, &wc); err != nil {
			return
		}
		handler(ctx, CompletionEvent{
			OLTID:         wc.OLTID,
			ExecutionID:   wc.ExecutionID,
			Status:        wc.Status,
			DurationMs:    wc.DurationMs,
			ResultSummary: wc.ResultSummary,
		})
	})
}
