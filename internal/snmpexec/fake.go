package snmpexec

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gponmesh/pollengine/internal/store"
)

// Submission records one call to Fake.Submit, for test assertions.
type Submission struct {
	JobType     store.JobType
	NodeID      string
	OLTID       string
	ExecutionID string
	TaskID      string
}

// Fake is an in-memory Submitter for unit tests: it never touches a real
// broker, records every submission, and lets the test drive completion
// callbacks synchronously via Complete.
type Fake struct {
	mu          sync.Mutex
	Submissions []Submission
	SubmitErr   error
	handlers    []CompletionHandler
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Submit(_ context.Context, jt store.JobType, nodeID, oltID, executionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	taskID := uuid.NewString()
	f.Submissions = append(f.Submissions, Submission{
		JobType: jt, NodeID: nodeID, OLTID: oltID, ExecutionID: executionID, TaskID: taskID,
	})
	return taskID, nil
}

// OnCompletion registers a handler Complete will invoke.
func (f *Fake) OnCompletion(h CompletionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// Complete synchronously delivers a completion event to every registered
// handler, simulating the downstream runtime's terminal-state callback.
func (f *Fake) Complete(ctx context.Context, evt CompletionEvent) {
	f.mu.Lock()
	handlers := append([]CompletionHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
}
