// Package janitor runs the two periodic repair passes described in §5 and
// supplemented from the original system's own maintenance commands: one
// that interrupts Executions stuck PENDING far longer than any real SNMP
// round trip takes, and one that re-submits Executions that were created
// but never actually reached the downstream runtime.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

// deliveryRetriedKey marks an Execution's result_summary once the
// delivery-check pass has already tried to re-submit it once, so a second
// pass never retries the same Execution twice (SPEC_FULL.md §8 S7).
const deliveryRetriedKey = "delivery_retry"

// Janitor drives both repair passes off its own cron.Cron, separate from
// the Scheduler's tick engine, so either can be stopped independently.
type Janitor struct {
	store     *store.Store
	submitter snmpexec.Submitter

	pendingMaxAge    time.Duration
	deliveryCheckAge time.Duration

	cronEngine *cron.Cron
	log        *slog.Logger
}

// New wires a Janitor over the given store and submitter.
func New(st *store.Store, sub snmpexec.Submitter, pendingMaxAge, deliveryCheckAge time.Duration, log *slog.Logger) *Janitor {
	return &Janitor{
		store: st, submitter: sub,
		pendingMaxAge: pendingMaxAge, deliveryCheckAge: deliveryCheckAge,
		cronEngine: cron.New(),
		log:        log,
	}
}

// Start registers both passes: delivery-check every 15s, pending-repair
// every minute. The delivery check runs more often since its grace period
// (default 30s) is much shorter than the pending-repair threshold (default
// 600s).
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cronEngine.AddFunc("@every 15s", func() { j.RunDeliveryCheck(ctx) }); err != nil {
		return err
	}
	if _, err := j.cronEngine.AddFunc("@every 1m", func() { j.RunPendingRepair(ctx) }); err != nil {
		return err
	}
	j.cronEngine.Start()
	return nil
}

// Stop halts future passes and waits for any in-flight pass to finish.
func (j *Janitor) Stop() {
	<-j.cronEngine.Stop().Done()
}

// RunPendingRepair marks Executions still PENDING/RUNNING past
// pendingMaxAge as INTERRUPTED, freeing the node/OLT in-flight locks a
// crashed or forgotten completion callback would otherwise hold forever
// (§5's repair mechanism, grounded on reparar_ejecuciones_pending.py).
func (j *Janitor) RunPendingRepair(ctx context.Context) {
	cutoff := time.Now().Add(-j.pendingMaxAge)
	stale, err := j.store.ListStalePending(cutoff)
	if err != nil {
		j.log.Error("janitor: list stale pending failed", "err", err)
		return
	}
	for _, exec := range stale {
		if !exec.Status.InFlight() {
			continue
		}
		age := time.Since(exec.CreatedAt)
		_, _, err := j.store.Finalize(exec.ID, store.ExecInterrupted, age.Milliseconds(), map[string]any{
			"reason": "pending repair: exceeded janitor max age",
		})
		if err != nil {
			j.log.Error("janitor: repair finalize failed", "execution_id", exec.ID, "err", err)
			continue
		}
		j.log.Warn("janitor: interrupted stale pending execution",
			"execution_id", exec.ID, "node_id", exec.NodeID, "olt_id", exec.OLTID, "age", age)
	}
}

// RunDeliveryCheck re-submits Executions PENDING past deliveryCheckAge that
// never got an external task ID — created in storage but never actually
// handed to the downstream runtime, the Go-native analogue of
// delivery_checker.py's Celery-inspection pass, minus the broker
// introspection step: this system has no equivalent of Celery's
// active()/reserved() inspection API, so "undelivered" is judged by the
// stored external_task_id being empty rather than a live broker query.
func (j *Janitor) RunDeliveryCheck(ctx context.Context) {
	cutoff := time.Now().Add(-j.deliveryCheckAge)
	stale, err := j.store.ListStalePending(cutoff)
	if err != nil {
		j.log.Error("janitor: list stale pending failed", "err", err)
		return
	}
	for _, exec := range stale {
		if exec.Status != store.ExecPending || exec.ExternalTaskID != "" {
			continue
		}
		if alreadyRetried(exec) {
			age := time.Since(exec.CreatedAt)
			_, _, err := j.store.Finalize(exec.ID, store.ExecInterrupted, age.Milliseconds(), map[string]any{
				"reason": "delivery check: undelivered after one retry",
			})
			if err != nil {
				j.log.Error("janitor: delivery-check finalize failed", "execution_id", exec.ID, "err", err)
				continue
			}
			j.log.Warn("janitor: gave up on undelivered execution", "execution_id", exec.ID, "node_id", exec.NodeID)
			continue
		}

		taskID, err := j.submitter.Submit(ctx, exec.JobType, exec.NodeID, exec.OLTID, exec.ID)
		if err != nil {
			j.log.Warn("janitor: delivery-check re-submit failed", "execution_id", exec.ID, "err", err)
			exec.ResultSummary = mergeRetryMarker(exec.ResultSummary)
			if err := j.store.PutExecution(exec); err != nil {
				j.log.Error("janitor: delivery-check persist failed", "execution_id", exec.ID, "err", err)
			}
			continue
		}
		exec.ExternalTaskID = taskID
		exec.ResultSummary = mergeRetryMarker(exec.ResultSummary)
		if err := j.store.PutExecution(exec); err != nil {
			j.log.Error("janitor: delivery-check persist failed", "execution_id", exec.ID, "err", err)
			continue
		}
		j.log.Info("janitor: re-submitted undelivered execution", "execution_id", exec.ID, "node_id", exec.NodeID)
	}
}

func alreadyRetried(exec store.Execution) bool {
	if exec.ResultSummary == nil {
		return false
	}
	v, ok := exec.ResultSummary[deliveryRetriedKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func mergeRetryMarker(summary map[string]any) map[string]any {
	if summary == nil {
		summary = make(map[string]any)
	}
	summary[deliveryRetriedKey] = true
	return summary
}
