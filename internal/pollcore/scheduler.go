package pollcore

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gponmesh/pollengine/internal/locks"
	"github.com/gponmesh/pollengine/internal/snmpexec"
	"github.com/gponmesh/pollengine/internal/store"
)

// maxDispatchPerTick bounds how many composite nodes one tick will hand to
// assign/enqueue, so a single overloaded tick can't starve completion
// handling (§4.E step 6).
const maxDispatchPerTick = 20

// Scheduler drives the 1-second tick (§4.E) via a cron.Cron entry rather
// than a hand-rolled ticker, so its cadence shows up alongside the janitor
// schedules in one place.
type Scheduler struct {
	store     *store.Store
	pool      *Pool
	locks     Locker
	submitter snmpexec.Submitter
	clock     Clock

	nodeLockTTL  time.Duration
	chainLockTTL time.Duration

	cronEngine *cron.Cron
	log        *slog.Logger
	running    bool
}

// NewScheduler wires a Scheduler over the given components. The tick is
// fixed at "@every 1s"; nodeLockTTL/chainLockTTL are threaded through to
// every CompositeNode this scheduler constructs.
func NewScheduler(
	st *store.Store,
	pool *Pool,
	lk Locker,
	sub snmpexec.Submitter,
	clock Clock,
	nodeLockTTL, chainLockTTL time.Duration,
	log *slog.Logger,
) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		store: st, pool: pool, locks: lk, submitter: sub, clock: clock,
		nodeLockTTL: nodeLockTTL, chainLockTTL: chainLockTTL,
		cronEngine: cron.New(cron.WithSeconds()),
		log:        log,
	}
}

// Start registers the tick at @every 1s and starts the cron engine. Callers
// stop it via Stop.
func (sc *Scheduler) Start(ctx context.Context) error {
	_, err := sc.cronEngine.AddFunc("@every 1s", func() {
		if err := sc.Tick(ctx); err != nil {
			sc.log.Error("scheduler tick failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	sc.cronEngine.Start()
	sc.running = true
	return nil
}

// Stop halts future ticks and waits for any in-flight tick to finish.
func (sc *Scheduler) Stop() {
	<-sc.cronEngine.Stop().Done()
	sc.running = false
}

// Running reports whether the tick cron is currently started.
func (sc *Scheduler) Running() bool { return sc.running }

// Tick runs one full scheduler cycle (§4.E). It must not hold a lock across
// invocations and must complete well under the 5s soft deadline.
func (sc *Scheduler) Tick(ctx context.Context) error {
	now := sc.clock.Now()

	if err := sc.repairMissingNextRunAt(now); err != nil {
		sc.log.Warn("scheduler: next_run_at repair failed", "err", err)
	}

	ready, err := sc.store.ListReadyMasters(now)
	if err != nil {
		return err
	}

	nodes := make([]*CompositeNode, 0, len(ready))
	for _, master := range ready {
		wf, ok := sc.store.GetWorkflow(master.WorkflowID)
		if !ok {
			continue
		}
		olt, ok := sc.store.GetOLT(wf.OLTID)
		if !ok {
			continue
		}
		chain := sc.store.ListChainNodes(master.ID)
		cn := NewCompositeNode(master, chain, wf, olt, sc.store, sc.locks, sc.submitter, sc.clock,
			sc.nodeLockTTL, sc.chainLockTTL, sc.log)
		cn.CalculateDelay(now)
		nodes = append(nodes, cn)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return newOrderKey(nodes[i]).less(newOrderKey(nodes[j]))
	})

	dispatched := 0
	for _, cn := range nodes {
		if dispatched >= maxDispatchPerTick {
			sc.pool.queue.Put(cn)
			continue
		}
		if sc.pool.hasFreeSlot() {
			sc.pool.assign(cn)
		} else {
			sc.pool.queue.Put(cn)
		}
		dispatched++
	}

	sc.pool.processQueue(10)
	sc.pool.WarnIfSaturated(time.Second)

	return nil
}

// repairMissingNextRunAt implements §4.E's auto-repair: an enabled master
// with no next_run_at gets one seeded now, rather than being silently
// skipped forever.
func (sc *Scheduler) repairMissingNextRunAt(now time.Time) error {
	for _, n := range sc.store.ListNodes() {
		if !n.IsMaster() || !n.Enabled || n.NextRunAt != nil {
			continue
		}
		var next time.Time
		if n.LastRunAt == nil {
			next = now.Add(1 * time.Minute)
		} else {
			next = now.Add(time.Duration(n.IntervalSeconds) * time.Second)
		}
		n.NextRunAt = &next
		if err := sc.store.PutNode(n); err != nil {
			return err
		}
	}
	return nil
}
