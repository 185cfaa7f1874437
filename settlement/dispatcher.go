/*
dispatcher.go - Asynchronous ledger reconciliation

PURPOSE:
  Final approvals of overtime and compensatory requests must not wait for
  the ledger. The workflow service hands the user and month to the
  Dispatcher, which runs AutoReconcile on background workers.

DESIGN:
  - Triggers are coalesced per user, keeping the earliest month, so a
    burst of approvals for one user costs one reconciliation
  - At most QueueSize users wait at once; further triggers are dropped
    and logged
  - Failures are logged and counted, never returned to the approver
  - Stop drains everything still pending before returning; later
    triggers are dropped and logged

USAGE:
  d := NewDispatcher(reconciler, 2, 256)
  d.Start()
  // ... workflow.WithTrigger(d)
  d.Stop()

SEE ALSO:
  - reconciler.go: AutoReconcile
  - workflow/service.go: ReconcileTrigger
*/
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/metrics"
)

type job struct {
	UserID string
	From   generic.YearMonth
}

// Dispatcher runs reconciliations in the background.
type Dispatcher struct {
	Reconciler *Reconciler
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	Log        logrus.FieldLogger

	mu      sync.Mutex
	order   []string
	pending map[string]generic.YearMonth
	started bool
	stopped bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Non-positive sizes fall back to one
// worker and a queue of 256 users.
func NewDispatcher(r *Reconciler, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		Reconciler: r,
		Workers:    workers,
		QueueSize:  queueSize,
		Timeout:    30 * time.Second,
		Log:        r.Log.WithField("component", "dispatcher"),
		pending:    make(map[string]generic.YearMonth),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.Log.WithField("workers", d.Workers).Info("dispatcher started")
}

// Stop drains the pending reconciliations and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	d.Log.Info("dispatcher stopped")
}

// Trigger queues a reconciliation of userID from month. It never blocks.
// Triggers queued before Start run once the workers start; triggers after
// Stop are dropped.
func (d *Dispatcher) Trigger(userID string, from generic.YearMonth) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		metrics.RecordReconcile("auto", "dropped", 0)
		d.Log.WithFields(logrus.Fields{"user_id": userID, "from": from.String()}).Warn("dispatcher stopped, trigger dropped")
		return
	}
	if cur, ok := d.pending[userID]; ok {
		if from.Before(cur) {
			d.pending[userID] = from
		}
		d.mu.Unlock()
		return
	}
	if len(d.pending) >= d.QueueSize {
		d.mu.Unlock()
		metrics.RecordReconcile("auto", "dropped", 0)
		d.Log.WithFields(logrus.Fields{"user_id": userID, "from": from.String()}).Error("reconcile queue full, trigger dropped")
		return
	}
	d.pending[userID] = from
	d.order = append(d.order, userID)
	metrics.SetQueueDepth(len(d.pending))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many users are waiting.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) next() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) == 0 {
		return job{}, false
	}
	userID := d.order[0]
	d.order = d.order[1:]
	j := job{UserID: userID, From: d.pending[userID]}
	delete(d.pending, userID)
	metrics.SetQueueDepth(len(d.pending))
	return j, true
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		if j, ok := d.next(); ok {
			d.run(j)
			continue
		}
		select {
		case <-d.wake:
		case <-d.stop:
			for j, ok := d.next(); ok; j, ok = d.next() {
				d.run(j)
			}
			return
		}
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	if _, err := d.Reconciler.AutoReconcile(ctx, j.UserID, j.From); err != nil {
		d.Log.WithFields(logrus.Fields{
			"user_id": j.UserID,
			"from":    j.From.String(),
		}).WithError(err).Error("async reconcile failed")
	}
}
