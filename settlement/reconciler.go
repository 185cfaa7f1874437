/*
Package settlement maintains the monthly overtime/compensatory ledger.

PURPOSE:
  Each user has one SettlementRecord per month. A row's remaining balance
  carries into the next month, so a change in any month must be
  propagated forward. This package owns every write to the ledger.

KEY CONCEPTS:
  AutoReconcile: Full recomputation from approved requests and verified
                 overtime checks over a twelve-month window
  ManualSettle:  Operator-driven settlement. Only the anchor month takes
                 new values; later months reuse their persisted actual and
                 paid hours (manual.go)
  Verify:        Records HR-verified overtime for a month and reconciles
                 each affected user (verify.go)
  Dispatcher:    Runs AutoReconcile off the approval path (dispatcher.go)

LEDGER RECURRENCE:

  opening(anchor)   = remaining(anchor-1), or 0 without a row
  remaining(m)      = round2(opening(m) + actual(m) - paid(m) - comp(m))
  opening(m+1)      = remaining(m)

  actual(m): verified hours of approved OVERTIME requests starting in m
  paid(m):   operator-entered, never recomputed from source
  comp(m):   hours of approved COMPENSATORY requests starting in m

INVARIANTS:
  - Writes for one user are serialized by a per-user lock
  - All rows of one run are saved in a single batch
  - AutoReconcile is idempotent: unchanged inputs leave rows byte-identical

SEE ALSO:
  - leave/duration.go: RequestHours
  - workflow/service.go: Triggers reconciliation on final approval
*/
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/metrics"
	"golang.org/x/sync/errgroup"
)

// Window is the number of months a run walks forward from its anchor.
const Window = 12

// SystemOperator signs rows created by automatic reconciliation.
const SystemOperator = "System_Auto"

// Reconciler writes the ledger.
type Reconciler struct {
	Store leave.Repository
	Log   logrus.FieldLogger
	Clock generic.Clock
	NewID func() string

	locks *generic.KeyedMutex
}

type Option func(*Reconciler)

func WithLogger(l logrus.FieldLogger) Option { return func(r *Reconciler) { r.Log = l } }
func WithClock(c generic.Clock) Option { return func(r *Reconciler) { r.Clock = c } }
func WithIDGenerator(f func() string) Option { return func(r *Reconciler) { r.NewID = f } }

func NewReconciler(store leave.Repository, opts ...Option) *Reconciler {
	r := &Reconciler{
		Store: store,
		Log:   logrus.StandardLogger(),
		Clock: generic.SystemClock,
		NewID: uuid.NewString,
		locks: generic.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// AUTO RECONCILE
// =============================================================================

// Source is everything a recomputation reads for one user.
type Source struct {
	Requests []leave.Request
	Checks   []leave.OvertimeCheck
	Ledger   []leave.SettlementRecord
}

// AutoReconcile recomputes userID's ledger for the Window months starting
// at anchor and saves the rows in one batch.
func (r *Reconciler) AutoReconcile(ctx context.Context, userID string, anchor generic.YearMonth) ([]leave.SettlementRecord, error) {
	if !anchor.Valid() {
		return nil, generic.NewValidationError("month", fmt.Sprintf("invalid month %s", anchor))
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	start := time.Now()
	log := r.Log.WithFields(logrus.Fields{"user_id": userID, "from": anchor.String(), "mode": "auto"})

	src, err := r.load(ctx, userID)
	if err != nil {
		metrics.RecordReconcile("auto", "error", time.Since(start))
		log.WithError(err).Error("ledger reconcile failed")
		return nil, err
	}

	rows := Recompute(userID, anchor, src, r.Clock(), r.NewID)
	if err := r.Store.SaveSettlementRecords(ctx, rows); err != nil {
		metrics.RecordReconcile("auto", "error", time.Since(start))
		log.WithError(err).Error("ledger save failed")
		return nil, err
	}

	metrics.RecordReconcile("auto", "ok", time.Since(start))
	log.WithField("rows", len(rows)).Info("ledger reconciled")
	return rows, nil
}

// load fetches the user's approved requests, overtime checks and ledger
// rows concurrently.
func (r *Reconciler) load(ctx context.Context, userID string) (Source, error) {
	var src Source
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reqs, err := r.Store.ListRequests(gctx, leave.RequestFilter{
			UserID:   userID,
			Statuses: []leave.Status{leave.StatusApproved},
		})
		if err != nil {
			return fmt.Errorf("load requests: %w", err)
		}
		src.Requests = reqs
		return nil
	})
	g.Go(func() error {
		checks, err := r.Store.ListOvertimeChecks(gctx, leave.CheckFilter{UserID: userID})
		if err != nil {
			return fmt.Errorf("load overtime checks: %w", err)
		}
		src.Checks = checks
		return nil
	})
	g.Go(func() error {
		rows, err := r.Store.ListSettlementRecords(gctx, userID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		src.Ledger = rows
		return nil
	})

	return src, g.Wait()
}

// Recompute derives the Window rows starting at anchor. It is pure: rows
// whose values did not change are returned exactly as stored.
func Recompute(userID string, anchor generic.YearMonth, src Source, now time.Time, newID func() string) []leave.SettlementRecord {
	existing := indexLedger(src.Ledger, userID)
	verified := make(map[string]decimal.Decimal, len(src.Checks))
	for _, c := range src.Checks {
		verified[c.RequestID] = c.VerifiedHours()
	}

	opening := decimal.Zero
	if prev, ok := existing[anchor.Prev()]; ok {
		opening = prev.RemainingHours
	}

	rows := make([]leave.SettlementRecord, 0, Window)
	for i := 0; i < Window; i++ {
		month := anchor.AddMonths(i)
		m := monthTotals(src.Requests, userID, month, verified)

		paid := decimal.Zero
		prev, had := existing[month]
		if had {
			paid = prev.PaidHours
		}

		next := leave.SettlementRecord{
			UserID:         userID,
			Year:           month.Year,
			Month:          month.Month,
			AppliedHours:   m.applied,
			ActualHours:    m.actual,
			PaidHours:      paid,
			RemainingHours: generic.Round2(opening.Add(m.actual).Sub(paid).Sub(m.comp)),
		}

		switch {
		case had && sameValues(prev, next):
			next = prev
		case had:
			next.ID = prev.ID
			next.SettledBy = prev.SettledBy
			next.BaseAuth = prev.BaseAuth
			next.PayAuth = prev.PayAuth
			next.SettledAt = now
		default:
			next.ID = newID()
			next.SettledBy = SystemOperator
			next.SettledAt = now
		}

		rows = append(rows, next)
		opening = next.RemainingHours
	}
	return rows
}

type totals struct {
	applied decimal.Decimal
	actual  decimal.Decimal
	comp    decimal.Decimal
}

// monthTotals sums the approved requests of userID that start in month.
// Unverified overtime contributes no actual hours.
func monthTotals(requests []leave.Request, userID string, month generic.YearMonth, verified map[string]decimal.Decimal) totals {
	t := totals{applied: decimal.Zero, actual: decimal.Zero, comp: decimal.Zero}
	for _, req := range requests {
		if req.UserID != userID || req.Status != leave.StatusApproved || !month.Contains(req.StartDate) {
			continue
		}
		switch req.Category {
		case leave.CategoryOvertime:
			t.applied = t.applied.Add(leave.RequestHours(req))
			if h, ok := verified[req.ID]; ok {
				t.actual = t.actual.Add(h)
			}
		case leave.CategoryCompensatory:
			t.comp = t.comp.Add(leave.RequestHours(req))
		}
	}
	t.applied = generic.Round2(t.applied)
	t.actual = generic.Round2(t.actual)
	t.comp = generic.Round2(t.comp)
	return t
}

func indexLedger(rows []leave.SettlementRecord, userID string) map[generic.YearMonth]leave.SettlementRecord {
	out := make(map[generic.YearMonth]leave.SettlementRecord, len(rows))
	for _, row := range rows {
		if row.UserID == userID {
			out[row.Period()] = row
		}
	}
	return out
}

func sameValues(a, b leave.SettlementRecord) bool {
	return a.AppliedHours.Equal(b.AppliedHours) &&
		a.ActualHours.Equal(b.ActualHours) &&
		a.PaidHours.Equal(b.PaidHours) &&
		a.RemainingHours.Equal(b.RemainingHours)
}
