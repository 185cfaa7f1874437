package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/metrics"
)

// =============================================================================
// MANUAL SETTLEMENT
// =============================================================================

// Mode selects how far a manual settlement reaches.
type Mode string

const (
	// ModeBatch settles the anchor month and re-walks only the later months
	// that already have a row. The anchor row gets the pay signature.
	ModeBatch Mode = "BATCH"

	// ModeBatchBase locks in the period: every month of the window is
	// written for every user and signed as base confirmed.
	ModeBatchBase Mode = "BATCH_BASE"
)

func (m Mode) Valid() bool { return m == ModeBatch || m == ModeBatchBase }

// Override carries operator-entered anchor values. Nil keeps the stored
// value.
type Override struct {
	Actual *decimal.Decimal `json:"actual_hours,omitempty"`
	Paid   *decimal.Decimal `json:"paid_hours,omitempty"`
}

// ManualInput describes one manual settlement run.
type ManualInput struct {
	// UserIDs to settle. Empty with ModeBatchBase means every user.
	UserIDs   []string
	Anchor    generic.YearMonth
	Mode      Mode
	Overrides map[string]Override
	Operator  leave.User
}

// ManualSettle applies operator-entered values at the anchor month and
// walks the recurrence forward without recomputing later months from
// source. Users are processed in order; when one fails, those before it
// stay committed and a *generic.PartialBatchError is returned.
func (r *Reconciler) ManualSettle(ctx context.Context, in ManualInput) ([]leave.SettlementRecord, error) {
	if !in.Mode.Valid() {
		return nil, generic.NewValidationError("mode", fmt.Sprintf("unknown settlement mode %q", in.Mode))
	}
	if !in.Anchor.Valid() {
		return nil, generic.NewValidationError("month", fmt.Sprintf("invalid month %s", in.Anchor))
	}
	if !leave.CanSettle(in.Operator) {
		return nil, fmt.Errorf("%w: %s cannot settle overtime", generic.ErrForbidden, in.Operator.ID)
	}

	targets := in.UserIDs
	if len(targets) == 0 && in.Mode == ModeBatchBase {
		users, err := r.Store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			targets = append(targets, u.ID)
		}
	}

	sig := leave.Signature(in.Operator, r.Clock)
	var all []leave.SettlementRecord
	var applied []string
	for _, userID := range targets {
		rows, err := r.settleUser(ctx, userID, in, sig)
		if err != nil {
			r.Log.WithFields(logrus.Fields{
				"user_id": userID,
				"applied": len(applied),
			}).WithError(err).Warn("manual settlement stopped")
			return all, &generic.PartialBatchError{Applied: applied, FailedID: userID, Err: err}
		}
		all = append(all, rows...)
		applied = append(applied, userID)
	}
	return all, nil
}

func (r *Reconciler) settleUser(ctx context.Context, userID string, in ManualInput, sig leave.AuthSignature) ([]leave.SettlementRecord, error) {
	if _, err := r.Store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	mode := "manual_" + string(in.Mode)
	start := time.Now()
	log := r.Log.WithFields(logrus.Fields{"user_id": userID, "from": in.Anchor.String(), "mode": mode})

	src, err := r.load(ctx, userID)
	if err != nil {
		metrics.RecordReconcile(mode, "error", time.Since(start))
		return nil, err
	}

	rows := Settle(userID, in.Anchor, in.Mode, in.Overrides[userID], src, sig, r.NewID)
	if err := r.Store.SaveSettlementRecords(ctx, rows); err != nil {
		metrics.RecordReconcile(mode, "error", time.Since(start))
		return nil, err
	}

	metrics.RecordReconcile(mode, "ok", time.Since(start))
	log.WithFields(logrus.Fields{"rows": len(rows), "operator": sig.Name}).Info("ledger settled")
	return rows, nil
}

// Settle derives the rows a manual settlement writes for one user. It is
// pure. Applied and compensatory hours come from source; actual and paid
// come from the override (anchor only) or the stored row.
func Settle(userID string, anchor generic.YearMonth, mode Mode, ov Override, src Source, sig leave.AuthSignature, newID func() string) []leave.SettlementRecord {
	existing := indexLedger(src.Ledger, userID)

	opening := decimal.Zero
	if prev, ok := existing[anchor.Prev()]; ok {
		opening = prev.RemainingHours
	}

	var rows []leave.SettlementRecord
	for i := 0; i < Window; i++ {
		month := anchor.AddMonths(i)
		prev, had := existing[month]
		if i > 0 && !had && mode != ModeBatchBase {
			break
		}

		// Verified hours are not consulted here; actual is operator data.
		m := monthTotals(src.Requests, userID, month, nil)

		actual, paid := decimal.Zero, decimal.Zero
		if had {
			actual, paid = prev.ActualHours, prev.PaidHours
		}
		if i == 0 {
			if ov.Actual != nil {
				actual = *ov.Actual
			}
			if ov.Paid != nil {
				paid = *ov.Paid
			}
		}

		row := leave.SettlementRecord{
			ID:             prev.ID,
			UserID:         userID,
			Year:           month.Year,
			Month:          month.Month,
			AppliedHours:   m.applied,
			ActualHours:    actual,
			PaidHours:      paid,
			RemainingHours: generic.Round2(opening.Add(actual).Sub(paid).Sub(m.comp)),
			SettledAt:      sig.Timestamp,
			SettledBy:      sig.Name,
			BaseAuth:       prev.BaseAuth,
			PayAuth:        prev.PayAuth,
		}
		if !had {
			row.ID = newID()
		}
		s := sig
		switch {
		case mode == ModeBatchBase:
			row.BaseAuth = &s
		case i == 0:
			row.PayAuth = &s
		}

		rows = append(rows, row)
		opening = row.RemainingHours
	}
	return rows
}
