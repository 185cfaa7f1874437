package settlement

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// OVERTIME VERIFICATION
// =============================================================================

// VerifyResult reports what a verification run wrote.
type VerifyResult struct {
	Checks     []leave.OvertimeCheck
	Reconciled []string
}

// VerifyOvertime stores HR-verified durations for approved overtime
// requests starting in month, then reconciles every affected user from
// that month. Unverified checks are stored with a zero duration. A verified
// check without a duration takes the span between its actual times.
func (r *Reconciler) VerifyOvertime(ctx context.Context, month generic.YearMonth, checks []leave.OvertimeCheck, operator leave.User) (VerifyResult, error) {
	if !leave.CanSettle(operator) {
		return VerifyResult{}, fmt.Errorf("%w: %s cannot verify overtime", generic.ErrForbidden, operator.ID)
	}
	if !month.Valid() {
		return VerifyResult{}, generic.NewValidationError("month", fmt.Sprintf("invalid month %s", month))
	}

	stored, err := r.Store.ListOvertimeChecks(ctx, leave.CheckFilter{Year: month.Year, Month: month.Month})
	if err != nil {
		return VerifyResult{}, err
	}
	idByRequest := make(map[string]string, len(stored))
	for _, c := range stored {
		idByRequest[c.RequestID] = c.ID
	}

	now := r.Clock()
	out := make([]leave.OvertimeCheck, 0, len(checks))
	users := map[string]struct{}{}
	for i, c := range checks {
		req, err := r.Store.GetRequest(ctx, c.RequestID)
		if err != nil {
			return VerifyResult{}, err
		}
		if err := verifiable(*req, month); err != nil {
			return VerifyResult{}, err
		}
		if c.ActualDuration.IsNegative() {
			return VerifyResult{}, generic.NewValidationError(fmt.Sprintf("checks[%d].actual_duration", i), "must not be negative")
		}

		c.UserID = req.UserID
		c.Year, c.Month = month.Year, month.Month
		c.UpdatedAt = now
		if c.ID == "" {
			c.ID = idByRequest[c.RequestID]
		}
		if c.ID == "" {
			c.ID = r.NewID()
		}
		if c.ActualStartDate.IsZero() {
			c.ActualStartDate = req.StartDate
		}
		if c.ActualEndDate.IsZero() {
			c.ActualEndDate = req.EndDate
		}
		switch {
		case !c.IsVerified:
			c.ActualDuration = decimal.Zero
		case c.ActualDuration.IsZero() && c.ActualStartTime != nil && c.ActualEndTime != nil:
			c.ActualDuration = leave.OvertimeSpanHours(*c.ActualStartTime, *c.ActualEndTime)
		default:
			c.ActualDuration = generic.Round2(c.ActualDuration)
		}

		out = append(out, c)
		users[c.UserID] = struct{}{}
	}

	if err := r.Store.SaveOvertimeChecks(ctx, out); err != nil {
		return VerifyResult{}, err
	}
	r.Log.WithFields(logrus.Fields{
		"month":    month.String(),
		"checks":   len(out),
		"operator": operator.Name,
	}).Info("overtime checks saved")

	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := VerifyResult{Checks: out}
	for _, id := range ids {
		if _, err := r.AutoReconcile(ctx, id, month); err != nil {
			return result, &generic.PartialBatchError{Applied: result.Reconciled, FailedID: id, Err: err}
		}
		result.Reconciled = append(result.Reconciled, id)
	}
	return result, nil
}

func verifiable(req leave.Request, month generic.YearMonth) error {
	switch {
	case req.Category != leave.CategoryOvertime:
		return generic.NewValidationError("request_id", fmt.Sprintf("%s is not an overtime request", req.ID))
	case req.Status != leave.StatusApproved:
		return generic.NewValidationError("request_id", fmt.Sprintf("%s is not approved", req.ID))
	case !month.Contains(req.StartDate):
		return generic.NewValidationError("request_id", fmt.Sprintf("%s does not start in %s", req.ID, month))
	}
	return nil
}
