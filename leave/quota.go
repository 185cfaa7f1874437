package leave

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// QUOTA EVALUATOR
// =============================================================================

// Quota is the live entitlement of one user for one category.
//
// ANNUAL is tracked in days and never reports a negative remainder.
// COMPENSATORY is tracked in hours against the settled ledger and may go
// negative when pending usage exceeds the settled balance.
// Other categories are not quota-limited; Tracked is false and only Used and
// Pending carry meaning.
type Quota struct {
	Category  Category       `json:"category"`
	Year      int            `json:"year"`
	Tracked   bool           `json:"tracked"`
	Total     generic.Amount `json:"total"`
	Used      generic.Amount `json:"used"`
	Pending   generic.Amount `json:"pending"`
	Remaining generic.Amount `json:"remaining"`
}

// Check returns a *generic.QuotaExceededError when requested exceeds the
// remaining quota. Untracked categories always pass.
func (q Quota) Check(requested generic.Amount) error {
	if !q.Tracked {
		return nil
	}
	if requested.GreaterThan(q.Remaining) {
		return &generic.QuotaExceededError{
			Category:  string(q.Category),
			Available: q.Remaining.Max(q.Remaining.Zero()),
			Requested: requested.In(q.Remaining.Unit),
		}
	}
	return nil
}

// QuotaInput is the snapshot ComputeQuota evaluates.
type QuotaInput struct {
	User      User
	Category  Category
	Year      int
	Requests  []Request          // the user's requests
	Ledger    []SettlementRecord // the user's ledger rows
	Now       time.Time
	ExcludeID string // request being edited
}

// ComputeQuota derives the live quota from a snapshot. It is pure.
func ComputeQuota(in QuotaInput) Quota {
	if in.Category == CategoryCompensatory {
		return compensatoryQuota(in)
	}

	used, pending := decimal.Zero, decimal.Zero
	for _, r := range in.Requests {
		if r.UserID != in.User.ID || r.Category != in.Category || r.ID == in.ExcludeID {
			continue
		}
		if in.Category == CategoryAnnual && r.StartDate.Year() != in.Year {
			continue
		}
		switch {
		case r.Status == StatusApproved:
			used = used.Add(RequestDays(r))
		case r.Status.IsPending():
			pending = pending.Add(RequestDays(r))
		}
	}

	q := Quota{
		Category: in.Category,
		Year:     in.Year,
		Used:     generic.Days(used),
		Pending:  generic.Days(pending),
	}
	if in.Category != CategoryAnnual {
		q.Total = generic.Days(decimal.Zero)
		q.Remaining = generic.Days(decimal.Zero)
		return q
	}

	total := in.User.AnnualDays(in.Year)
	q.Tracked = true
	q.Total = generic.Days(total)
	q.Remaining = generic.Days(decimal.Max(decimal.Zero, total.Sub(used).Sub(pending)))
	return q
}

func compensatoryQuota(in QuotaInput) Quota {
	settled := in.User.OvertimeQuota.Mul(generic.HoursPerDay)
	if row, ok := settledRow(in.Ledger, in.User.ID, generic.CurrentYearMonth(in.Now)); ok {
		settled = row.RemainingHours
	}

	pending := decimal.Zero
	for _, r := range in.Requests {
		if r.UserID != in.User.ID || r.Category != CategoryCompensatory || r.ID == in.ExcludeID {
			continue
		}
		if r.Status.IsPending() {
			pending = pending.Add(RequestDays(r).Mul(generic.HoursPerDay))
		}
	}

	return Quota{
		Category:  CategoryCompensatory,
		Year:      in.Year,
		Tracked:   true,
		Total:     generic.Hours(settled),
		Used:      generic.Hours(decimal.Zero),
		Pending:   generic.Hours(pending),
		Remaining: generic.Hours(settled.Sub(pending)),
	}
}

// settledRow picks the current month's row, else the most recent one.
func settledRow(rows []SettlementRecord, userID string, current generic.YearMonth) (SettlementRecord, bool) {
	var mine []SettlementRecord
	for _, r := range rows {
		if r.UserID != userID {
			continue
		}
		if r.Period() == current {
			return r, true
		}
		mine = append(mine, r)
	}
	if len(mine) == 0 {
		return SettlementRecord{}, false
	}
	sort.Slice(mine, func(i, j int) bool { return mine[j].Period().Before(mine[i].Period()) })
	return mine[0], true
}

// =============================================================================
// EVALUATOR - Store-backed quota and warning reads
// =============================================================================

// Evaluator loads the snapshot for quota and warning evaluation.
type Evaluator struct {
	Store interface {
		UserStore
		RequestStore
		OvertimeStore
		RuleStore
	}
	Clock generic.Clock
}

func NewEvaluator(store Repository, clock generic.Clock) *Evaluator {
	if clock == nil {
		clock = generic.SystemClock
	}
	return &Evaluator{Store: store, Clock: clock}
}

// LiveQuota computes the quota of userID for category in year, ignoring
// excludeID (the request being edited, if any).
func (e *Evaluator) LiveQuota(ctx context.Context, userID string, category Category, year int, excludeID string) (Quota, error) {
	user, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return Quota{}, fmt.Errorf("load user: %w", err)
	}
	requests, err := e.Store.ListRequests(ctx, RequestFilter{UserID: userID, Category: category})
	if err != nil {
		return Quota{}, fmt.Errorf("load requests: %w", err)
	}
	var ledger []SettlementRecord
	if category == CategoryCompensatory {
		ledger, err = e.Store.ListSettlementRecords(ctx, userID)
		if err != nil {
			return Quota{}, fmt.Errorf("load ledger: %w", err)
		}
	}
	return ComputeQuota(QuotaInput{
		User:      *user,
		Category:  category,
		Year:      year,
		Requests:  requests,
		Ledger:    ledger,
		Now:       e.Clock(),
		ExcludeID: excludeID,
	}), nil
}

// Warnings returns the warning rules currently firing for userID.
func (e *Evaluator) Warnings(ctx context.Context, userID string) ([]ActiveWarning, error) {
	user, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	rules, err := e.Store.ListWarningRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load warning rules: %w", err)
	}
	requests, err := e.Store.ListRequests(ctx, RequestFilter{UserID: userID, Statuses: []Status{StatusApproved}})
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	return EvaluateWarnings(*user, rules, requests), nil
}
