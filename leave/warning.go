package leave

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WARNING EVALUATOR
// =============================================================================

// EvaluateWarnings returns the rules that fire for user, in rule order.
//
// Usage is the sum over the user's APPROVED requests of the rule's target
// category: whole-day requests count their calendar days and every
// partial-day request counts half a day. The rule window is carried for
// display only; usage always spans the full history.
func EvaluateWarnings(user User, rules []WarningRule, requests []Request) []ActiveWarning {
	var active []ActiveWarning
	for _, rule := range rules {
		usage := categoryUsage(user.ID, rule.TargetCategory, requests)
		if !rule.Operator.Compare(usage, rule.Threshold) {
			continue
		}
		active = append(active, ActiveWarning{
			RuleID:       rule.ID,
			RuleName:     rule.Name,
			Message:      rule.Message,
			Color:        rule.Color,
			CurrentValue: usage,
		})
	}
	return active
}

func categoryUsage(userID string, category Category, requests []Request) decimal.Decimal {
	total := decimal.Zero
	for _, r := range requests {
		if r.UserID != userID || r.Category != category || r.Status != StatusApproved {
			continue
		}
		if r.PartialDay {
			total = total.Add(HalfDay)
		} else {
			total = total.Add(WholeDays(r.StartDate, r.EndDate))
		}
	}
	return total
}

// Compare applies the operator as "value op threshold". Unknown operators
// never fire.
func (op Operator) Compare(value, threshold decimal.Decimal) bool {
	switch op {
	case OpGreater:
		return value.GreaterThan(threshold)
	case OpGreaterEqual:
		return value.GreaterThanOrEqual(threshold)
	case OpLess:
		return value.LessThan(threshold)
	case OpLessEqual:
		return value.LessThanOrEqual(threshold)
	}
	return false
}

func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// Label renders the window for display.
func (w TimeWindow) Label() string {
	switch w.Kind {
	case WindowLastNDays:
		return fmt.Sprintf("last %d days", w.Days)
	case WindowFromDateDays:
		return fmt.Sprintf("%d days from %s", w.Days, w.StartDate)
	case WindowFixedRange:
		return fmt.Sprintf("%s to %s", w.StartDate, w.EndDate)
	}
	return "all time"
}
