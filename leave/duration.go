package leave

import (
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// DURATION CALCULATOR
// =============================================================================
//
// Two conventions coexist and must not be merged:
//
//   - Same-day partial leave clamps a negative span to zero.
//   - Overtime spans wrap a negative span past midnight (+24h).

const (
	minutesPerWorkday = 480
	minutesPerDay     = 1440
)

var (
	minutesPerWorkdayDec = decimal.NewFromInt(minutesPerWorkday)
	minutesPerHour       = decimal.NewFromInt(60)

	// DefaultPartialHours is charged for a partial-day request that carries
	// no clock times.
	DefaultPartialHours = decimal.NewFromInt(4)

	// HalfDay is the warning-rule weight of any partial-day request.
	HalfDay = decimal.RequireFromString("0.5")
)

// WholeDays counts calendar days in [start, end] inclusive, order-insensitive.
func WholeDays(start, end generic.Date) decimal.Decimal {
	n := generic.DaysBetween(start, end)
	if n < 0 {
		n = -n
	}
	return decimal.NewFromInt(int64(n + 1))
}

// PartialDays is the fraction of an 8-hour workday between two clock times,
// rounded to three decimals. A reversed range yields zero.
func PartialDays(start, end generic.ClockTime) decimal.Decimal {
	diff := max(0, end.Minutes-start.Minutes)
	return generic.Round3(decimal.NewFromInt(int64(diff)).Div(minutesPerWorkdayDec))
}

// PartialHours is the span between two clock times in hours, rounded to two
// decimals. A reversed range yields zero.
func PartialHours(start, end generic.ClockTime) decimal.Decimal {
	diff := max(0, end.Minutes-start.Minutes)
	return generic.Round2(decimal.NewFromInt(int64(diff)).Div(minutesPerHour))
}

// OvertimeSpanHours is the span between two clock times in hours, rounded
// to two decimals. An end before the start is taken as the next day.
func OvertimeSpanHours(start, end generic.ClockTime) decimal.Decimal {
	diff := end.Minutes - start.Minutes
	if diff < 0 {
		diff += minutesPerDay
	}
	return generic.Round2(decimal.NewFromInt(int64(diff)).Div(minutesPerHour))
}

// RequestDays returns the leave length of a request in days.
func RequestDays(r Request) decimal.Decimal {
	if !r.PartialDay {
		return WholeDays(r.StartDate, r.EndDate)
	}
	if !r.HasTimes() {
		return decimal.Zero
	}
	return PartialDays(*r.StartTime, *r.EndTime)
}

// RequestHours returns the length of a request in ledger hours.
func RequestHours(r Request) decimal.Decimal {
	if !r.PartialDay {
		return WholeDays(r.StartDate, r.EndDate).Mul(generic.HoursPerDay)
	}
	if !r.HasTimes() {
		return DefaultPartialHours
	}
	return PartialHours(*r.StartTime, *r.EndTime)
}

// RequestAmount returns the duration of a request in the unit its quota is
// tracked in.
func RequestAmount(r Request) generic.Amount {
	if r.Category == CategoryCompensatory {
		return generic.Hours(RequestDays(r).Mul(generic.HoursPerDay))
	}
	return generic.Days(RequestDays(r))
}
