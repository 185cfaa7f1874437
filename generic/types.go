/*
Package generic provides the shared kernel of the leave engine.

PURPOSE:
  Domain-agnostic building blocks used by the leave, workflow and settlement
  packages: decimal quantities, calendar dates and clock times, month
  arithmetic, the error taxonomy, and keyed locks for per-entity
  serialization.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 1.5 days, 12.25 hours)
  - HoursPerDay: The fixed conversion between leave days and ledger hours
  - Round2 / Round3: The two rounding precisions the engine uses

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point drift in the
     running balance chain
  2. Explicit units: Quota in days and ledger balances in hours never mix
     without an explicit conversion

USAGE:
  hours := generic.NewAmount(1.5, generic.UnitDays).ToHours()  // 12 hours
  generic.Round2(decimal.NewFromFloat(10.005))                  // 10.01

SEE ALSO:
  - time.go: Date, ClockTime, YearMonth
  - errors.go: Error taxonomy
  - lock.go: KeyedMutex
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal `json:"value"`
	Unit  Unit            `json:"unit"`
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

// HoursPerDay converts leave days into ledger hours.
var HoursPerDay = decimal.NewFromInt(8)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func Days(v decimal.Decimal) Amount { return Amount{Value: v, Unit: UnitDays} }
func Hours(v decimal.Decimal) Amount { return Amount{Value: v, Unit: UnitHours} }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.In(a.Unit).Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.In(a.Unit).Value), Unit: a.Unit} }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.In(a.Unit).Value) }
func (a Amount) LessThan(b Amount) bool { return a.Value.LessThan(b.In(a.Unit).Value) }
func (a Amount) Round(places int32) Amount { return Amount{Value: a.Value.Round(places), Unit: a.Unit} }
func (a Amount) String() string { return a.Value.String() + " " + string(a.Unit) }

func (a Amount) Max(b Amount) Amount {
	if a.LessThan(b) {
		return b.In(a.Unit)
	}
	return a
}

// ToHours converts days to hours at HoursPerDay. Hours are returned as-is.
func (a Amount) ToHours() Amount {
	if a.Unit == UnitDays {
		return Amount{Value: a.Value.Mul(HoursPerDay), Unit: UnitHours}
	}
	return a
}

// ToDays converts hours to days at HoursPerDay. Days are returned as-is.
func (a Amount) ToDays() Amount {
	if a.Unit == UnitHours {
		return Amount{Value: a.Value.Div(HoursPerDay), Unit: UnitDays}
	}
	return a
}

// In converts the amount into the given unit.
func (a Amount) In(u Unit) Amount {
	if a.Unit == u || a.Unit == "" {
		return Amount{Value: a.Value, Unit: u}
	}
	if u == UnitHours {
		return a.ToHours()
	}
	return a.ToDays()
}

// =============================================================================
// ROUNDING
// =============================================================================

// Round2 rounds half away from zero to two decimals. Every ledger value is
// stored at this precision.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Round3 rounds to three decimals, the precision of partial-day fractions.
func Round3(d decimal.Decimal) decimal.Decimal { return d.Round(3) }

// Sum adds a list of decimals.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
