package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/settlement"
	"github.com/warp/leave-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	rec   *settlement.Reconciler
	store *memory.Memory
	now   time.Time
	hr    leave.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	hr := leave.User{ID: "hr", Name: "HR Officer", Role: leave.RoleHR}
	for _, u := range []leave.User{
		{ID: "u1", Name: "Alice", Role: leave.RoleEmployee},
		{ID: "u2", Name: "Bob", Role: leave.RoleEmployee},
		hr,
	} {
		require.NoError(t, store.SaveUser(ctx, u))
	}

	f := &fixture{store: store, now: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC), hr: hr}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	seq := 0
	f.rec = settlement.NewReconciler(store,
		settlement.WithLogger(logger),
		settlement.WithClock(func() time.Time { return f.now }),
		settlement.WithIDGenerator(func() string { seq++; return fmt.Sprintf("row-%d", seq) }),
	)
	return f
}

func (f *fixture) approved(t *testing.T, req leave.Request) leave.Request {
	t.Helper()
	req.Status = leave.StatusApproved
	require.NoError(t, f.store.CreateRequest(context.Background(), &req))
	return req
}

func overtime(id, userID, date, start, end string) leave.Request {
	return leave.Request{
		ID: id, UserID: userID, Category: leave.CategoryOvertime,
		StartDate: generic.MustDate(date), EndDate: generic.MustDate(date),
		PartialDay: true, StartTime: generic.MustClock(start), EndTime: generic.MustClock(end),
	}
}

func compensatory(id, userID, start, end string) leave.Request {
	return leave.Request{
		ID: id, UserID: userID, Category: leave.CategoryCompensatory,
		StartDate: generic.MustDate(start), EndDate: generic.MustDate(end),
	}
}

func (f *fixture) verify(t *testing.T, requestID, userID string, ym generic.YearMonth, hours string) {
	t.Helper()
	require.NoError(t, f.store.SaveOvertimeChecks(context.Background(), []leave.OvertimeCheck{{
		ID: "chk-" + requestID, RequestID: requestID, UserID: userID,
		Year: ym.Year, Month: ym.Month,
		ActualDuration: decimal.RequireFromString(hours), IsVerified: true,
	}}))
}

func hours(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.String())
}

func ym(year int, month time.Month) generic.YearMonth { return generic.NewYearMonth(year, month) }

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// =============================================================================
// AUTO RECONCILE
// =============================================================================

func TestAutoReconcile_VerifiedOvertimePropagates(t *testing.T) {
	// GIVEN: 2h of approved overtime on 2024-03-05, verified at 2.0h
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.March), "2.0")

	// WHEN
	rows, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.March))
	require.NoError(t, err)

	// THEN: Twelve rows, the balance carried unchanged after March
	require.Len(t, rows, settlement.Window)
	hours(t, "2", rows[0].AppliedHours)
	hours(t, "2", rows[0].ActualHours)
	for i, row := range rows {
		assert.Equal(t, ym(2024, time.March).AddMonths(i), row.Period())
		hours(t, "2", row.RemainingHours)
		assert.Equal(t, settlement.SystemOperator, row.SettledBy)
	}
	assert.Equal(t, ym(2025, time.February), rows[11].Period())

	stored, err := f.store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, stored, settlement.Window)
}

func TestAutoReconcile_UnverifiedOvertimeCountsZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.approved(t, overtime("ot-2", "u1", "2024-03-06", "18:00", "19:30"))
	require.NoError(t, f.store.SaveOvertimeChecks(ctx, []leave.OvertimeCheck{{
		ID: "chk-1", RequestID: "ot-1", UserID: "u1", Year: 2024, Month: time.March,
		ActualDuration: decimal.NewFromInt(2), IsVerified: false,
	}}))

	rows, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.March))
	require.NoError(t, err)

	hours(t, "3.5", rows[0].AppliedHours)
	hours(t, "0", rows[0].ActualHours)
	hours(t, "0", rows[0].RemainingHours)
}

func TestAutoReconcile_OpeningBalanceCompAndStickyPaid(t *testing.T) {
	// GIVEN: 10h carried from February, 8h of comp leave in March, 2h
	// verified overtime in March and 1h already paid in April
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSettlementRecords(ctx, []leave.SettlementRecord{
		{ID: "feb", UserID: "u1", Year: 2024, Month: time.February, RemainingHours: decimal.NewFromInt(10)},
		{ID: "apr", UserID: "u1", Year: 2024, Month: time.April, PaidHours: decimal.NewFromInt(1), SettledBy: "HR Officer"},
	}))
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.March), "2")
	f.approved(t, compensatory("comp-1", "u1", "2024-03-10", "2024-03-10"))

	// Pending and other users' requests are ignored
	pending := compensatory("comp-2", "u1", "2024-03-20", "2024-03-20")
	pending.Status = leave.StatusPendingL1
	require.NoError(t, f.store.CreateRequest(ctx, &pending))
	f.approved(t, compensatory("comp-3", "u2", "2024-03-10", "2024-03-10"))

	// WHEN
	rows, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.March))
	require.NoError(t, err)

	// THEN: 10 + 2 - 0 - 8 = 4, then 4 - 1 = 3 carried onwards
	hours(t, "4", rows[0].RemainingHours)
	hours(t, "1", rows[1].PaidHours)
	hours(t, "3", rows[1].RemainingHours)
	hours(t, "3", rows[11].RemainingHours)

	// Existing rows keep their identity and signer
	assert.Equal(t, "apr", rows[1].ID)
	assert.Equal(t, "HR Officer", rows[1].SettledBy)
}

func TestAutoReconcile_LedgerRecurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-01-15", "18:00", "22:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.January), "3.75")
	f.approved(t, compensatory("comp-1", "u1", "2024-03-04", "2024-03-04"))
	f.approved(t, overtime("ot-2", "u1", "2024-05-02", "18:00", "21:00"))
	f.verify(t, "ot-2", "u1", ym(2024, time.May), "3")

	rows, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.January))
	require.NoError(t, err)

	comp := map[generic.YearMonth]decimal.Decimal{ym(2024, time.March): decimal.NewFromInt(8)}
	for i := 1; i < len(rows); i++ {
		want := rows[i-1].RemainingHours.Add(rows[i].ActualHours).Sub(rows[i].PaidHours).Sub(comp[rows[i].Period()])
		assert.True(t, want.Sub(rows[i].RemainingHours).Abs().LessThanOrEqual(decimal.RequireFromString("0.01")),
			"month %s", rows[i].Period())
	}
	hours(t, "-1.25", rows[11].RemainingHours)
}

func TestAutoReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.March), "2")

	first, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.March))
	require.NoError(t, err)

	// A later run with unchanged inputs rewrites nothing
	f.now = f.now.Add(24 * time.Hour)
	second, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.March))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAutoReconcile_YearRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSettlementRecords(ctx, []leave.SettlementRecord{
		{ID: "dec", UserID: "u1", Year: 2023, Month: time.December, RemainingHours: decimal.RequireFromString("5.5")},
	}))

	rows, err := f.rec.AutoReconcile(ctx, "u1", ym(2024, time.January))
	require.NoError(t, err)

	hours(t, "5.5", rows[0].RemainingHours)
	assert.Equal(t, ym(2024, time.December), rows[11].Period())
}

func TestAutoReconcile_InvalidMonth(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.AutoReconcile(context.Background(), "u1", generic.YearMonth{Year: 2024, Month: 13})
	assert.True(t, errors.Is(err, generic.ErrValidation))
}

// =============================================================================
// MANUAL SETTLE
// =============================================================================

func TestManualSettle_BatchStopsAtFirstMissingMonth(t *testing.T) {
	// GIVEN: Rows for March and April only
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSettlementRecords(ctx, []leave.SettlementRecord{
		{ID: "mar", UserID: "u1", Year: 2024, Month: time.March, ActualHours: decimal.NewFromInt(6), RemainingHours: decimal.NewFromInt(6)},
		{ID: "apr", UserID: "u1", Year: 2024, Month: time.April, ActualHours: decimal.NewFromInt(2), RemainingHours: decimal.NewFromInt(8)},
	}))

	// WHEN: The operator pays 4h in March
	rows, err := f.rec.ManualSettle(ctx, settlement.ManualInput{
		UserIDs:   []string{"u1"},
		Anchor:    ym(2024, time.March),
		Mode:      settlement.ModeBatch,
		Overrides: map[string]settlement.Override{"u1": {Paid: dec("4")}},
		Operator:  f.hr,
	})
	require.NoError(t, err)

	// THEN: March and April are rewritten, May is not created
	require.Len(t, rows, 2)
	hours(t, "6", rows[0].ActualHours)
	hours(t, "4", rows[0].PaidHours)
	hours(t, "2", rows[0].RemainingHours)
	hours(t, "4", rows[1].RemainingHours)

	assert.Equal(t, "mar", rows[0].ID)
	assert.Equal(t, "HR Officer", rows[0].SettledBy)
	require.NotNil(t, rows[0].PayAuth)
	assert.Equal(t, leave.RoleHR, rows[0].PayAuth.Role)
	assert.Nil(t, rows[1].PayAuth)
	assert.Nil(t, rows[0].BaseAuth)

	stored, err := f.store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestManualSettle_BatchDoesNotRecomputeLaterActuals(t *testing.T) {
	// GIVEN: A verified overtime in April that no row reflects yet
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSettlementRecords(ctx, []leave.SettlementRecord{
		{ID: "mar", UserID: "u1", Year: 2024, Month: time.March},
		{ID: "apr", UserID: "u1", Year: 2024, Month: time.April},
	}))
	f.approved(t, overtime("ot-1", "u1", "2024-04-03", "18:00", "20:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.April), "2")

	rows, err := f.rec.ManualSettle(ctx, settlement.ManualInput{
		UserIDs:   []string{"u1"},
		Anchor:    ym(2024, time.March),
		Mode:      settlement.ModeBatch,
		Overrides: map[string]settlement.Override{"u1": {Actual: dec("1")}},
		Operator:  f.hr,
	})
	require.NoError(t, err)

	// THEN: April keeps its stored actual hours; only applied is refreshed
	require.Len(t, rows, 2)
	hours(t, "1", rows[1].RemainingHours)
	hours(t, "0", rows[1].ActualHours)
	hours(t, "2", rows[1].AppliedHours)
}

func TestManualSettle_BatchBaseCreatesWindowForEveryUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, compensatory("comp-1", "u2", "2024-05-06", "2024-05-06"))

	rows, err := f.rec.ManualSettle(ctx, settlement.ManualInput{
		Anchor:   ym(2024, time.March),
		Mode:     settlement.ModeBatchBase,
		Operator: f.hr,
	})
	require.NoError(t, err)

	// hr, u1, u2
	assert.Len(t, rows, 3*settlement.Window)
	for _, row := range rows {
		require.NotNil(t, row.BaseAuth)
		assert.Equal(t, "HR Officer", row.BaseAuth.Name)
		assert.Nil(t, row.PayAuth)
	}

	u2, err := f.store.ListSettlementRecords(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, u2, settlement.Window)
	hours(t, "0", u2[1].RemainingHours)
	hours(t, "-8", u2[2].RemainingHours)
	hours(t, "-8", u2[11].RemainingHours)
}

func TestManualSettle_Authorization(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.ManualSettle(context.Background(), settlement.ManualInput{
		UserIDs:  []string{"u1"},
		Anchor:   ym(2024, time.March),
		Mode:     settlement.ModeBatch,
		Operator: leave.User{ID: "u2", Role: leave.RoleEmployee},
	})
	assert.True(t, errors.Is(err, generic.ErrForbidden))
}

func TestManualSettle_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rows, err := f.rec.ManualSettle(ctx, settlement.ManualInput{
		UserIDs:  []string{"u1", "ghost", "u2"},
		Anchor:   ym(2024, time.March),
		Mode:     settlement.ModeBatch,
		Operator: f.hr,
	})

	var pe *generic.PartialBatchError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"u1"}, pe.Applied)
	assert.Equal(t, "ghost", pe.FailedID)
	assert.True(t, generic.IsNotFound(err))
	assert.Len(t, rows, 1)

	u2, err := f.store.ListSettlementRecords(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, u2)
}

func TestManualSettle_RejectsUnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.ManualSettle(context.Background(), settlement.ManualInput{
		Anchor: ym(2024, time.March), Mode: "SINGLE", Operator: f.hr,
	})
	assert.True(t, errors.Is(err, generic.ErrValidation))
}

// =============================================================================
// VERIFY
// =============================================================================

func TestVerifyOvertime_SavesChecksAndReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.approved(t, overtime("ot-2", "u1", "2024-03-07", "22:00", "01:30"))
	f.approved(t, overtime("ot-3", "u2", "2024-03-08", "18:00", "19:00"))

	res, err := f.rec.VerifyOvertime(ctx, ym(2024, time.March), []leave.OvertimeCheck{
		{RequestID: "ot-1", ActualDuration: decimal.RequireFromString("1.5"), IsVerified: true},
		// Duration derived from times, across midnight
		{RequestID: "ot-2", ActualStartTime: generic.MustClock("22:00"), ActualEndTime: generic.MustClock("01:30"), IsVerified: true},
		// Unverified keeps nothing
		{RequestID: "ot-3", ActualDuration: decimal.NewFromInt(1), IsVerified: false},
	}, f.hr)
	require.NoError(t, err)

	require.Len(t, res.Checks, 3)
	hours(t, "3.5", res.Checks[1].ActualDuration)
	hours(t, "0", res.Checks[2].ActualDuration)
	assert.Equal(t, "u2", res.Checks[2].UserID)
	assert.Equal(t, []string{"u1", "u2"}, res.Reconciled)

	u1, err := f.store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, u1, settlement.Window)
	hours(t, "5", u1[0].RemainingHours)

	u2, err := f.store.ListSettlementRecords(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, u2, settlement.Window)
	hours(t, "0", u2[0].RemainingHours)
}

func TestVerifyOvertime_KeepsCheckIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.March), "2")

	res, err := f.rec.VerifyOvertime(ctx, ym(2024, time.March), []leave.OvertimeCheck{
		{RequestID: "ot-1", ActualDuration: decimal.NewFromInt(1), IsVerified: true},
	}, f.hr)
	require.NoError(t, err)
	assert.Equal(t, "chk-ot-1", res.Checks[0].ID)

	checks, err := f.store.ListOvertimeChecks(ctx, leave.CheckFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	hours(t, "1", checks[0].ActualDuration)
}

func TestVerifyOvertime_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, compensatory("comp-1", "u1", "2024-03-05", "2024-03-05"))
	f.approved(t, overtime("ot-apr", "u1", "2024-04-05", "18:00", "20:00"))
	f.approved(t, overtime("ot-mar", "u1", "2024-03-07", "18:00", "20:00"))
	pending := overtime("ot-pending", "u1", "2024-03-06", "18:00", "20:00")
	pending.Status = leave.StatusPendingL1
	require.NoError(t, f.store.CreateRequest(ctx, &pending))

	for name, check := range map[string]leave.OvertimeCheck{
		"not overtime":   {RequestID: "comp-1", IsVerified: true},
		"other month":    {RequestID: "ot-apr", IsVerified: true},
		"not approved":   {RequestID: "ot-pending", IsVerified: true},
		"negative hours": {RequestID: "ot-mar", ActualDuration: decimal.NewFromInt(-1), IsVerified: true},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.rec.VerifyOvertime(ctx, ym(2024, time.March), []leave.OvertimeCheck{check}, f.hr)
			assert.True(t, errors.Is(err, generic.ErrValidation))
		})
	}

	_, err := f.rec.VerifyOvertime(ctx, ym(2024, time.March), nil, leave.User{ID: "u1", Role: leave.RoleEmployee})
	assert.True(t, errors.Is(err, generic.ErrForbidden))

	checks, err := f.store.ListOvertimeChecks(ctx, leave.CheckFilter{})
	require.NoError(t, err)
	assert.Empty(t, checks)
}

// =============================================================================
// DISPATCHER
// =============================================================================

func TestDispatcher_CoalescesAndDrainsOnStop(t *testing.T) {
	// GIVEN: Two triggers for the same user before the workers start
	f := newFixture(t)
	ctx := context.Background()
	f.approved(t, overtime("ot-1", "u1", "2024-03-05", "18:00", "20:00"))
	f.verify(t, "ot-1", "u1", ym(2024, time.March), "2")

	d := settlement.NewDispatcher(f.rec, 2, 8)
	d.Trigger("u1", ym(2024, time.May))
	d.Trigger("u1", ym(2024, time.March))
	d.Trigger("u2", ym(2024, time.June))
	assert.Equal(t, 2, d.Pending())

	// WHEN
	d.Start()
	d.Stop()

	// THEN: u1 was reconciled once from the earliest month
	assert.Equal(t, 0, d.Pending())
	u1, err := f.store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, u1, settlement.Window)
	assert.Equal(t, ym(2024, time.March), u1[0].Period())
	hours(t, "2", u1[0].RemainingHours)

	u2, err := f.store.ListSettlementRecords(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, u2, settlement.Window)
	assert.Equal(t, ym(2024, time.June), u2[0].Period())
}

func TestDispatcher_DropsAfterStop(t *testing.T) {
	// GIVEN: A dispatcher that has been stopped
	f := newFixture(t)
	ctx := context.Background()
	d := settlement.NewDispatcher(f.rec, 1, 8)
	d.Start()
	d.Stop()

	// WHEN: A late trigger arrives
	d.Trigger("u1", ym(2024, time.March))

	// THEN: Nothing is queued or written
	assert.Equal(t, 0, d.Pending())
	rows, err := f.store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	f := newFixture(t)
	d := settlement.NewDispatcher(f.rec, 1, 1)

	d.Trigger("u1", ym(2024, time.March))
	d.Trigger("u2", ym(2024, time.March))
	d.Trigger("u1", ym(2024, time.February))

	assert.Equal(t, 1, d.Pending())
}
