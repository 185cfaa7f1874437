package gormstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/gormstore"
)

func newStore(t *testing.T) *gormstore.Store {
	t.Helper()
	store, err := gormstore.Open("sqlite", ":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := gormstore.Open("oracle", "x", false)
	assert.Error(t, err)
}

func TestUsers_KeepPasswordHash(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	u := leave.User{
		ID: "u1", Name: "Alice", Role: leave.RoleHR,
		AnnualQuota:   map[int]decimal.Decimal{2024: decimal.RequireFromString("14")},
		OvertimeQuota: decimal.RequireFromString("2.5"), PasswordHash: "hash",
	}
	require.NoError(t, store.SaveUser(ctx, u))

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.True(t, got.AnnualDays(2024).Equal(decimal.NewFromInt(14)))
	assert.True(t, u.OvertimeQuota.Equal(got.OvertimeQuota))

	_, err = store.GetUser(ctx, "nobody")
	assert.True(t, generic.IsNotFound(err))
}

func TestRequests_FilterAndOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	mk := func(id, user string, cat leave.Category, st leave.Status, offset time.Duration) leave.Request {
		return leave.Request{
			ID: id, UserID: user, Category: cat, Status: st,
			StartDate: generic.MustDate("2024-06-10"), EndDate: generic.MustDate("2024-06-10"),
			CreatedAt: base.Add(offset), UpdatedAt: base.Add(offset),
		}
	}
	for _, r := range []leave.Request{
		mk("r2", "u1", leave.CategoryAnnual, leave.StatusApproved, time.Hour),
		mk("r1", "u1", leave.CategoryOvertime, leave.StatusPendingL1, 0),
		mk("r3", "u2", leave.CategoryAnnual, leave.StatusApproved, 2*time.Hour),
	} {
		r := r
		require.NoError(t, store.CreateRequest(ctx, &r))
	}

	all, err := store.ListRequests(ctx, leave.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	approved, err := store.ListRequests(ctx, leave.RequestFilter{
		UserID: "u1", Statuses: []leave.Status{leave.StatusApproved},
	})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "r2", approved[0].ID)

	overtime, err := store.ListRequests(ctx, leave.RequestFilter{Category: leave.CategoryOvertime})
	require.NoError(t, err)
	require.Len(t, overtime, 1)
	assert.Equal(t, "r1", overtime[0].ID)

	dup := mk("r1", "u1", leave.CategoryAnnual, leave.StatusDraft, 0)
	assert.True(t, errors.Is(store.CreateRequest(ctx, &dup), generic.ErrPersistence))
}

func TestRequests_ConditionalUpdate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// GIVEN a stored request at version 1
	r := leave.Request{
		ID: "r1", UserID: "u1", Category: leave.CategoryAnnual, Status: leave.StatusPendingL1,
		StartDate: generic.MustDate("2024-06-10"), EndDate: generic.MustDate("2024-06-11"),
		CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateRequest(ctx, &r))
	require.Equal(t, 1, r.Version)

	// WHEN it is updated at the current version
	next := r.Clone()
	next.Status = leave.StatusApproved
	require.NoError(t, store.UpdateRequest(ctx, &next, 1))

	// THEN the version advances and the status index follows
	assert.Equal(t, 2, next.Version)
	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, got.Status)
	assert.Equal(t, 2, got.Version)

	approved, err := store.ListRequests(ctx, leave.RequestFilter{Statuses: []leave.Status{leave.StatusApproved}})
	require.NoError(t, err)
	assert.Len(t, approved, 1)

	// AND a writer holding the old version is rejected
	stale := r.Clone()
	stale.Status = leave.StatusRejected
	err = store.UpdateRequest(ctx, &stale, 1)
	assert.True(t, generic.IsRetryable(err))

	missing := r.Clone()
	missing.ID = "ghost"
	assert.True(t, generic.IsNotFound(store.UpdateRequest(ctx, &missing, 1)))
}

func TestWorkflowGroups_KeepConfigurationOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.SaveWorkflowGroup(ctx, leave.WorkflowGroup{ID: id, Name: id}))
	}
	// Re-saving keeps the original position
	require.NoError(t, store.SaveWorkflowGroup(ctx, leave.WorkflowGroup{ID: "zeta", Name: "Zeta v2"}))

	groups, err := store.ListWorkflowGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "zeta", groups[0].ID)
	assert.Equal(t, "Zeta v2", groups[0].Name)
	assert.Equal(t, "alpha", groups[1].ID)
	assert.Equal(t, "mid", groups[2].ID)
}

func TestOvertimeChecks_UpsertByRequest(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	check := leave.OvertimeCheck{
		ID: "c1", RequestID: "r1", UserID: "u1", Year: 2024, Month: time.May,
		ActualStartDate: generic.MustDate("2024-05-20"), ActualEndDate: generic.MustDate("2024-05-20"),
		ActualDuration: decimal.NewFromInt(2), IsVerified: true,
	}
	require.NoError(t, store.SaveOvertimeChecks(ctx, []leave.OvertimeCheck{check}))

	check.ActualDuration = decimal.RequireFromString("3.5")
	require.NoError(t, store.SaveOvertimeChecks(ctx, []leave.OvertimeCheck{check}))

	got, err := store.ListOvertimeChecks(ctx, leave.CheckFilter{Year: 2024, Month: time.May})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3.5", got[0].ActualDuration.String())

	none, err := store.ListOvertimeChecks(ctx, leave.CheckFilter{Year: 2024, Month: time.June})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSettlementRecords_UpsertByPeriod(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	rows := []leave.SettlementRecord{
		{ID: "s2", UserID: "u1", Year: 2024, Month: time.June, RemainingHours: decimal.NewFromInt(3), SettledAt: at},
		{ID: "s1", UserID: "u1", Year: 2024, Month: time.May, RemainingHours: decimal.NewFromInt(1), SettledAt: at},
		{ID: "s3", UserID: "u2", Year: 2024, Month: time.May, SettledAt: at},
	}
	require.NoError(t, store.SaveSettlementRecords(ctx, rows))

	rows[0].PaidHours = decimal.NewFromInt(2)
	rows[0].PayAuth = &leave.AuthSignature{Name: "HR", Role: leave.RoleHR, Timestamp: at}
	require.NoError(t, store.SaveSettlementRecords(ctx, rows[:1]))

	got, err := store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.May, got[0].Month)
	assert.Equal(t, time.June, got[1].Month)
	assert.Equal(t, "2", got[1].PaidHours.String())
	require.NotNil(t, got[1].PayAuth)
	assert.Equal(t, "HR", got[1].PayAuth.Name)

	everyone, err := store.ListSettlementRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, everyone, 3)
}

func TestLeaveCategories_DefaultsThenSeeded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	defaults, err := store.ListLeaveCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, leave.DefaultLeaveCategories(), defaults)

	custom := leave.LeaveCategory{ID: leave.CategoryMenstrual, Name: "Period leave", AllowedGender: leave.GenderFemaleOnly}
	require.NoError(t, store.SaveLeaveCategory(ctx, custom))

	got, err := store.ListLeaveCategories(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(defaults))
	for _, c := range got {
		if c.ID == leave.CategoryMenstrual {
			assert.Equal(t, "Period leave", c.Name)
		}
	}
}

func TestWarningRules_RoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	rule := leave.WarningRule{
		ID: "w1", Name: "Sick", TargetCategory: leave.CategorySick, Operator: leave.OpGreater,
		Threshold: decimal.NewFromInt(3), Window: leave.TimeWindow{Kind: leave.WindowLastNDays, Days: 30},
		Message: "Too many", Color: "red",
	}
	require.NoError(t, store.SaveWarningRule(ctx, rule))

	got, err := store.ListWarningRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, leave.WindowLastNDays, got[0].Window.Kind)
	assert.Equal(t, 30, got[0].Window.Days)
	assert.True(t, rule.Threshold.Equal(got[0].Threshold))
}
