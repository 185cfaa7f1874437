package memory_test

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
	"github.com/warp/leave-engine/store/memory"
)

func sampleRequest(id, userID string) leave.Request {
	return leave.Request{
		ID: id, UserID: userID, Category: leave.CategoryAnnual,
		StartDate: generic.MustDate("2024-06-10"), EndDate: generic.MustDate("2024-06-10"),
		Status: leave.StatusPendingL1, CurrentStep: 1, TotalSteps: 2, WorkflowGroupID: "std",
		CreatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRequests_ConditionalUpdate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	r := sampleRequest("r1", "u1")
	require.NoError(t, store.CreateRequest(ctx, &r))
	assert.Equal(t, 1, r.Version)

	// GIVEN: Two writers read version 1
	first, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	second, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)

	// WHEN: Both write back
	first.StepApprovedBy = []string{"m1"}
	require.NoError(t, store.UpdateRequest(ctx, first, 1))
	assert.Equal(t, 2, first.Version)

	second.StepApprovedBy = []string{"m2"}
	err = store.UpdateRequest(ctx, second, 1)

	// THEN: The second write is refused and the first vote survives
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))
	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got.StepApprovedBy)
	assert.Equal(t, 2, got.Version)

	// AND: The loser can retry from the current version
	second.Version = got.Version
	second.StepApprovedBy = []string{"m1", "m2"}
	require.NoError(t, store.UpdateRequest(ctx, second, 2))
	assert.Equal(t, 3, second.Version)

	ghost := sampleRequest("ghost", "u1")
	err = store.UpdateRequest(ctx, &ghost, 1)
	assert.True(t, generic.IsNotFound(err))
}

func TestRequests_StoredCopiesAreIsolated(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	r := sampleRequest("r1", "u1")
	r.StepApprovedBy = []string{"m1"}
	require.NoError(t, store.CreateRequest(ctx, &r))

	// Mutating the caller's value or a read copy never reaches the store
	r.StepApprovedBy[0] = "intruder"
	read, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	read.StepApprovedBy = append(read.StepApprovedBy, "m2")

	got, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, got.StepApprovedBy)

	err = store.CreateRequest(ctx, &r)
	assert.True(t, errors.Is(err, generic.ErrPersistence))
}

func TestSettlementRecords_UpsertByMonth(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	row := func(userID string, month time.Month, remaining string) leave.SettlementRecord {
		return leave.SettlementRecord{UserID: userID, Year: 2024, Month: month, RemainingHours: decimal.RequireFromString(remaining)}
	}
	require.NoError(t, store.SaveSettlementRecords(ctx, []leave.SettlementRecord{
		row("u1", time.April, "3"), row("u1", time.March, "1"), row("u2", time.March, "9"),
	}))
	require.NoError(t, store.SaveSettlementRecords(ctx, []leave.SettlementRecord{row("u1", time.March, "2")}))

	rows, err := store.ListSettlementRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, time.March, rows[0].Month)
	assert.True(t, rows[0].RemainingHours.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, time.April, rows[1].Month)

	all, err := store.ListSettlementRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
