/*
handlers_test.go - HTTP tests for the API surface

Tests for:
- Token issuance and the bearer middleware
- Request lifecycle through the workflow endpoints
- Error mapping (validation, overlap, quota, partial batch)
- Role checks on settlement and configuration routes
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
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
	"github.com/warp/leave-engine/workflow"
)

const testPassword = "correct horse"

type apiFixture struct {
	router http.Handler
	auth   *Authenticator
	store  *memory.Memory
	tokens map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	hash, err := leave.HashPassword(testPassword)
	require.NoError(t, err)

	users := []leave.User{
		{ID: "emp", Name: "Employee", Role: leave.RoleEmployee, Gender: leave.GenderMale,
			AnnualQuota: map[int]decimal.Decimal{2024: decimal.RequireFromString("3")}, WorkflowGroupID: "std", PasswordHash: hash},
		{ID: "emp2", Name: "Other Employee", Role: leave.RoleEmployee,
			AnnualQuota: map[int]decimal.Decimal{2024: decimal.RequireFromString("3")}, WorkflowGroupID: "std"},
		{ID: "m1", Name: "Manager", Role: leave.RoleSectManager},
		{ID: "hr", Name: "HR Officer", Role: leave.RoleHR, PasswordHash: hash},
		{ID: "admin", Name: "Admin", Role: leave.RoleAdmin},
	}
	for _, u := range users {
		require.NoError(t, store.SaveUser(ctx, u))
	}
	require.NoError(t, store.SaveWorkflowGroup(ctx, leave.WorkflowGroup{
		ID: "std", Name: "Standard",
		Steps: []leave.Step{{Level: 1, Label: "Manager", ApproverIDs: []string{"m1"}}},
	}))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clock := generic.FixedClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	var seq int64
	nextID := func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1)) }

	rec := settlement.NewReconciler(store,
		settlement.WithLogger(logger), settlement.WithClock(clock), settlement.WithIDGenerator(nextID))
	wf := workflow.NewService(store,
		workflow.WithLogger(logger), workflow.WithClock(clock), workflow.WithIDGenerator(nextID))
	auth := NewAuthenticator("test-secret", time.Hour, store)
	h := NewHandler(store, wf, rec, auth, logger)

	f := &apiFixture{
		router: NewRouter(h, RouterOptions{Health: func(context.Context) error { return nil }}),
		auth:   auth,
		store:  store,
		tokens: map[string]string{},
	}
	for _, u := range users {
		token, _, err := auth.GenerateToken(u)
		require.NoError(t, err)
		f.tokens[u.ID] = token
	}
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, as string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[as])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func annual(start, end string) map[string]any {
	return map[string]any{"category": "ANNUAL", "start_date": start, "end_date": end, "reason": "trip"}
}

// =============================================================================
// AUTH
// =============================================================================

func TestIssueToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/auth/token", "", TokenRequest{UserID: "emp", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/token", "", TokenRequest{UserID: "emp", Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TokenResponse](t, rec)

	claims, err := f.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "emp", claims.UserID)
}

func TestAuthMiddleware(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.tokens["forged"] = "not-a-jwt"
	rec = f.do(t, http.MethodGet, "/api/requests", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewAuthenticator("other-secret", time.Hour, f.store)
	token, _, err := other.GenerateToken(leave.User{ID: "emp"})
	require.NoError(t, err)
	f.tokens["wrong-key"] = token
	rec = f.do(t, http.MethodGet, "/api/requests", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/requests", "emp", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// WORKFLOW
// =============================================================================

func TestRequestLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	// GIVEN a submitted annual leave request
	rec := f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-06-10", "2024-06-11"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[leave.Request](t, rec)
	assert.Equal(t, leave.StatusPendingL1, created.Status)

	// WHEN the manager checks the inbox and approves
	rec = f.do(t, http.MethodGet, "/api/requests/pending", "m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]leave.Request](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, created.ID, pending[0].ID)

	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/approve", "m1", CommentBody{Comment: "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN the request is approved and visible to its approver
	approved := decode[leave.Request](t, rec)
	assert.Equal(t, leave.StatusApproved, approved.Status)

	rec = f.do(t, http.MethodGet, "/api/requests/"+created.ID, "m1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// AND other employees cannot read it
	rec = f.do(t, http.MethodGet, "/api/requests/"+created.ID, "emp2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// AND quota reflects the usage
	rec = f.do(t, http.MethodGet, "/api/users/me/quota?category=ANNUAL&year=2024", "emp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	quota := decode[leave.Quota](t, rec)
	assert.Equal(t, "1", quota.Remaining.Value.String())
}

func TestApprove_EmptyBody(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-06-10", "2024-06-10"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[leave.Request](t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/requests/"+created.ID+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+f.tokens["m1"])
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code, out.Body.String())
}

func TestCreate_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-06-10", "2024-06-10"))
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("validation", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/requests", "emp", map[string]any{"start_date": "2024-06-20", "end_date": "2024-06-20"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "VALIDATION", resp.Code)
		assert.NotEmpty(t, resp.Fields)
	})

	t.Run("overlap", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-06-10", "2024-06-12"))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "OVERLAP", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("quota", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-07-01", "2024-07-03"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "QUOTA_EXCEEDED", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		body := annual("2024-08-01", "2024-08-01")
		body["colour"] = "blue"
		rec := f.do(t, http.MethodPost, "/api/requests", "emp", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("transition", func(t *testing.T) {
		created := decode[leave.Request](t, f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-09-02", "2024-09-02")))
		rec := f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/cancel", "emp", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "INVALID_TRANSITION", decode[ErrorResponse](t, rec).Code)
	})
}

func TestBatch_PartialFailure(t *testing.T) {
	f := newAPIFixture(t)
	first := decode[leave.Request](t, f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-06-10", "2024-06-10")))
	second := decode[leave.Request](t, f.do(t, http.MethodPost, "/api/requests", "emp", annual("2024-06-12", "2024-06-12")))

	// WHEN the batch hits an unknown id in the middle
	rec := f.do(t, http.MethodPost, "/api/requests/batch", "m1", BatchRequest{
		IDs: []string{first.ID, "ghost", second.ID}, Action: "approve",
	})

	// THEN the first stays approved and the rest are untouched
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	require.Len(t, resp.Applied, 1)
	assert.Equal(t, first.ID, resp.Applied[0].ID)
	assert.Equal(t, "ghost", resp.FailedID)

	got, err := f.store.GetRequest(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPendingL1, got.Status)

	// AND a batch failing on its first item reports that failure directly
	rec = f.do(t, http.MethodPost, "/api/requests/batch", "m1", BatchRequest{IDs: []string{"ghost"}, Action: "approve"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SETTLEMENT & CONFIG
// =============================================================================

func TestSettlementRoutes_RequireSettler(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/settlement/records", "emp", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/settlement/records", "hr", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManualSettle_ReauthenticatesOperator(t *testing.T) {
	f := newAPIFixture(t)
	paid := decimal.NewFromInt(2)
	body := ManualSettleRequest{
		UserIDs: []string{"emp"}, Year: 2024, Month: 5, Mode: "batch_base",
		Overrides: map[string]settlement.Override{"emp": {Paid: &paid}},
	}

	body.Password = "wrong"
	rec := f.do(t, http.MethodPost, "/api/settlement/manual", "hr", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body.Password = testPassword
	rec = f.do(t, http.MethodPost, "/api/settlement/manual", "hr", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows := decode[[]leave.SettlementRecord](t, rec)
	require.Len(t, rows, settlement.Window)
	assert.Equal(t, "2", rows[0].PaidHours.String())
	require.NotNil(t, rows[0].BaseAuth)
	assert.Equal(t, "HR Officer", rows[0].BaseAuth.Name)
}

func TestReconcile_UnknownUser(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/settlement/reconcile", "hr", ReconcileRequest{UserID: "ghost", Year: 2024, Month: 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/settlement/reconcile", "hr", ReconcileRequest{UserID: "emp", Year: 2024, Month: 13})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigRoutes_AdminOnly(t *testing.T) {
	f := newAPIFixture(t)
	rule := leave.WarningRule{
		Name: "Sick", TargetCategory: leave.CategorySick, Operator: leave.OpGreater,
		Threshold: decimal.NewFromInt(3), Message: "Check in", Color: "amber",
	}

	rec := f.do(t, http.MethodPut, "/api/config/warning-rules/w1", "emp", rule)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/config/warning-rules/w1", "admin", rule)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, leave.WindowAllTime, decode[leave.WarningRule](t, rec).Window.Kind)

	rule.Operator = "=="
	rec = f.do(t, http.MethodPut, "/api/config/warning-rules/w2", "admin", rule)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Categories are readable by everyone
	rec = f.do(t, http.MethodGet, "/api/config/leave-categories", "emp", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncUser_KeepsPasswordHash(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/config/users/emp", "admin", map[string]any{
		"name": "Employee Renamed", "role": "EMPLOYEE", "workflow_group_id": "std",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err := f.store.GetUser(context.Background(), "emp")
	require.NoError(t, err)
	assert.Equal(t, "Employee Renamed", u.Name)
	assert.NoError(t, leave.VerifyPassword(*u, testPassword))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leave_api_requests_total")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{generic.NewValidationError("x", "bad"), http.StatusBadRequest},
		{&generic.OverlapError{}, http.StatusConflict},
		{&generic.QuotaExceededError{}, http.StatusUnprocessableEntity},
		{generic.ErrForbidden, http.StatusForbidden},
		{&generic.NotFoundError{Kind: "request", ID: "x"}, http.StatusNotFound},
		{generic.ErrConcurrentModification, http.StatusConflict},
		{generic.ErrWorkflowConfigMissing, http.StatusInternalServerError},
		{generic.Persist("op", errors.New("disk")), http.StatusServiceUnavailable},
		{&generic.PartialBatchError{FailedID: "x", Err: generic.ErrForbidden}, http.StatusMultiStatus},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}
