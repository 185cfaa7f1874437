/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the approval workflow, quota evaluation and the overtime ledger
  over REST. Handlers parse the request, resolve the acting user from the
  bearer token, delegate to the domain services and map errors to status
  codes.

ENDPOINTS:
  Auth:
    POST   /api/auth/token                   Exchange user id + password for a token

  Requests:
    POST   /api/requests                     Create (or save as draft)
    GET    /api/requests                     List (own, or any user for HR/admin)
    GET    /api/requests/pending             Requests awaiting the caller's vote
    POST   /api/requests/batch               Approve/reject several requests
    GET    /api/requests/{id}                Get one request
    PUT    /api/requests/{id}                Edit a draft or an untouched submission
    POST   /api/requests/{id}/submit         Submit a draft
    POST   /api/requests/{id}/approve        Approve the current step
    POST   /api/requests/{id}/reject         Reject
    POST   /api/requests/{id}/withdraw       Withdraw before any approval
    POST   /api/requests/{id}/cancel         Apply for cancellation of an approved request
    POST   /api/requests/{id}/cancel/abort   Abort a pending cancellation

  Users ("me" is accepted for {id}):
    GET    /api/users/{id}/quota             Live quota (?category=&year=)
    GET    /api/users/{id}/warnings          Firing warning rules
    GET    /api/users/{id}/workflow          Resolved approval chain

  Settlement (HR, admin, or overtime reviewers):
    GET    /api/settlement/records           Ledger rows (?user_id=)
    GET    /api/settlement/checks            Overtime checks (?user_id=&year=&month=)
    POST   /api/settlement/verify            Save a month's checks and reconcile
    POST   /api/settlement/reconcile         Recompute a user's ledger
    POST   /api/settlement/manual            Operator settlement (re-authenticated)

  Config:
    GET    /api/config/leave-categories      Category configuration
    PUT    /api/config/leave-categories/{id} (admin)
    GET    /api/config/workflow-groups       (admin)
    PUT    /api/config/workflow-groups/{id}  (admin)
    GET    /api/config/warning-rules         (admin)
    PUT    /api/config/warning-rules/{id}    (admin)
    GET    /api/config/users                 (admin)
    PUT    /api/config/users/{id}            Directory sync (admin)

ERROR HANDLING:
  writeDomainError maps the generic error taxonomy:
  - 400: Validation errors, invalid input
  - 403: Forbidden
  - 404: Resource not found
  - 409: Overlap, invalid transition, concurrent modification
  - 422: Quota exceeded
  - 207: Batch stopped part-way (body lists what was applied)
  - 500: Workflow configuration missing, unexpected errors
  - 503: Persistence failure

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Bearer tokens and access middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/settlement"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      leave.Repository
	Workflow   *workflow.Service
	Evaluator  *leave.Evaluator
	Reconciler *settlement.Reconciler
	Auth       *Authenticator
	Log        logrus.FieldLogger
	Clock      generic.Clock
}

// NewHandler wires the handler. Pass the same store the services use.
func NewHandler(store leave.Repository, wf *workflow.Service, rec *settlement.Reconciler, auth *Authenticator, log logrus.FieldLogger) *Handler {
	return &Handler{
		Store:      store,
		Workflow:   wf,
		Evaluator:  wf.Evaluator,
		Reconciler: rec,
		Auth:       auth,
		Log:        log,
		Clock:      wf.Clock,
	}
}

func privileged(u leave.User) bool {
	return leave.CanAdminister(u) || leave.CanSettle(u)
}

// =============================================================================
// AUTH
// =============================================================================

// IssueToken exchanges credentials for a bearer token.
// POST /api/auth/token
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var body TokenRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	user, err := h.Store.GetUser(r.Context(), body.UserID)
	if err != nil || leave.VerifyPassword(*user, body.Password) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials", errBadCredentials)
		return
	}
	token, expires, err := h.Auth.GenerateToken(*user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires.UTC().Format(time.RFC3339)})
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest stores a new request for the caller.
// POST /api/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var body CreateRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req, err := h.Workflow.Create(r.Context(), actor.ID, body.Draft, body.AsDraft)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListRequests lists requests. Callers see their own unless privileged.
// GET /api/requests?user_id=&category=&status=A,B
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	q := r.URL.Query()

	filter := leave.RequestFilter{
		UserID:   q.Get("user_id"),
		Category: leave.Category(q.Get("category")),
	}
	if filter.UserID == "" && !privileged(*actor) {
		filter.UserID = actor.ID
	}
	if filter.UserID != actor.ID && !privileged(*actor) {
		writeError(w, http.StatusForbidden, "Forbidden", generic.ErrForbidden)
		return
	}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, leave.Status(strings.TrimSpace(st)))
		}
	}

	requests, err := h.Store.ListRequests(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// GetRequest returns one request to its owner, its approvers or privileged
// users.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	req, err := h.Store.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.UserID != actor.ID && !privileged(*actor) {
		ok, err := h.isApprover(r, *req, actor.ID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "Forbidden", generic.ErrForbidden)
			return
		}
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) isApprover(r *http.Request, req leave.Request, actorID string) (bool, error) {
	groups, err := h.Store.ListWorkflowGroups(r.Context())
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.ID != req.WorkflowGroupID {
			continue
		}
		for _, step := range g.Steps {
			if step.HasApprover(actorID) {
				return true, nil
			}
		}
	}
	return false, nil
}

// EditRequest replaces the requester-supplied fields.
// PUT /api/requests/{id}
func (h *Handler) EditRequest(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var draft leave.Draft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req, err := h.Workflow.Edit(r.Context(), chi.URLParam(r, "id"), actor.ID, draft)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// requesterHandler adapts a requester-side transition to an endpoint.
func (h *Handler) requesterHandler(action func(ctx context.Context, requestID, actorID string) (*leave.Request, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := ActorFrom(r.Context())
		req, err := action(r.Context(), chi.URLParam(r, "id"), actor.ID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// SubmitDraft POST /api/requests/{id}/submit
func (h *Handler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	h.requesterHandler(h.Workflow.SubmitDraft)(w, r)
}

// Withdraw POST /api/requests/{id}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.requesterHandler(h.Workflow.Withdraw)(w, r)
}

// ApplyCancellation POST /api/requests/{id}/cancel
func (h *Handler) ApplyCancellation(w http.ResponseWriter, r *http.Request) {
	h.requesterHandler(h.Workflow.ApplyCancellation)(w, r)
}

// AbortCancellation POST /api/requests/{id}/cancel/abort
func (h *Handler) AbortCancellation(w http.ResponseWriter, r *http.Request) {
	h.requesterHandler(h.Workflow.AbortCancellation)(w, r)
}

// Approve POST /api/requests/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Workflow.Approve)
}

// Reject POST /api/requests/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Workflow.Reject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID, comment string) (*leave.Request, error)) {
	actor := ActorFrom(r.Context())
	var body CommentBody
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	req, err := fn(r.Context(), chi.URLParam(r, "id"), actor.ID, body.Comment)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Batch approves or rejects several requests, stopping at the first
// failure.
// POST /api/requests/batch
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var body BatchRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required", nil)
		return
	}

	result, err := h.Workflow.Batch(r.Context(), body.IDs, workflow.BatchAction(strings.ToUpper(body.Action)), actor.ID, body.Comment)
	resp := BatchResponse{Applied: result.Applied}
	if resp.Applied == nil {
		resp.Applied = []leave.Request{}
	}

	var partial *generic.PartialBatchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &partial) && len(partial.Applied) > 0:
		resp.FailedID = partial.FailedID
		resp.Error = partial.Err.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
	case errors.As(err, &partial):
		// Nothing committed: report the underlying failure.
		h.writeDomainError(w, r, partial.Err)
	default:
		h.writeDomainError(w, r, err)
	}
}

// PendingApprovals lists requests awaiting the caller's vote.
// GET /api/requests/pending
func (h *Handler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	requests, err := h.Workflow.PendingFor(r.Context(), actor.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// =============================================================================
// USER VIEWS
// =============================================================================

// subject resolves {id} ("me" allowed) and checks the caller may view it.
func (h *Handler) subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := ActorFrom(r.Context())
	id := chi.URLParam(r, "id")
	if id == "me" || id == "" {
		id = actor.ID
	}
	if id != actor.ID && !privileged(*actor) {
		writeError(w, http.StatusForbidden, "Forbidden", generic.ErrForbidden)
		return "", false
	}
	return id, true
}

// GetQuota returns the live quota of a category.
// GET /api/users/{id}/quota?category=ANNUAL&year=2024&exclude=req-1
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	category := leave.Category(q.Get("category"))
	if category == "" {
		category = leave.CategoryAnnual
	}
	year := h.Clock().Year()
	if s := q.Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = y
	}

	quota, err := h.Evaluator.LiveQuota(r.Context(), userID, category, year, q.Get("exclude"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

// GetWarnings returns the warning rules firing for a user.
// GET /api/users/{id}/warnings
func (h *Handler) GetWarnings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	warnings, err := h.Evaluator.Warnings(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if warnings == nil {
		warnings = []leave.ActiveWarning{}
	}
	writeJSON(w, http.StatusOK, warnings)
}

// GetWorkflow returns the chain a new request by the user would follow.
// GET /api/users/{id}/workflow
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	res, err := h.Workflow.ResolveWorkflow(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	steps := res.Group.Steps
	if len(steps) > res.TotalSteps {
		steps = steps[:res.TotalSteps]
	}
	writeJSON(w, http.StatusOK, WorkflowDTO{
		GroupID:    res.Group.ID,
		GroupName:  res.Group.Name,
		TotalSteps: res.TotalSteps,
		Steps:      steps,
	})
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ListSettlementRecords GET /api/settlement/records?user_id=
func (h *Handler) ListSettlementRecords(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.ListSettlementRecords(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ListOvertimeChecks GET /api/settlement/checks?user_id=&year=&month=
func (h *Handler) ListOvertimeChecks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := leave.CheckFilter{UserID: q.Get("user_id")}
	if s := q.Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		filter.Year = y
	}
	if s := q.Get("month"); s != "" {
		m, err := strconv.Atoi(s)
		if err != nil || m < 1 || m > 12 {
			writeError(w, http.StatusBadRequest, "Invalid month", err)
			return
		}
		filter.Month = time.Month(m)
	}
	checks, err := h.Store.ListOvertimeChecks(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

// Reconcile recomputes a user's ledger from a month.
// POST /api/settlement/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var body ReconcileRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if _, err := h.Store.GetUser(r.Context(), body.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rows, err := h.Reconciler.AutoReconcile(r.Context(), body.UserID, generic.NewYearMonth(body.Year, time.Month(body.Month)))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ManualSettle runs an operator settlement after re-checking the
// operator's password.
// POST /api/settlement/manual
func (h *Handler) ManualSettle(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var body ManualSettleRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if err := leave.VerifyPassword(*actor, body.Password); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rows, err := h.Reconciler.ManualSettle(r.Context(), settlement.ManualInput{
		UserIDs:   body.UserIDs,
		Anchor:    generic.NewYearMonth(body.Year, time.Month(body.Month)),
		Mode:      settlement.Mode(strings.ToUpper(body.Mode)),
		Overrides: body.Overrides,
		Operator:  *actor,
	})
	if err != nil {
		h.writePartial(w, r, err, rows)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// VerifyOvertime saves HR-verified durations and reconciles the affected
// users.
// POST /api/settlement/verify
func (h *Handler) VerifyOvertime(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var body VerifyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	checks := make([]leave.OvertimeCheck, 0, len(body.Checks))
	for i, c := range body.Checks {
		check, err := c.toCheck()
		if err != nil {
			h.writeDomainError(w, r, generic.NewValidationError(fmt.Sprintf("checks[%d]", i), err.Error()))
			return
		}
		checks = append(checks, check)
	}

	result, err := h.Reconciler.VerifyOvertime(r.Context(), generic.NewYearMonth(body.Year, time.Month(body.Month)), checks, *actor)
	if err != nil {
		h.writePartial(w, r, err, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c CheckDTO) toCheck() (leave.OvertimeCheck, error) {
	check := leave.OvertimeCheck{
		RequestID:      c.RequestID,
		ActualDuration: c.ActualDuration,
		IsVerified:     c.IsVerified,
	}
	var err error
	if c.ActualStartDate != "" {
		if check.ActualStartDate, err = generic.ParseDate(c.ActualStartDate); err != nil {
			return check, err
		}
	}
	if c.ActualEndDate != "" {
		if check.ActualEndDate, err = generic.ParseDate(c.ActualEndDate); err != nil {
			return check, err
		}
	}
	if c.ActualStartTime != "" && c.ActualEndTime != "" {
		start, err := generic.ParseClockTime(c.ActualStartTime)
		if err != nil {
			return check, err
		}
		end, err := generic.ParseClockTime(c.ActualEndTime)
		if err != nil {
			return check, err
		}
		check.ActualStartTime, check.ActualEndTime = &start, &end
	}
	return check, nil
}

// writePartial reports a partial batch as 207 with whatever was committed.
func (h *Handler) writePartial(w http.ResponseWriter, r *http.Request, err error, committed any) {
	var partial *generic.PartialBatchError
	if errors.As(err, &partial) && len(partial.Applied) > 0 {
		writeJSON(w, http.StatusMultiStatus, ErrorResponse{
			Error:   partial.Err.Error(),
			Code:    "PARTIAL_BATCH",
			Details: map[string]any{"failed_id": partial.FailedID, "applied": partial.Applied, "committed": committed},
		})
		return
	}
	if errors.As(err, &partial) {
		err = partial.Err
	}
	h.writeDomainError(w, r, err)
}

// =============================================================================
// CONFIGURATION HANDLERS
// =============================================================================

// ListLeaveCategories GET /api/config/leave-categories
func (h *Handler) ListLeaveCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.Store.ListLeaveCategories(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

// SaveLeaveCategory PUT /api/config/leave-categories/{id}
func (h *Handler) SaveLeaveCategory(w http.ResponseWriter, r *http.Request) {
	var c leave.LeaveCategory
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	c.ID = leave.Category(chi.URLParam(r, "id"))
	if !c.ID.Valid() {
		h.writeDomainError(w, r, generic.NewValidationError("id", fmt.Sprintf("unknown category %q", c.ID)))
		return
	}
	switch c.AllowedGender {
	case "":
		c.AllowedGender = leave.GenderAll
	case leave.GenderAll, leave.GenderMaleOnly, leave.GenderFemaleOnly:
	default:
		h.writeDomainError(w, r, generic.NewValidationError("allowed_gender", "must be ALL, MALE_ONLY or FEMALE_ONLY"))
		return
	}
	if err := h.Store.SaveLeaveCategory(r.Context(), c); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListWorkflowGroups GET /api/config/workflow-groups
func (h *Handler) ListWorkflowGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.ListWorkflowGroups(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// SaveWorkflowGroup PUT /api/config/workflow-groups/{id}
func (h *Handler) SaveWorkflowGroup(w http.ResponseWriter, r *http.Request) {
	var g leave.WorkflowGroup
	if err := decodeJSON(r, &g); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	g.ID = chi.URLParam(r, "id")
	if len(g.Steps) == 0 {
		h.writeDomainError(w, r, generic.NewValidationError("steps", "at least one step is required"))
		return
	}
	for i, step := range g.Steps {
		if len(step.ApproverIDs) == 0 {
			h.writeDomainError(w, r, generic.NewValidationError(fmt.Sprintf("steps[%d].approver_ids", i), "must not be empty"))
			return
		}
	}
	if err := h.Store.SaveWorkflowGroup(r.Context(), g); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ListWarningRules GET /api/config/warning-rules
func (h *Handler) ListWarningRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListWarningRules(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// SaveWarningRule PUT /api/config/warning-rules/{id}
func (h *Handler) SaveWarningRule(w http.ResponseWriter, r *http.Request) {
	var rule leave.WarningRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if !rule.Operator.Valid() {
		h.writeDomainError(w, r, generic.NewValidationError("operator", "must be one of > >= < <="))
		return
	}
	if !rule.TargetCategory.Valid() {
		h.writeDomainError(w, r, generic.NewValidationError("target_category", fmt.Sprintf("unknown category %q", rule.TargetCategory)))
		return
	}
	if rule.Window.Kind == "" {
		rule.Window.Kind = leave.WindowAllTime
	}
	if err := h.Store.SaveWarningRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ListUsers GET /api/config/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// SyncUser upserts a user pushed from the external directory. A password,
// when given, is stored as a bcrypt hash; otherwise the existing hash is
// kept.
// PUT /api/config/users/{id}
func (h *Handler) SyncUser(w http.ResponseWriter, r *http.Request) {
	var body UserSyncRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	u := body.User
	u.ID = chi.URLParam(r, "id")
	if strings.TrimSpace(u.Name) == "" {
		h.writeDomainError(w, r, generic.NewValidationError("name", "is required"))
		return
	}

	if body.Password != "" {
		hash, err := leave.HashPassword(body.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
			return
		}
		u.PasswordHash = hash
	} else if existing, err := h.Store.GetUser(r.Context(), u.ID); err == nil {
		u.PasswordHash = existing.PasswordHash
	} else if !generic.IsNotFound(err) {
		h.writeDomainError(w, r, err)
		return
	}

	if err := h.Store.SaveUser(r.Context(), u); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the error taxonomy to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrPartialBatch):
		return http.StatusMultiStatus, "PARTIAL_BATCH"
	case errors.Is(err, generic.ErrValidation), errors.Is(err, generic.ErrInvalidPeriod):
		return http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, generic.ErrOverlap):
		return http.StatusConflict, "OVERLAP"
	case errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict, "CONCURRENT_MODIFICATION"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, generic.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity, "QUOTA_EXCEEDED"
	case errors.Is(err, generic.ErrWorkflowConfigMissing):
		return http.StatusInternalServerError, "WORKFLOW_CONFIG_MISSING"
	case errors.Is(err, generic.ErrPersistence):
		return http.StatusServiceUnavailable, "PERSISTENCE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var verr *generic.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	var qerr *generic.QuotaExceededError
	if errors.As(err, &qerr) {
		resp.Details = map[string]string{
			"available": qerr.Available.String(),
			"requested": qerr.Requested.String(),
		}
	}

	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"status": status,
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}
