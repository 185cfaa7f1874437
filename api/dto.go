/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

Domain types (leave.Request, leave.SettlementRecord, leave.Quota) already
carry JSON tags and are returned as-is. DTOs exist only where the wire shape
differs: request bodies, batch results and error envelopes.

VALIDATION:
  Request drafts are validated by leave.Draft (validator/v10). The other
  bodies are checked in handlers.

SEE ALSO:
  - handlers.go: Uses these types
  - leave/validate.go: Draft
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/settlement"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// CreateRequestBody submits a new request, or saves it as a draft.
type CreateRequestBody struct {
	leave.Draft
	AsDraft bool `json:"as_draft"`
}

// CommentBody carries an optional approver comment.
type CommentBody struct {
	Comment string `json:"comment"`
}

// BatchRequest applies one decision to several requests.
type BatchRequest struct {
	IDs     []string `json:"ids"`
	Action  string   `json:"action"` // APPROVE or REJECT
	Comment string   `json:"comment"`
}

// ReconcileRequest re-runs the ledger for one user from a month.
type ReconcileRequest struct {
	UserID string `json:"user_id"`
	Year   int    `json:"year"`
	Month  int    `json:"month"`
}

// ManualSettleRequest is an operator settlement. Password re-authenticates
// the operator.
type ManualSettleRequest struct {
	UserIDs   []string                       `json:"user_ids"`
	Year      int                            `json:"year"`
	Month     int                            `json:"month"`
	Mode      string                         `json:"mode"` // BATCH or BATCH_BASE
	Overrides map[string]settlement.Override `json:"overrides,omitempty"`
	Password  string                         `json:"password"`
}

// CheckDTO is one HR verification row.
type CheckDTO struct {
	RequestID       string          `json:"request_id"`
	ActualStartDate string          `json:"actual_start_date,omitempty"`
	ActualEndDate   string          `json:"actual_end_date,omitempty"`
	ActualStartTime string          `json:"actual_start_time,omitempty"`
	ActualEndTime   string          `json:"actual_end_time,omitempty"`
	ActualDuration  decimal.Decimal `json:"actual_duration"`
	IsVerified      bool            `json:"is_verified"`
}

// VerifyRequest saves the verification of a month's overtime.
type VerifyRequest struct {
	Year   int        `json:"year"`
	Month  int        `json:"month"`
	Checks []CheckDTO `json:"checks"`
}

// TokenRequest exchanges credentials for a bearer token.
type TokenRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// UserSyncRequest provisions a user from the external directory.
type UserSyncRequest struct {
	leave.User
	Password string `json:"password,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BatchResponse lists what a batch committed. On a partial failure it also
// names the failing request.
type BatchResponse struct {
	Applied  []leave.Request `json:"applied"`
	FailedID string          `json:"failed_id,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// TokenResponse is an issued bearer token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// WorkflowDTO is the chain resolved for a user.
type WorkflowDTO struct {
	GroupID    string       `json:"group_id"`
	GroupName  string       `json:"group_name"`
	TotalSteps int          `json:"total_steps"`
	Steps      []leave.Step `json:"steps"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string               `json:"error"`
	Code    string               `json:"code,omitempty"`
	Fields  []generic.FieldError `json:"fields,omitempty"`
	Details any                  `json:"details,omitempty"`
}

// PartialBatchDetails is the Details of a 207 partial-batch error.
type PartialBatchDetails struct {
	Applied  []string `json:"applied"`
	FailedID string   `json:"failed_id"`
}
