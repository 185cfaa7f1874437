package leave

import (
	"context"
	"time"
)

// =============================================================================
// STORE INTERFACES - Persistence abstraction
// =============================================================================

// UserStore reads employees. GetUser returns generic.ErrNotFound for
// unknown IDs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SaveUser(ctx context.Context, u User) error
}

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	UserID   string
	Category Category
	Statuses []Status
}

// Matches reports whether r passes the filter.
func (f RequestFilter) Matches(r Request) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// RequestStore persists requests.
//
// UpdateRequest is a conditional write: it succeeds only when the stored
// version equals expectedVersion, then stores req with Version set to
// expectedVersion+1. A mismatch returns generic.ErrConcurrentModification.
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]Request, error)
	CreateRequest(ctx context.Context, req *Request) error
	UpdateRequest(ctx context.Context, req *Request, expectedVersion int) error
}

// WorkflowStore reads approval chains in configuration order.
type WorkflowStore interface {
	ListWorkflowGroups(ctx context.Context) ([]WorkflowGroup, error)
	SaveWorkflowGroup(ctx context.Context, g WorkflowGroup) error
}

// CheckFilter narrows ListOvertimeChecks. Zero fields match everything.
type CheckFilter struct {
	UserID string
	Year   int
	Month  time.Month
}

// OvertimeStore persists verification checks and ledger rows.
//
// SaveSettlementRecords upserts all rows atomically, keyed by
// (UserID, Year, Month).
type OvertimeStore interface {
	ListOvertimeChecks(ctx context.Context, f CheckFilter) ([]OvertimeCheck, error)
	SaveOvertimeChecks(ctx context.Context, checks []OvertimeCheck) error
	ListSettlementRecords(ctx context.Context, userID string) ([]SettlementRecord, error)
	SaveSettlementRecords(ctx context.Context, rows []SettlementRecord) error
}

// RuleStore persists warning rules and category configuration.
type RuleStore interface {
	ListWarningRules(ctx context.Context) ([]WarningRule, error)
	SaveWarningRule(ctx context.Context, r WarningRule) error
	ListLeaveCategories(ctx context.Context) ([]LeaveCategory, error)
	SaveLeaveCategory(ctx context.Context, c LeaveCategory) error
}

// Repository is everything the engine consumes from storage.
type Repository interface {
	UserStore
	RequestStore
	WorkflowStore
	OvertimeStore
	RuleStore
}
