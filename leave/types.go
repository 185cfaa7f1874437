/*
Package leave defines the leave and overtime domain model and the pure
evaluators that read it.

PURPOSE:
  Holds the entities shared by the workflow and settlement packages (users,
  requests, workflow groups, overtime checks, ledger rows, warning rules) and
  the stateless calculators over them:

    duration.go  - DurationCalculator (days, hours, overnight spans)
    overlap.go   - Overlap Checker
    quota.go     - QuotaEvaluator
    warning.go   - WarningEvaluator
    validate.go  - Submission input validation
    access.go    - Role and eligibility predicates

KEY CONCEPTS:
  Request:          A leave or overtime application moving through a chain
  WorkflowGroup:    Ordered approval steps, each needing unanimous approval
  SettlementRecord: One month of a user's overtime/compensatory balance chain
  OvertimeCheck:    HR-verified actual duration of an overtime request

INVARIANTS:
  - 1 <= CurrentStep <= TotalSteps for every non-draft request
  - StepApprovedBy is a subset of the current step's approvers
  - Logs are append-only
  - IsCancellationRequest implies the request was APPROVED before the
    cancellation sub-workflow started

SEE ALSO:
  - store.go: Repository interfaces
  - workflow/: The approval state machine
  - settlement/: The balance ledger reconciler
*/
package leave

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// ROLES & USERS
// =============================================================================

type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleChairman    Role = "CHAIRMAN"
	RoleGM          Role = "GM"
	RoleVP          Role = "VP"
	RoleDeptManager Role = "MGR_DEPT"
	RoleSectManager Role = "MGR_SECT"
	RoleLeader      Role = "LEADER"
	RoleHR          Role = "HR"
	RoleEmployee    Role = "EMPLOYEE"
)

type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

// User is an employee as seen by the engine. Account management lives
// outside; the engine only reads users.
type User struct {
	ID                string                  `json:"id"`
	EmployeeID        string                  `json:"employee_id"`
	Name              string                  `json:"name"`
	Gender            Gender                  `json:"gender"`
	Role              Role                    `json:"role"`
	Department        string                  `json:"department"`
	JobTitle          string                  `json:"job_title"`
	AnnualQuota       map[int]decimal.Decimal `json:"annual_quota"`   // year -> days
	OvertimeQuota     decimal.Decimal         `json:"overtime_quota"` // baseline days
	WorkflowGroupID   string                  `json:"workflow_group_id,omitempty"`
	CanReviewOvertime bool                    `json:"can_review_overtime"`
	PasswordHash      string                  `json:"-"`
}

// AnnualDays returns the annual leave entitlement for a year.
func (u User) AnnualDays(year int) decimal.Decimal {
	if q, ok := u.AnnualQuota[year]; ok {
		return q
	}
	return decimal.Zero
}

// =============================================================================
// WORKFLOW CONFIGURATION
// =============================================================================

// Step is one level of an approval chain. All ApproverIDs must approve
// before the request moves on.
type Step struct {
	Level       int      `json:"level"`
	Label       string   `json:"label"`
	ApproverIDs []string `json:"approver_ids"`
}

// HasApprover reports whether id is one of the step's approvers.
func (s Step) HasApprover(id string) bool {
	for _, a := range s.ApproverIDs {
		if a == id {
			return true
		}
	}
	return false
}

// JobTitleRule caps the chain length for requesters with a given job title.
type JobTitleRule struct {
	JobTitle string `json:"job_title"`
	MaxLevel int    `json:"max_level"`
}

// WorkflowGroup is a named approval chain.
type WorkflowGroup struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Steps      []Step         `json:"steps"`
	TitleRules []JobTitleRule `json:"title_rules,omitempty"`
}

// StepAt returns the 1-based step, or false when out of range.
func (g WorkflowGroup) StepAt(n int) (Step, bool) {
	if n < 1 || n > len(g.Steps) {
		return Step{}, false
	}
	return g.Steps[n-1], true
}

// =============================================================================
// REQUESTS
// =============================================================================

type Category string

const (
	CategoryAnnual       Category = "ANNUAL"
	CategorySick         Category = "SICK"
	CategoryPersonal     Category = "PERSONAL"
	CategoryMenstrual    Category = "MENSTRUAL"
	CategoryBereavement  Category = "BEREAVEMENT"
	CategoryOfficial     Category = "OFFICIAL"
	CategoryOvertime     Category = "OVERTIME"
	CategoryCompensatory Category = "COMPENSATORY"
)

// Categories lists every built-in category.
var Categories = []Category{
	CategoryAnnual, CategorySick, CategoryPersonal, CategoryMenstrual,
	CategoryBereavement, CategoryOfficial, CategoryOvertime, CategoryCompensatory,
}

// Valid reports whether c is a built-in category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// AffectsLedger reports whether approving this category changes the
// overtime/compensatory balance chain.
func (c Category) AffectsLedger() bool {
	return c == CategoryOvertime || c == CategoryCompensatory
}

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusInProcess Status = "IN_PROCESS"
	StatusPendingL1 Status = "PENDING_L1"
	StatusPendingL2 Status = "PENDING_L2"
	StatusPendingL3 Status = "PENDING_L3"
	StatusPendingL4 Status = "PENDING_L4"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// PendingStatus returns the level-labeled pending status for a step.
// Chains longer than four levels fall back to IN_PROCESS.
func PendingStatus(step int) Status {
	switch step {
	case 1:
		return StatusPendingL1
	case 2:
		return StatusPendingL2
	case 3:
		return StatusPendingL3
	case 4:
		return StatusPendingL4
	}
	return StatusInProcess
}

// IsPending reports whether the request is waiting on approvers.
func (s Status) IsPending() bool {
	switch s {
	case StatusInProcess, StatusPendingL1, StatusPendingL2, StatusPendingL3, StatusPendingL4:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave this status
// except the cancellation sub-workflow on APPROVED.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// IsActive reports whether the request still blocks its days for overlap.
func (s Status) IsActive() bool {
	return s != StatusRejected && s != StatusCancelled
}

type Action string

const (
	ActionSubmit  Action = "SUBMIT"
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
	ActionCancel  Action = "CANCEL"
	ActionUpdate  Action = "UPDATE"
)

// ApprovalLog is one immutable entry in a request's history.
type ApprovalLog struct {
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment,omitempty"`
}

// Request is a leave or overtime application.
type Request struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"user_id"`
	UserName              string             `json:"user_name"`
	Category              Category           `json:"category"`
	StartDate             generic.Date       `json:"start_date"`
	EndDate               generic.Date       `json:"end_date"`
	PartialDay            bool               `json:"partial_day"`
	StartTime             *generic.ClockTime `json:"start_time,omitempty"`
	EndTime               *generic.ClockTime `json:"end_time,omitempty"`
	Reason                string             `json:"reason"`
	Deputy                string             `json:"deputy,omitempty"`
	Status                Status             `json:"status"`
	CurrentStep           int                `json:"current_step"`
	TotalSteps            int                `json:"total_steps"`
	StepApprovedBy        []string           `json:"step_approved_by"`
	WorkflowGroupID       string             `json:"workflow_group_id,omitempty"`
	IsCancellationRequest bool               `json:"is_cancellation_request"`
	Logs                  []ApprovalLog      `json:"logs"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	Version               int                `json:"version"`
}

// Period returns the inclusive day range the request covers.
func (r Request) Period() generic.Period {
	return generic.Period{Start: r.StartDate, End: r.EndDate}
}

// HasTimes reports whether both clock times are present.
func (r Request) HasTimes() bool {
	return r.StartTime != nil && r.EndTime != nil
}

// HasApproved reports whether id already approved the current step.
func (r Request) HasApproved(id string) bool {
	for _, a := range r.StepApprovedBy {
		if a == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (r Request) Clone() Request {
	c := r
	c.StepApprovedBy = append([]string(nil), r.StepApprovedBy...)
	c.Logs = append([]ApprovalLog(nil), r.Logs...)
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return c
}

// =============================================================================
// OVERTIME VERIFICATION & LEDGER
// =============================================================================

// OvertimeCheck records the HR-verified actual duration of an overtime
// request. Unverified checks contribute zero hours.
type OvertimeCheck struct {
	ID              string             `json:"id"`
	RequestID       string             `json:"request_id"`
	UserID          string             `json:"user_id"`
	Year            int                `json:"year"`
	Month           time.Month         `json:"month"`
	ActualStartDate generic.Date       `json:"actual_start_date"`
	ActualEndDate   generic.Date       `json:"actual_end_date"`
	ActualStartTime *generic.ClockTime `json:"actual_start_time,omitempty"`
	ActualEndTime   *generic.ClockTime `json:"actual_end_time,omitempty"`
	ActualDuration  decimal.Decimal    `json:"actual_duration"` // hours
	IsVerified      bool               `json:"is_verified"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// VerifiedHours returns the hours the check contributes to the ledger.
func (c OvertimeCheck) VerifiedHours() decimal.Decimal {
	if !c.IsVerified {
		return decimal.Zero
	}
	return c.ActualDuration
}

// AuthSignature stamps who confirmed a ledger row and when.
type AuthSignature struct {
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementRecord is one month of a user's overtime/compensatory ledger.
//
// INVARIANT:
//
//	Remaining = round2(prev.Remaining + Actual - Paid - comp hours taken)
type SettlementRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Year           int             `json:"year"`
	Month          time.Month      `json:"month"`
	AppliedHours   decimal.Decimal `json:"applied_hours"`
	ActualHours    decimal.Decimal `json:"actual_hours"`
	PaidHours      decimal.Decimal `json:"paid_hours"`
	RemainingHours decimal.Decimal `json:"remaining_hours"`
	SettledAt      time.Time       `json:"settled_at"`
	SettledBy      string          `json:"settled_by"`
	BaseAuth       *AuthSignature  `json:"base_auth,omitempty"`
	PayAuth        *AuthSignature  `json:"pay_auth,omitempty"`
}

// Period returns the ledger key of the row.
func (s SettlementRecord) Period() generic.YearMonth {
	return generic.NewYearMonth(s.Year, s.Month)
}

// =============================================================================
// WARNINGS & CATEGORIES
// =============================================================================

type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

type WindowKind string

const (
	WindowAllTime      WindowKind = "ALL_TIME"
	WindowLastNDays    WindowKind = "LAST_N_DAYS"
	WindowFromDateDays WindowKind = "FROM_DATE_N_DAYS"
	WindowFixedRange   WindowKind = "FIXED_RANGE"
)

// TimeWindow describes the span a warning rule is labeled with.
type TimeWindow struct {
	Kind      WindowKind   `json:"kind"`
	Days      int          `json:"days,omitempty"`
	StartDate generic.Date `json:"start_date,omitempty"`
	EndDate   generic.Date `json:"end_date,omitempty"`
}

// WarningRule raises an advisory when a user's approved usage of a category
// crosses a threshold.
type WarningRule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	TargetCategory Category        `json:"target_category"`
	Operator       Operator        `json:"operator"`
	Threshold      decimal.Decimal `json:"threshold"`
	Window         TimeWindow      `json:"window"`
	Message        string          `json:"message"`
	Color          string          `json:"color"`
}

// ActiveWarning is a rule that currently fires for a user.
type ActiveWarning struct {
	RuleID       string          `json:"rule_id"`
	RuleName     string          `json:"rule_name"`
	Message      string          `json:"message"`
	Color        string          `json:"color"`
	CurrentValue decimal.Decimal `json:"current_value"`
}

type GenderRestriction string

const (
	GenderAll        GenderRestriction = "ALL"
	GenderMaleOnly   GenderRestriction = "MALE_ONLY"
	GenderFemaleOnly GenderRestriction = "FEMALE_ONLY"
)

// LeaveCategory is the configurable presentation of a Category.
type LeaveCategory struct {
	ID            Category          `json:"id"`
	Name          string            `json:"name"`
	AllowedGender GenderRestriction `json:"allowed_gender"`
	SystemDefault bool              `json:"system_default"`
}
