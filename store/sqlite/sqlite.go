/*
Package sqlite provides a SQLite-backed leave.Repository.

PURPOSE:
  Durable single-node storage for users, workflow configuration, requests,
  overtime checks, the monthly ledger and warning configuration.

KEY TABLES:
  users:              Requesters, approvers and operators
  workflow_groups:    Approval chains; steps and title rules as JSON
  requests:           Leave and overtime requests with a version column
  overtime_checks:    One verified-duration row per overtime request
  settlement_records: One ledger row per user and month
  warning_rules:      Usage warning configuration
  leave_categories:   Category eligibility configuration

CONCURRENCY:
  Uses sync.RWMutex for in-process thread-safety. Request updates are
  conditional on the stored version (UPDATE ... WHERE version = ?), so a
  second process writing the same file surfaces as
  generic.ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
  - store/gormstore: GORM implementation (PostgreSQL)
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// Store implements leave.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		gender TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		job_title TEXT NOT NULL DEFAULT '',
		annual_quota_json TEXT NOT NULL DEFAULT '{}',
		overtime_quota TEXT NOT NULL DEFAULT '0',
		workflow_group_id TEXT NOT NULL DEFAULT '',
		can_review_overtime INTEGER NOT NULL DEFAULT 0,
		password_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS workflow_groups (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		steps_json TEXT NOT NULL,
		title_rules_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		category TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		partial_day INTEGER NOT NULL DEFAULT 0,
		start_time TEXT,
		end_time TEXT,
		reason TEXT NOT NULL DEFAULT '',
		deputy TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		step_approved_by_json TEXT NOT NULL DEFAULT '[]',
		workflow_group_id TEXT NOT NULL DEFAULT '',
		is_cancellation INTEGER NOT NULL DEFAULT 0,
		logs_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(user_id, category);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);

	CREATE TABLE IF NOT EXISTS overtime_checks (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		actual_start_date TEXT,
		actual_end_date TEXT,
		actual_start_time TEXT,
		actual_end_time TEXT,
		actual_duration TEXT NOT NULL,
		is_verified INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overtime_checks_period ON overtime_checks(year, month);

	CREATE TABLE IF NOT EXISTS settlement_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		applied_hours TEXT NOT NULL,
		actual_hours TEXT NOT NULL,
		paid_hours TEXT NOT NULL,
		remaining_hours TEXT NOT NULL,
		settled_at TEXT NOT NULL,
		settled_by TEXT NOT NULL DEFAULT '',
		base_auth_json TEXT,
		pay_auth_json TEXT,
		UNIQUE(user_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS warning_rules (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		target_category TEXT NOT NULL,
		operator TEXT NOT NULL,
		threshold TEXT NOT NULL,
		window_json TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS leave_categories (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		allowed_gender TEXT NOT NULL,
		system_default INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, employee_id, name, gender, role, department, job_title,
	annual_quota_json, overtime_quota, workflow_group_id, can_review_overtime, password_hash`

func (s *Store) GetUser(ctx context.Context, id string) (*leave.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, &generic.NotFoundError{Kind: "user", ID: id}
	}
	if err != nil {
		return nil, generic.Persist("get user", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]leave.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, generic.Persist("list users", err)
	}
	defer rows.Close()

	var users []leave.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, generic.Persist("list users", err)
		}
		users = append(users, u)
	}
	return users, generic.Persist("list users", rows.Err())
}

func (s *Store) SaveUser(ctx context.Context, u leave.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, err := json.Marshal(orEmpty(u.AnnualQuota))
	if err != nil {
		return generic.Persist("save user", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			employee_id = excluded.employee_id,
			name = excluded.name,
			gender = excluded.gender,
			role = excluded.role,
			department = excluded.department,
			job_title = excluded.job_title,
			annual_quota_json = excluded.annual_quota_json,
			overtime_quota = excluded.overtime_quota,
			workflow_group_id = excluded.workflow_group_id,
			can_review_overtime = excluded.can_review_overtime,
			password_hash = excluded.password_hash
	`,
		u.ID, u.EmployeeID, u.Name, u.Gender, u.Role, u.Department, u.JobTitle,
		string(quota), u.OvertimeQuota.String(), u.WorkflowGroupID,
		u.CanReviewOvertime, u.PasswordHash,
	)
	return generic.Persist("save user", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (leave.User, error) {
	var (
		u     leave.User
		quota string
	)
	err := row.Scan(&u.ID, &u.EmployeeID, &u.Name, &u.Gender, &u.Role, &u.Department, &u.JobTitle,
		&quota, &u.OvertimeQuota, &u.WorkflowGroupID, &u.CanReviewOvertime, &u.PasswordHash)
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal([]byte(quota), &u.AnnualQuota); err != nil {
		return u, fmt.Errorf("decode annual quota of %s: %w", u.ID, err)
	}
	return u, nil
}

func orEmpty(m map[int]decimal.Decimal) map[int]decimal.Decimal {
	if m == nil {
		return map[int]decimal.Decimal{}
	}
	return m
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `id, user_id, user_name, category, start_date, end_date, partial_day,
	start_time, end_time, reason, deputy, status, current_step, total_steps,
	step_approved_by_json, workflow_group_id, is_cancellation, logs_json,
	created_at, updated_at, version`

func (s *Store) GetRequest(ctx context.Context, id string) (*leave.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, &generic.NotFoundError{Kind: "request", ID: id}
	}
	if err != nil {
		return nil, generic.Persist("get request", err)
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Persist("list requests", err)
	}
	defer rows.Close()

	var out []leave.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, generic.Persist("list requests", err)
		}
		out = append(out, r)
	}
	return out, generic.Persist("list requests", rows.Err())
}

func (s *Store) CreateRequest(ctx context.Context, req *leave.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := requestArgs(*req)
	if err != nil {
		return generic.Persist("create request", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Persist("create request", fmt.Errorf("request %s already exists", req.ID))
		}
		return generic.Persist("create request", err)
	}
	req.Version = 1
	return nil
}

// UpdateRequest writes req only if the stored version still equals
// expectedVersion, then bumps the version.
func (s *Store) UpdateRequest(ctx context.Context, req *leave.Request, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := requestArgs(*req)
	if err != nil {
		return generic.Persist("update request", err)
	}
	// Drop the id; it moves to the WHERE clause.
	args = append(args[1:], expectedVersion+1, req.ID, expectedVersion)

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
			user_id = ?, user_name = ?, category = ?, start_date = ?, end_date = ?,
			partial_day = ?, start_time = ?, end_time = ?, reason = ?, deputy = ?,
			status = ?, current_step = ?, total_steps = ?, step_approved_by_json = ?,
			workflow_group_id = ?, is_cancellation = ?, logs_json = ?,
			created_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?
	`, args...)
	if err != nil {
		return generic.Persist("update request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Persist("update request", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE id = ?`, req.ID).Scan(&exists); err != nil {
			return generic.Persist("update request", err)
		}
		if exists == 0 {
			return &generic.NotFoundError{Kind: "request", ID: req.ID}
		}
		return generic.ErrConcurrentModification
	}
	req.Version = expectedVersion + 1
	return nil
}

// requestArgs returns the column values in requestColumns order, without
// the version.
func requestArgs(r leave.Request) ([]any, error) {
	approvedBy, err := json.Marshal(nonNil(r.StepApprovedBy))
	if err != nil {
		return nil, err
	}
	logs := r.Logs
	if logs == nil {
		logs = []leave.ApprovalLog{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.UserID, r.UserName, r.Category, r.StartDate, r.EndDate, r.PartialDay,
		clockArg(r.StartTime), clockArg(r.EndTime), r.Reason, r.Deputy, r.Status,
		r.CurrentStep, r.TotalSteps, string(approvedBy), r.WorkflowGroupID,
		r.IsCancellationRequest, string(logsJSON),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}, nil
}

func scanRequest(row scanner) (leave.Request, error) {
	var (
		r                    leave.Request
		startTime, endTime   sql.NullString
		approvedBy, logs     string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.UserName, &r.Category, &r.StartDate, &r.EndDate, &r.PartialDay,
		&startTime, &endTime, &r.Reason, &r.Deputy, &r.Status, &r.CurrentStep, &r.TotalSteps,
		&approvedBy, &r.WorkflowGroupID, &r.IsCancellationRequest, &logs,
		&createdAt, &updatedAt, &r.Version)
	if err != nil {
		return r, err
	}
	if r.StartTime, err = parseClock(startTime); err != nil {
		return r, err
	}
	if r.EndTime, err = parseClock(endTime); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(approvedBy), &r.StepApprovedBy); err != nil {
		return r, fmt.Errorf("decode approvals of %s: %w", r.ID, err)
	}
	if len(r.StepApprovedBy) == 0 {
		r.StepApprovedBy = nil
	}
	if err := json.Unmarshal([]byte(logs), &r.Logs); err != nil {
		return r, fmt.Errorf("decode logs of %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// WORKFLOW GROUPS
// =============================================================================

func (s *Store) ListWorkflowGroups(ctx context.Context) ([]leave.WorkflowGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, steps_json, title_rules_json FROM workflow_groups ORDER BY position ASC
	`)
	if err != nil {
		return nil, generic.Persist("list workflow groups", err)
	}
	defer rows.Close()

	var groups []leave.WorkflowGroup
	for rows.Next() {
		var (
			g            leave.WorkflowGroup
			steps, rules string
		)
		if err := rows.Scan(&g.ID, &g.Name, &steps, &rules); err != nil {
			return nil, generic.Persist("list workflow groups", err)
		}
		if err := json.Unmarshal([]byte(steps), &g.Steps); err != nil {
			return nil, generic.Persist("list workflow groups", err)
		}
		if err := json.Unmarshal([]byte(rules), &g.TitleRules); err != nil {
			return nil, generic.Persist("list workflow groups", err)
		}
		groups = append(groups, g)
	}
	return groups, generic.Persist("list workflow groups", rows.Err())
}

// SaveWorkflowGroup upserts the group. New groups are appended after the
// existing ones; updates keep their position.
func (s *Store) SaveWorkflowGroup(ctx context.Context, g leave.WorkflowGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, err := json.Marshal(g.Steps)
	if err != nil {
		return generic.Persist("save workflow group", err)
	}
	rules, err := json.Marshal(g.TitleRules)
	if err != nil {
		return generic.Persist("save workflow group", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_groups (id, position, name, steps_json, title_rules_json)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM workflow_groups), ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			steps_json = excluded.steps_json,
			title_rules_json = excluded.title_rules_json
	`, g.ID, g.Name, string(steps), string(rules))
	return generic.Persist("save workflow group", err)
}

// =============================================================================
// OVERTIME CHECKS
// =============================================================================

func (s *Store) ListOvertimeChecks(ctx context.Context, f leave.CheckFilter) ([]leave.OvertimeCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Year != 0 {
		where = append(where, "year = ?")
		args = append(args, f.Year)
	}
	if f.Month != 0 {
		where = append(where, "month = ?")
		args = append(args, int(f.Month))
	}
	query := `
		SELECT id, request_id, user_id, year, month, actual_start_date, actual_end_date,
		       actual_start_time, actual_end_time, actual_duration, is_verified, updated_at
		FROM overtime_checks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY request_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Persist("list overtime checks", err)
	}
	defer rows.Close()

	var out []leave.OvertimeCheck
	for rows.Next() {
		var (
			c                  leave.OvertimeCheck
			month              int
			startTime, endTime sql.NullString
			updatedAt          string
		)
		if err := rows.Scan(&c.ID, &c.RequestID, &c.UserID, &c.Year, &month,
			&c.ActualStartDate, &c.ActualEndDate, &startTime, &endTime,
			&c.ActualDuration, &c.IsVerified, &updatedAt); err != nil {
			return nil, generic.Persist("list overtime checks", err)
		}
		c.Month = time.Month(month)
		if c.ActualStartTime, err = parseClock(startTime); err != nil {
			return nil, generic.Persist("list overtime checks", err)
		}
		if c.ActualEndTime, err = parseClock(endTime); err != nil {
			return nil, generic.Persist("list overtime checks", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, generic.Persist("list overtime checks", err)
		}
		out = append(out, c)
	}
	return out, generic.Persist("list overtime checks", rows.Err())
}

// SaveOvertimeChecks upserts the checks keyed by request in one
// transaction.
func (s *Store) SaveOvertimeChecks(ctx context.Context, checks []leave.OvertimeCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, "save overtime checks", func(tx execer) error {
		for _, c := range checks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO overtime_checks
				(id, request_id, user_id, year, month, actual_start_date, actual_end_date,
				 actual_start_time, actual_end_time, actual_duration, is_verified, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(request_id) DO UPDATE SET
					user_id = excluded.user_id,
					year = excluded.year,
					month = excluded.month,
					actual_start_date = excluded.actual_start_date,
					actual_end_date = excluded.actual_end_date,
					actual_start_time = excluded.actual_start_time,
					actual_end_time = excluded.actual_end_time,
					actual_duration = excluded.actual_duration,
					is_verified = excluded.is_verified,
					updated_at = excluded.updated_at
			`,
				c.ID, c.RequestID, c.UserID, c.Year, int(c.Month), c.ActualStartDate, c.ActualEndDate,
				clockArg(c.ActualStartTime), clockArg(c.ActualEndTime), c.ActualDuration.String(),
				c.IsVerified, formatTime(c.UpdatedAt),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// SETTLEMENT RECORDS
// =============================================================================

func (s *Store) ListSettlementRecords(ctx context.Context, userID string) ([]leave.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, year, month, applied_hours, actual_hours, paid_hours, remaining_hours,
		       settled_at, settled_by, base_auth_json, pay_auth_json
		FROM settlement_records`
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY user_id ASC, year ASC, month ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, generic.Persist("list settlement records", err)
	}
	defer rows.Close()

	var out []leave.SettlementRecord
	for rows.Next() {
		var (
			r                 leave.SettlementRecord
			month             int
			settledAt         string
			baseAuth, payAuth sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Year, &month,
			&r.AppliedHours, &r.ActualHours, &r.PaidHours, &r.RemainingHours,
			&settledAt, &r.SettledBy, &baseAuth, &payAuth); err != nil {
			return nil, generic.Persist("list settlement records", err)
		}
		r.Month = time.Month(month)
		if r.SettledAt, err = parseTime(settledAt); err != nil {
			return nil, generic.Persist("list settlement records", err)
		}
		if r.BaseAuth, err = parseSignature(baseAuth); err != nil {
			return nil, generic.Persist("list settlement records", err)
		}
		if r.PayAuth, err = parseSignature(payAuth); err != nil {
			return nil, generic.Persist("list settlement records", err)
		}
		out = append(out, r)
	}
	return out, generic.Persist("list settlement records", rows.Err())
}

// SaveSettlementRecords upserts the rows keyed by user and month in one
// transaction. A failure leaves every row as it was.
func (s *Store) SaveSettlementRecords(ctx context.Context, records []leave.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, "save settlement records", func(tx execer) error {
		for _, r := range records {
			baseAuth, err := signatureArg(r.BaseAuth)
			if err != nil {
				return err
			}
			payAuth, err := signatureArg(r.PayAuth)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO settlement_records
				(id, user_id, year, month, applied_hours, actual_hours, paid_hours, remaining_hours,
				 settled_at, settled_by, base_auth_json, pay_auth_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, year, month) DO UPDATE SET
					applied_hours = excluded.applied_hours,
					actual_hours = excluded.actual_hours,
					paid_hours = excluded.paid_hours,
					remaining_hours = excluded.remaining_hours,
					settled_at = excluded.settled_at,
					settled_by = excluded.settled_by,
					base_auth_json = excluded.base_auth_json,
					pay_auth_json = excluded.pay_auth_json
			`,
				r.ID, r.UserID, r.Year, int(r.Month),
				r.AppliedHours.String(), r.ActualHours.String(), r.PaidHours.String(), r.RemainingHours.String(),
				formatTime(r.SettledAt), r.SettledBy, baseAuth, payAuth,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// WARNING RULES & LEAVE CATEGORIES
// =============================================================================

func (s *Store) ListWarningRules(ctx context.Context) ([]leave.WarningRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, target_category, operator, threshold, window_json, message, color
		FROM warning_rules ORDER BY position ASC
	`)
	if err != nil {
		return nil, generic.Persist("list warning rules", err)
	}
	defer rows.Close()

	var out []leave.WarningRule
	for rows.Next() {
		var (
			r      leave.WarningRule
			window string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.TargetCategory, &r.Operator, &r.Threshold,
			&window, &r.Message, &r.Color); err != nil {
			return nil, generic.Persist("list warning rules", err)
		}
		if err := json.Unmarshal([]byte(window), &r.Window); err != nil {
			return nil, generic.Persist("list warning rules", err)
		}
		out = append(out, r)
	}
	return out, generic.Persist("list warning rules", rows.Err())
}

func (s *Store) SaveWarningRule(ctx context.Context, r leave.WarningRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, err := json.Marshal(r.Window)
	if err != nil {
		return generic.Persist("save warning rule", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO warning_rules (id, position, name, target_category, operator, threshold, window_json, message, color)
		VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM warning_rules), ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			target_category = excluded.target_category,
			operator = excluded.operator,
			threshold = excluded.threshold,
			window_json = excluded.window_json,
			message = excluded.message,
			color = excluded.color
	`, r.ID, r.Name, r.TargetCategory, r.Operator, r.Threshold.String(), string(window), r.Message, r.Color)
	return generic.Persist("save warning rule", err)
}

// ListLeaveCategories returns the configured categories, or the built-in
// defaults when none were saved.
func (s *Store) ListLeaveCategories(ctx context.Context) ([]leave.LeaveCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.listCategories(ctx)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return leave.DefaultLeaveCategories(), nil
	}
	return out, nil
}

func (s *Store) listCategories(ctx context.Context) ([]leave.LeaveCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, allowed_gender, system_default FROM leave_categories ORDER BY position ASC
	`)
	if err != nil {
		return nil, generic.Persist("list leave categories", err)
	}
	defer rows.Close()

	var out []leave.LeaveCategory
	for rows.Next() {
		var c leave.LeaveCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.AllowedGender, &c.SystemDefault); err != nil {
			return nil, generic.Persist("list leave categories", err)
		}
		out = append(out, c)
	}
	return out, generic.Persist("list leave categories", rows.Err())
}

// SaveLeaveCategory upserts a category. The first save seeds the defaults
// so that saving one category does not hide the others.
func (s *Store) SaveLeaveCategory(ctx context.Context, c leave.LeaveCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.listCategories(ctx)
	if err != nil {
		return err
	}
	toSave := []leave.LeaveCategory{c}
	if len(existing) == 0 {
		toSave = append(leave.DefaultLeaveCategories(), c)
	}

	return s.inTx(ctx, "save leave category", func(tx execer) error {
		for _, lc := range toSave {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO leave_categories (id, position, name, allowed_gender, system_default)
				VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM leave_categories), ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					allowed_gender = excluded.allowed_gender,
					system_default = excluded.system_default
			`, lc.ID, lc.Name, lc.AllowedGender, lc.SystemDefault)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) inTx(ctx context.Context, op string, fn func(tx execer) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Persist(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return generic.Persist(op, err)
	}
	return generic.Persist(op, sqlTx.Commit())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func clockArg(c *generic.ClockTime) any {
	if c == nil {
		return nil
	}
	return c.String()
}

func parseClock(ns sql.NullString) (*generic.ClockTime, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	c, err := generic.ParseClockTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func signatureArg(sig *leave.AuthSignature) (any, error) {
	if sig == nil {
		return nil, nil
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func parseSignature(ns sql.NullString) (*leave.AuthSignature, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var sig leave.AuthSignature
	if err := json.Unmarshal([]byte(ns.String), &sig); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return &sig, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ leave.Repository = (*Store)(nil)
