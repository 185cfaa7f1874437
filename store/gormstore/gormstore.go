/*
Package gormstore provides a GORM-backed leave.Repository.

PURPOSE:
  Multi-instance storage on PostgreSQL (or SQLite for local runs). Each
  entity is one row holding its JSON document plus the columns needed to
  filter, order and enforce uniqueness.

KEY TABLES:
  users:              id, password_hash, data
  workflow_groups:    id, position, data
  requests:           id, user_id, category, status, version, created_at, data
  overtime_checks:    id, request_id (unique), user_id, year, month, data
  settlement_records: id, (user_id, year, month) unique, data
  warning_rules:      id, position, data
  leave_categories:   id, position, data

CONCURRENCY:
  UpdateRequest is a conditional UPDATE on (id, version); zero affected rows
  on an existing id is generic.ErrConcurrentModification. Ledger and check
  writes are single-statement upserts.

SEE ALSO:
  - store/sqlite: database/sql implementation
  - leave/store.go: Interface definitions
*/
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type userModel struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	PasswordHash string `gorm:"type:varchar(255)"`
	Data         []byte `gorm:"type:jsonb;not null"`
}

func (userModel) TableName() string { return "users" }

type groupModel struct {
	ID       string `gorm:"primaryKey;type:varchar(64)"`
	Position int    `gorm:"not null;index"`
	Data     []byte `gorm:"type:jsonb;not null"`
}

func (groupModel) TableName() string { return "workflow_groups" }

type requestModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `gorm:"type:varchar(64);not null;index"`
	Category  string    `gorm:"type:varchar(32);not null;index"`
	Status    string    `gorm:"type:varchar(32);not null;index"`
	Version   int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
	Data      []byte    `gorm:"type:jsonb;not null"`
}

func (requestModel) TableName() string { return "requests" }

type checkModel struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	RequestID string `gorm:"type:varchar(64);not null;uniqueIndex"`
	UserID    string `gorm:"type:varchar(64);not null;index"`
	Year      int    `gorm:"not null;index:idx_check_period"`
	Month     int    `gorm:"not null;index:idx_check_period"`
	Data      []byte `gorm:"type:jsonb;not null"`
}

func (checkModel) TableName() string { return "overtime_checks" }

type ledgerModel struct {
	ID     string `gorm:"primaryKey;type:varchar(64)"`
	UserID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_ledger_key"`
	Year   int    `gorm:"not null;uniqueIndex:idx_ledger_key"`
	Month  int    `gorm:"not null;uniqueIndex:idx_ledger_key"`
	Data   []byte `gorm:"type:jsonb;not null"`
}

func (ledgerModel) TableName() string { return "settlement_records" }

type ruleModel struct {
	ID       string `gorm:"primaryKey;type:varchar(64)"`
	Position int    `gorm:"not null;index"`
	Data     []byte `gorm:"type:jsonb;not null"`
}

func (ruleModel) TableName() string { return "warning_rules" }

type categoryModel struct {
	ID       string `gorm:"primaryKey;type:varchar(64)"`
	Position int    `gorm:"not null;index"`
	Data     []byte `gorm:"type:jsonb;not null"`
}

func (categoryModel) TableName() string { return "leave_categories" }

// =============================================================================
// STORE
// =============================================================================

// Store implements leave.Repository on GORM.
type Store struct {
	db *gorm.DB
}

// Open connects with the named driver ("postgres" or "sqlite") and
// migrates the schema.
func Open(driver, dsn string, verbose bool) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	level := logger.Silent
	if verbose {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" && dsn == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(
		&userModel{}, &groupModel{}, &requestModel{}, &checkModel{},
		&ledgerModel{}, &ruleModel{}, &categoryModel{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id string) (*leave.User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if nf := notFound(err, "user", id); nf != nil {
			return nil, nf
		}
		return nil, generic.Persist("get user", err)
	}
	u, err := decodeUser(m)
	if err != nil {
		return nil, generic.Persist("get user", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]leave.User, error) {
	var models []userModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list users", err)
	}
	out := make([]leave.User, 0, len(models))
	for _, m := range models {
		u, err := decodeUser(m)
		if err != nil {
			return nil, generic.Persist("list users", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) SaveUser(ctx context.Context, u leave.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return generic.Persist("save user", err)
	}
	m := userModel{ID: u.ID, PasswordHash: u.PasswordHash, Data: data}
	return generic.Persist("save user", s.db.WithContext(ctx).Save(&m).Error)
}

func decodeUser(m userModel) (leave.User, error) {
	var u leave.User
	if err := json.Unmarshal(m.Data, &u); err != nil {
		return u, fmt.Errorf("decode user %s: %w", m.ID, err)
	}
	u.PasswordHash = m.PasswordHash
	return u, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (s *Store) GetRequest(ctx context.Context, id string) (*leave.Request, error) {
	var m requestModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if nf := notFound(err, "request", id); nf != nil {
			return nil, nf
		}
		return nil, generic.Persist("get request", err)
	}
	var r leave.Request
	if err := json.Unmarshal(m.Data, &r); err != nil {
		return nil, generic.Persist("get request", err)
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.Request, error) {
	query := s.db.WithContext(ctx).Model(&requestModel{})
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.Category != "" {
		query = query.Where("category = ?", string(f.Category))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query = query.Where("status IN ?", statuses)
	}

	var models []requestModel
	if err := query.Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list requests", err)
	}
	out := make([]leave.Request, 0, len(models))
	for _, m := range models {
		var r leave.Request
		if err := json.Unmarshal(m.Data, &r); err != nil {
			return nil, generic.Persist("list requests", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) CreateRequest(ctx context.Context, req *leave.Request) error {
	next := req.Clone()
	next.Version = 1
	m, err := toRequestModel(next)
	if err != nil {
		return generic.Persist("create request", err)
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
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
	next := req.Clone()
	next.Version = expectedVersion + 1
	m, err := toRequestModel(next)
	if err != nil {
		return generic.Persist("update request", err)
	}

	res := s.db.WithContext(ctx).Model(&requestModel{}).
		Where("id = ? AND version = ?", req.ID, expectedVersion).
		Updates(map[string]any{
			"user_id":  m.UserID,
			"category": m.Category,
			"status":   m.Status,
			"version":  m.Version,
			"data":     m.Data,
		})
	if res.Error != nil {
		return generic.Persist("update request", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&requestModel{}).Where("id = ?", req.ID).Count(&count).Error; err != nil {
			return generic.Persist("update request", err)
		}
		if count == 0 {
			return &generic.NotFoundError{Kind: "request", ID: req.ID}
		}
		return generic.ErrConcurrentModification
	}
	req.Version = next.Version
	return nil
}

func toRequestModel(r leave.Request) (requestModel, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return requestModel{}, err
	}
	return requestModel{
		ID:        r.ID,
		UserID:    r.UserID,
		Category:  string(r.Category),
		Status:    string(r.Status),
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		Data:      data,
	}, nil
}

// =============================================================================
// WORKFLOW GROUPS, RULES & CATEGORIES
// =============================================================================

func (s *Store) ListWorkflowGroups(ctx context.Context) ([]leave.WorkflowGroup, error) {
	var models []groupModel
	if err := s.db.WithContext(ctx).Order("position ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list workflow groups", err)
	}
	out := make([]leave.WorkflowGroup, 0, len(models))
	for _, m := range models {
		var g leave.WorkflowGroup
		if err := json.Unmarshal(m.Data, &g); err != nil {
			return nil, generic.Persist("list workflow groups", err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) SaveWorkflowGroup(ctx context.Context, g leave.WorkflowGroup) error {
	return generic.Persist("save workflow group", s.savePositioned(ctx, &groupModel{}, g.ID, g, func(pos int, data []byte) any {
		return &groupModel{ID: g.ID, Position: pos, Data: data}
	}))
}

func (s *Store) ListWarningRules(ctx context.Context) ([]leave.WarningRule, error) {
	var models []ruleModel
	if err := s.db.WithContext(ctx).Order("position ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list warning rules", err)
	}
	out := make([]leave.WarningRule, 0, len(models))
	for _, m := range models {
		var r leave.WarningRule
		if err := json.Unmarshal(m.Data, &r); err != nil {
			return nil, generic.Persist("list warning rules", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SaveWarningRule(ctx context.Context, r leave.WarningRule) error {
	return generic.Persist("save warning rule", s.savePositioned(ctx, &ruleModel{}, r.ID, r, func(pos int, data []byte) any {
		return &ruleModel{ID: r.ID, Position: pos, Data: data}
	}))
}

// ListLeaveCategories returns the configured categories, or the built-in
// defaults when none were saved.
func (s *Store) ListLeaveCategories(ctx context.Context) ([]leave.LeaveCategory, error) {
	var models []categoryModel
	if err := s.db.WithContext(ctx).Order("position ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list leave categories", err)
	}
	if len(models) == 0 {
		return leave.DefaultLeaveCategories(), nil
	}
	out := make([]leave.LeaveCategory, 0, len(models))
	for _, m := range models {
		var c leave.LeaveCategory
		if err := json.Unmarshal(m.Data, &c); err != nil {
			return nil, generic.Persist("list leave categories", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// SaveLeaveCategory upserts a category. The first save seeds the defaults.
func (s *Store) SaveLeaveCategory(ctx context.Context, c leave.LeaveCategory) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&categoryModel{}).Count(&count).Error; err != nil {
		return generic.Persist("save leave category", err)
	}
	toSave := []leave.LeaveCategory{c}
	if count == 0 {
		toSave = append(leave.DefaultLeaveCategories(), c)
	}
	for _, lc := range toSave {
		lc := lc
		err := s.savePositioned(ctx, &categoryModel{}, string(lc.ID), lc, func(pos int, data []byte) any {
			return &categoryModel{ID: string(lc.ID), Position: pos, Data: data}
		})
		if err != nil {
			return generic.Persist("save leave category", err)
		}
	}
	return nil
}

// savePositioned upserts a configuration row, keeping the position of an
// existing row and appending new ones.
func (s *Store) savePositioned(ctx context.Context, model any, id string, value any, build func(pos int, data []byte) any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var positions []int
		if err := tx.Model(model).Where("id = ?", id).Pluck("position", &positions).Error; err != nil {
			return err
		}
		pos := 0
		if len(positions) > 0 {
			pos = positions[0]
		} else {
			var maxPos *int
			if err := tx.Model(model).Select("MAX(position)").Scan(&maxPos).Error; err != nil {
				return err
			}
			if maxPos != nil {
				pos = *maxPos
			}
			pos++
		}
		return tx.Save(build(pos, data)).Error
	})
}

// =============================================================================
// OVERTIME CHECKS & LEDGER
// =============================================================================

func (s *Store) ListOvertimeChecks(ctx context.Context, f leave.CheckFilter) ([]leave.OvertimeCheck, error) {
	query := s.db.WithContext(ctx).Model(&checkModel{})
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.Year != 0 {
		query = query.Where("year = ?", f.Year)
	}
	if f.Month != 0 {
		query = query.Where("month = ?", int(f.Month))
	}

	var models []checkModel
	if err := query.Order("request_id ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list overtime checks", err)
	}
	out := make([]leave.OvertimeCheck, 0, len(models))
	for _, m := range models {
		var c leave.OvertimeCheck
		if err := json.Unmarshal(m.Data, &c); err != nil {
			return nil, generic.Persist("list overtime checks", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// SaveOvertimeChecks upserts the checks keyed by request.
func (s *Store) SaveOvertimeChecks(ctx context.Context, checks []leave.OvertimeCheck) error {
	if len(checks) == 0 {
		return nil
	}
	models := make([]checkModel, 0, len(checks))
	for _, c := range checks {
		data, err := json.Marshal(c)
		if err != nil {
			return generic.Persist("save overtime checks", err)
		}
		models = append(models, checkModel{
			ID: c.ID, RequestID: c.RequestID, UserID: c.UserID,
			Year: c.Year, Month: int(c.Month), Data: data,
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "year", "month", "data"}),
	}).Create(&models).Error
	return generic.Persist("save overtime checks", err)
}

func (s *Store) ListSettlementRecords(ctx context.Context, userID string) ([]leave.SettlementRecord, error) {
	query := s.db.WithContext(ctx).Model(&ledgerModel{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var models []ledgerModel
	if err := query.Order("user_id ASC, year ASC, month ASC").Find(&models).Error; err != nil {
		return nil, generic.Persist("list settlement records", err)
	}
	out := make([]leave.SettlementRecord, 0, len(models))
	for _, m := range models {
		var r leave.SettlementRecord
		if err := json.Unmarshal(m.Data, &r); err != nil {
			return nil, generic.Persist("list settlement records", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// SaveSettlementRecords upserts all rows keyed by user and month in one
// statement.
func (s *Store) SaveSettlementRecords(ctx context.Context, records []leave.SettlementRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]ledgerModel, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return generic.Persist("save settlement records", err)
		}
		models = append(models, ledgerModel{
			ID: r.ID, UserID: r.UserID, Year: r.Year, Month: int(r.Month), Data: data,
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{"data"}),
	}).Create(&models).Error
	return generic.Persist("save settlement records", err)
}

var _ leave.Repository = (*Store)(nil)
