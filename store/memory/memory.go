// Package memory provides an in-memory leave.Repository for tests and
// single-process development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	users      map[string]leave.User
	requests   map[string]leave.Request
	groups     []leave.WorkflowGroup
	checks     map[string]leave.OvertimeCheck // keyed by request ID
	ledger     map[ledgerKey]leave.SettlementRecord
	rules      []leave.WarningRule
	categories []leave.LeaveCategory
}

type ledgerKey struct {
	UserID string
	Period generic.YearMonth
}

func New() *Memory {
	return &Memory{
		users:    make(map[string]leave.User),
		requests: make(map[string]leave.Request),
		checks:   make(map[string]leave.OvertimeCheck),
		ledger:   make(map[ledgerKey]leave.SettlementRecord),
	}
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id string) (*leave.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "user", ID: id}
	}
	return &u, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]leave.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]leave.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveUser(_ context.Context, u leave.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) GetRequest(_ context.Context, id string) (*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "request", ID: id}
	}
	c := r.Clone()
	return &c, nil
}

func (m *Memory) ListRequests(_ context.Context, f leave.RequestFilter) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Request
	for _, r := range m.requests {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateRequest(_ context.Context, req *leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return &generic.PersistenceError{Op: "create request", Err: fmt.Errorf("request %s already exists", req.ID)}
	}
	req.Version = 1
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *Memory) UpdateRequest(_ context.Context, req *leave.Request, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[req.ID]
	if !ok {
		return &generic.NotFoundError{Kind: "request", ID: req.ID}
	}
	if stored.Version != expectedVersion {
		return generic.ErrConcurrentModification
	}
	req.Version = expectedVersion + 1
	m.requests[req.ID] = req.Clone()
	return nil
}

// =============================================================================
// WORKFLOW GROUPS
// =============================================================================

func (m *Memory) ListWorkflowGroups(_ context.Context) ([]leave.WorkflowGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]leave.WorkflowGroup(nil), m.groups...), nil
}

// SaveWorkflowGroup replaces the group with the same ID or appends it,
// preserving configuration order.
func (m *Memory) SaveWorkflowGroup(_ context.Context, g leave.WorkflowGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.groups {
		if m.groups[i].ID == g.ID {
			m.groups[i] = g
			return nil
		}
	}
	m.groups = append(m.groups, g)
	return nil
}

// =============================================================================
// OVERTIME CHECKS & LEDGER
// =============================================================================

func (m *Memory) ListOvertimeChecks(_ context.Context, f leave.CheckFilter) ([]leave.OvertimeCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.OvertimeCheck
	for _, c := range m.checks {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Year != 0 && c.Year != f.Year {
			continue
		}
		if f.Month != 0 && c.Month != f.Month {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (m *Memory) SaveOvertimeChecks(_ context.Context, checks []leave.OvertimeCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range checks {
		if prev, ok := m.checks[c.RequestID]; ok && c.ID == "" {
			c.ID = prev.ID
		}
		m.checks[c.RequestID] = c
	}
	return nil
}

func (m *Memory) ListSettlementRecords(_ context.Context, userID string) ([]leave.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.SettlementRecord
	for k, r := range m.ledger {
		if userID == "" || k.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Period().Before(out[j].Period())
	})
	return out, nil
}

// SaveSettlementRecords upserts all rows under one lock.
func (m *Memory) SaveSettlementRecords(_ context.Context, rows []leave.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.ledger[ledgerKey{UserID: r.UserID, Period: r.Period()}] = r
	}
	return nil
}

// =============================================================================
// RULES & CATEGORIES
// =============================================================================

func (m *Memory) ListWarningRules(_ context.Context) ([]leave.WarningRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]leave.WarningRule(nil), m.rules...), nil
}

func (m *Memory) SaveWarningRule(_ context.Context, r leave.WarningRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			m.rules[i] = r
			return nil
		}
	}
	m.rules = append(m.rules, r)
	return nil
}

// ListLeaveCategories returns the configured categories, or the built-in
// defaults when none were saved.
func (m *Memory) ListLeaveCategories(_ context.Context) ([]leave.LeaveCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.categories) == 0 {
		return leave.DefaultLeaveCategories(), nil
	}
	return append([]leave.LeaveCategory(nil), m.categories...), nil
}

func (m *Memory) SaveLeaveCategory(_ context.Context, c leave.LeaveCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.categories) == 0 {
		m.categories = leave.DefaultLeaveCategories()
	}
	for i := range m.categories {
		if m.categories[i].ID == c.ID {
			m.categories[i] = c
			return nil
		}
	}
	m.categories = append(m.categories, c)
	return nil
}

var _ leave.Repository = (*Memory)(nil)
