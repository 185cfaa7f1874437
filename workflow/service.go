package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/metrics"
)

// =============================================================================
// SERVICE - Store-backed approval workflow
// =============================================================================

// ReconcileTrigger schedules a ledger recomputation for a user starting at a
// month. Implementations must not block the caller; failures are theirs to
// log.
type ReconcileTrigger interface {
	Trigger(userID string, from generic.YearMonth)
}

// Service applies workflow transitions to stored requests.
//
// CONCURRENCY:
//
//	Mutations on one request are serialized by a per-request lock and then
//	written with UpdateRequest(expectedVersion), so a concurrent writer in
//	another process surfaces as generic.ErrConcurrentModification instead of
//	a lost update.
type Service struct {
	Store     leave.Repository
	Resolver  *Resolver
	Evaluator *leave.Evaluator
	Trigger   ReconcileTrigger
	Log       logrus.FieldLogger
	Clock     generic.Clock
	NewID     func() string

	locks *generic.KeyedMutex
}

type Option func(*Service)

func WithTrigger(t ReconcileTrigger) Option { return func(s *Service) { s.Trigger = t } }
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.Log = l } }
func WithClock(c generic.Clock) Option { return func(s *Service) { s.Clock = c } }
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.NewID = f } }

func NewService(store leave.Repository, opts ...Option) *Service {
	s := &Service{
		Store:    store,
		Resolver: NewResolver(store),
		Log:      logrus.StandardLogger(),
		Clock:    generic.SystemClock,
		NewID:    uuid.NewString,
		locks:    generic.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Evaluator = leave.NewEvaluator(store, s.Clock)
	return s
}

// =============================================================================
// REQUESTER OPERATIONS
// =============================================================================

// Create stores a new request for userID. With asDraft the request is kept
// as DRAFT; otherwise it is admitted (overlap and quota checks) and
// submitted to step one of the resolved chain.
func (s *Service) Create(ctx context.Context, userID string, d leave.Draft, asDraft bool) (*leave.Request, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	user, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.Clock()
	req := leave.Request{
		ID:        s.NewID(),
		UserID:    user.ID,
		UserName:  user.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.Apply(&req)
	actor := ActorOf(*user)

	action := "submit"
	if asDraft {
		action = "draft"
		req.Status = leave.StatusDraft
		appendLog(&req, actor, leave.ActionUpdate, "draft saved", now)
	} else {
		res, err := s.admit(ctx, *user, &req)
		if err != nil {
			s.record(action, req.ID, err)
			return nil, err
		}
		if err := Submit(&req, res, actor, now); err != nil {
			s.record(action, req.ID, err)
			return nil, err
		}
	}

	if err := s.Store.CreateRequest(ctx, &req); err != nil {
		s.record(action, req.ID, err)
		return nil, err
	}
	s.record(action, req.ID, nil)
	return &req, nil
}

// SubmitDraft admits and submits a stored draft.
func (s *Service) SubmitDraft(ctx context.Context, requestID, actorID string) (*leave.Request, error) {
	return s.mutate(ctx, "submit", requestID, actorID, func(req *leave.Request, actor Actor, owner leave.User) (Outcome, error) {
		if req.Status != leave.StatusDraft {
			return Outcome{}, refuse(leave.ActionSubmit, req, "only drafts can be submitted")
		}
		res, err := s.admit(ctx, owner, req)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{}, Submit(req, res, actor, s.Clock())
	})
}

// Edit replaces the requester-supplied fields of a draft or of a pending
// request still at step one, then restarts its approval.
func (s *Service) Edit(ctx context.Context, requestID, actorID string, d leave.Draft) (*leave.Request, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "edit", requestID, actorID, func(req *leave.Request, actor Actor, owner leave.User) (Outcome, error) {
		if actor.ID != req.UserID {
			return Outcome{}, forbid(leave.ActionUpdate, req, "only the requester can edit")
		}
		if req.Status != leave.StatusDraft {
			if err := requireFirstStep(leave.ActionUpdate, req); err != nil {
				return Outcome{}, err
			}
		}
		d.Apply(req)
		var res Resolution
		if req.Status != leave.StatusDraft {
			var err error
			if res, err = s.admit(ctx, owner, req); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{}, Edit(req, res, actor, s.Clock())
	})
}

// Withdraw cancels a draft or a pending request nobody has passed yet.
func (s *Service) Withdraw(ctx context.Context, requestID, actorID string) (*leave.Request, error) {
	return s.mutate(ctx, "withdraw", requestID, actorID, func(req *leave.Request, actor Actor, _ leave.User) (Outcome, error) {
		return Outcome{}, Withdraw(req, actor, s.Clock())
	})
}

// ApplyCancellation sends an approved request back through its chain.
func (s *Service) ApplyCancellation(ctx context.Context, requestID, actorID string) (*leave.Request, error) {
	return s.mutate(ctx, "apply_cancellation", requestID, actorID, func(req *leave.Request, actor Actor, _ leave.User) (Outcome, error) {
		return Outcome{}, ApplyCancellation(req, actor, s.Clock())
	})
}

// AbortCancellation withdraws a cancellation still at step one.
func (s *Service) AbortCancellation(ctx context.Context, requestID, actorID string) (*leave.Request, error) {
	return s.mutate(ctx, "abort_cancellation", requestID, actorID, func(req *leave.Request, actor Actor, _ leave.User) (Outcome, error) {
		return Outcome{}, AbortCancellation(req, actor, s.Clock())
	})
}

// =============================================================================
// APPROVER OPERATIONS
// =============================================================================

// Approve records actorID's approval of the request's current step.
func (s *Service) Approve(ctx context.Context, requestID, actorID, comment string) (*leave.Request, error) {
	return s.mutate(ctx, "approve", requestID, actorID, func(req *leave.Request, actor Actor, owner leave.User) (Outcome, error) {
		group, err := s.Resolver.GroupFor(ctx, *req, owner)
		if err != nil {
			return Outcome{}, err
		}
		return Approve(req, group, actor, comment, s.Clock())
	})
}

// Reject rejects the request, or the cancellation in progress.
func (s *Service) Reject(ctx context.Context, requestID, actorID, comment string) (*leave.Request, error) {
	return s.mutate(ctx, "reject", requestID, actorID, func(req *leave.Request, actor Actor, owner leave.User) (Outcome, error) {
		group, err := s.Resolver.GroupFor(ctx, *req, owner)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{}, Reject(req, group, actor, comment, s.Clock())
	})
}

// BatchAction is the decision applied to every item of a batch.
type BatchAction string

const (
	BatchApprove BatchAction = "APPROVE"
	BatchReject  BatchAction = "REJECT"
)

// BatchResult lists the requests a batch committed, in order.
type BatchResult struct {
	Applied []leave.Request
}

// Batch applies one decision to several requests in order. It stops at the
// first failure; items before it stay committed and the error is a
// *generic.PartialBatchError naming them.
func (s *Service) Batch(ctx context.Context, ids []string, action BatchAction, actorID, comment string) (BatchResult, error) {
	var result BatchResult
	var applied []string

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, s.partial(applied, id, err)
		}

		var req *leave.Request
		var err error
		switch action {
		case BatchApprove:
			req, err = s.Approve(ctx, id, actorID, comment)
		case BatchReject:
			req, err = s.Reject(ctx, id, actorID, comment)
		default:
			err = generic.NewValidationError("action", fmt.Sprintf("unknown batch action %q", action))
		}
		if err != nil {
			return result, s.partial(applied, id, err)
		}
		result.Applied = append(result.Applied, *req)
		applied = append(applied, id)
	}

	metrics.RecordBatch("ok")
	return result, nil
}

func (s *Service) partial(applied []string, failedID string, err error) error {
	metrics.RecordBatch("partial")
	s.Log.WithFields(logrus.Fields{
		"applied":    len(applied),
		"request_id": failedID,
	}).WithError(err).Warn("batch stopped")
	return &generic.PartialBatchError{Applied: applied, FailedID: failedID, Err: err}
}

// PendingFor lists the requests waiting on actorID's vote.
func (s *Service) PendingFor(ctx context.Context, actorID string) ([]leave.Request, error) {
	pending := []leave.Status{
		leave.StatusInProcess, leave.StatusPendingL1, leave.StatusPendingL2,
		leave.StatusPendingL3, leave.StatusPendingL4,
	}
	requests, err := s.Store.ListRequests(ctx, leave.RequestFilter{Statuses: pending})
	if err != nil {
		return nil, err
	}
	groups, err := s.Store.ListWorkflowGroups(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]leave.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	out := []leave.Request{}
	for _, req := range requests {
		group, ok := groupOf(groups, req, byID[req.UserID])
		if ok && AwaitsActor(req, group, actorID) {
			out = append(out, req)
		}
	}
	return out, nil
}

func groupOf(groups []leave.WorkflowGroup, req leave.Request, owner leave.User) (leave.WorkflowGroup, bool) {
	for _, g := range groups {
		if g.ID == req.WorkflowGroupID {
			return g, true
		}
	}
	res, err := Resolve(groups, owner)
	if err != nil {
		return leave.WorkflowGroup{}, false
	}
	return res.Group, true
}

// ResolveWorkflow reports the chain userID's next request would run on.
func (s *Service) ResolveWorkflow(ctx context.Context, userID string) (Resolution, error) {
	user, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}
	return s.Resolver.Resolve(ctx, *user)
}

// =============================================================================
// INTERNALS
// =============================================================================

type transition func(req *leave.Request, actor Actor, owner leave.User) (Outcome, error)

// mutate runs fn on a copy of the stored request under the request lock and
// writes it back conditionally on the version that was read.
func (s *Service) mutate(ctx context.Context, action, requestID, actorID string, fn transition) (*leave.Request, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	current, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		s.record(action, requestID, err)
		return nil, err
	}
	actorUser, err := s.Store.GetUser(ctx, actorID)
	if err != nil {
		s.record(action, requestID, err)
		return nil, err
	}
	owner := *actorUser
	if current.UserID != actorID {
		o, err := s.Store.GetUser(ctx, current.UserID)
		if err != nil {
			s.record(action, requestID, err)
			return nil, err
		}
		owner = *o
	}

	next := current.Clone()
	out, err := fn(&next, ActorOf(*actorUser), owner)
	if err != nil {
		s.record(action, requestID, err)
		return nil, err
	}
	if err := s.Store.UpdateRequest(ctx, &next, current.Version); err != nil {
		s.record(action, requestID, err)
		return nil, err
	}
	s.record(action, requestID, nil)

	if out.Reconcile && s.Trigger != nil {
		from := next.StartDate.YearMonth()
		s.Log.WithFields(logrus.Fields{
			"request_id": next.ID,
			"user_id":    next.UserID,
			"from":       from.String(),
		}).Info("ledger reconcile triggered")
		s.Trigger.Trigger(next.UserID, from)
	}
	return &next, nil
}

// admit runs the submission checks: category eligibility, overlap and live
// quota (excluding the request itself), then resolves the chain.
func (s *Service) admit(ctx context.Context, owner leave.User, req *leave.Request) (Resolution, error) {
	categories, err := s.Store.ListLeaveCategories(ctx)
	if err != nil {
		return Resolution{}, err
	}
	if !leave.Eligible(owner, req.Category, categories) {
		return Resolution{}, generic.NewValidationError("category", fmt.Sprintf("%s is not available to this user", req.Category))
	}

	existing, err := s.Store.ListRequests(ctx, leave.RequestFilter{UserID: owner.ID})
	if err != nil {
		return Resolution{}, err
	}
	if err := leave.CheckOverlap(existing, owner.ID, req.Period(), req.ID); err != nil {
		return Resolution{}, err
	}

	quota, err := s.Evaluator.LiveQuota(ctx, owner.ID, req.Category, req.StartDate.Year(), req.ID)
	if err != nil {
		return Resolution{}, err
	}
	if err := quota.Check(leave.RequestAmount(*req)); err != nil {
		return Resolution{}, err
	}

	return s.Resolver.Resolve(ctx, owner)
}

func (s *Service) record(action, requestID string, err error) {
	result := classify(err)
	metrics.RecordTransition(action, result)

	entry := s.Log.WithFields(logrus.Fields{"action": action, "request_id": requestID, "result": result})
	switch result {
	case "ok":
		entry.Debug("workflow transition applied")
	case "refused", "conflict":
		entry.WithError(err).Info("workflow transition refused")
	default:
		entry.WithError(err).Error("workflow transition failed")
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, generic.ErrConcurrentModification):
		return "conflict"
	case generic.IsClientError(err), generic.IsNotFound(err):
		return "refused"
	}
	return "error"
}
