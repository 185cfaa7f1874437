package workflow

import (
	"fmt"
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// TRANSITIONS - Pure state changes on a leave.Request
// =============================================================================
//
// Every function below either mutates req and appends one log entry, or
// returns an error and leaves req untouched.

// Actor is whoever performs a transition.
type Actor struct {
	ID   string
	Name string
}

// ActorOf builds an Actor from a user.
func ActorOf(u leave.User) Actor {
	return Actor{ID: u.ID, Name: u.Name}
}

// Outcome reports side effects a transition asks the caller to perform.
type Outcome struct {
	// Completed is true when the chain finished (APPROVED, or CANCELLED for
	// a cancellation).
	Completed bool

	// Reconcile is true when a non-cancellation OVERTIME or COMPENSATORY
	// request reached APPROVED and the ledger must be recomputed from its
	// start month.
	Reconcile bool
}

func refuse(action leave.Action, req *leave.Request, reason string) error {
	return &generic.TransitionError{Action: string(action), Status: string(req.Status), Reason: reason}
}

func forbid(action leave.Action, req *leave.Request, reason string) error {
	return &generic.TransitionError{Action: string(action), Status: string(req.Status), Reason: reason, Kind: generic.ErrForbidden}
}

func appendLog(req *leave.Request, actor Actor, action leave.Action, comment string, now time.Time) {
	req.Logs = append(req.Logs, leave.ApprovalLog{
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Action:    action,
		Timestamp: now,
		Comment:   comment,
	})
	req.UpdatedAt = now
}

// Submit starts the chain at step one. Only drafts (or brand new requests)
// can be submitted.
func Submit(req *leave.Request, res Resolution, actor Actor, now time.Time) error {
	if req.Status != "" && req.Status != leave.StatusDraft {
		return refuse(leave.ActionSubmit, req, "only drafts can be submitted")
	}
	if actor.ID != req.UserID {
		return forbid(leave.ActionSubmit, req, "only the requester can submit")
	}
	startChain(req, res)
	appendLog(req, actor, leave.ActionSubmit, "submitted", now)
	return nil
}

// Edit restarts the chain after the requester changed a draft or a request
// no approver has passed yet.
func Edit(req *leave.Request, res Resolution, actor Actor, now time.Time) error {
	if actor.ID != req.UserID {
		return forbid(leave.ActionUpdate, req, "only the requester can edit")
	}
	if req.Status == leave.StatusDraft {
		appendLog(req, actor, leave.ActionUpdate, "draft updated", now)
		return nil
	}
	if err := requireFirstStep(leave.ActionUpdate, req); err != nil {
		return err
	}
	startChain(req, res)
	appendLog(req, actor, leave.ActionUpdate, "request updated, approval restarted", now)
	return nil
}

func startChain(req *leave.Request, res Resolution) {
	req.Status = leave.PendingStatus(1)
	req.CurrentStep = 1
	req.TotalSteps = res.TotalSteps
	req.WorkflowGroupID = res.Group.ID
	req.StepApprovedBy = nil
	req.IsCancellationRequest = false
}

func requireFirstStep(action leave.Action, req *leave.Request) error {
	if !req.Status.IsPending() {
		return refuse(action, req, "request is not pending")
	}
	if req.IsCancellationRequest {
		return refuse(action, req, "a cancellation is in progress")
	}
	if req.CurrentStep != 1 {
		return refuse(action, req, "an approver has already passed step 1")
	}
	return nil
}

// requiredApprovers returns the step's approvers minus the requester, or an
// error when nobody could approve the step. A requester listed on their own
// step cannot vote, so counting them would leave the step stuck forever.
func requiredApprovers(req *leave.Request, group leave.WorkflowGroup) ([]string, error) {
	step, ok := group.StepAt(req.CurrentStep)
	if !ok {
		return nil, fmt.Errorf("%w: group %s has no step %d", generic.ErrWorkflowConfigMissing, group.ID, req.CurrentStep)
	}
	var required []string
	for _, id := range step.ApproverIDs {
		if id != req.UserID {
			required = append(required, id)
		}
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("%w: step %d of group %s has no eligible approver", generic.ErrWorkflowConfigMissing, req.CurrentStep, group.ID)
	}
	return required, nil
}

func checkApprover(action leave.Action, req *leave.Request, group leave.WorkflowGroup, actor Actor) ([]string, error) {
	if !req.Status.IsPending() {
		return nil, refuse(action, req, "request is not pending")
	}
	if actor.ID == req.UserID {
		return nil, forbid(action, req, "requesters cannot act on their own request")
	}
	required, err := requiredApprovers(req, group)
	if err != nil {
		return nil, err
	}
	if !contains(required, actor.ID) {
		return nil, forbid(action, req, fmt.Sprintf("%s is not an approver of step %d", actor.ID, req.CurrentStep))
	}
	if req.HasApproved(actor.ID) {
		return nil, refuse(action, req, fmt.Sprintf("%s already approved step %d", actor.ID, req.CurrentStep))
	}
	return required, nil
}

// Approve records the actor's vote. When every approver of the step has
// voted the request advances, or completes on the last step.
func Approve(req *leave.Request, group leave.WorkflowGroup, actor Actor, comment string, now time.Time) (Outcome, error) {
	required, err := checkApprover(leave.ActionApprove, req, group, actor)
	if err != nil {
		return Outcome{}, err
	}

	req.StepApprovedBy = append(req.StepApprovedBy, actor.ID)
	note := "approved"
	var out Outcome

	switch {
	case !containsAll(req.StepApprovedBy, required):
		note += " (awaiting co-approvers)"
	case req.CurrentStep+1 > req.TotalSteps:
		out.Completed = true
		if req.IsCancellationRequest {
			req.Status = leave.StatusCancelled
			note += " (cancellation completed)"
		} else {
			req.Status = leave.StatusApproved
			note += " (workflow completed)"
			out.Reconcile = req.Category.AffectsLedger()
		}
	default:
		req.CurrentStep++
		req.StepApprovedBy = nil
		req.Status = leave.PendingStatus(req.CurrentStep)
		note += " (advanced)"
	}

	appendLog(req, actor, leave.ActionApprove, joinComment(note, comment), now)
	return out, nil
}

// Reject ends the chain. Rejecting a cancellation restores the approved
// request instead.
func Reject(req *leave.Request, group leave.WorkflowGroup, actor Actor, comment string, now time.Time) error {
	if _, err := checkApprover(leave.ActionReject, req, group, actor); err != nil {
		return err
	}

	note := "rejected"
	if req.IsCancellationRequest {
		req.Status = leave.StatusApproved
		req.IsCancellationRequest = false
		note = "cancellation rejected (original request kept)"
	} else {
		req.Status = leave.StatusRejected
	}
	req.StepApprovedBy = nil

	appendLog(req, actor, leave.ActionReject, joinComment(note, comment), now)
	return nil
}

// Withdraw lets the requester cancel a draft, or a pending request nobody
// has passed yet.
func Withdraw(req *leave.Request, actor Actor, now time.Time) error {
	if actor.ID != req.UserID {
		return forbid(leave.ActionCancel, req, "only the requester can withdraw")
	}
	if req.Status != leave.StatusDraft {
		if err := requireFirstStep(leave.ActionCancel, req); err != nil {
			return err
		}
	}
	req.Status = leave.StatusCancelled
	req.StepApprovedBy = nil
	appendLog(req, actor, leave.ActionCancel, "withdrawn by requester", now)
	return nil
}

// ApplyCancellation sends an approved request back through its chain as a
// cancellation.
func ApplyCancellation(req *leave.Request, actor Actor, now time.Time) error {
	if actor.ID != req.UserID {
		return forbid(leave.ActionSubmit, req, "only the requester can request cancellation")
	}
	if req.Status != leave.StatusApproved {
		return refuse(leave.ActionSubmit, req, "only approved requests can be cancelled")
	}
	req.Status = leave.PendingStatus(1)
	req.IsCancellationRequest = true
	req.CurrentStep = 1
	req.StepApprovedBy = nil
	appendLog(req, actor, leave.ActionSubmit, "cancellation requested", now)
	return nil
}

// AbortCancellation withdraws a cancellation nobody has passed yet and
// restores the approved request.
func AbortCancellation(req *leave.Request, actor Actor, now time.Time) error {
	if actor.ID != req.UserID {
		return forbid(leave.ActionCancel, req, "only the requester can abort a cancellation")
	}
	if !req.IsCancellationRequest || !req.Status.IsPending() {
		return refuse(leave.ActionCancel, req, "no cancellation in progress")
	}
	if req.CurrentStep != 1 {
		return refuse(leave.ActionCancel, req, "an approver has already passed step 1")
	}
	req.Status = leave.StatusApproved
	req.IsCancellationRequest = false
	req.StepApprovedBy = nil
	appendLog(req, actor, leave.ActionCancel, "cancellation withdrawn", now)
	return nil
}

// AwaitsActor reports whether the request is waiting on actorID's vote.
func AwaitsActor(req leave.Request, group leave.WorkflowGroup, actorID string) bool {
	if !req.Status.IsPending() || actorID == req.UserID || req.HasApproved(actorID) {
		return false
	}
	step, ok := group.StepAt(req.CurrentStep)
	return ok && step.HasApprover(actorID)
}

func joinComment(note, comment string) string {
	if comment == "" {
		return note
	}
	return note + ": " + comment
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return true
}
