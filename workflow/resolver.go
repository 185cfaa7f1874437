/*
Package workflow implements the multi-step approval workflow.

PURPOSE:
  Moves leave and overtime requests through a configured approval chain.
  Each step requires every listed approver to approve (unanimity) before
  the request advances; any single rejection ends it. Approved requests can
  be taken back through the same chain as a cancellation.

KEY CONCEPTS:
  Resolver:  Chooses the chain for a requester and how many of its steps
             apply (job-title rules may shorten it)
  Machine:   Pure transition functions over a leave.Request (machine.go)
  Service:   Loads, locks, applies a transition, conditionally writes, and
             triggers ledger reconciliation (service.go)

STATE DIAGRAM:

  DRAFT ──submit──▶ PENDING_L1 ──approve (all)──▶ PENDING_L2 ... ──▶ APPROVED
                        │                                               │
                        ├──reject──▶ REJECTED                apply cancellation
                        └──withdraw (step 1)──▶ CANCELLED               │
                                                                        ▼
                      APPROVED ◀──reject / abort (step 1)── PENDING_L1 (cancellation)
                                                                        │
                                                       approve (all, last step)
                                                                        ▼
                                                                   CANCELLED

INVARIANTS:
  - 1 <= CurrentStep <= TotalSteps once submitted
  - StepApprovedBy only holds approvers of the current step, each once
  - The requester never approves their own request
  - Every transition appends exactly one log entry

SEE ALSO:
  - leave/types.go: Request and WorkflowGroup
  - settlement/dispatcher.go: Receives reconcile triggers
*/
package workflow

import (
	"context"
	"fmt"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// Resolution is the chain chosen for one requester.
type Resolution struct {
	Group      leave.WorkflowGroup
	TotalSteps int
}

// Resolve picks the user's configured group, falling back to the first
// configured group. TotalSteps is the step count, capped by a matching
// job-title rule but never below one.
func Resolve(groups []leave.WorkflowGroup, user leave.User) (Resolution, error) {
	if len(groups) == 0 {
		return Resolution{}, fmt.Errorf("%w: no workflow groups configured", generic.ErrWorkflowConfigMissing)
	}

	group := groups[0]
	for _, g := range groups {
		if g.ID == user.WorkflowGroupID {
			group = g
			break
		}
	}
	if len(group.Steps) == 0 {
		return Resolution{}, fmt.Errorf("%w: group %s has no steps", generic.ErrWorkflowConfigMissing, group.ID)
	}

	total := len(group.Steps)
	for _, rule := range group.TitleRules {
		if rule.JobTitle == user.JobTitle {
			total = max(1, min(total, rule.MaxLevel))
			break
		}
	}
	return Resolution{Group: group, TotalSteps: total}, nil
}

// Resolver resolves chains from the workflow store.
type Resolver struct {
	Store leave.WorkflowStore
}

func NewResolver(store leave.WorkflowStore) *Resolver {
	return &Resolver{Store: store}
}

// Resolve loads the configured groups and resolves the chain for user.
func (r *Resolver) Resolve(ctx context.Context, user leave.User) (Resolution, error) {
	groups, err := r.Store.ListWorkflowGroups(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("load workflow groups: %w", err)
	}
	return Resolve(groups, user)
}

// GroupFor returns the chain a submitted request runs on: the group it was
// submitted against, or the requester's current resolution when that group
// no longer exists.
func (r *Resolver) GroupFor(ctx context.Context, req leave.Request, user leave.User) (leave.WorkflowGroup, error) {
	groups, err := r.Store.ListWorkflowGroups(ctx)
	if err != nil {
		return leave.WorkflowGroup{}, fmt.Errorf("load workflow groups: %w", err)
	}
	for _, g := range groups {
		if g.ID == req.WorkflowGroupID {
			return g, nil
		}
	}
	res, err := Resolve(groups, user)
	if err != nil {
		return leave.WorkflowGroup{}, err
	}
	return res.Group, nil
}
