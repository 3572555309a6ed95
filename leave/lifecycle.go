/*
lifecycle.go - Leave request status machine

PURPOSE:
  Encodes the allowed status edges as data and decides whether an actor
  may take one. The machine is pure: it returns the edge to apply and the
  coordinator applies it inside a transaction.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │  Submit ──▶ pending (days reserved)                          │
  │                │                                             │
  │                ├──▶ approved   reservation stands            │
  │                ├──▶ rejected   days released                 │
  │                └──▶ cancelled  days released (owner/HR)      │
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  approved, rejected and cancelled are terminal. A pending request can
  be amended by its owner or HR; the reservation moves with it.

DECISION ORDER (review):
  1. Target must be approved or rejected      -> ErrInvalidTransition
  2. Reviewer must not own the request        -> ErrForbidden
  3. Policy must allow actor over owner       -> ErrForbidden
  4. Request must still be pending            -> ErrAlreadyDecided

SEE ALSO:
  - policy.go: DepartmentPolicy
  - coordinator.go: Applies edges transactionally
*/
package leave

import "fmt"

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// ParseStatus accepts only the four known statuses.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return st, true
	}
	return "", false
}

func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// IsReviewOutcome reports whether s can be the result of a review.
func (s Status) IsReviewOutcome() bool {
	return s == StatusApproved || s == StatusRejected
}

// =============================================================================
// EDGES
// =============================================================================

// BalanceEffect is what an edge does to the reservation made at submit.
type BalanceEffect int

const (
	KeepReservation BalanceEffect = iota
	ReleaseReservation
)

type Edge struct {
	From   Status
	To     Status
	Effect BalanceEffect
	Action AuditAction
}

var edges = []Edge{
	{From: StatusPending, To: StatusApproved, Effect: KeepReservation, Action: AuditRequestApproved},
	{From: StatusPending, To: StatusRejected, Effect: ReleaseReservation, Action: AuditRequestRejected},
	{From: StatusPending, To: StatusCancelled, Effect: ReleaseReservation, Action: AuditRequestCancelled},
}

// Edges returns a copy of the transition table.
func Edges() []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

func findEdge(from, to Status) (Edge, bool) {
	for _, e := range edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// =============================================================================
// STATE MACHINE
// =============================================================================

type StateMachine struct {
	policy Policy
}

// NewStateMachine uses DepartmentPolicy when policy is nil.
func NewStateMachine(policy Policy) *StateMachine {
	if policy == nil {
		policy = DepartmentPolicy
	}
	return &StateMachine{policy: policy}
}

// Decide checks a review of req by actor towards target and returns the
// edge to apply.
func (m *StateMachine) Decide(actor Actor, owner Owner, req LeaveRequest, target Status) (Edge, error) {
	if !target.IsReviewOutcome() {
		return Edge{}, fmt.Errorf("%w: cannot review a request to %q", ErrInvalidTransition, target)
	}
	if actor.ID == req.UserID {
		return Edge{}, fmt.Errorf("%w: reviewers cannot decide their own request", ErrForbidden)
	}
	if !m.policy(actor, owner) {
		return Edge{}, fmt.Errorf("%w: %s %s may not review requests of %s", ErrForbidden, actor.Role, actor.ID, owner.ID)
	}
	return m.edgeFrom(req, target)
}

// Withdraw checks a cancellation of req by actor.
func (m *StateMachine) Withdraw(actor Actor, req LeaveRequest) (Edge, error) {
	if !CanActFor(actor, req.UserID) {
		return Edge{}, fmt.Errorf("%w: only the owner or HR can cancel a request", ErrForbidden)
	}
	return m.edgeFrom(req, StatusCancelled)
}

// Amendable checks that actor may edit req: owner or HR, pending only.
func (m *StateMachine) Amendable(actor Actor, req LeaveRequest) error {
	if !CanActFor(actor, req.UserID) {
		return fmt.Errorf("%w: only the owner or HR can edit a request", ErrForbidden)
	}
	if req.Status != StatusPending {
		return fmt.Errorf("%w: request %s is %s", ErrAlreadyDecided, req.ID, req.Status)
	}
	return nil
}

func (m *StateMachine) edgeFrom(req LeaveRequest, target Status) (Edge, error) {
	if req.Status != StatusPending {
		return Edge{}, fmt.Errorf("%w: request %s is %s", ErrAlreadyDecided, req.ID, req.Status)
	}
	edge, ok := findEdge(req.Status, target)
	if !ok {
		return Edge{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, target)
	}
	return edge, nil
}
