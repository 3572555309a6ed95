/*
Package leave is the leave-request lifecycle and balance-accounting engine.

PURPOSE:
  Employees submit leave requests against a yearly allocation per leave
  type. A submission reserves its business days immediately; a reviewer
  then approves (the reservation stands) or rejects (the days come back).
  The engine guarantees the ledger never goes negative, even under
  concurrent submissions for the same balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveType: Reference data (Annual, Sick, Personal) with an evidence rule
  - Balance: Allocation and usage for (user, leave type, year)
  - LeaveRequest: One submission and its lifecycle state
  - AuditEntry: Append-only record of every lifecycle event

DESIGN PRINCIPLES:
  1. The balance row is authoritative; requests are the audit trail
  2. Day amounts are decimal.Decimal so half days stay exact
  3. Typed IDs keep users, leave types and requests from being mixed up

USAGE:
  coord := leave.NewCoordinator(store, leave.WithLogger(logger))
  res, err := coord.Submit(ctx, actor, leave.SubmitInput{
      LeaveTypeID: "annual",
      StartDate:   "2024-06-03",
      EndDate:     "2024-06-07",
  })

SEE ALSO:
  - validator.go: Submission rules and business-day counting
  - lifecycle.go: Allowed status edges
  - coordinator.go: Transactional submit and transition
*/
package leave

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LeaveTypeID string
type RequestID string

// =============================================================================
// DAY AMOUNTS
// =============================================================================

var (
	// HalfDay is the charge for one business day of a half-day request.
	HalfDay = decimal.New(5, -1)
	FullDay = decimal.NewFromInt(1)
)

// DaysFromInt is a convenience for whole-day amounts.
func DaysFromInt(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}

// IsHalfDayMultiple reports whether d is expressible in half-day units.
// Allocations and charges are always half-day granular.
func IsHalfDayMultiple(d decimal.Decimal) bool {
	return d.Mod(HalfDay).IsZero()
}

// ValidateAllocation checks a yearly allocation before it is stored.
func ValidateAllocation(total decimal.Decimal) error {
	if total.IsNegative() || !IsHalfDayMultiple(total) {
		return invalid(InvalidAmount, "total_days", "allocation must be a non-negative multiple of 0.5 days")
	}
	return nil
}

// =============================================================================
// LEAVE TYPE - Reference data
// =============================================================================

// Evidence says whether a leave type takes a supporting document reference
// (e.g. a medical certificate for sick leave).
type Evidence string

const (
	EvidenceNone     Evidence = "none"
	EvidenceOptional Evidence = "optional"
	EvidenceRequired Evidence = "required"
)

func (e Evidence) Valid() bool {
	switch e {
	case EvidenceNone, EvidenceOptional, EvidenceRequired:
		return true
	}
	return false
}

type LeaveType struct {
	ID       LeaveTypeID
	Name     string
	Evidence Evidence
}

func (lt LeaveType) AcceptsEvidence() bool {
	return lt.Evidence == EvidenceOptional || lt.Evidence == EvidenceRequired
}

func (lt LeaveType) RequiresEvidence() bool {
	return lt.Evidence == EvidenceRequired
}

// DefaultLeaveTypes is the reference set a fresh deployment starts with.
func DefaultLeaveTypes() []LeaveType {
	return []LeaveType{
		{ID: "annual", Name: "Annual", Evidence: EvidenceNone},
		{ID: "sick", Name: "Sick", Evidence: EvidenceOptional},
		{ID: "personal", Name: "Personal", Evidence: EvidenceNone},
	}
}

// =============================================================================
// EMPLOYEE - Directory entry used for department scoping
// =============================================================================

type Employee struct {
	ID           UserID
	Name         string
	DepartmentID string
}

// =============================================================================
// BALANCE
// =============================================================================

// BalanceKey identifies one balance row. At most one row exists per key.
type BalanceKey struct {
	UserID      UserID
	LeaveTypeID LeaveTypeID
	Year        int
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.UserID, k.LeaveTypeID, k.Year)
}

type Balance struct {
	Key       BalanceKey
	TotalDays decimal.Decimal
	UsedDays  decimal.Decimal
}

func (b Balance) Remaining() decimal.Decimal {
	return b.TotalDays.Sub(b.UsedDays)
}

// CanReserve reports whether days fit in what is left.
func (b Balance) CanReserve(days decimal.Decimal) bool {
	return days.LessThanOrEqual(b.Remaining())
}

// =============================================================================
// LEAVE REQUEST
// =============================================================================

type LeaveRequest struct {
	ID          RequestID
	UserID      UserID
	LeaveTypeID LeaveTypeID
	Period      Period
	Days        decimal.Decimal // business days reserved against the balance
	HalfDay     bool
	Reason      string
	Evidence    string
	Status      Status
	CreatedBy   UserID
	DecidedBy   UserID
	DecidedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BalanceKey is the balance this request charges. The year is the start
// date's; requests never span two years.
func (r LeaveRequest) BalanceKey() BalanceKey {
	return BalanceKey{UserID: r.UserID, LeaveTypeID: r.LeaveTypeID, Year: r.Period.Start.Year()}
}

// CalendarDays is the inclusive calendar span shown to people. It counts
// weekends, so it can exceed Days.
func (r LeaveRequest) CalendarDays() int {
	return r.Period.CalendarDays()
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditRequestSubmitted AuditAction = "request_submitted"
	AuditRequestApproved  AuditAction = "request_approved"
	AuditRequestRejected  AuditAction = "request_rejected"
	AuditRequestCancelled AuditAction = "request_cancelled"
	AuditRequestAmended   AuditAction = "request_amended"
	AuditEvidenceAttached AuditAction = "evidence_attached"
)

type AuditEntry struct {
	ID        string
	At        time.Time
	ActorID   UserID
	Action    AuditAction
	RequestID RequestID
	UserID    UserID
	Payload   map[string]string
}
