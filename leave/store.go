/*
store.go - Persistence interfaces for the leave engine

PURPOSE:
  Defines the boundary between lifecycle logic and the database. The
  coordinator only talks to these interfaces; drivers implement them.

KEY INTERFACES:
  LeaveTypeCatalog: Read-only leave type lookups
  BalanceStore:     Balance reads plus atomic reserve/release
  RequestStore:     Request rows with a status-guarded update
  Directory:        Department of an employee
  AuditLog:         Append-only lifecycle events
  TxStore:          Runs a function against a transactional view

RESERVATION CONTRACT:
  Reserve must be a single conditional increment that only succeeds when
  used_days + days <= total_days after the write. A reservation that
  would overshoot changes nothing and returns ErrInsufficientBalance (or
  ErrNoBalanceRecord when the row is missing). This is what keeps
  concurrent submissions from overdrawing a balance.

STATUS GUARD:
  UpdateStatus only writes when the stored status still equals "from".
  Otherwise it returns ErrAlreadyDecided, so two reviewers racing on the
  same request produce one decision.

IMPLEMENTATIONS:
  - leave/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go: Default embedded store
  - store/postgres/postgres.go: gorm + PostgreSQL

SEE ALSO:
  - coordinator.go: The only caller of WithTx
*/
package leave

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type LeaveTypeCatalog interface {
	// LeaveType returns ErrUnknownLeaveType when id does not resolve.
	LeaveType(ctx context.Context, id LeaveTypeID) (LeaveType, error)
	LeaveTypes(ctx context.Context) ([]LeaveType, error)
}

type BalanceStore interface {
	// GetBalance returns ErrNoBalanceRecord when the row is missing.
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)

	// Reserve atomically adds days to used_days if the result stays within
	// total_days.
	Reserve(ctx context.Context, key BalanceKey, days decimal.Decimal) error

	// Release subtracts days from used_days, floored at zero.
	Release(ctx context.Context, key BalanceKey, days decimal.Decimal) error

	// ListBalances returns every balance of a user for a year, ordered by
	// leave type.
	ListBalances(ctx context.Context, userID UserID, year int) ([]Balance, error)
}

// StatusUpdate is the decision written by UpdateStatus.
type StatusUpdate struct {
	Status    Status
	DecidedBy UserID
	At        time.Time
}

// RequestFilter narrows ListRequests. Zero values are ignored.
type RequestFilter struct {
	UserID       UserID
	Status       Status
	Year         int
	DepartmentID string // matches the owner's department in the directory
	Limit        int
}

type RequestStore interface {
	InsertRequest(ctx context.Context, req LeaveRequest) error

	// GetRequest returns ErrNotFound for an unknown id.
	GetRequest(ctx context.Context, id RequestID) (LeaveRequest, error)

	// UpdateStatus writes upd only while the stored status equals from.
	UpdateStatus(ctx context.Context, id RequestID, from Status, upd StatusUpdate) error

	// AmendRequest rewrites the editable fields of req (leave type, period,
	// days, half day, reason, evidence, updated_at) only while the stored
	// request is pending. Returns ErrNotFound or ErrAlreadyDecided otherwise.
	AmendRequest(ctx context.Context, req LeaveRequest) error

	// ListRequests returns matching requests, newest first.
	ListRequests(ctx context.Context, filter RequestFilter) ([]LeaveRequest, error)
}

type Directory interface {
	// DepartmentOf returns "" for users missing from the directory.
	DepartmentOf(ctx context.Context, userID UserID) (string, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Store is everything the coordinator reads and writes.
type Store interface {
	LeaveTypeCatalog
	BalanceStore
	RequestStore
	Directory
	AuditLog
}

// TxStore runs fn against a transactional view of the store. If fn returns
// an error every write made through the view is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// ReferenceStore maintains reference data loaded by administrators:
// leave types, the employee directory and yearly allocations.
type ReferenceStore interface {
	SaveLeaveType(ctx context.Context, lt LeaveType) error
	SaveEmployee(ctx context.Context, emp Employee) error
	ListEmployees(ctx context.Context) ([]Employee, error)

	// AllocateBalance creates the balance row or sets its total_days.
	// Lowering the total under used_days returns ErrAllocationBelowUsage.
	AllocateBalance(ctx context.Context, key BalanceKey, totalDays decimal.Decimal) error
}

// AuditReader returns the lifecycle events of one request, oldest first.
type AuditReader interface {
	AuditTrail(ctx context.Context, id RequestID) ([]AuditEntry, error)
}
