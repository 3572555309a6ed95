/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the leave domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Shape checks (required ids, lengths, enum values) use validator struct
  tags and run in decode(). Business rules stay in leave.Validator so the
  error codes match whatever the client sends.

AMOUNTS:
  Day amounts are decimal strings ("2.5") to avoid float rounding.

SEE ALSO:
  - handlers.go: Uses these types
  - leave/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/garrison/leave-engine/leave"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitLeaveRequest is the body of POST /api/leave-requests. UserID is
// optional and defaults to the caller.
type SubmitLeaveRequest struct {
	UserID      string `json:"user_id" validate:"omitempty,max=64"`
	LeaveTypeID string `json:"leave_type_id" validate:"max=64"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Reason      string `json:"reason" validate:"max=1000"`
	HalfDay     bool   `json:"half_day"`
	Evidence    string `json:"evidence" validate:"max=512"`
}

func (r SubmitLeaveRequest) toInput() leave.SubmitInput {
	return leave.SubmitInput{
		UserID:      leave.UserID(r.UserID),
		LeaveTypeID: leave.LeaveTypeID(r.LeaveTypeID),
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		Reason:      r.Reason,
		HalfDay:     r.HalfDay,
		Evidence:    r.Evidence,
	}
}

// AmendLeaveRequest is the body of PUT /api/leave-requests/{id}. The
// owner of a request never changes.
type AmendLeaveRequest struct {
	LeaveTypeID string `json:"leave_type_id" validate:"max=64"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Reason      string `json:"reason" validate:"max=1000"`
	HalfDay     bool   `json:"half_day"`
	Evidence    string `json:"evidence" validate:"max=512"`
}

func (r AmendLeaveRequest) toInput() leave.SubmitInput {
	return leave.SubmitInput{
		LeaveTypeID: leave.LeaveTypeID(r.LeaveTypeID),
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		Reason:      r.Reason,
		HalfDay:     r.HalfDay,
		Evidence:    r.Evidence,
	}
}

type AttachEvidenceRequest struct {
	Evidence string `json:"evidence" validate:"required,max=512"`
}

type LeaveTypeRequest struct {
	ID       string `json:"id" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=128"`
	Evidence string `json:"evidence" validate:"omitempty,oneof=none optional required"`
}

type EmployeeRequest struct {
	ID           string `json:"id" validate:"required,max=64"`
	Name         string `json:"name" validate:"required,max=128"`
	DepartmentID string `json:"department_id" validate:"max=64"`
}

type AllocateBalanceRequest struct {
	UserID      string          `json:"user_id" validate:"required,max=64"`
	LeaveTypeID string          `json:"leave_type_id" validate:"required,max=64"`
	Year        int             `json:"year" validate:"required,gte=1970,lte=9999"`
	TotalDays   decimal.Decimal `json:"total_days"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	Year       int    `json:"year" validate:"omitempty,gte=1970,lte=9999"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type SubmitResponse struct {
	RequestID     string          `json:"request_id"`
	DaysRequested decimal.Decimal `json:"days_requested"`
	Request       LeaveRequestDTO `json:"request"`
}

type AmendResponse struct {
	DaysRequested decimal.Decimal `json:"days_requested"`
	PreviousDays  decimal.Decimal `json:"previous_days"`
	// DaysDifference is positive when the edit charges more days.
	DaysDifference decimal.Decimal `json:"days_difference"`
	Request        LeaveRequestDTO `json:"request"`
}

type LeaveRequestDTO struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	LeaveTypeID  string          `json:"leave_type_id"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date"`
	Days         decimal.Decimal `json:"days"`
	CalendarDays int             `json:"calendar_days"`
	HalfDay      bool            `json:"half_day"`
	Reason       string          `json:"reason,omitempty"`
	Evidence     string          `json:"evidence,omitempty"`
	Status       string          `json:"status"`
	CreatedBy    string          `json:"created_by"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	DecidedAt    string          `json:"decided_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

func toLeaveRequestDTO(r leave.LeaveRequest) LeaveRequestDTO {
	dto := LeaveRequestDTO{
		ID:           string(r.ID),
		UserID:       string(r.UserID),
		LeaveTypeID:  string(r.LeaveTypeID),
		StartDate:    r.Period.Start.String(),
		EndDate:      r.Period.End.String(),
		Days:         r.Days,
		CalendarDays: r.CalendarDays(),
		HalfDay:      r.HalfDay,
		Reason:       r.Reason,
		Evidence:     r.Evidence,
		Status:       string(r.Status),
		CreatedBy:    string(r.CreatedBy),
		DecidedBy:    string(r.DecidedBy),
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.DecidedAt != nil {
		dto.DecidedAt = r.DecidedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

type BalanceDTO struct {
	UserID      string          `json:"user_id"`
	LeaveTypeID string          `json:"leave_type_id"`
	Year        int             `json:"year"`
	TotalDays   decimal.Decimal `json:"total_days"`
	UsedDays    decimal.Decimal `json:"used_days"`
	Remaining   decimal.Decimal `json:"remaining_days"`
}

func toBalanceDTO(b leave.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:      string(b.Key.UserID),
		LeaveTypeID: string(b.Key.LeaveTypeID),
		Year:        b.Key.Year,
		TotalDays:   b.TotalDays,
		UsedDays:    b.UsedDays,
		Remaining:   b.Remaining(),
	}
}

type LeaveTypeDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Evidence string `json:"evidence"`
}

type EmployeeDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DepartmentID string `json:"department_id,omitempty"`
}

type AuditEntryDTO struct {
	ID      string            `json:"id"`
	At      string            `json:"at"`
	ActorID string            `json:"actor_id"`
	Action  string            `json:"action"`
	Payload map[string]string `json:"payload,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	Field     string           `json:"field,omitempty"`
	Details   string           `json:"details,omitempty"`
	Requested *decimal.Decimal `json:"requested,omitempty"`
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
}
