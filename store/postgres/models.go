package postgres

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/garrison/leave-engine/leave"
)

type leaveTypeModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Evidence  string
	CreatedAt time.Time
}

func (leaveTypeModel) TableName() string { return "leave_types" }

func (m leaveTypeModel) toDomain() leave.LeaveType {
	return leave.LeaveType{ID: leave.LeaveTypeID(m.ID), Name: m.Name, Evidence: leave.Evidence(m.Evidence)}
}

type employeeModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	DepartmentID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (employeeModel) TableName() string { return "employees" }

type balanceModel struct {
	UserID      string          `gorm:"primaryKey"`
	LeaveTypeID string          `gorm:"primaryKey"`
	Year        int             `gorm:"primaryKey"`
	TotalDays   decimal.Decimal `gorm:"type:numeric(6,2)"`
	UsedDays    decimal.Decimal `gorm:"type:numeric(6,2)"`
	UpdatedAt   time.Time
}

func (balanceModel) TableName() string { return "leave_balances" }

func (m balanceModel) toDomain() leave.Balance {
	return leave.Balance{
		Key:       leave.BalanceKey{UserID: leave.UserID(m.UserID), LeaveTypeID: leave.LeaveTypeID(m.LeaveTypeID), Year: m.Year},
		TotalDays: m.TotalDays,
		UsedDays:  m.UsedDays,
	}
}

type requestModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string
	LeaveTypeID string
	StartDate   time.Time       `gorm:"type:date"`
	EndDate     time.Time       `gorm:"type:date"`
	Days        decimal.Decimal `gorm:"type:numeric(6,2)"`
	HalfDay     bool
	Reason      string
	Evidence    string
	Status      string
	CreatedBy   string
	DecidedBy   *string
	DecidedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (requestModel) TableName() string { return "leave_requests" }

func requestFromDomain(r leave.LeaveRequest) requestModel {
	m := requestModel{
		ID:          string(r.ID),
		UserID:      string(r.UserID),
		LeaveTypeID: string(r.LeaveTypeID),
		StartDate:   r.Period.Start.Time,
		EndDate:     r.Period.End.Time,
		Days:        r.Days,
		HalfDay:     r.HalfDay,
		Reason:      r.Reason,
		Evidence:    r.Evidence,
		Status:      string(r.Status),
		CreatedBy:   string(r.CreatedBy),
		DecidedAt:   r.DecidedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.DecidedBy != "" {
		by := string(r.DecidedBy)
		m.DecidedBy = &by
	}
	return m
}

func (m requestModel) toDomain() leave.LeaveRequest {
	r := leave.LeaveRequest{
		ID:          leave.RequestID(m.ID),
		UserID:      leave.UserID(m.UserID),
		LeaveTypeID: leave.LeaveTypeID(m.LeaveTypeID),
		Period:      leave.Period{Start: leave.DateOf(m.StartDate), End: leave.DateOf(m.EndDate)},
		Days:        m.Days,
		HalfDay:     m.HalfDay,
		Reason:      m.Reason,
		Evidence:    m.Evidence,
		Status:      leave.Status(m.Status),
		CreatedBy:   leave.UserID(m.CreatedBy),
		DecidedAt:   m.DecidedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.DecidedBy != nil {
		r.DecidedBy = leave.UserID(*m.DecidedBy)
	}
	return r
}

type auditModel struct {
	ID        string `gorm:"primaryKey"`
	At        time.Time
	ActorID   string
	Action    string
	RequestID string
	UserID    string
	Payload   datatypes.JSONMap `gorm:"type:jsonb"`
}

func (auditModel) TableName() string { return "audit_log" }

func auditFromDomain(e leave.AuditEntry) auditModel {
	payload := datatypes.JSONMap{}
	for k, v := range e.Payload {
		payload[k] = v
	}
	return auditModel{
		ID:        e.ID,
		At:        e.At,
		ActorID:   string(e.ActorID),
		Action:    string(e.Action),
		RequestID: string(e.RequestID),
		UserID:    string(e.UserID),
		Payload:   payload,
	}
}

func (m auditModel) toDomain() leave.AuditEntry {
	e := leave.AuditEntry{
		ID:        m.ID,
		At:        m.At,
		ActorID:   leave.UserID(m.ActorID),
		Action:    leave.AuditAction(m.Action),
		RequestID: leave.RequestID(m.RequestID),
		UserID:    leave.UserID(m.UserID),
		Payload:   make(map[string]string, len(m.Payload)),
	}
	for k, v := range m.Payload {
		if s, ok := v.(string); ok {
			e.Payload[k] = s
		}
	}
	return e
}
