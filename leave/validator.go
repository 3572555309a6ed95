package leave

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// SubmitInput is a raw submission as it arrives from a client.
type SubmitInput struct {
	UserID      UserID
	LeaveTypeID LeaveTypeID
	StartDate   string
	EndDate     string
	Reason      string
	HalfDay     bool
	Evidence    string
}

// ValidatedRequest is a submission that passed every rule, with its charge
// computed.
type ValidatedRequest struct {
	UserID    UserID
	LeaveType LeaveType
	Period    Period
	Days      decimal.Decimal
	HalfDay   bool
	Reason    string
	Evidence  string
}

func (v ValidatedRequest) BalanceKey() BalanceKey {
	return BalanceKey{UserID: v.UserID, LeaveTypeID: v.LeaveType.ID, Year: v.Period.Start.Year()}
}

// Validator checks submissions. It never writes.
type Validator struct {
	catalog LeaveTypeCatalog
}

func NewValidator(catalog LeaveTypeCatalog) *Validator {
	return &Validator{catalog: catalog}
}

// Validate applies the submission rules in order: required fields, date
// format, date range, leave type, evidence, workdays.
func (v *Validator) Validate(ctx context.Context, in SubmitInput) (ValidatedRequest, error) {
	switch {
	case strings.TrimSpace(string(in.UserID)) == "":
		return ValidatedRequest{}, invalid(MissingField, "user_id", "user is required")
	case strings.TrimSpace(string(in.LeaveTypeID)) == "":
		return ValidatedRequest{}, invalid(MissingField, "leave_type_id", "leave type is required")
	case strings.TrimSpace(in.StartDate) == "":
		return ValidatedRequest{}, invalid(MissingField, "start_date", "start date is required")
	case strings.TrimSpace(in.EndDate) == "":
		return ValidatedRequest{}, invalid(MissingField, "end_date", "end date is required")
	}

	start, err := ParseDate(strings.TrimSpace(in.StartDate))
	if err != nil {
		return ValidatedRequest{}, invalid(InvalidDateFormat, "start_date", "expected YYYY-MM-DD")
	}
	end, err := ParseDate(strings.TrimSpace(in.EndDate))
	if err != nil {
		return ValidatedRequest{}, invalid(InvalidDateFormat, "end_date", "expected YYYY-MM-DD")
	}
	period := Period{Start: start, End: end}
	if end.Before(start) {
		return ValidatedRequest{}, invalid(InvalidDateRange, "end_date", "end date precedes start date")
	}
	if !period.SingleYear() {
		return ValidatedRequest{}, invalid(InvalidDateRange, "end_date", "leave cannot span two calendar years; submit one request per year")
	}

	lt, err := v.catalog.LeaveType(ctx, in.LeaveTypeID)
	if errors.Is(err, ErrUnknownLeaveType) {
		return ValidatedRequest{}, invalid(InvalidLeaveType, "leave_type_id", "unknown leave type "+string(in.LeaveTypeID))
	}
	if err != nil {
		return ValidatedRequest{}, wrapStore("load leave type", err)
	}

	evidence := strings.TrimSpace(in.Evidence)
	if lt.RequiresEvidence() && evidence == "" {
		return ValidatedRequest{}, invalid(MissingField, "evidence", lt.Name+" leave requires supporting evidence")
	}
	if !lt.AcceptsEvidence() && evidence != "" {
		return ValidatedRequest{}, invalid(EvidenceNotAccepted, "evidence", lt.Name+" leave does not take evidence")
	}

	days := RequestedDays(period, in.HalfDay)
	if days.IsZero() {
		return ValidatedRequest{}, invalid(NoWorkdays, "start_date", "no workdays selected")
	}

	return ValidatedRequest{
		UserID:    in.UserID,
		LeaveType: lt,
		Period:    period,
		Days:      days,
		HalfDay:   in.HalfDay,
		Reason:    strings.TrimSpace(in.Reason),
		Evidence:  evidence,
	}, nil
}

// BusinessDays counts the Monday-Friday dates in p, both ends inclusive.
// Public holidays are not excluded.
func BusinessDays(p Period) int {
	if p.End.Before(p.Start) {
		return 0
	}
	return p.Workdays()
}

// RequestedDays is the balance charge for p: one per business day, or half
// of that for a half-day request.
func RequestedDays(p Period, halfDay bool) decimal.Decimal {
	per := FullDay
	if halfDay {
		per = HalfDay
	}
	return DaysFromInt(BusinessDays(p)).Mul(per)
}
