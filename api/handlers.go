/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes leave submission, review and balance reads over REST. Handlers
  parse HTTP, call the leave.Coordinator and serialize the result. They
  hold no business rules.

ENDPOINTS:
  Leave requests:
    POST   /api/leave-requests                Submit (Idempotency-Key supported)
    GET    /api/leave-requests                List visible requests
    GET    /api/leave-requests/{id}           Get one request
    PUT    /api/leave-requests/{id}           Owner (or HR) edits a pending request
    PUT    /api/leave-requests/{id}/evidence  Attach evidence to a pending request
    GET    /api/leave-requests/{id}/audit     Lifecycle events of a request
    POST   /api/leave-requests/{id}/approve   Reviewer approves
    POST   /api/leave-requests/{id}/reject    Reviewer rejects
    POST   /api/leave-requests/{id}/cancel    Owner (or HR) withdraws

  Balances:
    GET    /api/employees/{id}/balances             All types for ?year=
    GET    /api/employees/{id}/balances/{type}      One type for ?year=

  Reference data:
    GET    /api/leave-types

  Admin (hr/admin only):
    POST   /api/admin/leave-types
    GET    /api/admin/employees
    POST   /api/admin/employees
    PUT    /api/admin/balances
    GET    /api/admin/scenarios
    POST   /api/admin/scenarios/load

ERROR HANDLING:
  statusFor maps domain errors to HTTP:
  - 400: Validation errors, malformed input. A range crossing New Year
         is invalid_date_range: file one request per calendar year.
  - 403: Forbidden by policy
  - 404: Unknown request or leave type
  - 409: Already decided, invalid transition
  - 422: No balance record, insufficient balance, allocation below usage
  - 503: Storage failure or timeout (retryable)
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Identity, rate limit and access log
  - server.go: Router setup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/garrison/leave-engine/leave"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the handlers need besides the coordinator.
type Backend interface {
	leave.ReferenceStore
	leave.AuditReader
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Leave   *leave.Coordinator
	Backend Backend

	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a handler. A nil logger discards output.
func NewHandler(coord *leave.Coordinator, backend Backend, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Leave:    coord,
		Backend:  backend,
		validate: validator.New(),
		logger:   logger.Named("api"),
		now:      time.Now,
	}
}

// =============================================================================
// LEAVE REQUEST HANDLERS
// =============================================================================

// SubmitLeave creates a pending request and reserves its days.
func (h *Handler) SubmitLeave(w http.ResponseWriter, r *http.Request) {
	var req SubmitLeaveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Leave.Submit(r.Context(), actorFrom(r), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitResponse{
		RequestID:     string(res.RequestID),
		DaysRequested: res.DaysRequested,
		Request:       toLeaveRequestDTO(res.Request),
	})
}

// ListLeave returns requests visible to the caller. Query: user_id,
// status, year, limit.
func (h *Handler) ListLeave(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := leave.RequestFilter{UserID: leave.UserID(q.Get("user_id"))}

	if s := q.Get("status"); s != "" {
		st, ok := leave.ParseStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid status", Code: "invalid_query", Field: "status"})
			return
		}
		filter.Status = st
	}
	var ok bool
	if filter.Year, ok = h.intParam(w, r, "year", 0); !ok {
		return
	}
	if filter.Limit, ok = h.intParam(w, r, "limit", 100); !ok {
		return
	}

	reqs, err := h.Leave.List(r.Context(), actorFrom(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]LeaveRequestDTO, len(reqs))
	for i, lr := range reqs {
		dtos[i] = toLeaveRequestDTO(lr)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLeave(w http.ResponseWriter, r *http.Request) {
	req, err := h.Leave.Get(r.Context(), actorFrom(r), leave.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(req))
}

// LeaveAudit returns the lifecycle events of a request the caller can see.
func (h *Handler) LeaveAudit(w http.ResponseWriter, r *http.Request) {
	id := leave.RequestID(chi.URLParam(r, "id"))
	if _, err := h.Leave.Get(r.Context(), actorFrom(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	entries, err := h.Backend.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, storageErr("read audit", err))
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:      e.ID,
			At:      e.At.UTC().Format(time.RFC3339Nano),
			ActorID: string(e.ActorID),
			Action:  string(e.Action),
			Payload: e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ApproveLeave(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Leave.Approve)
}

func (h *Handler) RejectLeave(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Leave.Reject)
}

// AmendLeave rewrites a pending request and moves its reservation.
func (h *Handler) AmendLeave(w http.ResponseWriter, r *http.Request) {
	var req AmendLeaveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Leave.Amend(r.Context(), actorFrom(r), leave.RequestID(chi.URLParam(r, "id")), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AmendResponse{
		DaysRequested:  res.Request.Days,
		PreviousDays:   res.PreviousDays,
		DaysDifference: res.Delta,
		Request:        toLeaveRequestDTO(res.Request),
	})
}

func (h *Handler) AttachEvidence(w http.ResponseWriter, r *http.Request) {
	var req AttachEvidenceRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.Leave.AttachEvidence(r.Context(), actorFrom(r), leave.RequestID(chi.URLParam(r, "id")), req.Evidence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(out))
}

func (h *Handler) CancelLeave(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Leave.Cancel)
}

type transitionFunc func(ctx context.Context, actor leave.Actor, id leave.RequestID) (leave.LeaveRequest, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	req, err := fn(r.Context(), actorFrom(r), leave.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveRequestDTO(req))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// ListBalances returns every balance of an employee for ?year= (default:
// the current year).
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	year, ok := h.intParam(w, r, "year", h.now().Year())
	if !ok {
		return
	}

	bals, err := h.Leave.Balances(r.Context(), actorFrom(r), leave.UserID(chi.URLParam(r, "id")), year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]BalanceDTO, len(bals))
	for i, b := range bals {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	year, ok := h.intParam(w, r, "year", h.now().Year())
	if !ok {
		return
	}

	key := leave.BalanceKey{
		UserID:      leave.UserID(chi.URLParam(r, "id")),
		LeaveTypeID: leave.LeaveTypeID(chi.URLParam(r, "type")),
		Year:        year,
	}
	bal, err := h.Leave.BalanceFor(r.Context(), actorFrom(r), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Leave.LeaveTypes(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dtos := make([]LeaveTypeDTO, len(types))
	for i, lt := range types {
		dtos[i] = LeaveTypeDTO{ID: string(lt.ID), Name: lt.Name, Evidence: string(lt.Evidence)}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveLeaveType(w http.ResponseWriter, r *http.Request) {
	var req LeaveTypeRequest
	if !h.decode(w, r, &req) {
		return
	}
	evidence := leave.Evidence(req.Evidence)
	if evidence == "" {
		evidence = leave.EvidenceNone
	}

	lt := leave.LeaveType{ID: leave.LeaveTypeID(req.ID), Name: req.Name, Evidence: evidence}
	if err := h.Backend.SaveLeaveType(r.Context(), lt); err != nil {
		h.writeError(w, r, storageErr("save leave type", err))
		return
	}
	h.logger.Info("leave type saved", zap.String("leave_type_id", req.ID), zap.String("actor_id", string(actorFrom(r).ID)))
	writeJSON(w, http.StatusOK, LeaveTypeDTO{ID: req.ID, Name: req.Name, Evidence: string(evidence)})
}

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	emps, err := h.Backend.ListEmployees(r.Context())
	if err != nil {
		h.writeError(w, r, storageErr("list employees", err))
		return
	}
	dtos := make([]EmployeeDTO, len(emps))
	for i, e := range emps {
		dtos[i] = EmployeeDTO{ID: string(e.ID), Name: e.Name, DepartmentID: e.DepartmentID}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}

	emp := leave.Employee{ID: leave.UserID(req.ID), Name: req.Name, DepartmentID: req.DepartmentID}
	if err := h.Backend.SaveEmployee(r.Context(), emp); err != nil {
		h.writeError(w, r, storageErr("save employee", err))
		return
	}
	writeJSON(w, http.StatusOK, EmployeeDTO(req))
}

// AllocateBalance sets total_days of a balance, creating it if needed.
func (h *Handler) AllocateBalance(w http.ResponseWriter, r *http.Request) {
	var req AllocateBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}

	key := leave.BalanceKey{UserID: leave.UserID(req.UserID), LeaveTypeID: leave.LeaveTypeID(req.LeaveTypeID), Year: req.Year}
	if err := h.Backend.AllocateBalance(r.Context(), key, req.TotalDays); err != nil {
		h.writeError(w, r, storageErr("allocate balance", err))
		return
	}

	bal, err := h.Leave.Remaining(r.Context(), key.UserID, key.LeaveTypeID, key.Year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("balance allocated",
		zap.String("balance", key.String()),
		zap.String("total_days", req.TotalDays.String()),
		zap.String("actor_id", string(actorFrom(r).ID)),
	)
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs its validator tags. It writes
// the 400 itself and reports whether the caller should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "invalid_body", Details: err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Invalid request body", Code: "invalid_body", Details: err.Error()}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			resp.Field = verrs[0].Field()
			resp.Details = fmt.Sprintf("%s failed on %s", verrs[0].Field(), verrs[0].Tag())
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("Invalid %s", name),
			Code:  "invalid_query",
			Field: name,
		})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody(err, status))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, leave.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, leave.ErrForbidden):
		return http.StatusForbidden
	case leave.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, leave.ErrAlreadyDecided), errors.Is(err, leave.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, leave.ErrInsufficientBalance),
		errors.Is(err, leave.ErrNoBalanceRecord),
		errors.Is(err, leave.ErrAllocationBelowUsage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, leave.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error, status int) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Code: codeFor(err)}

	var verr *leave.ValidationError
	if errors.As(err, &verr) {
		resp.Error = verr.Message
		resp.Code = string(verr.Code)
		resp.Field = verr.Field
	}
	var ierr *leave.InsufficientBalanceError
	if errors.As(err, &ierr) {
		requested, remaining := ierr.Requested, ierr.Remaining
		resp.Requested = &requested
		resp.Remaining = &remaining
	}
	if status >= http.StatusInternalServerError {
		// Storage details stay in the log.
		resp.Error = http.StatusText(status)
	}
	return resp
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, leave.ErrValidation):
		return "validation_error"
	case errors.Is(err, leave.ErrForbidden):
		return "forbidden"
	case errors.Is(err, leave.ErrUnknownLeaveType):
		return "unknown_leave_type"
	case errors.Is(err, leave.ErrNotFound):
		return "not_found"
	case errors.Is(err, leave.ErrAlreadyDecided):
		return "already_decided"
	case errors.Is(err, leave.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, leave.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, leave.ErrNoBalanceRecord):
		return "no_balance_record"
	case errors.Is(err, leave.ErrAllocationBelowUsage):
		return "allocation_below_usage"
	case errors.Is(err, leave.ErrPersistence):
		return "storage_unavailable"
	default:
		return "internal_error"
	}
}

// storageErr keeps domain errors and reports everything else as a
// storage failure.
func storageErr(op string, err error) error {
	if leave.IsClientError(err) || leave.IsNotFound(err) || leave.IsPolicyViolation(err) || leave.IsRetryable(err) {
		return err
	}
	return &leave.PersistenceError{Op: op, Err: err}
}
