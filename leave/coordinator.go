/*
coordinator.go - Transactional submit, review and cancel

PURPOSE:
  The only place that writes leave state. Each operation is one unit of
  work against a TxStore: either every write lands or none does.

SUBMIT:
  validate ─▶ [tx: read balance ─▶ compare ─▶ insert pending ─▶
               conditional reserve ─▶ audit] ─▶ commit

  The balance read gives a friendly InsufficientBalanceError early; the
  conditional reserve is what actually guarantees used_days never
  exceeds total_days when submissions race.

TRANSITION / CANCEL:
  [tx: load request ─▶ decide edge ─▶ status-guarded update ─▶
       release (reject/cancel only) ─▶ audit] ─▶ commit

  Approval never touches the balance: the days were charged at submit.

AMEND:
  [tx: load request ─▶ owner/HR + pending ─▶ validate new input ─▶
       release old charge ─▶ conditional reserve of new charge ─▶
       pending-guarded rewrite ─▶ audit] ─▶ commit

  Same leave type: only the difference has to fit. New leave type: the
  whole new charge comes from the new balance and the old one gets its
  days back. A refused reserve rolls the release back with it.

TIMEOUTS:
  Every operation runs under the configured storage timeout. A timeout
  surfaces as PersistenceError and the transaction is rolled back.

SEE ALSO:
  - validator.go, lifecycle.go, policy.go
  - store.go: TxStore contract
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultStorageTimeout bounds each operation when none is configured.
const DefaultStorageTimeout = 5 * time.Second

type Coordinator struct {
	store     TxStore
	validator *Validator
	machine   *StateMachine
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time
	newID     func() string
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.Named("leave.coordinator")
		}
	}
}

// WithTimeout bounds every storage operation. Zero or negative disables
// the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.machine = NewStateMachine(p) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

func NewCoordinator(store TxStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		validator: NewValidator(store),
		machine:   NewStateMachine(DepartmentPolicy),
		logger:    zap.L().Named("leave.coordinator"),
		timeout:   DefaultStorageTimeout,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitResult struct {
	RequestID     RequestID
	DaysRequested decimal.Decimal
	Request       LeaveRequest
}

// Submit validates in and, in one transaction, creates a pending request
// and reserves its days. An empty in.UserID means the actor submits for
// themself; submitting for someone else needs HR or admin.
func (c *Coordinator) Submit(ctx context.Context, actor Actor, in SubmitInput) (SubmitResult, error) {
	if in.UserID == "" {
		in.UserID = actor.ID
	}
	log := c.logger.With(
		zap.String("actor_id", string(actor.ID)),
		zap.String("user_id", string(in.UserID)),
		zap.String("leave_type_id", string(in.LeaveTypeID)),
	)
	log.Debug("submit leave requested",
		zap.String("start_date", in.StartDate),
		zap.String("end_date", in.EndDate),
		zap.Bool("half_day", in.HalfDay),
	)

	if !CanActFor(actor, in.UserID) {
		log.Warn("submit leave forbidden")
		return SubmitResult{}, fmt.Errorf("%w: only HR can submit on behalf of another employee", ErrForbidden)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	vr, err := c.validator.Validate(ctx, in)
	if err != nil {
		c.logFailure(log, "submit leave validation failed", err)
		return SubmitResult{}, c.classify("validate submission", err)
	}

	now := c.now().UTC()
	req := LeaveRequest{
		ID:          RequestID(c.newID()),
		UserID:      vr.UserID,
		LeaveTypeID: vr.LeaveType.ID,
		Period:      vr.Period,
		Days:        vr.Days,
		HalfDay:     vr.HalfDay,
		Reason:      vr.Reason,
		Evidence:    vr.Evidence,
		Status:      StatusPending,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	key := vr.BalanceKey()

	err = c.store.WithTx(ctx, func(tx Store) error {
		bal, err := tx.GetBalance(ctx, key)
		if err != nil {
			return wrapStore("read balance", err)
		}
		if !bal.CanReserve(req.Days) {
			return &InsufficientBalanceError{Key: key, Requested: req.Days, Remaining: bal.Remaining()}
		}
		if err := tx.InsertRequest(ctx, req); err != nil {
			return wrapStore("insert request", err)
		}
		if err := tx.Reserve(ctx, key, req.Days); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				return c.shortfall(ctx, tx, key, req.Days, err)
			}
			return wrapStore("reserve balance", err)
		}
		return wrapStore("append audit", tx.AppendAudit(ctx, c.audit(actor, req, AuditRequestSubmitted, now, map[string]string{
			"days":       req.Days.String(),
			"start_date": req.Period.Start.String(),
			"end_date":   req.Period.End.String(),
		})))
	})
	if err != nil {
		c.logFailure(log, "submit leave failed", err)
		return SubmitResult{}, c.classify("submit request", err)
	}

	log.Info("submit leave success",
		zap.String("request_id", string(req.ID)),
		zap.String("days", req.Days.String()),
	)
	return SubmitResult{RequestID: req.ID, DaysRequested: req.Days, Request: req}, nil
}

// shortfall builds the error for a reservation refused by the store guard
// after the early check passed (a concurrent submission won the race).
func (c *Coordinator) shortfall(ctx context.Context, tx Store, key BalanceKey, days decimal.Decimal, cause error) error {
	var ie *InsufficientBalanceError
	if errors.As(cause, &ie) {
		return cause
	}
	out := &InsufficientBalanceError{Key: key, Requested: days}
	if bal, err := tx.GetBalance(ctx, key); err == nil {
		out.Remaining = bal.Remaining()
	}
	return out
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition applies a review decision (approved or rejected) to a pending
// request.
func (c *Coordinator) Transition(ctx context.Context, actor Actor, id RequestID, target Status) (LeaveRequest, error) {
	log := c.logger.With(
		zap.String("actor_id", string(actor.ID)),
		zap.String("request_id", string(id)),
		zap.String("target_status", string(target)),
	)
	log.Debug("transition leave requested")

	if !target.IsReviewOutcome() {
		log.Warn("transition leave invalid target")
		return LeaveRequest{}, fmt.Errorf("%w: target must be approved or rejected", ErrInvalidTransition)
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	var out LeaveRequest
	err := c.store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return wrapStore("load request", err)
		}
		dept, err := tx.DepartmentOf(ctx, req.UserID)
		if err != nil {
			return wrapStore("load department", err)
		}
		edge, err := c.machine.Decide(actor, Owner{ID: req.UserID, DepartmentID: dept}, req, target)
		if err != nil {
			return err
		}
		out, err = c.apply(ctx, tx, actor, req, edge)
		return err
	})
	if err != nil {
		c.logFailure(log, "transition leave failed", err)
		return LeaveRequest{}, c.classify("transition request", err)
	}

	log.Info("transition leave success", zap.String("status", string(out.Status)))
	return out, nil
}

func (c *Coordinator) Approve(ctx context.Context, actor Actor, id RequestID) (LeaveRequest, error) {
	return c.Transition(ctx, actor, id, StatusApproved)
}

func (c *Coordinator) Reject(ctx context.Context, actor Actor, id RequestID) (LeaveRequest, error) {
	return c.Transition(ctx, actor, id, StatusRejected)
}

// Cancel withdraws a pending request and releases its days. Allowed to
// the owner and to HR.
func (c *Coordinator) Cancel(ctx context.Context, actor Actor, id RequestID) (LeaveRequest, error) {
	log := c.logger.With(
		zap.String("actor_id", string(actor.ID)),
		zap.String("request_id", string(id)),
	)
	log.Debug("cancel leave requested")

	ctx, cancel := c.bound(ctx)
	defer cancel()

	var out LeaveRequest
	err := c.store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return wrapStore("load request", err)
		}
		edge, err := c.machine.Withdraw(actor, req)
		if err != nil {
			return err
		}
		out, err = c.apply(ctx, tx, actor, req, edge)
		return err
	})
	if err != nil {
		c.logFailure(log, "cancel leave failed", err)
		return LeaveRequest{}, c.classify("cancel request", err)
	}

	log.Info("cancel leave success")
	return out, nil
}

// =============================================================================
// AMEND
// =============================================================================

type AmendResult struct {
	Request      LeaveRequest
	PreviousDays decimal.Decimal
	// Delta is the change in days charged: positive when the edit costs more.
	Delta decimal.Decimal
}

// Amend replaces the leave type, dates, half-day flag, reason and evidence
// of a pending request and moves its reservation accordingly. The owner
// cannot be changed.
func (c *Coordinator) Amend(ctx context.Context, actor Actor, id RequestID, in SubmitInput) (AmendResult, error) {
	log := c.logger.With(
		zap.String("actor_id", string(actor.ID)),
		zap.String("request_id", string(id)),
		zap.String("leave_type_id", string(in.LeaveTypeID)),
	)
	log.Debug("amend leave requested",
		zap.String("start_date", in.StartDate),
		zap.String("end_date", in.EndDate),
	)

	ctx, cancel := c.bound(ctx)
	defer cancel()

	var out AmendResult
	err := c.store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return wrapStore("load request", err)
		}
		if err := c.machine.Amendable(actor, req); err != nil {
			return err
		}

		in.UserID = req.UserID
		vr, err := NewValidator(tx).Validate(ctx, in)
		if err != nil {
			return err
		}

		if err := tx.Release(ctx, req.BalanceKey(), req.Days); err != nil {
			return wrapStore("release balance", err)
		}
		key := vr.BalanceKey()
		bal, err := tx.GetBalance(ctx, key)
		if err != nil {
			return wrapStore("read balance", err)
		}
		if !bal.CanReserve(vr.Days) {
			return &InsufficientBalanceError{Key: key, Requested: vr.Days, Remaining: bal.Remaining()}
		}
		if err := tx.Reserve(ctx, key, vr.Days); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				return c.shortfall(ctx, tx, key, vr.Days, err)
			}
			return wrapStore("reserve balance", err)
		}

		now := c.now().UTC()
		amended := req
		amended.LeaveTypeID = vr.LeaveType.ID
		amended.Period = vr.Period
		amended.Days = vr.Days
		amended.HalfDay = vr.HalfDay
		amended.Reason = vr.Reason
		amended.Evidence = vr.Evidence
		amended.UpdatedAt = now
		if err := tx.AmendRequest(ctx, amended); err != nil {
			return wrapStore("amend request", err)
		}

		out = AmendResult{Request: amended, PreviousDays: req.Days, Delta: vr.Days.Sub(req.Days)}
		return wrapStore("append audit", tx.AppendAudit(ctx, c.audit(actor, amended, AuditRequestAmended, now, map[string]string{
			"previous_leave_type_id": string(req.LeaveTypeID),
			"previous_days":          req.Days.String(),
			"days":                   amended.Days.String(),
			"start_date":             amended.Period.Start.String(),
			"end_date":               amended.Period.End.String(),
		})))
	})
	if err != nil {
		c.logFailure(log, "amend leave failed", err)
		return AmendResult{}, c.classify("amend request", err)
	}

	log.Info("amend leave success",
		zap.String("days", out.Request.Days.String()),
		zap.String("delta", out.Delta.String()),
	)
	return out, nil
}

// AttachEvidence completes a pending request with its supporting evidence,
// such as a sick note filed after the request. The charge is unchanged.
func (c *Coordinator) AttachEvidence(ctx context.Context, actor Actor, id RequestID, evidence string) (LeaveRequest, error) {
	log := c.logger.With(
		zap.String("actor_id", string(actor.ID)),
		zap.String("request_id", string(id)),
	)
	log.Debug("attach evidence requested")

	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return LeaveRequest{}, invalid(MissingField, "evidence", "evidence is required")
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	var out LeaveRequest
	err := c.store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return wrapStore("load request", err)
		}
		if err := c.machine.Amendable(actor, req); err != nil {
			return err
		}
		lt, err := tx.LeaveType(ctx, req.LeaveTypeID)
		if err != nil {
			return wrapStore("load leave type", err)
		}
		if !lt.AcceptsEvidence() {
			return invalid(EvidenceNotAccepted, "evidence", lt.Name+" leave does not take evidence")
		}

		now := c.now().UTC()
		req.Evidence = evidence
		req.UpdatedAt = now
		if err := tx.AmendRequest(ctx, req); err != nil {
			return wrapStore("amend request", err)
		}
		out = req
		return wrapStore("append audit", tx.AppendAudit(ctx, c.audit(actor, req, AuditEvidenceAttached, now, nil)))
	})
	if err != nil {
		c.logFailure(log, "attach evidence failed", err)
		return LeaveRequest{}, c.classify("attach evidence", err)
	}

	log.Info("attach evidence success")
	return out, nil
}

func (c *Coordinator) apply(ctx context.Context, tx Store, actor Actor, req LeaveRequest, edge Edge) (LeaveRequest, error) {
	now := c.now().UTC()
	upd := StatusUpdate{Status: edge.To, DecidedBy: actor.ID, At: now}
	if err := tx.UpdateStatus(ctx, req.ID, edge.From, upd); err != nil {
		return LeaveRequest{}, wrapStore("update status", err)
	}
	if edge.Effect == ReleaseReservation {
		if err := tx.Release(ctx, req.BalanceKey(), req.Days); err != nil {
			return LeaveRequest{}, wrapStore("release balance", err)
		}
	}
	entry := c.audit(actor, req, edge.Action, now, map[string]string{
		"from": string(edge.From),
		"to":   string(edge.To),
		"days": req.Days.String(),
	})
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return LeaveRequest{}, wrapStore("append audit", err)
	}

	req.Status = edge.To
	req.DecidedBy = actor.ID
	req.DecidedAt = &now
	req.UpdatedAt = now
	return req, nil
}

// =============================================================================
// READS
// =============================================================================

// Remaining returns the balance row for (user, leave type, year).
func (c *Coordinator) Remaining(ctx context.Context, userID UserID, typeID LeaveTypeID, year int) (Balance, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	bal, err := c.store.GetBalance(ctx, BalanceKey{UserID: userID, LeaveTypeID: typeID, Year: year})
	if err != nil {
		return Balance{}, c.classify("read balance", err)
	}
	return bal, nil
}

// Balances lists every balance of userID for year, if actor may see them.
func (c *Coordinator) Balances(ctx context.Context, actor Actor, userID UserID, year int) ([]Balance, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.authorizeView(ctx, actor, userID); err != nil {
		return nil, err
	}
	out, err := c.store.ListBalances(ctx, userID, year)
	if err != nil {
		return nil, c.classify("list balances", err)
	}
	return out, nil
}

// BalanceFor is Remaining for callers that must be allowed to see userID.
func (c *Coordinator) BalanceFor(ctx context.Context, actor Actor, key BalanceKey) (Balance, error) {
	authCtx, cancel := c.bound(ctx)
	err := c.authorizeView(authCtx, actor, key.UserID)
	cancel()
	if err != nil {
		return Balance{}, err
	}
	return c.Remaining(ctx, key.UserID, key.LeaveTypeID, key.Year)
}

// Get returns one request, if actor may see it.
func (c *Coordinator) Get(ctx context.Context, actor Actor, id RequestID) (LeaveRequest, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	req, err := c.store.GetRequest(ctx, id)
	if err != nil {
		return LeaveRequest{}, c.classify("load request", err)
	}
	if err := c.authorizeView(ctx, actor, req.UserID); err != nil {
		return LeaveRequest{}, err
	}
	return req, nil
}

// List returns requests visible to actor. Without a user filter, reviewers
// only see their own department and employees only see themselves.
func (c *Coordinator) List(ctx context.Context, actor Actor, filter RequestFilter) ([]LeaveRequest, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	switch {
	case filter.UserID != "":
		if err := c.authorizeView(ctx, actor, filter.UserID); err != nil {
			return nil, err
		}
	case actor.IsPrivileged():
	case actor.Role == RoleReviewer && actor.DepartmentID != "":
		filter.DepartmentID = actor.DepartmentID
	default:
		filter.UserID = actor.ID
	}

	out, err := c.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, c.classify("list requests", err)
	}
	return out, nil
}

// LeaveTypes lists the reference leave types.
func (c *Coordinator) LeaveTypes(ctx context.Context) ([]LeaveType, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	out, err := c.store.LeaveTypes(ctx)
	if err != nil {
		return nil, c.classify("list leave types", err)
	}
	return out, nil
}

func (c *Coordinator) authorizeView(ctx context.Context, actor Actor, userID UserID) error {
	if actor.ID == userID || actor.IsPrivileged() {
		return nil
	}
	dept, err := c.store.DepartmentOf(ctx, userID)
	if err != nil {
		return c.classify("load department", err)
	}
	if !CanView(actor, Owner{ID: userID, DepartmentID: dept}) {
		return fmt.Errorf("%w: not allowed to view this employee's leave", ErrForbidden)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Coordinator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify makes sure anything that is not a domain error leaves the
// coordinator as a PersistenceError.
func (c *Coordinator) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		var pe *PersistenceError
		if !errors.As(err, &pe) {
			return &PersistenceError{Op: op, Err: err}
		}
		return err
	}
	return wrapStore(op, err)
}

func (c *Coordinator) logFailure(log *zap.Logger, msg string, err error) {
	if IsRetryable(err) || !isDomainError(err) {
		log.Error(msg, zap.Error(err))
		return
	}
	log.Warn(msg, zap.Error(err))
}

func (c *Coordinator) audit(actor Actor, req LeaveRequest, action AuditAction, at time.Time, payload map[string]string) AuditEntry {
	return AuditEntry{
		ID:        c.newID(),
		At:        at,
		ActorID:   actor.ID,
		Action:    action,
		RequestID: req.ID,
		UserID:    req.UserID,
		Payload:   payload,
	}
}
