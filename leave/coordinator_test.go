package leave_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/garrison/leave-engine/leave"
	"github.com/garrison/leave-engine/leave/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	emp1     = leave.Actor{ID: "emp-1", Role: leave.RoleEmployee, DepartmentID: "eng"}
	emp2     = leave.Actor{ID: "emp-2", Role: leave.RoleEmployee, DepartmentID: "eng"}
	reviewer = leave.Actor{ID: "rev-1", Role: leave.RoleReviewer, DepartmentID: "eng"}
	opsLead  = leave.Actor{ID: "rev-9", Role: leave.RoleReviewer, DepartmentID: "ops"}
	hr       = leave.Actor{ID: "hr-1", Role: leave.RoleHR, DepartmentID: "hr"}
)

func steppingClock() func() time.Time {
	t0 := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	var n int64
	return func() time.Time {
		return t0.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Second)
	}
}

func seed(t *testing.T, mem *store.TxMemory) {
	t.Helper()
	ctx := context.Background()
	for _, lt := range leave.DefaultLeaveTypes() {
		require.NoError(t, mem.SaveLeaveType(ctx, lt))
	}
	for _, e := range []leave.Employee{
		{ID: "emp-1", Name: "Ada", DepartmentID: "eng"},
		{ID: "emp-2", Name: "Grace", DepartmentID: "eng"},
		{ID: "rev-1", Name: "Linus", DepartmentID: "eng"},
		{ID: "rev-9", Name: "Ken", DepartmentID: "ops"},
		{ID: "hr-1", Name: "Barbara", DepartmentID: "hr"},
	} {
		require.NoError(t, mem.SaveEmployee(ctx, e))
	}
	allocate(t, mem, "emp-1", "annual", 10)
	allocate(t, mem, "emp-1", "sick", 5)
	allocate(t, mem, "rev-1", "annual", 10)
}

func allocate(t *testing.T, mem leave.ReferenceStore, user leave.UserID, typ leave.LeaveTypeID, total int64) {
	t.Helper()
	key := leave.BalanceKey{UserID: user, LeaveTypeID: typ, Year: 2024}
	require.NoError(t, mem.AllocateBalance(context.Background(), key, decimal.NewFromInt(total)))
}

func newCoordinator(t *testing.T, s leave.TxStore, opts ...leave.Option) *leave.Coordinator {
	base := []leave.Option{leave.WithLogger(zaptest.NewLogger(t)), leave.WithClock(steppingClock())}
	return leave.NewCoordinator(s, append(base, opts...)...)
}

func newTestCoordinator(t *testing.T) (*leave.Coordinator, *store.TxMemory) {
	mem := store.NewTxMemory()
	seed(t, mem)
	return newCoordinator(t, mem), mem
}

func usedDays(t *testing.T, s leave.BalanceStore, user leave.UserID, typ leave.LeaveTypeID) decimal.Decimal {
	t.Helper()
	b, err := s.GetBalance(context.Background(), leave.BalanceKey{UserID: user, LeaveTypeID: typ, Year: 2024})
	require.NoError(t, err)
	return b.UsedDays
}

func annual(start, end string) leave.SubmitInput {
	return leave.SubmitInput{LeaveTypeID: "annual", StartDate: start, EndDate: end}
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_ReservesBusinessDays(t *testing.T) {
	// GIVEN: 10 annual days, none used
	// WHEN: Submitting Monday 3 June to Sunday 9 June
	// THEN: 5 days are reserved and a pending request exists

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-09"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.True(t, res.DaysRequested.Equal(decimal.NewFromInt(5)))
	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(decimal.NewFromInt(5)))

	req, err := mem.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, req.Status)
	assert.Equal(t, leave.UserID("emp-1"), req.CreatedBy)

	// Display duration counts the weekend, the charge does not.
	assert.Equal(t, 7, req.CalendarDays())
	assert.True(t, req.Days.Equal(decimal.NewFromInt(5)))

	entries := mem.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, leave.AuditRequestSubmitted, entries[0].Action)
	assert.Equal(t, "5", entries[0].Payload["days"])
}

func TestSubmit_HalfDay(t *testing.T) {
	coord, mem := newTestCoordinator(t)

	in := annual("2024-06-03", "2024-06-03")
	in.HalfDay = true
	res, err := coord.Submit(context.Background(), emp1, in)
	require.NoError(t, err)

	assert.Equal(t, "0.5", res.DaysRequested.String())
	assert.Equal(t, "0.5", usedDays(t, mem, "emp-1", "annual").String())
}

func TestSubmit_InsufficientBalance_NoWrites(t *testing.T) {
	// GIVEN: 10 annual days with 8 already used
	// WHEN: Requesting 3 more days
	// THEN: InsufficientBalance with requested 3 / remaining 2, nothing written

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-12")) // 8 business days
	require.NoError(t, err)
	auditBefore := len(mem.AuditEntries())

	_, err = coord.Submit(ctx, emp1, annual("2024-07-01", "2024-07-03"))

	var ie *leave.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
	assert.True(t, ie.Requested.Equal(decimal.NewFromInt(3)))
	assert.True(t, ie.Remaining.Equal(decimal.NewFromInt(2)))

	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(decimal.NewFromInt(8)))
	reqs, err := mem.ListRequests(ctx, leave.RequestFilter{UserID: "emp-1"})
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
	assert.Len(t, mem.AuditEntries(), auditBefore)
}

func TestSubmit_ExactRemainingSucceeds(t *testing.T) {
	coord, mem := newTestCoordinator(t)

	_, err := coord.Submit(context.Background(), emp1, annual("2024-06-03", "2024-06-14")) // 10 business days
	require.NoError(t, err)

	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(decimal.NewFromInt(10)))
}

func TestSubmit_NoBalanceRecord(t *testing.T) {
	// GIVEN: emp-1 has no personal leave allocation
	// WHEN: Requesting personal leave
	// THEN: NoBalanceRecord, not treated as zero balance

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	in := annual("2024-06-03", "2024-06-03")
	in.LeaveTypeID = "personal"
	_, err := coord.Submit(ctx, emp1, in)

	assert.ErrorIs(t, err, leave.ErrNoBalanceRecord)
	assert.NotErrorIs(t, err, leave.ErrInsufficientBalance)
	reqs, err := mem.ListRequests(ctx, leave.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestSubmit_ValidationErrorsPassThrough(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	_, err := coord.Submit(context.Background(), emp1, annual("2024-06-10", "2024-06-03"))

	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, leave.InvalidDateRange, ve.Code)
}

func TestSubmit_OnBehalf(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	in := annual("2024-06-03", "2024-06-03")
	in.UserID = "emp-1"

	_, err := coord.Submit(ctx, emp2, in)
	assert.ErrorIs(t, err, leave.ErrForbidden)

	res, err := coord.Submit(ctx, hr, in)
	require.NoError(t, err)
	assert.Equal(t, leave.UserID("hr-1"), res.Request.CreatedBy)
	assert.Equal(t, leave.UserID("emp-1"), res.Request.UserID)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(decimal.NewFromInt(1)))
}

func TestSubmit_ConcurrentExactlyOneWins(t *testing.T) {
	// GIVEN: A balance with exactly 5 days remaining
	// WHEN: 10 goroutines each request those 5 days at once
	// THEN: Exactly one succeeds, the rest get InsufficientBalance

	coord, mem := newTestCoordinator(t)
	allocate(t, mem, "emp-2", "annual", 5)

	var (
		g         errgroup.Group
		successes int64
		mu        sync.Mutex
		failures  []error
	)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := coord.Submit(context.Background(), emp2, annual("2024-06-03", "2024-06-07"))
			if err == nil {
				atomic.AddInt64(&successes, 1)
				return nil
			}
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), successes)
	require.Len(t, failures, 9)
	for _, err := range failures {
		assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
	}
	assert.True(t, usedDays(t, mem, "emp-2", "annual").Equal(decimal.NewFromInt(5)))
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestTransition_SelfApprovalForbidden(t *testing.T) {
	// GIVEN: A reviewer with their own pending request
	// WHEN: The reviewer approves it
	// THEN: Forbidden, status stays pending

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Submit(ctx, reviewer, annual("2024-06-03", "2024-06-04"))
	require.NoError(t, err)

	_, err = coord.Approve(ctx, reviewer, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrForbidden)

	req, err := mem.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, req.Status)
}

func TestTransition_ApproveKeepsReservation(t *testing.T) {
	// GIVEN: A pending 3-day request (used = 3)
	// WHEN: A same-department reviewer approves
	// THEN: used stays 3, no second deduction

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)

	out, err := coord.Approve(ctx, reviewer, res.RequestID)
	require.NoError(t, err)

	assert.Equal(t, leave.StatusApproved, out.Status)
	assert.Equal(t, leave.UserID("rev-1"), out.DecidedBy)
	require.NotNil(t, out.DecidedAt)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(decimal.NewFromInt(3)))

	stored, err := mem.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, stored.Status)
}

func TestTransition_RejectReleasesThenAlreadyDecided(t *testing.T) {
	// GIVEN: A pending 2-day request
	// WHEN: HR rejects it, then tries to approve it
	// THEN: used returns to its prior value, and the approval is AlreadyDecided

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	before := usedDays(t, mem, "emp-1", "annual")

	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-04"))
	require.NoError(t, err)

	_, err = coord.Reject(ctx, hr, res.RequestID)
	require.NoError(t, err)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(before))

	_, err = coord.Approve(ctx, hr, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrAlreadyDecided)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").Equal(before))

	actions := []leave.AuditAction{}
	for _, e := range mem.AuditEntries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []leave.AuditAction{leave.AuditRequestSubmitted, leave.AuditRequestRejected}, actions)
}

func TestTransition_DepartmentScope(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-03"))
	require.NoError(t, err)

	_, err = coord.Approve(ctx, opsLead, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrForbidden)

	_, err = coord.Approve(ctx, emp2, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrForbidden)
}

func TestTransition_InvalidTargetAndUnknownRequest(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Transition(ctx, hr, "missing", leave.StatusCancelled)
	assert.ErrorIs(t, err, leave.ErrInvalidTransition)

	_, err = coord.Transition(ctx, hr, "missing", leave.StatusApproved)
	assert.ErrorIs(t, err, leave.ErrNotFound)
}

func TestCancel(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-07"))
	require.NoError(t, err)

	_, err = coord.Cancel(ctx, emp2, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrForbidden)

	out, err := coord.Cancel(ctx, emp1, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, out.Status)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").IsZero())

	_, err = coord.Cancel(ctx, emp1, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrAlreadyDecided)
}

// =============================================================================
// AMEND
// =============================================================================

func TestAmend_LongerRangeChargesDifference(t *testing.T) {
	// GIVEN: A pending 3-day annual request
	// WHEN: The owner stretches it to the whole week
	// THEN: 5 days are charged in total and the delta is 2

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)

	out, err := coord.Amend(ctx, emp1, res.RequestID, annual("2024-06-03", "2024-06-07"))
	require.NoError(t, err)

	assert.Equal(t, "3", out.PreviousDays.String())
	assert.Equal(t, "2", out.Delta.String())
	assert.Equal(t, "5", out.Request.Days.String())
	assert.Equal(t, leave.StatusPending, out.Request.Status)
	assert.Equal(t, "5", usedDays(t, mem, "emp-1", "annual").String())

	stored, err := mem.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-07", stored.Period.End.String())

	trail, err := mem.AuditTrail(ctx, res.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, leave.AuditRequestAmended, trail[1].Action)
	assert.Equal(t, "3", trail[1].Payload["previous_days"])
}

func TestAmend_ShorterRangeGivesDaysBack(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-07"))
	require.NoError(t, err)

	in := annual("2024-06-03", "2024-06-03")
	in.HalfDay = true
	out, err := coord.Amend(ctx, emp1, res.RequestID, in)
	require.NoError(t, err)

	assert.Equal(t, "-4.5", out.Delta.String())
	assert.Equal(t, "0.5", usedDays(t, mem, "emp-1", "annual").String())
}

func TestAmend_NewLeaveTypeMovesReservation(t *testing.T) {
	// GIVEN: A pending 3-day annual request
	// WHEN: It is changed to 2 days of sick leave
	// THEN: Annual gets all 3 days back and sick is charged 2

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)

	out, err := coord.Amend(ctx, emp1, res.RequestID, leave.SubmitInput{
		LeaveTypeID: "sick", StartDate: "2024-06-03", EndDate: "2024-06-04", Evidence: "note-17",
	})
	require.NoError(t, err)

	assert.Equal(t, leave.LeaveTypeID("sick"), out.Request.LeaveTypeID)
	assert.Equal(t, "note-17", out.Request.Evidence)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").IsZero())
	assert.Equal(t, "2", usedDays(t, mem, "emp-1", "sick").String())
}

func TestAmend_OverdrawRefusedLeavesRequestAlone(t *testing.T) {
	// GIVEN: 10 annual days with a pending 3-day request
	// WHEN: Amending to 12 business days
	// THEN: InsufficientBalance counted against the released balance; nothing changes

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)

	_, err = coord.Amend(ctx, emp1, res.RequestID, annual("2024-06-03", "2024-06-18"))

	var ie *leave.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "12", ie.Requested.String())
	assert.Equal(t, "10", ie.Remaining.String())

	assert.Equal(t, "3", usedDays(t, mem, "emp-1", "annual").String())
	stored, err := mem.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "3", stored.Days.String())
	trail, err := mem.AuditTrail(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestAmend_Rules(t *testing.T) {
	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)

	t.Run("other employee", func(t *testing.T) {
		_, err := coord.Amend(ctx, emp2, res.RequestID, annual("2024-06-03", "2024-06-04"))
		assert.ErrorIs(t, err, leave.ErrForbidden)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := coord.Amend(ctx, emp1, res.RequestID, annual("2024-06-05", "2024-06-03"))
		var ve *leave.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, leave.InvalidDateRange, ve.Code)
		assert.Equal(t, "3", usedDays(t, mem, "emp-1", "annual").String())
	})

	t.Run("hr on behalf keeps the owner", func(t *testing.T) {
		in := annual("2024-06-03", "2024-06-04")
		in.UserID = "emp-2"
		out, err := coord.Amend(ctx, hr, res.RequestID, in)
		require.NoError(t, err)
		assert.Equal(t, leave.UserID("emp-1"), out.Request.UserID)
		assert.Equal(t, "2", usedDays(t, mem, "emp-1", "annual").String())
	})

	t.Run("decided request", func(t *testing.T) {
		_, err := coord.Approve(ctx, reviewer, res.RequestID)
		require.NoError(t, err)
		_, err = coord.Amend(ctx, emp1, res.RequestID, annual("2024-06-03", "2024-06-03"))
		assert.ErrorIs(t, err, leave.ErrAlreadyDecided)
		assert.Equal(t, "2", usedDays(t, mem, "emp-1", "annual").String())
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := coord.Amend(ctx, emp1, "nope", annual("2024-06-03", "2024-06-03"))
		assert.ErrorIs(t, err, leave.ErrNotFound)
	})
}

func TestAttachEvidence(t *testing.T) {
	// GIVEN: A sick request filed before the certificate was available
	// WHEN: The owner attaches the certificate reference
	// THEN: The request carries it and the charge is unchanged

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	sick, err := coord.Submit(ctx, emp1, leave.SubmitInput{LeaveTypeID: "sick", StartDate: "2024-06-03", EndDate: "2024-06-04"})
	require.NoError(t, err)

	out, err := coord.AttachEvidence(ctx, emp1, sick.RequestID, " cert-2024-001 ")
	require.NoError(t, err)
	assert.Equal(t, "cert-2024-001", out.Evidence)
	assert.Equal(t, "2", usedDays(t, mem, "emp-1", "sick").String())

	trail, err := mem.AuditTrail(ctx, sick.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, leave.AuditEvidenceAttached, trail[1].Action)

	_, err = coord.AttachEvidence(ctx, emp2, sick.RequestID, "cert")
	assert.ErrorIs(t, err, leave.ErrForbidden)

	_, err = coord.AttachEvidence(ctx, emp1, sick.RequestID, "  ")
	var ve *leave.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, leave.MissingField, ve.Code)

	ann, err := coord.Submit(ctx, emp1, annual("2024-06-10", "2024-06-10"))
	require.NoError(t, err)
	_, err = coord.AttachEvidence(ctx, emp1, ann.RequestID, "cert")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, leave.EvidenceNotAccepted, ve.Code)
}

// =============================================================================
// READS
// =============================================================================

func TestRemaining(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)

	bal, err := coord.Remaining(ctx, "emp-1", "annual", 2024)
	require.NoError(t, err)
	assert.Equal(t, "7", bal.Remaining().String())

	_, err = coord.Remaining(ctx, "emp-1", "annual", 2023)
	assert.ErrorIs(t, err, leave.ErrNoBalanceRecord)
}

func TestListAndGet_Visibility(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-03"))
	require.NoError(t, err)
	_, err = coord.Submit(ctx, emp1, annual("2024-06-10", "2024-06-10"))
	require.NoError(t, err)

	_, err = coord.Get(ctx, emp2, res.RequestID)
	assert.ErrorIs(t, err, leave.ErrForbidden)

	got, err := coord.Get(ctx, reviewer, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, res.RequestID, got.ID)

	mine, err := coord.List(ctx, emp1, leave.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "2024-06-10", mine[0].Period.Start.String(), "newest first")

	queue, err := coord.List(ctx, opsLead, leave.RequestFilter{Status: leave.StatusPending})
	require.NoError(t, err)
	assert.Empty(t, queue)

	queue, err = coord.List(ctx, reviewer, leave.RequestFilter{Status: leave.StatusPending})
	require.NoError(t, err)
	assert.Len(t, queue, 2)

	_, err = coord.Balances(ctx, emp2, "emp-1", 2024)
	assert.ErrorIs(t, err, leave.ErrForbidden)

	balances, err := coord.Balances(ctx, emp1, "emp-1", 2024)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, leave.LeaveTypeID("annual"), balances[0].Key.LeaveTypeID)
}

// =============================================================================
// PERSISTENCE FAILURES
// =============================================================================

// faultyStore injects failures inside transactions.
type faultyStore struct {
	*store.TxMemory
	reserveErr error
	auditErr   error
	block      bool
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(tx leave.Store) error {
		return fn(faultyTx{Store: tx, f: f})
	})
}

type faultyTx struct {
	leave.Store
	f *faultyStore
}

func (t faultyTx) GetBalance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	if t.f.block {
		<-ctx.Done()
		return leave.Balance{}, ctx.Err()
	}
	return t.Store.GetBalance(ctx, key)
}

func (t faultyTx) Reserve(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	if t.f.reserveErr != nil {
		return t.f.reserveErr
	}
	return t.Store.Reserve(ctx, key, days)
}

func (t faultyTx) AppendAudit(ctx context.Context, e leave.AuditEntry) error {
	if t.f.auditErr != nil {
		return t.f.auditErr
	}
	return t.Store.AppendAudit(ctx, e)
}

func TestSubmit_StorageFailureRollsBack(t *testing.T) {
	// GIVEN: A store whose audit append fails after the reserve succeeded
	// WHEN: Submitting
	// THEN: PersistenceError, and neither the request nor the reservation survive

	mem := store.NewTxMemory()
	seed(t, mem)
	fs := &faultyStore{TxMemory: mem, auditErr: errors.New("connection reset")}
	coord := newCoordinator(t, fs)
	ctx := context.Background()

	_, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))

	var pe *leave.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, leave.IsRetryable(err))
	assert.Equal(t, "append audit", pe.Op)

	assert.True(t, usedDays(t, mem, "emp-1", "annual").IsZero())
	reqs, err := mem.ListRequests(ctx, leave.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestSubmit_GuardRefusalAfterEarlyCheck(t *testing.T) {
	// GIVEN: A store whose conditional reserve refuses (a racing submit won)
	// WHEN: Submitting
	// THEN: InsufficientBalance with the current remaining, nothing written

	mem := store.NewTxMemory()
	seed(t, mem)
	fs := &faultyStore{TxMemory: mem, reserveErr: leave.ErrInsufficientBalance}
	coord := newCoordinator(t, fs)

	_, err := coord.Submit(context.Background(), emp1, annual("2024-06-03", "2024-06-05"))

	var ie *leave.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "10", ie.Remaining.String())
	assert.True(t, usedDays(t, mem, "emp-1", "annual").IsZero())
}

func TestSubmit_TimeoutIsPersistenceError(t *testing.T) {
	mem := store.NewTxMemory()
	seed(t, mem)
	fs := &faultyStore{TxMemory: mem, block: true}
	coord := newCoordinator(t, fs, leave.WithTimeout(20*time.Millisecond))

	_, err := coord.Submit(context.Background(), emp1, annual("2024-06-03", "2024-06-05"))

	assert.ErrorIs(t, err, leave.ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, usedDays(t, mem, "emp-1", "annual").IsZero())
}

func TestTransition_LockWaitIsBounded(t *testing.T) {
	// GIVEN: Another transaction holding the store for far longer than the timeout
	// WHEN: Approving with a 50ms storage timeout
	// THEN: The call gives up at the deadline with PersistenceError

	coord, mem := newTestCoordinator(t)
	ctx := context.Background()
	res, err := coord.Submit(ctx, emp1, annual("2024-06-03", "2024-06-05"))
	require.NoError(t, err)
	bounded := newCoordinator(t, mem, leave.WithTimeout(50*time.Millisecond))

	held := make(chan struct{})
	release := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		return mem.WithTx(ctx, func(leave.Store) error {
			close(held)
			<-release
			return nil
		})
	})
	<-held

	start := time.Now()
	_, err = bounded.Approve(ctx, reviewer, res.RequestID)
	elapsed := time.Since(start)
	close(release)
	require.NoError(t, g.Wait())

	assert.ErrorIs(t, err, leave.ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second)

	got, err := mem.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, got.Status)
}
