// Package store provides in-memory leave.TxStore implementations.
package store

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/garrison/leave-engine/leave"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	// sem is a mutex whose waiters give up when their context ends.
	sem       *semaphore.Weighted
	types     map[leave.LeaveTypeID]leave.LeaveType
	employees map[leave.UserID]leave.Employee
	balances  map[leave.BalanceKey]leave.Balance
	requests  map[leave.RequestID]leave.LeaveRequest
	audit     []leave.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		sem:       semaphore.NewWeighted(1),
		types:     make(map[leave.LeaveTypeID]leave.LeaveType),
		employees: make(map[leave.UserID]leave.Employee),
		balances:  make(map[leave.BalanceKey]leave.Balance),
		requests:  make(map[leave.RequestID]leave.LeaveRequest),
	}
}

// data holds the unlocked operations shared by Memory and its tx view.
type data struct{ m *Memory }

func (m *Memory) lock(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

func (m *Memory) unlock() {
	m.sem.Release(1)
}

func (m *Memory) locked(ctx context.Context, fn func(d data) error) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	return fn(data{m: m})
}

// Catalog

func (m *Memory) LeaveType(ctx context.Context, id leave.LeaveTypeID) (lt leave.LeaveType, err error) {
	err = m.locked(ctx, func(d data) (e error) { lt, e = d.LeaveType(ctx, id); return })
	return
}

func (m *Memory) LeaveTypes(ctx context.Context) (out []leave.LeaveType, err error) {
	err = m.locked(ctx, func(d data) (e error) { out, e = d.LeaveTypes(ctx); return })
	return
}

// Balances

func (m *Memory) GetBalance(ctx context.Context, key leave.BalanceKey) (b leave.Balance, err error) {
	err = m.locked(ctx, func(d data) (e error) { b, e = d.GetBalance(ctx, key); return })
	return
}

func (m *Memory) Reserve(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	return m.locked(ctx, func(d data) error { return d.Reserve(ctx, key, days) })
}

func (m *Memory) Release(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	return m.locked(ctx, func(d data) error { return d.Release(ctx, key, days) })
}

func (m *Memory) ListBalances(ctx context.Context, userID leave.UserID, year int) (out []leave.Balance, err error) {
	err = m.locked(ctx, func(d data) (e error) { out, e = d.ListBalances(ctx, userID, year); return })
	return
}

// Requests

func (m *Memory) InsertRequest(ctx context.Context, req leave.LeaveRequest) error {
	return m.locked(ctx, func(d data) error { return d.InsertRequest(ctx, req) })
}

func (m *Memory) GetRequest(ctx context.Context, id leave.RequestID) (r leave.LeaveRequest, err error) {
	err = m.locked(ctx, func(d data) (e error) { r, e = d.GetRequest(ctx, id); return })
	return
}

func (m *Memory) UpdateStatus(ctx context.Context, id leave.RequestID, from leave.Status, upd leave.StatusUpdate) error {
	return m.locked(ctx, func(d data) error { return d.UpdateStatus(ctx, id, from, upd) })
}

func (m *Memory) AmendRequest(ctx context.Context, req leave.LeaveRequest) error {
	return m.locked(ctx, func(d data) error { return d.AmendRequest(ctx, req) })
}

func (m *Memory) ListRequests(ctx context.Context, f leave.RequestFilter) (out []leave.LeaveRequest, err error) {
	err = m.locked(ctx, func(d data) (e error) { out, e = d.ListRequests(ctx, f); return })
	return
}

// Directory and audit

func (m *Memory) DepartmentOf(ctx context.Context, userID leave.UserID) (dept string, err error) {
	err = m.locked(ctx, func(d data) (e error) { dept, e = d.DepartmentOf(ctx, userID); return })
	return
}

func (m *Memory) AppendAudit(ctx context.Context, entry leave.AuditEntry) error {
	return m.locked(ctx, func(d data) error { return d.AppendAudit(ctx, entry) })
}

// AuditEntries returns a copy of the audit log in append order.
func (m *Memory) AuditEntries() []leave.AuditEntry {
	_ = m.lock(context.Background())
	defer m.unlock()
	out := make([]leave.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// AuditTrail returns the entries recorded for one request.
func (m *Memory) AuditTrail(ctx context.Context, id leave.RequestID) ([]leave.AuditEntry, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	var out []leave.AuditEntry
	for _, e := range m.audit {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// Reference data

func (m *Memory) SaveLeaveType(ctx context.Context, lt leave.LeaveType) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	m.types[lt.ID] = lt
	return nil
}

func (m *Memory) SaveEmployee(ctx context.Context, emp leave.Employee) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	m.employees[emp.ID] = emp
	return nil
}

func (m *Memory) ListEmployees(ctx context.Context) ([]leave.Employee, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	out := make([]leave.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AllocateBalance(ctx context.Context, key leave.BalanceKey, total decimal.Decimal) error {
	if err := leave.ValidateAllocation(total); err != nil {
		return err
	}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	if _, ok := m.types[key.LeaveTypeID]; !ok {
		return leave.ErrUnknownLeaveType
	}
	b, ok := m.balances[key]
	if !ok {
		b = leave.Balance{Key: key, UsedDays: decimal.Zero}
	}
	if b.UsedDays.GreaterThan(total) {
		return leave.ErrAllocationBelowUsage
	}
	b.TotalDays = total
	m.balances[key] = b
	return nil
}

// =============================================================================
// UNLOCKED OPERATIONS
// =============================================================================

func (d data) LeaveType(ctx context.Context, id leave.LeaveTypeID) (leave.LeaveType, error) {
	if err := ctx.Err(); err != nil {
		return leave.LeaveType{}, err
	}
	lt, ok := d.m.types[id]
	if !ok {
		return leave.LeaveType{}, leave.ErrUnknownLeaveType
	}
	return lt, nil
}

func (d data) LeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]leave.LeaveType, 0, len(d.m.types))
	for _, lt := range d.m.types {
		out = append(out, lt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d data) GetBalance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	if err := ctx.Err(); err != nil {
		return leave.Balance{}, err
	}
	b, ok := d.m.balances[key]
	if !ok {
		return leave.Balance{}, leave.ErrNoBalanceRecord
	}
	return b, nil
}

func (d data) Reserve(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := d.m.balances[key]
	if !ok {
		return leave.ErrNoBalanceRecord
	}
	if b.UsedDays.Add(days).GreaterThan(b.TotalDays) {
		return leave.ErrInsufficientBalance
	}
	b.UsedDays = b.UsedDays.Add(days)
	d.m.balances[key] = b
	return nil
}

func (d data) Release(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := d.m.balances[key]
	if !ok {
		return leave.ErrNoBalanceRecord
	}
	b.UsedDays = decimal.Max(b.UsedDays.Sub(days), decimal.Zero)
	d.m.balances[key] = b
	return nil
}

func (d data) ListBalances(ctx context.Context, userID leave.UserID, year int) ([]leave.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []leave.Balance
	for k, b := range d.m.balances {
		if k.UserID == userID && k.Year == year {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.LeaveTypeID < out[j].Key.LeaveTypeID })
	return out, nil
}

func (d data) InsertRequest(ctx context.Context, req leave.LeaveRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.m.requests[req.ID] = req
	return nil
}

func (d data) GetRequest(ctx context.Context, id leave.RequestID) (leave.LeaveRequest, error) {
	if err := ctx.Err(); err != nil {
		return leave.LeaveRequest{}, err
	}
	r, ok := d.m.requests[id]
	if !ok {
		return leave.LeaveRequest{}, leave.ErrNotFound
	}
	return r, nil
}

func (d data) UpdateStatus(ctx context.Context, id leave.RequestID, from leave.Status, upd leave.StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := d.m.requests[id]
	if !ok {
		return leave.ErrNotFound
	}
	if r.Status != from {
		return leave.ErrAlreadyDecided
	}
	at := upd.At
	r.Status = upd.Status
	r.DecidedBy = upd.DecidedBy
	r.DecidedAt = &at
	r.UpdatedAt = at
	d.m.requests[id] = r
	return nil
}

func (d data) AmendRequest(ctx context.Context, req leave.LeaveRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := d.m.requests[req.ID]
	if !ok {
		return leave.ErrNotFound
	}
	if r.Status != leave.StatusPending {
		return leave.ErrAlreadyDecided
	}
	r.LeaveTypeID = req.LeaveTypeID
	r.Period = req.Period
	r.Days = req.Days
	r.HalfDay = req.HalfDay
	r.Reason = req.Reason
	r.Evidence = req.Evidence
	r.UpdatedAt = req.UpdatedAt
	d.m.requests[req.ID] = r
	return nil
}

func (d data) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []leave.LeaveRequest
	for _, r := range d.m.requests {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Year != 0 && r.Period.Start.Year() != f.Year {
			continue
		}
		if f.DepartmentID != "" && d.m.employees[r.UserID].DepartmentID != f.DepartmentID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d data) DepartmentOf(ctx context.Context, userID leave.UserID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.m.employees[userID].DepartmentID, nil
}

func (d data) AppendAudit(ctx context.Context, entry leave.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.m.audit = append(d.m.audit, entry)
	return nil
}

// =============================================================================
// TX MEMORY STORE - Memory with snapshot rollback
// =============================================================================

// TxMemory holds the lock for the whole transaction, so transactions are
// serialized and a failed one leaves no trace. Waiting for the lock is
// bounded by the caller's context.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	if err := tm.lock(ctx); err != nil {
		return err
	}
	defer tm.unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := tm.snapshot()
	if err := fn(data{m: tm.Memory}); err != nil {
		tm.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances map[leave.BalanceKey]leave.Balance
	requests map[leave.RequestID]leave.LeaveRequest
	auditLen int
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances: make(map[leave.BalanceKey]leave.Balance, len(tm.balances)),
		requests: make(map[leave.RequestID]leave.LeaveRequest, len(tm.requests)),
		auditLen: len(tm.audit),
	}
	for k, v := range tm.balances {
		s.balances[k] = v
	}
	for k, v := range tm.requests {
		s.requests[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.balances = s.balances
	tm.requests = s.requests
	tm.audit = tm.audit[:s.auditLen]
}

var (
	_ leave.TxStore        = (*TxMemory)(nil)
	_ leave.ReferenceStore = (*Memory)(nil)
	_ leave.AuditReader    = (*Memory)(nil)
	_ leave.Store          = data{}
)
