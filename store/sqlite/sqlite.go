/*
Package sqlite provides a SQLite-backed implementation of the leave storage
interfaces.

PURPOSE:
  Default embedded store. Implements leave.TxStore (catalog, balances,
  requests, directory, audit) and leave.ReferenceStore.

KEY TABLES:
  leave_types:     Reference data with the evidence rule
  employees:       Directory used for department scoping
  leave_balances:  One row per (user, leave type, year); authoritative
  leave_requests:  Every submission and its status
  audit_log:       Append-only lifecycle events

RESERVATION:
  Reserve is one conditional UPDATE:

    UPDATE leave_balances SET used_days = used_days + ?
    WHERE ... AND used_days + ? <= total_days

  Zero affected rows means the reservation would overdraw (or the row is
  missing) and nothing was written. A CHECK constraint backs this up.

DAY AMOUNTS:
  Day columns are NUMERIC. All amounts are multiples of 0.5, which binary
  floating point represents exactly, so sums and comparisons are exact.

CONCURRENCY:
  A weighted semaphore acts as a reader/writer lock: reads take one
  slot, writes and WithTx take all of them for the whole transaction.
  Waiting for the lock gives up when the caller's context ends.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so ORDER BY on the column
  is chronological.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and a busy timeout.

USAGE:
  store, err := sqlite.New("./data/garrison.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := leave.NewCoordinator(store)

SEE ALSO:
  - leave/store.go: Interface definitions
  - leave/store/memory.go: In-memory implementation for testing
  - store/postgres: Server database implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/garrison/leave-engine/leave"
)

// timeLayout keeps every fraction digit so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// lockSlots is the number of concurrent readers; a writer takes them all.
const lockSlots = 64

// Store implements leave.TxStore and leave.ReferenceStore using SQLite.
type Store struct {
	db     *sql.DB
	sem    *semaphore.Weighted
	logger *zap.Logger
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.Named("store.sqlite")
		}
	}
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, sem: semaphore.NewWeighted(lockSlots), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store.logger.Debug("sqlite store opened", zap.String("path", dbPath))
	return store, nil
}

// Wrap builds a Store over an already-open handle whose schema exists.
func Wrap(db *sql.DB, opts ...Option) *Store {
	store := &Store{db: db, sem: semaphore.NewWeighted(lockSlots), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		evidence TEXT NOT NULL DEFAULT 'none' CHECK (evidence IN ('none', 'optional', 'required')),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		department_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_employees_department
		ON employees(department_id);

	-- Authoritative balance; 0 <= used_days <= total_days always
	CREATE TABLE IF NOT EXISTS leave_balances (
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id),
		year INTEGER NOT NULL,
		total_days NUMERIC NOT NULL,
		used_days NUMERIC NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, leave_type_id, year),
		CHECK (used_days >= 0 AND used_days <= total_days)
	);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL REFERENCES leave_types(id),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		days NUMERIC NOT NULL,
		half_day INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		evidence TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'approved', 'rejected', 'cancelled')),
		created_by TEXT NOT NULL,
		decided_by TEXT,
		decided_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_user
		ON leave_requests(user_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(status);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		request_id TEXT,
		user_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_request
		ON audit_log(request_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER - Shared by the pooled store and the transactional view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every statement on q, which is either the *sql.DB or a *sql.Tx.
type conn struct {
	q querier
}

func (s *Store) acquire(ctx context.Context, n int64) (func(), error) {
	if err := s.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	// Acquire may succeed on an already expired context.
	if err := ctx.Err(); err != nil {
		s.sem.Release(n)
		return nil, err
	}
	return func() { s.sem.Release(n) }, nil
}

func (s *Store) read(ctx context.Context) (conn, func(), error) {
	done, err := s.acquire(ctx, 1)
	return conn{q: s.db}, done, err
}

func (s *Store) write(ctx context.Context) (conn, func(), error) {
	done, err := s.acquire(ctx, lockSlots)
	return conn{q: s.db}, done, err
}

// =============================================================================
// TRANSACTIONAL STORE (leave.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store leave.Store) error) error {
	done, err := s.acquire(ctx, lockSlots)
	if err != nil {
		return fmt.Errorf("wait for writer lock: %w", err)
	}
	defer done()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// LOCKING WRAPPERS (leave.Store on the pooled connection)
// =============================================================================

func (s *Store) LeaveType(ctx context.Context, id leave.LeaveTypeID) (leave.LeaveType, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return leave.LeaveType{}, err
	}
	defer done()
	return c.LeaveType(ctx, id)
}

func (s *Store) LeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return c.LeaveTypes(ctx)
}

func (s *Store) GetBalance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return leave.Balance{}, err
	}
	defer done()
	return c.GetBalance(ctx, key)
}

func (s *Store) Reserve(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.Reserve(ctx, key, days)
}

func (s *Store) Release(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.Release(ctx, key, days)
}

func (s *Store) ListBalances(ctx context.Context, userID leave.UserID, year int) ([]leave.Balance, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return c.ListBalances(ctx, userID, year)
}

func (s *Store) InsertRequest(ctx context.Context, req leave.LeaveRequest) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.InsertRequest(ctx, req)
}

func (s *Store) GetRequest(ctx context.Context, id leave.RequestID) (leave.LeaveRequest, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return leave.LeaveRequest{}, err
	}
	defer done()
	return c.GetRequest(ctx, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id leave.RequestID, from leave.Status, upd leave.StatusUpdate) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.UpdateStatus(ctx, id, from, upd)
}

func (s *Store) AmendRequest(ctx context.Context, req leave.LeaveRequest) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.AmendRequest(ctx, req)
}

func (s *Store) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return c.ListRequests(ctx, f)
}

func (s *Store) DepartmentOf(ctx context.Context, userID leave.UserID) (string, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return "", err
	}
	defer done()
	return c.DepartmentOf(ctx, userID)
}

func (s *Store) AppendAudit(ctx context.Context, entry leave.AuditEntry) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()
	return c.AppendAudit(ctx, entry)
}

// AuditTrail returns the audit entries of one request in order.
func (s *Store) AuditTrail(ctx context.Context, id leave.RequestID) ([]leave.AuditEntry, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return c.AuditTrail(ctx, id)
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

func (c conn) LeaveType(ctx context.Context, id leave.LeaveTypeID) (leave.LeaveType, error) {
	var lt leave.LeaveType
	err := c.q.QueryRowContext(ctx,
		`SELECT id, name, evidence FROM leave_types WHERE id = ?`, id,
	).Scan(&lt.ID, &lt.Name, &lt.Evidence)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.LeaveType{}, leave.ErrUnknownLeaveType
	}
	if err != nil {
		return leave.LeaveType{}, fmt.Errorf("query leave type: %w", err)
	}
	return lt, nil
}

func (c conn) LeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT id, name, evidence FROM leave_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query leave types: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveType
	for rows.Next() {
		var lt leave.LeaveType
		if err := rows.Scan(&lt.ID, &lt.Name, &lt.Evidence); err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

// =============================================================================
// BALANCES
// =============================================================================

func (c conn) GetBalance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	var total, used float64
	err := c.q.QueryRowContext(ctx, `
		SELECT total_days, used_days FROM leave_balances
		WHERE user_id = ? AND leave_type_id = ? AND year = ?`,
		key.UserID, key.LeaveTypeID, key.Year,
	).Scan(&total, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Balance{}, leave.ErrNoBalanceRecord
	}
	if err != nil {
		return leave.Balance{}, fmt.Errorf("query balance: %w", err)
	}
	return leave.Balance{Key: key, TotalDays: days(total), UsedDays: days(used)}, nil
}

func (c conn) Reserve(ctx context.Context, key leave.BalanceKey, amount decimal.Decimal) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE leave_balances
		SET used_days = used_days + ?, updated_at = ?
		WHERE user_id = ? AND leave_type_id = ? AND year = ?
			AND used_days + ? <= total_days`,
		amount.InexactFloat64(), now(), key.UserID, key.LeaveTypeID, key.Year, amount.InexactFloat64(),
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return leave.ErrInsufficientBalance
		}
		return fmt.Errorf("reserve balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.missingOrShort(ctx, key)
	}
	return nil
}

func (c conn) Release(ctx context.Context, key leave.BalanceKey, amount decimal.Decimal) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE leave_balances
		SET used_days = MAX(used_days - ?, 0), updated_at = ?
		WHERE user_id = ? AND leave_type_id = ? AND year = ?`,
		amount.InexactFloat64(), now(), key.UserID, key.LeaveTypeID, key.Year,
	)
	if err != nil {
		return fmt.Errorf("release balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return leave.ErrNoBalanceRecord
	}
	return nil
}

func (c conn) missingOrShort(ctx context.Context, key leave.BalanceKey) error {
	var exists int
	err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM leave_balances
		WHERE user_id = ? AND leave_type_id = ? AND year = ?`,
		key.UserID, key.LeaveTypeID, key.Year,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return leave.ErrNoBalanceRecord
	}
	return leave.ErrInsufficientBalance
}

func (c conn) ListBalances(ctx context.Context, userID leave.UserID, year int) ([]leave.Balance, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT leave_type_id, total_days, used_days FROM leave_balances
		WHERE user_id = ? AND year = ?
		ORDER BY leave_type_id`, userID, year)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []leave.Balance
	for rows.Next() {
		var (
			typeID      leave.LeaveTypeID
			total, used float64
		)
		if err := rows.Scan(&typeID, &total, &used); err != nil {
			return nil, err
		}
		out = append(out, leave.Balance{
			Key:       leave.BalanceKey{UserID: userID, LeaveTypeID: typeID, Year: year},
			TotalDays: days(total),
			UsedDays:  days(used),
		})
	}
	return out, rows.Err()
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `r.id, r.user_id, r.leave_type_id, r.start_date, r.end_date, r.days,
	r.half_day, r.reason, r.evidence, r.status, r.created_by, r.decided_by, r.decided_at,
	r.created_at, r.updated_at`

func (c conn) InsertRequest(ctx context.Context, r leave.LeaveRequest) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO leave_requests (id, user_id, leave_type_id, start_date, end_date, days,
			half_day, reason, evidence, status, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.LeaveTypeID, r.Period.Start.String(), r.Period.End.String(),
		r.Days.InexactFloat64(), r.HalfDay, nullString(r.Reason), nullString(r.Evidence),
		r.Status, r.CreatedBy, r.CreatedAt.UTC().Format(timeLayout), r.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (c conn) GetRequest(ctx context.Context, id leave.RequestID) (leave.LeaveRequest, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM leave_requests r WHERE r.id = ?`, id)
	if err != nil {
		return leave.LeaveRequest{}, fmt.Errorf("query request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return leave.LeaveRequest{}, err
		}
		return leave.LeaveRequest{}, leave.ErrNotFound
	}
	return scanRequest(rows)
}

func (c conn) UpdateStatus(ctx context.Context, id leave.RequestID, from leave.Status, upd leave.StatusUpdate) error {
	at := upd.At.UTC().Format(timeLayout)
	res, err := c.q.ExecContext(ctx, `
		UPDATE leave_requests
		SET status = ?, decided_by = ?, decided_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		upd.Status, nullString(string(upd.DecidedBy)), at, at, id, from,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return c.missingOrDecided(ctx, id)
}

// missingOrDecided explains a guarded request update that matched no row.
func (c conn) missingOrDecided(ctx context.Context, id leave.RequestID) error {
	var exists int
	if err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM leave_requests WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return leave.ErrNotFound
	}
	return leave.ErrAlreadyDecided
}

func (c conn) AmendRequest(ctx context.Context, r leave.LeaveRequest) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE leave_requests
		SET leave_type_id = ?, start_date = ?, end_date = ?, days = ?, half_day = ?,
			reason = ?, evidence = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		r.LeaveTypeID, r.Period.Start.String(), r.Period.End.String(), r.Days.InexactFloat64(),
		r.HalfDay, nullString(r.Reason), nullString(r.Evidence), r.UpdatedAt.UTC().Format(timeLayout),
		r.ID, leave.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("amend request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	return c.missingOrDecided(ctx, r.ID)
}

func (c conn) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM leave_requests r`
	var (
		where []string
		args  []any
	)
	if f.DepartmentID != "" {
		query += ` JOIN employees e ON e.id = r.user_id`
		where = append(where, "e.department_id = ?")
		args = append(args, f.DepartmentID)
	}
	if f.UserID != "" {
		where = append(where, "r.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, f.Status)
	}
	if f.Year != 0 {
		where = append(where, "substr(r.start_date, 1, 4) = ?")
		args = append(args, fmt.Sprintf("%04d", f.Year))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.created_at DESC, r.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(rows *sql.Rows) (leave.LeaveRequest, error) {
	var (
		r                                  leave.LeaveRequest
		start, end, createdAt, updatedAt   string
		reason, evidence, decidedBy, decAt sql.NullString
		amount                             float64
	)
	err := rows.Scan(&r.ID, &r.UserID, &r.LeaveTypeID, &start, &end, &amount,
		&r.HalfDay, &reason, &evidence, &r.Status, &r.CreatedBy, &decidedBy, &decAt,
		&createdAt, &updatedAt)
	if err != nil {
		return leave.LeaveRequest{}, err
	}

	if r.Period.Start, err = leave.ParseDate(start); err != nil {
		return leave.LeaveRequest{}, err
	}
	if r.Period.End, err = leave.ParseDate(end); err != nil {
		return leave.LeaveRequest{}, err
	}
	r.Days = days(amount)
	r.Reason = reason.String
	r.Evidence = evidence.String
	r.DecidedBy = leave.UserID(decidedBy.String)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return leave.LeaveRequest{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return leave.LeaveRequest{}, err
	}
	if decAt.Valid {
		t, err := parseTime(decAt.String)
		if err != nil {
			return leave.LeaveRequest{}, err
		}
		r.DecidedAt = &t
	}
	return r, nil
}

// =============================================================================
// DIRECTORY AND AUDIT
// =============================================================================

func (c conn) DepartmentOf(ctx context.Context, userID leave.UserID) (string, error) {
	var dept string
	err := c.q.QueryRowContext(ctx, `SELECT department_id FROM employees WHERE id = ?`, userID).Scan(&dept)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query department: %w", err)
	}
	return dept, nil
}

func (c conn) AppendAudit(ctx context.Context, e leave.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, request_id, user_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UTC().Format(timeLayout), e.ActorID, e.Action,
		nullString(string(e.RequestID)), nullString(string(e.UserID)), payload,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (c conn) AuditTrail(ctx context.Context, id leave.RequestID) ([]leave.AuditEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, at, actor_id, action, request_id, user_id, payload_json
		FROM audit_log WHERE request_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []leave.AuditEntry
	for rows.Next() {
		var (
			e                      leave.AuditEntry
			at                     string
			reqID, userID, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &reqID, &userID, &payload); err != nil {
			return nil, err
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		e.RequestID = leave.RequestID(reqID.String)
		e.UserID = leave.UserID(userID.String)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// REFERENCE DATA (leave.ReferenceStore interface)
// =============================================================================

func (s *Store) SaveLeaveType(ctx context.Context, lt leave.LeaveType) error {
	if !lt.Evidence.Valid() {
		lt.Evidence = leave.EvidenceNone
	}
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO leave_types (id, name, evidence, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, evidence = excluded.evidence`,
		lt.ID, lt.Name, lt.Evidence, now(),
	)
	if err != nil {
		return fmt.Errorf("save leave type: %w", err)
	}
	return nil
}

func (s *Store) SaveEmployee(ctx context.Context, emp leave.Employee) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()

	ts := now()
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO employees (id, name, department_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			department_id = excluded.department_id,
			updated_at = excluded.updated_at`,
		emp.ID, emp.Name, emp.DepartmentID, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("save employee: %w", err)
	}
	return nil
}

// ListEmployees returns the directory ordered by id.
func (s *Store) ListEmployees(ctx context.Context) ([]leave.Employee, error) {
	c, done, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	rows, err := c.q.QueryContext(ctx, `SELECT id, name, department_id FROM employees ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	defer rows.Close()

	var out []leave.Employee
	for rows.Next() {
		var e leave.Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.DepartmentID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AllocateBalance(ctx context.Context, key leave.BalanceKey, total decimal.Decimal) error {
	if err := leave.ValidateAllocation(total); err != nil {
		return err
	}
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()

	if _, err := c.LeaveType(ctx, key.LeaveTypeID); err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO leave_balances (user_id, leave_type_id, year, total_days, used_days, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id, leave_type_id, year) DO UPDATE SET
			total_days = excluded.total_days,
			updated_at = excluded.updated_at
		WHERE leave_balances.used_days <= excluded.total_days`,
		key.UserID, key.LeaveTypeID, key.Year, total.InexactFloat64(), now(),
	)
	if err != nil {
		return fmt.Errorf("allocate balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return leave.ErrAllocationBelowUsage
	}
	return nil
}

// Reset clears all leave data (for testing/demo reset).
func (s *Store) Reset(ctx context.Context) error {
	c, done, err := s.write(ctx)
	if err != nil {
		return err
	}
	defer done()

	for _, table := range []string{"audit_log", "leave_requests", "leave_balances", "employees", "leave_types"} {
		if _, err := c.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func days(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}

// parseTime reads a stored timestamp. RFC 3339 parsing accepts the
// fixed-width fraction as well as rows written without one.
func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

var (
	_ leave.TxStore        = (*Store)(nil)
	_ leave.ReferenceStore = (*Store)(nil)
	_ leave.AuditReader    = (*Store)(nil)
	_ leave.Store          = conn{}
)
