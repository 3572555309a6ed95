/*
Package postgres provides a PostgreSQL implementation of the leave storage
interfaces, built on gorm.

PURPOSE:
  Server deployment store. Same contract as store/sqlite, but concurrency
  is handled by the database instead of a process mutex.

CONCURRENCY:
  Inside WithTx the balance row is read with SELECT ... FOR UPDATE, so
  concurrent submissions for one balance queue on the row lock. The
  reservation is still a conditional UPDATE, and the CHECK constraint
  leave_balances_used_within_total is the last line of defence: a
  check_violation (SQLSTATE 23514) is reported as ErrInsufficientBalance.

SCHEMA:
  Versioned migrations under migrations/, applied with golang-migrate
  (see migrate.go).

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/sqlite: Embedded implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/garrison/leave-engine/leave"
)

const checkViolation = "23514"

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	Migrate      bool
}

// Store implements leave.TxStore and leave.ReferenceStore.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects, sizes the pool and optionally runs migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(gormpg.Open(cfg.DSN), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Migrate {
		if err := RunMigrations(sqlDB, logger); err != nil {
			return nil, err
		}
	}

	logger.Info("postgres store opened", zap.Int("max_open_conns", maxOpen))
	return New(db, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store.postgres")}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) repo(ctx context.Context) repo {
	return repo{db: s.db.WithContext(ctx)}
}

// WithTx runs fn in a database transaction; balance reads lock their row.
func (s *Store) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(repo{db: tx, lock: true})
	})
}

// =============================================================================
// POOLED OPERATIONS
// =============================================================================

func (s *Store) LeaveType(ctx context.Context, id leave.LeaveTypeID) (leave.LeaveType, error) {
	return s.repo(ctx).LeaveType(ctx, id)
}

func (s *Store) LeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	return s.repo(ctx).LeaveTypes(ctx)
}

func (s *Store) GetBalance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	return s.repo(ctx).GetBalance(ctx, key)
}

func (s *Store) Reserve(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	return s.repo(ctx).Reserve(ctx, key, days)
}

func (s *Store) Release(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	return s.repo(ctx).Release(ctx, key, days)
}

func (s *Store) ListBalances(ctx context.Context, userID leave.UserID, year int) ([]leave.Balance, error) {
	return s.repo(ctx).ListBalances(ctx, userID, year)
}

func (s *Store) InsertRequest(ctx context.Context, req leave.LeaveRequest) error {
	return s.repo(ctx).InsertRequest(ctx, req)
}

func (s *Store) GetRequest(ctx context.Context, id leave.RequestID) (leave.LeaveRequest, error) {
	return s.repo(ctx).GetRequest(ctx, id)
}

func (s *Store) UpdateStatus(ctx context.Context, id leave.RequestID, from leave.Status, upd leave.StatusUpdate) error {
	return s.repo(ctx).UpdateStatus(ctx, id, from, upd)
}

func (s *Store) AmendRequest(ctx context.Context, req leave.LeaveRequest) error {
	return s.repo(ctx).AmendRequest(ctx, req)
}

func (s *Store) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	return s.repo(ctx).ListRequests(ctx, f)
}

func (s *Store) DepartmentOf(ctx context.Context, userID leave.UserID) (string, error) {
	return s.repo(ctx).DepartmentOf(ctx, userID)
}

func (s *Store) AppendAudit(ctx context.Context, e leave.AuditEntry) error {
	return s.repo(ctx).AppendAudit(ctx, e)
}

// =============================================================================
// REPO - Shared by pooled and transactional access
// =============================================================================

type repo struct {
	db   *gorm.DB
	lock bool
}

func (r repo) LeaveType(ctx context.Context, id leave.LeaveTypeID) (leave.LeaveType, error) {
	var m leaveTypeModel
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return leave.LeaveType{}, leave.ErrUnknownLeaveType
	}
	if err != nil {
		return leave.LeaveType{}, fmt.Errorf("query leave type: %w", err)
	}
	return m.toDomain(), nil
}

func (r repo) LeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	var ms []leaveTypeModel
	if err := r.db.WithContext(ctx).Order("id").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("query leave types: %w", err)
	}
	out := make([]leave.LeaveType, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r repo) balanceScope(key leave.BalanceKey) *gorm.DB {
	return r.db.Where("user_id = ? AND leave_type_id = ? AND year = ?", string(key.UserID), string(key.LeaveTypeID), key.Year)
}

func (r repo) GetBalance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	q := r.balanceScope(key).WithContext(ctx)
	if r.lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m balanceModel
	err := q.Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return leave.Balance{}, leave.ErrNoBalanceRecord
	}
	if err != nil {
		return leave.Balance{}, fmt.Errorf("query balance: %w", err)
	}
	return m.toDomain(), nil
}

func (r repo) Reserve(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	res := r.balanceScope(key).WithContext(ctx).
		Model(&balanceModel{}).
		Where("used_days + ? <= total_days", days).
		Update("used_days", gorm.Expr("used_days + ?", days))
	if res.Error != nil {
		if isCheckViolation(res.Error) {
			return leave.ErrInsufficientBalance
		}
		return fmt.Errorf("reserve balance: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := r.balanceScope(key).WithContext(ctx).Model(&balanceModel{}).Count(&n).Error; err != nil {
		return fmt.Errorf("count balance: %w", err)
	}
	if n == 0 {
		return leave.ErrNoBalanceRecord
	}
	return leave.ErrInsufficientBalance
}

func (r repo) Release(ctx context.Context, key leave.BalanceKey, days decimal.Decimal) error {
	res := r.balanceScope(key).WithContext(ctx).
		Model(&balanceModel{}).
		Update("used_days", gorm.Expr("GREATEST(used_days - ?, 0)", days))
	if res.Error != nil {
		return fmt.Errorf("release balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return leave.ErrNoBalanceRecord
	}
	return nil
}

func (r repo) ListBalances(ctx context.Context, userID leave.UserID, year int) ([]leave.Balance, error) {
	var ms []balanceModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND year = ?", string(userID), year).
		Order("leave_type_id").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	out := make([]leave.Balance, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r repo) InsertRequest(ctx context.Context, req leave.LeaveRequest) error {
	m := requestFromDomain(req)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (r repo) GetRequest(ctx context.Context, id leave.RequestID) (leave.LeaveRequest, error) {
	var m requestModel
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return leave.LeaveRequest{}, leave.ErrNotFound
	}
	if err != nil {
		return leave.LeaveRequest{}, fmt.Errorf("query request: %w", err)
	}
	return m.toDomain(), nil
}

func (r repo) UpdateStatus(ctx context.Context, id leave.RequestID, from leave.Status, upd leave.StatusUpdate) error {
	res := r.db.WithContext(ctx).
		Model(&requestModel{}).
		Where("id = ? AND status = ?", string(id), string(from)).
		Updates(map[string]any{
			"status":     string(upd.Status),
			"decided_by": string(upd.DecidedBy),
			"decided_at": upd.At,
			"updated_at": upd.At,
		})
	if res.Error != nil {
		return fmt.Errorf("update request status: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.missingOrDecided(ctx, id)
}

func (r repo) AmendRequest(ctx context.Context, req leave.LeaveRequest) error {
	res := r.db.WithContext(ctx).
		Model(&requestModel{}).
		Where("id = ? AND status = ?", string(req.ID), string(leave.StatusPending)).
		Updates(map[string]any{
			"leave_type_id": string(req.LeaveTypeID),
			"start_date":    req.Period.Start.Time,
			"end_date":      req.Period.End.Time,
			"days":          req.Days,
			"half_day":      req.HalfDay,
			"reason":        req.Reason,
			"evidence":      req.Evidence,
			"updated_at":    req.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("amend request: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.missingOrDecided(ctx, req.ID)
}

// missingOrDecided explains a guarded request update that matched no row.
func (r repo) missingOrDecided(ctx context.Context, id leave.RequestID) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&requestModel{}).Where("id = ?", string(id)).Count(&n).Error; err != nil {
		return fmt.Errorf("count request: %w", err)
	}
	if n == 0 {
		return leave.ErrNotFound
	}
	return leave.ErrAlreadyDecided
}

func (r repo) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.LeaveRequest, error) {
	q := r.db.WithContext(ctx).Model(&requestModel{}).Select("leave_requests.*")
	if f.DepartmentID != "" {
		q = q.Joins("JOIN employees ON employees.id = leave_requests.user_id").
			Where("employees.department_id = ?", f.DepartmentID)
	}
	if f.UserID != "" {
		q = q.Where("leave_requests.user_id = ?", string(f.UserID))
	}
	if f.Status != "" {
		q = q.Where("leave_requests.status = ?", string(f.Status))
	}
	if f.Year != 0 {
		q = q.Where("EXTRACT(YEAR FROM leave_requests.start_date) = ?", f.Year)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var ms []requestModel
	if err := q.Order("leave_requests.created_at DESC, leave_requests.id DESC").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	out := make([]leave.LeaveRequest, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (r repo) DepartmentOf(ctx context.Context, userID leave.UserID) (string, error) {
	var m employeeModel
	err := r.db.WithContext(ctx).Select("department_id").Where("id = ?", string(userID)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query department: %w", err)
	}
	return m.DepartmentID, nil
}

func (r repo) AppendAudit(ctx context.Context, e leave.AuditEntry) error {
	m := auditFromDomain(e)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditTrail returns the entries recorded for one request, oldest first.
func (s *Store) AuditTrail(ctx context.Context, id leave.RequestID) ([]leave.AuditEntry, error) {
	var ms []auditModel
	err := s.db.WithContext(ctx).Where("request_id = ?", string(id)).Order("at, id").Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	out := make([]leave.AuditEntry, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// =============================================================================
// REFERENCE DATA (leave.ReferenceStore interface)
// =============================================================================

func (s *Store) SaveLeaveType(ctx context.Context, lt leave.LeaveType) error {
	if !lt.Evidence.Valid() {
		lt.Evidence = leave.EvidenceNone
	}
	m := leaveTypeModel{ID: string(lt.ID), Name: lt.Name, Evidence: string(lt.Evidence)}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "evidence"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("save leave type: %w", err)
	}
	return nil
}

func (s *Store) SaveEmployee(ctx context.Context, emp leave.Employee) error {
	m := employeeModel{ID: string(emp.ID), Name: emp.Name, DepartmentID: emp.DepartmentID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "department_id", "updated_at"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("save employee: %w", err)
	}
	return nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]leave.Employee, error) {
	var ms []employeeModel
	if err := s.db.WithContext(ctx).Order("id").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("query employees: %w", err)
	}
	out := make([]leave.Employee, 0, len(ms))
	for _, m := range ms {
		out = append(out, leave.Employee{ID: leave.UserID(m.ID), Name: m.Name, DepartmentID: m.DepartmentID})
	}
	return out, nil
}

func (s *Store) AllocateBalance(ctx context.Context, key leave.BalanceKey, total decimal.Decimal) error {
	if err := leave.ValidateAllocation(total); err != nil {
		return err
	}
	if _, err := s.LeaveType(ctx, key.LeaveTypeID); err != nil {
		return err
	}

	m := balanceModel{
		UserID:      string(key.UserID),
		LeaveTypeID: string(key.LeaveTypeID),
		Year:        key.Year,
		TotalDays:   total,
		UsedDays:    decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "leave_type_id"}, {Name: "year"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_days", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "leave_balances.used_days <= ?", Vars: []any{total}},
			}},
		}).
		Create(&m)
	if res.Error != nil {
		if isCheckViolation(res.Error) {
			return leave.ErrAllocationBelowUsage
		}
		return fmt.Errorf("allocate balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return leave.ErrAllocationBelowUsage
	}
	return nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == checkViolation
}

var (
	_ leave.TxStore        = (*Store)(nil)
	_ leave.ReferenceStore = (*Store)(nil)
	_ leave.AuditReader    = (*Store)(nil)
	_ leave.Store          = repo{}
)
