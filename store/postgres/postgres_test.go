package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/garrison/leave-engine/leave"
	"github.com/garrison/leave-engine/store/postgres"
)

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(gormpg.New(gormpg.Config{Conn: db}), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return postgres.New(gdb, zaptest.NewLogger(t)), mock
}

var annual = leave.BalanceKey{UserID: "emp-1", LeaveTypeID: "annual", Year: 2024}

func TestStore_Reserve_GuardRefuses(t *testing.T) {
	// GIVEN: The conditional update matches no row but the balance exists
	// WHEN: Reserving
	// THEN: The shortfall is reported as insufficient balance

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "leave_balances" SET "used_days"=used_days \+ \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "leave_balances"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := store.Reserve(context.Background(), annual, decimal.NewFromInt(3))

	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reserve_NoRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "leave_balances"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "leave_balances"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := store.Reserve(context.Background(), annual, decimal.NewFromInt(1))

	assert.ErrorIs(t, err, leave.ErrNoBalanceRecord)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reserve_CheckViolation(t *testing.T) {
	// GIVEN: The CHECK constraint fires before the guard is evaluated
	// WHEN: Reserving
	// THEN: The violation maps to insufficient balance, not a storage failure

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "leave_balances"`).
		WillReturnError(&pgconn.PgError{Code: "23514", ConstraintName: "leave_balances_used_within_total"})

	err := store.Reserve(context.Background(), annual, decimal.NewFromInt(1))

	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Release_NoRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE "leave_balances" SET "used_days"=GREATEST\(used_days - \$1, 0\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Release(context.Background(), annual, decimal.NewFromInt(2))

	assert.ErrorIs(t, err, leave.ErrNoBalanceRecord)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_LocksBalanceRow(t *testing.T) {
	// GIVEN: A balance read inside a transaction
	// WHEN: The callback returns
	// THEN: The read took a row lock and the transaction committed

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "leave_balances" WHERE .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "leave_type_id", "year", "total_days", "used_days"}).
			AddRow("emp-1", "annual", 2024, "10.00", "2.50"))
	mock.ExpectCommit()

	var got leave.Balance
	err := store.WithTx(context.Background(), func(tx leave.Store) error {
		var err error
		got, err = tx.GetBalance(context.Background(), annual)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, annual, got.Key)
	assert.True(t, got.Remaining().Equal(decimal.RequireFromString("7.5")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "leave_balances"`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "leave_type_id", "year", "total_days", "used_days"}))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx leave.Store) error {
		_, err := tx.GetBalance(context.Background(), annual)
		return err
	})

	assert.ErrorIs(t, err, leave.ErrNoBalanceRecord)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateStatus(t *testing.T) {
	upd := leave.StatusUpdate{Status: leave.StatusApproved, DecidedBy: "rev-1"}

	t.Run("already decided", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "leave_requests" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT count\(\*\) FROM "leave_requests"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := store.UpdateStatus(context.Background(), "req-1", leave.StatusPending, upd)

		assert.ErrorIs(t, err, leave.ErrAlreadyDecided)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "leave_requests" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT count\(\*\) FROM "leave_requests"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		err := store.UpdateStatus(context.Background(), "req-x", leave.StatusPending, upd)

		assert.ErrorIs(t, err, leave.ErrNotFound)
	})

	t.Run("storage failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "leave_requests" SET`).
			WillReturnError(errors.New("connection reset"))

		err := store.UpdateStatus(context.Background(), "req-1", leave.StatusPending, upd)

		require.Error(t, err)
		assert.False(t, errors.Is(err, leave.ErrAlreadyDecided))
	})
}

func TestStore_AmendRequest(t *testing.T) {
	req := leave.LeaveRequest{
		ID:          "req-1",
		UserID:      "emp-1",
		LeaveTypeID: "sick",
		Period:      leave.Period{Start: leave.NewDate(2024, time.June, 3), End: leave.NewDate(2024, time.June, 4)},
		Days:        decimal.NewFromInt(2),
		Evidence:    "cert-9",
	}

	t.Run("pending row rewritten", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "leave_requests" SET .*"evidence"=.* WHERE id = \$\d+ AND status = \$\d+`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.AmendRequest(context.Background(), req))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already decided", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE "leave_requests" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT count\(\*\) FROM "leave_requests"`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := store.AmendRequest(context.Background(), req)

		assert.ErrorIs(t, err, leave.ErrAlreadyDecided)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_GetRequest_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "leave_requests" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetRequest(context.Background(), "missing")

	assert.ErrorIs(t, err, leave.ErrNotFound)
}

func TestStore_LeaveType_Unknown(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "leave_types"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "evidence"}))

	_, err := store.LeaveType(context.Background(), "sabbatical")

	assert.ErrorIs(t, err, leave.ErrUnknownLeaveType)
}

func TestStore_AllocateBalance(t *testing.T) {
	t.Run("rejects fractional amounts before touching the database", func(t *testing.T) {
		store, mock := newMockStore(t)

		err := store.AllocateBalance(context.Background(), annual, decimal.RequireFromString("2.3"))

		var verr *leave.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, leave.InvalidAmount, verr.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses totals below usage", func(t *testing.T) {
		// GIVEN: The upsert guard skips the conflicting row
		// WHEN: Allocating
		// THEN: Zero affected rows means the new total is below used days

		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "leave_types"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "evidence"}).AddRow("annual", "Annual", "none"))
		mock.ExpectExec(`INSERT INTO "leave_balances" .* ON CONFLICT`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.AllocateBalance(context.Background(), annual, decimal.NewFromInt(1))

		assert.ErrorIs(t, err, leave.ErrAllocationBelowUsage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("upserts", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "leave_types"`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "evidence"}).AddRow("annual", "Annual", "none"))
		mock.ExpectExec(`INSERT INTO "leave_balances"`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.AllocateBalance(context.Background(), annual, decimal.NewFromInt(20))

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_DepartmentOf_Unknown(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT "department_id" FROM "employees"`).
		WillReturnRows(sqlmock.NewRows([]string{"department_id"}))

	dept, err := store.DepartmentOf(context.Background(), "ghost")

	require.NoError(t, err)
	assert.Empty(t, dept)
}
