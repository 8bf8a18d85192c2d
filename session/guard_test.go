package session_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	qt "github.com/frankban/quicktest"

	"github.com/go-warden/warden/session"
)

const setSessionSQL = `SELECT set_config('app.current_tenant_id', $1, false), set_config('app.is_admin', $2, false)`

var setSessionPattern = regexp.QuoteMeta(setSessionSQL)

func newMockGuard(t *testing.T) (*session.Guard, sqlmock.Sqlmock) {
	t.Helper()
	c := qt.New(t)

	db, mock, err := sqlmock.New()
	c.Assert(err, qt.IsNil)
	t.Cleanup(func() { db.Close() })

	return session.NewGuard(db), mock
}

func expectStamp(mock sqlmock.Sqlmock, tenantID, isAdmin string) {
	mock.ExpectExec(setSessionPattern).
		WithArgs(tenantID, isAdmin).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectReset(mock sqlmock.Sqlmock) {
	mock.ExpectExec(setSessionPattern).
		WithArgs("", "false").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestWithTenantContextStampsAndResets(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "false")
	mock.ExpectQuery(`SELECT id FROM "todos"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectReset(mock)

	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id FROM "todos"`)
		if err != nil {
			return err
		}
		return rows.Close()
	})
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestWithTenantContextResetsAfterUnitOfWorkError(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "false")
	expectReset(mock)

	wantErr := errors.New("handler blew up")
	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
		return wantErr
	})
	c.Assert(err, qt.Equals, wantErr)

	// The failed unit of work must not leave tenant-x residue behind: the
	// next unit of work sees a freshly stamped session.
	expectStamp(mock, "tenant-y", "false")
	expectReset(mock)

	err = guard.WithTenantContext(context.Background(), "tenant-y", false, func(ctx context.Context, conn *sql.Conn) error {
		tc, ok := session.FromContext(ctx)
		c.Assert(ok, qt.IsTrue)
		c.Assert(tc.TenantID, qt.Equals, "tenant-y")
		return nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestWithTenantContextResetsAfterPanic(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "false")
	expectReset(mock)

	c.Assert(func() {
		_ = guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
			panic("mid-flight failure")
		})
	}, qt.PanicMatches, "mid-flight failure")

	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestWithTenantContextFailsClosedOnEmptyTenant(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	called := false
	err := guard.WithTenantContext(context.Background(), "", false, func(ctx context.Context, conn *sql.Conn) error {
		called = true
		return nil
	})
	c.Assert(errors.Is(err, session.ErrInvalidTenantContext), qt.IsTrue)
	c.Assert(called, qt.IsFalse)

	// Zero queries issued.
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestWithTenantContextAllowsAdminWithoutTenant(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "", "true")
	expectReset(mock)

	err := guard.WithTenantContext(context.Background(), "", true, func(ctx context.Context, conn *sql.Conn) error {
		return nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestWithTenantContextSetupFailure(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	mock.ExpectExec(setSessionPattern).
		WithArgs("tenant-x", "false").
		WillReturnError(errors.New("connection reset by peer"))

	called := false
	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
		called = true
		return nil
	})

	var setupErr *session.SetupError
	c.Assert(errors.As(err, &setupErr), qt.IsTrue)
	c.Assert(called, qt.IsFalse)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestWithTenantContextCleanupFailureIsNotPropagated(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "false")
	mock.ExpectExec(setSessionPattern).
		WithArgs("", "false").
		WillReturnError(errors.New("server closed the connection unexpectedly"))

	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
		return nil
	})

	// Cleanup runs during unwind; its failure is logged and the connection
	// discarded, never surfaced to the caller.
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestNestedUnitOfWorkReusesOuterScope(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	// Exactly one stamp/reset pair despite two nested units of work.
	expectStamp(mock, "tenant-x", "false")
	expectReset(mock)

	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, outer *sql.Conn) error {
		return guard.WithTenantContext(ctx, "tenant-x", false, func(ctx context.Context, inner *sql.Conn) error {
			c.Assert(inner, qt.Equals, outer)
			return nil
		})
	})
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestNestedUnitOfWorkTenantMismatchFailsClosed(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "false")
	expectReset(mock)

	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
		return guard.WithTenantContext(ctx, "tenant-y", false, func(ctx context.Context, conn *sql.Conn) error {
			c.Fatal("inner unit of work must not run")
			return nil
		})
	})
	c.Assert(errors.Is(err, session.ErrNestedTenantMismatch), qt.IsTrue)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestAsAdminRequiresReason(t *testing.T) {
	c := qt.New(t)
	guard, _ := newMockGuard(t)

	err := guard.AsAdmin(context.Background(), "tenant-x", "   ", func(ctx context.Context, conn *sql.Conn) error {
		return nil
	})
	c.Assert(err, qt.ErrorMatches, "admin tenant access requires a reason for audit logging")
}

func TestAsAdminStampsAdminFlag(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "true")
	expectReset(mock)

	err := guard.AsAdmin(context.Background(), "tenant-x", "support ticket #456", func(ctx context.Context, conn *sql.Conn) error {
		tc, ok := session.FromContext(ctx)
		c.Assert(ok, qt.IsTrue)
		c.Assert(tc.IsAdmin, qt.IsTrue)
		return nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

type ownedRow struct {
	tenantID string
}

func (r ownedRow) GetTenantID() string { return r.tenantID }

func TestScopeValidateOwnership(t *testing.T) {
	c := qt.New(t)
	guard, mock := newMockGuard(t)

	expectStamp(mock, "tenant-x", "false")
	expectReset(mock)

	err := guard.WithTenantContext(context.Background(), "tenant-x", false, func(ctx context.Context, conn *sql.Conn) error {
		scope, ok := session.ScopeFromContext(ctx)
		c.Assert(ok, qt.IsTrue)

		c.Assert(scope.ValidateOwnership(ownedRow{tenantID: "tenant-x"}), qt.IsNil)

		err := scope.ValidateOwnership(ownedRow{tenantID: "tenant-y"})
		c.Assert(errors.Is(err, session.ErrCrossTenantWrite), qt.IsTrue)
		return nil
	})
	c.Assert(err, qt.IsNil)
	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}
