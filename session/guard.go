// Package session stamps database connections with the caller's tenant
// identity for PostgreSQL row-level security.
//
// A unit of work pins one connection out of the pool, sets the two session
// variables the RLS policies read (app.current_tenant_id, app.is_admin), runs
// the caller's queries on that connection, and resets both variables before
// the connection is returned. Connections are a shared resource reused across
// unrelated requests, so the reset is the load-bearing part: a connection
// must never go back to the pool carrying another request's tenant context.
// When the reset cannot be confirmed the connection is discarded instead of
// pooled.
package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-warden/warden/core/entity"
)

// Session variables are set in a single round trip so there is no window
// where only one of them is visible to a policy. set_config with is_local =
// false gives session scope: the variables survive transaction boundaries
// within one unit of work, which is why End must always run.
const setSessionSQL = `SELECT set_config('app.current_tenant_id', $1, false), set_config('app.is_admin', $2, false)`

// cleanupTimeout bounds the reset round trip. Cleanup runs on unwind paths
// where the caller's context may already be cancelled.
const cleanupTimeout = 5 * time.Second

var (
	// ErrInvalidTenantContext is returned when a tenant-scoped operation is
	// attempted with no tenant id and no admin flag. Such a request must fail
	// before any query executes rather than default to seeing everything or
	// nothing.
	ErrInvalidTenantContext = errors.New("invalid tenant context: tenant id is empty and admin flag is not set")

	// ErrNestedTenantMismatch is returned when a unit of work is started
	// inside an active scope for a different tenant. The outer scope owns the
	// pinned connection; restamping it would leak the inner tenant's identity
	// into the outer work.
	ErrNestedTenantMismatch = errors.New("nested unit of work does not match the active tenant scope")

	// ErrCrossTenantWrite is returned by Scope.ValidateOwnership when a
	// mutation targets an entity owned by a different tenant.
	ErrCrossTenantWrite = errors.New("cross-tenant modification rejected")
)

// SetupError wraps a failure to stamp the session variables onto a
// connection. The unit of work fails hard and the connection is discarded:
// its state is unknown.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("failed to set tenant session state: %v", e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// TenantContext is the authoritative per-request tenant state.
type TenantContext struct {
	TenantID string
	IsAdmin  bool
}

// Validate rejects the one combination that must never reach the database:
// no tenant and no admin flag.
func (tc TenantContext) Validate() error {
	if tc.TenantID == "" && !tc.IsAdmin {
		return ErrInvalidTenantContext
	}
	return nil
}

// Scope is an active tenant session on a pinned connection. It is created by
// Begin and must be ended exactly once via End, which the Guard does through
// a deferred call on every exit path.
type Scope struct {
	conn   *sql.Conn
	tc     TenantContext
	logger *slog.Logger
	ended  atomic.Bool
	dirty  atomic.Bool
}

// Begin validates the tenant context and stamps both session variables onto
// the connection in one round trip. On failure it returns a *SetupError; the
// caller must discard the connection since its session state is unknown.
func Begin(ctx context.Context, conn *sql.Conn, tc TenantContext, logger *slog.Logger) (*Scope, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	_, err := conn.ExecContext(ctx, setSessionSQL, tc.TenantID, strconv.FormatBool(tc.IsAdmin))
	if err != nil {
		return nil, &SetupError{Err: err}
	}

	return &Scope{
		conn:   conn,
		tc:     tc,
		logger: logger,
	}, nil
}

// Tenant returns the tenant context this scope was opened with.
func (s *Scope) Tenant() TenantContext {
	return s.tc
}

// End resets both session variables to their neutral values. It is
// idempotent and never returns an error: it runs during unwind, where a
// propagated cleanup failure would mask the original one. A failed reset is
// logged at error level and marks the scope dirty so the connection gets
// discarded instead of pooled.
func (s *Scope) End(ctx context.Context) {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}

	// The caller's context may already be cancelled; cleanup still has to be
	// attempted, bounded by its own timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, setSessionSQL, "", "false")
	if err != nil {
		s.dirty.Store(true)
		s.logger.Error("failed to reset tenant session state, connection will be discarded",
			"tenant_id", s.tc.TenantID,
			"error", err)
	}
}

// CleanupConfirmed reports whether the session state was verifiably reset.
func (s *Scope) CleanupConfirmed() bool {
	return s.ended.Load() && !s.dirty.Load()
}

// ValidateOwnership rejects mutating an entity that belongs to a different
// tenant than the active scope. This catches the case where code accidentally
// obtained another tenant's row (for example through the admin read path) and
// tries to write it back.
func (s *Scope) ValidateOwnership(e entity.TenantScoped) error {
	if s.tc.TenantID == "" {
		return nil
	}
	if e.GetTenantID() != s.tc.TenantID {
		return fmt.Errorf("%w: entity belongs to tenant %q, active scope is tenant %q",
			ErrCrossTenantWrite, e.GetTenantID(), s.tc.TenantID)
	}
	return nil
}

// UnitOfWork is the caller's function run on the tenant-stamped connection.
// The context carries the active scope; nested WithTenantContext calls for
// the same tenant reuse it.
type UnitOfWork func(ctx context.Context, conn *sql.Conn) error

// Guard runs units of work with tenant session state scoped to exactly one
// pinned connection.
type Guard struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewGuard creates a guard over the given pool.
func NewGuard(db *sql.DB) *Guard {
	return &Guard{
		db:     db,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the guard.
func (g *Guard) WithLogger(l *slog.Logger) *Guard {
	tmp := *g
	tmp.logger = l
	return &tmp
}

// WithTenantContext acquires a connection, stamps it with the tenant context,
// runs fn, and resets the session state on every exit path including panics.
//
// An empty tenant id without the admin flag fails with
// ErrInvalidTenantContext before any connection is acquired. A nested call
// inside an active scope reuses the outer scope when the tenant matches and
// fails closed when it does not.
func (g *Guard) WithTenantContext(ctx context.Context, tenantID string, isAdmin bool, fn UnitOfWork) error {
	tc := TenantContext{TenantID: tenantID, IsAdmin: isAdmin}
	if err := tc.Validate(); err != nil {
		return err
	}

	if outer, ok := scopeFromContext(ctx); ok {
		if outer.tc.TenantID != tc.TenantID || (tc.IsAdmin && !outer.tc.IsAdmin) {
			return fmt.Errorf("%w: active scope is tenant %q, requested tenant %q",
				ErrNestedTenantMismatch, outer.tc.TenantID, tc.TenantID)
		}
		return fn(ctx, outer.conn)
	}

	conn, err := g.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}

	scope, err := Begin(ctx, conn, tc, g.logger)
	if err != nil {
		discard(conn)
		return err
	}

	defer func() {
		scope.End(ctx)
		if scope.CleanupConfirmed() {
			conn.Close()
		} else {
			discard(conn)
		}
	}()

	return fn(contextWithScope(ctx, scope), conn)
}

// AsAdmin runs a read-only cross-tenant unit of work with the admin flag set.
// A non-empty reason is required; every attempt and its outcome is logged for
// audit.
func (g *Guard) AsAdmin(ctx context.Context, tenantID, reason string, fn UnitOfWork) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("admin tenant access requires a reason for audit logging")
	}

	g.logger.Warn("admin tenant access",
		"tenant_id", tenantID,
		"reason", reason,
		"status", "attempting")

	err := g.WithTenantContext(ctx, tenantID, true, fn)
	if err != nil {
		g.logger.Error("admin tenant access",
			"tenant_id", tenantID,
			"reason", reason,
			"status", "failed",
			"error", err)
		return err
	}

	g.logger.Warn("admin tenant access",
		"tenant_id", tenantID,
		"reason", reason,
		"status", "success")
	return nil
}

// discard marks the pinned connection bad so the pool drops it instead of
// handing it to the next request. Used whenever session state cannot be
// confirmed neutral.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	_ = conn.Close()
}

type scopeCtxKey struct{}

func contextWithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

func scopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeCtxKey{}).(*Scope)
	return s, ok
}

// ScopeFromContext returns the active scope, if any. Repositories use it to
// call ValidateOwnership before mutating tenant-scoped rows.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	return scopeFromContext(ctx)
}

// FromContext returns the tenant context of the active scope, if any. This is
// the explicit alternative to ambient per-request state: callers thread the
// context, never a global.
func FromContext(ctx context.Context) (TenantContext, bool) {
	s, ok := scopeFromContext(ctx)
	if !ok {
		return TenantContext{}, false
	}
	return s.tc, true
}
