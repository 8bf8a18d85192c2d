// Package filter builds the client-side query predicates that complement
// PostgreSQL row-level security.
//
// For every registered entity type the engine produces, once at startup, a
// WHERE fragment equivalent to:
//
//	(NOT is_soft_deleted OR is_soft_deleted IS NULL)
//	AND (tenant_id = current_setting('app.current_tenant_id', true)
//	     OR current_setting('app.is_admin', true) = 'true')
//
// with each clause present only when the entity carries the corresponding
// marker. Entities with neither marker receive no predicate at all, so
// reference data is never silently filtered into an empty result set.
//
// These predicates are defense in depth. The authoritative boundary is the
// server-side RLS policy evaluated against the session variables stamped by
// the session guard; the engine exists so that a misconfigured database does
// not immediately become a cross-tenant read.
package filter

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/go-warden/warden/core/entity"
)

// Column and session variable names the predicates are built from. These must
// match the deployed RLS policies.
const (
	TenantColumn     = "tenant_id"
	SoftDeleteColumn = "is_soft_deleted"
	TenantSettingKey = "app.current_tenant_id"
	AdminSettingKey  = "app.is_admin"
)

// Options control predicate construction for a single query.
type Options struct {
	// IncludeSoftDeleted drops the soft-delete clause. This is the explicit
	// escape hatch for audit and restore features; it is never the default.
	IncludeSoftDeleted bool
}

// Option mutates Options.
type Option func(*Options)

// IncludeSoftDeleted returns an option that makes soft-deleted rows visible.
func IncludeSoftDeleted() Option {
	return func(o *Options) {
		o.IncludeSoftDeleted = true
	}
}

// Engine produces per-table filter predicates from an entity registry.
// Predicates are precomputed when the engine is created; request-time calls
// are map lookups only.
type Engine struct {
	registry   *entity.Registry
	softDelete map[string]string
	tenant     map[string]string
}

// New builds an engine for all descriptors in the registry.
func New(registry *entity.Registry) *Engine {
	e := &Engine{
		registry:   registry,
		softDelete: make(map[string]string),
		tenant:     make(map[string]string),
	}

	for _, d := range registry.Descriptors() {
		if d.SoftDeletable {
			e.softDelete[d.Table] = softDeletePredicate(d.Table)
		}
		if d.TenantScoped {
			e.tenant[d.Table] = tenantPredicate(d.Table)
		}
	}

	return e
}

// Predicate returns the WHERE fragment for the given table, without the
// leading WHERE keyword. The empty string means the table is unfiltered
// reference data. Unknown tables are an error: querying an unregistered
// table through the filtered path is a programming mistake, not a request
// to see everything.
func (e *Engine) Predicate(table string, opts ...Option) (string, error) {
	if _, ok := e.registry.Lookup(table); !ok {
		return "", fmt.Errorf("table %q is not registered in the entity registry", table)
	}

	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	var clauses []string
	if p, ok := e.softDelete[table]; ok && !options.IncludeSoftDeleted {
		clauses = append(clauses, p)
	}
	if p, ok := e.tenant[table]; ok {
		clauses = append(clauses, p)
	}

	return strings.Join(clauses, " AND "), nil
}

// Apply appends the table's predicate to a base SELECT statement. A query
// that already contains a WHERE clause gets the predicate AND-ed on; an
// unfiltered table is returned unchanged.
func (e *Engine) Apply(query, table string, opts ...Option) (string, error) {
	predicate, err := e.Predicate(table, opts...)
	if err != nil {
		return "", err
	}
	if predicate == "" {
		return query, nil
	}

	if containsWhere(query) {
		return query + " AND " + predicate, nil
	}
	return query + " WHERE " + predicate, nil
}

func softDeletePredicate(table string) string {
	col := pq.QuoteIdentifier(table) + "." + pq.QuoteIdentifier(SoftDeleteColumn)
	return fmt.Sprintf("(NOT %s OR %s IS NULL)", col, col)
}

func tenantPredicate(table string) string {
	col := pq.QuoteIdentifier(table) + "." + pq.QuoteIdentifier(TenantColumn)
	return fmt.Sprintf("(%s = current_setting('%s', true) OR current_setting('%s', true) = 'true')",
		col, TenantSettingKey, AdminSettingKey)
}

// containsWhere does a keyword scan rather than full SQL parsing. Queries fed
// through Apply are the repository layer's own SELECT statements, not user
// input, so a word-boundary match on WHERE is sufficient.
func containsWhere(query string) bool {
	upper := strings.ToUpper(query)
	for idx := strings.Index(upper, "WHERE"); idx != -1; {
		before := idx == 0 || !isWordChar(upper[idx-1])
		afterIdx := idx + len("WHERE")
		after := afterIdx == len(upper) || !isWordChar(upper[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(upper[idx+1:], "WHERE")
		if next == -1 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
