// Package postgres reads row-level-security state from PostgreSQL system
// catalogs. All queries are read-only introspection; the reader never touches
// application tables and is expected to run with system credentials outside
// any tenant-facing request path.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-warden/warden/dbschema/types"
)

// Reader reads RLS state from a PostgreSQL database.
type Reader struct {
	db     *sql.DB
	schema string
}

// NewReader creates a reader bound to the given schema. An empty schema
// defaults to public.
func NewReader(db *sql.DB, schema string) *Reader {
	if schema == "" {
		schema = "public"
	}
	return &Reader{
		db:     db,
		schema: schema,
	}
}

// ReadRLSState reads the complete row-level-security snapshot: installed
// helper functions, per-table row security flags and isolation policies.
func (r *Reader) ReadRLSState(ctx context.Context) (*types.RLSState, error) {
	state := &types.RLSState{}

	functions, err := r.readFunctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read functions: %w", err)
	}
	state.Functions = functions

	tables, err := r.readTableRowSecurity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read table row security: %w", err)
	}
	state.Tables = tables

	policies, err := r.readRLSPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read RLS policies: %w", err)
	}
	state.Policies = policies

	return state, nil
}

// readFunctions reads the custom functions defined in the schema. Extension
// owned functions are excluded via pg_depend: they are managed by their
// extension and are never the tenant-context helpers this subsystem cares
// about.
func (r *Reader) readFunctions(ctx context.Context) ([]types.DBFunction, error) {
	functionsQuery := `
		SELECT
			p.proname AS function_name,
			pg_get_function_result(p.oid) AS returns,
			l.lanname AS language,
			CASE p.prosecdef WHEN true THEN 'DEFINER' ELSE 'INVOKER' END AS security,
			CASE p.provolatile
				WHEN 'i' THEN 'IMMUTABLE'
				WHEN 's' THEN 'STABLE'
				WHEN 'v' THEN 'VOLATILE'
			END AS volatility
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		JOIN pg_language l ON l.oid = p.prolang
		WHERE n.nspname = $1
		AND p.prokind = 'f'
		AND NOT EXISTS (
			SELECT 1 FROM pg_depend d
			JOIN pg_extension e ON e.oid = d.refobjid
			WHERE d.objid = p.oid AND d.deptype = 'e'
		)
		ORDER BY p.proname`

	rows, err := r.db.QueryContext(ctx, functionsQuery, r.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query functions: %w", err)
	}
	defer rows.Close()

	var functions []types.DBFunction
	for rows.Next() {
		var fn types.DBFunction
		err := rows.Scan(&fn.Name, &fn.Returns, &fn.Language, &fn.Security, &fn.Volatility)
		if err != nil {
			return nil, fmt.Errorf("failed to scan function: %w", err)
		}
		functions = append(functions, fn)
	}

	return functions, rows.Err()
}

// readTableRowSecurity reads the row security flag for every table in the
// schema. The migrations bookkeeping table is excluded; it is not tenant
// data.
func (r *Reader) readTableRowSecurity(ctx context.Context) ([]types.DBTable, error) {
	tablesQuery := `
		SELECT tablename, rowsecurity
		FROM pg_tables
		WHERE schemaname = $1
		AND tablename NOT IN ('schema_migrations')
		ORDER BY tablename`

	rows, err := r.db.QueryContext(ctx, tablesQuery, r.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []types.DBTable
	for rows.Next() {
		var table types.DBTable
		if err := rows.Scan(&table.Name, &table.RowSecurity); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, table)
	}

	return tables, rows.Err()
}

// readRLSPolicies reads all RLS policies in the schema from pg_policy.
func (r *Reader) readRLSPolicies(ctx context.Context) ([]types.DBRLSPolicy, error) {
	policiesQuery := `
		SELECT
			pol.polname AS policy_name,
			c.relname AS table_name,
			CASE pol.polcmd
				WHEN 'r' THEN 'SELECT'
				WHEN 'a' THEN 'INSERT'
				WHEN 'w' THEN 'UPDATE'
				WHEN 'd' THEN 'DELETE'
				WHEN '*' THEN 'ALL'
			END AS policy_for,
			CASE
				WHEN pol.polroles = '{0}' THEN 'PUBLIC'
				ELSE array_to_string(ARRAY(
					SELECT rolname FROM pg_roles WHERE oid = ANY(pol.polroles)
				), ',')
			END AS to_roles,
			COALESCE(pg_get_expr(pol.polqual, pol.polrelid), '') AS using_expression,
			COALESCE(pg_get_expr(pol.polwithcheck, pol.polrelid), '') AS with_check_expression
		FROM pg_policy pol
		JOIN pg_class c ON c.oid = pol.polrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		ORDER BY c.relname, pol.polname`

	rows, err := r.db.QueryContext(ctx, policiesQuery, r.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query RLS policies: %w", err)
	}
	defer rows.Close()

	var policies []types.DBRLSPolicy
	for rows.Next() {
		var policy types.DBRLSPolicy
		err := rows.Scan(
			&policy.Name,
			&policy.Table,
			&policy.PolicyFor,
			&policy.ToRoles,
			&policy.UsingExpression,
			&policy.WithCheckExpression,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan RLS policy: %w", err)
		}
		policies = append(policies, policy)
	}

	return policies, rows.Err()
}
