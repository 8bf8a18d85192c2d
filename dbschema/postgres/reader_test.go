package postgres_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	qt "github.com/frankban/quicktest"

	"github.com/go-warden/warden/dbschema/postgres"
)

func TestReadRLSState(t *testing.T) {
	c := qt.New(t)

	db, mock, err := sqlmock.New()
	c.Assert(err, qt.IsNil)
	defer db.Close()

	mock.ExpectQuery(`FROM pg_proc`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"function_name", "returns", "language", "security", "volatility"}).
			AddRow("get_current_tenant_id", "text", "plpgsql", "INVOKER", "STABLE").
			AddRow("set_tenant_context", "void", "plpgsql", "DEFINER", "VOLATILE"))

	mock.ExpectQuery(`FROM pg_tables`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"tablename", "rowsecurity"}).
			AddRow("todos", true).
			AddRow("languages", false))

	mock.ExpectQuery(`FROM pg_policy`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{
			"policy_name", "table_name", "policy_for", "to_roles", "using_expression", "with_check_expression",
		}).AddRow(
			"tenant_isolation_policy", "todos", "ALL", "PUBLIC",
			"tenant_id = get_current_tenant_id()", "",
		))

	reader := postgres.NewReader(db, "public")
	state, err := reader.ReadRLSState(context.Background())
	c.Assert(err, qt.IsNil)

	c.Assert(state.FunctionNames(), qt.DeepEquals, []string{"get_current_tenant_id", "set_tenant_context"})
	c.Assert(state.TableRowSecurity(), qt.DeepEquals, map[string]bool{
		"todos":     true,
		"languages": false,
	})
	c.Assert(state.PolicyTables("tenant_isolation_policy"), qt.DeepEquals, map[string]bool{"todos": true})

	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}

func TestReadRLSStateDefaultsSchema(t *testing.T) {
	c := qt.New(t)

	db, mock, err := sqlmock.New()
	c.Assert(err, qt.IsNil)
	defer db.Close()

	mock.ExpectQuery(`FROM pg_proc`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"function_name", "returns", "language", "security", "volatility"}))
	mock.ExpectQuery(`FROM pg_tables`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"tablename", "rowsecurity"}))
	mock.ExpectQuery(`FROM pg_policy`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{
			"policy_name", "table_name", "policy_for", "to_roles", "using_expression", "with_check_expression",
		}))

	reader := postgres.NewReader(db, "")
	state, err := reader.ReadRLSState(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(state.Functions, qt.HasLen, 0)
	c.Assert(state.Tables, qt.HasLen, 0)
	c.Assert(state.Policies, qt.HasLen, 0)

	c.Assert(mock.ExpectationsWereMet(), qt.IsNil)
}
