// Package types defines the data structures produced by read-only database
// catalog introspection. They describe the row-level-security posture of a
// PostgreSQL schema: which helper functions are installed, which tables have
// row security switched on, and which isolation policies exist.
package types

// RLSState is the complete row-level-security snapshot read from a database.
type RLSState struct {
	Functions []DBFunction  `json:"functions"`
	Tables    []DBTable     `json:"tables"`
	Policies  []DBRLSPolicy `json:"policies"`
}

// DBTable represents a table row from pg_tables together with its row
// security flag.
type DBTable struct {
	Name        string `json:"name"`
	RowSecurity bool   `json:"row_security"` // pg_tables.rowsecurity
}

// DBFunction represents a server-side function read from pg_proc. The session
// guard and the RLS policies depend on the tenant-context getter/setter
// functions being installed.
type DBFunction struct {
	Name       string `json:"name"`
	Returns    string `json:"returns"`
	Language   string `json:"language"`
	Security   string `json:"security"`   // DEFINER or INVOKER
	Volatility string `json:"volatility"` // IMMUTABLE, STABLE, VOLATILE
}

// DBRLSPolicy represents a PostgreSQL RLS policy read from pg_policy.
type DBRLSPolicy struct {
	Name                string `json:"name"`
	Table               string `json:"table"`
	PolicyFor           string `json:"policy_for"` // ALL, SELECT, INSERT, UPDATE, DELETE
	ToRoles             string `json:"to_roles"`
	UsingExpression     string `json:"using_expression"`
	WithCheckExpression string `json:"with_check_expression"`
}

// FunctionNames returns the names of all introspected functions.
func (s *RLSState) FunctionNames() []string {
	out := make([]string, 0, len(s.Functions))
	for _, fn := range s.Functions {
		out = append(out, fn.Name)
	}
	return out
}

// TableRowSecurity returns a name -> row-security-enabled map for all
// introspected tables. Tables absent from the map do not exist in the schema.
func (s *RLSState) TableRowSecurity() map[string]bool {
	out := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		out[t.Name] = t.RowSecurity
	}
	return out
}

// PolicyTables returns the set of table names that carry a policy with the
// given name.
func (s *RLSState) PolicyTables(policyName string) map[string]bool {
	out := make(map[string]bool)
	for _, p := range s.Policies {
		if p.Name == policyName {
			out[p.Table] = true
		}
	}
	return out
}
