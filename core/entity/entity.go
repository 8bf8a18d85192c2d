// Package entity defines the classification markers that drive tenant isolation
// and soft-delete filtering across the system.
//
// Every persisted entity type falls into one of three categories:
//
//   - TenantScoped: rows carry a tenant_id column and must be isolated per tenant
//   - SoftDeletable: rows carry an is_soft_deleted flag and are hidden, not removed
//   - neither: global reference data (languages, countries) visible to everyone
//
// A type may implement both markers, which is the common case for business data.
//
// Classification is resolved once at startup into a Registry of descriptors.
// The query filter engine and the session guard consume descriptors only; they
// never inspect entity types at request time.
package entity

import (
	"fmt"
	"sort"
)

// TenantScoped marks an entity whose rows belong to exactly one tenant.
// The returned value is the tenant identifier stored on the row.
type TenantScoped interface {
	GetTenantID() string
}

// SoftDeletable marks an entity whose rows are deleted by flag rather than
// physically removed.
type SoftDeletable interface {
	SoftDeleted() bool
}

// Descriptor is the capability record derived from an entity type's markers.
// It is the only thing downstream components need to know about a type.
type Descriptor struct {
	// Table is the database table the entity maps to.
	Table string

	// TenantScoped reports whether rows carry a tenant_id column.
	TenantScoped bool

	// SoftDeletable reports whether rows carry an is_soft_deleted column.
	SoftDeletable bool
}

// Registry holds the descriptors for all entity types known to the system.
// It is built once during startup and read-only afterwards. Adding a new
// entity type requires only implementing the markers and registering it;
// no downstream component changes.
type Registry struct {
	descriptors map[string]Descriptor
	tables      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds a descriptor to the registry. The table name must be non-empty
// and unique within the registry.
func (r *Registry) Register(d Descriptor) error {
	if d.Table == "" {
		return fmt.Errorf("entity descriptor has empty table name")
	}
	if _, exists := r.descriptors[d.Table]; exists {
		return fmt.Errorf("entity descriptor for table %q already registered", d.Table)
	}
	r.descriptors[d.Table] = d
	r.tables = append(r.tables, d.Table)
	return nil
}

// Classify derives a descriptor from the markers implemented by the prototype
// value and registers it under the given table name. A prototype implementing
// neither marker is registered as global reference data and will receive no
// query filters at all.
func (r *Registry) Classify(table string, prototype any) error {
	_, tenantScoped := prototype.(TenantScoped)
	_, softDeletable := prototype.(SoftDeletable)

	return r.Register(Descriptor{
		Table:         table,
		TenantScoped:  tenantScoped,
		SoftDeletable: softDeletable,
	})
}

// Lookup returns the descriptor registered for the given table.
func (r *Registry) Lookup(table string) (Descriptor, bool) {
	d, ok := r.descriptors[table]
	return d, ok
}

// Descriptors returns all registered descriptors sorted by table name.
func (r *Registry) Descriptors() []Descriptor {
	tables := make([]string, len(r.tables))
	copy(tables, r.tables)
	sort.Strings(tables)

	out := make([]Descriptor, 0, len(tables))
	for _, t := range tables {
		out = append(out, r.descriptors[t])
	}
	return out
}

// TenantScopedTables returns the table names of all tenant-scoped descriptors
// sorted by name. This is the set the RLS compliance verifier checks.
func (r *Registry) TenantScopedTables() []string {
	var out []string
	for _, d := range r.Descriptors() {
		if d.TenantScoped {
			out = append(out, d.Table)
		}
	}
	return out
}
