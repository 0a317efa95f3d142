package store

import (
	"sort"
	"sync"
)

// TableSchema describes a started table.
type TableSchema struct {
	// Name is the logical table name used by record operations (e.g., "people").
	Name string

	// Database is the database the table was started in (e.g., "co").
	Database string

	// Physical is the DynamoDB table name (e.g., "co.people").
	Physical string

	// Indexes maps each indexed field to its GSI name.
	Indexes map[string]string
}

// HasIndex reports whether field has a secondary index.
func (t TableSchema) HasIndex(field string) bool {
	_, ok := t.Indexes[field]
	return ok
}

// IndexFields returns the indexed fields in sorted order.
func (t TableSchema) IndexFields() []string {
	fields := make([]string, 0, len(t.Indexes))
	for f := range t.Indexes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Registry holds the tables started on one store instance and is read-only to callers.
// A registry is bound to one database at a time; binding another database forgets every
// table of the previous one.
type Registry struct {
	mu       sync.RWMutex
	database string
	tables   map[string]TableSchema
}

// newRegistry creates a new empty Registry.
func newRegistry() *Registry {
	return &Registry{
		tables: make(map[string]TableSchema),
	}
}

// register publishes a started table, switching the registry to schema.Database if needed.
// Only Start calls it, once the table is ready for record operations.
func (r *Registry) register(schema TableSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema.Database != r.database {
		r.database = schema.Database
		r.tables = make(map[string]TableSchema)
	}
	r.tables[schema.Name] = schema
}

// Lookup returns the schema of a started table.
func (r *Registry) Lookup(table string) (TableSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.tables[table]
	if !ok {
		return TableSchema{}, validationError("table %q not started", table)
	}
	indexes := make(map[string]string, len(schema.Indexes))
	for field, name := range schema.Indexes {
		indexes[field] = name
	}
	schema.Indexes = indexes
	return schema, nil
}

// Database returns the database the registry is bound to, or "" before the first Start.
func (r *Registry) Database() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.database
}

// Tables returns the started table names in sorted order.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
