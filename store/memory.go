package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/recstore/internal/naming"
)

// Memory is an in-memory Recorder with the same behavior as Store: the same
// validation, the same result shapes and the same error kinds. Records are kept in
// DynamoDB attribute-value form so that values read back decode exactly as they
// would from DynamoDB (numbers as float64, nested maps as map[string]any).
//
// Memory is not persisted. Each operation holds the store lock for its whole
// duration, so every operation is atomic.
type Memory struct {
	mu        sync.RWMutex
	databases map[string]map[string]*memTable
	registry  *Registry
}

type memTable struct {
	indexes map[string]string
	items   map[string]map[string]types.AttributeValue
}

var _ Recorder = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		databases: make(map[string]map[string]*memTable),
		registry:  newRegistry(),
	}
}

// Registry returns the tables started on this Memory store. Tables are published only by Start.
func (m *Memory) Registry() *Registry {
	return m.registry
}

// Start creates database and table if needed and declares an index over each field in
// indexes. Indexes accumulate across calls and are never dropped.
func (m *Memory) Start(ctx context.Context, database, table string, indexes ...string) error {
	fields, err := validateStart(database, table, indexes)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return connectionError("start", table, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tables, ok := m.databases[database]
	if !ok {
		tables = make(map[string]*memTable)
		m.databases[database] = tables
	}
	t, ok := tables[table]
	if !ok {
		t = &memTable{
			indexes: make(map[string]string),
			items:   make(map[string]map[string]types.AttributeValue),
		}
		tables[table] = t
	}
	if err := checkIndexCount(table, len(t.indexes), missingIndexes(t.indexes, fields)); err != nil {
		return err
	}
	for _, field := range fields {
		t.indexes[field] = naming.IndexName(field)
	}

	indexCopy := make(map[string]string, len(t.indexes))
	for field, name := range t.indexes {
		indexCopy[field] = name
	}
	m.registry.register(TableSchema{
		Name:     table,
		Database: database,
		Physical: naming.PhysicalTable(database, table),
		Indexes:  indexCopy,
	})
	return nil
}

// Create inserts data as a new record. It fails with ErrAlreadyExists if the id is taken.
func (m *Memory) Create(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := m.prepare(ctx, "create", table, data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(schema)
	if _, exists := t.items[data.ID()]; exists {
		return "", fmt.Errorf("%w: table %q id %q", ErrAlreadyExists, table, data.ID())
	}
	t.items[data.ID()] = item
	return data.ID(), nil
}

// Read retrieves a record by id. A missing record is not an error: found is false.
func (m *Memory) Read(ctx context.Context, table, id string) (Record, bool, error) {
	schema, err := m.lookup(ctx, "read", table)
	if err != nil {
		return nil, false, err
	}
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	item, ok := m.table(schema).items[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	rec, err := unmarshalRecord(item)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Update merges data into the existing record with the same id; fields in data win.
func (m *Memory) Update(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := m.prepare(ctx, "update", table, data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(schema)
	existing, ok := t.items[data.ID()]
	if !ok {
		return "", fmt.Errorf("%w: table %q id %q", ErrNotFound, table, data.ID())
	}
	merged := mergeItems(existing, item)
	if err := checkMergedSize("update", table, data.ID(), merged); err != nil {
		return "", err
	}
	t.items[data.ID()] = merged
	return data.ID(), nil
}

// Upsert merges data into the record with the same id, creating it if absent.
func (m *Memory) Upsert(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := m.prepare(ctx, "upsert", table, data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(schema)
	merged := mergeItems(t.items[data.ID()], item)
	if err := checkMergedSize("upsert", table, data.ID(), merged); err != nil {
		return "", err
	}
	t.items[data.ID()] = merged
	return data.ID(), nil
}

// Put replaces the record with the same id, creating it if absent.
func (m *Memory) Put(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := m.prepare(ctx, "put", table, data)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.table(schema).items[data.ID()] = item
	return data.ID(), nil
}

// Delete removes the record with the given id. Deleting a missing id succeeds.
func (m *Memory) Delete(ctx context.Context, table, id string) error {
	schema, err := m.lookup(ctx, "delete", table)
	if err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.table(schema).items, id)
	return nil
}

// Search returns every record whose indexed field equals value.
func (m *Memory) Search(ctx context.Context, table, field, value string) ([]Record, error) {
	schema, err := m.lookup(ctx, "search", table)
	if err != nil {
		return nil, err
	}
	if !schema.HasIndex(field) {
		return nil, fmt.Errorf("%w: field %q on table %q", ErrIndexNotFound, field, table)
	}
	if value == "" {
		return []Record{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []map[string]types.AttributeValue
	for _, item := range m.table(schema).sorted() {
		if s, ok := item[field].(*types.AttributeValueMemberS); ok && s.Value == value {
			matches = append(matches, item)
		}
	}
	return unmarshalRecords(matches)
}

// GetAll returns every record in the table, ordered by id.
func (m *Memory) GetAll(ctx context.Context, table string) ([]Record, error) {
	schema, err := m.lookup(ctx, "getAll", table)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return unmarshalRecords(m.table(schema).sorted())
}

// Count returns the number of records in the table.
func (m *Memory) Count(ctx context.Context, table string) (int, error) {
	schema, err := m.lookup(ctx, "count", table)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.table(schema).items), nil
}

// lookup resolves a started table and checks the context, in the same order Store
// reaches the engine.
func (m *Memory) lookup(ctx context.Context, op, table string) (TableSchema, error) {
	schema, err := m.registry.Lookup(table)
	if err != nil {
		return TableSchema{}, err
	}
	if err := ctx.Err(); err != nil {
		return TableSchema{}, connectionError(op, table, err)
	}
	return schema, nil
}

// prepare resolves the table, validates data and encodes it as a DynamoDB item.
// Merging operations also get the update-expression limit Store applies.
func (m *Memory) prepare(ctx context.Context, op, table string, data Record) (TableSchema, map[string]types.AttributeValue, error) {
	schema, err := m.registry.Lookup(table)
	if err != nil {
		return TableSchema{}, nil, err
	}
	if err := validateRecord(data, schema); err != nil {
		return TableSchema{}, nil, err
	}
	item, err := marshalRecord(data)
	if err != nil {
		return TableSchema{}, nil, err
	}
	if op == "update" || op == "upsert" {
		if err := checkUpdateExpression(data.ID(), item); err != nil {
			return TableSchema{}, nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return TableSchema{}, nil, connectionError(op, table, err)
	}
	return schema, item, nil
}

// checkMergedSize fails the way DynamoDB does when a merge grows a record past
// MaxItemSize: the request is valid on its own, so the engine refuses it.
func checkMergedSize(op, table, id string, merged map[string]types.AttributeValue) error {
	if size := itemSize(merged); size > MaxItemSize {
		return fmt.Errorf("%w: %s %s: record %q would grow to %d bytes, limit is %d",
			ErrEngine, op, table, id, size, MaxItemSize)
	}
	return nil
}

// table returns the storage for a registered table. Callers hold m.mu.
func (m *Memory) table(schema TableSchema) *memTable {
	return m.databases[schema.Database][schema.Name]
}

// sorted returns the table's items ordered by id.
func (t *memTable) sorted() []map[string]types.AttributeValue {
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]map[string]types.AttributeValue, 0, len(ids))
	for _, id := range ids {
		items = append(items, t.items[id])
	}
	return items
}
