package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// KeyField is the primary key field every record carries.
const KeyField = "id"

// Record is a schemaless mapping of field name to value. It must carry a non-empty
// string under KeyField.
type Record map[string]any

// ID returns the record's primary key, or "" if it is missing or not a string.
func (r Record) ID() string {
	id, _ := r[KeyField].(string)
	return id
}

// Recorder is the record contract shared by the DynamoDB-backed Store and the
// in-memory Memory store. Both implementations return the same results and the
// same error kinds for the same sequence of calls.
type Recorder interface {
	// Start opens database and ensures table exists with an index over each field in indexes.
	Start(ctx context.Context, database, table string, indexes ...string) error

	// Create inserts data as a new record and returns its id.
	Create(ctx context.Context, table string, data Record) (string, error)

	// Read returns the record with the given id. found is false when there is none.
	Read(ctx context.Context, table, id string) (rec Record, found bool, err error)

	// Update merges data into the existing record with the same id.
	Update(ctx context.Context, table string, data Record) (string, error)

	// Upsert merges data into the record with the same id, creating it if absent.
	Upsert(ctx context.Context, table string, data Record) (string, error)

	// Put replaces the record with the same id, creating it if absent.
	Put(ctx context.Context, table string, data Record) (string, error)

	// Delete removes the record with the given id. Deleting a missing id succeeds.
	Delete(ctx context.Context, table, id string) error

	// Search returns every record whose indexed field equals value.
	Search(ctx context.Context, table, field, value string) ([]Record, error)

	// GetAll returns every record in the table.
	GetAll(ctx context.Context, table string) ([]Record, error)

	// Count returns the number of records in the table.
	Count(ctx context.Context, table string) (int, error)
}

// encoder keeps empty strings as strings; DynamoDB accepts them outside key attributes.
// The SDK v2 encoder already does this by default (it has no NullEmptyString option).
var encoder = attributevalue.NewEncoder()

// marshalRecord converts a record to a DynamoDB item and checks it against the
// engine's item limits.
func marshalRecord(r Record) (map[string]types.AttributeValue, error) {
	av, err := encoder.Encode(map[string]any(r))
	if err != nil {
		return nil, validationError("encode record %q: %v", r.ID(), err)
	}
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return nil, validationError("encode record %q: unexpected %T", r.ID(), av)
	}
	if err := checkItem(r.ID(), m.Value); err != nil {
		return nil, err
	}
	return m.Value, nil
}

// unmarshalRecord converts a DynamoDB item to a record.
func unmarshalRecord(item map[string]types.AttributeValue) (Record, error) {
	rec := Record{}
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode item: %w", ErrEngine, err)
	}
	return rec, nil
}

// unmarshalRecords converts a page of DynamoDB items to records.
func unmarshalRecords(items []map[string]types.AttributeValue) ([]Record, error) {
	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec, err := unmarshalRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// validateRecord checks the key and every indexed field present in data.
func validateRecord(data Record, schema TableSchema) error {
	if data == nil {
		return validationError("record is nil")
	}
	raw, ok := data[KeyField]
	if !ok {
		return validationError("record has no %q field", KeyField)
	}
	id, ok := raw.(string)
	if !ok {
		return validationError("record %s must be a string, got %T", KeyField, raw)
	}
	if id == "" {
		return validationError("record %s is empty", KeyField)
	}
	for field := range schema.Indexes {
		v, present := data[field]
		if !present {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return validationError("indexed field %q of record %q must be a string, got %T", field, id, v)
		}
		if s == "" {
			return validationError("indexed field %q of record %q is empty", field, id)
		}
	}
	return nil
}

// validateID checks a bare key passed to Read or Delete.
func validateID(id string) error {
	if id == "" {
		return validationError("%s is empty", KeyField)
	}
	return nil
}

// mergeItems overlays update onto base; fields in update win.
func mergeItems(base, update map[string]types.AttributeValue) map[string]types.AttributeValue {
	merged := make(map[string]types.AttributeValue, len(base)+len(update))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
