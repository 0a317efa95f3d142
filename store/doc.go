// Package store provides record-oriented create/read/update/upsert/delete/search
// operations over DynamoDB tables, plus an in-memory twin with identical behavior.
//
// DynamoDB only offers unconditional puts and condition expressions. This package
// builds the create/update/upsert triad on top of them so that every existence check
// and its write are one atomic request.
//
// # Key Features
//
//   - Create fails if the id exists (conditional put)
//   - Update fails if the id is missing (conditional update), merging fields
//   - Upsert merges into any existing record, creating it otherwise
//   - Equality search over declared secondary indexes (GSIs)
//   - Tables and indexes created on demand by Start
//   - Optional parallel scans for GetAll and Count
//
// # Usage
//
//	s, err := store.Connect(ctx, store.DefaultConfig())
//	if err != nil { ... }
//	if err := s.Start(ctx, "co", "people", "name"); err != nil { ... }
//
//	id, err := s.Create(ctx, "people", store.Record{"id": "1", "salary": 12, "name": "STEVE"})
//	_, err = s.Update(ctx, "people", store.Record{"id": "1", "salary": 99})
//	rec, found, err := s.Read(ctx, "people", "1")
//	// rec == store.Record{"id": "1", "salary": float64(99), "name": "STEVE"}
//
// Use [NewMemory] where DynamoDB is not available. [Store] and [Memory] both
// implement [Recorder].
//
// # Records
//
// A [Record] is a map that must carry a non-empty string "id". Fields declared as
// indexes must hold non-empty strings when present. Values round-trip through the
// DynamoDB attribute-value codec: numbers read back as float64.
//
// DynamoDB's limits apply to both stores: numbers must be finite and within DynamoDB's
// range, a record may not exceed [MaxItemSize], and Update and Upsert accept at most
// as many fields as fit in [MaxExpressionLength]. A table carries at most [MaxIndexes]
// indexes.
//
// # Errors
//
// Every error returned matches exactly one of:
//
//   - [ErrConnection] - engine unreachable, or Start could not open/upgrade a table
//   - [ErrValidation] - malformed record, name, limit exceeded, or table not started
//   - [ErrAlreadyExists] - Create with a taken id
//   - [ErrNotFound] - Update of a missing id
//   - [ErrIndexNotFound] - Search on a field without an index
//   - [ErrEngine] - any other failure reported by DynamoDB
//
// Deleting a missing id is not an error.
package store
