package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jacentio/recstore/internal/naming"
)

// Start opens database and ensures table exists with a GSI over each field in indexes.
//
// Missing tables are created; missing indexes are added one at a time, since DynamoDB
// rejects concurrent index creation on a table. Start returns once the table and every
// requested index are ACTIVE, and only then does the table accept record operations.
// Calling Start again with the same arguments is a no-op.
//
// Start on a different database than the previous call switches the Store to it;
// tables of the previous database must be started again before use.
func (s *Store) Start(ctx context.Context, database, table string, indexes ...string) error {
	fields, err := validateStart(database, table, indexes)
	if err != nil {
		return err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	physical := naming.PhysicalTable(database, table)

	desc, err := s.describe(ctx, physical)
	if err != nil {
		return s.startFault(table, err)
	}
	if desc == nil {
		if err := s.createTable(ctx, physical, fields); err != nil {
			return s.startFault(table, err)
		}
	} else if err := checkIndexCount(table, len(desc.GlobalSecondaryIndexes), missingIndexes(describedIndexes(desc), fields)); err != nil {
		return err
	}

	desc, err = s.waitActive(ctx, physical)
	if err != nil {
		return s.startFault(table, err)
	}

	for _, field := range fields {
		if describesIndex(desc, field) {
			continue
		}
		desc, err = s.addIndex(ctx, physical, field)
		if err != nil {
			return s.startFault(table, err)
		}
	}

	s.registry.register(schemaFromDescription(database, table, desc))
	return nil
}

// describe returns the table description, or nil if the table does not exist.
func (s *Store) describe(ctx context.Context, physical string) (*types.TableDescription, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(physical),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return out.Table, nil
}

// createTable creates physical with its key and the requested indexes.
// A table created concurrently by someone else is not an error.
func (s *Store) createTable(ctx context.Context, physical string, fields []string) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(physical),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(KeyField), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: attributeDefinitions(fields...),
		BillingMode:          s.config.BillingMode,
	}
	if s.provisioned() {
		input.ProvisionedThroughput = s.config.Throughput
	}
	for _, field := range fields {
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, s.indexDefinition(field))
	}

	_, err := s.client.CreateTable(ctx, input)
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return err
	}

	s.logger.Info("table created",
		"table", physical,
		"indexes", fields,
	)
	return nil
}

// addIndex creates the GSI for field and waits until it is ACTIVE.
func (s *Store) addIndex(ctx context.Context, physical, field string) (*types.TableDescription, error) {
	gsi := s.indexDefinition(field)
	for {
		_, err := s.client.UpdateTable(ctx, &dynamodb.UpdateTableInput{
			TableName:            aws.String(physical),
			AttributeDefinitions: attributeDefinitions(field),
			GlobalSecondaryIndexUpdates: []types.GlobalSecondaryIndexUpdate{{
				Create: &types.CreateGlobalSecondaryIndexAction{
					IndexName:             gsi.IndexName,
					KeySchema:             gsi.KeySchema,
					Projection:            gsi.Projection,
					ProvisionedThroughput: gsi.ProvisionedThroughput,
				},
			}},
		})
		if err != nil {
			// Another index build or table update is in flight: wait it out and retry.
			var inUse *types.ResourceInUseException
			if !errors.As(err, &inUse) {
				return s.indexBuiltElsewhere(ctx, physical, field, err)
			}
		} else {
			s.logger.Info("index added",
				"table", physical,
				"field", field,
				"index", aws.ToString(gsi.IndexName),
			)
		}

		desc, err := s.waitActive(ctx, physical)
		if err != nil {
			return nil, err
		}
		if describesIndex(desc, field) {
			return desc, nil
		}
	}
}

// indexBuiltElsewhere handles an UpdateTable refusal that may mean another process
// created the same index first. If the table now carries it, the refusal is not an error.
func (s *Store) indexBuiltElsewhere(ctx context.Context, physical, field string, err error) (*types.TableDescription, error) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ValidationException" {
		return nil, err
	}
	desc, waitErr := s.waitActive(ctx, physical)
	if waitErr != nil || !describesIndex(desc, field) {
		return nil, err
	}
	s.logger.Info("index added concurrently",
		"table", physical,
		"field", field,
	)
	return desc, nil
}

// waitActive polls until the table and all of its GSIs are ACTIVE.
func (s *Store) waitActive(ctx context.Context, physical string) (*types.TableDescription, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		desc, err := s.describe(ctx, physical)
		if err != nil {
			return nil, err
		}
		// A table just created may not be visible yet.
		if desc != nil && tableActive(desc) {
			return desc, nil
		}
		timer.Reset(s.config.PollInterval)
	}
}

// indexDefinition returns the GSI for an equality index over field.
func (s *Store) indexDefinition(field string) types.GlobalSecondaryIndex {
	gsi := types.GlobalSecondaryIndex{
		IndexName: aws.String(naming.IndexName(field)),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(field), KeyType: types.KeyTypeHash},
		},
		Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
	}
	if s.provisioned() {
		gsi.ProvisionedThroughput = s.config.Throughput
	}
	return gsi
}

func (s *Store) provisioned() bool {
	return s.config.BillingMode == types.BillingModeProvisioned
}

// startFault logs a Start failure and wraps it as a connection error.
func (s *Store) startFault(table string, err error) error {
	err = connectionError("start", table, err)
	s.logger.Error("start failed",
		"table", table,
		"error", err,
	)
	return err
}

// validateStart checks names and returns the de-duplicated index fields in call order.
func validateStart(database, table string, indexes []string) ([]string, error) {
	if err := naming.ValidateDatabase(database); err != nil {
		return nil, validationError("%v", err)
	}
	if err := naming.ValidateTable(database, table); err != nil {
		return nil, validationError("%v", err)
	}

	seen := make(map[string]bool, len(indexes))
	fields := make([]string, 0, len(indexes))
	for _, field := range indexes {
		if err := naming.ValidateField(field); err != nil {
			return nil, validationError("%v", err)
		}
		if seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	if err := checkIndexCount(table, 0, len(fields)); err != nil {
		return nil, err
	}
	return fields, nil
}

// missingIndexes counts the fields that have no index yet.
func missingIndexes(have map[string]string, fields []string) int {
	n := 0
	for _, field := range fields {
		if _, ok := have[field]; !ok {
			n++
		}
	}
	return n
}

// checkIndexCount rejects a Start that would leave table with more than MaxIndexes GSIs.
func checkIndexCount(table string, existing, missing int) error {
	if existing+missing > MaxIndexes {
		return validationError("table %q would have %d indexes, limit is %d", table, existing+missing, MaxIndexes)
	}
	return nil
}

// attributeDefinitions declares the key and every indexed field as strings.
func attributeDefinitions(fields ...string) []types.AttributeDefinition {
	defs := []types.AttributeDefinition{
		{AttributeName: aws.String(KeyField), AttributeType: types.ScalarAttributeTypeS},
	}
	for _, field := range fields {
		if field == KeyField {
			continue
		}
		defs = append(defs, types.AttributeDefinition{
			AttributeName: aws.String(field),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}
	return defs
}

// tableActive reports whether the table and all of its GSIs are ACTIVE.
func tableActive(desc *types.TableDescription) bool {
	if desc.TableStatus != types.TableStatusActive {
		return false
	}
	for _, gsi := range desc.GlobalSecondaryIndexes {
		if gsi.IndexStatus != types.IndexStatusActive {
			return false
		}
	}
	return true
}

// describesIndex reports whether desc carries the GSI this package creates for field.
func describesIndex(desc *types.TableDescription, field string) bool {
	_, ok := describedIndexes(desc)[field]
	return ok
}

// describedIndexes maps indexed fields to GSI names. Only GSIs named and shaped the
// way indexDefinition builds them count; foreign GSIs on the table are ignored.
func describedIndexes(desc *types.TableDescription) map[string]string {
	indexes := make(map[string]string)
	for _, gsi := range desc.GlobalSecondaryIndexes {
		if len(gsi.KeySchema) != 1 || gsi.KeySchema[0].KeyType != types.KeyTypeHash {
			continue
		}
		field := aws.ToString(gsi.KeySchema[0].AttributeName)
		name := aws.ToString(gsi.IndexName)
		if name == naming.IndexName(field) {
			indexes[field] = name
		}
	}
	return indexes
}

// schemaFromDescription builds the registry entry for a started table.
func schemaFromDescription(database, table string, desc *types.TableDescription) TableSchema {
	return TableSchema{
		Name:     table,
		Database: database,
		Physical: naming.PhysicalTable(database, table),
		Indexes:  describedIndexes(desc),
	}
}
