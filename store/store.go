package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client used by Store. *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Store provides record operations over DynamoDB tables.
type Store struct {
	client   API
	config   Config
	logger   *slog.Logger
	registry *Registry

	// startMu serializes table and index creation.
	startMu sync.Mutex
}

var _ Recorder = (*Store)(nil)

// New creates a new Store instance.
func New(client API, config Config) *Store {
	config.validate()
	return &Store{
		client:   client,
		config:   config,
		logger:   config.Logger,
		registry: newRegistry(),
	}
}

// Connect creates a Store from the default AWS configuration chain.
// Config.Endpoint, when set, overrides the DynamoDB endpoint.
func Connect(ctx context.Context, config Config, optFns ...func(*awsconfig.LoadOptions) error) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrConnection, err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return New(client, config), nil
}

// Registry returns the tables started on this Store. Tables are published only by Start.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Create inserts data as a new record. It fails with ErrAlreadyExists if the id is taken.
func (s *Store) Create(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := s.prepare(table, data)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(schema.Physical),
		Item:                     item,
		ConditionExpression:      aws.String(KeyAbsentCondition()),
		ExpressionAttributeNames: KeyNames(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", fmt.Errorf("%w: table %q id %q", ErrAlreadyExists, table, data.ID())
		}
		return "", s.fault("create", table, err)
	}
	return data.ID(), nil
}

// Read retrieves a record by id. A missing record is not an error: found is false.
// A request that never reaches DynamoDB fails with ErrConnection; an error returned by
// the service itself (throttling, internal error) fails with ErrEngine.
func (s *Store) Read(ctx context.Context, table, id string) (Record, bool, error) {
	schema, err := s.registry.Lookup(table)
	if err != nil {
		return nil, false, err
	}
	if err := validateID(id); err != nil {
		return nil, false, err
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(schema.Physical),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, s.fault("read", table, err)
	}
	if result.Item == nil {
		return nil, false, nil
	}

	rec, err := unmarshalRecord(result.Item)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Update merges data into the existing record with the same id; fields in data win.
// The existence check and the write are one conditional request, so a concurrent
// delete makes Update fail with ErrNotFound instead of resurrecting the record.
func (s *Store) Update(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := s.prepare(table, data)
	if err != nil {
		return "", err
	}
	if err := checkUpdateExpression(data.ID(), item); err != nil {
		return "", err
	}

	expr := buildSetExpression(item)
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(schema.Physical),
		Key:                       keyOf(data.ID()),
		ConditionExpression:       aws.String(KeyExistsCondition()),
		ExpressionAttributeNames:  mergeExprNames(KeyNames(), expr.Names),
		ExpressionAttributeValues: nilIfEmpty(expr.Values),
	}
	if expr.Expression != "" {
		input.UpdateExpression = aws.String(expr.Expression)
	}

	_, err = s.client.UpdateItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", fmt.Errorf("%w: table %q id %q", ErrNotFound, table, data.ID())
		}
		return "", s.fault("update", table, err)
	}
	return data.ID(), nil
}

// Upsert merges data into the record with the same id, creating it if absent.
func (s *Store) Upsert(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := s.prepare(table, data)
	if err != nil {
		return "", err
	}
	if err := checkUpdateExpression(data.ID(), item); err != nil {
		return "", err
	}

	expr := buildSetExpression(item)
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(schema.Physical),
		Key:                       keyOf(data.ID()),
		ExpressionAttributeNames:  nilIfEmpty(expr.Names),
		ExpressionAttributeValues: nilIfEmpty(expr.Values),
	}
	if expr.Expression != "" {
		input.UpdateExpression = aws.String(expr.Expression)
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return "", s.fault("upsert", table, err)
	}
	return data.ID(), nil
}

// Put replaces the record with the same id, creating it if absent.
func (s *Store) Put(ctx context.Context, table string, data Record) (string, error) {
	schema, item, err := s.prepare(table, data)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(schema.Physical),
		Item:      item,
	})
	if err != nil {
		return "", s.fault("put", table, err)
	}
	return data.ID(), nil
}

// Delete removes the record with the given id. Deleting a missing id succeeds.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	schema, err := s.registry.Lookup(table)
	if err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(schema.Physical),
		Key:       keyOf(id),
	})
	if err != nil {
		return s.fault("delete", table, err)
	}
	return nil
}

// Search returns every record whose indexed field equals value, via the field's GSI.
// Index reads are eventually consistent.
func (s *Store) Search(ctx context.Context, table, field, value string) ([]Record, error) {
	schema, err := s.registry.Lookup(table)
	if err != nil {
		return nil, err
	}
	indexName, ok := schema.Indexes[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q on table %q", ErrIndexNotFound, field, table)
	}
	if value == "" {
		// Indexed values are never empty, see validateRecord.
		return []Record{}, nil
	}

	keyCond, names, values := indexKeyCondition(field, value)
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(schema.Physical),
		IndexName:                 aws.String(indexName),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})

	var items []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.fault("search", table, err)
		}
		items = append(items, page.Items...)
	}
	return unmarshalRecords(items)
}

// GetAll returns every record in the table.
func (s *Store) GetAll(ctx context.Context, table string) ([]Record, error) {
	schema, err := s.registry.Lookup(table)
	if err != nil {
		return nil, err
	}

	var items []map[string]types.AttributeValue
	err = s.scan(ctx, dynamodb.ScanInput{
		TableName:      aws.String(schema.Physical),
		ConsistentRead: aws.Bool(true),
	}, func(page *dynamodb.ScanOutput) {
		items = append(items, page.Items...)
	})
	if err != nil {
		return nil, s.fault("getAll", table, err)
	}
	return unmarshalRecords(items)
}

// Count returns the number of records in the table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	schema, err := s.registry.Lookup(table)
	if err != nil {
		return 0, err
	}

	count := 0
	err = s.scan(ctx, dynamodb.ScanInput{
		TableName:      aws.String(schema.Physical),
		ConsistentRead: aws.Bool(true),
		Select:         types.SelectCount,
	}, func(page *dynamodb.ScanOutput) {
		count += int(page.Count)
	})
	if err != nil {
		return 0, s.fault("count", table, err)
	}
	return count, nil
}

// scan pages through input, splitting it into Config.ScanSegments parallel segments.
// visit is never called concurrently. The first failing segment cancels the others
// and its error is returned; results gathered so far must then be discarded.
func (s *Store) scan(ctx context.Context, input dynamodb.ScanInput, visit func(*dynamodb.ScanOutput)) error {
	segments := s.config.ScanSegments

	// Fast path for a single segment (default)
	if segments <= 1 {
		return s.scanSegment(ctx, &input, visit)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, segments)

	for segment := 0; segment < segments; segment++ {
		wg.Add(1)
		go func(segment int) {
			defer wg.Done()

			in := input
			in.Segment = aws.Int32(int32(segment))
			in.TotalSegments = aws.Int32(int32(segments))

			err := s.scanSegment(ctx, &in, func(page *dynamodb.ScanOutput) {
				mu.Lock()
				defer mu.Unlock()
				visit(page)
			})
			if err != nil {
				errs <- fmt.Errorf("segment %d: %w", segment, err)
				cancel()
			}
		}(segment)
	}

	wg.Wait()
	close(errs)

	// errs is FIFO: the first error received is the first segment that failed.
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

func (s *Store) scanSegment(ctx context.Context, input *dynamodb.ScanInput, visit func(*dynamodb.ScanOutput)) error {
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		visit(page)
	}
	return nil
}

// prepare resolves the table, validates data and encodes it as a DynamoDB item.
func (s *Store) prepare(table string, data Record) (TableSchema, map[string]types.AttributeValue, error) {
	schema, err := s.registry.Lookup(table)
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
	return schema, item, nil
}

// fault logs an engine error and folds it into the taxonomy.
func (s *Store) fault(op, table string, err error) error {
	err = classify(op, table, err)
	s.logger.Error("engine request failed",
		"op", op,
		"table", table,
		"error", err,
	)
	return err
}

// keyOf returns the primary key for id.
func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		KeyField: &types.AttributeValueMemberS{Value: id},
	}
}
