package store_test

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jacentio/recstore/store"
)

// fakeDynamo is an in-process stand-in for the DynamoDB operations Store issues.
// It understands exactly the expression shapes the store package builds.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]*fakeTable

	// pageSize bounds Query and Scan pages so pagination is exercised.
	pageSize int

	// lag is how many DescribeTable calls report a table as not yet ACTIVE after
	// CreateTable or UpdateTable.
	lag int

	failures map[string][]error
	calls    map[string]int

	lastUpdate *dynamodb.UpdateItemInput
	lastPut    *dynamodb.PutItemInput
}

type fakeTable struct {
	desc    types.TableDescription
	items   map[string]map[string]types.AttributeValue
	pending int
}

var _ store.API = (*fakeDynamo)(nil)

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		tables:   make(map[string]*fakeTable),
		pageSize: 2,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// failNext queues results for the next calls of op. A nil entry lets that call through.
func (f *fakeDynamo) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeDynamo) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// begin records a call and pops a queued failure. Callers hold f.mu.
func (f *fakeDynamo) begin(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation error DynamoDB: %s: %w", op, err)
	}
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	f.failures[op] = queue[1:]
	return queue[0]
}

func (f *fakeDynamo) table(name *string) (*fakeTable, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + aws.ToString(name))}
	}
	return t, nil
}

func validationException(format string, args ...any) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: fmt.Sprintf(format, args...)}
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DescribeTable"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}

	desc := t.desc
	desc.GlobalSecondaryIndexes = append([]types.GlobalSecondaryIndexDescription(nil), t.desc.GlobalSecondaryIndexes...)
	if t.pending > 0 {
		t.pending--
		return &dynamodb.DescribeTableOutput{Table: &desc}, nil
	}
	t.desc.TableStatus = types.TableStatusActive
	desc.TableStatus = types.TableStatusActive
	for i := range desc.GlobalSecondaryIndexes {
		t.desc.GlobalSecondaryIndexes[i].IndexStatus = types.IndexStatusActive
		desc.GlobalSecondaryIndexes[i].IndexStatus = types.IndexStatusActive
	}
	return &dynamodb.DescribeTableOutput{Table: &desc}, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "CreateTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.TableName)
	if len(params.GlobalSecondaryIndexes) > fakeMaxIndexes {
		return nil, limitExceeded(name)
	}
	if _, exists := f.tables[name]; exists {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}

	t := &fakeTable{
		desc: types.TableDescription{
			TableName:   params.TableName,
			TableStatus: types.TableStatusCreating,
			KeySchema:   params.KeySchema,
		},
		items:   make(map[string]map[string]types.AttributeValue),
		pending: f.lag,
	}
	for _, gsi := range params.GlobalSecondaryIndexes {
		t.desc.GlobalSecondaryIndexes = append(t.desc.GlobalSecondaryIndexes, types.GlobalSecondaryIndexDescription{
			IndexName:   gsi.IndexName,
			KeySchema:   gsi.KeySchema,
			Projection:  gsi.Projection,
			IndexStatus: types.IndexStatusCreating,
		})
	}
	f.tables[name] = t
	return &dynamodb.CreateTableOutput{TableDescription: &t.desc}, nil
}

func (f *fakeDynamo) UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "UpdateTable"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	if len(params.GlobalSecondaryIndexUpdates) != 1 {
		return nil, validationException("only one index may be created per update")
	}
	create := params.GlobalSecondaryIndexUpdates[0].Create
	if len(t.desc.GlobalSecondaryIndexes) >= fakeMaxIndexes {
		return nil, limitExceeded(aws.ToString(params.TableName))
	}
	for _, gsi := range t.desc.GlobalSecondaryIndexes {
		if aws.ToString(gsi.IndexName) == aws.ToString(create.IndexName) {
			return nil, validationException("index %s already exists", aws.ToString(create.IndexName))
		}
	}
	t.desc.TableStatus = types.TableStatusUpdating
	t.desc.GlobalSecondaryIndexes = append(t.desc.GlobalSecondaryIndexes, types.GlobalSecondaryIndexDescription{
		IndexName:   create.IndexName,
		KeySchema:   create.KeySchema,
		Projection:  create.Projection,
		IndexStatus: types.IndexStatusCreating,
	})
	t.pending = f.lag
	return &dynamodb.UpdateTableOutput{TableDescription: &t.desc}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[keyID(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPut = params
	if err := f.begin(ctx, "PutItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	id := keyID(params.Item)
	if err := checkCondition(params.ConditionExpression, params.ExpressionAttributeNames, t.items[id] != nil); err != nil {
		return nil, err
	}
	if err := t.checkIndexKeys(params.Item); err != nil {
		return nil, err
	}
	if err := checkStorable(params.Item); err != nil {
		return nil, err
	}
	t.items[id] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = params
	if err := f.begin(ctx, "UpdateItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	id := keyID(params.Key)
	existing := t.items[id]
	if err := checkCondition(params.ConditionExpression, params.ExpressionAttributeNames, existing != nil); err != nil {
		return nil, err
	}

	next := copyItem(existing)
	if next == nil {
		next = copyItem(params.Key)
	}
	if expr := aws.ToString(params.UpdateExpression); expr != "" {
		if len(expr) > fakeMaxExpression {
			return nil, validationException("Invalid UpdateExpression: Expression size has exceeded the maximum allowed size")
		}
		if !strings.HasPrefix(expr, "SET ") {
			return nil, validationException("unsupported update expression %q", expr)
		}
		for _, clause := range strings.Split(strings.TrimPrefix(expr, "SET "), ", ") {
			name, value, ok := strings.Cut(clause, " = ")
			if !ok {
				return nil, validationException("bad clause %q", clause)
			}
			field, ok := params.ExpressionAttributeNames[name]
			if !ok {
				return nil, validationException("undefined name %s", name)
			}
			av, ok := params.ExpressionAttributeValues[value]
			if !ok {
				return nil, validationException("undefined value %s", value)
			}
			if field == "id" {
				return nil, validationException("cannot update key attribute")
			}
			next[field] = av
		}
	}
	if err := t.checkIndexKeys(next); err != nil {
		return nil, err
	}
	if err := checkStorable(next); err != nil {
		return nil, err
	}
	t.items[id] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DeleteItem"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	delete(t.items, keyID(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "Query"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	found := false
	for _, gsi := range t.desc.GlobalSecondaryIndexes {
		if aws.ToString(gsi.IndexName) == aws.ToString(params.IndexName) {
			found = true
		}
	}
	if !found {
		return nil, validationException("index %s not found", aws.ToString(params.IndexName))
	}
	if aws.ToString(params.KeyConditionExpression) != "#k = :k" {
		return nil, validationException("unsupported key condition %q", aws.ToString(params.KeyConditionExpression))
	}
	field := params.ExpressionAttributeNames["#k"]
	want, _ := params.ExpressionAttributeValues[":k"].(*types.AttributeValueMemberS)

	var matches []map[string]types.AttributeValue
	for _, item := range t.sorted() {
		if s, ok := item[field].(*types.AttributeValueMemberS); ok && want != nil && s.Value == want.Value {
			matches = append(matches, item)
		}
	}
	page, last := f.page(matches, params.ExclusiveStartKey)
	return &dynamodb.QueryOutput{Items: page, Count: int32(len(page)), LastEvaluatedKey: last}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "Scan"); err != nil {
		return nil, err
	}
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}

	items := t.sorted()
	if params.TotalSegments != nil {
		total := uint32(aws.ToInt32(params.TotalSegments))
		segment := uint32(aws.ToInt32(params.Segment))
		var inSegment []map[string]types.AttributeValue
		for _, item := range items {
			if segmentOf(keyID(item), total) == segment {
				inSegment = append(inSegment, item)
			}
		}
		items = inSegment
	}

	page, last := f.page(items, params.ExclusiveStartKey)
	out := &dynamodb.ScanOutput{Count: int32(len(page)), LastEvaluatedKey: last}
	if params.Select != types.SelectCount {
		out.Items = page
	}
	return out, nil
}

// page returns the items after start, at most pageSize of them.
func (f *fakeDynamo) page(items []map[string]types.AttributeValue, start map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if start != nil {
		after := keyID(start)
		i := sort.Search(len(items), func(i int) bool { return keyID(items[i]) > after })
		items = items[i:]
	}
	if f.pageSize > 0 && len(items) > f.pageSize {
		page := items[:f.pageSize]
		return copyItems(page), copyItem(map[string]types.AttributeValue{"id": page[len(page)-1]["id"]})
	}
	return copyItems(items), nil
}

// checkIndexKeys rejects items whose GSI key attributes are not non-empty strings,
// as DynamoDB does.
func (t *fakeTable) checkIndexKeys(item map[string]types.AttributeValue) error {
	for _, gsi := range t.desc.GlobalSecondaryIndexes {
		field := aws.ToString(gsi.KeySchema[0].AttributeName)
		v, ok := item[field]
		if !ok {
			continue
		}
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok || s.Value == "" {
			return validationException("type mismatch for index key %s", field)
		}
	}
	return nil
}

// Engine limits, spelled out independently of the store package.
const (
	fakeMaxIndexes    = 20
	fakeMaxItemBytes  = 400 * 1024
	fakeMaxExpression = 4096
)

func limitExceeded(table string) error {
	return &types.LimitExceededException{Message: aws.String("Subscriber limit exceeded: too many global secondary indexes on " + table)}
}

// checkStorable rejects numbers DynamoDB cannot represent and items over the size limit.
// Sizes count names and string bytes only, so the fake never refuses an item the
// store package accepts.
func checkStorable(item map[string]types.AttributeValue) error {
	size := 0
	for name, av := range item {
		n, err := storedSize(av)
		if err != nil {
			return err
		}
		size += len(name) + n
	}
	if size > fakeMaxItemBytes {
		return validationException("Item size has exceeded the maximum allowed size")
	}
	return nil
}

func storedSize(av types.AttributeValue) (int, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return len(v.Value), nil
	case *types.AttributeValueMemberN:
		f, err := strconv.ParseFloat(v.Value, 64)
		abs := math.Abs(f)
		if err != nil || math.IsNaN(f) || abs >= 1e126 || (abs != 0 && abs < 1e-130) {
			return 0, validationException("The parameter cannot be converted to a numeric value: %s", v.Value)
		}
		return 1, nil
	case *types.AttributeValueMemberL:
		size := 0
		for _, e := range v.Value {
			n, err := storedSize(e)
			if err != nil {
				return 0, err
			}
			size += n
		}
		return size, nil
	case *types.AttributeValueMemberM:
		size := 0
		for name, e := range v.Value {
			n, err := storedSize(e)
			if err != nil {
				return 0, err
			}
			size += len(name) + n
		}
		return size, nil
	}
	return 1, nil
}

func (t *fakeTable) sorted() []map[string]types.AttributeValue {
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

func checkCondition(expr *string, names map[string]string, exists bool) error {
	switch aws.ToString(expr) {
	case "":
		return nil
	case "attribute_exists(#id)":
		if names["#id"] != "id" {
			return validationException("#id not bound")
		}
		if !exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	case "attribute_not_exists(#id)":
		if names["#id"] != "id" {
			return validationException("#id not bound")
		}
		if exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	default:
		return validationException("unsupported condition %q", aws.ToString(expr))
	}
	return nil
}

func keyID(item map[string]types.AttributeValue) string {
	if s, ok := item["id"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func segmentOf(id string, total uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % total
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func copyItems(items []map[string]types.AttributeValue) []map[string]types.AttributeValue {
	out := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		out = append(out, copyItem(item))
	}
	return out
}
