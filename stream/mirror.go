// Package stream provides DynamoDB Streams handlers that replicate store tables.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/recstore/internal/naming"
	"github.com/jacentio/recstore/store"
)

// Handler applies DynamoDB stream events from one database's tables to a replica.
type Handler struct {
	replica  store.Recorder
	database string
	logger   *slog.Logger
}

// NewHandler creates a new stream handler. Records from tables outside database are
// skipped. Tables must be started on replica before their events arrive.
func NewHandler(replica store.Recorder, database string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		replica:  replica,
		database: database,
		logger:   logger,
	}
}

// HandleMirror processes DynamoDB stream events, replaying inserts, modifications and
// removals onto the replica. The stream view type must include new images.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleMirror(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord applies a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	database, table, ok := naming.SplitPhysical(tableFromARN(record.EventSourceArn))
	if !ok || database != h.database {
		h.logger.Debug("skipping record from unmirrored table",
			"eventID", record.EventID,
			"source", record.EventSourceArn,
		)
		return nil
	}

	var err error
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert, events.DynamoDBOperationTypeModify:
		err = h.apply(ctx, table, record)
	case events.DynamoDBOperationTypeRemove:
		id := getStringAttr(record.Change.Keys, store.KeyField)
		err = h.replica.Delete(ctx, table, id)
	default:
		return nil
	}

	// Invalid records or unstarted tables fail the same way on every retry.
	if errors.Is(err, store.ErrValidation) {
		h.logger.Warn("skipping unreplicable record",
			"eventID", record.EventID,
			"table", table,
			"error", err,
		)
		return nil
	}
	return err
}

// apply writes the record's new image to the replica.
func (h *Handler) apply(ctx context.Context, table string, record events.DynamoDBEventRecord) error {
	if len(record.Change.NewImage) == 0 {
		return fmt.Errorf("event %s has no new image: stream view type must be NEW_IMAGE or NEW_AND_OLD_IMAGES", record.EventID)
	}

	rec := store.Record{}
	if err := attributevalue.UnmarshalMap(ConvertStreamImage(record.Change.NewImage), &rec); err != nil {
		return fmt.Errorf("decode new image: %w", err)
	}

	id, err := h.replica.Put(ctx, table, rec)
	if err != nil {
		return err
	}
	h.logger.Debug("record mirrored",
		"table", table,
		"id", id,
		"event", record.EventName,
	)
	return nil
}

// tableFromARN extracts the table name from a stream ARN
// (arn:aws:dynamodb:region:account:table/NAME/stream/LABEL).
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// ConvertStreamImage converts a DynamoDB stream image to SDK attribute values.
// Use this when you need to decode stream images with the attributevalue package.
func ConvertStreamImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertAttr(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertAttr(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, 0, len(list))
		for _, item := range list {
			if av := convertAttr(item); av != nil {
				out = append(out, av)
			}
		}
		return &types.AttributeValueMemberL{Value: out}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertStreamImage(v.Map())}
	}
	return nil
}
