package store

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB service limits enforced before a request is sent, so that both stores
// reject the same input with ErrValidation.
const (
	// MaxItemSize is the largest encoded record, in bytes.
	MaxItemSize = 400 * 1024

	// MaxIndexes is the number of GSIs a table may carry.
	MaxIndexes = 20

	// MaxExpressionLength bounds the update expression built for Update and Upsert.
	MaxExpressionLength = 4096

	// DynamoDB numbers have magnitude 0 or in [1e-130, 1e126).
	numberCeiling = 1e126
	numberFloor   = 1e-130
)

// checkItem rejects an encoded record the engine would refuse.
func checkItem(id string, item map[string]types.AttributeValue) error {
	for name, av := range item {
		if err := checkNumbers(av); err != nil {
			return validationError("record %q field %q: %v", id, name, err)
		}
	}
	if size := itemSize(item); size > MaxItemSize {
		return validationError("record %q is %d bytes, limit is %d", id, size, MaxItemSize)
	}
	return nil
}

// checkUpdateExpression rejects records too wide for a single update expression.
func checkUpdateExpression(id string, item map[string]types.AttributeValue) error {
	if n := len(buildSetExpression(item).Expression); n > MaxExpressionLength {
		return validationError("record %q has too many fields to update at once (expression is %d bytes, limit is %d)",
			id, n, MaxExpressionLength)
	}
	return nil
}

// checkNumbers walks av and validates every number in it.
func checkNumbers(av types.AttributeValue) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		return checkNumber(v.Value)
	case *types.AttributeValueMemberNS:
		for _, n := range v.Value {
			if err := checkNumber(n); err != nil {
				return err
			}
		}
	case *types.AttributeValueMemberL:
		for _, e := range v.Value {
			if err := checkNumbers(e); err != nil {
				return err
			}
		}
	case *types.AttributeValueMemberM:
		for _, e := range v.Value {
			if err := checkNumbers(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return fmt.Errorf("number %q: %w", s, err)
	}
	abs := math.Abs(f)
	if math.IsNaN(f) || abs >= numberCeiling || (abs != 0 && abs < numberFloor) {
		return fmt.Errorf("number %s is outside the range DynamoDB stores", s)
	}
	return nil
}

// itemSize estimates the stored size of an item the way DynamoDB documents it:
// attribute names plus values, with 3 bytes per list or map and 1 byte per element.
func itemSize(item map[string]types.AttributeValue) int {
	size := 0
	for name, av := range item {
		size += len(name) + valueSize(av)
	}
	return size
}

func valueSize(av types.AttributeValue) int {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return len(v.Value)
	case *types.AttributeValueMemberN:
		return numberSize(v.Value)
	case *types.AttributeValueMemberB:
		return len(v.Value)
	case *types.AttributeValueMemberBOOL, *types.AttributeValueMemberNULL:
		return 1
	case *types.AttributeValueMemberSS:
		size := 0
		for _, s := range v.Value {
			size += len(s)
		}
		return size
	case *types.AttributeValueMemberNS:
		size := 0
		for _, n := range v.Value {
			size += numberSize(n)
		}
		return size
	case *types.AttributeValueMemberBS:
		size := 0
		for _, b := range v.Value {
			size += len(b)
		}
		return size
	case *types.AttributeValueMemberL:
		size := 3
		for _, e := range v.Value {
			size += 1 + valueSize(e)
		}
		return size
	case *types.AttributeValueMemberM:
		size := 3
		for name, e := range v.Value {
			size += 1 + len(name) + valueSize(e)
		}
		return size
	}
	return 0
}

// numberSize is one byte per two digits plus one, at most 21 bytes.
func numberSize(s string) int {
	size := len(s)/2 + 1
	if size > 21 {
		size = 21
	}
	return size
}
