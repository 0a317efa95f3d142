package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// keyName is the expression placeholder for the primary key attribute.
const keyName = "#id"

// KeyExistsCondition returns the condition expression that passes only when the item exists.
func KeyExistsCondition() string {
	return "attribute_exists(" + keyName + ")"
}

// KeyAbsentCondition returns the condition expression that passes only when the item is absent.
func KeyAbsentCondition() string {
	return "attribute_not_exists(" + keyName + ")"
}

// KeyNames returns expression attribute names for the key conditions.
func KeyNames() map[string]string {
	return map[string]string{keyName: KeyField}
}

// updateExpr is a SET expression with its placeholder maps.
type updateExpr struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// buildSetExpression builds "SET #f0 = :v0, ..." for every non-key attribute of item.
// Attributes are visited in sorted order so the expression is deterministic.
// Expression is empty when item holds only the key.
func buildSetExpression(item map[string]types.AttributeValue) updateExpr {
	fields := make([]string, 0, len(item))
	for k := range item {
		if k == KeyField {
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)

	out := updateExpr{
		Names:  make(map[string]string, len(fields)),
		Values: make(map[string]types.AttributeValue, len(fields)),
	}
	if len(fields) == 0 {
		return out
	}

	clauses := make([]string, 0, len(fields))
	for i, field := range fields {
		nameKey := fmt.Sprintf("#f%d", i)
		valueKey := fmt.Sprintf(":v%d", i)
		out.Names[nameKey] = field
		out.Values[valueKey] = item[field]
		clauses = append(clauses, nameKey+" = "+valueKey)
	}
	out.Expression = "SET " + strings.Join(clauses, ", ")
	return out
}

// indexKeyCondition returns the key condition for an equality lookup on an index.
func indexKeyCondition(field, value string) (string, map[string]string, map[string]types.AttributeValue) {
	return "#k = :k",
		map[string]string{"#k": field},
		map[string]types.AttributeValue{":k": &types.AttributeValueMemberS{Value: value}}
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// nilIfEmpty returns nil for empty maps; DynamoDB rejects empty expression maps.
func nilIfEmpty[V any](m map[string]V) map[string]V {
	if len(m) == 0 {
		return nil
	}
	return m
}
