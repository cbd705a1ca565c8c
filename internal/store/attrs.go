package store

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names reserved by the layout.
const (
	AttrPK      = "pk"
	AttrSK      = "sk"
	AttrIndexPK = "gsi1pk"
	AttrIndexSK = "gsi1sk"
	AttrVersion = "ver"
)

// MarshalItem encodes item.Value as DynamoDB attributes and stamps the key
// and index attributes onto it.
func MarshalItem(item Item) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s/%s: %w", item.Key.PK, item.Key.SK, err)
	}
	if av == nil {
		av = make(map[string]types.AttributeValue)
	}
	for k, v := range KeyAttrs(item.Key) {
		av[k] = v
	}
	if !item.Index.IsZero() {
		av[AttrIndexPK] = &types.AttributeValueMemberS{Value: item.Index.PK}
		av[AttrIndexSK] = &types.AttributeValueMemberS{Value: item.Index.SK}
	}
	return av, nil
}

// MarshalFields encodes a merge update.
func MarshalFields(fields map[string]any) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	return av, nil
}

// KeyAttrs returns the primary-key attributes of key.
func KeyAttrs(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK: &types.AttributeValueMemberS{Value: key.PK},
		AttrSK: &types.AttributeValueMemberS{Value: key.SK},
	}
}

// StringAttr returns the string value of attribute name, or "".
func StringAttr(item map[string]types.AttributeValue, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// ItemSize estimates the size DynamoDB charges for item: attribute names
// plus values, with the documented overhead for numbers, lists and maps.
func ItemSize(item map[string]types.AttributeValue) int {
	size := 0
	for name, v := range item {
		size += len(name) + valueSize(v)
	}
	return size
}

func valueSize(v types.AttributeValue) int {
	switch v := v.(type) {
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
		return 3 + len(v.Value) + ItemSize(v.Value)
	}
	return 0
}

// numberSize is one byte per two significant digits plus one.
func numberSize(n string) int {
	digits := 0
	for _, r := range n {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return (digits+1)/2 + 1
}
