package nodes

import (
	"fmt"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/shopspring/decimal"
)

// BinaryHandle references binary content kept by the blob store.
// The record only carries the handle; the bytes never live in memory here.
type BinaryHandle struct {
	ID          int64
	FileName    string
	ContentType string
	Size        int64
	Checksum    string
}

// IsEmpty reports whether the handle references nothing.
func (h BinaryHandle) IsEmpty() bool {
	return h == BinaryHandle{}
}

// SameContent compares handles by content identity, ignoring the storage id.
func (h BinaryHandle) SameContent(other BinaryHandle) bool {
	h.ID, other.ID = 0, 0
	return h == other
}

// DefaultPropertyValue returns the zero value of a data type.
func DefaultPropertyValue(dataType schema.DataType) any {
	switch dataType {
	case schema.DataTypeString, schema.DataTypeText:
		return ""
	case schema.DataTypeInt:
		return int64(0)
	case schema.DataTypeDecimal:
		return decimal.Zero
	case schema.DataTypeDateTime:
		return time.Time{}
	case schema.DataTypeBinary:
		return BinaryHandle{}
	case schema.DataTypeReference:
		return []int64(nil)
	default:
		return nil
	}
}

// NormalizePropertyValue coerces value into the canonical Go type of dataType.
func NormalizePropertyValue(dataType schema.DataType, value any) (any, error) {
	if value == nil {
		return DefaultPropertyValue(dataType), nil
	}
	switch dataType {
	case schema.DataTypeString, schema.DataTypeText:
		if typed, ok := value.(string); ok {
			return typed, nil
		}
	case schema.DataTypeInt:
		switch typed := value.(type) {
		case int64:
			return typed, nil
		case int:
			return int64(typed), nil
		case int32:
			return int64(typed), nil
		case float64:
			if typed == float64(int64(typed)) {
				return int64(typed), nil
			}
		}
	case schema.DataTypeDecimal:
		switch typed := value.(type) {
		case decimal.Decimal:
			return typed, nil
		case string:
			parsed, err := decimal.NewFromString(typed)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", typed, err)
			}
			return parsed, nil
		case float64:
			return decimal.NewFromFloat(typed), nil
		case int64:
			return decimal.NewFromInt(typed), nil
		case int:
			return decimal.NewFromInt(int64(typed)), nil
		}
	case schema.DataTypeDateTime:
		switch typed := value.(type) {
		case time.Time:
			return typed.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, typed)
			if err != nil {
				return nil, fmt.Errorf("invalid datetime %q: %w", typed, err)
			}
			return parsed.UTC(), nil
		}
	case schema.DataTypeBinary:
		switch typed := value.(type) {
		case BinaryHandle:
			return typed, nil
		case *BinaryHandle:
			if typed == nil {
				return BinaryHandle{}, nil
			}
			return *typed, nil
		}
	case schema.DataTypeReference:
		switch typed := value.(type) {
		case []int64:
			return slices.Clone(typed), nil
		case []int:
			references := make([]int64, 0, len(typed))
			for _, id := range typed {
				references = append(references, int64(id))
			}
			return references, nil
		case []any:
			references := make([]int64, 0, len(typed))
			for _, raw := range typed {
				switch id := raw.(type) {
				case float64:
					references = append(references, int64(id))
				case int64:
					references = append(references, id)
				case int:
					references = append(references, int64(id))
				default:
					return nil, fmt.Errorf("reference list does not accept %T", raw)
				}
			}
			return references, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownDataType, dataType)
	}
	return nil, fmt.Errorf("%s property does not accept %T", dataType, value)
}

// ValuesEqual compares two canonical values by value semantics.
func ValuesEqual(left, right any) bool {
	switch typedLeft := left.(type) {
	case time.Time:
		typedRight, ok := right.(time.Time)
		return ok && typedLeft.Equal(typedRight)
	case decimal.Decimal:
		typedRight, ok := right.(decimal.Decimal)
		return ok && typedLeft.Equal(typedRight)
	case []int64:
		typedRight, ok := right.([]int64)
		return ok && slices.Equal(typedLeft, typedRight)
	case BinaryHandle:
		typedRight, ok := right.(BinaryHandle)
		return ok && typedLeft.SameContent(typedRight)
	default:
		return left == right
	}
}

func cloneValue(value any) any {
	if references, ok := value.([]int64); ok {
		return slices.Clone(references)
	}
	return value
}
