package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/shopspring/decimal"
)

// encodeValue renders a canonical property value into its column form.
func encodeValue(dataType schema.DataType, value any) (string, error) {
	normalized, err := nodes.NormalizePropertyValue(dataType, value)
	if err != nil {
		return "", err
	}
	switch typed := normalized.(type) {
	case string:
		return typed, nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case decimal.Decimal:
		return typed.String(), nil
	case time.Time:
		if typed.IsZero() {
			return "", nil
		}
		return typed.UTC().Format(time.RFC3339Nano), nil
	case []int64:
		if len(typed) == 0 {
			return "", nil
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	default:
		return "", fmt.Errorf("storage: %s values are not stored as columns", dataType)
	}
}

// decodeValue parses a column back into the canonical value of dataType.
func decodeValue(dataType schema.DataType, raw string) (any, error) {
	switch dataType {
	case schema.DataTypeString, schema.DataTypeText:
		return raw, nil
	case schema.DataTypeInt:
		if raw == "" {
			return int64(0), nil
		}
		return strconv.ParseInt(raw, 10, 64)
	case schema.DataTypeDecimal:
		if raw == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(raw)
	case schema.DataTypeDateTime:
		if raw == "" {
			return time.Time{}, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, err
		}
		return parsed.UTC(), nil
	case schema.DataTypeReference:
		if raw == "" {
			return []int64(nil), nil
		}
		var references []int64
		if err := json.Unmarshal([]byte(raw), &references); err != nil {
			return nil, err
		}
		return references, nil
	default:
		return nil, fmt.Errorf("storage: %s values are not stored as columns", dataType)
	}
}

func binaryHandle(row BinaryRow) nodes.BinaryHandle {
	return nodes.BinaryHandle{
		ID:          row.BinaryID,
		FileName:    row.FileName,
		ContentType: row.ContentType,
		Size:        row.Size,
		Checksum:    row.Checksum,
	}
}

func versionNumber(row VersionRow) nodes.VersionNumber {
	return nodes.VersionNumber{Major: row.Major, Minor: row.Minor, Status: nodes.VersionStatus(row.Status)}
}
