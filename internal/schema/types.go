// Package schema holds the node and property type registry consumed by the record layer.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// DataType enumerates the storage shapes a dynamic property can take.
type DataType string

const (
	DataTypeString    DataType = "string"
	DataTypeText      DataType = "text"
	DataTypeInt       DataType = "int"
	DataTypeDecimal   DataType = "decimal"
	DataTypeDateTime  DataType = "datetime"
	DataTypeBinary    DataType = "binary"
	DataTypeReference DataType = "reference"
)

var (
	// ErrUnknownDataType indicates a property definition uses an unsupported data type.
	ErrUnknownDataType = errors.New("schema: unknown data type")
	// ErrInvalidDefinition indicates a structurally invalid type definition.
	ErrInvalidDefinition = errors.New("schema: invalid definition")
)

// ParseDataType validates raw input and returns a DataType.
func ParseDataType(raw string) (DataType, error) {
	switch dataType := DataType(strings.ToLower(strings.TrimSpace(raw))); dataType {
	case DataTypeString, DataTypeText, DataTypeInt, DataTypeDecimal, DataTypeDateTime, DataTypeBinary, DataTypeReference:
		return dataType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDataType, raw)
	}
}

// PropertyType describes one dynamic property slot.
type PropertyType struct {
	ID         int
	Name       string
	DataType   DataType
	SeeEnabled bool
}

// Lazy reports whether values of this property are loaded on first read instead of with the record.
func (p *PropertyType) Lazy() bool {
	return p.DataType == DataTypeText || p.DataType == DataTypeBinary
}

// NodeType describes the set of dynamic properties a node carries.
type NodeType struct {
	ID         int
	Name       string
	ParentName string
	Properties []*PropertyType

	byName map[string]*PropertyType
	byID   map[int]*PropertyType
}

// NewNodeType indexes the given properties and returns a NodeType.
func NewNodeType(id int, name, parentName string, properties []*PropertyType) (*NodeType, error) {
	if id <= 0 || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: node type %d %q", ErrInvalidDefinition, id, name)
	}
	nodeType := &NodeType{
		ID:         id,
		Name:       name,
		ParentName: parentName,
		Properties: make([]*PropertyType, 0, len(properties)),
		byName:     make(map[string]*PropertyType, len(properties)),
		byID:       make(map[int]*PropertyType, len(properties)),
	}
	for _, property := range properties {
		if property == nil {
			continue
		}
		if _, exists := nodeType.byName[property.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate property %q on %s", ErrInvalidDefinition, property.Name, name)
		}
		nodeType.Properties = append(nodeType.Properties, property)
		nodeType.byName[property.Name] = property
		nodeType.byID[property.ID] = property
	}
	return nodeType, nil
}

// Property looks up a property type by name.
func (t *NodeType) Property(name string) (*PropertyType, bool) {
	if t == nil {
		return nil, false
	}
	property, ok := t.byName[name]
	return property, ok
}

// PropertyByID looks up a property type by id.
func (t *NodeType) PropertyByID(id int) (*PropertyType, bool) {
	if t == nil {
		return nil, false
	}
	property, ok := t.byID[id]
	return property, ok
}

// TypeName returns the name or a placeholder for a nil type.
func (t *NodeType) TypeName() string {
	if t == nil {
		return "<untyped>"
	}
	return t.Name
}
