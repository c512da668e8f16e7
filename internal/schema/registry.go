package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var errMissingSource = errors.New("schema: definition source is required")

// Definitions is the raw content a Source returns.
type Definitions struct {
	PropertyTypes []*PropertyType
	NodeTypes     []NodeTypeDefinition
}

// NodeTypeDefinition references property types by name.
type NodeTypeDefinition struct {
	ID            int
	Name          string
	ParentName    string
	PropertyNames []string
}

// Source loads the persisted type definitions.
type Source interface {
	LoadDefinitions(ctx context.Context) (Definitions, error)
}

// Registry is an explicitly constructed, reloadable view over the type definitions.
type Registry struct {
	source Source

	mu         sync.RWMutex
	byName     map[string]*NodeType
	byID       map[int]*NodeType
	properties map[string]*PropertyType
	generation atomic.Int64
}

// NewRegistry constructs an empty registry; call Reload to populate it.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source:     source,
		byName:     map[string]*NodeType{},
		byID:       map[int]*NodeType{},
		properties: map[string]*PropertyType{},
	}
}

// Reset drops every loaded definition.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.byName = map[string]*NodeType{}
	r.byID = map[int]*NodeType{}
	r.properties = map[string]*PropertyType{}
	r.mu.Unlock()
	r.generation.Add(1)
}

// Reload replaces the loaded definitions with the source's current content.
func (r *Registry) Reload(ctx context.Context) error {
	if r.source == nil {
		return errMissingSource
	}
	definitions, err := r.source.LoadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("schema: load definitions: %w", err)
	}
	return r.Install(definitions)
}

// Install replaces the loaded definitions with the provided ones.
func (r *Registry) Install(definitions Definitions) error {
	properties := make(map[string]*PropertyType, len(definitions.PropertyTypes))
	for _, property := range definitions.PropertyTypes {
		if property == nil || property.ID <= 0 || property.Name == "" {
			return fmt.Errorf("%w: property %+v", ErrInvalidDefinition, property)
		}
		if _, err := ParseDataType(string(property.DataType)); err != nil {
			return err
		}
		properties[property.Name] = property
	}

	byName := make(map[string]*NodeType, len(definitions.NodeTypes))
	byID := make(map[int]*NodeType, len(definitions.NodeTypes))
	for _, definition := range definitions.NodeTypes {
		resolved := make([]*PropertyType, 0, len(definition.PropertyNames))
		for _, propertyName := range definition.PropertyNames {
			property, ok := properties[propertyName]
			if !ok {
				return fmt.Errorf("%w: %s references unknown property %q", ErrInvalidDefinition, definition.Name, propertyName)
			}
			resolved = append(resolved, property)
		}
		nodeType, err := NewNodeType(definition.ID, definition.Name, definition.ParentName, resolved)
		if err != nil {
			return err
		}
		byName[nodeType.Name] = nodeType
		byID[nodeType.ID] = nodeType
	}

	r.mu.Lock()
	r.byName = byName
	r.byID = byID
	r.properties = properties
	r.mu.Unlock()
	r.generation.Add(1)
	return nil
}

// NodeType returns the node type registered under name.
func (r *Registry) NodeType(name string) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeType, ok := r.byName[name]
	return nodeType, ok
}

// NodeTypeByID returns the node type registered under id.
func (r *Registry) NodeTypeByID(id int) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeType, ok := r.byID[id]
	return nodeType, ok
}

// PropertyType returns a property type by name across all node types.
func (r *Registry) PropertyType(name string) (*PropertyType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	property, ok := r.properties[name]
	return property, ok
}

// Generation increases on every Reset or Install.
func (r *Registry) Generation() int64 {
	return r.generation.Load()
}
