// Package nodes implements the copy-on-write versioned record and the node wrapper around it.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"golang.org/x/sync/singleflight"
)

const (
	opRecordSet         = "nodes.record.set"
	opRecordSetProperty = "nodes.record.set_property"
	opRecordProperty    = "nodes.record.property"
	opRecordRollback    = "nodes.record.rollback"
)

// PropertyLoader fetches the value of a demand-loaded property of a stored version.
type PropertyLoader interface {
	LoadProperty(ctx context.Context, versionID int64, property *schema.PropertyType) (any, error)
}

// ChangedValue describes one difference between a private record and its shared parent.
type ChangedValue struct {
	Name     string
	Original any
	New      any
}

// Record holds the data of one node version.
//
// A record is either shared or private. Shared records are published snapshots
// that many goroutines may read concurrently and that are never modified, apart
// from demand-loaded property values being cached under mu. Private records are
// owned by exactly one edit; they start empty and read through to their shared
// parent until a slot or property is set.
type Record struct {
	nodeType *schema.NodeType
	loader   PropertyLoader

	shared bool
	parent *Record

	slots    [slotCount]any
	present  [slotCount]bool
	modified [slotCount]bool

	mu               sync.Mutex
	dynamic          map[int]any
	propertyModified map[int]bool
	loads            singleflight.Group

	onChange func(name string)
	snapshot *Snapshot
}

// NewRecord returns an empty private record for a node that was never saved.
func NewRecord(nodeType *schema.NodeType) *Record {
	return &Record{
		nodeType:         nodeType,
		dynamic:          map[int]any{},
		propertyModified: map[int]bool{},
	}
}

// NewSharedRecord builds a published record from stored values.
// Properties absent from properties are either demand-loaded through loader
// (lazy types) or read as their type default.
func NewSharedRecord(nodeType *schema.NodeType, loader PropertyLoader, slots map[Slot]any, properties map[int]any) (*Record, error) {
	record := &Record{
		nodeType:         nodeType,
		loader:           loader,
		shared:           true,
		dynamic:          make(map[int]any, len(properties)),
		propertyModified: map[int]bool{},
	}
	for slot := Slot(0); slot < slotCount; slot++ {
		value, err := slot.normalize(slots[slot])
		if err != nil {
			return nil, err
		}
		record.slots[slot] = value
		record.present[slot] = true
	}
	for propertyID, value := range properties {
		property, ok := nodeType.PropertyByID(propertyID)
		if !ok {
			return nil, fmt.Errorf("property %d is not defined on %s", propertyID, nodeType.TypeName())
		}
		normalized, err := NormalizePropertyValue(property.DataType, value)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", property.Name, err)
		}
		record.dynamic[propertyID] = normalized
	}
	return record, nil
}

// NodeType returns the record's node type.
func (r *Record) NodeType() *schema.NodeType {
	return r.nodeType
}

// IsShared reports whether the record is a read-only published snapshot.
func (r *Record) IsShared() bool {
	return r.shared
}

// SharedData returns the shared parent of a private record, if any.
func (r *Record) SharedData() *Record {
	return r.parent
}

// SetChangeHandler registers the callback invoked after every successful write.
func (r *Record) SetChangeHandler(handler func(name string)) {
	r.onChange = handler
}

// Get resolves a slot: private override, then shared parent, then default.
func (r *Record) Get(slot Slot) any {
	if !slot.valid() {
		return nil
	}
	if r.present[slot] {
		return cloneValue(r.slots[slot])
	}
	if r.parent != nil {
		return r.parent.Get(slot)
	}
	return slot.defaultValue()
}

func (r *Record) int64Slot(slot Slot) int64 {
	value, _ := r.Get(slot).(int64)
	return value
}

func (r *Record) ID() int64               { return r.int64Slot(SlotID) }
func (r *Record) ParentID() int64         { return r.int64Slot(SlotParentID) }
func (r *Record) VersionID() int64        { return r.int64Slot(SlotVersionID) }
func (r *Record) OwnerID() int64          { return r.int64Slot(SlotOwnerID) }
func (r *Record) NodeTimestamp() int64    { return r.int64Slot(SlotNodeTimestamp) }
func (r *Record) VersionTimestamp() int64 { return r.int64Slot(SlotVersionTimestamp) }

// Name returns the node name.
func (r *Record) Name() string {
	value, _ := r.Get(SlotName).(string)
	return value
}

// Path returns the node path.
func (r *Record) Path() string {
	value, _ := r.Get(SlotPath).(string)
	return value
}

// Version returns the version number.
func (r *Record) Version() VersionNumber {
	value, _ := r.Get(SlotVersion).(VersionNumber)
	return value
}

// Set writes a slot on a private record.
func (r *Record) Set(slot Slot, value any) error {
	if r.shared {
		return storeerr.New(storeerr.KindInvalidOperation, opRecordSet, "cannot modify %s of a shared record", slot).WithNode(r.ID(), r.Path())
	}
	if !slot.valid() {
		return storeerr.New(storeerr.KindInvalidOperation, opRecordSet, "unknown slot %d", int(slot))
	}
	normalized, err := slot.normalize(value)
	if err != nil {
		return storeerr.Wrap(storeerr.KindInvalidOperation, opRecordSet, err, "invalid value")
	}
	r.slots[slot] = normalized
	r.present[slot] = true
	r.modified[slot] = !ValuesEqual(normalized, r.baseSlot(slot))
	r.notify(slot.String())
	return nil
}

func (r *Record) restoreSlot(slot Slot, value any) {
	normalized, err := slot.normalize(value)
	if err != nil {
		return
	}
	r.slots[slot] = normalized
	r.present[slot] = true
	r.modified[slot] = !ValuesEqual(normalized, r.baseSlot(slot))
}

func (r *Record) baseSlot(slot Slot) any {
	if r.parent != nil {
		return r.parent.Get(slot)
	}
	return slot.defaultValue()
}

func (r *Record) notify(name string) {
	if r.onChange != nil {
		r.onChange(name)
	}
}

func (r *Record) propertyType(op, name string) (*schema.PropertyType, error) {
	property, ok := r.nodeType.Property(name)
	if !ok {
		return nil, storeerr.New(storeerr.KindNotFound, op, "property %q is not defined on type %s", name, r.nodeType.TypeName()).WithNode(r.ID(), r.Path())
	}
	return property, nil
}

// Property resolves a dynamic property by name.
func (r *Record) Property(ctx context.Context, name string) (any, error) {
	property, err := r.propertyType(opRecordProperty, name)
	if err != nil {
		return nil, err
	}
	return r.property(ctx, property)
}

// PropertyByID resolves a dynamic property by property type id.
func (r *Record) PropertyByID(ctx context.Context, id int) (any, error) {
	property, ok := r.nodeType.PropertyByID(id)
	if !ok {
		return nil, storeerr.New(storeerr.KindNotFound, opRecordProperty, "property #%d is not defined on type %s", id, r.nodeType.TypeName()).WithNode(r.ID(), r.Path())
	}
	return r.property(ctx, property)
}

func (r *Record) property(ctx context.Context, property *schema.PropertyType) (any, error) {
	if r.shared {
		return r.sharedProperty(ctx, property)
	}
	if value, ok := r.dynamic[property.ID]; ok {
		return cloneValue(value), nil
	}
	if r.parent != nil {
		return r.parent.property(ctx, property)
	}
	return DefaultPropertyValue(property.DataType), nil
}

// sharedProperty reads a shared record's property, demand-loading lazy values once.
func (r *Record) sharedProperty(ctx context.Context, property *schema.PropertyType) (any, error) {
	if value, ok := r.cachedProperty(property.ID); ok {
		return cloneValue(value), nil
	}
	if !property.Lazy() || r.loader == nil || r.VersionID() == 0 {
		return DefaultPropertyValue(property.DataType), nil
	}

	loaded, err, _ := r.loads.Do(strconv.Itoa(property.ID), func() (any, error) {
		if value, ok := r.cachedProperty(property.ID); ok {
			return value, nil
		}
		raw, err := r.loader.LoadProperty(ctx, r.VersionID(), property)
		if err != nil {
			return nil, err
		}
		normalized, err := NormalizePropertyValue(property.DataType, raw)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.dynamic[property.ID] = normalized
		r.mu.Unlock()
		return normalized, nil
	})
	if err != nil {
		return nil, fmt.Errorf("nodes: load %s of version %d: %w", property.Name, r.VersionID(), err)
	}
	return cloneValue(loaded), nil
}

func (r *Record) cachedProperty(id int) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.dynamic[id]
	return value, ok
}

// peekBase returns the value a private override is compared against, without loading.
func (r *Record) peekBase(property *schema.PropertyType) any {
	for ancestor := r.parent; ancestor != nil; ancestor = ancestor.parent {
		if value, ok := ancestor.cachedProperty(property.ID); ok {
			return value
		}
	}
	return DefaultPropertyValue(property.DataType)
}

// SetProperty writes a dynamic property on a private record.
func (r *Record) SetProperty(ctx context.Context, name string, value any) error {
	if r.shared {
		return storeerr.New(storeerr.KindInvalidOperation, opRecordSetProperty, "cannot modify %s of a shared record", name).WithNode(r.ID(), r.Path())
	}
	property, err := r.propertyType(opRecordSetProperty, name)
	if err != nil {
		return err
	}
	normalized, err := NormalizePropertyValue(property.DataType, value)
	if err != nil {
		return storeerr.Wrap(storeerr.KindInvalidOperation, opRecordSetProperty, err, "invalid value for %s", name)
	}
	base := DefaultPropertyValue(property.DataType)
	if r.parent != nil {
		base, err = r.parent.property(ctx, property)
		if err != nil {
			return err
		}
	}
	equal := ValuesEqual(normalized, base)
	if handle, ok := base.(BinaryHandle); ok && equal {
		// same content keeps pointing at the stored blob
		normalized = handle
	}
	r.dynamic[property.ID] = normalized
	r.propertyModified[property.ID] = !equal
	r.notify(property.Name)
	return nil
}

// IsModified reports whether a slot differs from the shared parent's value.
func (r *Record) IsModified(slot Slot) bool {
	return !r.shared && slot.valid() && r.modified[slot]
}

// IsPropertyModified reports whether a property differs from the shared parent's value.
func (r *Record) IsPropertyModified(name string) bool {
	if r.shared {
		return false
	}
	property, ok := r.nodeType.Property(name)
	return ok && r.propertyModified[property.ID]
}

// HasChanges reports whether any slot or property is modified.
func (r *Record) HasChanges() bool {
	if r.shared {
		return false
	}
	for slot := Slot(0); slot < slotCount; slot++ {
		if r.modified[slot] {
			return true
		}
	}
	for _, modified := range r.propertyModified {
		if modified {
			return true
		}
	}
	return false
}

// ChangedValues lists every modified slot, then every modified property ordered by id.
func (r *Record) ChangedValues() []ChangedValue {
	if r.shared {
		return nil
	}
	var changes []ChangedValue
	for slot := Slot(0); slot < slotCount; slot++ {
		if !r.modified[slot] {
			continue
		}
		changes = append(changes, ChangedValue{
			Name:     slot.String(),
			Original: r.baseSlot(slot),
			New:      cloneValue(r.slots[slot]),
		})
	}

	propertyIDs := make([]int, 0, len(r.propertyModified))
	for id, modified := range r.propertyModified {
		if modified {
			propertyIDs = append(propertyIDs, id)
		}
	}
	sort.Ints(propertyIDs)
	for _, id := range propertyIDs {
		property, ok := r.nodeType.PropertyByID(id)
		if !ok {
			continue
		}
		changes = append(changes, ChangedValue{
			Name:     property.Name,
			Original: cloneValue(r.peekBase(property)),
			New:      cloneValue(r.dynamic[id]),
		})
	}
	return changes
}

// OverriddenProperties returns a copy of the private record's own property entries.
func (r *Record) OverriddenProperties() map[int]any {
	if r.shared {
		return nil
	}
	overrides := make(map[int]any, len(r.dynamic))
	for id, value := range r.dynamic {
		overrides[id] = cloneValue(value)
	}
	return overrides
}

// MakePrivate returns a new private record reading through to r.
// A private record is returned unchanged.
func (r *Record) MakePrivate() *Record {
	if !r.shared {
		return r
	}
	return &Record{
		nodeType:         r.nodeType,
		loader:           r.loader,
		parent:           r,
		dynamic:          map[int]any{},
		propertyModified: map[int]bool{},
	}
}

// MakeShared flattens the private overrides onto a fresh snapshot and publishes it.
// The former shared parent is left untouched. Calling it on a shared record is a no-op.
func (r *Record) MakeShared() {
	if r.shared {
		return
	}
	var merged [slotCount]any
	for slot := Slot(0); slot < slotCount; slot++ {
		merged[slot] = r.Get(slot)
	}
	mergedDynamic := map[int]any{}
	if r.parent != nil {
		r.parent.mu.Lock()
		for id, value := range r.parent.dynamic {
			mergedDynamic[id] = cloneValue(value)
		}
		r.parent.mu.Unlock()
	}
	for id, value := range r.dynamic {
		mergedDynamic[id] = value
	}

	r.slots = merged
	for slot := Slot(0); slot < slotCount; slot++ {
		r.present[slot] = true
	}
	r.modified = [slotCount]bool{}
	r.mu.Lock()
	r.dynamic = mergedDynamic
	r.mu.Unlock()
	r.propertyModified = map[int]bool{}
	r.parent = nil
	r.snapshot = nil
	r.shared = true
}
