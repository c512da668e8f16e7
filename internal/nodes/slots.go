package nodes

import (
	"fmt"
	"strings"
	"time"
)

// Slot enumerates the static attributes every record carries.
type Slot int

const (
	SlotID Slot = iota
	SlotParentID
	SlotName
	SlotPath
	SlotIndex
	SlotCreationDate
	SlotModificationDate
	SlotCreatedByID
	SlotModifiedByID
	SlotOwnerID
	SlotVersionID
	SlotVersion
	SlotVersionCreationDate
	SlotVersionModificationDate
	SlotVersionCreatedByID
	SlotVersionModifiedByID
	SlotLocked
	SlotLockedByID
	SlotLockToken
	SlotLockDate
	SlotSavingState
	SlotNodeTimestamp
	SlotVersionTimestamp

	slotCount
)

// SavingState tracks multi-step saves (e.g. chunked uploads) on a version.
type SavingState int

const (
	SavingFinalized SavingState = iota
	SavingCreating
	SavingModifying
	SavingModifyingLocked
)

type slotKind int

const (
	kindInt64 slotKind = iota
	kindString
	kindTime
	kindBool
	kindVersion
	kindSavingState
)

type slotInfo struct {
	name       string
	kind       slotKind
	seeEnabled bool
}

var slotTable = [slotCount]slotInfo{
	SlotID:                      {name: "Id", kind: kindInt64, seeEnabled: true},
	SlotParentID:                {name: "ParentId", kind: kindInt64, seeEnabled: true},
	SlotName:                    {name: "Name", kind: kindString, seeEnabled: true},
	SlotPath:                    {name: "Path", kind: kindString, seeEnabled: true},
	SlotIndex:                   {name: "Index", kind: kindInt64, seeEnabled: true},
	SlotCreationDate:            {name: "CreationDate", kind: kindTime, seeEnabled: true},
	SlotModificationDate:        {name: "ModificationDate", kind: kindTime, seeEnabled: true},
	SlotCreatedByID:             {name: "CreatedById", kind: kindInt64, seeEnabled: true},
	SlotModifiedByID:            {name: "ModifiedById", kind: kindInt64, seeEnabled: true},
	SlotOwnerID:                 {name: "OwnerId", kind: kindInt64},
	SlotVersionID:               {name: "VersionId", kind: kindInt64, seeEnabled: true},
	SlotVersion:                 {name: "Version", kind: kindVersion, seeEnabled: true},
	SlotVersionCreationDate:     {name: "VersionCreationDate", kind: kindTime},
	SlotVersionModificationDate: {name: "VersionModificationDate", kind: kindTime},
	SlotVersionCreatedByID:      {name: "VersionCreatedById", kind: kindInt64},
	SlotVersionModifiedByID:     {name: "VersionModifiedById", kind: kindInt64},
	SlotLocked:                  {name: "Locked", kind: kindBool},
	SlotLockedByID:              {name: "LockedById", kind: kindInt64},
	SlotLockToken:               {name: "LockToken", kind: kindString},
	SlotLockDate:                {name: "LockDate", kind: kindTime},
	SlotSavingState:             {name: "SavingState", kind: kindSavingState},
	SlotNodeTimestamp:           {name: "NodeTimestamp", kind: kindInt64, seeEnabled: true},
	SlotVersionTimestamp:        {name: "VersionTimestamp", kind: kindInt64},
}

// Slots lists every slot in declaration order.
func Slots() []Slot {
	slots := make([]Slot, 0, slotCount)
	for slot := Slot(0); slot < slotCount; slot++ {
		slots = append(slots, slot)
	}
	return slots
}

func (s Slot) valid() bool {
	return s >= 0 && s < slotCount
}

// String returns the slot's public name.
func (s Slot) String() string {
	if !s.valid() {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slotTable[s].name
}

// SeeEnabled reports whether the slot stays readable on head-only nodes.
func (s Slot) SeeEnabled() bool {
	return s.valid() && slotTable[s].seeEnabled
}

// SlotByName resolves a slot from its public name, case-insensitively.
func SlotByName(name string) (Slot, bool) {
	for slot := Slot(0); slot < slotCount; slot++ {
		if strings.EqualFold(slotTable[slot].name, name) {
			return slot, true
		}
	}
	return 0, false
}

func (s Slot) defaultValue() any {
	switch slotTable[s].kind {
	case kindInt64:
		return int64(0)
	case kindString:
		return ""
	case kindTime:
		return time.Time{}
	case kindBool:
		return false
	case kindVersion:
		return VersionNumber{}
	case kindSavingState:
		return SavingFinalized
	default:
		return nil
	}
}

// normalize coerces value to the slot's storage shape.
func (s Slot) normalize(value any) (any, error) {
	if value == nil {
		return s.defaultValue(), nil
	}
	switch slotTable[s].kind {
	case kindInt64:
		switch typed := value.(type) {
		case int64:
			return typed, nil
		case int:
			return int64(typed), nil
		case int32:
			return int64(typed), nil
		case uint32:
			return int64(typed), nil
		}
	case kindString:
		if typed, ok := value.(string); ok {
			return typed, nil
		}
	case kindTime:
		if typed, ok := value.(time.Time); ok {
			return typed.UTC(), nil
		}
	case kindBool:
		if typed, ok := value.(bool); ok {
			return typed, nil
		}
	case kindVersion:
		if typed, ok := value.(VersionNumber); ok {
			return typed, nil
		}
	case kindSavingState:
		if typed, ok := value.(SavingState); ok {
			return typed, nil
		}
	}
	return nil, fmt.Errorf("slot %s does not accept %T", s, value)
}
