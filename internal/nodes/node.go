package nodes

import (
	"context"

	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

// Restriction limits what a loaded node exposes.
type Restriction int

const (
	RestrictionNone Restriction = iota
	// RestrictionHeadOnly exposes only see-enabled slots and properties.
	RestrictionHeadOnly
	// RestrictionPreviewOnly hides binary content.
	RestrictionPreviewOnly
)

func (r Restriction) String() string {
	switch r {
	case RestrictionHeadOnly:
		return "head_only"
	case RestrictionPreviewOnly:
		return "preview_only"
	default:
		return "none"
	}
}

const (
	opNodeGet = "nodes.node.get"
	opNodeSet = "nodes.node.set"
)

// Node is one caller's view of a record. It switches the record to private on first write.
type Node struct {
	record      *Record
	head        *NodeHead
	restriction Restriction
	changed     []string
	changedSet  map[string]struct{}
}

// NewNode wraps record; head may be nil for nodes that were never saved.
func NewNode(record *Record, head *NodeHead, restriction Restriction) *Node {
	node := &Node{
		record:      record,
		head:        head,
		restriction: restriction,
		changedSet:  map[string]struct{}{},
	}
	if !record.IsShared() {
		record.SetChangeHandler(node.recordChanged)
	}
	return node
}

// Record exposes the underlying record.
func (n *Node) Record() *Record {
	return n.record
}

// Head returns the node head the record was resolved from.
func (n *Node) Head() *NodeHead {
	return n.head
}

// SetHead replaces the head after a save refreshed it.
func (n *Node) SetHead(head *NodeHead) {
	n.head = head
}

// Restriction returns the view restriction.
func (n *Node) Restriction() Restriction {
	return n.restriction
}

func (n *Node) IsHeadOnly() bool    { return n.restriction == RestrictionHeadOnly }
func (n *Node) IsPreviewOnly() bool { return n.restriction == RestrictionPreviewOnly }

func (n *Node) ID() int64              { return n.record.ID() }
func (n *Node) Path() string           { return n.record.Path() }
func (n *Node) VersionID() int64       { return n.record.VersionID() }
func (n *Node) Version() VersionNumber { return n.record.Version() }
func (n *Node) NodeType() *schema.NodeType {
	return n.record.NodeType()
}

// Get reads a slot, honoring the view restriction.
func (n *Node) Get(slot Slot) (any, error) {
	if n.restriction == RestrictionHeadOnly && !slot.SeeEnabled() {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opNodeGet, "%s is not available on a head-only node", slot).WithNode(n.ID(), n.Path())
	}
	return n.record.Get(slot), nil
}

// Property reads a dynamic property, honoring the view restriction.
func (n *Node) Property(ctx context.Context, name string) (any, error) {
	property, ok := n.record.NodeType().Property(name)
	if !ok {
		return n.record.Property(ctx, name)
	}
	if n.restriction == RestrictionHeadOnly && !property.SeeEnabled {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opNodeGet, "%s is not available on a head-only node", name).WithNode(n.ID(), n.Path())
	}
	if n.restriction != RestrictionNone && property.DataType == schema.DataTypeBinary {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opNodeGet, "binary %s is not available on a %s node", name, n.restriction).WithNode(n.ID(), n.Path())
	}
	return n.record.Property(ctx, name)
}

// Set writes a slot, making the record private first.
func (n *Node) Set(slot Slot, value any) error {
	if err := n.ensureWritable(slot.String()); err != nil {
		return err
	}
	return n.record.Set(slot, value)
}

// SetProperty writes a dynamic property, making the record private first.
func (n *Node) SetProperty(ctx context.Context, name string, value any) error {
	if err := n.ensureWritable(name); err != nil {
		return err
	}
	return n.record.SetProperty(ctx, name, value)
}

// EnsurePrivate switches the node to a private record without writing anything.
func (n *Node) EnsurePrivate() error {
	return n.ensureWritable("record")
}

func (n *Node) ensureWritable(name string) error {
	if n.restriction != RestrictionNone {
		return storeerr.New(storeerr.KindInvalidOperation, opNodeSet, "cannot modify %s of a %s node", name, n.restriction).WithNode(n.ID(), n.Path())
	}
	if n.record.IsShared() {
		n.record = n.record.MakePrivate()
		n.record.SetChangeHandler(n.recordChanged)
	}
	return nil
}

func (n *Node) recordChanged(name string) {
	if _, seen := n.changedSet[name]; seen {
		return
	}
	n.changedSet[name] = struct{}{}
	n.changed = append(n.changed, name)
}

// IsDirty reports whether any write happened since the node was loaded or saved.
func (n *Node) IsDirty() bool {
	return len(n.changed) > 0
}

// ChangedNames lists the written slot and property names in first-write order.
func (n *Node) ChangedNames() []string {
	return append([]string(nil), n.changed...)
}

// MarkSaved flattens the record and clears the change list.
func (n *Node) MarkSaved() {
	n.record.MakeShared()
	n.changed = nil
	n.changedSet = map[string]struct{}{}
}
