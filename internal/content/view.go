package content

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"github.com/shopspring/decimal"
)

// View is the serializable projection of a node as its reader may see it.
type View struct {
	ID          int64          `json:"id"`
	ParentID    int64          `json:"parent_id"`
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Type        string         `json:"type"`
	Version     string         `json:"version"`
	VersionID   int64          `json:"version_id"`
	Timestamp   int64          `json:"timestamp"`
	Restriction string         `json:"restriction"`
	Properties  map[string]any `json:"properties"`
}

// Describe projects node into a View. Properties the node's restriction hides are omitted.
func Describe(ctx context.Context, node *nodes.Node) (View, error) {
	record := node.Record()
	view := View{
		ID:          node.ID(),
		ParentID:    record.ParentID(),
		Name:        record.Name(),
		Path:        node.Path(),
		Type:        node.NodeType().TypeName(),
		Version:     node.Version().String(),
		VersionID:   node.VersionID(),
		Timestamp:   record.NodeTimestamp(),
		Restriction: node.Restriction().String(),
		Properties:  map[string]any{},
	}
	nodeType := node.NodeType()
	if nodeType == nil {
		return view, nil
	}
	for _, property := range nodeType.Properties {
		value, err := node.Property(ctx, property.Name)
		if storeerr.KindOf(err) == storeerr.KindInvalidOperation {
			continue
		}
		if err != nil {
			return View{}, err
		}
		view.Properties[property.Name] = viewValue(value)
	}
	return view, nil
}

func viewValue(value any) any {
	switch typed := value.(type) {
	case decimal.Decimal:
		return typed.String()
	case time.Time:
		if typed.IsZero() {
			return nil
		}
		return typed.UTC().Format(time.RFC3339Nano)
	case nodes.BinaryHandle:
		if typed.IsEmpty() {
			return nil
		}
		return map[string]any{
			"id":           typed.ID,
			"file_name":    typed.FileName,
			"content_type": typed.ContentType,
			"size":         typed.Size,
		}
	default:
		return value
	}
}
