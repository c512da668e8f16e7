package schema

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PropertyTypeRow stores one property type definition.
type PropertyTypeRow struct {
	PropertyTypeID int    `gorm:"column:property_type_id;primaryKey"`
	Name           string `gorm:"column:name;size:190;not null;uniqueIndex"`
	DataType       string `gorm:"column:data_type;size:32;not null"`
	SeeEnabled     bool   `gorm:"column:see_enabled;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (PropertyTypeRow) TableName() string {
	return "property_types"
}

// NodeTypeRow stores one node type definition.
type NodeTypeRow struct {
	NodeTypeID int    `gorm:"column:node_type_id;primaryKey"`
	Name       string `gorm:"column:name;size:190;not null;uniqueIndex"`
	ParentName string `gorm:"column:parent_name;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (NodeTypeRow) TableName() string {
	return "node_types"
}

// NodeTypePropertyRow binds a property type to a node type.
type NodeTypePropertyRow struct {
	NodeTypeID     int `gorm:"column:node_type_id;primaryKey"`
	PropertyTypeID int `gorm:"column:property_type_id;primaryKey"`
	Position       int `gorm:"column:position;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (NodeTypePropertyRow) TableName() string {
	return "node_type_properties"
}

var errMissingDatabase = errors.New("schema: database handle is required")

// DatabaseSource reads definitions from the schema tables.
type DatabaseSource struct {
	db *gorm.DB
}

// NewDatabaseSource constructs a Source backed by db.
func NewDatabaseSource(db *gorm.DB) (*DatabaseSource, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &DatabaseSource{db: db}, nil
}

// LoadDefinitions implements Source.
func (s *DatabaseSource) LoadDefinitions(ctx context.Context) (Definitions, error) {
	var propertyRows []PropertyTypeRow
	if err := s.db.WithContext(ctx).Order("property_type_id ASC").Find(&propertyRows).Error; err != nil {
		return Definitions{}, err
	}
	var nodeTypeRows []NodeTypeRow
	if err := s.db.WithContext(ctx).Order("node_type_id ASC").Find(&nodeTypeRows).Error; err != nil {
		return Definitions{}, err
	}
	var bindingRows []NodeTypePropertyRow
	if err := s.db.WithContext(ctx).Order("node_type_id ASC, position ASC").Find(&bindingRows).Error; err != nil {
		return Definitions{}, err
	}

	definitions := Definitions{PropertyTypes: make([]*PropertyType, 0, len(propertyRows))}
	namesByID := make(map[int]string, len(propertyRows))
	for _, row := range propertyRows {
		dataType, err := ParseDataType(row.DataType)
		if err != nil {
			return Definitions{}, fmt.Errorf("property %s: %w", row.Name, err)
		}
		definitions.PropertyTypes = append(definitions.PropertyTypes, &PropertyType{
			ID:         row.PropertyTypeID,
			Name:       row.Name,
			DataType:   dataType,
			SeeEnabled: row.SeeEnabled,
		})
		namesByID[row.PropertyTypeID] = row.Name
	}

	bindings := make(map[int][]string, len(nodeTypeRows))
	for _, row := range bindingRows {
		bindings[row.NodeTypeID] = append(bindings[row.NodeTypeID], namesByID[row.PropertyTypeID])
	}
	for _, row := range nodeTypeRows {
		definitions.NodeTypes = append(definitions.NodeTypes, NodeTypeDefinition{
			ID:            row.NodeTypeID,
			Name:          row.Name,
			ParentName:    row.ParentName,
			PropertyNames: bindings[row.NodeTypeID],
		})
	}
	return definitions, nil
}

// Store persists definitions, replacing rows with the same ids.
func (s *DatabaseSource) Store(ctx context.Context, definitions Definitions) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		idsByName := make(map[string]int, len(definitions.PropertyTypes))
		for _, property := range definitions.PropertyTypes {
			row := PropertyTypeRow{
				PropertyTypeID: property.ID,
				Name:           property.Name,
				DataType:       string(property.DataType),
				SeeEnabled:     property.SeeEnabled,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
			idsByName[property.Name] = property.ID
		}
		for _, nodeType := range definitions.NodeTypes {
			row := NodeTypeRow{NodeTypeID: nodeType.ID, Name: nodeType.Name, ParentName: nodeType.ParentName}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
			if err := tx.Where("node_type_id = ?", nodeType.ID).Delete(&NodeTypePropertyRow{}).Error; err != nil {
				return err
			}
			for position, propertyName := range nodeType.PropertyNames {
				propertyID, ok := idsByName[propertyName]
				if !ok {
					return fmt.Errorf("%w: %s references unknown property %q", ErrInvalidDefinition, nodeType.Name, propertyName)
				}
				binding := NodeTypePropertyRow{NodeTypeID: nodeType.ID, PropertyTypeID: propertyID, Position: position}
				if err := tx.Create(&binding).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DefaultDefinitions returns the built-in content types every repository starts with.
func DefaultDefinitions() Definitions {
	return Definitions{
		PropertyTypes: []*PropertyType{
			{ID: 1, Name: "DisplayName", DataType: DataTypeString, SeeEnabled: true},
			{ID: 2, Name: "Description", DataType: DataTypeText},
			{ID: 3, Name: "Body", DataType: DataTypeText},
			{ID: 4, Name: "Binary", DataType: DataTypeBinary},
			{ID: 5, Name: "Rating", DataType: DataTypeInt},
			{ID: 6, Name: "Price", DataType: DataTypeDecimal},
			{ID: 7, Name: "PublishDate", DataType: DataTypeDateTime, SeeEnabled: true},
			{ID: 8, Name: "Related", DataType: DataTypeReference},
			{ID: 9, Name: "Icon", DataType: DataTypeString, SeeEnabled: true},
		},
		NodeTypes: []NodeTypeDefinition{
			{ID: 1, Name: "Folder", PropertyNames: []string{"DisplayName", "Description", "Icon"}},
			{ID: 2, Name: "File", ParentName: "Folder", PropertyNames: []string{"DisplayName", "Description", "Binary", "Icon"}},
			{ID: 3, Name: "Article", ParentName: "Folder", PropertyNames: []string{"DisplayName", "Description", "Body", "Rating", "Price", "PublishDate", "Related", "Icon"}},
			{ID: 4, Name: "User", PropertyNames: []string{"DisplayName", "Description", "Icon"}},
		},
	}
}
