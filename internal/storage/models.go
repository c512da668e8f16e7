package storage

import "time"

// NodeRow stores the version-independent part of a node.
type NodeRow struct {
	NodeID             int64     `gorm:"column:node_id;primaryKey;autoIncrement"`
	ParentID           int64     `gorm:"column:parent_id;not null;default:0;uniqueIndex:idx_nodes_parent_name,priority:1"`
	Name               string    `gorm:"column:name;size:450;not null;uniqueIndex:idx_nodes_parent_name,priority:2"`
	Path               string    `gorm:"column:path;size:450;not null;uniqueIndex"`
	NodeTypeID         int       `gorm:"column:node_type_id;not null"`
	Index              int64     `gorm:"column:node_index;not null;default:0"`
	CreationDate       time.Time `gorm:"column:creation_date"`
	ModificationDate   time.Time `gorm:"column:modification_date"`
	CreatedByID        int64     `gorm:"column:created_by_id;not null;default:0"`
	ModifiedByID       int64     `gorm:"column:modified_by_id;not null;default:0"`
	OwnerID            int64     `gorm:"column:owner_id;not null;default:0"`
	Locked             bool      `gorm:"column:locked;not null;default:false"`
	LockedByID         int64     `gorm:"column:locked_by_id;not null;default:0"`
	LockToken          string    `gorm:"column:lock_token;size:64"`
	LockDate           time.Time `gorm:"column:lock_date"`
	LastMajorVersionID int64     `gorm:"column:last_major_version_id;not null;default:0"`
	LastMinorVersionID int64     `gorm:"column:last_minor_version_id;not null;default:0"`
	Timestamp          int64     `gorm:"column:timestamp;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (NodeRow) TableName() string {
	return "nodes"
}

// VersionRow stores one version of a node.
type VersionRow struct {
	VersionID        int64     `gorm:"column:version_id;primaryKey;autoIncrement"`
	NodeID           int64     `gorm:"column:node_id;not null;uniqueIndex:idx_versions_number,priority:1"`
	Major            uint32    `gorm:"column:major;not null;uniqueIndex:idx_versions_number,priority:2"`
	Minor            uint32    `gorm:"column:minor;not null;uniqueIndex:idx_versions_number,priority:3"`
	Status           string    `gorm:"column:status;size:1;not null"`
	CreationDate     time.Time `gorm:"column:creation_date"`
	ModificationDate time.Time `gorm:"column:modification_date"`
	CreatedByID      int64     `gorm:"column:created_by_id;not null;default:0"`
	ModifiedByID     int64     `gorm:"column:modified_by_id;not null;default:0"`
	SavingState      int       `gorm:"column:saving_state;not null;default:0"`
	Timestamp        int64     `gorm:"column:timestamp;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRow) TableName() string {
	return "node_versions"
}

// PropertyRow stores the encoded value of one non-binary property of a version.
type PropertyRow struct {
	VersionID  int64  `gorm:"column:version_id;primaryKey;autoIncrement:false"`
	PropertyID int    `gorm:"column:property_id;primaryKey;autoIncrement:false"`
	Value      string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PropertyRow) TableName() string {
	return "version_properties"
}

// BinaryRow stores the handle of one binary property of a version.
type BinaryRow struct {
	BinaryID    int64  `gorm:"column:binary_id;primaryKey;autoIncrement"`
	VersionID   int64  `gorm:"column:version_id;not null;uniqueIndex:idx_binary_version_property,priority:1"`
	PropertyID  int    `gorm:"column:property_id;not null;uniqueIndex:idx_binary_version_property,priority:2"`
	FileName    string `gorm:"column:file_name;size:450"`
	ContentType string `gorm:"column:content_type;size:190"`
	Size        int64  `gorm:"column:size;not null;default:0"`
	Checksum    string `gorm:"column:checksum;size:128"`
}

// TableName provides the explicit table binding for GORM.
func (BinaryRow) TableName() string {
	return "binary_properties"
}

// Models lists every table the provider owns, for AutoMigrate.
func Models() []any {
	return []any{&NodeRow{}, &VersionRow{}, &PropertyRow{}, &BinaryRow{}}
}
