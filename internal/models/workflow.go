package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Workflow is one published version of a workflow template. Identity across
// versions is WorkflowBaseID; a single version is identified by ID.
// Published versions are immutable; the merge engine creates new versions
// instead of editing existing ones.
type Workflow struct {
	ID             string  `gorm:"type:uuid;primaryKey" json:"workflow_id"`
	WorkflowBaseID string  `gorm:"type:uuid;index;not null" json:"workflow_base_id"`
	Name           string  `gorm:"not null" json:"name"`
	Description    string  `json:"description"`
	Version        int     `gorm:"not null;default:1" json:"version"`
	IsCurrent      bool    `gorm:"index" json:"is_current"`
	ParentBaseID   *string `gorm:"type:uuid;index" json:"parent_base_id,omitempty"` // set on merged templates
	CreatorID      string  `gorm:"type:uuid;index" json:"creator_id"`

	Nodes       []Node           `gorm:"foreignKey:WorkflowID" json:"nodes,omitempty"`
	Connections []NodeConnection `gorm:"foreignKey:WorkflowID" json:"connections,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates identifiers for new template versions.
func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.WorkflowBaseID == "" {
		w.WorkflowBaseID = uuid.New().String()
	}
	return nil
}

// Node is a vertex of a workflow template version. NodeBaseID is stable
// across template versions; ID identifies the node within one version.
type Node struct {
	ID             string   `gorm:"type:uuid;primaryKey" json:"node_id"`
	NodeBaseID     string   `gorm:"type:uuid;index;not null" json:"node_base_id"`
	WorkflowID     string   `gorm:"type:uuid;index;not null" json:"workflow_id"`
	WorkflowBaseID string   `gorm:"type:uuid;index;not null" json:"workflow_base_id"`
	Name           string   `gorm:"not null" json:"name"`
	Type           NodeType `gorm:"not null" json:"type"`
	Description    string   `json:"description"`
	PositionX      float64  `json:"position_x"`
	PositionY      float64  `json:"position_y"`
	Version        int      `gorm:"not null;default:1" json:"version"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates identifiers for new nodes.
func (n *Node) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.NodeBaseID == "" {
		n.NodeBaseID = uuid.New().String()
	}
	return nil
}

// NodeConnection is a directed, optionally conditional edge between two
// nodes of one template version. Endpoints reference node base identity so
// the edge survives node re-versioning.
type NodeConnection struct {
	ID               string  `gorm:"type:uuid;primaryKey" json:"connection_id"`
	WorkflowID       string  `gorm:"type:uuid;index;not null" json:"workflow_id"`
	SourceNodeBaseID string  `gorm:"type:uuid;index;not null" json:"source_node_base_id"`
	TargetNodeBaseID string  `gorm:"type:uuid;index;not null" json:"target_node_base_id"`
	ConditionConfig  JSONMap `json:"condition_config,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the connection identifier.
func (c *NodeConnection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}
