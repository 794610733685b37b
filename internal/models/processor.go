package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the minimal identity the core consumes. Authentication lives
// outside this service; a user row only anchors ownership and task inboxes.
type User struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"user_id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `json:"email"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the user identifier.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Agent is an external LLM worker reachable over HTTP.
type Agent struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"agent_id"`
	Name        string `gorm:"not null" json:"name"`
	Endpoint    string `gorm:"not null" json:"endpoint"`
	Model       string `json:"model"`
	Description string `json:"description"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the agent identifier.
func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// Processor binds work to a human user, an agent, or both.
type Processor struct {
	ID      string        `gorm:"type:uuid;primaryKey" json:"processor_id"`
	Name    string        `gorm:"not null" json:"name"`
	Kind    ProcessorKind `gorm:"not null" json:"kind"`
	UserID  *string       `gorm:"type:uuid;index" json:"user_id,omitempty"`
	AgentID *string       `gorm:"type:uuid;index" json:"agent_id,omitempty"`
	GroupID *string       `gorm:"type:uuid;index" json:"group_id,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the processor identifier.
func (p *Processor) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// ProcessorGroupMember records active membership of a user in a processor
// group. A processor with a GroupID is visible only to active members.
type ProcessorGroupMember struct {
	ID      string `gorm:"type:uuid;primaryKey" json:"id"`
	GroupID string `gorm:"type:uuid;index;not null" json:"group_id"`
	UserID  string `gorm:"type:uuid;index;not null" json:"user_id"`
	Active  bool   `gorm:"default:true" json:"active"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the membership identifier.
func (m *ProcessorGroupMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// NodeProcessor links a template node to a processor. Nodes without links
// are dispatchable only when their type is start or end.
type NodeProcessor struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID      string `gorm:"type:uuid;index;not null" json:"node_id"`
	NodeBaseID  string `gorm:"type:uuid;index;not null" json:"node_base_id"`
	ProcessorID string `gorm:"type:uuid;index;not null" json:"processor_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the binding identifier.
func (np *NodeProcessor) BeforeCreate(tx *gorm.DB) error {
	if np.ID == "" {
		np.ID = uuid.New().String()
	}
	return nil
}

// FileAssociation attaches an uploaded file to a node or task. Upload
// storage itself is an external collaborator; only the reference lives here.
type FileAssociation struct {
	ID         string  `gorm:"type:uuid;primaryKey" json:"file_id"`
	NodeID     *string `gorm:"type:uuid;index" json:"node_id,omitempty"`
	TaskID     *string `gorm:"type:uuid;index" json:"task_id,omitempty"`
	FileName   string  `gorm:"not null" json:"file_name"`
	FileURL    string  `json:"file_url"`
	UploadedBy string  `gorm:"type:uuid" json:"uploaded_by"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the file association identifier.
func (f *FileAssociation) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}
