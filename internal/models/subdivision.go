package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskSubdivision records that a task's execution was replaced by a nested
// workflow. At most one non-terminal subdivision may exist per
// (original_task_id, subdivider_id, subdivision_name) triple.
type TaskSubdivision struct {
	ID                    string            `gorm:"type:uuid;primaryKey" json:"subdivision_id"`
	OriginalTaskID        string            `gorm:"type:uuid;index:idx_subdivision_key;not null" json:"original_task_id"`
	SubdividerID          string            `gorm:"type:uuid;index:idx_subdivision_key;not null" json:"subdivider_id"`
	SubdivisionName       string            `gorm:"index:idx_subdivision_key;not null" json:"subdivision_name"`
	SubWorkflowBaseID     string            `gorm:"type:uuid;index" json:"sub_workflow_base_id"`
	SubWorkflowInstanceID *string           `gorm:"type:uuid;index" json:"sub_workflow_instance_id,omitempty"`
	ParentSubdivisionID   *string           `gorm:"type:uuid;index" json:"parent_subdivision_id,omitempty"`
	ContextPassed         string            `json:"context_passed,omitempty"`
	Status                SubdivisionStatus `gorm:"index;not null" json:"status"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the subdivision identifier.
func (s *TaskSubdivision) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// WorkflowContextSnapshot is a durable, restorable copy of an execution
// context. Snapshots are append-only; retention keeps the latest N.
type WorkflowContextSnapshot struct {
	ID                 string  `gorm:"type:uuid;primaryKey" json:"snapshot_id"`
	WorkflowInstanceID string  `gorm:"type:uuid;index;not null" json:"workflow_instance_id"`
	ExecutionState     string  `json:"execution_state"`
	ContextData        JSONMap `json:"context_data"`
	NodeStates         JSONMap `json:"node_states"`
	SequenceNumber     int64   `gorm:"index" json:"sequence_number"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the snapshot identifier.
func (s *WorkflowContextSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// WorkflowEvent is one entry of the append-only per-instance event log.
// Events are totally ordered within an instance by SequenceNumber.
type WorkflowEvent struct {
	ID                 string  `gorm:"type:uuid;primaryKey" json:"event_id"`
	WorkflowInstanceID string  `gorm:"type:uuid;index;not null" json:"workflow_instance_id"`
	Type               string  `gorm:"index;not null" json:"type"`
	Payload            JSONMap `json:"payload,omitempty"`
	SequenceNumber     int64   `gorm:"index" json:"sequence_number"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Event types appended by the engine.
const (
	EventWorkflowStarted   = "workflow_started"
	EventNodeDispatched    = "node_dispatched"
	EventNodeCompleted     = "node_completed"
	EventNodeFailed        = "node_failed"
	EventTaskCompleted     = "task_completed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventContextRecovered  = "context_recovered"
)

// BeforeCreate generates the event identifier.
func (e *WorkflowEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels lists every persisted model for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &Agent{}, &Processor{}, &ProcessorGroupMember{},
		&Workflow{}, &Node{}, &NodeConnection{}, &NodeProcessor{},
		&WorkflowInstance{}, &NodeInstance{}, &TaskInstance{},
		&TaskSubdivision{}, &WorkflowContextSnapshot{}, &WorkflowEvent{},
		&FileAssociation{},
	}
}
