package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkflowInstance is one execution of a template version. The five
// execution fields (ExecutionContext, NodeDependencies, CompletedNodes,
// ExecutionTrace, InstanceMetadata) persist the engine's in-memory context
// so an interrupted process can resume.
type WorkflowInstance struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"instance_id"`
	WorkflowID     string         `gorm:"type:uuid;index;not null" json:"workflow_id"`
	WorkflowBaseID string         `gorm:"type:uuid;index;not null" json:"workflow_base_id"`
	ExecutorID     string         `gorm:"type:uuid;index;not null" json:"executor_id"`
	Name           string         `json:"instance_name"`
	Status         InstanceStatus `gorm:"index;not null" json:"status"`

	InputData  JSONMap `json:"input_data,omitempty"`
	OutputData JSONMap `json:"output_data,omitempty"`

	ExecutionContext JSONMap    `json:"execution_context,omitempty"`
	NodeDependencies JSONMap    `json:"node_dependencies,omitempty"`
	CompletedNodes   StringList `json:"completed_nodes,omitempty"`
	ExecutionTrace   JSONList   `json:"execution_trace,omitempty"`
	InstanceMetadata JSONMap    `json:"instance_metadata,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the instance identifier.
func (wi *WorkflowInstance) BeforeCreate(tx *gorm.DB) error {
	if wi.ID == "" {
		wi.ID = uuid.New().String()
	}
	return nil
}

// NodeInstance is the per-execution incarnation of a template node. The set
// of node instances for a workflow instance is fixed at creation.
type NodeInstance struct {
	ID                 string             `gorm:"type:uuid;primaryKey" json:"node_instance_id"`
	WorkflowInstanceID string             `gorm:"type:uuid;index;not null" json:"workflow_instance_id"`
	NodeID             string             `gorm:"type:uuid;index;not null" json:"node_id"`
	NodeBaseID         string             `gorm:"type:uuid;index;not null" json:"node_base_id"`
	NodeType           NodeType           `gorm:"not null" json:"node_type"`
	Name               string             `json:"name"`
	Status             NodeInstanceStatus `gorm:"index;not null" json:"status"`

	InputData  JSONMap `json:"input_data,omitempty"`
	OutputData JSONMap `json:"output_data,omitempty"`

	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the node instance identifier.
func (ni *NodeInstance) BeforeCreate(tx *gorm.DB) error {
	if ni.ID == "" {
		ni.ID = uuid.New().String()
	}
	return nil
}

// TaskInstance is the dispatchable unit attached to a node instance; one
// task is created per processor binding when the node becomes ready.
type TaskInstance struct {
	ID                 string     `gorm:"type:uuid;primaryKey" json:"task_id"`
	NodeInstanceID     string     `gorm:"type:uuid;index;not null" json:"node_instance_id"`
	WorkflowInstanceID string     `gorm:"type:uuid;index;not null" json:"workflow_instance_id"`
	ProcessorID        string     `gorm:"type:uuid;index;not null" json:"processor_id"`
	Kind               TaskKind   `gorm:"not null" json:"kind"`
	Status             TaskStatus `gorm:"index;not null" json:"status"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`

	AssignedUserID  *string `gorm:"type:uuid;index" json:"assigned_user_id,omitempty"`
	AssignedAgentID *string `gorm:"type:uuid;index" json:"assigned_agent_id,omitempty"`

	ContextData   JSONMap `json:"context_data,omitempty"`
	InputData     JSONMap `json:"input_data,omitempty"`
	OutputData    JSONMap `json:"output_data,omitempty"`
	ResultSummary string  `json:"result_summary,omitempty"`

	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PauseNote    string     `json:"pause_note,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates the task identifier.
func (t *TaskInstance) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}
