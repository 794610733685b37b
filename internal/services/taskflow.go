package services

import (
	"context"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// TaskFlowService assembles the full read model of one execution for UI
// rendering: nodes with their tasks and subdivision markers, plus edges.
type TaskFlowService struct {
	repos *repository.Repositories
}

// NewTaskFlowService creates the service.
func NewTaskFlowService(repos *repository.Repositories) *TaskFlowService {
	return &TaskFlowService{repos: repos}
}

// TaskFlow is the rendered execution graph.
type TaskFlow struct {
	Instance models.WorkflowInstance `json:"instance"`
	Nodes    []TaskFlowNode          `json:"nodes"`
	Edges    []TaskFlowEdge          `json:"edges"`
}

// TaskFlowNode is one node with its execution state and tasks.
type TaskFlowNode struct {
	NodeInstance models.NodeInstance      `json:"node_instance"`
	PositionX    float64                  `json:"position_x"`
	PositionY    float64                  `json:"position_y"`
	Tasks        []TaskFlowTask           `json:"tasks,omitempty"`
}

// TaskFlowTask is one task plus its subdivisions.
type TaskFlowTask struct {
	Task         models.TaskInstance      `json:"task"`
	Subdivisions []models.TaskSubdivision `json:"subdivisions,omitempty"`
}

// TaskFlowEdge is one connection rendered between node instances.
type TaskFlowEdge struct {
	SourceNodeInstanceID string         `json:"source_node_instance_id"`
	TargetNodeInstanceID string         `json:"target_node_instance_id"`
	Conditional          bool           `json:"conditional"`
	Condition            models.JSONMap `json:"condition,omitempty"`
}

// GetWorkflowTaskFlow builds the read model for one workflow instance.
func (s *TaskFlowService) GetWorkflowTaskFlow(ctx context.Context, instanceID string) (*TaskFlow, error) {
	instance, err := s.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodeInstances, err := s.repos.NodeInstances.ListByWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	connections, err := s.repos.Workflows.GetConnections(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.repos.Tasks.ListByWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	tasksByNode := make(map[string][]models.TaskInstance)
	for _, t := range tasks {
		tasksByNode[t.NodeInstanceID] = append(tasksByNode[t.NodeInstanceID], t)
	}

	flow := &TaskFlow{Instance: *instance}
	byBase := make(map[string]string, len(nodeInstances))
	for _, ni := range nodeInstances {
		byBase[ni.NodeBaseID] = ni.ID

		node := TaskFlowNode{NodeInstance: ni}
		if tmpl, err := s.repos.Workflows.GetNodeByID(ctx, ni.NodeID); err == nil {
			node.PositionX = tmpl.PositionX
			node.PositionY = tmpl.PositionY
		}
		for _, t := range tasksByNode[ni.ID] {
			entry := TaskFlowTask{Task: t}
			if subs, err := s.repos.Subdivisions.ListByTask(ctx, t.ID); err == nil {
				entry.Subdivisions = subs
			}
			node.Tasks = append(node.Tasks, entry)
		}
		flow.Nodes = append(flow.Nodes, node)
	}

	for _, conn := range connections {
		source, okS := byBase[conn.SourceNodeBaseID]
		target, okT := byBase[conn.TargetNodeBaseID]
		if !okS || !okT {
			continue
		}
		flow.Edges = append(flow.Edges, TaskFlowEdge{
			SourceNodeInstanceID: source,
			TargetNodeInstanceID: target,
			Conditional:          len(conn.ConditionConfig) > 0,
			Condition:            conn.ConditionConfig,
		})
	}
	return flow, nil
}
