package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// WorkflowRepository persists workflow templates, their nodes, and their
// connections. Published versions are immutable; every write creates rows.
type WorkflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a workflow repository.
func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// TemplateDefinition is the full shape needed to publish a template version.
type TemplateDefinition struct {
	Workflow    models.Workflow
	Nodes       []models.Node
	Connections []models.NodeConnection
}

// CreateTemplate publishes a template version with its nodes and
// connections in one transaction. Callers validate structure (single start,
// acyclicity) before publishing.
func (r *WorkflowRepository) CreateTemplate(ctx context.Context, def *TemplateDefinition) (*models.Workflow, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&def.Workflow).Error; err != nil {
			return err
		}
		for i := range def.Nodes {
			def.Nodes[i].WorkflowID = def.Workflow.ID
			def.Nodes[i].WorkflowBaseID = def.Workflow.WorkflowBaseID
		}
		if len(def.Nodes) > 0 {
			if err := tx.Create(&def.Nodes).Error; err != nil {
				return err
			}
		}
		for i := range def.Connections {
			def.Connections[i].WorkflowID = def.Workflow.ID
		}
		if len(def.Connections) > 0 {
			if err := tx.Create(&def.Connections).Error; err != nil {
				return err
			}
		}
		if def.Workflow.IsCurrent {
			return tx.Model(&models.Workflow{}).
				Where("workflow_base_id = ? AND id <> ?", def.Workflow.WorkflowBaseID, def.Workflow.ID).
				Update("is_current", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to create template %s", def.Workflow.Name, err)
	}
	return &def.Workflow, nil
}

// GetByID returns a single template version.
func (r *WorkflowRepository) GetByID(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := r.db.WithContext(ctx).First(&wf, "id = ?", workflowID).Error; err != nil {
		return nil, translate(err, "workflow", workflowID)
	}
	return &wf, nil
}

// GetCurrentByBaseID returns the current version for a template base.
func (r *WorkflowRepository) GetCurrentByBaseID(ctx context.Context, baseID string) (*models.Workflow, error) {
	var wf models.Workflow
	err := r.db.WithContext(ctx).
		Where("workflow_base_id = ? AND is_current = ?", baseID, true).
		Order("version DESC").
		First(&wf).Error
	if err != nil {
		return nil, translate(err, "workflow base", baseID)
	}
	return &wf, nil
}

// NextVersion returns the next free version number for a template base.
func (r *WorkflowRepository) NextVersion(ctx context.Context, baseID string) (int, error) {
	var max int
	err := r.db.WithContext(ctx).Model(&models.Workflow{}).
		Where("workflow_base_id = ?", baseID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, core.E(core.KindTransientIO, "failed to resolve version for base %s", baseID, err)
	}
	return max + 1, nil
}

// GetNodes returns all nodes of one template version.
func (r *WorkflowRepository) GetNodes(ctx context.Context, workflowID string) ([]models.Node, error) {
	var nodes []models.Node
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load nodes of workflow %s", workflowID, err)
	}
	return nodes, nil
}

// GetConnections returns all connections of one template version.
func (r *WorkflowRepository) GetConnections(ctx context.Context, workflowID string) ([]models.NodeConnection, error) {
	var conns []models.NodeConnection
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&conns).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load connections of workflow %s", workflowID, err)
	}
	return conns, nil
}

// CountByParentBase counts template bases parented under a root base.
// Merged templates are numbered with it.
func (r *WorkflowRepository) CountByParentBase(ctx context.Context, parentBaseID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Workflow{}).
		Where("parent_base_id = ?", parentBaseID).
		Count(&n).Error
	if err != nil {
		return 0, core.E(core.KindTransientIO, "failed to count merged templates under %s", parentBaseID, err)
	}
	return int(n), nil
}

// GetNodeByID returns one template node.
func (r *WorkflowRepository) GetNodeByID(ctx context.Context, nodeID string) (*models.Node, error) {
	var node models.Node
	if err := r.db.WithContext(ctx).First(&node, "id = ?", nodeID).Error; err != nil {
		return nil, translate(err, "node", nodeID)
	}
	return &node, nil
}
