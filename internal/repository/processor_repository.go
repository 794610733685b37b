package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// ProcessorRepository persists processors and their node bindings.
type ProcessorRepository struct {
	db *gorm.DB
}

// NewProcessorRepository creates a processor repository.
func NewProcessorRepository(db *gorm.DB) *ProcessorRepository {
	return &ProcessorRepository{db: db}
}

// GetByID returns one processor.
func (r *ProcessorRepository) GetByID(ctx context.Context, id string) (*models.Processor, error) {
	var p models.Processor
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err, "processor", id)
	}
	return &p, nil
}

// GetAgent returns one agent.
func (r *ProcessorRepository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, translate(err, "agent", id)
	}
	return &a, nil
}

// ListForNode returns the processors bound to a template node, in binding
// creation order.
func (r *ProcessorRepository) ListForNode(ctx context.Context, nodeID string) ([]models.Processor, error) {
	var bindings []models.NodeProcessor
	err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("created_at ASC").
		Find(&bindings).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load bindings of node %s", nodeID, err)
	}

	processors := make([]models.Processor, 0, len(bindings))
	for _, b := range bindings {
		var p models.Processor
		if err := r.db.WithContext(ctx).First(&p, "id = ?", b.ProcessorID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				continue // binding to a deleted processor is skipped
			}
			return nil, core.E(core.KindTransientIO, "failed to load processor %s", b.ProcessorID, err)
		}
		processors = append(processors, p)
	}
	return processors, nil
}

// Bind links a processor to a node.
func (r *ProcessorRepository) Bind(ctx context.Context, node *models.Node, processorID string) error {
	np := models.NodeProcessor{
		NodeID:      node.ID,
		NodeBaseID:  node.NodeBaseID,
		ProcessorID: processorID,
	}
	if err := r.db.WithContext(ctx).Create(&np).Error; err != nil {
		return core.E(core.KindTransientIO, "failed to bind processor %s to node %s", processorID, node.ID, err)
	}
	return nil
}

// VisibleTo reports whether a processor is visible to a user: visible iff
// it has no group or the user is an active member of that group.
func (r *ProcessorRepository) VisibleTo(ctx context.Context, processorID, userID string) (bool, error) {
	p, err := r.GetByID(ctx, processorID)
	if err != nil {
		return false, err
	}
	if p.GroupID == nil {
		return true, nil
	}
	var n int64
	err = r.db.WithContext(ctx).Model(&models.ProcessorGroupMember{}).
		Where("group_id = ? AND user_id = ? AND active = ?", *p.GroupID, userID, true).
		Count(&n).Error
	if err != nil {
		return false, core.E(core.KindTransientIO, "failed to check group membership", err)
	}
	return n > 0, nil
}
