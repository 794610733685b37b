package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// NodeInstanceRepository persists node instances.
type NodeInstanceRepository struct {
	db *gorm.DB
}

// NewNodeInstanceRepository creates a node instance repository.
func NewNodeInstanceRepository(db *gorm.DB) *NodeInstanceRepository {
	return &NodeInstanceRepository{db: db}
}

// CreateBatch persists the full node-instance set of a workflow instance.
// The set is fixed at creation; nothing is ever added later.
func (r *NodeInstanceRepository) CreateBatch(ctx context.Context, instances []models.NodeInstance) error {
	if len(instances) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&instances).Error; err != nil {
		return core.E(core.KindTransientIO, "failed to create node instances", err)
	}
	return nil
}

// GetByID returns one node instance.
func (r *NodeInstanceRepository) GetByID(ctx context.Context, id string) (*models.NodeInstance, error) {
	var ni models.NodeInstance
	if err := r.db.WithContext(ctx).First(&ni, "id = ?", id).Error; err != nil {
		return nil, translate(err, "node instance", id)
	}
	return &ni, nil
}

// ListByWorkflowInstance returns every node instance of one execution in
// creation order.
func (r *NodeInstanceRepository) ListByWorkflowInstance(ctx context.Context, instanceID string) ([]models.NodeInstance, error) {
	var nis []models.NodeInstance
	err := r.db.WithContext(ctx).
		Where("workflow_instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&nis).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load node instances of %s", instanceID, err)
	}
	return nis, nil
}

// MarkRunning moves a pending node instance to running.
func (r *NodeInstanceRepository) MarkRunning(ctx context.Context, id string, input models.JSONMap) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.NodeInstance{}).
		Where("id = ? AND status = ?", id, models.NodeInstancePending).
		Updates(map[string]interface{}{
			"status":     models.NodeInstanceRunning,
			"input_data": input,
			"started_at": &now,
		})
	if res.Error != nil {
		return core.E(core.KindTransientIO, "failed to mark node instance %s running", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return core.E(core.KindConflict, "node instance %s is not pending", id)
	}
	return nil
}

// MarkCompleted moves a node instance to completed with its output. A
// completed node instance always carries non-null output data.
func (r *NodeInstanceRepository) MarkCompleted(ctx context.Context, id string, output models.JSONMap) error {
	if output == nil {
		return core.E(core.KindFatalInternal, "node instance %s completed without output", id)
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.NodeInstance{}).
		Where("id = ? AND status NOT IN ?", id,
			[]models.NodeInstanceStatus{models.NodeInstanceCompleted, models.NodeInstanceFailed, models.NodeInstanceCancelled}).
		Updates(map[string]interface{}{
			"status":       models.NodeInstanceCompleted,
			"output_data":  output,
			"completed_at": &now,
		})
	if res.Error != nil {
		return core.E(core.KindTransientIO, "failed to complete node instance %s", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return core.E(core.KindConflict, "node instance %s is already terminal", id)
	}
	return nil
}

// MarkFailed moves a node instance to failed with a reason.
func (r *NodeInstanceRepository) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.NodeInstance{}).
		Where("id = ? AND status NOT IN ?", id,
			[]models.NodeInstanceStatus{models.NodeInstanceCompleted, models.NodeInstanceFailed, models.NodeInstanceCancelled}).
		Updates(map[string]interface{}{
			"status":        models.NodeInstanceFailed,
			"error_message": reason,
			"completed_at":  &now,
		})
	if res.Error != nil {
		return core.E(core.KindTransientIO, "failed to fail node instance %s", id, res.Error)
	}
	return nil
}

// MarkPending reverts a node instance to pending. Used when the dispatch
// contract aborts after task creation failed.
func (r *NodeInstanceRepository) MarkPending(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&models.NodeInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.NodeInstancePending, "started_at": nil}).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to revert node instance %s", id, err)
	}
	return nil
}

// CancelNonTerminal cancels every non-terminal node instance of a workflow
// instance and returns how many were affected.
func (r *NodeInstanceRepository) CancelNonTerminal(ctx context.Context, instanceID string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.NodeInstance{}).
		Where("workflow_instance_id = ? AND status NOT IN ?", instanceID,
			[]models.NodeInstanceStatus{models.NodeInstanceCompleted, models.NodeInstanceFailed, models.NodeInstanceCancelled}).
		Updates(map[string]interface{}{
			"status":       models.NodeInstanceCancelled,
			"completed_at": &now,
		})
	if res.Error != nil {
		return 0, core.E(core.KindTransientIO, "failed to cancel node instances of %s", instanceID, res.Error)
	}
	return res.RowsAffected, nil
}
