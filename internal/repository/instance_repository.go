package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// InstanceRepository persists workflow instances. Status transitions are
// guarded here so terminal states stay absorbing no matter which component
// writes.
type InstanceRepository struct {
	db *gorm.DB
}

// NewInstanceRepository creates an instance repository.
func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create persists a new workflow instance.
func (r *InstanceRepository) Create(ctx context.Context, wi *models.WorkflowInstance) error {
	if err := r.db.WithContext(ctx).Create(wi).Error; err != nil {
		return core.E(core.KindTransientIO, "failed to create workflow instance", err)
	}
	return nil
}

// GetByID returns one workflow instance.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var wi models.WorkflowInstance
	if err := r.db.WithContext(ctx).First(&wi, "id = ?", id).Error; err != nil {
		return nil, translate(err, "workflow instance", id)
	}
	return &wi, nil
}

// TransitionStatus moves an instance to a new status. Transitions out of a
// terminal status are rejected with a conflict; the guard runs inside the
// UPDATE so concurrent writers cannot race past it.
func (r *InstanceRepository) TransitionStatus(ctx context.Context, id string, to models.InstanceStatus, errorMessage string) error {
	updates := map[string]interface{}{"status": to}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	switch to {
	case models.InstanceRunning:
		now := time.Now()
		updates["started_at"] = &now
	case models.InstanceCompleted, models.InstanceFailed, models.InstanceCancelled:
		now := time.Now()
		updates["completed_at"] = &now
	}

	res := r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Where("id = ? AND status NOT IN ?", id,
			[]models.InstanceStatus{models.InstanceCompleted, models.InstanceFailed, models.InstanceCancelled}).
		Updates(updates)
	if res.Error != nil {
		return core.E(core.KindTransientIO, "failed to transition workflow instance %s", id, res.Error)
	}
	if res.RowsAffected == 0 {
		wi, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return core.E(core.KindConflict, "workflow instance %s is already %s", id, wi.Status)
	}
	return nil
}

// SetOutput records the final output of a terminal instance.
func (r *InstanceRepository) SetOutput(ctx context.Context, id string, output models.JSONMap) error {
	err := r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Where("id = ?", id).
		Update("output_data", output).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to set output of workflow instance %s", id, err)
	}
	return nil
}

// ExecutionFields is the persisted slice of the in-memory execution context.
type ExecutionFields struct {
	ExecutionContext models.JSONMap
	NodeDependencies models.JSONMap
	CompletedNodes   models.StringList
	ExecutionTrace   models.JSONList
	InstanceMetadata models.JSONMap
}

// SaveExecutionFields writes the context-derived columns of an instance row.
func (r *InstanceRepository) SaveExecutionFields(ctx context.Context, id string, f ExecutionFields) error {
	err := r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"execution_context": f.ExecutionContext,
			"node_dependencies": f.NodeDependencies,
			"completed_nodes":   f.CompletedNodes,
			"execution_trace":   f.ExecutionTrace,
			"instance_metadata": f.InstanceMetadata,
		}).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to save execution fields of instance %s", id, err)
	}
	return nil
}

// ListNotUpdatedSince returns running or pending instances whose last
// update is older than the cutoff. Used by the stall monitor.
func (r *InstanceRepository) ListNotUpdatedSince(ctx context.Context, cutoff time.Time, limit int) ([]models.WorkflowInstance, error) {
	var instances []models.WorkflowInstance
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.InstanceStatus{models.InstanceRunning, models.InstancePending}, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&instances).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to scan for stalled instances", err)
	}
	return instances, nil
}

// Touch bumps updated_at so the stall monitor does not re-pick an instance
// that was just recovered.
func (r *InstanceRepository) Touch(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// SoftDelete marks the instance deleted; HardDelete removes the row.
func (r *InstanceRepository) SoftDelete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Delete(&models.WorkflowInstance{}, "id = ?", id).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to delete workflow instance %s", id, err)
	}
	return nil
}

// HardDelete permanently removes the instance row.
func (r *InstanceRepository) HardDelete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Unscoped().Delete(&models.WorkflowInstance{}, "id = ?", id).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to hard-delete workflow instance %s", id, err)
	}
	return nil
}
