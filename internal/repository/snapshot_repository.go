package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// SnapshotRepository persists execution-context snapshots. Rows are
// append-only; retention keeps the latest N per workflow instance.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a snapshot repository.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Append stores a new snapshot.
func (r *SnapshotRepository) Append(ctx context.Context, s *models.WorkflowContextSnapshot) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return core.E(core.KindTransientIO, "failed to append snapshot for %s", s.WorkflowInstanceID, err)
	}
	return nil
}

// Latest returns the most recent snapshot for an instance, or nil when the
// instance has none.
func (r *SnapshotRepository) Latest(ctx context.Context, instanceID string) (*models.WorkflowContextSnapshot, error) {
	var s models.WorkflowContextSnapshot
	err := r.db.WithContext(ctx).
		Where("workflow_instance_id = ?", instanceID).
		Order("sequence_number DESC, created_at DESC").
		First(&s).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, core.E(core.KindTransientIO, "failed to load snapshot of %s", instanceID, err)
	}
	return &s, nil
}

// Prune deletes all but the newest keep snapshots of an instance.
func (r *SnapshotRepository) Prune(ctx context.Context, instanceID string, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	var keepIDs []string
	err := r.db.WithContext(ctx).Model(&models.WorkflowContextSnapshot{}).
		Where("workflow_instance_id = ?", instanceID).
		Order("sequence_number DESC, created_at DESC").
		Limit(keep).
		Pluck("id", &keepIDs).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to prune snapshots of %s", instanceID, err)
	}
	if len(keepIDs) == 0 {
		return nil
	}
	err = r.db.WithContext(ctx).Unscoped().
		Where("workflow_instance_id = ? AND id NOT IN ?", instanceID, keepIDs).
		Delete(&models.WorkflowContextSnapshot{}).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to prune snapshots of %s", instanceID, err)
	}
	return nil
}
