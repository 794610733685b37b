package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// SubdivisionRepository persists task subdivisions.
type SubdivisionRepository struct {
	db *gorm.DB
}

// NewSubdivisionRepository creates a subdivision repository.
func NewSubdivisionRepository(db *gorm.DB) *SubdivisionRepository {
	return &SubdivisionRepository{db: db}
}

// Create persists a subdivision row.
func (r *SubdivisionRepository) Create(ctx context.Context, s *models.TaskSubdivision) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return core.E(core.KindTransientIO, "failed to create subdivision %s", s.SubdivisionName, err)
	}
	return nil
}

// GetByID returns one subdivision.
func (r *SubdivisionRepository) GetByID(ctx context.Context, id string) (*models.TaskSubdivision, error) {
	var s models.TaskSubdivision
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translate(err, "subdivision", id)
	}
	return &s, nil
}

// FindActiveByKey returns the non-terminal subdivision for an idempotency
// triple, or nil when none exists.
func (r *SubdivisionRepository) FindActiveByKey(ctx context.Context, taskID, subdividerID, name string) (*models.TaskSubdivision, error) {
	var s models.TaskSubdivision
	err := r.db.WithContext(ctx).
		Where("original_task_id = ? AND subdivider_id = ? AND subdivision_name = ? AND status IN ?",
			taskID, subdividerID, name,
			[]models.SubdivisionStatus{models.SubdivisionCreated, models.SubdivisionExecuting}).
		First(&s).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, core.E(core.KindTransientIO, "failed to look up subdivision key", err)
	}
	return &s, nil
}

// UpdateStatus moves a subdivision to a new status, optionally attaching
// the child instance id.
func (r *SubdivisionRepository) UpdateStatus(ctx context.Context, id string, status models.SubdivisionStatus, childInstanceID *string) error {
	updates := map[string]interface{}{"status": status}
	if childInstanceID != nil {
		updates["sub_workflow_instance_id"] = childInstanceID
	}
	err := r.db.WithContext(ctx).Model(&models.TaskSubdivision{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to update subdivision %s", id, err)
	}
	return nil
}

// ListByTask returns every subdivision of one task.
func (r *SubdivisionRepository) ListByTask(ctx context.Context, taskID string) ([]models.TaskSubdivision, error) {
	var subs []models.TaskSubdivision
	err := r.db.WithContext(ctx).
		Where("original_task_id = ?", taskID).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load subdivisions of task %s", taskID, err)
	}
	return subs, nil
}

// ListByInstanceTasks returns subdivisions whose original task belongs to
// the given workflow instance. One level of the subdivision tree.
func (r *SubdivisionRepository) ListByInstanceTasks(ctx context.Context, instanceID string) ([]models.TaskSubdivision, error) {
	var subs []models.TaskSubdivision
	err := r.db.WithContext(ctx).
		Where("original_task_id IN (?)",
			r.db.Model(&models.TaskInstance{}).Select("id").Where("workflow_instance_id = ?", instanceID)).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load subdivisions of instance %s", instanceID, err)
	}
	return subs, nil
}

// ListTreeFromRoot walks the subdivision tree breadth-first starting from a
// root workflow instance and returns every subdivision in the execution.
func (r *SubdivisionRepository) ListTreeFromRoot(ctx context.Context, rootInstanceID string) ([]models.TaskSubdivision, error) {
	var all []models.TaskSubdivision
	frontier := []string{rootInstanceID}
	seen := map[string]bool{rootInstanceID: true}

	for len(frontier) > 0 {
		instanceID := frontier[0]
		frontier = frontier[1:]

		subs, err := r.ListByInstanceTasks(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		for _, s := range subs {
			all = append(all, s)
			if s.SubWorkflowInstanceID != nil && !seen[*s.SubWorkflowInstanceID] {
				seen[*s.SubWorkflowInstanceID] = true
				frontier = append(frontier, *s.SubWorkflowInstanceID)
			}
		}
	}
	return all, nil
}
