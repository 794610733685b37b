package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// TaskRepository persists task instances and serves the per-user inbox.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a task repository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateBatch persists the tasks of a newly ready node inside one
// transaction, honoring the dispatch contract's all-or-nothing half.
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []models.TaskInstance) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&tasks).Error; err != nil {
		return core.E(core.KindTransientIO, "failed to create task instances", err)
	}
	return nil
}

// DeleteBatch removes tasks created by an aborted dispatch.
func (r *TaskRepository) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Unscoped().Delete(&models.TaskInstance{}, "id IN ?", ids).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to delete task instances", err)
	}
	return nil
}

// GetByID returns one task instance.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.TaskInstance, error) {
	var t models.TaskInstance
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err, "task", id)
	}
	return &t, nil
}

// ListByNodeInstance returns every task of one node instance.
func (r *TaskRepository) ListByNodeInstance(ctx context.Context, nodeInstanceID string) ([]models.TaskInstance, error) {
	var tasks []models.TaskInstance
	err := r.db.WithContext(ctx).
		Where("node_instance_id = ?", nodeInstanceID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load tasks of node instance %s", nodeInstanceID, err)
	}
	return tasks, nil
}

// ListByWorkflowInstance returns every task of one workflow instance.
func (r *TaskRepository) ListByWorkflowInstance(ctx context.Context, instanceID string) ([]models.TaskInstance, error) {
	var tasks []models.TaskInstance
	err := r.db.WithContext(ctx).
		Where("workflow_instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load tasks of instance %s", instanceID, err)
	}
	return tasks, nil
}

// ListUserTasks returns the inbox for one user, newest first, optionally
// filtered by status.
func (r *TaskRepository) ListUserTasks(ctx context.Context, userID string, status *models.TaskStatus, limit int) ([]models.TaskInstance, error) {
	q := r.db.WithContext(ctx).Where("assigned_user_id = ?", userID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tasks []models.TaskInstance
	if err := q.Order("created_at DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load inbox of user %s", userID, err)
	}
	return tasks, nil
}

// CountInFlight returns how many tasks of the instance are assigned or in
// progress. Zero in-flight plus a ready frontier is the stall signature.
func (r *TaskRepository) CountInFlight(ctx context.Context, instanceID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("workflow_instance_id = ? AND status IN ?", instanceID,
			[]models.TaskStatus{models.TaskAssigned, models.TaskInProgress}).
		Count(&n).Error
	if err != nil {
		return 0, core.E(core.KindTransientIO, "failed to count in-flight tasks of %s", instanceID, err)
	}
	return n, nil
}

// Transition moves a task between statuses with an optional guard on the
// statuses it may leave. Terminal statuses are always absorbing.
func (r *TaskRepository) Transition(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	now := time.Now()
	switch to {
	case models.TaskInProgress:
		updates["started_at"] = &now
	case models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
		updates["completed_at"] = &now
	}

	q := r.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ? AND status NOT IN ?", id,
			[]models.TaskStatus{models.TaskCompleted, models.TaskFailed, models.TaskCancelled})
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return core.E(core.KindTransientIO, "failed to transition task %s", id, res.Error)
	}
	if res.RowsAffected == 0 {
		t, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return core.E(core.KindConflict, "task %s cannot move from %s to %s", id, t.Status, to)
	}
	return nil
}

// SaveReference writes subdivision reference material onto the parent task
// without changing its status.
func (r *TaskRepository) SaveReference(ctx context.Context, id string, contextData models.JSONMap, summary string) error {
	err := r.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"context_data":   contextData,
			"result_summary": summary,
		}).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to save reference result on task %s", id, err)
	}
	return nil
}

// SaveOutput updates a task's accumulated output without a status change.
// Mixed tasks store their agent half this way before the human half lands.
func (r *TaskRepository) SaveOutput(ctx context.Context, id string, output models.JSONMap) error {
	err := r.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ?", id).
		Update("output_data", output).Error
	if err != nil {
		return core.E(core.KindTransientIO, "failed to save output on task %s", id, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (r *TaskRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	err := r.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return 0, core.E(core.KindTransientIO, "failed to bump retry count of task %s", id, err)
	}
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return t.RetryCount, nil
}

// CancelNonTerminal cancels every non-terminal task of a workflow instance.
func (r *TaskRepository) CancelNonTerminal(ctx context.Context, instanceID string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.TaskInstance{}).
		Where("workflow_instance_id = ? AND status NOT IN ?", instanceID,
			[]models.TaskStatus{models.TaskCompleted, models.TaskFailed, models.TaskCancelled}).
		Updates(map[string]interface{}{
			"status":       models.TaskCancelled,
			"completed_at": &now,
		})
	if res.Error != nil {
		return 0, core.E(core.KindTransientIO, "failed to cancel tasks of %s", instanceID, res.Error)
	}
	return res.RowsAffected, nil
}
