package services

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// CascadeDeletionService deletes a workflow instance together with
// everything it owns: node instances, task instances, subdivisions (and
// recursively their child instances), snapshots, and events. Soft delete
// by default; hard delete removes the rows.
type CascadeDeletionService struct {
	log   zerolog.Logger
	db    *gorm.DB
	repos *repository.Repositories
}

// NewCascadeDeletionService creates the service.
func NewCascadeDeletionService(db *gorm.DB, repos *repository.Repositories, log zerolog.Logger) *CascadeDeletionService {
	return &CascadeDeletionService{
		log:   log.With().Str("component", "cascade_deletion").Logger(),
		db:    db,
		repos: repos,
	}
}

// DeletionReport counts what one cascade removed.
type DeletionReport struct {
	Instances     int `json:"instances"`
	NodeInstances int `json:"node_instances"`
	Tasks         int `json:"tasks"`
	Subdivisions  int `json:"subdivisions"`
	Snapshots     int `json:"snapshots"`
	Events        int `json:"events"`
}

// DeleteWorkflowInstance cascades a delete from one instance. Requesting
// user must be the executor. Running instances must be cancelled first.
func (s *CascadeDeletionService) DeleteWorkflowInstance(ctx context.Context, instanceID string, soft bool, userID string) (*DeletionReport, error) {
	instance, err := s.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.ExecutorID != userID {
		return nil, core.E(core.KindPermissionDenied, "user %s did not execute workflow instance %s", userID, instanceID)
	}
	if instance.Status == models.InstanceRunning {
		return nil, core.E(core.KindValidation, "cancel workflow instance %s before deleting it", instanceID)
	}

	report := &DeletionReport{}
	if err := s.deleteRecursive(ctx, instanceID, soft, report); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_instance_id", instanceID).
		Bool("soft", soft).
		Int("instances", report.Instances).
		Int("tasks", report.Tasks).
		Msg("workflow instance deleted")
	return report, nil
}

func (s *CascadeDeletionService) deleteRecursive(ctx context.Context, instanceID string, soft bool, report *DeletionReport) error {
	// Child instances spawned by subdivisions go first; their rows point
	// at this instance's tasks.
	subdivisions, err := s.repos.Subdivisions.ListByInstanceTasks(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, sub := range subdivisions {
		if sub.SubWorkflowInstanceID != nil {
			if err := s.deleteRecursive(ctx, *sub.SubWorkflowInstanceID, soft, report); err != nil {
				return err
			}
		}
		if err := s.deleteRows(ctx, &models.TaskSubdivision{}, "id = ?", sub.ID, soft); err != nil {
			return err
		}
		report.Subdivisions++
	}

	counts := []struct {
		model interface{}
		where string
		tally *int
	}{
		{&models.TaskInstance{}, "workflow_instance_id = ?", &report.Tasks},
		{&models.NodeInstance{}, "workflow_instance_id = ?", &report.NodeInstances},
		{&models.WorkflowContextSnapshot{}, "workflow_instance_id = ?", &report.Snapshots},
		{&models.WorkflowEvent{}, "workflow_instance_id = ?", &report.Events},
	}
	for _, c := range counts {
		n, err := s.deleteRowsCounted(ctx, c.model, c.where, instanceID, soft)
		if err != nil {
			return err
		}
		*c.tally += n
	}

	if err := s.deleteRows(ctx, &models.WorkflowInstance{}, "id = ?", instanceID, soft); err != nil {
		return err
	}
	report.Instances++
	return nil
}

func (s *CascadeDeletionService) deleteRows(ctx context.Context, model interface{}, where string, arg interface{}, soft bool) error {
	_, err := s.deleteRowsCounted(ctx, model, where, arg, soft)
	return err
}

func (s *CascadeDeletionService) deleteRowsCounted(ctx context.Context, model interface{}, where string, arg interface{}, soft bool) (int, error) {
	q := s.db.WithContext(ctx)
	if !soft {
		q = q.Unscoped()
	}
	res := q.Where(where, arg).Delete(model)
	if res.Error != nil {
		return 0, core.E(core.KindTransientIO, "cascade delete failed", res.Error)
	}
	return int(res.RowsAffected), nil
}
