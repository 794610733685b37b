package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/database"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

func cascadeFixture(t *testing.T) (*gorm.DB, *repository.Repositories, *CascadeDeletionService) {
	t.Helper()
	db, err := database.OpenTest()
	require.NoError(t, err)
	repos := repository.New(db)
	return db, repos, NewCascadeDeletionService(db, repos, logging.Nop())
}

// seedExecution creates an instance with a node instance, a task, a child
// instance behind a subdivision, a snapshot, and events.
func seedExecution(t *testing.T, db *gorm.DB, repos *repository.Repositories, executor string) (parentID, childID string) {
	t.Helper()
	ctx := context.Background()

	parent := &models.WorkflowInstance{
		WorkflowID: "wf-1", WorkflowBaseID: "wfb-1", ExecutorID: executor,
		Name: "parent", Status: models.InstanceCompleted,
	}
	require.NoError(t, repos.Instances.Create(ctx, parent))

	ni := []models.NodeInstance{{
		WorkflowInstanceID: parent.ID, NodeID: "n-1", NodeBaseID: "nb-1",
		NodeType: models.NodeTypeProcessor, Name: "P", Status: models.NodeInstanceCompleted,
		OutputData: models.JSONMap{"ok": true},
	}}
	require.NoError(t, repos.NodeInstances.CreateBatch(ctx, ni))

	userID := executor
	task := &models.TaskInstance{
		NodeInstanceID: ni[0].ID, WorkflowInstanceID: parent.ID, ProcessorID: "p-1",
		Kind: models.TaskKindHuman, Status: models.TaskCompleted, AssignedUserID: &userID,
	}
	require.NoError(t, db.Create(task).Error)

	child := &models.WorkflowInstance{
		WorkflowID: "wf-2", WorkflowBaseID: "wfb-2", ExecutorID: executor,
		Name: "child", Status: models.InstanceCompleted,
	}
	require.NoError(t, repos.Instances.Create(ctx, child))

	sub := &models.TaskSubdivision{
		OriginalTaskID: task.ID, SubdividerID: executor, SubdivisionName: "split",
		SubWorkflowBaseID: "wfb-2", SubWorkflowInstanceID: &child.ID,
		Status: models.SubdivisionCompleted,
	}
	require.NoError(t, repos.Subdivisions.Create(ctx, sub))

	require.NoError(t, repos.Snapshots.Append(ctx, &models.WorkflowContextSnapshot{
		WorkflowInstanceID: parent.ID, ContextData: models.JSONMap{}, NodeStates: models.JSONMap{}, SequenceNumber: 1,
	}))
	_, err := repos.Events.Append(ctx, parent.ID, "workflow_started", nil)
	require.NoError(t, err)

	return parent.ID, child.ID
}

func TestCascadeSoftDelete(t *testing.T) {
	db, repos, svc := cascadeFixture(t)
	parentID, childID := seedExecution(t, db, repos, "u-1")

	report, err := svc.DeleteWorkflowInstance(context.Background(), parentID, true, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Instances, "parent and subdivision child")
	assert.Equal(t, 1, report.Subdivisions)
	assert.GreaterOrEqual(t, report.Tasks, 1)

	_, err = repos.Instances.GetByID(context.Background(), parentID)
	assert.True(t, core.IsNotFound(err), "soft-deleted rows are invisible")
	_, err = repos.Instances.GetByID(context.Background(), childID)
	assert.True(t, core.IsNotFound(err))

	// Soft delete keeps the rows recoverable.
	var count int64
	require.NoError(t, db.Unscoped().Model(&models.WorkflowInstance{}).
		Where("id IN ?", []string{parentID, childID}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestCascadeHardDelete(t *testing.T) {
	db, repos, svc := cascadeFixture(t)
	parentID, childID := seedExecution(t, db, repos, "u-1")

	_, err := svc.DeleteWorkflowInstance(context.Background(), parentID, false, "u-1")
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Unscoped().Model(&models.WorkflowInstance{}).
		Where("id IN ?", []string{parentID, childID}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestCascadeDeleteRequiresExecutor(t *testing.T) {
	db, repos, svc := cascadeFixture(t)
	parentID, _ := seedExecution(t, db, repos, "u-1")

	_, err := svc.DeleteWorkflowInstance(context.Background(), parentID, true, "intruder")
	assert.True(t, core.IsPermissionDenied(err))
}

func TestCascadeDeleteRejectsRunning(t *testing.T) {
	_, repos, svc := cascadeFixture(t)
	ctx := context.Background()

	running := &models.WorkflowInstance{
		WorkflowID: "wf-1", WorkflowBaseID: "wfb-1", ExecutorID: "u-1",
		Name: "busy", Status: models.InstanceRunning,
	}
	require.NoError(t, repos.Instances.Create(ctx, running))

	_, err := svc.DeleteWorkflowInstance(ctx, running.ID, true, "u-1")
	assert.True(t, core.IsValidation(err))
}
