package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/models"
)

// Losing the in-memory context must be recoverable purely from the
// database: the structural rebuild re-derives the ready frontier.
func TestStructuralRebuildRestoresFrontier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "rebuild",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "B": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID, "B": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "B"}, {"B", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)

	// A completes, then the process "dies": the resident context is gone
	// before B was dispatched. Mark A completed directly in the database
	// to simulate durable state ahead of memory.
	a := env.nodeInstanceByName(t, instance.ID, "A")
	require.NoError(t, env.repos.NodeInstances.MarkCompleted(ctx, a.ID, models.JSONMap{"ok": true}))
	env.contexts.Remove(instance.ID)
	// Remove persists a snapshot through the eviction callback; drop the
	// snapshots so recovery has only the node instance rows to rebuild from.
	require.NoError(t, env.db.Unscoped().
		Where("workflow_instance_id = ?", instance.ID).
		Delete(&models.WorkflowContextSnapshot{}).Error)

	ec, err := env.contexts.GetOrRecover(ctx, instance.ID, false)
	require.NoError(t, err)

	b := env.nodeInstanceByName(t, instance.ID, "B")
	assert.Equal(t, StateCompleted, ec.State(a.ID))
	assert.Equal(t, StateReady, ec.State(b.ID))
	assert.Contains(t, ec.GetReadyNodes(), b.ID)
}

// Snapshot recovery: a persisted snapshot plus later node completions
// reproduces the context.
func TestSnapshotRecoveryReplaysLaterCompletions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "snaprec",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "B": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID, "B": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "B"}, {"B", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)

	ec := env.contexts.Get(instance.ID)
	require.NotNil(t, ec)
	require.NoError(t, env.contexts.PersistSnapshot(ctx, ec))

	// A completes after the snapshot was cut.
	a := env.nodeInstanceByName(t, instance.ID, "A")
	require.NoError(t, env.repos.NodeInstances.MarkCompleted(ctx, a.ID, models.JSONMap{"ok": true}))

	recovered, err := env.contexts.GetOrRecover(ctx, instance.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, recovered.State(a.ID))

	b := env.nodeInstanceByName(t, instance.ID, "B")
	assert.Equal(t, StateReady, recovered.State(b.ID))
}

func TestSnapshotRetentionPrunes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "prune",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)
	ec := env.contexts.Get(instance.ID)
	require.NotNil(t, ec)

	for i := 0; i < 8; i++ {
		require.NoError(t, env.contexts.PersistSnapshot(ctx, ec))
	}

	var count int64
	require.NoError(t, env.db.Model(&models.WorkflowContextSnapshot{}).
		Where("workflow_instance_id = ?", instance.ID).Count(&count).Error)
	assert.LessOrEqual(t, count, int64(5), "retention keeps the latest N snapshots")
}

func TestHealthStats(t *testing.T) {
	env := newTestEnv(t)
	stats := env.contexts.HealthStats()
	assert.Equal(t, 0, stats["resident_contexts"])
	assert.Equal(t, 16, stats["max_resident"])
}
