package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/database"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/repository"
)

type testEnv struct {
	db         *gorm.DB
	repos      *repository.Repositories
	contexts   *ContextManager
	callbacks  *CallbackRegistry
	engine     *Engine
	dispatcher *recordingDispatcher
}

// recordingDispatcher captures dispatched tasks instead of routing them;
// tests play the role of the worker pool and the human.
type recordingDispatcher struct {
	humanTasks []string
	agentTasks []string
	failNext   bool
}

func (d *recordingDispatcher) DispatchHuman(ctx context.Context, task *models.TaskInstance) error {
	if d.failNext {
		d.failNext = false
		return core.E(core.KindTransientIO, "queue unavailable")
	}
	d.humanTasks = append(d.humanTasks, task.ID)
	return nil
}

func (d *recordingDispatcher) DispatchAgent(ctx context.Context, task *models.TaskInstance) error {
	if d.failNext {
		d.failNext = false
		return core.E(core.KindTransientIO, "queue unavailable")
	}
	d.agentTasks = append(d.agentTasks, task.ID)
	return nil
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		ContextTTL:          time.Hour,
		MaxResidentContexts: 16,
		SnapshotEvery:       3,
		SnapshotRetention:   5,
		DispatchGracePeriod: time.Minute,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenTest()
	require.NoError(t, err)

	repos := repository.New(db)
	log := logging.Nop()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	contexts := NewContextManager(testEngineConfig(), repos, log)
	callbacks := NewCallbackRegistry(repos, log)
	eng := NewEngine(testEngineConfig(), db, repos, contexts, callbacks, metrics, log)

	dispatcher := &recordingDispatcher{}
	eng.SetDispatcher(dispatcher)

	return &testEnv{
		db:         db,
		repos:      repos,
		contexts:   contexts,
		callbacks:  callbacks,
		engine:     eng,
		dispatcher: dispatcher,
	}
}

// fixtures

func (env *testEnv) createUser(t *testing.T, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username}
	require.NoError(t, env.db.Create(u).Error)
	return u
}

func (env *testEnv) createAgent(t *testing.T, name string) *models.Agent {
	t.Helper()
	a := &models.Agent{Name: name, Endpoint: "http://agent.local/run"}
	require.NoError(t, env.db.Create(a).Error)
	return a
}

func (env *testEnv) createHumanProcessor(t *testing.T, userID string) *models.Processor {
	t.Helper()
	p := &models.Processor{Name: "human", Kind: models.ProcessorHuman, UserID: &userID}
	require.NoError(t, env.db.Create(p).Error)
	return p
}

func (env *testEnv) createAgentProcessor(t *testing.T, agentID string) *models.Processor {
	t.Helper()
	p := &models.Processor{Name: "agent", Kind: models.ProcessorAgent, AgentID: &agentID}
	require.NoError(t, env.db.Create(p).Error)
	return p
}

// templateSpec declares a small template for tests: node name -> type, a
// processor per business node, and edges by name.
type templateSpec struct {
	name       string
	nodes      map[string]models.NodeType
	processors map[string]string // node name -> processor id
	edges      [][2]string
	conditions map[[2]string]models.JSONMap
}

func (env *testEnv) createTemplate(t *testing.T, spec templateSpec) *models.Workflow {
	t.Helper()
	var nodes []models.Node
	for name, typ := range spec.nodes {
		nodes = append(nodes, models.Node{Name: name, Type: typ, Version: 1})
	}
	byName := make(map[string]*models.Node)
	for i := range nodes {
		nodes[i].NodeBaseID = nodes[i].Name + "-base-" + spec.name
		byName[nodes[i].Name] = &nodes[i]
	}
	var conns []models.NodeConnection
	for _, e := range spec.edges {
		conn := models.NodeConnection{
			SourceNodeBaseID: byName[e[0]].NodeBaseID,
			TargetNodeBaseID: byName[e[1]].NodeBaseID,
		}
		if cfg, ok := spec.conditions[e]; ok {
			conn.ConditionConfig = cfg
		}
		conns = append(conns, conn)
	}

	wf, err := env.repos.Workflows.CreateTemplate(context.Background(), &repository.TemplateDefinition{
		Workflow:    models.Workflow{Name: spec.name, Version: 1, IsCurrent: true},
		Nodes:       nodes,
		Connections: conns,
	})
	require.NoError(t, err)

	for nodeName, processorID := range spec.processors {
		require.NoError(t, env.repos.Processors.Bind(context.Background(), byName[nodeName], processorID))
	}
	return wf
}

func (env *testEnv) nodeInstanceByName(t *testing.T, instanceID, name string) *models.NodeInstance {
	t.Helper()
	nis, err := env.repos.NodeInstances.ListByWorkflowInstance(context.Background(), instanceID)
	require.NoError(t, err)
	for i := range nis {
		if nis[i].Name == name {
			return &nis[i]
		}
	}
	t.Fatalf("node instance %q not found", name)
	return nil
}

func (env *testEnv) taskOfNode(t *testing.T, nodeInstanceID string) *models.TaskInstance {
	t.Helper()
	tasks, err := env.repos.Tasks.ListByNodeInstance(context.Background(), nodeInstanceID)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	return &tasks[0]
}

// S1: start -> A(agent) -> end completes once the agent result lands.
func TestExecuteWorkflowLinearAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "researcher")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "linear",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run-1", models.JSONMap{"x": float64(1)}, "executor")
	require.NoError(t, err)
	require.Len(t, env.dispatcher.agentTasks, 1)

	// Play the agent worker.
	taskID := env.dispatcher.agentTasks[0]
	require.NoError(t, env.engine.SubmitTaskResult(ctx, taskID, agent.ID, models.JSONMap{"ok": true}, "done"))

	final, err := env.repos.Instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)

	a := env.nodeInstanceByName(t, instance.ID, "A")
	assert.Equal(t, models.NodeInstanceCompleted, a.Status)
	assert.Equal(t, true, a.OutputData["ok"])

	end := env.nodeInstanceByName(t, instance.ID, "end")
	require.Equal(t, models.NodeInstanceCompleted, end.Status)
	collated, ok := end.OutputData[a.ID].(map[string]interface{})
	require.True(t, ok, "end output should contain A's output keyed by its instance id")
	assert.Equal(t, true, collated["ok"])
}

// S2: a human task shows up assigned, is started, and its submission
// completes the workflow.
func TestHumanTaskSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := env.createUser(t, "u1")
	proc := env.createHumanProcessor(t, u1.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "human",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "H": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"H": proc.ID},
		edges:      [][2]string{{"start", "H"}, {"H", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, u1.ID)
	require.NoError(t, err)
	require.Len(t, env.dispatcher.humanTasks, 1)
	taskID := env.dispatcher.humanTasks[0]

	assigned := models.TaskAssigned
	inbox, err := env.repos.Tasks.ListUserTasks(ctx, u1.ID, &assigned, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, taskID, inbox[0].ID)

	require.NoError(t, env.engine.StartTask(ctx, taskID, u1.ID))
	task, err := env.repos.Tasks.GetByID(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, task.Status)

	require.NoError(t, env.engine.SubmitTaskResult(ctx, taskID, u1.ID, models.JSONMap{"answer": "42"}, "done"))

	final, err := env.repos.Instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, final.Status)
}

// S3: C waits for both A and B; its context carries both outputs.
func TestFanInDispatchesAfterAllUpstream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "worker")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name: "fanin",
		nodes: map[string]models.NodeType{
			"start": models.NodeTypeStart, "A": models.NodeTypeProcessor,
			"B": models.NodeTypeProcessor, "C": models.NodeTypeProcessor, "end": models.NodeTypeEnd,
		},
		processors: map[string]string{"A": proc.ID, "B": proc.ID, "C": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"start", "B"}, {"A", "C"}, {"B", "C"}, {"C", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)
	require.Len(t, env.dispatcher.agentTasks, 2, "A and B dispatch, C must wait")

	a := env.nodeInstanceByName(t, instance.ID, "A")
	b := env.nodeInstanceByName(t, instance.ID, "B")

	taskA := env.taskOfNode(t, a.ID)
	require.NoError(t, env.engine.SubmitTaskResult(ctx, taskA.ID, agent.ID, models.JSONMap{"from": "A"}, ""))
	require.Len(t, env.dispatcher.agentTasks, 2, "C must not dispatch before B completes")

	taskB := env.taskOfNode(t, b.ID)
	require.NoError(t, env.engine.SubmitTaskResult(ctx, taskB.ID, agent.ID, models.JSONMap{"from": "B"}, ""))
	require.Len(t, env.dispatcher.agentTasks, 3, "C dispatches after fan-in completes")

	c := env.nodeInstanceByName(t, instance.ID, "C")
	taskC := env.taskOfNode(t, c.ID)
	upstream, ok := taskC.ContextData["immediate_upstream"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, upstream, a.ID)
	assert.Contains(t, upstream, b.ID)
}

// A processor node with no binding fails with reason no_binding and takes
// the workflow down with it.
func TestNoBindingFailsNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.createTemplate(t, templateSpec{
		name:  "nobinding",
		nodes: map[string]models.NodeType{"start": models.NodeTypeStart, "P": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		edges: [][2]string{{"start", "P"}, {"P", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)

	p := env.nodeInstanceByName(t, instance.ID, "P")
	assert.Equal(t, models.NodeInstanceFailed, p.Status)
	assert.Equal(t, "no_binding", p.ErrorMessage)

	final, err := env.repos.Instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceFailed, final.Status)
}

// Completion monotonicity: terminal instances reject further transitions.
func TestTerminalStatusIsAbsorbing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "mono",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)
	task := env.taskOfNode(t, env.nodeInstanceByName(t, instance.ID, "A").ID)
	require.NoError(t, env.engine.SubmitTaskResult(ctx, task.ID, agent.ID, models.JSONMap{"ok": true}, ""))

	err = env.engine.CancelWorkflow(ctx, instance.ID, "too late")
	assert.True(t, core.IsConflict(err))

	err = env.repos.Instances.TransitionStatus(ctx, instance.ID, models.InstanceRunning, "")
	assert.True(t, core.IsConflict(err))

	final, err := env.repos.Instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, final.Status)
}

// Cancellation cascades to every non-terminal task and node instance.
func TestCancelWorkflowCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "cancel",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "B": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID, "B": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "B"}, {"B", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)
	require.NoError(t, env.engine.CancelWorkflow(ctx, instance.ID, "operator request"))

	final, err := env.repos.Instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCancelled, final.Status)

	nis, err := env.repos.NodeInstances.ListByWorkflowInstance(ctx, instance.ID)
	require.NoError(t, err)
	for _, ni := range nis {
		if ni.Status == models.NodeInstanceCompleted {
			continue // start completed before the cancel
		}
		assert.Equal(t, models.NodeInstanceCancelled, ni.Status, ni.Name)
	}

	tasks, err := env.repos.Tasks.ListByWorkflowInstance(ctx, instance.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskCancelled, task.Status)
	}

	// An agent result arriving after cancellation is discarded.
	for _, task := range tasks {
		err := env.engine.SubmitTaskResult(ctx, task.ID, agent.ID, models.JSONMap{"late": true}, "")
		assert.True(t, core.IsConflict(err))
	}
}

// Pause holds ready nodes back; resume dispatches them.
func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "pause",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "B": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID, "B": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "B"}, {"B", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)
	require.Len(t, env.dispatcher.agentTasks, 1)

	require.NoError(t, env.engine.PauseWorkflow(ctx, instance.ID))

	// The running task finishes while paused, but B is not dispatched.
	taskA := env.dispatcher.agentTasks[0]
	require.NoError(t, env.engine.SubmitTaskResult(ctx, taskA, agent.ID, models.JSONMap{"ok": true}, ""))
	assert.Len(t, env.dispatcher.agentTasks, 1)

	require.NoError(t, env.engine.ResumeWorkflow(ctx, instance.ID))
	assert.Len(t, env.dispatcher.agentTasks, 2, "resume re-drains the ready frontier")
}

// RejectTask fails the node and the workflow.
func TestRejectTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u1 := env.createUser(t, "u1")
	proc := env.createHumanProcessor(t, u1.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "reject",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "H": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"H": proc.ID},
		edges:      [][2]string{{"start", "H"}, {"H", "end"}},
	})

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, u1.ID)
	require.NoError(t, err)
	taskID := env.dispatcher.humanTasks[0]

	err = env.engine.RejectTask(ctx, taskID, u1.ID, "")
	assert.True(t, core.IsValidation(err), "reason is mandatory")

	require.NoError(t, env.engine.RejectTask(ctx, taskID, u1.ID, "out of scope"))

	final, err := env.repos.Instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceFailed, final.Status)
}

// A failed enqueue rolls the whole dispatch back and leaves the node
// pending for the next drain.
func TestDispatchContractRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	wf := env.createTemplate(t, templateSpec{
		name:       "rollback",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "end"}},
	})

	env.dispatcher.failNext = true
	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)

	a := env.nodeInstanceByName(t, instance.ID, "A")
	assert.Equal(t, models.NodeInstancePending, a.Status)
	tasks, err := env.repos.Tasks.ListByNodeInstance(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks, "tasks of an aborted dispatch are rolled back")
}

// An unsatisfied conditional edge is a skip edge: downstream still runs
// and sees a null entry for the skipped source.
func TestConditionalSkipEdge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent := env.createAgent(t, "a")
	proc := env.createAgentProcessor(t, agent.ID)
	spec := templateSpec{
		name:       "cond",
		nodes:      map[string]models.NodeType{"start": models.NodeTypeStart, "A": models.NodeTypeProcessor, "B": models.NodeTypeProcessor, "end": models.NodeTypeEnd},
		processors: map[string]string{"A": proc.ID, "B": proc.ID},
		edges:      [][2]string{{"start", "A"}, {"A", "B"}, {"B", "end"}},
		conditions: map[[2]string]models.JSONMap{
			{"A", "B"}: {"path": "score", "op": "gt", "value": float64(10)},
		},
	}
	wf := env.createTemplate(t, spec)

	instance, err := env.engine.ExecuteWorkflow(ctx, wf.WorkflowBaseID, "run", nil, "executor")
	require.NoError(t, err)

	a := env.nodeInstanceByName(t, instance.ID, "A")
	taskA := env.taskOfNode(t, a.ID)
	require.NoError(t, env.engine.SubmitTaskResult(ctx, taskA.ID, agent.ID, models.JSONMap{"score": float64(3)}, ""))

	b := env.nodeInstanceByName(t, instance.ID, "B")
	require.Equal(t, models.NodeInstanceRunning, b.Status, "skip edge still satisfies the dependency")

	taskB := env.taskOfNode(t, b.ID)
	upstream, ok := taskB.ContextData["immediate_upstream"].(map[string]interface{})
	require.True(t, ok)
	val, present := upstream[a.ID]
	require.True(t, present)
	assert.Nil(t, val, "skipped source contributes a null entry")
}
