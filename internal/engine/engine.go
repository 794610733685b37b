package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/repository"
)

// Dispatcher routes created tasks to their sink. Implementations must make
// enqueueing atomic from the engine's view: an error means nothing was
// enqueued and the engine rolls the tasks back.
type Dispatcher interface {
	DispatchHuman(ctx context.Context, task *models.TaskInstance) error
	DispatchAgent(ctx context.Context, task *models.TaskInstance) error
}

// Engine drives the state machines of workflow instances, node instances,
// and task instances. All mutation of one workflow instance is serialized
// by a keyed lock; operations on different instances run in parallel.
type Engine struct {
	log        zerolog.Logger
	cfg        config.EngineConfig
	db         *gorm.DB
	repos      *repository.Repositories
	contexts   *ContextManager
	composer   *ContextComposer
	callbacks  *CallbackRegistry
	locks      *KeyedLocks
	dispatcher Dispatcher
	metrics    *observability.Metrics
}

// NewEngine wires the execution engine. The dispatcher is attached
// afterwards with SetDispatcher because the agent pool submits results
// back through the engine.
func NewEngine(cfg config.EngineConfig, db *gorm.DB, repos *repository.Repositories, contexts *ContextManager, callbacks *CallbackRegistry, metrics *observability.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		log:       log.With().Str("component", "engine").Logger(),
		cfg:       cfg,
		db:        db,
		repos:     repos,
		contexts:  contexts,
		composer:  NewContextComposer(db, repos),
		callbacks: callbacks,
		locks:     NewKeyedLocks(),
		metrics:   metrics,
	}
}

// SetDispatcher attaches the task dispatcher. Must be called before any
// workflow is executed.
func (e *Engine) SetDispatcher(d Dispatcher) { e.dispatcher = d }

// Callbacks exposes the completion-callback registry.
func (e *Engine) Callbacks() *CallbackRegistry { return e.callbacks }

// Contexts exposes the context manager.
func (e *Engine) Contexts() *ContextManager { return e.contexts }

// Locks exposes the per-instance lock table to sibling services that
// coordinate with the engine (subdivision, monitor).
func (e *Engine) Locks() *KeyedLocks { return e.locks }

// ExecuteWorkflow instantiates the current version of a template and runs
// it: node instances are materialized, the start node auto-completes with
// the submitted input, and its successors are dispatched.
func (e *Engine) ExecuteWorkflow(ctx context.Context, baseID, instanceName string, input models.JSONMap, executorID string) (*models.WorkflowInstance, error) {
	if e.dispatcher == nil {
		return nil, core.E(core.KindFatalInternal, "engine has no dispatcher attached")
	}

	wf, err := e.repos.Workflows.GetCurrentByBaseID(ctx, baseID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.repos.Workflows.GetNodes(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	connections, err := e.repos.Workflows.GetConnections(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTemplate(nodes, connections); err != nil {
		return nil, err
	}

	if input == nil {
		input = models.JSONMap{}
	}
	instance := &models.WorkflowInstance{
		WorkflowID:     wf.ID,
		WorkflowBaseID: wf.WorkflowBaseID,
		ExecutorID:     executorID,
		Name:           instanceName,
		Status:         models.InstancePending,
		InputData:      input,
	}
	if err := e.repos.Instances.Create(ctx, instance); err != nil {
		return nil, err
	}

	nodeInstances := make([]models.NodeInstance, 0, len(nodes))
	for _, n := range nodes {
		nodeInstances = append(nodeInstances, models.NodeInstance{
			WorkflowInstanceID: instance.ID,
			NodeID:             n.ID,
			NodeBaseID:         n.NodeBaseID,
			NodeType:           n.Type,
			Name:               n.Name,
			Status:             models.NodeInstancePending,
		})
	}
	if err := e.repos.NodeInstances.CreateBatch(ctx, nodeInstances); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(instance.ID)
	defer unlock()

	ec := e.contexts.Initialize(ctx, instance.ID, nodeInstances, connections)
	if err := e.repos.Instances.TransitionStatus(ctx, instance.ID, models.InstanceRunning, ""); err != nil {
		return nil, err
	}
	instance.Status = models.InstanceRunning
	if _, err := e.repos.Events.Append(ctx, instance.ID, models.EventWorkflowStarted, models.JSONMap{"executor_id": executorID}); err != nil {
		return nil, err
	}

	// The start node completes immediately with the submitted input.
	for _, ni := range nodeInstances {
		if ni.NodeType != models.NodeTypeStart {
			continue
		}
		if err := e.repos.NodeInstances.MarkCompleted(ctx, ni.ID, input); err != nil {
			return nil, err
		}
		ec.GetReadyNodes() // consume the start trigger; it never dispatches
		ec.MarkCompleted(ni.ID, input)
		if err := e.persistProgress(ctx, ec, instance.ID, fmt.Sprintf("start:%s", ni.ID)); err != nil {
			return nil, err
		}
		if _, err := e.repos.Events.Append(ctx, instance.ID, models.EventNodeCompleted, models.JSONMap{
			"node_instance_id": ni.ID,
		}); err != nil {
			return nil, err
		}
	}

	e.onNodesReady(ctx, instance.ID, ec, ec.GetReadyNodes())
	e.checkCompletion(ctx, instance.ID, ec)

	e.log.Info().
		Str("workflow_instance_id", instance.ID).
		Str("workflow_base_id", baseID).
		Int("nodes", len(nodeInstances)).
		Msg("workflow execution started")
	return instance, nil
}

// OnNodesReadyToExecute dispatches a set of ready node instances. Exposed
// for recovery paths; normal execution reaches it through result
// submission.
func (e *Engine) OnNodesReadyToExecute(ctx context.Context, instanceID string, nodeInstanceIDs []string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	ec, err := e.contexts.GetOrRecover(ctx, instanceID, false)
	if err != nil {
		return err
	}
	e.onNodesReady(ctx, instanceID, ec, nodeInstanceIDs)
	e.checkCompletion(ctx, instanceID, ec)
	return nil
}

// onNodesReady dispatches ready nodes. Caller holds the instance lock.
// Dispatch order is the order the context returned: deterministic,
// following edge insertion.
func (e *Engine) onNodesReady(ctx context.Context, instanceID string, ec *ExecutionContext, nodeInstanceIDs []string) {
	if len(nodeInstanceIDs) == 0 {
		return
	}
	instance, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		e.log.Error().Err(err).Str("workflow_instance_id", instanceID).Msg("dispatch aborted, instance unloadable")
		return
	}
	if instance.Status != models.InstanceRunning {
		// Paused or terminal: ready nodes stay undispatched. Resume
		// re-derives the frontier from the context.
		return
	}

	for _, id := range nodeInstanceIDs {
		if err := e.dispatchNode(ctx, instance, ec, id); err != nil {
			e.log.Error().Err(err).
				Str("workflow_instance_id", instanceID).
				Str("node_instance_id", id).
				Msg("node dispatch failed")
		}
	}
}

func (e *Engine) dispatchNode(ctx context.Context, instance *models.WorkflowInstance, ec *ExecutionContext, nodeInstanceID string) error {
	ni, err := e.repos.NodeInstances.GetByID(ctx, nodeInstanceID)
	if err != nil {
		return err
	}
	if ni.Status != models.NodeInstancePending {
		return nil
	}

	node, err := e.repos.Workflows.GetNodeByID(ctx, ni.NodeID)
	if err != nil {
		return err
	}

	upstream := e.upstreamInstances(ec, ni.ID)

	if ni.NodeType == models.NodeTypeEnd {
		return e.completeEndNode(ctx, instance, ec, ni, upstream)
	}

	processors, err := e.repos.Processors.ListForNode(ctx, node.ID)
	if err != nil {
		return err
	}
	if len(processors) == 0 {
		return e.failNode(ctx, instance.ID, ec, ni, "no_binding")
	}

	payload, err := e.composer.Compose(ctx, ec, instance, node, ni, upstream)
	if err != nil {
		return err
	}
	contextData := payload.ToJSONMap()

	now := time.Now()
	tasks := make([]models.TaskInstance, 0, len(processors))
	for _, p := range processors {
		t := models.TaskInstance{
			NodeInstanceID:     ni.ID,
			WorkflowInstanceID: instance.ID,
			ProcessorID:        p.ID,
			Kind:               p.Kind.TaskKind(),
			Status:             models.TaskAssigned,
			Title:              node.Name,
			Description:        node.Description,
			AssignedUserID:     p.UserID,
			AssignedAgentID:    p.AgentID,
			ContextData:        contextData,
			InputData:          models.JSONMap(payload.ImmediateUpstream),
			AssignedAt:         &now,
		}
		tasks = append(tasks, t)
	}

	if err := e.repos.NodeInstances.MarkRunning(ctx, ni.ID, models.JSONMap(payload.ImmediateUpstream)); err != nil {
		return err
	}
	if err := e.repos.Tasks.CreateBatch(ctx, tasks); err != nil {
		_ = e.repos.NodeInstances.MarkPending(ctx, ni.ID)
		return err
	}

	// Creating and enqueueing is one logical operation: an enqueue failure
	// rolls everything back and the node waits for the next drain.
	for i := range tasks {
		var dispatchErr error
		switch tasks[i].Kind {
		case models.TaskKindHuman:
			dispatchErr = e.dispatcher.DispatchHuman(ctx, &tasks[i])
		case models.TaskKindAgent:
			dispatchErr = e.dispatcher.DispatchAgent(ctx, &tasks[i])
		case models.TaskKindMixed:
			if dispatchErr = e.dispatcher.DispatchHuman(ctx, &tasks[i]); dispatchErr == nil {
				dispatchErr = e.dispatcher.DispatchAgent(ctx, &tasks[i])
			}
		}
		if dispatchErr != nil {
			ids := make([]string, 0, len(tasks))
			for _, t := range tasks {
				ids = append(ids, t.ID)
			}
			_ = e.repos.Tasks.DeleteBatch(ctx, ids)
			_ = e.repos.NodeInstances.MarkPending(ctx, ni.ID)
			return core.E(core.KindTransientIO, "failed to enqueue tasks of node instance %s", ni.ID, dispatchErr)
		}
	}

	ec.MarkExecuting(ni.ID)
	if _, err := e.repos.Events.Append(ctx, instance.ID, models.EventNodeDispatched, models.JSONMap{
		"node_instance_id": ni.ID,
		"task_count":       len(tasks),
	}); err != nil {
		return err
	}
	e.metrics.NodeDispatchesTotal.WithLabelValues(string(ni.NodeType)).Inc()
	return nil
}

// upstreamInstances returns the direct upstream node instance ids of a
// node instance, derived from the context's successor edges.
func (e *Engine) upstreamInstances(ec *ExecutionContext, nodeInstanceID string) []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var upstream []string
	for source, edges := range ec.successors {
		for _, edge := range edges {
			if edge.Target == nodeInstanceID {
				upstream = append(upstream, source)
			}
		}
	}
	return upstream
}

func (e *Engine) completeEndNode(ctx context.Context, instance *models.WorkflowInstance, ec *ExecutionContext, ni *models.NodeInstance, upstream []string) error {
	collated := models.JSONMap{}
	skipped := ec.SkippedSources(ni.ID)
	for _, sourceID := range upstream {
		if skipped[sourceID] {
			collated[sourceID] = nil
			continue
		}
		if out, ok := ec.Output(sourceID); ok {
			collated[sourceID] = out
		}
	}

	if err := e.repos.NodeInstances.MarkCompleted(ctx, ni.ID, collated); err != nil {
		return err
	}
	ec.MarkCompleted(ni.ID, collated)
	if err := e.persistProgress(ctx, ec, instance.ID, fmt.Sprintf("end:%s", ni.ID)); err != nil {
		return err
	}
	if _, err := e.repos.Events.Append(ctx, instance.ID, models.EventNodeCompleted, models.JSONMap{
		"node_instance_id": ni.ID,
		"node_type":        string(models.NodeTypeEnd),
	}); err != nil {
		return err
	}
	return nil
}

func (e *Engine) failNode(ctx context.Context, instanceID string, ec *ExecutionContext, ni *models.NodeInstance, reason string) error {
	if err := e.repos.NodeInstances.MarkFailed(ctx, ni.ID, reason); err != nil {
		return err
	}
	ec.MarkFailed(ni.ID)
	if _, err := e.repos.Events.Append(ctx, instanceID, models.EventNodeFailed, models.JSONMap{
		"node_instance_id": ni.ID,
		"reason":           reason,
	}); err != nil {
		return err
	}
	e.checkCompletion(ctx, instanceID, ec)
	return nil
}

// SubmitTaskResult records a task's output and completes it. When the last
// sibling of the node lands, the node completes with a collated output and
// downstream nodes are dispatched. actorID is the submitting user for
// human tasks or the agent for agent submissions.
func (e *Engine) SubmitTaskResult(ctx context.Context, taskID, actorID string, output models.JSONMap, summary string) error {
	task, err := e.repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	part, err := submissionPart(task, actorID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(task.WorkflowInstanceID)
	defer unlock()

	instance, err := e.repos.Instances.GetByID(ctx, task.WorkflowInstanceID)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		// Late results against a terminal workflow are not applied; agent
		// workers discard this conflict silently. Paused workflows still
		// accept results, they just don't dispatch new nodes.
		return core.E(core.KindConflict, "workflow instance %s is %s, result for task %s discarded", instance.ID, instance.Status, taskID)
	}

	if output == nil {
		output = models.JSONMap{}
	}

	if task.Kind == models.TaskKindMixed {
		done, err := e.submitMixedPart(ctx, task, part, output, summary)
		if err != nil || !done {
			return err
		}
	} else {
		updates := map[string]interface{}{
			"output_data":    output,
			"result_summary": summary,
		}
		from := []models.TaskStatus{models.TaskPending, models.TaskAssigned, models.TaskInProgress}
		if err := e.repos.Tasks.Transition(ctx, taskID, from, models.TaskCompleted, updates); err != nil {
			return err
		}
	}

	if _, err := e.repos.Events.Append(ctx, instance.ID, models.EventTaskCompleted, models.JSONMap{
		"task_id":  taskID,
		"actor_id": actorID,
	}); err != nil {
		return err
	}
	e.metrics.TaskCompletionsTotal.WithLabelValues(string(task.Kind), string(models.TaskCompleted)).Inc()

	return e.settleNode(ctx, instance, task.NodeInstanceID)
}

// submitMixedPart stores one half of a mixed task. The task completes once
// both halves are present; the human half alone suffices when the agent
// half already failed permanently.
func (e *Engine) submitMixedPart(ctx context.Context, task *models.TaskInstance, part string, output models.JSONMap, summary string) (bool, error) {
	merged := models.JSONMap{}
	for k, v := range task.OutputData {
		merged[k] = v
	}
	merged[part] = map[string]interface{}(output)

	humanDone := merged["human"] != nil
	agentDone := merged["agent"] != nil || task.ErrorMessage != ""

	if humanDone && agentDone {
		from := []models.TaskStatus{models.TaskPending, models.TaskAssigned, models.TaskInProgress}
		err := e.repos.Tasks.Transition(ctx, task.ID, from, models.TaskCompleted, map[string]interface{}{
			"output_data":    merged,
			"result_summary": summary,
		})
		return err == nil, err
	}
	return false, e.repos.Tasks.SaveOutput(ctx, task.ID, merged)
}

// settleNode completes the node instance when every non-cancelled sibling
// task is completed, then advances the frontier. Caller holds the lock.
func (e *Engine) settleNode(ctx context.Context, instance *models.WorkflowInstance, nodeInstanceID string) error {
	tasks, err := e.repos.Tasks.ListByNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return err
	}

	live := make([]models.TaskInstance, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != models.TaskCancelled {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil // fully cancelled node, cancellation path owns it
	}
	for _, t := range live {
		if t.Status != models.TaskCompleted {
			return nil // still outstanding work
		}
	}

	collated := collateTaskOutputs(live)
	if err := e.repos.NodeInstances.MarkCompleted(ctx, nodeInstanceID, collated); err != nil {
		if core.IsConflict(err) {
			return nil
		}
		return err
	}

	ec, err := e.contexts.GetOrRecover(ctx, instance.ID, false)
	if err != nil {
		return err
	}
	ec.MarkCompleted(nodeInstanceID, collated)
	if err := e.persistProgress(ctx, ec, instance.ID, fmt.Sprintf("node:%s", nodeInstanceID)); err != nil {
		return err
	}
	if _, err := e.repos.Events.Append(ctx, instance.ID, models.EventNodeCompleted, models.JSONMap{
		"node_instance_id": nodeInstanceID,
	}); err != nil {
		return err
	}
	if ec.UpdatesSinceSnapshot() >= e.cfg.SnapshotEvery {
		if err := e.contexts.PersistSnapshot(ctx, ec); err != nil {
			e.log.Warn().Err(err).Str("workflow_instance_id", instance.ID).Msg("periodic snapshot failed")
		} else {
			e.metrics.SnapshotsTotal.Inc()
		}
	}

	e.onNodesReady(ctx, instance.ID, ec, ec.GetReadyNodes())
	e.checkCompletion(ctx, instance.ID, ec)
	return nil
}

// collateTaskOutputs merges sibling task outputs into the node output. A
// single task contributes its output directly; multiple tasks are keyed by
// processor so nothing is lost.
func collateTaskOutputs(tasks []models.TaskInstance) models.JSONMap {
	if len(tasks) == 1 {
		if tasks[0].OutputData == nil {
			return models.JSONMap{}
		}
		return tasks[0].OutputData
	}
	collated := models.JSONMap{}
	for _, t := range tasks {
		collated[t.ProcessorID] = map[string]interface{}(t.OutputData)
	}
	return collated
}

func submissionPart(task *models.TaskInstance, actorID string) (string, error) {
	if task.AssignedUserID != nil && *task.AssignedUserID == actorID {
		return "human", nil
	}
	if task.AssignedAgentID != nil && *task.AssignedAgentID == actorID {
		return "agent", nil
	}
	return "", core.E(core.KindPermissionDenied, "actor %s is not assigned to task %s", actorID, task.ID)
}

// persistProgress writes the context-derived columns and appends one trace
// entry. Completion events are appended separately by the caller before
// any downstream dispatch, keeping the durability ordering guarantee.
func (e *Engine) persistProgress(ctx context.Context, ec *ExecutionContext, instanceID, traceEntry string) error {
	instance, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	executionContext, nodeDependencies, completedNodes := ec.ExecutionFieldsView()
	trace := append(models.JSONList{}, instance.ExecutionTrace...)
	trace = append(trace, map[string]interface{}{
		"at":    time.Now().Format(time.RFC3339Nano),
		"entry": traceEntry,
	})
	return e.repos.Instances.SaveExecutionFields(ctx, instanceID, repository.ExecutionFields{
		ExecutionContext: executionContext,
		NodeDependencies: nodeDependencies,
		CompletedNodes:   completedNodes,
		ExecutionTrace:   trace,
		InstanceMetadata: instance.InstanceMetadata,
	})
}

// CheckWorkflowCompletion re-derives the workflow's terminal status from
// its node instances. Idempotent; public for recovery paths.
func (e *Engine) CheckWorkflowCompletion(ctx context.Context, instanceID string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()
	return e.checkCompletionLocked(ctx, instanceID)
}

func (e *Engine) checkCompletion(ctx context.Context, instanceID string, _ *ExecutionContext) {
	if err := e.checkCompletionLocked(ctx, instanceID); err != nil {
		e.log.Error().Err(err).Str("workflow_instance_id", instanceID).Msg("completion check failed")
	}
}

func (e *Engine) checkCompletionLocked(ctx context.Context, instanceID string) error {
	instance, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		e.callbacks.Notify(ctx, instance)
		return nil
	}

	nodeInstances, err := e.repos.NodeInstances.ListByWorkflowInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	var endOutput models.JSONMap
	endCompleted := false
	anyFailed := false
	for _, ni := range nodeInstances {
		if ni.NodeType == models.NodeTypeEnd && ni.Status == models.NodeInstanceCompleted {
			endCompleted = true
			endOutput = ni.OutputData
		}
		if ni.Status == models.NodeInstanceFailed {
			anyFailed = true
		}
	}

	switch {
	case endCompleted:
		if err := e.repos.Instances.TransitionStatus(ctx, instanceID, models.InstanceCompleted, ""); err != nil {
			return err
		}
		if err := e.repos.Instances.SetOutput(ctx, instanceID, endOutput); err != nil {
			return err
		}
		if _, err := e.repos.Events.Append(ctx, instanceID, models.EventWorkflowCompleted, nil); err != nil {
			return err
		}
		e.metrics.WorkflowExecutionsTotal.WithLabelValues(string(models.InstanceCompleted)).Inc()
		e.observeDuration(instance, models.InstanceCompleted)
	case anyFailed:
		if err := e.repos.Instances.TransitionStatus(ctx, instanceID, models.InstanceFailed, "node failure"); err != nil {
			return err
		}
		if _, err := e.repos.Events.Append(ctx, instanceID, models.EventWorkflowFailed, nil); err != nil {
			return err
		}
		e.metrics.WorkflowExecutionsTotal.WithLabelValues(string(models.InstanceFailed)).Inc()
		e.observeDuration(instance, models.InstanceFailed)
	default:
		return nil
	}

	final, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	e.callbacks.Notify(ctx, final)
	return nil
}

func (e *Engine) observeDuration(instance *models.WorkflowInstance, status models.InstanceStatus) {
	if instance.StartedAt != nil {
		e.metrics.WorkflowDuration.WithLabelValues(string(status)).Observe(time.Since(*instance.StartedAt).Seconds())
	}
}

// PauseWorkflow moves a running workflow to paused. Running tasks finish;
// ready nodes are not dispatched until resume.
func (e *Engine) PauseWorkflow(ctx context.Context, instanceID string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	instance, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != models.InstanceRunning {
		return core.E(core.KindValidation, "cannot pause workflow instance in status %s", instance.Status)
	}
	return e.repos.Instances.TransitionStatus(ctx, instanceID, models.InstancePaused, "")
}

// ResumeWorkflow moves a paused workflow back to running and re-drains the
// ready frontier.
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	instance, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status != models.InstancePaused {
		return core.E(core.KindValidation, "cannot resume workflow instance in status %s", instance.Status)
	}
	if err := e.repos.Instances.TransitionStatus(ctx, instanceID, models.InstanceRunning, ""); err != nil {
		return err
	}

	ec, err := e.contexts.GetOrRecover(ctx, instanceID, false)
	if err != nil {
		return err
	}
	e.onNodesReady(ctx, instanceID, ec, ec.ReadyNow())
	e.checkCompletion(ctx, instanceID, ec)
	return nil
}

// CancelWorkflow cancels an instance and cascades to every non-terminal
// task and node instance. A cancelled workflow never runs again.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	instance, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return core.E(core.KindConflict, "workflow instance %s is already %s", instanceID, instance.Status)
	}

	if _, err := e.repos.Tasks.CancelNonTerminal(ctx, instanceID); err != nil {
		return err
	}
	if _, err := e.repos.NodeInstances.CancelNonTerminal(ctx, instanceID); err != nil {
		return err
	}
	if err := e.repos.Instances.TransitionStatus(ctx, instanceID, models.InstanceCancelled, reason); err != nil {
		return err
	}
	if _, err := e.repos.Events.Append(ctx, instanceID, models.EventWorkflowCancelled, models.JSONMap{"reason": reason}); err != nil {
		return err
	}
	e.metrics.WorkflowExecutionsTotal.WithLabelValues(string(models.InstanceCancelled)).Inc()

	e.contexts.Remove(instanceID)
	final, err := e.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	e.callbacks.Notify(ctx, final)
	return nil
}

// StartTask moves an assigned human task to in_progress.
func (e *Engine) StartTask(ctx context.Context, taskID, userID string) error {
	task, err := e.loadUserTask(ctx, taskID, userID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(task.WorkflowInstanceID)
	defer unlock()
	return e.repos.Tasks.Transition(ctx, taskID,
		[]models.TaskStatus{models.TaskAssigned}, models.TaskInProgress, nil)
}

// PauseTask returns an in-progress task to the assigned state with a note.
func (e *Engine) PauseTask(ctx context.Context, taskID, userID, note string) error {
	task, err := e.loadUserTask(ctx, taskID, userID)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(task.WorkflowInstanceID)
	defer unlock()
	return e.repos.Tasks.Transition(ctx, taskID,
		[]models.TaskStatus{models.TaskInProgress, models.TaskAssigned}, models.TaskAssigned,
		map[string]interface{}{"pause_note": note})
}

// RejectTask fails a task with a mandatory reason. The owning node fails
// with it.
func (e *Engine) RejectTask(ctx context.Context, taskID, userID, reason string) error {
	if reason == "" {
		return core.E(core.KindValidation, "a rejection reason is required")
	}
	task, err := e.loadUserTask(ctx, taskID, userID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(task.WorkflowInstanceID)
	defer unlock()

	if err := e.repos.Tasks.Transition(ctx, taskID,
		[]models.TaskStatus{models.TaskAssigned, models.TaskInProgress, models.TaskPending}, models.TaskFailed,
		map[string]interface{}{"error_message": reason}); err != nil {
		return err
	}
	e.metrics.TaskCompletionsTotal.WithLabelValues(string(task.Kind), string(models.TaskFailed)).Inc()

	ni, err := e.repos.NodeInstances.GetByID(ctx, task.NodeInstanceID)
	if err != nil {
		return err
	}
	ec, err := e.contexts.GetOrRecover(ctx, task.WorkflowInstanceID, false)
	if err != nil {
		return err
	}
	return e.failNode(ctx, task.WorkflowInstanceID, ec, ni, "rejected: "+reason)
}

// CancelTask cancels a single task. The node completes if every remaining
// sibling already did; a node whose tasks were all cancelled is cancelled.
func (e *Engine) CancelTask(ctx context.Context, taskID, userID, reason string) error {
	task, err := e.loadUserTask(ctx, taskID, userID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(task.WorkflowInstanceID)
	defer unlock()

	if err := e.repos.Tasks.Transition(ctx, taskID, nil, models.TaskCancelled,
		map[string]interface{}{"error_message": reason}); err != nil {
		return err
	}

	instance, err := e.repos.Instances.GetByID(ctx, task.WorkflowInstanceID)
	if err != nil {
		return err
	}
	return e.settleNode(ctx, instance, task.NodeInstanceID)
}

// RequestHelp records a help request on a task without changing its state.
func (e *Engine) RequestHelp(ctx context.Context, taskID, userID, message string) error {
	task, err := e.loadUserTask(ctx, taskID, userID)
	if err != nil {
		return err
	}
	_, err = e.repos.Events.Append(ctx, task.WorkflowInstanceID, "task_help_requested", models.JSONMap{
		"task_id": taskID,
		"user_id": userID,
		"message": message,
	})
	return err
}

// FailTask marks a task failed after its retry budget is exhausted. Called
// by the agent pool; the node fails with the task.
func (e *Engine) FailTask(ctx context.Context, taskID, reason string) error {
	task, err := e.repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(task.WorkflowInstanceID)
	defer unlock()

	if task.Kind == models.TaskKindMixed {
		// The human half can still complete a mixed task; record the agent
		// failure without making the task terminal.
		return e.db.WithContext(ctx).Model(&models.TaskInstance{}).
			Where("id = ?", taskID).
			Update("error_message", reason).Error
	}

	if err := e.repos.Tasks.Transition(ctx, taskID, nil, models.TaskFailed,
		map[string]interface{}{"error_message": reason}); err != nil {
		return err
	}
	e.metrics.TaskCompletionsTotal.WithLabelValues(string(task.Kind), string(models.TaskFailed)).Inc()

	ni, err := e.repos.NodeInstances.GetByID(ctx, task.NodeInstanceID)
	if err != nil {
		return err
	}
	ec, err := e.contexts.GetOrRecover(ctx, task.WorkflowInstanceID, false)
	if err != nil {
		return err
	}
	return e.failNode(ctx, task.WorkflowInstanceID, ec, ni, reason)
}

// CompleteNodeWithOutput completes a node instance directly with the given
// output and advances the frontier. The subdivision bridge uses this when a
// child workflow's result stands in for the node's last outstanding task.
func (e *Engine) CompleteNodeWithOutput(ctx context.Context, instanceID, nodeInstanceID string, output models.JSONMap) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	if output == nil {
		output = models.JSONMap{}
	}
	if err := e.repos.NodeInstances.MarkCompleted(ctx, nodeInstanceID, output); err != nil {
		if core.IsConflict(err) {
			return nil
		}
		return err
	}

	ec, err := e.contexts.GetOrRecover(ctx, instanceID, false)
	if err != nil {
		return err
	}
	ec.MarkCompleted(nodeInstanceID, output)
	if err := e.persistProgress(ctx, ec, instanceID, fmt.Sprintf("node:%s", nodeInstanceID)); err != nil {
		return err
	}
	if _, err := e.repos.Events.Append(ctx, instanceID, models.EventNodeCompleted, models.JSONMap{
		"node_instance_id": nodeInstanceID,
	}); err != nil {
		return err
	}
	e.onNodesReady(ctx, instanceID, ec, ec.GetReadyNodes())
	e.checkCompletion(ctx, instanceID, ec)
	return nil
}

func (e *Engine) loadUserTask(ctx context.Context, taskID, userID string) (*models.TaskInstance, error) {
	task, err := e.repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != userID {
		return nil, core.E(core.KindPermissionDenied, "task %s is not assigned to user %s", taskID, userID)
	}
	return task, nil
}

// RecoverWorkflowContext force-reloads an instance's context and dispatches
// whatever frontier reappears. The manual entry point for stall recovery.
func (e *Engine) RecoverWorkflowContext(ctx context.Context, instanceID string, force bool) (HealthReport, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	ec, err := e.contexts.GetOrRecover(ctx, instanceID, force)
	if err != nil {
		return HealthReport{}, err
	}

	nodeInstances, err := e.repos.NodeInstances.ListByWorkflowInstance(ctx, instanceID)
	if err != nil {
		return HealthReport{}, err
	}
	persisted := make(map[string]models.NodeInstanceStatus, len(nodeInstances))
	for _, ni := range nodeInstances {
		persisted[ni.ID] = ni.Status
	}
	report := ec.HealthCheck(e.cfg.DispatchGracePeriod, persisted)

	if _, err := e.repos.Events.Append(ctx, instanceID, models.EventContextRecovered, models.JSONMap{
		"forced":  force,
		"healthy": report.Healthy,
	}); err != nil {
		return report, err
	}

	ready := ec.GetReadyNodes()
	if len(ready) == 0 {
		ready = ec.ReadyNow()
	}
	e.onNodesReady(ctx, instanceID, ec, ready)
	e.checkCompletion(ctx, instanceID, ec)
	return report, nil
}
