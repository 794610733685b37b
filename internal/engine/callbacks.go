package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// CompletionCallback is invoked exactly once when a workflow instance
// reaches a terminal state.
type CompletionCallback func(ctx context.Context, instanceID string, finalStatus models.InstanceStatus, results map[string]interface{})

// CallbackRegistry maps workflow instances to completion callbacks. The
// engine notifies it on terminal transitions; a poller sweeps instances
// whose transition was observed by nobody (process restarts, external
// writers). Invocation removes the registration, which is what makes the
// exactly-once guarantee hold.
type CallbackRegistry struct {
	mu        sync.Mutex
	callbacks map[string][]CompletionCallback
	log       zerolog.Logger
	repos     *repository.Repositories
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry(repos *repository.Repositories, log zerolog.Logger) *CallbackRegistry {
	return &CallbackRegistry{
		callbacks: make(map[string][]CompletionCallback),
		log:       log.With().Str("component", "callback_registry").Logger(),
		repos:     repos,
	}
}

// Register attaches a callback to a workflow instance.
func (r *CallbackRegistry) Register(instanceID string, cb CompletionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[instanceID] = append(r.callbacks[instanceID], cb)
}

// Pending returns the instance ids with registered callbacks.
func (r *CallbackRegistry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.callbacks))
	for id := range r.callbacks {
		ids = append(ids, id)
	}
	return ids
}

// Notify fires and removes the callbacks of an instance if it is terminal.
func (r *CallbackRegistry) Notify(ctx context.Context, instance *models.WorkflowInstance) {
	if !instance.Status.Terminal() {
		return
	}

	r.mu.Lock()
	cbs := r.callbacks[instance.ID]
	delete(r.callbacks, instance.ID)
	r.mu.Unlock()

	if len(cbs) == 0 {
		return
	}

	results := r.collectResults(ctx, instance)
	for _, cb := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error().Interface("panic", rec).
						Str("workflow_instance_id", instance.ID).
						Msg("completion callback panicked")
				}
			}()
			cb(ctx, instance.ID, instance.Status, results)
		}()
	}
}

// Poll checks every registered instance and notifies those that turned
// terminal. Run on a schedule by the monitor process.
func (r *CallbackRegistry) Poll(ctx context.Context) {
	for _, id := range r.Pending() {
		instance, err := r.repos.Instances.GetByID(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("workflow_instance_id", id).Msg("callback poll failed to load instance")
			continue
		}
		r.Notify(ctx, instance)
	}
}

// collectResults prefers the end-node output; failing that it joins the
// outputs of completed tasks.
func (r *CallbackRegistry) collectResults(ctx context.Context, instance *models.WorkflowInstance) map[string]interface{} {
	nodeInstances, err := r.repos.NodeInstances.ListByWorkflowInstance(ctx, instance.ID)
	if err == nil {
		for _, ni := range nodeInstances {
			if ni.NodeType == models.NodeTypeEnd && ni.Status == models.NodeInstanceCompleted && ni.OutputData != nil {
				return ni.OutputData
			}
		}
	}

	tasks, err := r.repos.Tasks.ListByWorkflowInstance(ctx, instance.ID)
	if err != nil {
		return map[string]interface{}{}
	}
	var parts []string
	for _, t := range tasks {
		if t.Status != models.TaskCompleted {
			continue
		}
		if s := summarizeOutput(t.OutputData); s != "" {
			parts = append(parts, t.Title+": "+s)
		}
	}
	return map[string]interface{}{"joined_task_outputs": strings.Join(parts, "\n")}
}
