package dispatch

import (
	"context"

	"github.com/loomworks/loom/internal/models"
)

// Router implements the engine's Dispatcher over the two sinks. Mixed
// tasks reach both: the engine calls DispatchHuman and DispatchAgent for
// them in turn.
type Router struct {
	humans *HumanQueue
	agents *AgentPool
}

// NewRouter creates the dispatch router.
func NewRouter(humans *HumanQueue, agents *AgentPool) *Router {
	return &Router{humans: humans, agents: agents}
}

// DispatchHuman places a task in the human queue.
func (r *Router) DispatchHuman(ctx context.Context, task *models.TaskInstance) error {
	return r.humans.Enqueue(ctx, task)
}

// DispatchAgent places a task on the agent pool's queue.
func (r *Router) DispatchAgent(ctx context.Context, task *models.TaskInstance) error {
	return r.agents.Enqueue(task.ID)
}
