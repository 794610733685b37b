package dispatch

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/repository"
)

// ResultSubmitter is the slice of the engine the pool needs: submitting
// outputs and declaring exhausted tasks failed.
type ResultSubmitter interface {
	SubmitTaskResult(ctx context.Context, taskID, actorID string, output models.JSONMap, summary string) error
	FailTask(ctx context.Context, taskID, reason string) error
}

// AgentPool is a bounded pool of workers draining a FIFO queue of agent
// tasks. Workers never hold a workflow lock while waiting on an endpoint;
// results go back through the same submission path humans use.
type AgentPool struct {
	log       zerolog.Logger
	cfg       config.DispatchConfig
	repos     *repository.Repositories
	client    AgentCaller
	submitter ResultSubmitter
	metrics   *observability.Metrics

	queue  chan string // task ids, FIFO
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAgentPool creates the pool. Start must be called before tasks are
// enqueued; SetSubmitter wires the engine in.
func NewAgentPool(cfg config.DispatchConfig, repos *repository.Repositories, client AgentCaller, metrics *observability.Metrics, log zerolog.Logger) *AgentPool {
	return &AgentPool{
		log:     log.With().Str("component", "agent_pool").Logger(),
		cfg:     cfg,
		repos:   repos,
		client:  client,
		metrics: metrics,
		queue:   make(chan string, cfg.AgentQueueSize),
		done:    make(chan struct{}),
	}
}

// SetSubmitter attaches the result sink.
func (p *AgentPool) SetSubmitter(s ResultSubmitter) { p.submitter = s }

// Start launches the worker set.
func (p *AgentPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.AgentWorkers; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(ctx, worker)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(p.done)
	}()
	p.log.Info().Int("workers", p.cfg.AgentWorkers).Msg("agent pool started")
}

// Stop cancels the workers' context, which aborts in-flight endpoint calls
// and retry waits, then waits for the workers to exit or ctx to expire.
func (p *AgentPool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue places a task on the FIFO queue. A full queue is reported as a
// transient fault so the engine can roll the dispatch back.
func (p *AgentPool) Enqueue(taskID string) error {
	select {
	case p.queue <- taskID:
		p.metrics.AgentQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return core.E(core.KindTransientIO, "agent queue is full, task %s not enqueued", taskID)
	}
}

// QueueDepth reports how many tasks are waiting.
func (p *AgentPool) QueueDepth() int { return len(p.queue) }

func (p *AgentPool) runWorker(ctx context.Context, worker int) {
	log := p.log.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-p.queue:
			p.metrics.AgentQueueDepth.Set(float64(len(p.queue)))
			p.processTask(ctx, log, taskID)
		}
	}
}

// processTask runs one agent task to completion or failure. Panics are
// contained so a bad task never takes the pool down.
func (p *AgentPool) processTask(ctx context.Context, log zerolog.Logger, taskID string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("task_id", taskID).Msg("agent worker panicked")
			_ = p.submitter.FailTask(ctx, taskID, "internal worker failure")
		}
	}()

	task, err := p.repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("queued task unloadable")
		return
	}
	if task.Status.Terminal() {
		return
	}
	if task.AssignedAgentID == nil {
		_ = p.submitter.FailTask(ctx, taskID, "agent task without assigned agent")
		return
	}

	agent, err := p.repos.Processors.GetAgent(ctx, *task.AssignedAgentID)
	if err != nil {
		_ = p.submitter.FailTask(ctx, taskID, "assigned agent not found")
		return
	}

	req := &AgentRequest{
		TaskTitle:       task.Title,
		TaskDescription: task.Description,
		Context:         task.ContextData,
		InputData:       task.InputData,
	}

	resp, err := p.callWithRetry(ctx, log, task, agent, req)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("agent task exhausted its retries")
		_ = p.submitter.FailTask(ctx, taskID, err.Error())
		return
	}

	err = p.submitter.SubmitTaskResult(ctx, taskID, agent.ID, resp.OutputData, resp.Summary)
	if err != nil {
		if core.IsConflict(err) {
			// The workflow is no longer accepting results; drop on the floor.
			log.Debug().Str("task_id", taskID).Msg("agent result discarded, workflow no longer running")
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to submit agent result")
	}
}

// callWithRetry retries transient agent faults with exponential backoff
// and jitter, up to the per-task bound. Non-retryable faults abort at once.
func (p *AgentPool) callWithRetry(ctx context.Context, log zerolog.Logger, task *models.TaskInstance, agent *models.Agent, req *AgentRequest) (*AgentResponse, error) {
	var lastErr error
	maxAttempts := p.cfg.MaxTaskRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if _, err := p.repos.Tasks.IncrementRetry(ctx, task.ID); err != nil {
				log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to record retry")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.backoffDelay(attempt)):
			}
		}

		start := time.Now()
		resp, err := p.client.Call(ctx, agent, req)
		p.metrics.AgentCallDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			p.metrics.AgentCallsTotal.WithLabelValues("success").Inc()
			return resp, nil
		}
		p.metrics.AgentCallsTotal.WithLabelValues("error").Inc()
		lastErr = err

		if !core.Retryable(err) {
			return nil, err
		}
		log.Debug().Err(err).Str("task_id", task.ID).Int("attempt", attempt+1).Msg("agent call failed, retrying")
	}
	return nil, lastErr
}

func (p *AgentPool) backoffDelay(attempt int) time.Duration {
	delay := float64(p.cfg.RetryInitialWait) * math.Pow(2, float64(attempt-1))
	if max := float64(p.cfg.RetryMaxWait); delay > max {
		delay = max
	}
	// Jitter keeps simultaneous retries from hammering the endpoint.
	delay = delay/2 + rand.Float64()*delay/2
	return time.Duration(delay)
}
