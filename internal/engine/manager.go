package engine

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// ContextManager owns the resident ExecutionContext set. Contexts are
// evicted under TTL and LRU pressure; an access miss recovers from the
// latest snapshot, falling back to a structural rebuild from node-instance
// rows. The database stays the system of record throughout.
type ContextManager struct {
	log   zerolog.Logger
	cfg   config.EngineConfig
	repos *repository.Repositories
	cache *expirable.LRU[string, *ExecutionContext]
}

// NewContextManager creates the process-singleton context manager.
func NewContextManager(cfg config.EngineConfig, repos *repository.Repositories, log zerolog.Logger) *ContextManager {
	m := &ContextManager{
		log:   log.With().Str("component", "context_manager").Logger(),
		cfg:   cfg,
		repos: repos,
	}
	m.cache = expirable.NewLRU[string, *ExecutionContext](cfg.MaxResidentContexts, m.onEvict, cfg.ContextTTL)
	return m
}

func (m *ContextManager) onEvict(instanceID string, ec *ExecutionContext) {
	// Best-effort final checkpoint so a later recovery starts warm.
	if err := m.PersistSnapshot(context.Background(), ec); err != nil {
		m.log.Warn().Err(err).Str("workflow_instance_id", instanceID).Msg("failed to snapshot evicted context")
	}
	m.log.Debug().Str("workflow_instance_id", instanceID).Msg("execution context evicted")
}

// Get returns the resident context for an instance, or nil.
func (m *ContextManager) Get(instanceID string) *ExecutionContext {
	ec, _ := m.cache.Get(instanceID)
	return ec
}

// Put registers a freshly built context.
func (m *ContextManager) Put(ec *ExecutionContext) {
	m.cache.Add(ec.InstanceID, ec)
}

// Remove drops a context, snapshotting it first.
func (m *ContextManager) Remove(instanceID string) {
	m.cache.Remove(instanceID)
}

// Len returns the resident context count.
func (m *ContextManager) Len() int {
	return m.cache.Len()
}

// Initialize builds the context for a new workflow instance from its
// template structure: dependencies from connections, every node pending,
// start nodes ready. Idempotent: an already resident context is returned
// untouched.
func (m *ContextManager) Initialize(ctx context.Context, instanceID string, nodeInstances []models.NodeInstance, connections []models.NodeConnection) *ExecutionContext {
	if ec := m.Get(instanceID); ec != nil {
		return ec
	}

	ec := NewExecutionContext(instanceID)
	for _, ni := range nodeInstances {
		ec.RegisterNode(ni.ID, ni.NodeBaseID, ni.NodeType)
	}
	for _, conn := range connections {
		source, okS := ec.InstanceForBase(conn.SourceNodeBaseID)
		target, okT := ec.InstanceForBase(conn.TargetNodeBaseID)
		if !okS || !okT {
			m.log.Warn().
				Str("workflow_instance_id", instanceID).
				Str("source", conn.SourceNodeBaseID).
				Str("target", conn.TargetNodeBaseID).
				Msg("connection endpoint has no node instance, skipping edge")
			continue
		}
		ec.RegisterDependency(source, target, conn.ConditionConfig)
	}
	for _, ni := range nodeInstances {
		if ni.NodeType == models.NodeTypeStart {
			ec.MarkReady(ni.ID)
		}
	}

	m.Put(ec)
	return ec
}

// GetOrRecover returns the resident context, recovering it on a miss: the
// latest snapshot when one exists, a structural rebuild otherwise. With
// force set, any resident context is discarded first.
func (m *ContextManager) GetOrRecover(ctx context.Context, instanceID string, force bool) (*ExecutionContext, error) {
	if force {
		m.cache.Remove(instanceID)
	} else if ec := m.Get(instanceID); ec != nil {
		return ec, nil
	}

	ec, err := m.recoverFromSnapshot(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		ec, err = m.rebuildStructural(ctx, instanceID)
		if err != nil {
			return nil, err
		}
	}
	m.Put(ec)
	return ec, nil
}

func (m *ContextManager) recoverFromSnapshot(ctx context.Context, instanceID string) (*ExecutionContext, error) {
	row, err := m.repos.Snapshots.Latest(ctx, instanceID)
	if err != nil || row == nil {
		return nil, err
	}

	raw, err := json.Marshal(row.ContextData)
	if err != nil {
		return nil, core.E(core.KindFatalInternal, "corrupt snapshot for instance %s", instanceID, err)
	}
	var snap ContextSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		m.log.Warn().Err(err).Str("workflow_instance_id", instanceID).Msg("snapshot undecodable, falling back to structural rebuild")
		return nil, nil
	}

	ec := NewExecutionContext(instanceID)
	ec.RestoreFromSnapshot(&snap)

	// Replay completions persisted after the snapshot was cut.
	nodeInstances, err := m.repos.NodeInstances.ListByWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, ni := range nodeInstances {
		if ni.Status == models.NodeInstanceCompleted && ec.State(ni.ID) != StateCompleted {
			ec.MarkCompleted(ni.ID, ni.OutputData)
		}
	}

	m.log.Info().Str("workflow_instance_id", instanceID).Int64("sequence", row.SequenceNumber).Msg("context recovered from snapshot")
	return ec, nil
}

// rebuildStructural reconstructs the context purely from node-instance
// rows and the template's connections.
func (m *ContextManager) rebuildStructural(ctx context.Context, instanceID string) (*ExecutionContext, error) {
	instance, err := m.repos.Instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	nodeInstances, err := m.repos.NodeInstances.ListByWorkflowInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	connections, err := m.repos.Workflows.GetConnections(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}

	ec := NewExecutionContext(instanceID)
	for _, ni := range nodeInstances {
		ec.RegisterNode(ni.ID, ni.NodeBaseID, ni.NodeType)
	}
	for _, conn := range connections {
		source, okS := ec.InstanceForBase(conn.SourceNodeBaseID)
		target, okT := ec.InstanceForBase(conn.TargetNodeBaseID)
		if !okS || !okT {
			continue
		}
		ec.RegisterDependency(source, target, conn.ConditionConfig)
	}

	// Settle persisted completions so dependency sets drain and the ready
	// frontier reappears. Running nodes keep their in-flight tasks.
	for _, ni := range nodeInstances {
		switch ni.Status {
		case models.NodeInstanceCompleted:
			ec.MarkCompleted(ni.ID, ni.OutputData)
		case models.NodeInstanceFailed:
			ec.MarkFailed(ni.ID)
		case models.NodeInstanceRunning:
			ec.MarkExecuting(ni.ID)
		}
	}
	for _, ni := range nodeInstances {
		if ni.NodeType == models.NodeTypeStart && ni.Status == models.NodeInstancePending {
			ec.MarkReady(ni.ID)
		}
	}

	m.log.Info().Str("workflow_instance_id", instanceID).Msg("context rebuilt from node instances")
	return ec, nil
}

// PersistSnapshot writes a durable snapshot row for the context and prunes
// old snapshots past the retention bound.
func (m *ContextManager) PersistSnapshot(ctx context.Context, ec *ExecutionContext) error {
	snap := ec.Snapshot()

	raw, err := json.Marshal(snap)
	if err != nil {
		return core.E(core.KindFatalInternal, "failed to serialize context of %s", ec.InstanceID, err)
	}
	var contextData models.JSONMap
	if err := json.Unmarshal(raw, &contextData); err != nil {
		return core.E(core.KindFatalInternal, "failed to serialize context of %s", ec.InstanceID, err)
	}

	nodeStates := make(models.JSONMap, len(snap.States))
	for id, st := range snap.States {
		nodeStates[id] = string(st)
	}

	seq, err := m.repos.Events.Append(ctx, ec.InstanceID, "snapshot_taken", nil)
	if err != nil {
		return err
	}
	if err := m.repos.Snapshots.Append(ctx, &models.WorkflowContextSnapshot{
		WorkflowInstanceID: ec.InstanceID,
		ExecutionState:     "active",
		ContextData:        contextData,
		NodeStates:         nodeStates,
		SequenceNumber:     seq,
	}); err != nil {
		return err
	}
	ec.ResetSnapshotCounter()
	return m.repos.Snapshots.Prune(ctx, ec.InstanceID, m.cfg.SnapshotRetention)
}

// HealthStats summarizes the resident set for monitoring.
func (m *ContextManager) HealthStats() map[string]interface{} {
	return map[string]interface{}{
		"resident_contexts": m.cache.Len(),
		"max_resident":      m.cfg.MaxResidentContexts,
		"ttl_seconds":       m.cfg.ContextTTL.Seconds(),
	}
}
