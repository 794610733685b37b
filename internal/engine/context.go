package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/models"
)

// NodeState is the in-memory execution state of a node instance.
type NodeState string

const (
	StatePending   NodeState = "PENDING"
	StateReady     NodeState = "READY"
	StateExecuting NodeState = "EXECUTING"
	StateCompleted NodeState = "COMPLETED"
	StateFailed    NodeState = "FAILED"
)

// successorEdge is one outgoing dependency edge, keeping the connection's
// condition so satisfaction can be decided when the source completes.
type successorEdge struct {
	Target    string
	Condition models.JSONMap
}

// ExecutionContext is the in-memory reasoning surface for one workflow
// instance: which node runs next, what each node produced, and what is
// still outstanding. The database stays the system of record; this object
// is rebuildable from it at any time.
type ExecutionContext struct {
	mu sync.RWMutex

	InstanceID string

	deps       map[string]map[string]struct{} // node instance -> awaited upstream instances
	successors map[string][]successorEdge     // node instance -> ordered downstream edges
	states     map[string]NodeState
	outputs    map[string]map[string]interface{}
	completed  map[string]struct{}
	executing  map[string]struct{}
	skipped    map[string]map[string]bool // target -> source -> condition unsatisfied

	pendingTriggers []string
	triggeredOnce   map[string]struct{}

	baseToInstance map[string]string
	nodeTypes      map[string]models.NodeType

	updatesSinceSnapshot int
	lastReadyAt          time.Time
	lastDispatchAt       time.Time
}

// NewExecutionContext creates an empty context for one workflow instance.
func NewExecutionContext(instanceID string) *ExecutionContext {
	return &ExecutionContext{
		InstanceID:     instanceID,
		deps:           make(map[string]map[string]struct{}),
		successors:     make(map[string][]successorEdge),
		states:         make(map[string]NodeState),
		outputs:        make(map[string]map[string]interface{}),
		completed:      make(map[string]struct{}),
		executing:      make(map[string]struct{}),
		skipped:        make(map[string]map[string]bool),
		triggeredOnce:  make(map[string]struct{}),
		baseToInstance: make(map[string]string),
		nodeTypes:      make(map[string]models.NodeType),
	}
}

// RegisterNode declares a node instance before dependencies are wired.
func (ec *ExecutionContext) RegisterNode(nodeInstanceID, nodeBaseID string, nodeType models.NodeType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, ok := ec.states[nodeInstanceID]; !ok {
		ec.states[nodeInstanceID] = StatePending
		ec.deps[nodeInstanceID] = make(map[string]struct{})
	}
	ec.baseToInstance[nodeBaseID] = nodeInstanceID
	ec.nodeTypes[nodeInstanceID] = nodeType
}

// RegisterDependency wires one edge between two registered node instances.
func (ec *ExecutionContext) RegisterDependency(sourceInstanceID, targetInstanceID string, condition models.JSONMap) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.deps[targetInstanceID][sourceInstanceID] = struct{}{}
	ec.successors[sourceInstanceID] = append(ec.successors[sourceInstanceID], successorEdge{
		Target:    targetInstanceID,
		Condition: condition,
	})
}

// RegisterDependencies wires a full upstream set at once. Used during
// recovery when rebuilding from persisted state.
func (ec *ExecutionContext) RegisterDependencies(targetInstanceID string, upstream []string) {
	for _, source := range upstream {
		ec.RegisterDependency(source, targetInstanceID, nil)
	}
}

// MarkReady promotes a pending node instance to ready and queues it for the
// next drain. Entry nodes are marked ready this way during initialization.
func (ec *ExecutionContext) MarkReady(nodeInstanceID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.markReadyLocked(nodeInstanceID)
}

func (ec *ExecutionContext) markReadyLocked(nodeInstanceID string) {
	if ec.states[nodeInstanceID] != StatePending {
		return
	}
	ec.states[nodeInstanceID] = StateReady
	ec.pendingTriggers = append(ec.pendingTriggers, nodeInstanceID)
	ec.lastReadyAt = time.Now()
}

// MarkExecuting records that a node instance has been dispatched.
func (ec *ExecutionContext) MarkExecuting(nodeInstanceID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.states[nodeInstanceID] = StateExecuting
	ec.executing[nodeInstanceID] = struct{}{}
	ec.lastDispatchAt = time.Now()
}

// MarkCompleted records a node's output, settles its outgoing edges
// (evaluating conditions against the output), and promotes successors whose
// upstream sets drained. Newly ready successors are queued for GetReadyNodes;
// the returned list is the engine's notification.
func (ec *ExecutionContext) MarkCompleted(nodeInstanceID string, output map[string]interface{}) []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if _, done := ec.completed[nodeInstanceID]; done {
		return nil
	}

	ec.outputs[nodeInstanceID] = output
	ec.states[nodeInstanceID] = StateCompleted
	ec.completed[nodeInstanceID] = struct{}{}
	delete(ec.executing, nodeInstanceID)
	ec.updatesSinceSnapshot++

	var newlyReady []string
	for _, edge := range ec.successors[nodeInstanceID] {
		if !EvaluateCondition(edge.Condition, output) {
			if ec.skipped[edge.Target] == nil {
				ec.skipped[edge.Target] = make(map[string]bool)
			}
			ec.skipped[edge.Target][nodeInstanceID] = true
		}
		// A skip edge is satisfied without producing downstream input.
		delete(ec.deps[edge.Target], nodeInstanceID)
		if len(ec.deps[edge.Target]) == 0 && ec.states[edge.Target] == StatePending {
			ec.markReadyLocked(edge.Target)
			newlyReady = append(newlyReady, edge.Target)
		}
	}
	return newlyReady
}

// MarkFailed records a node instance failure.
func (ec *ExecutionContext) MarkFailed(nodeInstanceID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.states[nodeInstanceID] = StateFailed
	delete(ec.executing, nodeInstanceID)
	ec.updatesSinceSnapshot++
}

// GetReadyNodes drains the trigger queue. Each node instance is returned at
// most once over the lifetime of this context object.
func (ec *ExecutionContext) GetReadyNodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var ready []string
	for _, id := range ec.pendingTriggers {
		if _, seen := ec.triggeredOnce[id]; seen {
			continue
		}
		ec.triggeredOnce[id] = struct{}{}
		ready = append(ready, id)
	}
	ec.pendingTriggers = nil
	return ready
}

// ReadyNow returns every node instance currently in the READY state,
// dispatched or not. Resume and recovery paths use this instead of the
// drain queue, which hands each node out only once.
func (ec *ExecutionContext) ReadyNow() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var ready []string
	for id, st := range ec.states {
		if st == StateReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// State returns the in-memory state of one node instance.
func (ec *ExecutionContext) State(nodeInstanceID string) NodeState {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.states[nodeInstanceID]
}

// Output returns the recorded output of a completed node instance.
func (ec *ExecutionContext) Output(nodeInstanceID string) (map[string]interface{}, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.outputs[nodeInstanceID]
	return out, ok
}

// SkippedSources returns the upstream instances whose edge into target was
// skipped by an unsatisfied condition.
func (ec *ExecutionContext) SkippedSources(targetInstanceID string) map[string]bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	result := make(map[string]bool, len(ec.skipped[targetInstanceID]))
	for k, v := range ec.skipped[targetInstanceID] {
		result[k] = v
	}
	return result
}

// InstanceForBase resolves a node base id to its node instance id.
func (ec *ExecutionContext) InstanceForBase(nodeBaseID string) (string, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	id, ok := ec.baseToInstance[nodeBaseID]
	return id, ok
}

// Dependencies returns the currently awaited upstream set of a node
// instance.
func (ec *ExecutionContext) Dependencies(nodeInstanceID string) []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	var deps []string
	for id := range ec.deps[nodeInstanceID] {
		deps = append(deps, id)
	}
	return deps
}

// UpdatesSinceSnapshot returns how many completions or failures happened
// since the counter was last reset.
func (ec *ExecutionContext) UpdatesSinceSnapshot() int {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.updatesSinceSnapshot
}

// ResetSnapshotCounter clears the update counter after a snapshot is taken.
func (ec *ExecutionContext) ResetSnapshotCounter() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.updatesSinceSnapshot = 0
}

// ContextSnapshot is a deep, serializable copy of an execution context. It
// doubles as the payload of the workflow_context_snapshot row.
type ContextSnapshot struct {
	InstanceID      string                            `json:"instance_id"`
	Deps            map[string][]string               `json:"node_dependencies"`
	Successors      map[string][]successorEdge        `json:"successors"`
	States          map[string]NodeState              `json:"node_states"`
	Outputs         map[string]map[string]interface{} `json:"node_outputs"`
	Completed       []string                          `json:"completed_nodes"`
	Executing       []string                          `json:"current_executing_nodes"`
	Skipped         map[string][]string               `json:"skipped_edges"`
	PendingTriggers []string                          `json:"pending_triggers"`
	Triggered       []string                          `json:"triggered"`
	BaseToInstance  map[string]string                 `json:"base_to_instance"`
	NodeTypes       map[string]models.NodeType        `json:"node_types"`
}

// Snapshot produces a deep-cloned representation suitable for
// RestoreFromSnapshot. Used to protect a parent context across a
// subdivision's child execution and for durable checkpoints.
func (ec *ExecutionContext) Snapshot() *ContextSnapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	snap := &ContextSnapshot{
		InstanceID:     ec.InstanceID,
		Deps:           make(map[string][]string, len(ec.deps)),
		Successors:     make(map[string][]successorEdge, len(ec.successors)),
		States:         make(map[string]NodeState, len(ec.states)),
		Outputs:        make(map[string]map[string]interface{}, len(ec.outputs)),
		Skipped:        make(map[string][]string, len(ec.skipped)),
		BaseToInstance: make(map[string]string, len(ec.baseToInstance)),
		NodeTypes:      make(map[string]models.NodeType, len(ec.nodeTypes)),
	}
	for id, set := range ec.deps {
		deps := make([]string, 0, len(set))
		for d := range set {
			deps = append(deps, d)
		}
		snap.Deps[id] = deps
	}
	for id, edges := range ec.successors {
		snap.Successors[id] = append([]successorEdge(nil), edges...)
	}
	for id, st := range ec.states {
		snap.States[id] = st
	}
	for id, out := range ec.outputs {
		snap.Outputs[id] = deepCopyMap(out)
	}
	for id := range ec.completed {
		snap.Completed = append(snap.Completed, id)
	}
	for id := range ec.executing {
		snap.Executing = append(snap.Executing, id)
	}
	for target, sources := range ec.skipped {
		for s, skipped := range sources {
			if skipped {
				snap.Skipped[target] = append(snap.Skipped[target], s)
			}
		}
	}
	snap.PendingTriggers = append([]string(nil), ec.pendingTriggers...)
	for id := range ec.triggeredOnce {
		snap.Triggered = append(snap.Triggered, id)
	}
	for base, id := range ec.baseToInstance {
		snap.BaseToInstance[base] = id
	}
	for id, t := range ec.nodeTypes {
		snap.NodeTypes[id] = t
	}
	return snap
}

// RestoreFromSnapshot replaces the context's state with the snapshot's.
func (ec *ExecutionContext) RestoreFromSnapshot(snap *ContextSnapshot) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.InstanceID = snap.InstanceID
	ec.deps = make(map[string]map[string]struct{}, len(snap.Deps))
	for id, deps := range snap.Deps {
		set := make(map[string]struct{}, len(deps))
		for _, d := range deps {
			set[d] = struct{}{}
		}
		ec.deps[id] = set
	}
	ec.successors = make(map[string][]successorEdge, len(snap.Successors))
	for id, edges := range snap.Successors {
		ec.successors[id] = append([]successorEdge(nil), edges...)
	}
	ec.states = make(map[string]NodeState, len(snap.States))
	for id, st := range snap.States {
		ec.states[id] = st
	}
	ec.outputs = make(map[string]map[string]interface{}, len(snap.Outputs))
	for id, out := range snap.Outputs {
		ec.outputs[id] = deepCopyMap(out)
	}
	ec.completed = make(map[string]struct{}, len(snap.Completed))
	for _, id := range snap.Completed {
		ec.completed[id] = struct{}{}
	}
	ec.executing = make(map[string]struct{}, len(snap.Executing))
	for _, id := range snap.Executing {
		ec.executing[id] = struct{}{}
	}
	ec.skipped = make(map[string]map[string]bool, len(snap.Skipped))
	for target, sources := range snap.Skipped {
		m := make(map[string]bool, len(sources))
		for _, s := range sources {
			m[s] = true
		}
		ec.skipped[target] = m
	}
	ec.pendingTriggers = append([]string(nil), snap.PendingTriggers...)
	ec.triggeredOnce = make(map[string]struct{}, len(snap.Triggered))
	for _, id := range snap.Triggered {
		ec.triggeredOnce[id] = struct{}{}
	}
	ec.baseToInstance = make(map[string]string, len(snap.BaseToInstance))
	for base, id := range snap.BaseToInstance {
		ec.baseToInstance[base] = id
	}
	ec.nodeTypes = make(map[string]models.NodeType, len(snap.NodeTypes))
	for id, t := range snap.NodeTypes {
		ec.nodeTypes[id] = t
	}
}

// HealthReport is the result of a context health check.
type HealthReport struct {
	Healthy bool     `json:"healthy"`
	Reasons []string `json:"reasons,omitempty"`
}

// HealthCheck flags a context that has ready work nobody dispatched within
// the grace period, or whose memory disagrees with persisted node statuses.
func (ec *ExecutionContext) HealthCheck(grace time.Duration, persisted map[string]models.NodeInstanceStatus) HealthReport {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	report := HealthReport{Healthy: true}

	hasReady := false
	for _, st := range ec.states {
		if st == StateReady {
			hasReady = true
			break
		}
	}
	if hasReady && !ec.lastReadyAt.IsZero() && ec.lastDispatchAt.Before(ec.lastReadyAt) &&
		time.Since(ec.lastReadyAt) > grace {
		report.Healthy = false
		report.Reasons = append(report.Reasons, "ready_not_dispatched")
	}

	for id, status := range persisted {
		if status == models.NodeInstanceCompleted {
			if _, ok := ec.completed[id]; !ok {
				report.Healthy = false
				report.Reasons = append(report.Reasons, fmt.Sprintf("state_divergence:%s", id))
			}
		}
	}
	return report
}

// ExecutionFieldsView renders the context into the persisted instance
// columns: outputs, dependency sets, and the completed-node list.
func (ec *ExecutionContext) ExecutionFieldsView() (executionContext, nodeDependencies models.JSONMap, completedNodes models.StringList) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	nodeOutputs := make(map[string]interface{}, len(ec.outputs))
	for id, out := range ec.outputs {
		nodeOutputs[id] = out
	}
	executing := make([]interface{}, 0, len(ec.executing))
	for id := range ec.executing {
		executing = append(executing, id)
	}
	executionContext = models.JSONMap{
		"node_outputs":            nodeOutputs,
		"current_executing_nodes": executing,
	}

	nodeDependencies = make(models.JSONMap, len(ec.deps))
	for id, set := range ec.deps {
		deps := make([]interface{}, 0, len(set))
		for d := range set {
			deps = append(deps, d)
		}
		nodeDependencies[id] = deps
	}

	for id := range ec.completed {
		completedNodes = append(completedNodes, id)
	}
	return executionContext, nodeDependencies, completedNodes
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		out := make(map[string]interface{}, len(src))
		for k, v := range src {
			out[k] = v
		}
		return out
	}
	var dst map[string]interface{}
	if err := json.Unmarshal(raw, &dst); err != nil {
		return src
	}
	return dst
}
