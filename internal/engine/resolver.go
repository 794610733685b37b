package engine

import (
	"fmt"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// DependencyResolver answers structural questions about a template's DAG.
// Vertices are node base ids, matching connection endpoints.
type DependencyResolver struct {
	nodes map[string]*models.Node
	order []string // node base ids in definition order
	edges []models.NodeConnection
}

// NewDependencyResolver builds a resolver over one template version.
func NewDependencyResolver(nodes []models.Node, edges []models.NodeConnection) *DependencyResolver {
	nodeMap := make(map[string]*models.Node, len(nodes))
	order := make([]string, 0, len(nodes))
	for i := range nodes {
		nodeMap[nodes[i].NodeBaseID] = &nodes[i]
		order = append(order, nodes[i].NodeBaseID)
	}
	return &DependencyResolver{nodes: nodeMap, order: order, edges: edges}
}

// ResolveExecutionOrder returns a topological order of the node base ids,
// or an error when the graph has a cycle.
func (dr *DependencyResolver) ResolveExecutionOrder() ([]string, error) {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int)
	for _, id := range dr.order {
		adjacency[id] = nil
		inDegree[id] = 0
	}

	for _, edge := range dr.edges {
		if _, ok := dr.nodes[edge.SourceNodeBaseID]; !ok {
			return nil, fmt.Errorf("connection references unknown source node %s", edge.SourceNodeBaseID)
		}
		if _, ok := dr.nodes[edge.TargetNodeBaseID]; !ok {
			return nil, fmt.Errorf("connection references unknown target node %s", edge.TargetNodeBaseID)
		}
		adjacency[edge.SourceNodeBaseID] = append(adjacency[edge.SourceNodeBaseID], edge.TargetNodeBaseID)
		inDegree[edge.TargetNodeBaseID]++
	}

	var queue []string
	for _, id := range dr.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, next := range adjacency[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(dr.nodes) {
		return nil, fmt.Errorf("workflow contains circular dependencies")
	}
	return result, nil
}

// Dependencies returns the direct upstream node base ids of a node, in
// connection order.
func (dr *DependencyResolver) Dependencies(nodeBaseID string) []string {
	var deps []string
	for _, edge := range dr.edges {
		if edge.TargetNodeBaseID == nodeBaseID {
			deps = append(deps, edge.SourceNodeBaseID)
		}
	}
	return deps
}

// Dependents returns the direct downstream node base ids of a node, in
// connection order. The order is deterministic: it follows edge insertion.
func (dr *DependencyResolver) Dependents(nodeBaseID string) []string {
	var deps []string
	for _, edge := range dr.edges {
		if edge.SourceNodeBaseID == nodeBaseID {
			deps = append(deps, edge.TargetNodeBaseID)
		}
	}
	return deps
}

// Edge returns the connection between two nodes, or nil.
func (dr *DependencyResolver) Edge(sourceBaseID, targetBaseID string) *models.NodeConnection {
	for i := range dr.edges {
		if dr.edges[i].SourceNodeBaseID == sourceBaseID && dr.edges[i].TargetNodeBaseID == targetBaseID {
			return &dr.edges[i]
		}
	}
	return nil
}

// ValidateTemplate checks the structural invariants of a publishable
// template: exactly one start node, at least one end node, and acyclicity.
func ValidateTemplate(nodes []models.Node, edges []models.NodeConnection) error {
	var starts, ends int
	for _, n := range nodes {
		switch n.Type {
		case models.NodeTypeStart:
			starts++
		case models.NodeTypeEnd:
			ends++
		}
	}
	if starts != 1 {
		return core.E(core.KindValidation, "template must have exactly one start node, found %d", starts)
	}
	if ends < 1 {
		return core.E(core.KindValidation, "template must have at least one end node")
	}
	if _, err := NewDependencyResolver(nodes, edges).ResolveExecutionOrder(); err != nil {
		return core.E(core.KindValidation, "invalid template structure", err)
	}
	return nil
}
