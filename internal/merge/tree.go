package merge

import (
	"context"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// TreeNode is one workflow template in a subdivision tree. The root is the
// root instance's template; every other node entered the execution through
// a subdivision and carries the identity of the parent node it replaces.
type TreeNode struct {
	WorkflowBaseID string
	WorkflowID     string
	InstanceID     string
	Name           string

	// Replacement edge into the parent template. Zero values on the root.
	SubdivisionID    string
	SubdivisionName  string
	ParentNodeBaseID string
	ReplaceX         float64
	ReplaceY         float64

	Parent   *TreeNode
	Children map[string]*TreeNode // keyed by replaced node base id in THIS template
}

// Depth returns the node's distance from the root.
func (n *TreeNode) Depth() int {
	d := 0
	for p := n.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

// TemplateTree is the tree of templates induced by a chain of subdivisions.
// Built once from subdivision rows; the merge pass reads only this
// structure, never the subdivision table.
type TemplateTree struct {
	Root          *TreeNode
	bySubdivision map[string]*TreeNode
	byInstance    map[string]*TreeNode
}

// NodeForSubdivision returns the tree node a subdivision produced.
func (t *TemplateTree) NodeForSubdivision(subdivisionID string) *TreeNode {
	return t.bySubdivision[subdivisionID]
}

// All returns every non-root tree node.
func (t *TemplateTree) All() []*TreeNode {
	nodes := make([]*TreeNode, 0, len(t.bySubdivision))
	for _, n := range t.bySubdivision {
		nodes = append(nodes, n)
	}
	return nodes
}

// MaxDepth returns the deepest replacement level.
func (t *TemplateTree) MaxDepth() int {
	max := 0
	for _, n := range t.bySubdivision {
		if d := n.Depth(); d > max {
			max = d
		}
	}
	return max
}

// BuildTemplateTree walks the subdivision rows of a root instance's
// execution and assembles the template tree.
func BuildTemplateTree(ctx context.Context, repos *repository.Repositories, rootInstanceID string) (*TemplateTree, error) {
	rootInstance, err := repos.Instances.GetByID(ctx, rootInstanceID)
	if err != nil {
		return nil, err
	}
	rootWf, err := repos.Workflows.GetByID(ctx, rootInstance.WorkflowID)
	if err != nil {
		return nil, err
	}

	root := &TreeNode{
		WorkflowBaseID: rootWf.WorkflowBaseID,
		WorkflowID:     rootWf.ID,
		InstanceID:     rootInstanceID,
		Name:           rootWf.Name,
		Children:       make(map[string]*TreeNode),
	}
	tree := &TemplateTree{
		Root:          root,
		bySubdivision: make(map[string]*TreeNode),
		byInstance:    map[string]*TreeNode{rootInstanceID: root},
	}

	subdivisions, err := repos.Subdivisions.ListTreeFromRoot(ctx, rootInstanceID)
	if err != nil {
		return nil, err
	}

	for _, sub := range subdivisions {
		task, err := repos.Tasks.GetByID(ctx, sub.OriginalTaskID)
		if err != nil {
			return nil, err
		}
		parent, ok := tree.byInstance[task.WorkflowInstanceID]
		if !ok {
			// Subdivision of an instance outside this execution; skip.
			continue
		}

		replaced, err := repos.NodeInstances.GetByID(ctx, task.NodeInstanceID)
		if err != nil {
			return nil, err
		}
		replacedNode, err := repos.Workflows.GetNodeByID(ctx, replaced.NodeID)
		if err != nil {
			return nil, err
		}

		childWorkflowID, childName, err := resolveChildVersion(ctx, repos, &sub)
		if err != nil {
			return nil, err
		}

		node := &TreeNode{
			WorkflowBaseID:   sub.SubWorkflowBaseID,
			WorkflowID:       childWorkflowID,
			Name:             childName,
			SubdivisionID:    sub.ID,
			SubdivisionName:  sub.SubdivisionName,
			ParentNodeBaseID: replaced.NodeBaseID,
			ReplaceX:         replacedNode.PositionX,
			ReplaceY:         replacedNode.PositionY,
			Parent:           parent,
			Children:         make(map[string]*TreeNode),
		}
		if sub.SubWorkflowInstanceID != nil {
			node.InstanceID = *sub.SubWorkflowInstanceID
			tree.byInstance[node.InstanceID] = node
		}
		parent.Children[replaced.NodeBaseID] = node
		tree.bySubdivision[sub.ID] = node
	}

	return tree, nil
}

// resolveChildVersion prefers the template version the child instance
// actually executed; a never-executed subdivision falls back to the
// current version of its base.
func resolveChildVersion(ctx context.Context, repos *repository.Repositories, sub *models.TaskSubdivision) (string, string, error) {
	if sub.SubWorkflowInstanceID != nil {
		instance, err := repos.Instances.GetByID(ctx, *sub.SubWorkflowInstanceID)
		if err == nil {
			wf, err := repos.Workflows.GetByID(ctx, instance.WorkflowID)
			if err != nil {
				return "", "", err
			}
			return wf.ID, wf.Name, nil
		}
		if !core.IsNotFound(err) {
			return "", "", err
		}
	}
	wf, err := repos.Workflows.GetCurrentByBaseID(ctx, sub.SubWorkflowBaseID)
	if err != nil {
		return "", "", err
	}
	return wf.ID, wf.Name, nil
}

// SelectionClosure expands a set of selected subdivision ids with every
// ancestor required to reach them, returning the chain sorted deepest
// first so inner replacements expand before the templates containing them.
func (t *TemplateTree) SelectionClosure(selected []string) ([]*TreeNode, error) {
	inClosure := make(map[string]*TreeNode)
	for _, id := range selected {
		node := t.bySubdivision[id]
		if node == nil {
			return nil, core.E(core.KindNotFound, "subdivision %s is not part of this execution", id)
		}
		for n := node; n != nil && n.SubdivisionID != ""; n = n.Parent {
			inClosure[n.SubdivisionID] = n
		}
	}

	nodes := make([]*TreeNode, 0, len(inClosure))
	for _, n := range inClosure {
		nodes = append(nodes, n)
	}
	// Deepest first.
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].Depth() > nodes[i].Depth() {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
	return nodes, nil
}
