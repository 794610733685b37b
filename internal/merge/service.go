package merge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// Service flattens a tree of nested executions back into a single static
// workflow template by recursive node replacement.
type Service struct {
	log   zerolog.Logger
	repos *repository.Repositories
}

// NewService creates the merge service.
func NewService(repos *repository.Repositories, log zerolog.Logger) *Service {
	return &Service{
		log:   log.With().Str("component", "merge").Logger(),
		repos: repos,
	}
}

// Candidate describes one mergeable subdivision for preview.
type Candidate struct {
	SubdivisionID    string `json:"subdivision_id"`
	SubdivisionName  string `json:"subdivision_name"`
	TemplateName     string `json:"template_name"`
	ReplacedNodeBase string `json:"replaced_node_base_id"`
	Depth            int    `json:"depth"`
}

// Preview lists the merge candidates of an execution and the closure a
// selection would expand, without persisting anything.
type Preview struct {
	Candidates []Candidate `json:"candidates"`
	Selected   []Candidate `json:"selected_closure,omitempty"`
	MaxDepth   int         `json:"max_depth"`
}

// PreviewMerge builds the template tree and reports what a merge of the
// given selection would replace.
func (s *Service) PreviewMerge(ctx context.Context, rootInstanceID string, selected []string) (*Preview, error) {
	tree, err := BuildTemplateTree(ctx, s.repos, rootInstanceID)
	if err != nil {
		return nil, err
	}

	preview := &Preview{MaxDepth: tree.MaxDepth()}
	for _, n := range tree.All() {
		preview.Candidates = append(preview.Candidates, candidateOf(n))
	}
	if len(selected) > 0 {
		closure, err := tree.SelectionClosure(selected)
		if err != nil {
			return nil, err
		}
		for _, n := range closure {
			preview.Selected = append(preview.Selected, candidateOf(n))
		}
	}
	return preview, nil
}

func candidateOf(n *TreeNode) Candidate {
	return Candidate{
		SubdivisionID:    n.SubdivisionID,
		SubdivisionName:  n.SubdivisionName,
		TemplateName:     n.Name,
		ReplacedNodeBase: n.ParentNodeBaseID,
		Depth:            n.Depth(),
	}
}

// MergeResult reports the outcome of ExecuteMerge.
type MergeResult struct {
	NewWorkflowBaseID string     `json:"new_workflow_base_id"`
	NewWorkflowID     string     `json:"new_workflow_id"`
	Stats             MergeStats `json:"stats"`
}

// MergeStats summarizes the produced template.
type MergeStats struct {
	ReplacedNodes    int `json:"replaced_nodes"`
	TotalNodes       int `json:"total_nodes"`
	TotalConnections int `json:"total_connections"`
	MaxDepth         int `json:"max_depth"`
}

// builder accumulates the new template while expansions run.
type builder struct {
	nodes    []models.Node
	conns    []models.NodeConnection
	bindings []bindingPlan
	// idMap records original -> new node base ids; expansion entries use
	// composite originalID@subdivisionName keys so the same original id in
	// different subdivisions cannot collide.
	idMap map[string]string
}

type bindingPlan struct {
	nodeIndex    int
	processorIDs []string
}

// expansion is the splice-in surface of one replaced node: the nodes that
// took its place and how the surrounding graph wires into them.
type expansion struct {
	entries   []string // new node base ids reachable from the child's start
	exits     []string // new node base ids that reach the child's end
	nodeIndex []int    // indexes into builder.nodes added by this expansion
}

// ExecuteMerge produces a new template version replacing every selected
// subdivision's node with the body of its child workflow, recursively.
func (s *Service) ExecuteMerge(ctx context.Context, rootInstanceID string, selected []string, userID string) (*MergeResult, error) {
	if len(selected) == 0 {
		return nil, core.E(core.KindValidation, "at least one subdivision must be selected")
	}

	tree, err := BuildTemplateTree(ctx, s.repos, rootInstanceID)
	if err != nil {
		return nil, err
	}
	closure, err := tree.SelectionClosure(selected)
	if err != nil {
		return nil, err
	}
	inClosure := make(map[string]bool, len(closure))
	for _, n := range closure {
		inClosure[n.SubdivisionID] = true
	}

	rootNodes, err := s.repos.Workflows.GetNodes(ctx, tree.Root.WorkflowID)
	if err != nil {
		return nil, err
	}
	rootConns, err := s.repos.Workflows.GetConnections(ctx, tree.Root.WorkflowID)
	if err != nil {
		return nil, err
	}

	b := &builder{idMap: make(map[string]string)}

	// Copy preserved nodes; expand root-level replacements.
	replaced := make(map[string]*expansion)
	for _, n := range rootNodes {
		child := tree.Root.Children[n.NodeBaseID]
		if child != nil && inClosure[child.SubdivisionID] {
			exp, err := s.expand(ctx, b, child, inClosure)
			if err != nil {
				return nil, err
			}
			replaced[n.NodeBaseID] = exp
			continue
		}
		b.copyNode(ctx, s.repos, n, n.NodeBaseID, n.PositionX, n.PositionY)
	}

	// Rebuild connections around the replacements.
	for _, conn := range rootConns {
		sourceExp := replaced[conn.SourceNodeBaseID]
		targetExp := replaced[conn.TargetNodeBaseID]

		switch {
		case sourceExp == nil && targetExp == nil:
			b.addConn(b.idMap[conn.SourceNodeBaseID], b.idMap[conn.TargetNodeBaseID], conn.ConditionConfig)
		case sourceExp == nil:
			for _, entry := range targetExp.entries {
				b.addConn(b.idMap[conn.SourceNodeBaseID], entry, conn.ConditionConfig)
			}
		case targetExp == nil:
			for _, exit := range sourceExp.exits {
				b.addConn(exit, b.idMap[conn.TargetNodeBaseID], conn.ConditionConfig)
			}
		default:
			for _, exit := range sourceExp.exits {
				for _, entry := range targetExp.entries {
					b.addConn(exit, entry, nil)
				}
			}
		}
	}

	if err := s.validateMerged(b); err != nil {
		return nil, err
	}

	mergedCount, err := s.countMergedSiblings(ctx, tree.Root.WorkflowBaseID)
	if err != nil {
		return nil, err
	}
	parentBase := tree.Root.WorkflowBaseID
	wf, err := s.repos.Workflows.CreateTemplate(ctx, &repository.TemplateDefinition{
		Workflow: models.Workflow{
			Name:         fmt.Sprintf("%s_merged_%d", tree.Root.Name, mergedCount+1),
			Description:  fmt.Sprintf("Merged from %s with %d replacement(s)", tree.Root.Name, len(closure)),
			Version:      1,
			IsCurrent:    true,
			ParentBaseID: &parentBase,
			CreatorID:    userID,
		},
		Nodes:       b.nodes,
		Connections: b.conns,
	})
	if err != nil {
		return nil, err
	}

	// Re-attach processor bindings onto the persisted nodes.
	for _, plan := range b.bindings {
		for _, pid := range plan.processorIDs {
			if err := s.repos.Processors.Bind(ctx, &b.nodes[plan.nodeIndex], pid); err != nil {
				return nil, err
			}
		}
	}

	result := &MergeResult{
		NewWorkflowBaseID: wf.WorkflowBaseID,
		NewWorkflowID:     wf.ID,
		Stats: MergeStats{
			ReplacedNodes:    len(closure),
			TotalNodes:       len(b.nodes),
			TotalConnections: len(b.conns),
			MaxDepth:         tree.MaxDepth(),
		},
	}
	s.log.Info().
		Str("root_instance_id", rootInstanceID).
		Str("new_workflow_base_id", wf.WorkflowBaseID).
		Int("nodes", result.Stats.TotalNodes).
		Int("connections", result.Stats.TotalConnections).
		Msg("merge executed")
	return result, nil
}

// expand splices one child template in place of its replaced parent node,
// recursing into selected replacements inside the child. Start and end
// nodes of the child are dropped; their connections define the entry and
// exit points of the splice.
func (s *Service) expand(ctx context.Context, b *builder, tn *TreeNode, inClosure map[string]bool) (*expansion, error) {
	childNodes, err := s.repos.Workflows.GetNodes(ctx, tn.WorkflowID)
	if err != nil {
		return nil, err
	}
	childConns, err := s.repos.Workflows.GetConnections(ctx, tn.WorkflowID)
	if err != nil {
		return nil, err
	}

	var startBase string
	endBases := make(map[string]bool)
	business := make([]models.Node, 0, len(childNodes))
	for _, n := range childNodes {
		switch n.Type {
		case models.NodeTypeStart:
			startBase = n.NodeBaseID
		case models.NodeTypeEnd:
			endBases[n.NodeBaseID] = true
		default:
			business = append(business, n)
		}
	}
	if len(business) == 0 {
		return nil, core.E(core.KindValidation, "subdivision %s has no business nodes to merge", tn.SubdivisionName)
	}

	exp := &expansion{}
	nested := make(map[string]*expansion)
	localMap := make(map[string]string, len(business))

	for _, n := range business {
		if child := tn.Children[n.NodeBaseID]; child != nil && inClosure[child.SubdivisionID] {
			childExp, err := s.expand(ctx, b, child, inClosure)
			if err != nil {
				return nil, err
			}
			nested[n.NodeBaseID] = childExp
			exp.nodeIndex = append(exp.nodeIndex, childExp.nodeIndex...)
			continue
		}
		key := fmt.Sprintf("%s@%s", n.NodeBaseID, tn.SubdivisionName)
		idx := b.copyNode(ctx, s.repos, n, key, n.PositionX, n.PositionY)
		localMap[n.NodeBaseID] = b.nodes[idx].NodeBaseID
		exp.nodeIndex = append(exp.nodeIndex, idx)
	}

	// Entry points: business nodes fed by the child's start. Exit points:
	// business nodes feeding any of the child's ends. Nested replacements
	// contribute their own entries and exits.
	for _, conn := range childConns {
		sourceIsStart := conn.SourceNodeBaseID == startBase
		targetIsEnd := endBases[conn.TargetNodeBaseID]

		switch {
		case sourceIsStart && !targetIsEnd:
			if nestedExp := nested[conn.TargetNodeBaseID]; nestedExp != nil {
				exp.entries = append(exp.entries, nestedExp.entries...)
			} else if id := localMap[conn.TargetNodeBaseID]; id != "" {
				exp.entries = append(exp.entries, id)
			}
		case targetIsEnd && !sourceIsStart:
			if nestedExp := nested[conn.SourceNodeBaseID]; nestedExp != nil {
				exp.exits = append(exp.exits, nestedExp.exits...)
			} else if id := localMap[conn.SourceNodeBaseID]; id != "" {
				exp.exits = append(exp.exits, id)
			}
		case !sourceIsStart && !targetIsEnd:
			sourceExits := []string{localMap[conn.SourceNodeBaseID]}
			if nestedExp := nested[conn.SourceNodeBaseID]; nestedExp != nil {
				sourceExits = nestedExp.exits
			}
			targetEntries := []string{localMap[conn.TargetNodeBaseID]}
			if nestedExp := nested[conn.TargetNodeBaseID]; nestedExp != nil {
				targetEntries = nestedExp.entries
			}
			for _, u := range sourceExits {
				for _, v := range targetEntries {
					if u != "" && v != "" {
						b.addConn(u, v, conn.ConditionConfig)
					}
				}
			}
		}
	}

	s.translateExpansion(b, exp, business, tn.ReplaceX, tn.ReplaceY)
	return exp, nil
}

// translateExpansion moves the expansion's nodes so their bounding box is
// centered on the replaced node's original position.
func (s *Service) translateExpansion(b *builder, exp *expansion, business []models.Node, centerX, centerY float64) {
	if len(exp.nodeIndex) == 0 {
		return
	}
	minX, maxX := business[0].PositionX, business[0].PositionX
	minY, maxY := business[0].PositionY, business[0].PositionY
	for _, n := range business[1:] {
		if n.PositionX < minX {
			minX = n.PositionX
		}
		if n.PositionX > maxX {
			maxX = n.PositionX
		}
		if n.PositionY < minY {
			minY = n.PositionY
		}
		if n.PositionY > maxY {
			maxY = n.PositionY
		}
	}
	dx := centerX - (minX+maxX)/2
	dy := centerY - (minY+maxY)/2
	for _, idx := range exp.nodeIndex {
		b.nodes[idx].PositionX += dx
		b.nodes[idx].PositionY += dy
	}
}

// copyNode clones a template node into the builder under a fresh base id
// and records its processor bindings for re-attachment.
func (b *builder) copyNode(ctx context.Context, repos *repository.Repositories, n models.Node, mapKey string, x, y float64) int {
	newBase := uuid.New().String()
	b.idMap[mapKey] = newBase
	b.nodes = append(b.nodes, models.Node{
		NodeBaseID:  newBase,
		Name:        n.Name,
		Type:        n.Type,
		Description: n.Description,
		PositionX:   x,
		PositionY:   y,
		Version:     1,
	})
	idx := len(b.nodes) - 1

	if processors, err := repos.Processors.ListForNode(ctx, n.ID); err == nil && len(processors) > 0 {
		plan := bindingPlan{nodeIndex: idx}
		for _, p := range processors {
			plan.processorIDs = append(plan.processorIDs, p.ID)
		}
		b.bindings = append(b.bindings, plan)
	}
	return idx
}

func (b *builder) addConn(sourceBase, targetBase string, condition models.JSONMap) {
	if sourceBase == "" || targetBase == "" {
		return
	}
	b.conns = append(b.conns, models.NodeConnection{
		SourceNodeBaseID: sourceBase,
		TargetNodeBaseID: targetBase,
		ConditionConfig:  condition,
	})
}

// validateMerged enforces the merge correctness conditions: one start, at
// least one end, acyclic, no orphan nodes.
func (s *Service) validateMerged(b *builder) error {
	if err := engine.ValidateTemplate(b.nodes, b.conns); err != nil {
		return err
	}

	connected := make(map[string]bool)
	for _, c := range b.conns {
		connected[c.SourceNodeBaseID] = true
		connected[c.TargetNodeBaseID] = true
	}
	for _, n := range b.nodes {
		if !connected[n.NodeBaseID] {
			return core.E(core.KindFatalInternal, "merge produced orphan node %q", n.Name)
		}
	}
	return nil
}

func (s *Service) countMergedSiblings(ctx context.Context, parentBaseID string) (int, error) {
	return s.repos.Workflows.CountByParentBase(ctx, parentBaseID)
}
