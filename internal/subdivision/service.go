package subdivision

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// NodeSpec and ConnectionSpec describe an inline child template submitted
// with a subdivision.
type NodeSpec struct {
	Name        string          `json:"name" validate:"required"`
	Type        models.NodeType `json:"type" validate:"required,oneof=start processor end"`
	Description string          `json:"description"`
	PositionX   float64         `json:"position_x"`
	PositionY   float64         `json:"position_y"`
	ProcessorID string          `json:"processor_id,omitempty"`
}

// ConnectionSpec wires two NodeSpecs by name.
type ConnectionSpec struct {
	Source    string         `json:"source" validate:"required"`
	Target    string         `json:"target" validate:"required"`
	Condition models.JSONMap `json:"condition,omitempty"`
}

// CreateInput is the full request for CreateSubdivision. Exactly one of
// SubWorkflowBaseID and SubWorkflowData must be set.
type CreateInput struct {
	OriginalTaskID      string
	SubdividerID        string
	SubdivisionName     string
	SubWorkflowBaseID   string
	SubWorkflowData     *TemplateData
	ContextToPass       string
	ParentSubdivisionID *string
	ExecuteImmediately  bool
}

// TemplateData is an inline child template definition.
type TemplateData struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Nodes       []NodeSpec       `json:"nodes"`
	Connections []ConnectionSpec `json:"connections"`
}

// Service runs the subdivision lifecycle: replacing a task's execution
// with a nested child workflow and bridging the child's result back to the
// parent node.
type Service struct {
	log    zerolog.Logger
	repos  *repository.Repositories
	engine *engine.Engine
	keys   *engine.KeyedLocks
}

// NewService creates the subdivision service.
func NewService(repos *repository.Repositories, eng *engine.Engine, log zerolog.Logger) *Service {
	return &Service{
		log:    log.With().Str("component", "subdivision").Logger(),
		repos:  repos,
		engine: eng,
		keys:   engine.NewKeyedLocks(),
	}
}

// CreateSubdivision creates (or idempotently returns) a subdivision for a
// task and optionally starts the child workflow at once.
func (s *Service) CreateSubdivision(ctx context.Context, in CreateInput) (*models.TaskSubdivision, error) {
	if in.SubdivisionName == "" {
		return nil, core.E(core.KindValidation, "subdivision name is required")
	}
	if in.SubWorkflowBaseID == "" && in.SubWorkflowData == nil {
		return nil, core.E(core.KindValidation, "either a template base id or inline template data is required")
	}

	task, err := s.repos.Tasks.GetByID(ctx, in.OriginalTaskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedUserID == nil || *task.AssignedUserID != in.SubdividerID {
		return nil, core.E(core.KindPermissionDenied, "task %s is not assigned to user %s", task.ID, in.SubdividerID)
	}
	if task.Status != models.TaskAssigned && task.Status != models.TaskPending {
		return nil, core.E(core.KindValidation, "task %s cannot be subdivided in status %s", task.ID, task.Status)
	}

	// Duplicate clicks collapse on the (task, subdivider, name) key: the
	// lock is held only across the persistence and child-startup window.
	key := fmt.Sprintf("%s|%s|%s", in.OriginalTaskID, in.SubdividerID, in.SubdivisionName)
	unlock := s.keys.Lock(key)
	defer unlock()

	if existing, err := s.repos.Subdivisions.FindActiveByKey(ctx, in.OriginalTaskID, in.SubdividerID, in.SubdivisionName); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	baseID := in.SubWorkflowBaseID
	if baseID == "" {
		wf, err := s.publishInlineTemplate(ctx, in)
		if err != nil {
			return nil, err
		}
		baseID = wf.WorkflowBaseID
	} else {
		if _, err := s.repos.Workflows.GetCurrentByBaseID(ctx, baseID); err != nil {
			return nil, err
		}
	}

	sub := &models.TaskSubdivision{
		OriginalTaskID:      in.OriginalTaskID,
		SubdividerID:        in.SubdividerID,
		SubdivisionName:     in.SubdivisionName,
		SubWorkflowBaseID:   baseID,
		ParentSubdivisionID: in.ParentSubdivisionID,
		ContextPassed:       in.ContextToPass,
		Status:              models.SubdivisionCreated,
	}
	if err := s.repos.Subdivisions.Create(ctx, sub); err != nil {
		return nil, err
	}

	if in.ExecuteImmediately {
		if err := s.executeChild(ctx, sub, task); err != nil {
			_ = s.repos.Subdivisions.UpdateStatus(ctx, sub.ID, models.SubdivisionFailed, nil)
			return nil, err
		}
	}

	s.log.Info().
		Str("subdivision_id", sub.ID).
		Str("task_id", task.ID).
		Str("sub_workflow_base_id", baseID).
		Msg("subdivision created")
	return sub, nil
}

// publishInlineTemplate turns inline template data into a published
// version, injecting the passed context into the start node's description.
func (s *Service) publishInlineTemplate(ctx context.Context, in CreateInput) (*models.Workflow, error) {
	data := in.SubWorkflowData
	name := data.Name
	if name == "" {
		name = in.SubdivisionName
	}

	nodes := make([]models.Node, 0, len(data.Nodes))
	byName := make(map[string]*models.Node, len(data.Nodes))
	for _, spec := range data.Nodes {
		desc := spec.Description
		if spec.Type == models.NodeTypeStart && in.ContextToPass != "" {
			if desc != "" {
				desc += "\n\n"
			}
			desc += "Context from parent task:\n" + in.ContextToPass
		}
		nodes = append(nodes, models.Node{
			NodeBaseID:  newBaseID(),
			Name:        spec.Name,
			Type:        spec.Type,
			Description: desc,
			PositionX:   spec.PositionX,
			PositionY:   spec.PositionY,
			Version:     1,
		})
	}
	for i := range nodes {
		byName[nodes[i].Name] = &nodes[i]
	}

	connections := make([]models.NodeConnection, 0, len(data.Connections))
	for _, spec := range data.Connections {
		source, okS := byName[spec.Source]
		target, okT := byName[spec.Target]
		if !okS || !okT {
			return nil, core.E(core.KindValidation, "connection %s -> %s references an unknown node", spec.Source, spec.Target)
		}
		connections = append(connections, models.NodeConnection{
			SourceNodeBaseID: source.NodeBaseID,
			TargetNodeBaseID: target.NodeBaseID,
			ConditionConfig:  spec.Condition,
		})
	}

	if err := engine.ValidateTemplate(nodes, connections); err != nil {
		return nil, err
	}

	wf, err := s.repos.Workflows.CreateTemplate(ctx, &repository.TemplateDefinition{
		Workflow: models.Workflow{
			Name:        name,
			Description: data.Description,
			Version:     1,
			IsCurrent:   true,
			CreatorID:   in.SubdividerID,
		},
		Nodes:       nodes,
		Connections: connections,
	})
	if err != nil {
		return nil, err
	}

	// Wire processors declared on the inline nodes.
	for i, spec := range data.Nodes {
		if spec.ProcessorID == "" {
			continue
		}
		if err := s.repos.Processors.Bind(ctx, &nodes[i], spec.ProcessorID); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

// executeChild snapshots the parent context, starts the child workflow,
// and registers the completion bridge.
func (s *Service) executeChild(ctx context.Context, sub *models.TaskSubdivision, task *models.TaskInstance) error {
	parentInstanceID := task.WorkflowInstanceID

	parentCtx, err := s.engine.Contexts().GetOrRecover(ctx, parentInstanceID, false)
	if err != nil {
		return err
	}
	snapshot := parentCtx.Snapshot()

	input := models.JSONMap{}
	if sub.ContextPassed != "" {
		input["context"] = sub.ContextPassed
	}
	child, err := s.engine.ExecuteWorkflow(ctx, sub.SubWorkflowBaseID,
		fmt.Sprintf("%s (subdivision of %s)", sub.SubdivisionName, task.Title),
		input, sub.SubdividerID)
	if err != nil {
		return err
	}

	childID := child.ID
	if err := s.repos.Subdivisions.UpdateStatus(ctx, sub.ID, models.SubdivisionExecuting, &childID); err != nil {
		return err
	}

	subID := sub.ID
	taskID := task.ID
	s.engine.Callbacks().Register(childID, func(cbCtx context.Context, instanceID string, finalStatus models.InstanceStatus, results map[string]interface{}) {
		s.onChildFinished(cbCtx, subID, taskID, parentInstanceID, snapshot, finalStatus, results)
	})
	return nil
}

// onChildFinished bridges the child's outcome back to the parent. The
// parent context is restored from the pre-execution snapshot no matter how
// the child ended, then the reference result lands on the parent task. The
// task itself stays open for the subdivider's confirmation; the parent
// node completes only when that task was the sole outstanding sibling.
func (s *Service) onChildFinished(ctx context.Context, subdivisionID, taskID, parentInstanceID string, snapshot *engine.ContextSnapshot, finalStatus models.InstanceStatus, results map[string]interface{}) {
	log := s.log.With().
		Str("subdivision_id", subdivisionID).
		Str("task_id", taskID).
		Logger()

	func() {
		unlock := s.engine.Locks().Lock(parentInstanceID)
		defer unlock()
		if parentCtx := s.engine.Contexts().Get(parentInstanceID); parentCtx != nil {
			parentCtx.RestoreFromSnapshot(snapshot)
		}
	}()

	status := models.SubdivisionCompleted
	if finalStatus != models.InstanceCompleted {
		status = models.SubdivisionFailed
	}
	if err := s.repos.Subdivisions.UpdateStatus(ctx, subdivisionID, status, nil); err != nil {
		log.Error().Err(err).Msg("failed to record subdivision outcome")
	}

	summary := FormatChildResult(results)

	task, err := s.repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Msg("parent task unloadable after child completion")
		return
	}
	contextData := models.JSONMap{}
	for k, v := range task.ContextData {
		contextData[k] = v
	}
	contextData["subdivision_result"] = results
	contextData["subdivision_status"] = string(finalStatus)
	if err := s.repos.Tasks.SaveReference(ctx, taskID, contextData, summary); err != nil {
		log.Error().Err(err).Msg("failed to save reference result on parent task")
		return
	}

	if finalStatus != models.InstanceCompleted {
		log.Warn().Str("final_status", string(finalStatus)).Msg("child workflow did not complete")
		return
	}

	// Downstream may proceed when every sibling task already finished and
	// the subdivided task is the only one outstanding.
	siblings, err := s.repos.Tasks.ListByNodeInstance(ctx, task.NodeInstanceID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load sibling tasks")
		return
	}
	onlyOutstanding := true
	collated := models.JSONMap{}
	for _, sib := range siblings {
		if sib.ID == taskID {
			continue
		}
		switch sib.Status {
		case models.TaskCompleted:
			collated[sib.ProcessorID] = map[string]interface{}(sib.OutputData)
		case models.TaskCancelled:
			// cancelled siblings don't block
		default:
			onlyOutstanding = false
		}
	}
	if !onlyOutstanding {
		return
	}

	collated[task.ProcessorID] = results
	if err := s.engine.CompleteNodeWithOutput(ctx, parentInstanceID, task.NodeInstanceID, collated); err != nil {
		log.Error().Err(err).Msg("failed to complete parent node from subdivision result")
	}
}

// FormatChildResult turns the child's collected results into the summary
// stored on the parent task.
func FormatChildResult(results map[string]interface{}) string {
	if results == nil {
		return ""
	}
	if joined, ok := results["joined_task_outputs"].(string); ok {
		return joined
	}
	parts := make([]string, 0, len(results))
	for k, v := range results {
		parts = append(parts, fmt.Sprintf("%s: %v", k, v))
	}
	return strings.Join(parts, "\n")
}

func newBaseID() string { return uuid.New().String() }

// ListByTask returns the subdivisions created for a task.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]models.TaskSubdivision, error) {
	return s.repos.Subdivisions.ListByTask(ctx, taskID)
}
