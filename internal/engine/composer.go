package engine

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// ContextPayload is the structured context_data handed to a task. Named
// fields cover the frequent shapes; Extra keeps the payload extensible.
type ContextPayload struct {
	ImmediateUpstream map[string]interface{}   `json:"immediate_upstream"`
	AllUpstream       map[string]string        `json:"all_upstream"`
	WorkflowMeta      WorkflowMeta             `json:"workflow_meta"`
	NodeDescription   string                   `json:"node_description,omitempty"`
	WorkflowInput     map[string]interface{}   `json:"workflow_input,omitempty"`
	Attachments       []AttachmentRef          `json:"attachments,omitempty"`
	Extra             map[string]interface{}   `json:"extra,omitempty"`
}

// WorkflowMeta identifies the surrounding execution for UI consumption.
type WorkflowMeta struct {
	InstanceID   string `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	WorkflowName string `json:"workflow_name"`
	ExecutorID   string `json:"executor_id"`
}

// AttachmentRef points at a file associated with the node.
type AttachmentRef struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url,omitempty"`
}

// ToJSONMap renders the payload for the context_data column.
func (p *ContextPayload) ToJSONMap() models.JSONMap {
	m := models.JSONMap{
		"immediate_upstream": p.ImmediateUpstream,
		"all_upstream":       p.AllUpstream,
		"workflow_meta": map[string]interface{}{
			"instance_id":   p.WorkflowMeta.InstanceID,
			"instance_name": p.WorkflowMeta.InstanceName,
			"workflow_name": p.WorkflowMeta.WorkflowName,
			"executor_id":   p.WorkflowMeta.ExecutorID,
		},
	}
	if p.NodeDescription != "" {
		m["node_description"] = p.NodeDescription
	}
	if p.WorkflowInput != nil {
		m["workflow_input"] = p.WorkflowInput
	}
	if len(p.Attachments) > 0 {
		attachments := make([]interface{}, 0, len(p.Attachments))
		for _, a := range p.Attachments {
			attachments = append(attachments, map[string]interface{}{
				"file_id":   a.FileID,
				"file_name": a.FileName,
				"file_url":  a.FileURL,
			})
		}
		m["attachments"] = attachments
	}
	for k, v := range p.Extra {
		m[k] = v
	}
	return m
}

// ContextComposer assembles task payloads from context outputs, workflow
// inputs, upstream summaries, and node metadata.
type ContextComposer struct {
	db    *gorm.DB
	repos *repository.Repositories
}

// NewContextComposer creates a composer.
func NewContextComposer(db *gorm.DB, repos *repository.Repositories) *ContextComposer {
	return &ContextComposer{db: db, repos: repos}
}

// Compose builds the payload for one ready node instance. Immediate
// upstream outputs come from the execution context; sources skipped by an
// unsatisfied condition contribute a null entry.
func (c *ContextComposer) Compose(ctx context.Context, ec *ExecutionContext, instance *models.WorkflowInstance, node *models.Node, nodeInstance *models.NodeInstance, upstream []string) (*ContextPayload, error) {
	wf, err := c.repos.Workflows.GetByID(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}

	skipped := ec.SkippedSources(nodeInstance.ID)
	immediate := make(map[string]interface{}, len(upstream))
	for _, sourceID := range upstream {
		if skipped[sourceID] {
			immediate[sourceID] = nil
			continue
		}
		if out, ok := ec.Output(sourceID); ok {
			immediate[sourceID] = out
		}
	}

	all := make(map[string]string)
	nodeInstances, err := c.repos.NodeInstances.ListByWorkflowInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	for _, ni := range nodeInstances {
		if ni.Status != models.NodeInstanceCompleted || ni.NodeType == models.NodeTypeStart {
			continue
		}
		if out, ok := ec.Output(ni.ID); ok {
			all[ni.Name] = summarizeOutput(out)
		}
	}

	payload := &ContextPayload{
		ImmediateUpstream: immediate,
		AllUpstream:       all,
		WorkflowMeta: WorkflowMeta{
			InstanceID:   instance.ID,
			InstanceName: instance.Name,
			WorkflowName: wf.Name,
			ExecutorID:   instance.ExecutorID,
		},
		NodeDescription: node.Description,
		WorkflowInput:   instance.InputData,
	}

	var files []models.FileAssociation
	if err := c.db.WithContext(ctx).Where("node_id = ?", node.ID).Find(&files).Error; err == nil {
		for _, f := range files {
			payload.Attachments = append(payload.Attachments, AttachmentRef{
				FileID:   f.ID,
				FileName: f.FileName,
				FileURL:  f.FileURL,
			})
		}
	}

	return payload, nil
}

// summarizeOutput flattens an output map into a short human-readable line.
func summarizeOutput(out map[string]interface{}) string {
	if out == nil {
		return ""
	}
	if s, ok := out["summary"].(string); ok && s != "" {
		return s
	}
	if s, ok := out["result"].(string); ok && s != "" {
		return truncate(s, 200)
	}
	parts := make([]string, 0, len(out))
	for k, v := range out {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		if len(parts) >= 5 {
			break
		}
	}
	return truncate(strings.Join(parts, ", "), 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
