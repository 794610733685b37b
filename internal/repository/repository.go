package repository

import (
	"errors"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
)

// Repositories bundles every persistence adapter over one gorm handle.
type Repositories struct {
	Workflows     *WorkflowRepository
	Instances     *InstanceRepository
	NodeInstances *NodeInstanceRepository
	Tasks         *TaskRepository
	Subdivisions  *SubdivisionRepository
	Snapshots     *SnapshotRepository
	Events        *EventRepository
	Processors    *ProcessorRepository
}

// New builds the repository set.
func New(db *gorm.DB) *Repositories {
	return &Repositories{
		Workflows:     NewWorkflowRepository(db),
		Instances:     NewInstanceRepository(db),
		NodeInstances: NewNodeInstanceRepository(db),
		Tasks:         NewTaskRepository(db),
		Subdivisions:  NewSubdivisionRepository(db),
		Snapshots:     NewSnapshotRepository(db),
		Events:        NewEventRepository(db),
		Processors:    NewProcessorRepository(db),
	}
}

// translate maps gorm faults onto the shared error taxonomy.
func translate(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.E(core.KindNotFound, "%s %s not found", entity, id)
	}
	return core.E(core.KindTransientIO, "%s %s query failed", entity, id, err)
}
