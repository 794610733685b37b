package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/models"
)

// EventRepository persists the append-only per-instance event log. Sequence
// numbers are allocated inside the append transaction so events of one
// instance are totally ordered.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an event repository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append stores an event with the next sequence number for its instance
// and returns the allocated number.
func (r *EventRepository) Append(ctx context.Context, instanceID, eventType string, payload models.JSONMap) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int64
		if err := tx.Model(&models.WorkflowEvent{}).
			Where("workflow_instance_id = ?", instanceID).
			Select("COALESCE(MAX(sequence_number), 0)").
			Scan(&max).Error; err != nil {
			return err
		}
		seq = max + 1
		return tx.Create(&models.WorkflowEvent{
			WorkflowInstanceID: instanceID,
			Type:               eventType,
			Payload:            payload,
			SequenceNumber:     seq,
		}).Error
	})
	if err != nil {
		return 0, core.E(core.KindTransientIO, "failed to append %s event for %s", eventType, instanceID, err)
	}
	return seq, nil
}

// ListSince returns events of an instance with sequence numbers greater
// than after, in order.
func (r *EventRepository) ListSince(ctx context.Context, instanceID string, after int64) ([]models.WorkflowEvent, error) {
	var events []models.WorkflowEvent
	err := r.db.WithContext(ctx).
		Where("workflow_instance_id = ? AND sequence_number > ?", instanceID, after).
		Order("sequence_number ASC").
		Find(&events).Error
	if err != nil {
		return nil, core.E(core.KindTransientIO, "failed to load events of %s", instanceID, err)
	}
	return events, nil
}
