package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/repository"
)

// HumanQueue is the passive sink for human tasks. Tasks sit in the
// database indexed by assignee; no goroutine is parked per task. Redis
// carries best-effort inbox notifications and counters for the UI layer.
type HumanQueue struct {
	log   zerolog.Logger
	repos *repository.Repositories
	redis *redis.Client
}

// NewHumanQueue creates the human task queue. redis may be nil.
func NewHumanQueue(repos *repository.Repositories, rdb *redis.Client, log zerolog.Logger) *HumanQueue {
	return &HumanQueue{
		log:   log.With().Str("component", "human_queue").Logger(),
		repos: repos,
		redis: rdb,
	}
}

// Enqueue records the assignment. The task row is already persisted; the
// queue's job is the notification side channel, which must not fail the
// dispatch, so redis faults only log.
func (q *HumanQueue) Enqueue(ctx context.Context, task *models.TaskInstance) error {
	if task.AssignedUserID == nil {
		return nil
	}
	q.notify(ctx, *task.AssignedUserID, task.ID)
	return nil
}

func (q *HumanQueue) notify(ctx context.Context, userID, taskID string) {
	if q.redis == nil {
		return
	}
	pipe := q.redis.Pipeline()
	pipe.LPush(ctx, inboxListKey(userID), taskID)
	pipe.LTrim(ctx, inboxListKey(userID), 0, 99)
	pipe.Incr(ctx, inboxCountKey(userID))
	pipe.Expire(ctx, inboxCountKey(userID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn().Err(err).Str("user_id", userID).Msg("inbox notification failed")
	}
}

// AcknowledgeCompletion decrements the inbox counter when a task leaves
// the assigned state. Best effort.
func (q *HumanQueue) AcknowledgeCompletion(ctx context.Context, userID string) {
	if q.redis == nil {
		return
	}
	if err := q.redis.Decr(ctx, inboxCountKey(userID)).Err(); err != nil {
		q.log.Warn().Err(err).Str("user_id", userID).Msg("inbox counter decrement failed")
	}
}

// ListUserTasks returns a user's task inbox, enriched for UI consumption.
func (q *HumanQueue) ListUserTasks(ctx context.Context, userID string, status *models.TaskStatus, limit int) ([]TaskView, error) {
	tasks, err := q.repos.Tasks.ListUserTasks(ctx, userID, status, limit)
	if err != nil {
		return nil, err
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		view := TaskView{Task: t}
		if instance, err := q.repos.Instances.GetByID(ctx, t.WorkflowInstanceID); err == nil {
			view.WorkflowName = instance.Name
			view.WorkflowStatus = instance.Status
		}
		views = append(views, view)
	}
	return views, nil
}

// InboxCount returns the cached unread counter for a user, falling back to
// a database count when redis is absent.
func (q *HumanQueue) InboxCount(ctx context.Context, userID string) (int64, error) {
	if q.redis != nil {
		n, err := q.redis.Get(ctx, inboxCountKey(userID)).Int64()
		if err == nil {
			return n, nil
		}
		if err != redis.Nil {
			q.log.Warn().Err(err).Str("user_id", userID).Msg("inbox counter read failed")
		}
	}
	assigned := models.TaskAssigned
	tasks, err := q.repos.Tasks.ListUserTasks(ctx, userID, &assigned, 200)
	if err != nil {
		return 0, err
	}
	return int64(len(tasks)), nil
}

// TaskView is a task plus the workflow context a UI inbox renders with it.
type TaskView struct {
	Task           models.TaskInstance   `json:"task"`
	WorkflowName   string                `json:"workflow_name"`
	WorkflowStatus models.InstanceStatus `json:"workflow_status"`
}

func inboxListKey(userID string) string  { return fmt.Sprintf("loom:inbox:%s", userID) }
func inboxCountKey(userID string) string { return fmt.Sprintf("loom:inbox_count:%s", userID) }
