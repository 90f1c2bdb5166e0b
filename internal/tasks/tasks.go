// Package tasks defines the deferred notification work and runs it on asynq.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/waveto/mr-ray-open/internal/keys"
)

const (
	TypeUpdate     = "notification:update"
	TypeInvitation = "notification:invitation"

	QueueNotifications = "notifications"
)

// UpdatePayload asks the worker to tell Recipient that Modifier changed the
// conversation.
type UpdatePayload struct {
	Recipient keys.Identity `json:"recipient"`
	Modifier  string        `json:"modifier"`
	// ModifierName overrides the profile lookup, e.g. for public replies.
	ModifierName string `json:"modifierName,omitempty"`
	Title        string `json:"title"`
	URL          string `json:"url"`
}

type InvitationPayload struct {
	Recipient keys.Identity `json:"recipient"`
	Inviter   string        `json:"inviter"`
	Title     string        `json:"title"`
	Message   string        `json:"message,omitempty"`
	URL       string        `json:"url"`
}

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue hands notifications to the task runner. Delivery is best effort and
// at least once; handlers must tolerate duplicates.
type Queue struct {
	client   Enqueuer
	maxRetry int
	timeout  time.Duration
}

func NewQueue(client Enqueuer) *Queue {
	return &Queue{client: client, maxRetry: 5, timeout: 30 * time.Second}
}

func (q *Queue) EnqueueUpdate(ctx context.Context, payload UpdatePayload) error {
	return q.enqueue(ctx, TypeUpdate, payload)
}

func (q *Queue) EnqueueInvitation(ctx context.Context, payload InvitationPayload) error {
	return q.enqueue(ctx, TypeInvitation, payload)
}

func (q *Queue) enqueue(ctx context.Context, taskType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(q.timeout),
	); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
