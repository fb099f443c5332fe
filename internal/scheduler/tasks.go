package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const TaskNotificationOutboxDue = "notification.outbox.due"

type NotificationOutboxDuePayload struct {
	OutboxID string `json:"outboxId"`
}

func NewNotificationOutboxDueTask(payload NotificationOutboxDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationOutboxDue, data), nil
}

// ParseNotificationOutboxDuePayload decodes a task payload and validates the
// outbox id.
func ParseNotificationOutboxDuePayload(task *asynq.Task) (uuid.UUID, error) {
	var payload NotificationOutboxDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return uuid.Nil, fmt.Errorf("decode %s payload: %w", TaskNotificationOutboxDue, err)
	}
	id, err := uuid.Parse(payload.OutboxID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid outbox id %q: %w", payload.OutboxID, err)
	}
	return id, nil
}
