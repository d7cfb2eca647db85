// Package channel delivers escalation notifications. One Sender exists
// per delivery channel; provider specifics stay behind a generic
// webhook or command boundary.
package channel

import (
	"context"
	"time"

	"github.com/tasklife/nag/internal/task"
)

// Sender fires a single notification for a task and returns the
// provider's id for the delivery. Implementations must respect ctx and
// return an error for anything that did not verifiably reach the
// provider.
type Sender interface {
	Send(ctx context.Context, t task.Task) (externalID string, err error)
}

// Payload is the JSON body handed to notification providers.
type Payload struct {
	TaskID          string `json:"task_id"`
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	Channel         string `json:"channel"`
	ScheduledAt     string `json:"scheduled_at,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// NewPayload builds the provider payload for one task on one channel.
// ScheduledAt is RFC 3339 in UTC.
func NewPayload(t task.Task, ch task.Channel) Payload {
	p := Payload{
		TaskID:          t.ID,
		UserID:          t.UserID,
		Title:           t.Title,
		Channel:         string(ch),
		DurationMinutes: t.DurationMinutes,
	}
	if t.ScheduledAt != nil {
		p.ScheduledAt = t.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return p
}
