package channel

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/tasklife/nag/internal/task"
)

// LogSender writes notifications to the log instead of a provider.
// It stands in for unconfigured channels in development.
type LogSender struct {
	channel task.Channel
	logger  *log.Logger
}

func NewLogSender(ch task.Channel, logger *log.Logger) *LogSender {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSender{channel: ch, logger: logger}
}

func (l *LogSender) Send(_ context.Context, t task.Task) (string, error) {
	id := uuid.NewString()
	l.logger.Printf("channel %s: task=%s user=%s title=%q external_id=%s", l.channel, t.ID, t.UserID, t.Title, id)
	return id, nil
}
