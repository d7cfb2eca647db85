// Package observer carries repeated-miss signals out of the escalation
// core. When a user keeps missing the same weekly slot, the rest of the
// assistant wants to know about the pattern, not about any single miss.
package observer

import (
	"context"
	"log"
)

// Observer is notified when a task accumulates the configured number of
// consecutive misses in its weekly slot.
type Observer interface {
	NotifyRepeatedMiss(ctx context.Context, taskID, userID string, consecutive int) error
}

// LogObserver records the pattern in the log. Default when no queue is
// configured.
type LogObserver struct {
	logger *log.Logger
}

func NewLogObserver(logger *log.Logger) *LogObserver {
	if logger == nil {
		logger = log.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) NotifyRepeatedMiss(_ context.Context, taskID, userID string, consecutive int) error {
	o.logger.Printf("WARNING: repeated miss pattern task=%s user=%s consecutive=%d", taskID, userID, consecutive)
	return nil
}
