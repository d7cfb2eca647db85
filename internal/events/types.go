package events

import (
	"time"

	"github.com/tasklife/nag/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic groups related events for subscription.
type Topic string

const (
	TopicDispatch  Topic = "dispatch"  // channel sends and their outcomes
	TopicLifecycle Topic = "lifecycle" // task state transitions
	TopicPoller    Topic = "poller"    // tick summaries
)

// Event type constants
const (
	EventTypeStageDispatched = "stage.dispatched"
	EventTypeStageFailed     = "stage.failed"
	EventTypeClaimLost       = "stage.claim_lost"
	EventTypeTaskMissed      = "task.missed"
	EventTypePatternFlagged  = "task.pattern_flagged"
	EventTypeRecoveryRetried = "dispatch.recovered"
	EventTypeTickCompleted   = "poller.tick"
)

// StageDispatched is published after a channel send succeeds and the
// ledger row is finalized.
type StageDispatched struct {
	ID         string
	UserID     string
	Channel    task.Channel
	LogID      string
	ExternalID string
	Timestamp  time.Time
}

func (e StageDispatched) EventType() string { return EventTypeStageDispatched }
func (e StageDispatched) TaskID() string    { return e.ID }

// StageFailed is published after a send fails cleanly. The stage stays
// spent; the ladder moves on at the next time boundary.
type StageFailed struct {
	ID        string
	UserID    string
	Channel   task.Channel
	LogID     string
	Err       error
	Timestamp time.Time
}

func (e StageFailed) EventType() string { return EventTypeStageFailed }
func (e StageFailed) TaskID() string    { return e.ID }

// ClaimLost is published when another poller won the stage race.
type ClaimLost struct {
	ID        string
	Stage     task.Stage
	Timestamp time.Time
}

func (e ClaimLost) EventType() string { return EventTypeClaimLost }
func (e ClaimLost) TaskID() string    { return e.ID }

// TaskMissed is published when the ladder is exhausted and the task is
// marked missed.
type TaskMissed struct {
	ID        string
	UserID    string
	Streak    int
	Timestamp time.Time
}

func (e TaskMissed) EventType() string { return EventTypeTaskMissed }
func (e TaskMissed) TaskID() string    { return e.ID }

// PatternFlagged is published when a miss streak reaches the configured
// threshold and the pattern observer is notified.
type PatternFlagged struct {
	ID        string
	UserID    string
	Streak    int
	Timestamp time.Time
}

func (e PatternFlagged) EventType() string { return EventTypePatternFlagged }
func (e PatternFlagged) TaskID() string    { return e.ID }

// RecoveryRetried is published for every stale ledger row the recovery
// scanner re-drove to an outcome.
type RecoveryRetried struct {
	ID        string // task id
	LogID     string
	Channel   task.Channel
	OK        bool
	Timestamp time.Time
}

func (e RecoveryRetried) EventType() string { return EventTypeRecoveryRetried }
func (e RecoveryRetried) TaskID() string    { return e.ID }

// TickCompleted summarizes one poller tick.
type TickCompleted struct {
	Claimed    int
	Dispatched int
	Failed     int
	Missed     int
	Took       time.Duration
	Timestamp  time.Time
}

func (e TickCompleted) EventType() string { return EventTypeTickCompleted }
func (e TickCompleted) TaskID() string    { return "" }
