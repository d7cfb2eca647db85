package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a scheduled task occurrence.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDone        Status = "done"
	StatusMissed      Status = "missed"
	StatusRescheduled Status = "rescheduled"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether s is an end state. Terminal rows are never
// claimed, escalated, or auto-missed.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// Channel identifies the delivery route for one escalation stage.
type Channel string

const (
	ChannelPush      Channel = "push"
	ChannelSecondary Channel = "secondary"
	ChannelCall      Channel = "call"

	// ChannelAutoMiss marks ledger rows written when a task is given up
	// on. No provider is ever invoked for it.
	ChannelAutoMiss Channel = "auto_miss"
)

// Stage is one rung of the escalation ladder. Stages are strictly
// ordered; a stage may only be claimed once the previous one has been.
type Stage int

const (
	StageReminder  Stage = iota // lead-time push notification
	StageSecondary              // secondary channel nudge
	StageCall                   // automated voice call, last resort
)

// Stages lists the ladder in escalation order.
var Stages = []Stage{StageReminder, StageSecondary, StageCall}

func (st Stage) String() string {
	switch st {
	case StageReminder:
		return "reminder"
	case StageSecondary:
		return "secondary"
	case StageCall:
		return "call"
	}
	return fmt.Sprintf("stage(%d)", int(st))
}

// Channel returns the delivery channel this stage dispatches on.
func (st Stage) Channel() Channel {
	switch st {
	case StageReminder:
		return ChannelPush
	case StageSecondary:
		return ChannelSecondary
	case StageCall:
		return ChannelCall
	}
	return ""
}

// Task is one concrete occurrence of something the user planned: either
// entered directly or materialized from a recurrence rule. All instants
// are UTC; Timezone records the IANA zone the occurrence belongs to so
// that weekly patterns can be judged in the user's local time.
//
// The three *SentAt fields double as escalation claims: non-nil means the
// stage was claimed by exactly one poller, and the field is never cleared
// afterwards, even when the send behind it failed.
type Task struct {
	ID              string
	UserID          string
	Title           string
	DurationMinutes int
	Status          Status
	ScheduledAt     *time.Time
	RecurrenceRule  string
	Timezone        string

	ReminderSentAt  *time.Time
	SecondarySentAt *time.Time
	CallSentAt      *time.Time
	CompletedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageClaimedAt returns the claim timestamp recorded for st, or nil if
// the stage has not been claimed.
func (t Task) StageClaimedAt(st Stage) *time.Time {
	switch st {
	case StageReminder:
		return t.ReminderSentAt
	case StageSecondary:
		return t.SecondarySentAt
	case StageCall:
		return t.CallSentAt
	}
	return nil
}

// Slot identifies the weekly position an occurrence belongs to, in the
// timezone it was materialized for. Two occurrences of the same weekly
// rule share a slot even when their UTC instants drift across a DST
// change.
type Slot struct {
	Weekday time.Weekday
	Hour    int
}

func (s Slot) String() string {
	return fmt.Sprintf("%s@%02d", s.Weekday, s.Hour)
}

// SlotOf computes the weekly slot of an instant as seen from tz. An
// empty tz resolves to UTC.
func SlotOf(at time.Time, tz string) (Slot, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Slot{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	local := at.In(loc)
	return Slot{Weekday: local.Weekday(), Hour: local.Hour()}, nil
}

// Slot computes the weekly slot of the task's scheduled time.
func (t Task) Slot() (Slot, error) {
	if t.ScheduledAt == nil {
		return Slot{}, errors.New("task has no scheduled time")
	}
	return SlotOf(*t.ScheduledAt, t.Timezone)
}
