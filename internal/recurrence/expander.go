// Package recurrence materializes concrete task occurrences from RRULE
// recurrence rules.
//
// Expansion runs in civil (zone-less wall clock) space and converts each
// occurrence to UTC independently, so a weekly 07:00 task stays at 07:00
// local across DST transitions even though its UTC hour shifts.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/tasklife/nag/internal/task"
)

// ParseError reports a recurrence rule that could not be parsed. It is a
// distinct type so callers can tell "rule is malformed" apart from "rule
// yields no occurrences in this window".
type ParseError struct {
	Rule string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse recurrence rule %q: %v", e.Rule, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Civil builds a zone-less wall-clock datetime for use as an expansion
// window bound. The value is carried in UTC internally but only its
// calendar fields are meaningful.
func Civil(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

// Expand enumerates rule inside the civil window [startLocal, endLocal],
// both ends inclusive, and returns one pending occurrence per hit with
// its ScheduledAt resolved to UTC through tz. Only the wall-clock fields
// of startLocal and endLocal are read; their locations are ignored.
//
// Every other field of base is copied onto each occurrence unchanged,
// the claim and completion fields are cleared, and RecurrenceRule is
// stamped with the original rule string. A window that matches nothing
// returns an empty slice and no error.
func Expand(base task.Task, rule string, startLocal, endLocal time.Time, tz string) ([]task.Task, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	if strings.TrimSpace(rule) == "" {
		return nil, &ParseError{Rule: rule, Err: errors.New("empty rule")}
	}
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return nil, &ParseError{Rule: rule, Err: err}
	}
	// The window start anchors the cadence unless the rule itself
	// carried a DTSTART.
	if opt.Dtstart.IsZero() {
		opt.Dtstart = asCivil(startLocal)
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &ParseError{Rule: rule, Err: err}
	}

	civil := r.Between(asCivil(startLocal), asCivil(endLocal), true)

	out := make([]task.Task, 0, len(civil))
	for _, c := range civil {
		utc := resolveWall(c, loc).UTC()

		occ := base
		occ.ID = uuid.NewString()
		occ.Status = task.StatusPending
		occ.ScheduledAt = &utc
		occ.RecurrenceRule = rule
		occ.Timezone = tz
		occ.ReminderSentAt = nil
		occ.SecondarySentAt = nil
		occ.CallSentAt = nil
		occ.CompletedAt = nil
		out = append(out, occ)
	}
	return out, nil
}

// asCivil strips the location from t, keeping only its wall-clock fields.
func asCivil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
