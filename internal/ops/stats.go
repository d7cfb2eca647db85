// Package ops exposes the daemon's operational HTTP surface: liveness,
// readiness, and a status snapshot fed by the event bus.
package ops

import (
	"sync"
	"time"

	"github.com/tasklife/nag/internal/events"
)

// Collector aggregates bus events into daemon-lifetime counters. It
// consumes a SubscribeAll channel, so it sees every topic without the
// publishers knowing about it.
type Collector struct {
	started time.Time
	done    chan struct{}

	mu         sync.Mutex
	dispatched int
	failed     int
	claimsLost int
	missed     int
	flagged    int
	recovered  int
	lastTick   *events.TickCompleted
}

// TickSummary describes the most recent poll pass.
type TickSummary struct {
	At         int64 `json:"at"`
	Claimed    int   `json:"claimed"`
	Dispatched int   `json:"dispatched"`
	Failed     int   `json:"failed"`
	Missed     int   `json:"missed"`
	TookMS     int64 `json:"took_ms"`
}

// Snapshot is the status endpoint payload. Timestamps are epoch
// milliseconds.
type Snapshot struct {
	UptimeSeconds int64        `json:"uptime_seconds"`
	Dispatched    int          `json:"dispatched"`
	Failed        int          `json:"failed"`
	ClaimsLost    int          `json:"claims_lost"`
	Missed        int          `json:"missed"`
	Flagged       int          `json:"flagged"`
	Recovered     int          `json:"recovered"`
	LastTick      *TickSummary `json:"last_tick,omitempty"`
}

// NewCollector subscribes to the bus and starts consuming. The
// collector stops when the bus is closed.
func NewCollector(bus *events.Bus) *Collector {
	c := &Collector{
		started: time.Now(),
		done:    make(chan struct{}),
	}
	ch := bus.SubscribeAll(256)
	go c.run(ch)
	return c
}

func (c *Collector) run(ch <-chan events.Event) {
	defer close(c.done)
	for ev := range ch {
		c.apply(ev)
	}
}

func (c *Collector) apply(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case events.StageDispatched:
		c.dispatched++
	case events.StageFailed:
		c.failed++
	case events.ClaimLost:
		c.claimsLost++
	case events.TaskMissed:
		c.missed++
	case events.PatternFlagged:
		c.flagged++
	case events.RecoveryRetried:
		c.recovered++
	case events.TickCompleted:
		tick := e
		c.lastTick = &tick
	}
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Dispatched:    c.dispatched,
		Failed:        c.failed,
		ClaimsLost:    c.claimsLost,
		Missed:        c.missed,
		Flagged:       c.flagged,
		Recovered:     c.recovered,
	}
	if c.lastTick != nil {
		s.LastTick = &TickSummary{
			At:         c.lastTick.Timestamp.UnixMilli(),
			Claimed:    c.lastTick.Claimed,
			Dispatched: c.lastTick.Dispatched,
			Failed:     c.lastTick.Failed,
			Missed:     c.lastTick.Missed,
			TookMS:     c.lastTick.Took.Milliseconds(),
		}
	}
	return s
}

// Wait blocks until the collector has drained its subscription, which
// happens when the bus closes.
func (c *Collector) Wait() {
	<-c.done
}
