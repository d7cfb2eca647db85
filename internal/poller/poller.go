// Package poller drives the escalation ladder. Each tick claims due
// ladder stages with single-winner updates, delivers the claimed sends
// with bounded concurrency, and sweeps exhausted tasks into missed.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tasklife/nag/internal/channel"
	"github.com/tasklife/nag/internal/events"
	"github.com/tasklife/nag/internal/observer"
	"github.com/tasklife/nag/internal/store"
	"github.com/tasklife/nag/internal/task"
)

// streakScanLimit bounds the outcome history loaded per miss. Far more
// rows than any plausible miss threshold.
const streakScanLimit = 50

// Config tunes the poll loop.
type Config struct {
	PollInterval     time.Duration // time between ticks (default 30s)
	ReminderLead     time.Duration // how far ahead of the scheduled time the reminder fires (default 10m)
	EscalationWindow time.Duration // quiet period between ladder rungs (default 15m)
	MissThreshold    int           // consecutive same-slot misses that flag a pattern (default 3)
	Concurrency      int           // parallel sends per wave (default 8)
	BatchLimit       int           // max candidates fetched per stage per tick (default 100)
	SendTimeout      time.Duration // per-send deadline (default 10s)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ReminderLead <= 0 {
		c.ReminderLead = 10 * time.Minute
	}
	if c.EscalationWindow <= 0 {
		c.EscalationWindow = 15 * time.Minute
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// TickStats counts what one tick did.
type TickStats struct {
	Claimed    int
	ClaimsLost int
	Dispatched int
	Failed     int
	Missed     int
	Flagged    int
	Took       time.Duration
}

// tickCounters guards a TickStats shared across a dispatch wave.
type tickCounters struct {
	mu    sync.Mutex
	stats TickStats
}

func (c *tickCounters) add(fn func(*TickStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// Poller walks the ladder on a fixed interval. Multiple pollers may
// run against the same store; stage claims arbitrate who sends.
type Poller struct {
	cfg     Config
	store   store.Store
	senders map[task.Channel]channel.Sender
	obs     observer.Observer
	bus     *events.Bus
	logger  *log.Logger
	clock   func() time.Time
}

// New creates a poller. senders maps each ladder channel to its
// delivery mechanism; obs and bus may be nil.
func New(cfg Config, st store.Store, senders map[task.Channel]channel.Sender, obs observer.Observer, bus *events.Bus, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		cfg:     cfg.withDefaults(),
		store:   st,
		senders: senders,
		obs:     obs,
		bus:     bus,
		logger:  logger,
		clock:   time.Now,
	}
}

// Run polls until ctx is cancelled. An immediate tick runs before the
// first interval elapses so a restart picks up overdue work right away.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.RunTick(ctx, p.clock()); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Printf("ERROR: poll tick failed: %v", err)
	}
}

// RunTick performs one full poll pass at the given instant: every
// ladder stage in order, then the miss sweep. A store read failure
// aborts the rest of the pass; per-task send failures do not.
func (p *Poller) RunTick(ctx context.Context, now time.Time) (TickStats, error) {
	start := time.Now()
	counts := &tickCounters{}

	for _, stage := range task.Stages {
		due, err := p.store.DueForStage(ctx, stage, p.stageCutoff(stage, now), p.cfg.BatchLimit)
		if err != nil {
			return counts.stats, fmt.Errorf("failed to list due tasks for %s: %w", stage, err)
		}
		if len(due) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for _, t := range due {
			t := t
			st := stage
			g.Go(func() error {
				p.dispatchStage(gctx, t, st, now, counts)
				return nil
			})
		}
		// Send failures land in the ledger, not the group error.
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return counts.stats, err
		}
	}

	if err := p.sweepMissed(ctx, now, counts); err != nil {
		return counts.stats, err
	}

	counts.stats.Took = time.Since(start)
	p.publish(events.TopicPoller, events.TickCompleted{
		Claimed:    counts.stats.Claimed,
		Dispatched: counts.stats.Dispatched,
		Failed:     counts.stats.Failed,
		Missed:     counts.stats.Missed,
		Took:       counts.stats.Took,
		Timestamp:  now,
	})
	return counts.stats, nil
}

// stageCutoff computes the due horizon for a stage. Reminders fire
// ahead of the scheduled time; later rungs wait out the escalation
// window after the previous claim.
func (p *Poller) stageCutoff(st task.Stage, now time.Time) time.Time {
	if st == task.StageReminder {
		return now.Add(p.cfg.ReminderLead)
	}
	return now.Add(-p.cfg.EscalationWindow)
}

// dispatchStage races for the stage claim and, on winning, runs the
// send for the stage's channel. The claim is never released: a failed
// send leaves the stage spent and the ladder moves on at the next
// time boundary.
func (p *Poller) dispatchStage(ctx context.Context, t task.Task, st task.Stage, now time.Time, counts *tickCounters) {
	won, err := p.store.ClaimStage(ctx, t.ID, st, now)
	if err != nil {
		p.logger.Printf("ERROR: failed to claim %s for task %s: %v", st, t.ID, err)
		return
	}
	if !won {
		p.logger.Printf("claim lost: task=%s stage=%s", t.ID, st)
		counts.add(func(s *TickStats) { s.ClaimsLost++ })
		p.publish(events.TopicDispatch, events.ClaimLost{ID: t.ID, Stage: st, Timestamp: now})
		return
	}
	counts.add(func(s *TickStats) { s.Claimed++ })

	ch := st.Channel()
	logID, err := p.store.InsertPending(ctx, t.ID, ch, now)
	if err != nil {
		p.logger.Printf("ERROR: failed to record pending %s dispatch for task %s: %v", ch, t.ID, err)
		return
	}

	sender, ok := p.senders[ch]
	if !ok {
		p.finalizeFailed(ctx, t, ch, logID, now, fmt.Errorf("no sender registered for channel %s", ch))
		counts.add(func(s *TickStats) { s.Failed++ })
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	externalID, err := sender.Send(sendCtx, t)
	cancel()
	if err != nil {
		p.finalizeFailed(ctx, t, ch, logID, now, err)
		counts.add(func(s *TickStats) { s.Failed++ })
		return
	}

	if err := p.store.MarkDispatched(ctx, logID, externalID, p.clock()); err != nil {
		// The send went out; the row stays pending until recovery
		// finalizes it. A duplicate send beats a silent one.
		p.logger.Printf("ERROR: failed to finalize dispatch %s: %v", logID, err)
		return
	}
	counts.add(func(s *TickStats) { s.Dispatched++ })
	p.publish(events.TopicDispatch, events.StageDispatched{
		ID:         t.ID,
		UserID:     t.UserID,
		Channel:    ch,
		LogID:      logID,
		ExternalID: externalID,
		Timestamp:  now,
	})
}

func (p *Poller) finalizeFailed(ctx context.Context, t task.Task, ch task.Channel, logID string, now time.Time, sendErr error) {
	p.logger.Printf("WARNING: %s send for task %s failed: %v", ch, t.ID, sendErr)
	if err := p.store.MarkFailed(ctx, logID, sendErr.Error(), p.clock()); err != nil {
		p.logger.Printf("ERROR: failed to mark dispatch %s failed: %v", logID, err)
	}
	p.publish(events.TopicDispatch, events.StageFailed{
		ID:        t.ID,
		UserID:    t.UserID,
		Channel:   ch,
		LogID:     logID,
		Err:       sendErr,
		Timestamp: now,
	})
}

// sweepMissed marks ladder-exhausted tasks missed, records the
// transition in the ledger, and checks for repeated misses of the same
// weekly slot.
func (p *Poller) sweepMissed(ctx context.Context, now time.Time, counts *tickCounters) error {
	overdue, err := p.store.OverdueForMiss(ctx, now.Add(-p.cfg.EscalationWindow), p.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("failed to list overdue tasks: %w", err)
	}

	for _, t := range overdue {
		won, err := p.store.ClaimMissed(ctx, t.ID, now)
		if err != nil {
			p.logger.Printf("ERROR: failed to mark task %s missed: %v", t.ID, err)
			continue
		}
		if !won {
			continue
		}
		counts.add(func(s *TickStats) { s.Missed++ })

		// No provider sits behind auto_miss, so there is no pending
		// phase to crash inside; the row is inserted already final.
		if _, err := p.store.InsertDispatched(ctx, t.ID, task.ChannelAutoMiss, "ladder exhausted", now); err != nil {
			p.logger.Printf("ERROR: failed to record auto-miss for task %s: %v", t.ID, err)
		}

		streak := p.missStreak(ctx, t, now)
		p.publish(events.TopicLifecycle, events.TaskMissed{ID: t.ID, UserID: t.UserID, Streak: streak, Timestamp: now})

		// Exactly at the threshold, not above it: the observer hears
		// about each streak once, when it becomes a pattern.
		if streak == p.cfg.MissThreshold && p.notifyPattern(ctx, t, streak) {
			counts.add(func(s *TickStats) { s.Flagged++ })
			p.publish(events.TopicLifecycle, events.PatternFlagged{ID: t.ID, UserID: t.UserID, Streak: streak, Timestamp: now})
		}
	}
	return nil
}

// missStreak counts consecutive misses of the task's weekly slot,
// newest first, including the miss just recorded. Outcomes in other
// slots belong to other habits and are skipped; a done or cancelled
// occurrence in the same slot ends the run.
func (p *Poller) missStreak(ctx context.Context, t task.Task, now time.Time) int {
	slot, err := t.Slot()
	if err != nil {
		p.logger.Printf("WARNING: cannot compute slot for task %s: %v", t.ID, err)
		return 1
	}

	outcomes, err := p.store.RecentSlotOutcomes(ctx, t.UserID, now, streakScanLimit)
	if err != nil {
		p.logger.Printf("WARNING: failed to load outcome history for user %s: %v", t.UserID, err)
		return 1
	}

	streak := 0
	for _, o := range outcomes {
		os, err := task.SlotOf(o.ScheduledAt, o.Timezone)
		if err != nil || os != slot {
			continue
		}
		if o.Status != task.StatusMissed {
			break
		}
		streak++
	}
	if streak == 0 {
		// The miss claimed above is terminal even if the history read
		// missed it.
		streak = 1
	}
	return streak
}

func (p *Poller) notifyPattern(ctx context.Context, t task.Task, streak int) bool {
	if p.obs == nil {
		return false
	}
	if err := p.obs.NotifyRepeatedMiss(ctx, t.ID, t.UserID, streak); err != nil {
		p.logger.Printf("WARNING: failed to flag miss pattern for task %s: %v", t.ID, err)
		return false
	}
	return true
}

func (p *Poller) publish(topic events.Topic, ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(topic, ev)
	}
}
