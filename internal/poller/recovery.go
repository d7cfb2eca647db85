package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tasklife/nag/internal/channel"
	"github.com/tasklife/nag/internal/events"
	"github.com/tasklife/nag/internal/store"
	"github.com/tasklife/nag/internal/task"
)

// RecoveryConfig tunes the crash recovery scanner.
type RecoveryConfig struct {
	Interval    time.Duration // time between scans (default 2m)
	StaleAfter  time.Duration // pending age that counts as crash evidence (default 10m)
	SendTimeout time.Duration // per-send deadline (default 10s)
	BatchLimit  int           // max stale rows handled per scan (default 100)
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

// RecoveryScanner re-drives dispatch ledger rows left pending by a
// crash between the ledger insert and the finalize. It only touches
// rows older than the staleness horizon, so it never races a live
// in-flight send, and it claims each row before acting so overlapping
// scanners do not double-retry.
type RecoveryScanner struct {
	cfg     RecoveryConfig
	store   store.Store
	senders map[task.Channel]channel.Sender
	bus     *events.Bus
	logger  *log.Logger
	clock   func() time.Time
}

// NewRecoveryScanner creates a scanner over the same store and senders
// the poller uses.
func NewRecoveryScanner(cfg RecoveryConfig, st store.Store, senders map[task.Channel]channel.Sender, bus *events.Bus, logger *log.Logger) *RecoveryScanner {
	if logger == nil {
		logger = log.Default()
	}
	return &RecoveryScanner{
		cfg:     cfg.withDefaults(),
		store:   st,
		senders: senders,
		bus:     bus,
		logger:  logger,
		clock:   time.Now,
	}
}

// Run scans until ctx is cancelled.
func (r *RecoveryScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := r.ScanOnce(ctx, r.clock()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Printf("ERROR: recovery scan failed: %v", err)
			} else if n > 0 {
				r.logger.Printf("WARNING: recovered %d stale dispatches", n)
			}
		}
	}
}

// ScanOnce retries every claimable stale pending row and returns how
// many rows it acted on.
func (r *RecoveryScanner) ScanOnce(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(-r.cfg.StaleAfter)
	stale, err := r.store.StalePending(ctx, horizon, r.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale dispatches: %w", err)
	}

	retried := 0
	for _, rec := range stale {
		won, err := r.store.ClaimRetry(ctx, rec.ID, horizon, now)
		if err != nil {
			r.logger.Printf("ERROR: failed to claim retry for dispatch %s: %v", rec.ID, err)
			continue
		}
		if !won {
			// Another scanner got the row first.
			continue
		}
		retried++
		r.retry(ctx, rec, now)
	}
	return retried, nil
}

// retry drives one claimed ledger row to a final state. The retry is
// at-least-once: if the original send went out just before the crash,
// the user hears twice, which beats never.
func (r *RecoveryScanner) retry(ctx context.Context, rec store.DispatchRecord, now time.Time) {
	t, err := r.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.fail(ctx, rec, now, "task no longer exists")
			return
		}
		// Transient store trouble. The row stays pending and the next
		// scan picks it up again.
		r.logger.Printf("ERROR: failed to load task %s for dispatch %s: %v", rec.TaskID, rec.ID, err)
		return
	}

	sender, ok := r.senders[rec.Channel]
	if !ok {
		r.fail(ctx, rec, now, fmt.Sprintf("no sender registered for channel %s", rec.Channel))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	externalID, err := sender.Send(sendCtx, *t)
	cancel()
	if err != nil {
		r.logger.Printf("WARNING: recovery %s send for task %s failed: %v", rec.Channel, rec.TaskID, err)
		r.fail(ctx, rec, now, err.Error())
		return
	}

	if err := r.store.MarkDispatched(ctx, rec.ID, externalID, r.clock()); err != nil {
		r.logger.Printf("ERROR: failed to finalize recovered dispatch %s: %v", rec.ID, err)
		return
	}
	r.publish(events.RecoveryRetried{ID: rec.TaskID, LogID: rec.ID, Channel: rec.Channel, OK: true, Timestamp: now})
}

func (r *RecoveryScanner) fail(ctx context.Context, rec store.DispatchRecord, now time.Time, reason string) {
	if err := r.store.MarkFailed(ctx, rec.ID, reason, r.clock()); err != nil {
		r.logger.Printf("ERROR: failed to mark dispatch %s failed: %v", rec.ID, err)
		return
	}
	r.publish(events.RecoveryRetried{ID: rec.TaskID, LogID: rec.ID, Channel: rec.Channel, OK: false, Timestamp: now})
}

func (r *RecoveryScanner) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(events.TopicDispatch, ev)
	}
}
