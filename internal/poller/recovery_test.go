package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/tasklife/nag/internal/events"
	"github.com/tasklife/nag/internal/store"
	"github.com/tasklife/nag/internal/task"
)

func newScanner(f *fixture, cfg RecoveryConfig) *RecoveryScanner {
	return NewRecoveryScanner(cfg, f.store, f.senders(), f.bus, log.New(io.Discard, "", 0))
}

func TestRecoveryRedrivesStalePending(t *testing.T) {
	f := newFixture(t, Config{})
	sc := newScanner(f, RecoveryConfig{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	dispatches := f.bus.Subscribe(events.TopicDispatch, 16)

	scheduled := monday
	seed(t, f.store, &task.Task{ID: "crashed", ScheduledAt: &scheduled})

	// Inserted half an hour ago and never finalized: the process died
	// between the insert and the send outcome.
	logID, err := f.store.InsertPending(ctx, "crashed", task.ChannelPush, monday.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("failed to insert pending row: %v", err)
	}

	// A send still in flight: too fresh to touch.
	freshID, err := f.store.InsertPending(ctx, "crashed", task.ChannelSecondary, monday.Add(-time.Minute))
	if err != nil {
		t.Fatalf("failed to insert pending row: %v", err)
	}

	n, err := sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered row, got %d", n)
	}
	if f.push.count() != 1 || f.secondary.count() != 0 {
		t.Fatalf("expected only the stale push to be resent, got push=%d secondary=%d", f.push.count(), f.secondary.count())
	}

	rec, err := f.store.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("failed to get dispatch: %v", err)
	}
	if rec.Status != store.DispatchDispatched || rec.ExternalID != "push-1" {
		t.Fatalf("unexpected recovered row: %+v", rec)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.Attempts)
	}

	fresh, err := f.store.GetDispatch(ctx, freshID)
	if err != nil {
		t.Fatalf("failed to get dispatch: %v", err)
	}
	if fresh.Status != store.DispatchPending || fresh.Attempts != 1 {
		t.Fatalf("fresh pending row must be left alone: %+v", fresh)
	}

	var recovered *events.RecoveryRetried
	for _, ev := range collectEvents(dispatches) {
		if r, ok := ev.(events.RecoveryRetried); ok {
			recovered = &r
		}
	}
	if recovered == nil {
		t.Fatal("expected a RecoveryRetried event")
	}
	if !recovered.OK || recovered.LogID != logID {
		t.Fatalf("unexpected RecoveryRetried event: %+v", recovered)
	}

	// The row is final now; a second scan has nothing to do.
	n, err = sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("second scan must be a no-op, got %d", n)
	}
}

func TestRecoveryFailedRetryIsFinal(t *testing.T) {
	f := newFixture(t, Config{})
	sc := newScanner(f, RecoveryConfig{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	f.push.fail(errors.New("still down"))

	scheduled := monday
	seed(t, f.store, &task.Task{ID: "crashed", ScheduledAt: &scheduled})
	logID, err := f.store.InsertPending(ctx, "crashed", task.ChannelPush, monday.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("failed to insert pending row: %v", err)
	}

	n, err := sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 retried row, got %d", n)
	}

	rec, err := f.store.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("failed to get dispatch: %v", err)
	}
	if rec.Status != store.DispatchFailed || rec.Error != "still down" {
		t.Fatalf("expected a failed row, got %+v", rec)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.Attempts)
	}

	// Failed rows are an outcome; they are not retried again.
	n, err = sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed rows must not be rescanned, got %d", n)
	}
}

// orphanStore pretends the task behind every ledger row is gone.
type orphanStore struct {
	store.Store
}

func (o *orphanStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
}

func TestRecoveryMissingTaskMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	scheduled := monday
	seed(t, f.store, &task.Task{ID: "gone", ScheduledAt: &scheduled})
	logID, err := f.store.InsertPending(ctx, "gone", task.ChannelPush, monday.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("failed to insert pending row: %v", err)
	}

	sc := NewRecoveryScanner(RecoveryConfig{StaleAfter: 10 * time.Minute}, &orphanStore{Store: f.store}, f.senders(), nil, log.New(io.Discard, "", 0))
	n, err := sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 handled row, got %d", n)
	}
	if f.push.count() != 0 {
		t.Fatal("must not send for a task that no longer exists")
	}

	rec, err := f.store.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("failed to get dispatch: %v", err)
	}
	if rec.Status != store.DispatchFailed || !strings.Contains(rec.Error, "no longer exists") {
		t.Fatalf("unexpected row: %+v", rec)
	}
}

// slowStore fails task reads with a transient error.
type slowStore struct {
	store.Store
}

func (s *slowStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return nil, errors.New("connection reset")
}

func TestRecoveryTransientFetchLeavesPending(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	scheduled := monday
	seed(t, f.store, &task.Task{ID: "crashed", ScheduledAt: &scheduled})
	logID, err := f.store.InsertPending(ctx, "crashed", task.ChannelPush, monday.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("failed to insert pending row: %v", err)
	}

	sc := NewRecoveryScanner(RecoveryConfig{StaleAfter: 10 * time.Minute}, &slowStore{Store: f.store}, f.senders(), nil, log.New(io.Discard, "", 0))
	n, err := sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the row to be claimed, got %d", n)
	}

	rec, err := f.store.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("failed to get dispatch: %v", err)
	}
	if rec.Status != store.DispatchPending {
		t.Fatalf("transient failure must leave the row pending, got %s", rec.Status)
	}

	// The retry claim moved last_attempt_at forward, so an immediately
	// overlapping scan loses the claim and leaves the row alone.
	n, err = sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("overlapping scan failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("overlapping scan must not double-claim, got %d", n)
	}
	if f.push.count() != 0 {
		t.Fatal("no send should have happened")
	}
}

func TestRecoveryUnknownChannelMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	sc := newScanner(f, RecoveryConfig{StaleAfter: 10 * time.Minute})
	ctx := context.Background()

	scheduled := monday
	seed(t, f.store, &task.Task{ID: "odd", ScheduledAt: &scheduled})
	logID, err := f.store.InsertPending(ctx, "odd", task.ChannelAutoMiss, monday.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("failed to insert pending row: %v", err)
	}

	n, err := sc.ScanOnce(ctx, monday)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 handled row, got %d", n)
	}

	rec, err := f.store.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("failed to get dispatch: %v", err)
	}
	if rec.Status != store.DispatchFailed || !strings.Contains(rec.Error, "no sender") {
		t.Fatalf("unexpected row: %+v", rec)
	}
}

func TestRecoveryRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{})
	sc := newScanner(f, RecoveryConfig{Interval: 10 * time.Millisecond, StaleAfter: 10 * time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sc.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
