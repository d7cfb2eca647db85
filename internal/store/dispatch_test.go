package store

import (
	"context"
	"errors"
	"testing"

	"github.com/tasklife/nag/internal/task"
)

func TestDispatchLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scheduled := at(9, 0)
	seedTask(t, s, &task.Task{ID: "t-1", ScheduledAt: &scheduled})

	logID, err := s.InsertPending(ctx, "t-1", task.ChannelPush, at(8, 50))
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	rec, err := s.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if rec.Status != DispatchPending {
		t.Errorf("Status = %s, want pending before the send", rec.Status)
	}
	if rec.Channel != task.ChannelPush || rec.TaskID != "t-1" {
		t.Errorf("row fields mismatch: %+v", rec)
	}
	if rec.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rec.Attempts)
	}

	if err := s.MarkDispatched(ctx, logID, "prov-123", at(8, 50)); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	rec, err = s.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if rec.Status != DispatchDispatched || rec.ExternalID != "prov-123" {
		t.Errorf("after success: %+v", rec)
	}
	if rec.DispatchedAt == nil {
		t.Error("DispatchedAt must be recorded")
	}
}

func TestDispatchFailureIsFinal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scheduled := at(9, 0)
	seedTask(t, s, &task.Task{ID: "t-2", ScheduledAt: &scheduled})

	logID, err := s.InsertPending(ctx, "t-2", task.ChannelSecondary, at(9, 15))
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if err := s.MarkFailed(ctx, logID, "provider returned 503", at(9, 15)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	rec, err := s.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if rec.Status != DispatchFailed || rec.Error != "provider returned 503" {
		t.Errorf("after failure: %+v", rec)
	}

	// Failed rows are not crash evidence and must not be picked up by
	// the recovery query.
	stale, err := s.StalePending(ctx, at(23, 59), 10)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("failed rows leaked into stale scan: %+v", stale)
	}
}

func TestInsertDispatchedSkipsPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scheduled := at(9, 0)
	seedTask(t, s, &task.Task{ID: "t-3", ScheduledAt: &scheduled})

	logID, err := s.InsertDispatched(ctx, "t-3", task.ChannelAutoMiss, "auto-missed", at(10, 45))
	if err != nil {
		t.Fatalf("InsertDispatched: %v", err)
	}
	rec, err := s.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if rec.Status != DispatchDispatched {
		t.Errorf("Status = %s, want dispatched ledger row", rec.Status)
	}
	if rec.Channel != task.ChannelAutoMiss {
		t.Errorf("Channel = %s, want auto_miss", rec.Channel)
	}
	if rec.DispatchedAt == nil {
		t.Error("DispatchedAt must be set on insert")
	}
}

func TestStalePendingPicksOnlyAgedRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scheduled := at(9, 0)
	seedTask(t, s, &task.Task{ID: "t-4", ScheduledAt: &scheduled})

	oldID, err := s.InsertPending(ctx, "t-4", task.ChannelPush, at(8, 0))
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if _, err := s.InsertPending(ctx, "t-4", task.ChannelCall, at(9, 55)); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	stale, err := s.StalePending(ctx, at(9, 50), 10)
	if err != nil {
		t.Fatalf("StalePending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != oldID {
		t.Errorf("stale rows: got %d, want only the aged one", len(stale))
	}
}

func TestClaimRetryOverlapSafe(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scheduled := at(9, 0)
	seedTask(t, s, &task.Task{ID: "t-5", ScheduledAt: &scheduled})

	logID, err := s.InsertPending(ctx, "t-5", task.ChannelPush, at(8, 0))
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	// Two overlapping scanner runs compute the same staleness horizon;
	// only the first may take the row.
	notSince := at(9, 50)
	won, err := s.ClaimRetry(ctx, logID, notSince, at(10, 0))
	if err != nil {
		t.Fatalf("ClaimRetry: %v", err)
	}
	if !won {
		t.Fatal("first retry claim should win")
	}
	won, err = s.ClaimRetry(ctx, logID, notSince, at(10, 0))
	if err != nil {
		t.Fatalf("ClaimRetry: %v", err)
	}
	if won {
		t.Error("second overlapping retry claim must lose")
	}

	rec, err := s.GetDispatch(ctx, logID)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if rec.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 after one retry", rec.Attempts)
	}

	// Once enough time passes the row becomes claimable again.
	won, err = s.ClaimRetry(ctx, logID, at(10, 30), at(10, 40))
	if err != nil {
		t.Fatalf("ClaimRetry: %v", err)
	}
	if !won {
		t.Error("retry claim should win again after the horizon moves")
	}
}

func TestMarkDispatchNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.MarkDispatched(ctx, "nope", "x", at(9, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDispatched on missing row: got %v, want ErrNotFound", err)
	}
	if err := s.MarkFailed(ctx, "nope", "x", at(9, 0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFailed on missing row: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetDispatch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDispatch on missing row: got %v, want ErrNotFound", err)
	}
}

func TestDispatchesForTaskOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scheduled := at(9, 0)
	seedTask(t, s, &task.Task{ID: "t-6", ScheduledAt: &scheduled})

	first, err := s.InsertPending(ctx, "t-6", task.ChannelPush, at(8, 50))
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	second, err := s.InsertPending(ctx, "t-6", task.ChannelSecondary, at(9, 15))
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	recs, err := s.DispatchesForTask(ctx, "t-6")
	if err != nil {
		t.Fatalf("DispatchesForTask: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d rows, want 2", len(recs))
	}
	if recs[0].ID != first || recs[1].ID != second {
		t.Errorf("rows out of order: %s then %s", recs[0].ID, recs[1].ID)
	}
}
