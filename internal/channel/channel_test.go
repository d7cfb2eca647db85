package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tasklife/nag/internal/task"
)

func sampleTask() task.Task {
	at := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	return task.Task{
		ID:              "task-9",
		UserID:          "user-3",
		Title:           "stretch break",
		DurationMinutes: 10,
		ScheduledAt:     &at,
	}
}

func TestWebhookSenderPostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("payload not json: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"prov-1"}`))
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, task.ChannelPush, 2*time.Second)
	id, err := s.Send(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "prov-1" {
		t.Errorf("external id = %q, want prov-1", id)
	}
	if got.TaskID != "task-9" || got.UserID != "user-3" || got.Channel != "push" {
		t.Errorf("payload fields: %+v", got)
	}
	if got.ScheduledAt != "2026-03-02T12:00:00Z" {
		t.Errorf("scheduled_at = %q", got.ScheduledAt)
	}
}

func TestWebhookSenderGeneratesIDForOpaqueBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, task.ChannelSecondary, 2*time.Second)
	id, err := s.Send(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Error("expected a generated external id")
	}
}

func TestWebhookSenderRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, task.ChannelCall, 2*time.Second)
	_, err := s.Send(context.Background(), sampleTask())
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestCommandSenderReadsFirstLine(t *testing.T) {
	s, err := NewCommandSender([]string{"sh", "-c", "cat >/dev/null; echo cmd-123"}, task.ChannelPush)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Send(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "cmd-123" {
		t.Errorf("external id = %q, want cmd-123", id)
	}
}

func TestCommandSenderReportsExit(t *testing.T) {
	s, err := NewCommandSender([]string{"sh", "-c", "echo boom >&2; exit 3"}, task.ChannelPush)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Send(context.Background(), sampleTask()); err == nil {
		t.Fatal("expected error for failing command")
	}
}

func TestCommandSenderNeedsArgv(t *testing.T) {
	if _, err := NewCommandSender(nil, task.ChannelPush); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

type stubSender struct {
	id    string
	err   error
	calls int
}

func (s *stubSender) Send(context.Context, task.Task) (string, error) {
	s.calls++
	return s.id, s.err
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewBreakerRegistry(log.New(io.Discard, "", 0))
	inner := &stubSender{err: errors.New("provider down")}
	s := reg.Wrap("push", inner)

	for i := 0; i < 5; i++ {
		if _, err := s.Send(context.Background(), sampleTask()); err == nil {
			t.Fatalf("send %d: expected failure", i)
		}
	}
	if inner.calls != 5 {
		t.Fatalf("inner sender called %d times, want 5", inner.calls)
	}

	// Sixth call: the circuit is open, the provider is not touched.
	_, err := s.Send(context.Background(), sampleTask())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if inner.calls != 5 {
		t.Errorf("open breaker still reached the provider (%d calls)", inner.calls)
	}
}

func TestBreakerPassesSuccessThrough(t *testing.T) {
	reg := NewBreakerRegistry(log.New(io.Discard, "", 0))
	s := reg.Wrap("secondary", &stubSender{id: "ok-1"})

	id, err := s.Send(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "ok-1" {
		t.Errorf("external id = %q, want ok-1", id)
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(task.ChannelPush, log.New(io.Discard, "", 0))
	id, err := s.Send(context.Background(), sampleTask())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Error("expected generated external id")
	}
}
