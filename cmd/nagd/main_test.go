package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/tasklife/nag/internal/channel"
	"github.com/tasklife/nag/internal/config"
	"github.com/tasklife/nag/internal/task"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestSenderForPrecedence(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PushWebhookURL = "https://push.example.com/send"
	cfg.PushCommand = "notify-push --user"
	cfg.SecondaryCommand = "notify-send"

	logger := quietLogger()

	if _, ok := senderFor(cfg, task.ChannelPush, logger).(*channel.WebhookSender); !ok {
		t.Error("push should use the webhook when a URL is set")
	}
	if _, ok := senderFor(cfg, task.ChannelSecondary, logger).(*channel.CommandSender); !ok {
		t.Error("secondary should fall back to its command")
	}
	if _, ok := senderFor(cfg, task.ChannelCall, logger).(*channel.LogSender); !ok {
		t.Error("call should fall back to log delivery")
	}
}

func TestBuildSendersCoversLadder(t *testing.T) {
	senders := buildSenders(config.DefaultConfig(), quietLogger())

	for _, st := range task.Stages {
		if senders[st.Channel()] == nil {
			t.Errorf("no sender wired for channel %s", st.Channel())
		}
	}
	if _, ok := senders[task.ChannelAutoMiss]; ok {
		t.Error("auto_miss must not have a sender; nothing is dispatched for it")
	}
}

func TestBuildObserverSelection(t *testing.T) {
	logger := quietLogger()

	obs, closeObs := buildObserver(config.DefaultConfig(), logger)
	if obs == nil {
		t.Fatal("expected a log-backed observer")
	}
	closeObs()

	cfg := config.DefaultConfig()
	cfg.KafkaBrokers = "localhost:9092"
	kobs, closeKafka := buildObserver(cfg, logger)
	if kobs == nil {
		t.Fatal("expected a kafka-backed observer")
	}
	// Closing without having written must not error or block.
	closeKafka()
}

// TestSignalContextCancellation verifies that signal.NotifyContext
// produces a context that cancels when a signal is received, which is
// what the daemon's whole shutdown path hangs off.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
