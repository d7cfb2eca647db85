package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tasklife/nag/internal/channel"
	"github.com/tasklife/nag/internal/config"
	"github.com/tasklife/nag/internal/events"
	"github.com/tasklife/nag/internal/observer"
	"github.com/tasklife/nag/internal/ops"
	"github.com/tasklife/nag/internal/poller"
	"github.com/tasklife/nag/internal/store"
	"github.com/tasklife/nag/internal/task"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.Default()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	senders := buildSenders(cfg, logger)

	obs, closeObs := buildObserver(cfg, logger)
	defer closeObs()

	stats := ops.NewCollector(bus)
	opsSrv := ops.NewServer(cfg.HTTPAddr, st, stats, logger)

	p := poller.New(poller.Config{
		PollInterval:     cfg.PollInterval(),
		ReminderLead:     cfg.ReminderLead(),
		EscalationWindow: cfg.EscalationWindow(),
		MissThreshold:    cfg.ConsecutiveMissThreshold,
		Concurrency:      cfg.DispatchConcurrency,
		BatchLimit:       cfg.DispatchBatchLimit,
		SendTimeout:      cfg.SendTimeout(),
	}, st, senders, obs, bus, logger)

	scanner := poller.NewRecoveryScanner(poller.RecoveryConfig{
		Interval:    cfg.RecoveryInterval(),
		StaleAfter:  cfg.DispatchStaleThreshold(),
		SendTimeout: cfg.SendTimeout(),
		BatchLimit:  cfg.DispatchBatchLimit,
	}, st, senders, bus, logger)

	logger.Printf("nagd starting: poll=%s lead=%s window=%s http=%s",
		cfg.PollInterval(), cfg.ReminderLead(), cfg.EscalationWindow(), cfg.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return opsSrv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("ERROR: %v", err)
	}

	log.Println("Shutdown complete")
}

// senderFor picks the delivery mechanism for one channel: webhook when
// a URL is configured, else a local notifier command, else plain
// logging so a half-configured deployment keeps running.
func senderFor(cfg *config.Config, ch task.Channel, logger *log.Logger) channel.Sender {
	var url, command string
	switch ch {
	case task.ChannelPush:
		url, command = cfg.PushWebhookURL, cfg.PushCommand
	case task.ChannelSecondary:
		url, command = cfg.SecondaryWebhookURL, cfg.SecondaryCommand
	case task.ChannelCall:
		url, command = cfg.CallWebhookURL, cfg.CallCommand
	}

	if url != "" {
		return channel.NewWebhookSender(url, ch, cfg.SendTimeout())
	}
	if command != "" {
		s, err := channel.NewCommandSender(strings.Fields(command), ch)
		if err == nil {
			return s
		}
		logger.Printf("ERROR: bad %s command %q: %v", ch, command, err)
	}
	logger.Printf("WARNING: channel %s delivers to the log only", ch)
	return channel.NewLogSender(ch, logger)
}

// buildSenders wires every ladder channel behind its circuit breaker.
// The poller and the recovery scanner share the returned map, so both
// see the same breaker state.
func buildSenders(cfg *config.Config, logger *log.Logger) map[task.Channel]channel.Sender {
	breakers := channel.NewBreakerRegistry(logger)
	senders := make(map[task.Channel]channel.Sender, len(task.Stages))
	for _, st := range task.Stages {
		ch := st.Channel()
		senders[ch] = breakers.Wrap(string(ch), senderFor(cfg, ch, logger))
	}
	return senders
}

// buildObserver picks the miss-pattern sink and returns a release func
// for shutdown. Both sinks sit behind the retry supervisor.
func buildObserver(cfg *config.Config, logger *log.Logger) (observer.Observer, func()) {
	if cfg.KafkaBrokers != "" {
		k := observer.NewKafkaObserver(cfg.KafkaBrokers, cfg.KafkaMissTopic)
		logger.Printf("miss patterns stream to kafka topic %q", cfg.KafkaMissTopic)
		return observer.Supervise(k, observer.DefaultRetryConfig()), func() {
			if err := k.Close(); err != nil {
				logger.Printf("WARNING: failed to close kafka writer: %v", err)
			}
		}
	}
	return observer.Supervise(observer.NewLogObserver(logger), observer.DefaultRetryConfig()), func() {}
}
