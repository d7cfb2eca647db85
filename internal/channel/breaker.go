package channel

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tasklife/nag/internal/task"
)

// BreakerRegistry manages per-channel circuit breakers. A provider that
// keeps failing is cut off for a cooldown instead of being hammered on
// every poll tick; the fast failures it produces are recorded in the
// dispatch ledger like any other send error, and the time-based ladder
// still moves the task forward.
type BreakerRegistry struct {
	mu       sync.Mutex
	logger   *log.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerRegistry(logger *log.Logger) *BreakerRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &BreakerRegistry{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given channel name.
// Creates a new one if it doesn't exist.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip circuit after 5 consecutive failures
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Printf("WARNING: circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Don't count caller cancellation as provider failure
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[name] = cb
	return cb
}

// Wrap guards a Sender with the named breaker. While the breaker is
// open, Send fails immediately without reaching the provider.
func (r *BreakerRegistry) Wrap(name string, next Sender) Sender {
	return &breakerSender{cb: r.Get(name), next: next}
}

type breakerSender struct {
	cb   *gobreaker.CircuitBreaker
	next Sender
}

func (b *breakerSender) Send(ctx context.Context, t task.Task) (string, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, t)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
