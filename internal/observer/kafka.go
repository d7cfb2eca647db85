package observer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// MissMessage is the queue record for one threshold crossing.
// ObservedAt is UTC epoch milliseconds.
type MissMessage struct {
	TaskID      string `json:"task_id"`
	UserID      string `json:"user_id"`
	Consecutive int    `json:"consecutive_misses"`
	ObservedAt  int64  `json:"observed_at"`
}

// KafkaObserver publishes miss patterns to a Kafka topic so downstream
// consumers (goal review, coaching) pick them up durably.
type KafkaObserver struct {
	writer  *kgo.Writer
	timeout time.Duration
}

func NewKafkaObserver(brokersCSV, topic string) *KafkaObserver {
	w := &kgo.Writer{
		Addr:         kgo.TCP(splitCSV(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaObserver{
		writer: w,
		// small timeout so a down broker doesn't stall the poll loop
		timeout: 3 * time.Second,
	}
}

func (o *KafkaObserver) NotifyRepeatedMiss(ctx context.Context, taskID, userID string, consecutive int) error {
	b, err := json.Marshal(MissMessage{
		TaskID:      taskID,
		UserID:      userID,
		Consecutive: consecutive,
		ObservedAt:  time.Now().UTC().UnixMilli(),
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	return o.writer.WriteMessages(cctx, kgo.Message{
		// keyed by user so one user's patterns stay ordered
		Key:   []byte(userID),
		Value: b,
		Time:  time.Now(),
	})
}

func (o *KafkaObserver) Close() error { return o.writer.Close() }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
