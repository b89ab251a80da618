// README: Notification sink publishing match events to Kafka for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultKafkaTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier keys every event by user id so one user's events stay ordered.
type KafkaNotifier struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaNotifier{writer: w, timeout: defaultKafkaTimeout}
}

type event struct {
	Notification
	At time.Time `json:"at"`
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(event{Notification: n, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
}

func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
