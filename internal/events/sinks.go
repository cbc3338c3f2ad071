package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"attendguard/internal/queue"
)

// QueueSink forwards events to the worker queue.
type QueueSink struct {
	q queue.Queue
}

// NewQueueSink wraps q.
func NewQueueSink(q queue.Queue) *QueueSink { return &QueueSink{q: q} }

func (s *QueueSink) Emit(ctx context.Context, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return s.q.Publish(ctx, queue.Message{Type: string(e.Type), Body: body})
}

// FromMessage decodes an event taken off the queue.
func FromMessage(m queue.Message) (Event, error) {
	return Decode(m.Body)
}

// kafkaWriter is the subset of *kafka.Writer the sink needs.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends events to an audit topic, keyed by session so one
// session's events stay ordered within a partition.
type KafkaSink struct {
	w kafkaWriter
}

// NewKafkaSink builds a writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
	}
	return &KafkaSink{w: w}, nil
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.SessionID),
		Value: body,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error { return s.w.Close() }

// amqpPublisher is the subset of *amqp.Channel the sink needs.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events to a topic exchange with the event type as the
// routing key, for the notification collaborator.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
}

// DialAMQP connects and declares exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", exchange, err)
	}
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Emit(ctx context.Context, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, s.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    e.ID,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
	})
}

// Close releases the channel and connection.
func (s *AMQPSink) Close() error {
	_ = s.ch.Close()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
