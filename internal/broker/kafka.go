package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrPoison marks a message that can never be handled; it is committed without retries
var ErrPoison = errors.New("poison message")

// Headers added to a message forwarded to a dead-letter topic
const (
	HeaderSourceTopic     = "x-source-topic"
	HeaderSourcePartition = "x-source-partition"
	HeaderSourceOffset    = "x-source-offset"
	HeaderError           = "x-error"
	HeaderAttempts        = "x-attempts"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return newProducer(writer, topic)
}

func newProducer(w messageWriter, topic string) *Producer {
	return &Producer{writer: w, topic: topic, logger: util.Named("producer")}
}

// PublishEvent publishes an event to Kafka. Events sharing a key land on one
// partition, so per-order ordering holds.
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		util.EventsPublishedTotal.WithLabelValues(p.topic, "error").Inc()
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	util.EventsPublishedTotal.WithLabelValues(p.topic, "ok").Inc()
	p.logger.Debug("Published event",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.String("type", fmt.Sprintf("%T", event)))
	return nil
}

// Forward writes a consumed message to this producer's topic with its key and
// value intact. The headers record where it came from and why it was given up on.
func (p *Producer) Forward(ctx context.Context, msg kafka.Message, reason error, attempts int) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
	)
	if reason != nil {
		headers = append(headers, kafka.Header{Key: HeaderError, Value: []byte(reason.Error())})
	}

	out := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		util.EventsPublishedTotal.WithLabelValues(p.topic, "error").Inc()
		return fmt.Errorf("failed to forward message to %s: %w", p.topic, err)
	}

	util.EventsPublishedTotal.WithLabelValues(p.topic, "ok").Inc()
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader      messageReader
	topic       string
	maxAttempts int
	backoff     time.Duration
	deadLetter  *Producer
	logger      *zap.Logger
}

// NewConsumer creates a new Kafka consumer. A message whose handler keeps failing
// is retried up to maxAttempts times, then handed to the dead-letter producer if
// one is set, and committed.
func NewConsumer(brokers []string, topic, groupID string, maxAttempts int) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return newConsumer(reader, topic, maxAttempts, 500*time.Millisecond)
}

func newConsumer(r messageReader, topic string, maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{
		reader:      r,
		topic:       topic,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      util.Named("consumer").With(zap.String("topic", topic)),
	}
}

// WithDeadLetter makes the consumer forward exhausted messages to p before
// committing them.
func (c *Consumer) WithDeadLetter(p *Producer) *Consumer {
	c.deadLetter = p
	return c
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming starts consuming messages with a handler. It returns when ctx is done.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			c.logger.Warn("Error fetching message", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		if err := c.process(ctx, msg, handler); err != nil {
			// only a cancelled context ends processing early; leave the offset uncommitted
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// process runs handler with retries. It returns an error only when ctx ends first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			util.ConsumerMessagesTotal.WithLabelValues(c.topic, "ok").Inc()
			return nil
		}

		fields := []zap.Field{
			zap.String("key", string(msg.Key)),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}

		if errors.Is(err, ErrPoison) {
			util.ConsumerMessagesTotal.WithLabelValues(c.topic, "poison").Inc()
			c.logger.Error("Dropping poison message", fields...)
			return nil
		}
		if attempt >= c.maxAttempts {
			if c.deadLetter != nil {
				return c.forward(ctx, msg, err, attempt, fields)
			}
			util.ConsumerMessagesTotal.WithLabelValues(c.topic, "exhausted").Inc()
			c.logger.Error("Giving up on message after retries", fields...)
			return nil
		}

		c.logger.Warn("Error handling message, retrying", fields...)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
}

// forward keeps trying the dead-letter write until it lands or ctx ends. The
// offset is committed only after the message is safe on the dead-letter topic.
func (c *Consumer) forward(ctx context.Context, msg kafka.Message, reason error, attempts int, fields []zap.Field) error {
	delay := c.backoff
	for {
		err := c.deadLetter.Forward(ctx, msg, reason, attempts)
		if err == nil {
			util.ConsumerMessagesTotal.WithLabelValues(c.topic, "dead_lettered").Inc()
			c.logger.Error("Moved message to dead-letter topic after retries",
				append(fields, zap.String("dead_letter_topic", c.deadLetter.topic))...)
			return nil
		}

		c.logger.Warn("Dead-letter write failed, retrying", append(fields, zap.NamedError("forward_error", err))...)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// Drain handles messages once each until ctx ends, and returns how many were
// handled. It stops at the first handler failure and leaves that message
// uncommitted. Poison messages are committed and skipped.
func (c *Consumer) Drain(ctx context.Context, handler MessageHandler) (int, error) {
	n := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, fmt.Errorf("failed to fetch message: %w", err)
		}

		fields := []zap.Field{
			zap.String("key", string(msg.Key)),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		}

		if err := handler(ctx, msg); err != nil {
			if !errors.Is(err, ErrPoison) {
				util.ConsumerMessagesTotal.WithLabelValues(c.topic, "error").Inc()
				return n, fmt.Errorf("message at offset %d: %w", msg.Offset, err)
			}
			util.ConsumerMessagesTotal.WithLabelValues(c.topic, "poison").Inc()
			c.logger.Error("Dropping poison message", append(fields, zap.Error(err))...)
		} else {
			util.ConsumerMessagesTotal.WithLabelValues(c.topic, "ok").Inc()
			n++
		}

		// the handler's work is done; a deadline must not lose the commit
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			return n, fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
