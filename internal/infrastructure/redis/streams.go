package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turingfp/micropay/pkg/callback"
)

// Stream field names.
const (
	fieldEvent  = "event"
	fieldType   = "event_type"
	fieldTxn    = "transaction_id"
	fieldReason = "reason"
)

// CallbackProducer queues normalized callback events for the worker.
type CallbackProducer struct {
	client redis.Cmdable
	stream string
	dlq    string
	maxLen int64
}

func NewCallbackProducer(client redis.Cmdable, ks Keyspace, stream string) *CallbackProducer {
	return &CallbackProducer{
		client: client,
		stream: ks.key(stream),
		dlq:    ks.key(stream, "dlq"),
		maxLen: 100_000,
	}
}

// Stream returns the full stream key.
func (p *CallbackProducer) Stream() string { return p.stream }

// Publish appends ev to the stream and returns the entry id.
func (p *CallbackProducer) Publish(ctx context.Context, ev callback.Event) (string, error) {
	values, err := encodeEvent(ev)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish callback event: %w", err)
	}
	return id, nil
}

// DeadLetter moves an event that could not be applied to the DLQ stream.
func (p *CallbackProducer) DeadLetter(ctx context.Context, ev callback.Event, reason string) error {
	values, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	values[fieldReason] = reason
	if err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: p.dlq, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

// Processor implements callback.Processor by queueing events, so the HTTP
// handler acknowledges as soon as the event is durable.
func (p *CallbackProducer) Processor() callback.Processor {
	return callback.ProcessorFunc(func(ctx context.Context, ev callback.Event) error {
		_, err := p.Publish(ctx, ev)
		return err
	})
}

func encodeEvent(ev callback.Event) (map[string]any, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal callback event: %w", err)
	}
	return map[string]any{
		fieldEvent: string(payload),
		fieldType:  string(ev.Type),
		fieldTxn:   ev.TransactionID,
	}, nil
}

// Message is one stream entry decoded back into an event.
type Message struct {
	ID    string
	Event callback.Event
	// Err is set when the entry could not be decoded.
	Err error
}

// DecodeMessage converts a raw stream entry.
func DecodeMessage(m redis.XMessage) Message {
	out := Message{ID: m.ID}
	raw, ok := m.Values[fieldEvent].(string)
	if !ok {
		out.Err = fmt.Errorf("stream entry %s has no %s field", m.ID, fieldEvent)
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out.Event); err != nil {
		out.Err = fmt.Errorf("stream entry %s: %w", m.ID, err)
	}
	return out
}

// CallbackConsumer reads the callback stream as a member of a consumer
// group.
type CallbackConsumer struct {
	client        redis.Cmdable
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewCallbackConsumer(
	client redis.Cmdable,
	ks Keyspace,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *CallbackConsumer {
	return &CallbackConsumer{
		client:        client,
		stream:        ks.key(stream),
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *CallbackConsumer) Stream() string { return c.stream }

// CreateGroup creates the stream and group if they do not exist yet.
func (c *CallbackConsumer) CreateGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read blocks for up to the block duration and returns new entries.
func (c *CallbackConsumer) Read(ctx context.Context) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, DecodeMessage(m))
		}
	}
	return out, nil
}

// ClaimStale takes over entries another consumer read but did not ack
// within minIdle.
func (c *CallbackConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]Message, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DecodeMessage(m))
	}
	return out, nil
}

func (c *CallbackConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack messages: %w", err)
	}
	return nil
}
