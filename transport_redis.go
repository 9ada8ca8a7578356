package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
)

type (
	// RedisTransport publishes outbound messages to Redis streams, one per
	// category, and consumes them through consumer groups. A delivery that
	// is not acknowledged is reclaimed by another consumer after MinIdle
	RedisTransport struct {
		client   *redis.Client
		consume  *redis.Script
		prefix   string
		consumer string
		MinIdle  time.Duration
	}

	// DeliveryHandler handles one message received from a transport
	DeliveryHandler func(context.Context, *Delivery) error
)

const (
	outboxKeyPart  = ":outbox:"
	outboxGroup    = "ledger"
	payloadField   = "payload"
	streamField    = "stream"
	DefaultMinIdle = 30 * time.Second
)

// ErrDeliveryMalformed indicates a transport entry could not be decoded
var ErrDeliveryMalformed = errors.New("delivery malformed")

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport returns a RedisTransport storing its streams under
// prefix. Each instance consumes under its own generated consumer name
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{
		client:   client,
		consume:  redis.NewScript(luaConsumeOutbox),
		prefix:   prefix,
		consumer: "consumer-" + gonanoid.Must(),
		MinIdle:  DefaultMinIdle,
	}
}

// Publish implements Transport. The delivery id is the Redis stream entry id
func (t *RedisTransport) Publish(
	ctx context.Context, stream string, msg *Message,
) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.key(CategoryOf(stream)),
		Values: map[string]any{
			streamField:  stream,
			payloadField: string(data),
		},
	}).Result()
}

// Poll receives one delivery of category, waiting up to timeout, and passes
// it to handler. If handler succeeds the entry is acknowledged and deleted.
// Deliveries left pending by failed consumers are recovered first
func (t *RedisTransport) Poll(
	ctx context.Context, category string, timeout time.Duration,
	handler DeliveryHandler,
) error {
	if handler == nil {
		return errors.New("delivery handler is required")
	}

	key := t.key(category)
	if err := t.ensureGroup(ctx, key); err != nil {
		return err
	}

	rec, err := t.recover(ctx, key, handler)
	if err != nil || rec {
		return err
	}

	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    outboxGroup,
		Consumer: t.consumer,
		Streams:  []string{key, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil
	}
	return t.handle(ctx, key, streams[0].Messages[0], handler)
}

func (t *RedisTransport) recover(
	ctx context.Context, key string, handler DeliveryHandler,
) (bool, error) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    outboxGroup,
		Consumer: t.consumer,
		MinIdle:  t.MinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	return true, t.handle(ctx, key, msgs[0], handler)
}

func (t *RedisTransport) handle(
	ctx context.Context, key string, entry redis.XMessage,
	handler DeliveryHandler,
) error {
	d, err := parseDelivery(entry)
	if err != nil {
		// nothing will ever decode it, so it leaves the group
		if cerr := t.consumeEntry(ctx, key, entry.ID); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	if err := handler(ctx, d); err != nil {
		return err
	}
	return t.consumeEntry(ctx, key, entry.ID)
}

func (t *RedisTransport) consumeEntry(
	ctx context.Context, key, id string,
) error {
	return t.consume.Run(
		ctx, t.client, []string{key}, outboxGroup, id,
	).Err()
}

func (t *RedisTransport) ensureGroup(ctx context.Context, key string) error {
	err := t.client.XGroupCreateMkStream(ctx, key, outboxGroup, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (t *RedisTransport) key(category string) string {
	return t.prefix + outboxKeyPart + category
}

func parseDelivery(entry redis.XMessage) (*Delivery, error) {
	payload, ok := fieldString(entry.Values[payloadField])
	if !ok {
		return nil, ErrDeliveryMalformed
	}
	stream, ok := fieldString(entry.Values[streamField])
	if !ok {
		return nil, ErrDeliveryMalformed
	}
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeliveryMalformed, err)
	}
	return &Delivery{ID: entry.ID, Stream: stream, Message: &msg}, nil
}

func fieldString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
