// Package redis publishes AMM events on Redis: every event goes to a pub/sub channel
// and durable history (trades, parlays, closed rounds) is appended to a capped stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

const defaultStreamMaxLen int64 = 10000

type Config struct {
	Addr     string
	Password string
	DB       int

	Channel      string
	Stream       string
	StreamMaxLen int64
}

// Envelope is the wire form of an event on the channel and the stream.
type Envelope struct {
	Type      domain.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// StreamEntry is one replayed stream record.
type StreamEntry struct {
	ID       string
	Envelope Envelope
}

// Bus is an events sink backed by Redis.
type Bus struct {
	rdb     *redis.Client
	channel string
	stream  string
	maxLen  int64
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, cfg Config) *Bus {
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &Bus{rdb: rdb, channel: cfg.Channel, stream: cfg.Stream, maxLen: maxLen}
}

func (b *Bus) Close() error { return b.rdb.Close() }

// Encode wraps ev in an Envelope.
func Encode(ev domain.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal %s event: %w", ev.EventType(), err)
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Timestamp: ev.OccurredAt(), Data: data})
}

// Durable reports whether ev belongs on the stream.
func Durable(ev domain.Event) bool {
	switch e := ev.(type) {
	case domain.TradeEvent, domain.ParlayEvent:
		return true
	case domain.RoundEvent:
		return e.Phase == "closed"
	default:
		return false
	}
}

// Publish implements events.Sink.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if b.channel != "" {
		if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
			return fmt.Errorf("redis: publish %s: %w", b.channel, err)
		}
	}
	if b.stream == "" || !Durable(ev) {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(ev.EventType()),
			"payload": payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", b.stream, err)
	}
	return nil
}

// Subscribe streams envelopes from the channel until ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}

	out := make(chan Envelope, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Replay reads up to count stream entries after lastID ("0" for the beginning).
func (b *Bus) Replay(ctx context.Context, lastID string, count int64) ([]StreamEntry, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.stream, lastID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", b.stream, err)
	}

	var out []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			entry, ok := decodeEntry(msg)
			if ok {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func decodeEntry(msg redis.XMessage) (StreamEntry, bool) {
	var raw []byte
	switch v := msg.Values["payload"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return StreamEntry{}, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return StreamEntry{}, false
	}
	return StreamEntry{ID: msg.ID, Envelope: env}, true
}
