package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldbook/api/internal/record"
)

const feedChannelPrefix = "fieldbook:records:"

// Feed is the push channel: every successful write publishes the full
// record to a per-record Redis channel, and each open session subscribes
// to the one record it has mounted. Delivery is at-most-once; sessions
// reconverge on fetch if they miss a push.
type Feed struct {
	client *redis.Client
}

func NewFeed(redisURL string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Feed{client: client}, nil
}

func NewFeedWithClient(client *redis.Client) *Feed {
	return &Feed{client: client}
}

func channelFor(recordID string) string {
	return feedChannelPrefix + recordID
}

func (f *Feed) Publish(ctx context.Context, rec record.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := f.client.Publish(ctx, channelFor(rec.ID), body).Err(); err != nil {
		return fmt.Errorf("publish record update: %w", err)
	}
	return nil
}

// Subscribe delivers every pushed state of one record to fn, in arrival
// order, until the returned unsubscribe function is called. fn runs on the
// subscription goroutine.
func (f *Feed) Subscribe(ctx context.Context, recordID string, fn func(record.Record)) (func(), error) {
	sub := f.client.Subscribe(ctx, channelFor(recordID))
	// Wait for the subscription to be confirmed so no push published after
	// Subscribe returns can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe record %s: %w", recordID, err)
	}

	go func() {
		for msg := range sub.Channel() {
			var rec record.Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				log.Printf("WARNING: malformed record push on %s: %v", msg.Channel, err)
				continue
			}
			if rec.ID != recordID {
				continue
			}
			fn(rec)
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func (f *Feed) Close() error {
	return f.client.Close()
}

// Ping checks if Redis is reachable
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
