// Package broker moves envelopes over Redis lists. Each logical queue is a
// list; consuming moves the body into a per-queue processing list so a
// crash mid-handling leaves the message recoverable (at-least-once).
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processingSuffix = ":processing"
	dlqSuffix        = ":dlq"

	connectAttempts = 10
	consumeBlock    = 2 * time.Second
)

// Delivery is one consumed message. Raw is the exact body sitting in the
// processing list; Ack/Requeue/DeadLetter need it verbatim for LREM.
type Delivery struct {
	Queue    string
	Raw      string
	Envelope *Envelope
	Err      error
}

// Queue is the broker surface the conductor uses.
type Queue interface {
	Publish(ctx context.Context, queue string, env *Envelope) error
	Consume(ctx context.Context, queue string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Requeue(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery) error
	DLQDepth(ctx context.Context, queue string) (int64, error)
	Close() error
}

type RedisQueue struct {
	client *redis.Client
}

// Connect dials Redis, retrying with exponential backoff so the conductor
// survives the broker coming up after it.
func Connect(ctx context.Context, url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	client := redis.NewClient(opts)

	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return &RedisQueue{client: client}, nil
		}
		if attempt >= connectAttempts {
			client.Close()
			return nil, fmt.Errorf("connecting to broker after %d attempts: %w", attempt, err)
		}
		log.Printf("Broker: connect attempt %d failed (%v), retrying in %s", attempt, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Publish(ctx context.Context, queue string, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// Consume blocks up to a short window for the next message, moving it into
// the processing list. Returns nil on an idle timeout. The Delivery carries
// a parse error instead of an envelope when the body is malformed.
func (q *RedisQueue) Consume(ctx context.Context, queue string) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, queue, queue+processingSuffix,
		"RIGHT", "LEFT", consumeBlock).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming from %s: %w", queue, err)
	}

	d := &Delivery{Queue: queue, Raw: raw}
	d.Envelope, d.Err = ParseEnvelope([]byte(raw))
	return d, nil
}

// Ack drops the message from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, d.Queue+processingSuffix, 1, d.Raw).Err(); err != nil {
		return fmt.Errorf("acking on %s: %w", d.Queue, err)
	}
	return nil
}

// Requeue republishes the envelope with its retry count bumped, then drops
// the original from the processing list.
func (q *RedisQueue) Requeue(ctx context.Context, d *Delivery) error {
	env := *d.Envelope
	env.RetryCount++
	body, err := env.Encode()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, d.Queue, body)
	pipe.LRem(ctx, d.Queue+processingSuffix, 1, d.Raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeueing on %s: %w", d.Queue, err)
	}
	return nil
}

// DeadLetter parks the raw body on the queue's DLQ list.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, d.Queue+dlqSuffix, d.Raw)
	pipe.LRem(ctx, d.Queue+processingSuffix, 1, d.Raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-lettering on %s: %w", d.Queue, err)
	}
	return nil
}

func (q *RedisQueue) DLQDepth(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, queue+dlqSuffix).Result()
	if err != nil {
		return 0, fmt.Errorf("reading DLQ depth for %s: %w", queue, err)
	}
	return n, nil
}

// RecoverProcessing pushes anything stranded in the processing list back
// onto the main queue. Called once at startup before consuming begins.
func (q *RedisQueue) RecoverProcessing(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		raw, err := q.client.LMove(ctx, queue+processingSuffix, queue,
			"RIGHT", "RIGHT").Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recovering %s: %w", queue, err)
		}
		_ = raw
		moved++
	}
}
