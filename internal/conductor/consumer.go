package conductor

import (
	"context"
	"log"
	"time"

	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/metrics"
)

// Consumer pulls envelopes off the inbox and feeds them to the router one
// at a time. A small prefetch pipeline keeps the next deliveries staged
// while the current one is handled; handling itself is strictly serial.
type Consumer struct {
	queue      broker.Queue
	router     *Router
	inbox      string
	prefetch   int
	maxRetries int
}

func NewConsumer(q broker.Queue, r *Router, inbox string, prefetch, maxRetries int) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{
		queue:      q,
		router:     r,
		inbox:      inbox,
		prefetch:   prefetch,
		maxRetries: maxRetries,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries := make(chan *broker.Delivery, c.prefetch)

	go c.fetch(ctx, deliveries)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) fetch(ctx context.Context, out chan<- *broker.Delivery) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := c.queue.Consume(ctx, c.inbox)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Consumer: consume failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if d == nil {
			continue
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d *broker.Delivery) {
	if d.Err != nil {
		log.Printf("Consumer: malformed envelope, dead-lettering: %v", d.Err)
		c.finish(ctx, d, DecisionDeadLetter)
		return
	}

	env := d.Envelope
	if env.RetryCount >= c.maxRetries {
		log.Printf("Consumer: %s exceeded %d retries, dead-lettering (correlation_id=%s)",
			env.Command, c.maxRetries, env.CorrelationID)
		c.finish(ctx, d, DecisionDeadLetter)
		return
	}

	decision := c.dispatch(ctx, env)
	c.finish(ctx, d, decision)
}

// dispatch runs the router, converting a handler panic into a requeue so a
// poison message burns its retry budget instead of the process.
func (c *Consumer) dispatch(ctx context.Context, env *broker.Envelope) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Consumer: handler for %s panicked, requeueing (correlation_id=%s): %v",
				env.Command, env.CorrelationID, r)
			decision = DecisionRequeue
		}
	}()
	decision, _ = c.router.Route(ctx, env)
	return decision
}

func (c *Consumer) finish(ctx context.Context, d *broker.Delivery, decision Decision) {
	metrics.AckDecisions.WithLabelValues(decision.String()).Inc()
	var err error
	switch decision {
	case DecisionAck:
		err = c.queue.Ack(ctx, d)
	case DecisionRequeue:
		err = c.queue.Requeue(ctx, d)
	case DecisionDeadLetter:
		metrics.DeadLetters.Inc()
		err = c.queue.DeadLetter(ctx, d)
	}
	if err != nil {
		log.Printf("Consumer: %s failed for delivery on %s: %v", decision, d.Queue, err)
	}
	if depth, derr := c.queue.DLQDepth(ctx, c.inbox); derr == nil {
		metrics.DLQDepth.Set(float64(depth))
	}
}
