package natsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
)

// Consumer delivers stream tasks to a handler. Each shard gets one durable
// consumer with a single in-flight delivery, so tasks on a shard are
// processed strictly in order. A delayed task at the head of its shard
// holds the shard until it is due.
type Consumer struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	cfg        Config
	ownsConn   bool
	handler    queue.Handler
	deadLetter queue.DeadLetterFunc
	logger     *slog.Logger
	clock      func() time.Time
	metrics    *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		c.clock = clock
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithDeadLetter sets the callback invoked when a task exhausts its
// attempts.
func WithDeadLetter(fn queue.DeadLetterFunc) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetter = fn
	}
}

// NewConsumer connects to the configured NATS server and ensures the task
// stream exists. Subscriptions start on Start.
func NewConsumer(cfg Config, handler queue.Handler, opts ...ConsumerOption) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nc, js, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	c, err := newConsumer(nc, js, cfg, true, handler, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewConsumerWithConn builds a Consumer on an existing connection. The
// caller keeps ownership of the connection.
func NewConsumerWithConn(nc *nats.Conn, cfg Config, handler queue.Handler, opts ...ConsumerOption) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	js, err := jetStream(nc)
	if err != nil {
		return nil, err
	}
	return newConsumer(nc, js, cfg, false, handler, opts...)
}

func newConsumer(nc *nats.Conn, js nats.JetStreamContext, cfg Config, ownsConn bool, handler queue.Handler, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	c := &Consumer{
		nc:       nc,
		js:       js,
		cfg:      cfg,
		ownsConn: ownsConn,
		handler:  handler,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := ensureStream(js, cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Name implements runner.Service.
func (c *Consumer) Name() string {
	return "nats-task-consumer"
}

// Start subscribes every shard and returns once all subscriptions are live.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for shard := 0; shard < c.cfg.Shards; shard++ {
		name := c.durableName(shard)
		sub, err := c.js.QueueSubscribe(c.cfg.subject(shard), name, c.process,
			nats.Durable(name),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(c.cfg.AckWait),
			nats.MaxAckPending(1),
			nats.DeliverAll(),
		)
		if err != nil {
			c.unsubscribeAll()
			return fmt.Errorf("subscribe shard %d: %w", shard, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.logger.Info("nats task consumer started",
		"stream", c.cfg.StreamName,
		"shards", c.cfg.Shards,
	)
	return nil
}

// Stop cancels in-flight handlers and tears down the subscriptions.
// Unacknowledged tasks redeliver after the ack wait.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.unsubscribeAll()
	if c.ownsConn {
		c.nc.Close()
	}
	c.logger.Info("nats task consumer stopped")
	return nil
}

func (c *Consumer) durableName(shard int) string {
	return fmt.Sprintf("%s-shard-%d", strings.ToLower(c.cfg.StreamName), shard)
}

func (c *Consumer) unsubscribeAll() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	c.subs = nil
}

// process runs one delivery to completion. Retries happen in place while
// the message stays in flight, so the shard's single pending slot keeps
// later tasks from overtaking a failing head.
func (c *Consumer) process(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.logger.Error("malformed task dropped", "subject", msg.Subject, "error", err)
		_ = msg.Term()
		return
	}

	if !c.waitUntilDue(msg, time.UnixMilli(env.DueAt)) {
		return
	}

	// Resume the attempt count from the delivery count when this message
	// was redelivered after a crash.
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	for {
		d := &queue.Delivery{
			TaskID:    env.ID,
			Operation: env.Operation,
			Args:      env.Args,
			Attempt:   attempt,
		}

		err := c.handler(c.ctx, d)
		if err == nil {
			if env.OnComplete != "" {
				if chainErr := c.chain(&env); chainErr != nil {
					// Leave the parent unacked so it redelivers and
					// the chain publish is retried. The duplicate
					// window absorbs the second publish of the child.
					c.logger.Warn("chain publish failed",
						"task_id", env.ID,
						"on_complete", env.OnComplete,
						"error", chainErr,
					)
					_ = msg.NakWithDelay(c.cfg.RetryDelay)
					return
				}
			}
			c.metrics.RecordDelivery(c.ctx, env.Operation, "ok")
			_ = msg.Ack()
			return
		}

		if c.ctx.Err() != nil {
			// Shutting down. Redeliver promptly on the next start.
			_ = msg.Nak()
			return
		}

		c.metrics.RecordDelivery(c.ctx, env.Operation, "error")

		if attempt >= maxAttempts(&env) {
			c.logger.Error("task exhausted attempts",
				"task_id", env.ID,
				"operation", env.Operation,
				"attempt", attempt,
				"error", err,
			)
			c.metrics.RecordDeadLetter(c.ctx, env.Operation)
			if c.deadLetter != nil {
				c.deadLetter(c.ctx, d, err)
			}
			_ = msg.Term()
			return
		}

		c.logger.Warn("task failed, will retry",
			"task_id", env.ID,
			"operation", env.Operation,
			"attempt", attempt,
			"error", err,
		)
		if !c.sleepInFlight(msg, c.cfg.RetryDelay) {
			return
		}
		attempt++
	}
}

// waitUntilDue blocks until the task's due time. Returns false when the
// consumer stopped while waiting.
func (c *Consumer) waitUntilDue(msg *nats.Msg, due time.Time) bool {
	for {
		wait := due.Sub(c.clock())
		if wait <= 0 {
			return true
		}
		if !c.sleepInFlight(msg, wait) {
			return false
		}
	}
}

// sleepInFlight pauses up to d, heartbeating the server so the delivery is
// not timed out while it waits. Returns false when the consumer stopped;
// the message is nak'd so it redelivers promptly on restart.
func (c *Consumer) sleepInFlight(msg *nats.Msg, d time.Duration) bool {
	deadline := c.clock().Add(d)
	for {
		remaining := deadline.Sub(c.clock())
		if remaining <= 0 {
			return true
		}
		step := c.cfg.AckWait / 2
		if step <= 0 || remaining < step {
			step = remaining
		}
		select {
		case <-c.ctx.Done():
			_ = msg.Nak()
			return false
		case <-time.After(step):
			_ = msg.InProgress()
		}
	}
}

// chain publishes the follow-up task before the parent is acked. A crash in
// between redelivers the parent, and the derived message ID deduplicates
// the second publish.
func (c *Consumer) chain(env *envelope) error {
	child := envelope{
		ID:           env.ID + ":next",
		Operation:    env.OnComplete,
		Args:         env.Args,
		PartitionKey: env.PartitionKey,
		MaxAttempts:  env.MaxAttempts,
		DueAt:        c.clock().UnixMilli(),
	}
	data, err := json.Marshal(child)
	if err != nil {
		return fmt.Errorf("marshal chained task %s: %w", child.ID, err)
	}
	subject := c.cfg.subject(c.cfg.shardFor(child.PartitionKey, child.ID))
	if _, err := c.js.Publish(subject, data, nats.MsgId(child.ID)); err != nil {
		return fmt.Errorf("publish chained task %s: %w", child.ID, err)
	}
	return nil
}

func maxAttempts(env *envelope) int {
	if env.MaxAttempts > 0 {
		return env.MaxAttempts
	}
	return queue.DefaultMaxAttempts
}
