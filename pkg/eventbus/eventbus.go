// Package eventbus fans appended events out over NATS JetStream so
// projections and integrations can follow the event log without polling
// the store. The store stays the source of truth; the bus carries an
// at-least-once replica of it.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/commandkernel/pkg/domain"
)

// Config holds the connection and stream settings for the bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream for events
	StreamName string

	// MaxAge is how long events are retained on the bus
	MaxAge time.Duration

	// MaxBytes bounds the stream size
	MaxBytes int64
}

// DefaultConfig returns the defaults for an event stream.
func DefaultConfig() Config {
	return Config{
		URL:        nats.DefaultURL,
		StreamName: "EVENTS",
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   1 << 30,
	}
}

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	// StreamType limits delivery to one aggregate type
	StreamType string

	// EventType limits delivery to one event type. Requires StreamType.
	EventType string
}

// Handler consumes one event. Returning an error nacks the delivery and
// the bus redelivers it.
type Handler func(ctx context.Context, event *domain.Event) error

// Subscription is a live event subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes appended events and serves durable subscriptions.
type Bus struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	cfg      Config
	root     string
	ownsConn bool
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New connects to the configured NATS server and ensures the event stream
// exists. Close releases the connection.
func New(cfg Config, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	bus, err := newBus(nc, cfg, true, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return bus, nil
}

// NewWithConn builds a Bus on an existing connection. The caller keeps
// ownership of the connection.
func NewWithConn(nc *nats.Conn, cfg Config, opts ...Option) (*Bus, error) {
	return newBus(nc, cfg, false, opts...)
}

func newBus(nc *nats.Conn, cfg Config, ownsConn bool, opts ...Option) (*Bus, error) {
	if cfg.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &Bus{
		nc:       nc,
		js:       js,
		cfg:      cfg,
		root:     strings.ToLower(cfg.StreamName),
		ownsConn: ownsConn,
		logger:   slog.Default(),
		subs:     make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.ensureStream(); err != nil {
		return nil, err
	}
	return b, nil
}

// ensureStream creates or updates the JetStream stream. Interest retention
// drops events once every subscriber has processed them.
func (b *Bus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  []string{b.root + ".>"},
		Retention: nats.InterestPolicy,
		MaxAge:    b.cfg.MaxAge,
		MaxBytes:  b.cfg.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := b.js.StreamInfo(b.cfg.StreamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err)
		}
		return nil
	}

	if info.Config.MaxAge != b.cfg.MaxAge || info.Config.MaxBytes != b.cfg.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream %s: %w", b.cfg.StreamName, err)
		}
	}
	return nil
}

// Publish sends one appended event to the bus. The event ID doubles as the
// JetStream message ID, so republishing after a crash deduplicates within
// the stream's duplicate window. The signature matches the processor's
// event hook; wire a Bus in with WithEventHook(bus.Publish).
func (b *Bus) Publish(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	subject := b.subjectFor(event)
	if _, err := b.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}

	b.logger.Debug("event published",
		"event_id", event.ID,
		"subject", subject,
		"stream_version", event.Version,
	)
	return nil
}

func (b *Bus) subjectFor(event *domain.Event) string {
	return fmt.Sprintf("%s.%s.%s", b.root, event.StreamType, event.EventType)
}

func (f Filter) subject(root string) string {
	switch {
	case f.StreamType == "":
		return root + ".>"
	case f.EventType == "":
		return fmt.Sprintf("%s.%s.>", root, f.StreamType)
	default:
		return fmt.Sprintf("%s.%s.%s", root, f.StreamType, f.EventType)
	}
}

// Subscribe registers a durable consumer. The name keys the consumer's
// progress: resubscribing under the same name resumes where it left off,
// and instances sharing a name split the load.
func (b *Bus) Subscribe(name string, filter Filter, handler Handler) (Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("subscription name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("subscription %s already registered", name)
	}

	sub, err := b.js.QueueSubscribe(filter.subject(b.root), name, func(msg *nats.Msg) {
		var event domain.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("malformed event dropped", "subject", msg.Subject, "error", err)
			_ = msg.Term()
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Warn("event handler failed",
				"subscription", name,
				"event_id", event.ID,
				"error", err,
			)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(name),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	b.subs[name] = sub
	return &subscription{bus: b, sub: sub, name: name}, nil
}

// Close tears down all subscriptions and releases the connection when this
// Bus opened it.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "subscription", name, "error", err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if b.ownsConn {
		b.nc.Close()
	}
	return nil
}

type subscription struct {
	bus  *Bus
	sub  *nats.Subscription
	name string
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.name)
	return s.sub.Unsubscribe()
}
