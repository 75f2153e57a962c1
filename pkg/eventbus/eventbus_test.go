package eventbus_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/eventbus"
	embeddednats "github.com/plaenen/commandkernel/pkg/infrastructure/nats"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	srv, err := embeddednats.StartEmbeddedServer(embeddednats.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	cfg := eventbus.DefaultConfig()
	cfg.URL = srv.URL()
	bus, err := eventbus.New(cfg, eventbus.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func testEvent(id, streamType, eventType string, version int64) *domain.Event {
	return &domain.Event{
		ID:         id,
		StreamType: streamType,
		StreamID:   "s-1",
		EventType:  eventType,
		Version:    version,
		Timestamp:  time.Now().UTC(),
		Payload:    []byte(`{"n":1}`),
		Metadata: domain.EventMetadata{
			CorrelationID: "corr-1",
			TenantID:      "default",
		},
	}
}

type collector struct {
	mu     sync.Mutex
	events []*domain.Event
	signal chan *domain.Event
}

func newCollector() *collector {
	return &collector{signal: make(chan *domain.Event, 64)}
}

func (c *collector) handle(ctx context.Context, e *domain.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.signal <- e
	return nil
}

func (c *collector) wait(t *testing.T) *domain.Event {
	t.Helper()
	select {
	case e := <-c.signal:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := newTestBus(t)
	col := newCollector()

	_, err := bus.Subscribe("proj-all", eventbus.Filter{}, col.handle)
	require.NoError(t, err)

	evt := testEvent("evt-1", "order", "order.created", 1)
	require.NoError(t, bus.Publish(context.Background(), evt))

	got := col.wait(t)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "order", got.StreamType)
	assert.Equal(t, "order.created", got.EventType)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, "corr-1", got.Metadata.CorrelationID)
}

func TestBus_PublishDeduplicatesByEventID(t *testing.T) {
	bus := newTestBus(t)
	col := newCollector()

	_, err := bus.Subscribe("proj-dedup", eventbus.Filter{}, col.handle)
	require.NoError(t, err)

	evt := testEvent("evt-1", "order", "order.created", 1)
	require.NoError(t, bus.Publish(context.Background(), evt))
	require.NoError(t, bus.Publish(context.Background(), evt))

	col.wait(t)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, col.count())
}

func TestBus_FilterByStreamType(t *testing.T) {
	bus := newTestBus(t)
	col := newCollector()

	_, err := bus.Subscribe("proj-orders", eventbus.Filter{StreamType: "order"}, col.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), testEvent("evt-counter", "counter", "counter.incremented", 1)))
	require.NoError(t, bus.Publish(context.Background(), testEvent("evt-order", "order", "order.created", 1)))

	got := col.wait(t)
	assert.Equal(t, "evt-order", got.ID)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, col.count())
}

func TestBus_HandlerErrorRedelivers(t *testing.T) {
	bus := newTestBus(t)

	var attempts atomic.Int32
	done := make(chan struct{})
	handler := func(ctx context.Context, e *domain.Event) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}

	_, err := bus.Subscribe("proj-retry", eventbus.Filter{}, handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), testEvent("evt-1", "order", "order.created", 1)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestBus_SubscribeRequiresName(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.Subscribe("", eventbus.Filter{}, func(ctx context.Context, e *domain.Event) error {
		return nil
	})
	require.Error(t, err)
}

func TestBus_RejectsDuplicateSubscriptionName(t *testing.T) {
	bus := newTestBus(t)
	col := newCollector()

	_, err := bus.Subscribe("proj-one", eventbus.Filter{}, col.handle)
	require.NoError(t, err)

	_, err = bus.Subscribe("proj-one", eventbus.Filter{}, col.handle)
	require.Error(t, err)
}
