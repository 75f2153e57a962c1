package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/commandkernel/pkg/domain"
	busapi "github.com/plaenen/commandkernel/pkg/eventbus"
	infranats "github.com/plaenen/commandkernel/pkg/infrastructure/nats"
	"github.com/plaenen/commandkernel/pkg/runtime/eventbus"
)

func newTestService(t *testing.T) *eventbus.Service {
	t.Helper()
	return eventbus.New(
		eventbus.WithLogger(slog.New(slog.DiscardHandler)),
		eventbus.WithServerOptions(infranats.WithStoreDir(t.TempDir())),
	)
}

func TestService_EmbeddedLifecycle(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	assert.Equal(t, "eventbus", service.Name())
	assert.Nil(t, service.Bus())

	require.NoError(t, service.Start(ctx))
	assert.NotEmpty(t, service.URL())
	require.NotNil(t, service.Bus())
	require.NoError(t, service.HealthCheck(ctx))

	require.NoError(t, service.Stop(ctx))
	assert.Nil(t, service.Bus())
	require.Error(t, service.HealthCheck(ctx))
}

func TestService_BusCarriesEvents(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() { _ = service.Stop(context.Background()) })

	received := make(chan *domain.Event, 1)
	_, err := service.Bus().Subscribe("projection", busapi.Filter{}, func(ctx context.Context, event *domain.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	event := &domain.Event{
		ID:         "evt-1",
		StreamType: "inventory",
		StreamID:   "item-1",
		EventType:  "inventory.stock_added",
		Version:    1,
		Timestamp:  time.Now().UTC(),
		Payload:    []byte(`{"quantity":"5"}`),
	}
	require.NoError(t, service.Bus().Publish(ctx, event))

	select {
	case got := <-received:
		assert.Equal(t, "evt-1", got.ID)
		assert.Equal(t, "inventory.stock_added", got.EventType)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestService_ExternalURL(t *testing.T) {
	srv, err := infranats.StartEmbeddedServer(infranats.WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	cfg := busapi.DefaultConfig()
	cfg.URL = srv.URL()
	service := eventbus.New(
		eventbus.WithConfig(cfg),
		eventbus.WithLogger(slog.New(slog.DiscardHandler)),
	)

	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() { _ = service.Stop(context.Background()) })

	assert.Equal(t, srv.URL(), service.URL())
	require.NoError(t, service.HealthCheck(context.Background()))
}

func TestService_StopWithoutStart(t *testing.T) {
	service := newTestService(t)
	require.NoError(t, service.Stop(context.Background()))
}
