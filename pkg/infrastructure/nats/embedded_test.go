package nats

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func startForTest(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbeddedServer(WithStoreDir(t.TempDir()))
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestEmbeddedServer_StartAndConnect(t *testing.T) {
	srv := startForTest(t)

	if !strings.HasPrefix(srv.URL(), "nats://") {
		t.Errorf("unexpected URL %q", srv.URL())
	}

	nc, err := ConnectToEmbedded(srv)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	if !nc.IsConnected() {
		t.Error("expected an established connection")
	}
}

func TestEmbeddedServer_ShutdownIsIdempotent(t *testing.T) {
	srv := startForTest(t)
	srv.Shutdown()

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second shutdown hung")
	}
}

func TestEmbeddedServer_ConcurrentShutdowns(t *testing.T) {
	srv := startForTest(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent shutdowns timed out")
	}
}

func TestEmbeddedServer_ShutdownWithNilServer(t *testing.T) {
	srv := &EmbeddedServer{}

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nil-server shutdown hung")
	}
}
