// Package nats runs an in-process NATS server with JetStream enabled. It
// backs the queue and event bus tests and the daemon's single-binary dev
// mode, where no external broker is available.
package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer is an in-process NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// EmbeddedOption adjusts the server options before start.
type EmbeddedOption func(*server.Options)

// WithStoreDir sets the JetStream storage directory. Tests pass a
// per-test temp dir so parallel servers do not share state.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// StartEmbeddedServer starts a server on a random loopback port and blocks
// until it accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	serverOpts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}
	for _, opt := range opts {
		opt(serverOpts)
	}

	s, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server and waits up to five seconds for it to wind
// down. Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
}

// ConnectToEmbedded opens a client connection to the embedded server.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}
