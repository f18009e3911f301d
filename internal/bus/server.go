// Package bus implements the Message Bus (spec §4.A): typed publish/
// subscribe with at-least-once delivery plus a durable priority queue of
// task identifiers. Pub/sub rides an embedded NATS server with JetStream
// for the durable channels; the priority queue is a SQLite table dequeued
// under a write transaction, standing in for the reference backend's
// SELECT ... FOR UPDATE SKIP LOCKED pattern.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig configures the in-process NATS server.
type EmbeddedServerConfig struct {
	Port      int
	JetStream bool
	DataDir   string
}

// EmbeddedServer wraps an in-process NATS server so the coordinator never
// needs an externally deployed broker.
type EmbeddedServer struct {
	srv     *server.Server
	config  EmbeddedServerConfig
	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer validates config and returns an unstarted server.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	if config.Port <= 0 {
		config.Port = 4222
	}
	if config.JetStream && config.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required when JetStream is enabled")
	}
	return &EmbeddedServer{config: config}, nil
}

// Start boots the server and blocks until it is ready for connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("bus: server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if e.config.JetStream {
		opts.JetStream = true
		opts.StoreDir = e.config.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("bus: failed to create embedded NATS server: %w", err)
	}
	e.srv = ns

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("bus: embedded server not ready for connections")
	}
	e.running = true
	return nil
}

// Shutdown stops the server and waits for it to fully drain.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.srv == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
	e.running = false
	e.srv = nil
}

// URL is the connection string clients in this process dial.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// IsRunning reports whether Start succeeded and Shutdown has not run.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
