package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/internal/types"
)

// Handler is invoked for every message received on a subscribed channel.
// Handlers execute on the bus's own goroutines, may be invoked concurrently
// for distinct messages, and are expected to return promptly per §4.A.
type Handler func(payload []byte)

// ReconcileFunc is invoked once a reconnect has completed, giving the
// coordinator a chance to scan the task store for rows left in a
// non-terminal, non-queued state whose owning agent is now unknown.
type ReconcileFunc func()

// Bus is the Message Bus's public surface: Publish/Subscribe/Unsubscribe
// over NATS, grounded on internal/nats/client.go's Client, generalized with
// a reconnect-triggered reconciliation hook (§4.A "on reconnect the
// listener scans the task store").
//
// Once EnableJetStream has provisioned the durable streams, Publish and
// Subscribe ride JetStream instead of core NATS: publishes are acked by
// the stream before returning and subscriptions are durable consumers
// that redeliver on crash-restart, giving the at-least-once semantics
// §4.A requires. Before EnableJetStream (or on a connection where the
// server has no JetStream support, e.g. some test fixtures) they fall
// back to fire-and-forget core NATS.
type Bus struct {
	conn *nc.Conn

	mu   sync.Mutex
	subs map[string]*nc.Subscription
	js   nc.JetStreamContext

	onReconcile ReconcileFunc
}

// Connect dials the embedded (or external) NATS URL with indefinite
// reconnect and exponential backoff (the wait doubles per attempt from
// 250ms, capped at 8s).
func Connect(url string, onReconcile ReconcileFunc) (*Bus, error) {
	b := &Bus{
		subs:        make(map[string]*nc.Subscription),
		onReconcile: onReconcile,
	}

	opts := []nc.Option{
		nc.CustomReconnectDelay(func(attempts int) time.Duration {
			if attempts > 5 {
				attempts = 5
			}
			return (250 * time.Millisecond) << uint(attempts)
		}),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BUS] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[BUS] reconnected to %s", conn.ConnectedUrl())
			if b.onReconcile != nil {
				go b.onReconcile()
			}
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Println("[BUS] connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w: %w", url, err, types.ErrBusUnavailable)
	}
	b.conn = conn
	return b, nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[BUS] unsubscribe %s: %v", channel, err)
		}
	}
	b.subs = make(map[string]*nc.Subscription)
	if b.conn != nil {
		b.conn.Close()
	}
}

// EnableJetStream provisions the TASKS/AGENTS/CONTROL streams via
// StreamManager and switches subsequent Publish/Subscribe/QueueSubscribe
// calls on this Bus to the JetStream API. Must be called once, after
// Connect, before Start subscribes its channels.
func (b *Bus) EnableJetStream() error {
	sm, err := NewStreamManager(b.conn)
	if err != nil {
		return fmt.Errorf("bus: jetstream context: %w", err)
	}
	if err := sm.SetupStreams(); err != nil {
		return fmt.Errorf("bus: setup streams: %w", err)
	}
	b.mu.Lock()
	b.js = sm.js
	b.mu.Unlock()
	return nil
}

// jetStream returns the JetStream context under lock, or nil if
// EnableJetStream was never called.
func (b *Bus) jetStream() nc.JetStreamContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.js
}

// Publish marshals v to JSON and publishes it on channel. It fails with a
// wrapped ErrBusUnavailable if the connection cannot accept the publish.
// Once EnableJetStream has run, the publish is acked by the backing
// stream before this returns; task.* messages are file-backed and survive
// a broker restart, while the agent.* and control.* streams are held in
// memory and do not. Otherwise it is a fire-and-forget core NATS publish.
func (b *Bus) Publish(channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", channel, err)
	}
	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("bus: publish %s: %w", channel, types.ErrBusUnavailable)
	}
	if js := b.jetStream(); js != nil {
		if _, err := js.Publish(channel, data); err != nil {
			return fmt.Errorf("bus: publish %s: %w", channel, err)
		}
		return nil
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler on channel until Unsubscribe is called. On
// a JetStream-enabled bus this is a durable consumer: messages are only
// acked once handler returns, so a handler that panics or a process that
// dies mid-handler leaves the message to redeliver rather than losing it.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	sub, err := b.subscribe(channel, "", handler)
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", channel, err)
	}
	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()
	return nil
}

// QueueSubscribe registers a load-balanced subscription: only one process
// in the named queue group receives any given message. Used for channels
// multiple coordinator instances could in principle share.
func (b *Bus) QueueSubscribe(channel, queue string, handler Handler) error {
	sub, err := b.subscribe(channel, queue, handler)
	if err != nil {
		return fmt.Errorf("bus: queue-subscribe %s: %w", channel, err)
	}
	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()
	return nil
}

func (b *Bus) subscribe(channel, queue string, handler Handler) (*nc.Subscription, error) {
	if js := b.jetStream(); js != nil {
		cb := func(msg *nc.Msg) {
			handler(msg.Data)
			if err := msg.Ack(); err != nil {
				log.Printf("[BUS] ack %s: %v", channel, err)
			}
		}
		opts := []nc.SubOpt{nc.Durable(durableName(channel)), nc.ManualAck(), nc.AckExplicit()}
		if queue != "" {
			return js.QueueSubscribe(channel, queue, cb, opts...)
		}
		return js.Subscribe(channel, cb, opts...)
	}
	cb := func(msg *nc.Msg) {
		handler(msg.Data)
	}
	if queue != "" {
		return b.conn.QueueSubscribe(channel, queue, cb)
	}
	return b.conn.Subscribe(channel, cb)
}

// durableName derives a JetStream-legal consumer name (no '.', '*', '>')
// from a channel subject.
func durableName(channel string) string {
	return "coordinator-" + strings.NewReplacer(".", "-", "*", "-", ">", "-").Replace(channel)
}

// Unsubscribe terminates a prior subscription. In-flight handler
// invocations may still complete, matching §4.A.
func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if ok {
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// IsConnected reports whether the underlying connection is live.
func (b *Bus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// RawConn exposes the underlying connection, e.g. for storectl-style
// inspection tools that need direct NATS access.
func (b *Bus) RawConn() *nc.Conn {
	return b.conn
}
