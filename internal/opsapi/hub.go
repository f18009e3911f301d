// Package opsapi exposes a read-only HTTP + WebSocket operator surface over
// the Pool Coordinator, adapted from internal/server/hub.go and
// internal/server/handlers.go — re-themed from a dashboard for a chat-bot
// swarm into a machine-readable projection of THE CORE's pool state.
package opsapi

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// clientSendBuffer is the per-client outbound channel size, matching the
// teacher's WebSocketBufferSize.
const clientSendBuffer = 256

// Event is the envelope relayed to connected operator consoles, generalized
// from the teacher's dashboard-specific WSMessage onto the coordinator's five
// typed callbacks.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	EventTaskComplete = "task_complete"
	EventTaskFailed   = "task_failed"
	EventToolCall     = "tool_call"
	EventAgentDead    = "agent_dead"
	EventEscalation   = "escalation"
)

// wsClient is one connected operator console.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// broadcaster fans Events out to every connected operator console and
// tracks how many have been dropped for falling behind. The teacher's hub
// serializes register/unregister/broadcast through a dedicated goroutine
// and three channels; an operator surface carries at most a handful of
// consoles, so that loop buys nothing here — add/remove/event all just
// take broadcaster.mu for the length of a map operation, and the dropped
// count (absent from the teacher) gives the operator endpoint something
// concrete to report about backpressure instead of silently discarding.
type broadcaster struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	dropped uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{clients: make(map[*wsClient]bool)}
}

// add registers a newly upgraded connection.
func (b *broadcaster) add(c *wsClient) {
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
}

// remove detaches c, closing its send channel so writePump exits. Safe to
// call more than once for the same client.
func (b *broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// event marshals and fans data out to every attached client. A client
// whose send buffer is full is dropped rather than allowed to stall the
// broadcast for everyone else.
func (b *broadcaster) event(eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		log.Printf("[OPSAPI] marshal event %s: %v", eventType, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			close(c.send)
			delete(b.clients, c)
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// stats reports the live client count and the cumulative number dropped
// for backpressure, for the operator surface's own /api/ws-stats endpoint.
func (b *broadcaster) stats() (clients int, dropped uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients), atomic.LoadUint64(&b.dropped)
}

func (c *wsClient) readPump(b *broadcaster) {
	defer func() {
		b.remove(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// The operator console is a read-only consumer; inbound frames are
		// discarded rather than processed.
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
