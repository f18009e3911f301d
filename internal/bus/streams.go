package bus

import (
	"log"
	"time"

	nats "github.com/nats-io/nats.go"
)

// StreamManager provisions the JetStream streams backing the durable,
// at-least-once channels spec.md §4.A requires (task dispatch/result and
// agent lifecycle events), generalized from internal/nats/streams.go's
// chat-bot-specific CHAT/PRESENCE/COMMANDS streams to THE CORE's channels.
type StreamManager struct {
	js nats.JetStreamContext
}

// NewStreamManager obtains a JetStream context from conn.
func NewStreamManager(conn *nats.Conn) (*StreamManager, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, err
	}
	return &StreamManager{js: js}, nil
}

// SetupStreams creates or updates the durable streams this module relies on.
func (sm *StreamManager) SetupStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:        "TASKS",
			Description: "task dispatch and result messages",
			Subjects:    []string{"task.>"},
			Storage:     nats.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "AGENTS",
			Description: "agent lifecycle and heartbeat messages",
			Subjects:    []string{"agent.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      15 * time.Minute,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "CONTROL",
			Description: "coordinator-to-agent stop/kill signals",
			Subjects:    []string{"control.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      1 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
	}

	for _, cfg := range streams {
		if err := sm.createOrUpdateStream(cfg); err != nil {
			return err
		}
	}
	log.Println("[BUS] streams configured")
	return nil
}

func (sm *StreamManager) createOrUpdateStream(cfg nats.StreamConfig) error {
	info, err := sm.js.StreamInfo(cfg.Name)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			log.Printf("[BUS] creating stream %s", cfg.Name)
			_, err := sm.js.AddStream(&cfg)
			return err
		}
		return err
	}
	log.Printf("[BUS] stream %s exists (messages: %d), updating", cfg.Name, info.State.Msgs)
	_, err = sm.js.UpdateStream(&cfg)
	return err
}

// DeleteStream removes a stream by name.
func (sm *StreamManager) DeleteStream(name string) error {
	return sm.js.DeleteStream(name)
}
