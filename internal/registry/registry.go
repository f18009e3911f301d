// Package registry implements the Agent Registry (spec §4.B): the
// in-memory source of truth for agent identity, status, heartbeat
// recency, and current assignment. The shape is a mutex-guarded map keyed
// by agent ID, with
// Sweep's dead-entry detection generalized from
// internal/persistence/store.go's CleanupStaleAgents.
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/CLIAIMONITOR/internal/types"
)

// Registry holds the AgentId -> Agent mapping used by the scheduler.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*types.Agent
	maxAgents int
}

// New returns an empty registry that accepts at most maxAgents
// simultaneously registered agents (spec §6's MAX_AGENTS). maxAgents <= 0
// means no cap.
func New(maxAgents int) *Registry {
	return &Registry{agents: make(map[string]*types.Agent), maxAgents: maxAgents}
}

// Register inserts or resets an entry; status is set to idle. A
// re-registration of an already-known agent ID never counts against the
// cap. Registering past the cap returns ErrRegistryFull and leaves the
// registry unchanged.
func (r *Registry) Register(msg types.AgentRegister) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.agents[msg.AgentID]
	if !known && r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		log.Printf("[REGISTRY] rejecting agent %s: registry full (%d/%d)", msg.AgentID, len(r.agents), r.maxAgents)
		return nil, fmt.Errorf("registry: register %s: %w", msg.AgentID, types.ErrRegistryFull)
	}

	now := time.Now()
	agent := &types.Agent{
		ID:              msg.AgentID,
		Status:          types.AgentIdle,
		Capabilities:    msg.Capabilities,
		Hostname:        msg.System.Hostname,
		Platform:        msg.System.Platform,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	r.agents[msg.AgentID] = agent
	log.Printf("[REGISTRY] registered agent %s", msg.AgentID)
	return agent, nil
}

// Heartbeat updates liveness and reported status. A heartbeat from an
// unknown agent is logged and ignored — the agent must re-register.
func (r *Registry) Heartbeat(msg types.AgentHeartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[msg.AgentID]
	if !ok {
		log.Printf("[REGISTRY] heartbeat from unknown agent %s, ignoring", msg.AgentID)
		return fmt.Errorf("registry: heartbeat from %s: %w", msg.AgentID, types.ErrUnknownAgent)
	}

	agent.LastHeartbeatAt = time.Now()
	if msg.Status != "" {
		agent.Status = msg.Status
	}
	agent.MemoryUsedMB = msg.Resources.MemoryUsedMB
	agent.CPUPercent = msg.Resources.CPUPercent
	if msg.CurrentTask != nil {
		agent.CurrentTaskID = msg.CurrentTask.TaskID
	}
	return nil
}

// StatusChange atomically updates an agent's status.
func (r *Registry) StatusChange(msg types.AgentStatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[msg.AgentID]
	if !ok {
		log.Printf("[REGISTRY] status change from unknown agent %s, ignoring", msg.AgentID)
		return fmt.Errorf("registry: status change from %s: %w", msg.AgentID, types.ErrUnknownAgent)
	}
	agent.Status = msg.CurrentStatus
	if msg.CurrentStatus == types.AgentIdle {
		agent.CurrentTaskID = ""
	}
	return nil
}

// Deregister removes an entry and returns it (so the caller can fail any
// task it owned), or nil if it was not present.
func (r *Registry) Deregister(agentID string) *types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	delete(r.agents, agentID)
	log.Printf("[REGISTRY] deregistered agent %s", agentID)
	return agent
}

// Get returns the agent entry, or (nil, false) if unknown.
func (r *Registry) Get(agentID string) (*types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent, ok
}

// FindIdle returns any agent currently idle, or nil if none. No fairness
// guarantee is mandated by spec.md §4.B; map iteration order already
// avoids pathological single-agent starvation in practice.
func (r *Registry) FindIdle() *types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if agent.IsAssignable() {
			return agent
		}
	}
	return nil
}

// MarkBusy transitions an agent to busy with the given task, used by the
// coordinator immediately after a successful Dispatch.
func (r *Registry) MarkBusy(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.Status = types.AgentBusy
		agent.CurrentTaskID = taskID
	}
}

// Sweep removes and returns every agent whose last heartbeat predates
// now-threshold, the periodic liveness check spec.md §4.F drives on its
// own ticker independent of heartbeat arrival.
func (r *Registry) Sweep(now time.Time, threshold time.Duration) []*types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []*types.Agent
	cutoff := now.Add(-threshold)
	for id, agent := range r.agents {
		if agent.LastHeartbeatAt.Before(cutoff) {
			dead = append(dead, agent)
			delete(r.agents, id)
			log.Printf("[REGISTRY] swept dead agent %s (last heartbeat %s)", id, agent.LastHeartbeatAt)
		}
	}
	return dead
}

// Snapshot returns a stable copy of every known agent, for PoolSnapshot.
func (r *Registry) Snapshot() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
