package types

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentStopping AgentStatus = "stopping"
	AgentError    AgentStatus = "error"
	AgentOffline  AgentStatus = "offline"
)

// Agent is the registry's view of one worker process. Capabilities is a
// free-form descriptor never interpreted by the core; it exists purely for
// operator display.
type Agent struct {
	ID              string            `json:"id"`
	Status          AgentStatus       `json:"status"`
	CurrentTaskID   string            `json:"current_task_id,omitempty"`
	Capabilities    map[string]string `json:"capabilities,omitempty"`
	Hostname        string            `json:"hostname,omitempty"`
	Platform        string            `json:"platform,omitempty"`
	PID             int               `json:"pid,omitempty"`
	MemoryUsedMB    float64           `json:"memory_used_mb,omitempty"`
	CPUPercent      float64           `json:"cpu_percent,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
}

// IsAssignable reports whether the agent can currently receive a dispatch.
func (a *Agent) IsAssignable() bool {
	return a.Status == AgentIdle
}

// AgentRegister is the wire payload an agent publishes on agent.register.
type AgentRegister struct {
	AgentID      string            `json:"agentId"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	System       AgentSystemInfo   `json:"system"`
	Timestamp    time.Time         `json:"timestamp"`
}

// AgentSystemInfo describes the host an agent is running on.
type AgentSystemInfo struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	MemoryMB float64 `json:"memory"`
	CPUs     int    `json:"cpus"`
}

// AgentHeartbeat is the wire payload an agent publishes on agent.heartbeat.
type AgentHeartbeat struct {
	AgentID     string           `json:"agentId"`
	Status      AgentStatus      `json:"status"`
	CurrentTask *HeartbeatTask   `json:"currentTask,omitempty"`
	Resources   AgentResources   `json:"resources"`
	Timestamp   time.Time        `json:"timestamp"`
}

// HeartbeatTask names the task the agent believes it is working on.
type HeartbeatTask struct {
	TaskID string `json:"taskId"`
}

// AgentResources is a lightweight per-heartbeat resource sample.
type AgentResources struct {
	MemoryUsedMB float64 `json:"memoryUsedMb"`
	CPUPercent   float64 `json:"cpuPercent"`
}

// AgentStatusChange is the wire payload an agent publishes on agent.status.
type AgentStatusChange struct {
	AgentID         string      `json:"agentId"`
	PreviousStatus  AgentStatus `json:"previousStatus"`
	CurrentStatus   AgentStatus `json:"currentStatus"`
	Reason          string      `json:"reason,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// AgentDeregister is the wire payload an agent publishes on agent.deregister.
type AgentDeregister struct {
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is a streaming pass-through event relayed via onToolCall.
type ToolCall struct {
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId"`
	Tool      ToolUse   `json:"tool"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolUse names the tool an agent invoked and the input it was given.
type ToolUse struct {
	Name  string      `json:"name"`
	Input interface{} `json:"input,omitempty"`
}
