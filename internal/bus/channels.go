package bus

import "fmt"

// Channel name constants from spec.md §4.A's channel table. Per-agent
// channels are built with fmt.Sprintf against the *Agent constants.
const (
	ChannelTaskDispatch      = "task.dispatch"
	ChannelTaskDispatchAgent = "task.dispatch.%s"
	ChannelTaskResult        = "task.result"
	ChannelAgentRegister     = "agent.register"
	ChannelAgentHeartbeat    = "agent.heartbeat"
	ChannelAgentStatus       = "agent.status"
	ChannelAgentToolCall     = "agent.toolcall"
	ChannelAgentDeregister   = "agent.deregister"
	ChannelControlStopAgent  = "control.stop.%s"
	ChannelControlKillAgent  = "control.kill.%s"
)

// DispatchChannel returns the per-agent dispatch channel for agentID.
func DispatchChannel(agentID string) string {
	return fmt.Sprintf(ChannelTaskDispatchAgent, agentID)
}

// StopChannel returns the per-agent stop-control channel for agentID.
func StopChannel(agentID string) string {
	return fmt.Sprintf(ChannelControlStopAgent, agentID)
}

// KillChannel returns the per-agent kill-control channel for agentID.
func KillChannel(agentID string) string {
	return fmt.Sprintf(ChannelControlKillAgent, agentID)
}
