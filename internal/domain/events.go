package domain

// Event bus kinds.
const (
	EventConnected         = "connected"
	EventChat              = "chat"
	EventAgentJoin         = "agent_join"
	EventAgentLeave        = "agent_leave"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
	EventTerminal          = "terminal"
	EventStreamEnd         = "stream_end"
	EventHeartbeat         = "heartbeat"
	EventViewerJoin        = "viewer_join"
	EventViewerLeave       = "viewer_leave"
	EventModAction         = "mod_action"
)

// ChatEvent is the bus payload for chat, tagged with its origin.
type ChatEvent struct {
	*ChatMessage
	Source string `json:"source"`
}

// AgentEvent is the bus payload for agent presence changes.
type AgentEvent struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// ConnectedEvent is sent only to the subscriber that just connected.
type ConnectedEvent struct {
	AgentID     string      `json:"agentId"`
	Stream      *StreamInfo `json:"stream,omitempty"`
	Subscribers int         `json:"subscribers"`
}
