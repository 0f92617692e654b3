package event

import "github.com/relaygate/gateway/pkg/types"

// EventType identifies the shape of an Event's Data payload.
type EventType string

const (
	MessageCreated       EventType = "message.created"
	MessageUpdated       EventType = "message.updated"
	ConversationCreated  EventType = "conversation.created"
	ConversationUpdated  EventType = "conversation.updated"
	ConversationArchived EventType = "conversation.archived"
	ToolCallStarted      EventType = "tool.call.started"
	ToolCallCompleted    EventType = "tool.call.completed"
	AgentSessionResumed  EventType = "agent_session.resumed"
	AgentSessionRound    EventType = "agent_session.round_completed"
	QueueAdmitted        EventType = "queue.admitted"
	QueueRejected        EventType = "queue.rejected"
	CircuitStateChanged  EventType = "circuit.state_changed"
)

// Event is the payload published on the bus.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// MessageCreatedData is the payload for MessageCreated. No component in
// this module publishes that event.
type MessageCreatedData struct {
	Message *types.Message `json:"message"`
}

// MessageUpdatedData is the payload for MessageUpdated. No component in
// this module publishes that event; StreamProgress saves do not emit it.
type MessageUpdatedData struct {
	Message *types.Message `json:"message"`
}

// ConversationCreatedData is the payload for ConversationCreated. No
// component in this module publishes that event.
type ConversationCreatedData struct {
	Conversation *types.Conversation `json:"conversation"`
}

// ConversationUpdatedData is the payload for ConversationUpdated. No
// component in this module publishes that event.
type ConversationUpdatedData struct {
	Conversation *types.Conversation `json:"conversation"`
}

// ConversationArchivedData is published by the LRU scheduler.
type ConversationArchivedData struct {
	ConversationID string `json:"conversationId"`
	Restored       bool   `json:"restored"`
}

// ToolCallStartedData is published right before a tool executes.
type ToolCallStartedData struct {
	RequestID string `json:"requestId"`
	Tool      string `json:"tool"`
	Params    any    `json:"params"`
}

// ToolCallCompletedData is published after a tool call finishes (success,
// failure, or degraded fallback result).
type ToolCallCompletedData struct {
	RequestID string `json:"requestId"`
	Tool      string `json:"tool"`
	Success   bool   `json:"success"`
	Degraded  bool   `json:"degraded"`
	FromCache bool   `json:"fromCache"`
}

// AgentSessionResumedData is published when a client resumes a multi-agent
// session mid-flight.
type AgentSessionResumedData struct {
	SessionID         string `json:"sessionId"`
	ResumedFromRound  int    `json:"resumedFromRound"`
	ContinueFromRound int    `json:"continueFromRound"`
}

// AgentSessionRoundData is published after each completed round.
type AgentSessionRoundData struct {
	SessionID string `json:"sessionId"`
	Round     int    `json:"round"`
}

// QueueAdmittedData is published when the SSE admission limiter grants a slot.
type QueueAdmittedData struct {
	UserID string `json:"userId"`
}

// QueueRejectedData is published when a forged/abusive token is rejected.
type QueueRejectedData struct {
	UserID      string `json:"userId"`
	CooldownSec int    `json:"cooldownSec"`
}

// CircuitStateChangedData is published on every circuit breaker transition.
type CircuitStateChangedData struct {
	Tool string              `json:"tool"`
	From types.CircuitStatus `json:"from"`
	To   types.CircuitStatus `json:"to"`
}
