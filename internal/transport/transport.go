// Package transport carries per-session real-time chat events over one of
// two interchangeable strategies: a persistent websocket, or a periodic
// poll of the REST backend. Both normalize everything they deliver into
// the same Event vocabulary, so the owning client never cares which one
// is active.
package transport

import (
	"encoding/json"
	"time"

	"livechat/internal/models"
)

// EventType enumerates the normalized inbound event vocabulary shared by
// both strategies.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventMessage          EventType = "message"
	EventTyping           EventType = "typing"
	EventSessionClosed    EventType = "session_closed"
	EventAgentJoin        EventType = "agent_join"
	EventDisconnected     EventType = "disconnected"
	EventConnectionFailed EventType = "connection_failed"
)

// Event is one normalized inbound event for a session.
type Event struct {
	Type     EventType           `json:"type"`
	Message  *models.ChatMessage `json:"message,omitempty"`
	IsTyping bool                `json:"isTyping,omitempty"`
	SenderID string              `json:"senderId,omitempty"`
	Agent    *models.Agent       `json:"agent,omitempty"`
}

// Handler receives normalized events. Handlers must not block; both
// strategies dispatch from their own goroutine.
type Handler func(Event)

// frame is the raw wire shape of a socket payload. The backend sends
// message fields either flattened at the top level or nested under
// "message"; closure arrives as a type or a status field.
type frame struct {
	Type        string               `json:"type"`
	Status      models.SessionStatus `json:"status"`
	Message     *models.ChatMessage  `json:"message"`
	MessageID   string               `json:"messageId"`
	SessionID   string               `json:"sessionId"`
	SenderType  models.SenderType    `json:"senderType"`
	SenderID    string               `json:"senderId"`
	Content     string               `json:"content"`
	MessageType models.MessageType   `json:"messageType"`
	CreatedAt   time.Time            `json:"createdAt"`
	IsTyping    bool                 `json:"isTyping"`
	Agent       *models.Agent        `json:"agent"`
}

// parseFrame normalizes one raw socket payload into an Event. Unknown or
// unparsable frames yield ok=false and are dropped by the caller.
func parseFrame(data []byte) (Event, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, false
	}

	switch f.Type {
	case "typing":
		return Event{Type: EventTyping, IsTyping: f.IsTyping, SenderID: f.SenderID}, true
	case "session_closed":
		return Event{Type: EventSessionClosed}, true
	case "agent_join":
		agent := f.Agent
		if agent == nil && f.SenderID != "" {
			agent = &models.Agent{AgentID: f.SenderID}
		}
		return Event{Type: EventAgentJoin, Agent: agent}, true
	case "connected":
		return Event{Type: EventConnected}, true
	}

	if f.Status == models.StatusClosed {
		return Event{Type: EventSessionClosed}, true
	}

	if f.Message != nil && f.Message.MessageID != "" {
		return Event{Type: EventMessage, Message: f.Message}, true
	}
	if f.MessageID != "" || f.Content != "" {
		msgType := f.MessageType
		if msgType == "" {
			msgType = models.MessageText
		}
		createdAt := f.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		return Event{Type: EventMessage, Message: &models.ChatMessage{
			MessageID:   f.MessageID,
			SessionID:   f.SessionID,
			SenderType:  f.SenderType,
			SenderID:    f.SenderID,
			Content:     f.Content,
			MessageType: msgType,
			CreatedAt:   createdAt,
		}}, true
	}

	return Event{}, false
}
