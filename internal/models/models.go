package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a support chat session.
type SessionStatus string

const (
	StatusWaiting SessionStatus = "WAITING"
	StatusActive  SessionStatus = "ACTIVE"
	StatusClosed  SessionStatus = "CLOSED"
)

// SenderType identifies which party authored a message.
type SenderType string

const (
	SenderUser   SenderType = "USER"
	SenderAgent  SenderType = "AGENT"
	SenderSystem SenderType = "SYSTEM"
)

// MessageType identifies the payload kind of a message. TEXT is the
// primary type; IMAGE and FILE carry an object URL in Content.
type MessageType string

const (
	MessageText               MessageType = "TEXT"
	MessageImage              MessageType = "IMAGE"
	MessageFile               MessageType = "FILE"
	MessageSystemNotification MessageType = "SYSTEM_NOTIFICATION"
)

// Role selects which side of a conversation a chat client acts as.
// It determines sender tagging, unread-count direction and self-echo
// filtering during polling.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// SenderType returns the SenderType this role tags outgoing messages with.
func (r Role) SenderType() SenderType {
	if r == RoleAgent {
		return SenderAgent
	}
	return SenderUser
}

// Counterpart returns the SenderType of the opposite party. Messages from
// the counterpart are the ones that count as unread for this role.
func (r Role) Counterpart() SenderType {
	if r == RoleAgent {
		return SenderUser
	}
	return SenderAgent
}

// ChatSession is one support conversation between an end user and
// (eventually) an agent. DisplayName is cached locally only; the remote
// backend never persists or returns it.
type ChatSession struct {
	SessionID     string        `json:"sessionId" db:"session_id"`
	AccountID     string        `json:"accountId" db:"account_id"`
	AgentID       string        `json:"agentId,omitempty" db:"agent_id"`
	Status        SessionStatus `json:"status" db:"status"`
	Subject       string        `json:"subject,omitempty" db:"subject"`
	DisplayName   string        `json:"displayName,omitempty" db:"display_name"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" db:"updated_at"`
	ClosedAt      *time.Time    `json:"closedAt,omitempty" db:"closed_at"`
	LastMessage   string        `json:"lastMessage,omitempty" db:"last_message"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty" db:"last_message_at"`
	UnreadCount   int           `json:"unreadCount" db:"unread_count"`
}

// Closed reports whether the session has reached its terminal state.
func (s *ChatSession) Closed() bool {
	return s.Status == StatusClosed
}

// ChatMessage is a single message within a session. MessageID is unique
// within the session; a client-generated id is used until the backend
// confirms the message and is the key for cross-transport deduplication.
type ChatMessage struct {
	MessageID   string      `json:"messageId" db:"message_id"`
	SessionID   string      `json:"sessionId" db:"session_id"`
	SenderType  SenderType  `json:"senderType" db:"sender_type"`
	SenderID    string      `json:"senderId,omitempty" db:"sender_id"`
	Content     string      `json:"content" db:"content"`
	MessageType MessageType `json:"messageType" db:"message_type"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	Read        bool        `json:"read" db:"read"`
}

// Agent describes the agent assigned to a session, as delivered by
// agent_join events.
type Agent struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
}
