package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"livechat/internal/api"
	"livechat/internal/models"
)

// SessionList is an agent-side session listing. Source tells the UI
// whether it is looking at live backend data or the local cache, so it
// can warn about staleness.
type SessionList struct {
	Sessions []models.ChatSession `json:"sessions"`
	Source   string               `json:"source"` // "api" or "cache"
}

const (
	SourceAPI   = "api"
	SourceCache = "cache"
)

// Sessions lists all sessions, optionally filtered by status. Backend
// results are enriched with the locally cached display name (the remote
// list omits it) and written back into the cache; when the backend is
// unreachable the cache's filtered view is served instead, marked with
// Source "cache".
func (c *Client) Sessions(status models.SessionStatus) (*SessionList, error) {
	sessions, err := c.api.ListSessions(status)
	if err != nil {
		log.Warn().Err(err).Msg("Session list fetch failed, serving cached sessions")
		return &SessionList{Sessions: c.cache.SessionsByStatus(status), Source: SourceCache}, nil
	}

	for i := range sessions {
		if cached := c.cache.GetSession(sessions[i].SessionID); cached != nil && cached.DisplayName != "" {
			sessions[i].DisplayName = cached.DisplayName
		}
		if err := c.cache.SaveSession(&sessions[i]); err != nil {
			log.Warn().Err(err).Str("sessionID", sessions[i].SessionID).Msg("Failed to cache listed session")
		}
	}

	return &SessionList{Sessions: sessions, Source: SourceAPI}, nil
}

// Queue lists sessions still waiting for an agent, with the same
// enrichment and cache-fallback behavior as Sessions.
func (c *Client) Queue() (*SessionList, error) {
	sessions, err := c.api.Queue()
	if err != nil {
		log.Warn().Err(err).Msg("Queue fetch failed, serving cached waiting sessions")
		return &SessionList{Sessions: c.cache.SessionsByStatus(models.StatusWaiting), Source: SourceCache}, nil
	}

	for i := range sessions {
		if cached := c.cache.GetSession(sessions[i].SessionID); cached != nil && cached.DisplayName != "" {
			sessions[i].DisplayName = cached.DisplayName
		}
		if err := c.cache.SaveSession(&sessions[i]); err != nil {
			log.Warn().Err(err).Str("sessionID", sessions[i].SessionID).Msg("Failed to cache queued session")
		}
	}

	return &SessionList{Sessions: sessions, Source: SourceAPI}, nil
}

// JoinSession claims the session for the agent and attaches the same
// connect-or-poll transport sequence the user side uses. The remote
// assignment is best-effort: a failed assign call is logged, not fatal,
// so an agent can still observe a session the backend briefly refuses to
// hand over.
func (c *Client) JoinSession(sessionID, agentID string) (*models.ChatSession, error) {
	session, err := c.api.Assign(sessionID, agentID)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Str("agentID", agentID).Msg("Agent assignment failed, continuing")
		session, err = c.api.GetSession(sessionID)
		if err != nil {
			if errors.Is(err, api.ErrNotFound) {
				return nil, fmt.Errorf("session %s does not exist: %w", sessionID, err)
			}
			cached := c.cache.GetSession(sessionID)
			if cached == nil {
				return nil, fmt.Errorf("failed to join session %s: %w", sessionID, err)
			}
			session = cached
		}
	}

	if session.Closed() {
		return nil, fmt.Errorf("cannot join session %s: %w", sessionID, ErrSessionClosed)
	}

	if session.AgentID == "" {
		session.AgentID = agentID
	}
	if err := c.cache.SaveSession(session); err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to cache joined session")
	}
	if cached := c.cache.GetSession(sessionID); cached != nil {
		session = cached
	}

	c.mu.Lock()
	c.session = session
	c.partyID = agentID
	c.pending = nil
	c.disconnected = false
	c.mu.Unlock()

	c.connectTransport(sessionID, time.Time{})
	log.Info().Str("sessionID", sessionID).Str("agentID", agentID).Msg("Agent joined session")
	return session, nil
}
