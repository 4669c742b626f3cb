// Package api is the resty client for the remote chat backend, the
// authority of record for sessions and messages.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"livechat/internal/models"
)

// TokenSource supplies a bearer credential for agent-side calls. The
// token comes from an external identity provider and is treated as
// opaque; end-user calls leave it nil.
type TokenSource func() string

// Client talks to the remote chat backend.
type Client struct {
	httpClient *resty.Client
	tokens     TokenSource
}

// ErrNotFound reports a 404 from the backend, distinguished so callers
// can treat an absent session differently from a transport problem.
var ErrNotFound = fmt.Errorf("chat API: not found")

// NewClient creates a chat backend client. tokens may be nil for the
// unauthenticated end-user side.
func NewClient(baseURL string, tokens TokenSource) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("chat API baseURL cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)

	log.Info().Str("baseURL", baseURL).Bool("authenticated", tokens != nil).Msg("Chat API client configured")

	return &Client{httpClient: client, tokens: tokens}, nil
}

func (c *Client) request() *resty.Request {
	r := c.httpClient.R()
	if c.tokens != nil {
		if token := c.tokens(); token != "" {
			r.SetAuthToken(token)
		}
	}
	return r
}

// sessionList tolerates both response shapes the backend emits for list
// endpoints: a bare array, or an object wrapping it.
type sessionList struct {
	Sessions []models.ChatSession `json:"sessions"`
}

func unmarshalBody(resp *resty.Response, v interface{}) error {
	return json.Unmarshal(resp.Body(), v)
}

func decodeSessionList(resp *resty.Response) ([]models.ChatSession, error) {
	var bare []models.ChatSession
	if err := unmarshalBody(resp, &bare); err == nil {
		return bare, nil
	}
	var wrapped sessionList
	if err := unmarshalBody(resp, &wrapped); err != nil {
		return nil, fmt.Errorf("chat API: unrecognized session list payload: %w", err)
	}
	return wrapped.Sessions, nil
}

// CreateSession opens a new support session for an account.
func (c *Client) CreateSession(accountID, subject string) (*models.ChatSession, error) {
	body := map[string]string{"accountId": accountID}
	if subject != "" {
		body["subject"] = subject
	}

	resp, err := c.request().
		SetBody(body).
		SetResult(&models.ChatSession{}).
		Post("/api/chat/sessions")
	if err != nil {
		log.Error().Err(err).Str("accountID", accountID).Msg("Chat API: CreateSession request failed")
		return nil, fmt.Errorf("chat API CreateSession request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("accountID", accountID).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Chat API: CreateSession returned an error")
		return nil, fmt.Errorf("chat API CreateSession error: status %s, body: %s", resp.Status(), resp.String())
	}

	session := resp.Result().(*models.ChatSession)
	if session.SessionID == "" {
		return nil, fmt.Errorf("chat API CreateSession response has no session id")
	}
	log.Info().Str("sessionID", session.SessionID).Str("accountID", accountID).Msg("Created chat session")
	return session, nil
}

// GetSession fetches one session by id. Returns ErrNotFound on 404.
func (c *Client) GetSession(sessionID string) (*models.ChatSession, error) {
	resp, err := c.request().
		SetResult(&models.ChatSession{}).
		Get(fmt.Sprintf("/api/chat/sessions/%s", sessionID))
	if err != nil {
		return nil, fmt.Errorf("chat API GetSession request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API GetSession error: status %s, body: %s", resp.Status(), resp.String())
	}
	return resp.Result().(*models.ChatSession), nil
}

// ListSessions returns all sessions (agent only), optionally filtered by
// status.
func (c *Client) ListSessions(status models.SessionStatus) ([]models.ChatSession, error) {
	req := c.request()
	if status != "" {
		req.SetQueryParam("status", string(status))
	}
	resp, err := req.Get("/api/chat/sessions")
	if err != nil {
		return nil, fmt.Errorf("chat API ListSessions request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API ListSessions error: status %s, body: %s", resp.Status(), resp.String())
	}
	return decodeSessionList(resp)
}

// Queue returns sessions still waiting for an agent (agent only).
func (c *Client) Queue() ([]models.ChatSession, error) {
	resp, err := c.request().Get("/api/chat/queue")
	if err != nil {
		return nil, fmt.Errorf("chat API Queue request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API Queue error: status %s, body: %s", resp.Status(), resp.String())
	}
	return decodeSessionList(resp)
}

// Messages returns all messages of a session.
func (c *Client) Messages(sessionID string) ([]models.ChatMessage, error) {
	resp, err := c.request().
		SetResult(&[]models.ChatMessage{}).
		Get(fmt.Sprintf("/api/chat/sessions/%s/messages", sessionID))
	if err != nil {
		return nil, fmt.Errorf("chat API Messages request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API Messages error: status %s, body: %s", resp.Status(), resp.String())
	}
	return *resp.Result().(*[]models.ChatMessage), nil
}

// SendMessage posts a message to a session and returns the backend's copy
// with its assigned message id.
func (c *Client) SendMessage(sessionID, senderID string, senderType models.SenderType, content string, messageType models.MessageType) (*models.ChatMessage, error) {
	if messageType == "" {
		messageType = models.MessageText
	}
	resp, err := c.request().
		SetBody(map[string]string{
			"senderId":    senderID,
			"senderType":  string(senderType),
			"content":     content,
			"messageType": string(messageType),
		}).
		SetResult(&models.ChatMessage{}).
		Post(fmt.Sprintf("/api/chat/sessions/%s/messages", sessionID))
	if err != nil {
		log.Error().Err(err).Str("sessionID", sessionID).Msg("Chat API: SendMessage request failed")
		return nil, fmt.Errorf("chat API SendMessage request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("sessionID", sessionID).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Chat API: SendMessage returned an error")
		return nil, fmt.Errorf("chat API SendMessage error: status %s, body: %s", resp.Status(), resp.String())
	}
	return resp.Result().(*models.ChatMessage), nil
}

// Assign claims a session for an agent (agent only).
func (c *Client) Assign(sessionID, agentID string) (*models.ChatSession, error) {
	resp, err := c.request().
		SetQueryParam("agentId", agentID).
		SetResult(&models.ChatSession{}).
		Post(fmt.Sprintf("/api/chat/sessions/%s/assign", sessionID))
	if err != nil {
		return nil, fmt.Errorf("chat API Assign request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API Assign error: status %s, body: %s", resp.Status(), resp.String())
	}
	return resp.Result().(*models.ChatSession), nil
}

// Close marks a session closed on the backend. Idempotent server-side.
func (c *Client) Close(sessionID string) (*models.ChatSession, error) {
	resp, err := c.request().
		SetResult(&models.ChatSession{}).
		Post(fmt.Sprintf("/api/chat/sessions/%s/close", sessionID))
	if err != nil {
		return nil, fmt.Errorf("chat API Close request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API Close error: status %s, body: %s", resp.Status(), resp.String())
	}
	return resp.Result().(*models.ChatSession), nil
}

// Rate submits a session rating. The backend takes these as query
// parameters, not a JSON body.
func (c *Client) Rate(sessionID string, rating int, feedback string) error {
	req := c.request().SetQueryParam("rating", strconv.Itoa(rating))
	if feedback != "" {
		req.SetQueryParam("feedback", feedback)
	}
	resp, err := req.Post(fmt.Sprintf("/api/chat/sessions/%s/rate", sessionID))
	if err != nil {
		return fmt.Errorf("chat API Rate request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("chat API Rate error: status %s, body: %s", resp.Status(), resp.String())
	}
	log.Info().Str("sessionID", sessionID).Int("rating", rating).Msg("Session rated")
	return nil
}

// MarkRead marks the given party's messages in a session as read.
func (c *Client) MarkRead(sessionID string, senderType models.SenderType) error {
	resp, err := c.request().
		SetQueryParam("senderType", string(senderType)).
		Post(fmt.Sprintf("/api/chat/sessions/%s/read", sessionID))
	if err != nil {
		return fmt.Errorf("chat API MarkRead request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("chat API MarkRead error: status %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}

// MySessions returns an end user's session history.
func (c *Client) MySessions(accountID string) ([]models.ChatSession, error) {
	resp, err := c.request().
		SetQueryParam("accountId", accountID).
		Get("/api/chat/my-sessions")
	if err != nil {
		return nil, fmt.Errorf("chat API MySessions request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chat API MySessions error: status %s, body: %s", resp.Status(), resp.String())
	}
	return decodeSessionList(resp)
}
