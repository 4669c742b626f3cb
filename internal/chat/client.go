// Package chat orchestrates live support sessions: creation and
// resumption, socket-or-poll transport with bounded reconnection, message
// send/receive with optimistic local caching, read state, rating and
// closing. One Client implementation serves both the end-user widget and
// the agent console, parameterized by role.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"livechat/internal/api"
	"livechat/internal/models"
	"livechat/internal/store"
	"livechat/internal/transport"
)

// Validation and state errors, reported before any network call is made.
var (
	ErrNoSession     = errors.New("no active session")
	ErrSessionClosed = errors.New("session is closed")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrNoUploader    = errors.New("attachment uploads are not configured")
)

// EventPublisher mirrors normalized chat events to an external consumer
// (the broker package provides the RabbitMQ implementation). Publishing
// is best-effort and never blocks a chat operation.
type EventPublisher interface {
	PublishEvent(sessionID string, role models.Role, ev transport.Event)
}

// AttachmentUploader stores attachment bytes and returns a public URL
// (the media package provides the S3 implementation).
type AttachmentUploader interface {
	Upload(ctx context.Context, sessionID, messageID, filename, contentType string, data []byte) (string, error)
}

// Config tunes a Client. Zero values fall back to the package defaults.
type Config struct {
	// SocketURL is the websocket base (ws:// or wss://). Empty disables
	// the socket strategy entirely and every session runs on polling.
	SocketURL            string
	ConnectTimeout       time.Duration
	PollInterval         time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

const defaultMaxReconnectAttempts = 5

func (c *Config) fill() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = transport.DefaultPollInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Client is a session client for one party. At most one transport (socket
// or poller) is active at a time; any prior transport is torn down before
// a new one is established.
type Client struct {
	role  models.Role
	api   *api.Client
	cache *store.Store
	cfg   Config

	publisher EventPublisher
	uploader  AttachmentUploader

	// seen deduplicates message events across transports before fan-out;
	// the store's id-keyed insert is the durable net behind it.
	seen *gocache.Cache
	subs *subscribers

	mu sync.Mutex
	// session is replaced wholesale on every state change; the struct it
	// points to is never mutated, so a pointer read under the lock is a
	// consistent snapshot even while transport goroutines deliver events.
	session           *models.ChatSession
	partyID           string
	pending           []pendingSend
	socket            *transport.Socket
	poller            *transport.Poller
	reconnectAttempts int
	disconnected      bool
}

// pendingSend tracks a socket-delivered message still waiting for the
// backend echo that carries its server-assigned id.
type pendingSend struct {
	tempID  string
	content string
}

// Option customizes Client construction.
type Option func(*Client)

// WithPublisher mirrors every normalized event to the given publisher.
func WithPublisher(p EventPublisher) Option {
	return func(c *Client) { c.publisher = p }
}

// WithUploader enables SendAttachment.
func WithUploader(u AttachmentUploader) Option {
	return func(c *Client) { c.uploader = u }
}

// NewClient builds a session client acting as the given role.
func NewClient(role models.Role, apiClient *api.Client, cache *store.Store, cfg Config, opts ...Option) *Client {
	cfg.fill()
	c := &Client{
		role:  role,
		api:   apiClient,
		cache: cache,
		cfg:   cfg,
		seen:  gocache.New(store.DefaultRetention, store.DefaultGCInterval),
		subs:  newSubscribers(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a listener for normalized session events. The
// returned func cancels the subscription.
func (c *Client) Subscribe(h transport.Handler) func() {
	return c.subs.add(h)
}

// Session returns a copy of the current in-memory session, or nil.
func (c *Client) Session() *models.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// updateSession swaps the shared session pointer for an updated copy.
func (c *Client) updateSession(mutate func(s *models.ChatSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	s := *c.session
	mutate(&s)
	c.session = &s
}

// Cache exposes the local session cache for read-side consumers.
func (c *Client) Cache() *store.Store {
	return c.cache
}

// StartSession creates a session on the backend and persists it locally
// with the caller-supplied display name attached; the remote side never
// stores that field.
func (c *Client) StartSession(accountID, subject, displayName string) (*models.ChatSession, error) {
	session, err := c.api.CreateSession(accountID, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	session.DisplayName = displayName
	if err := c.cache.SaveSession(session); err != nil {
		log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to cache new session")
	}

	c.mu.Lock()
	c.session = session
	c.partyID = accountID
	c.pending = nil
	c.disconnected = false
	c.mu.Unlock()

	return session, nil
}

// Connect starts a session and attaches real-time delivery. Transport
// failure is not session failure: when the socket cannot be established
// the session degrades to polling and Connect still succeeds.
func (c *Client) Connect(accountID, subject, displayName string) (*models.ChatSession, error) {
	session, err := c.StartSession(accountID, subject, displayName)
	if err != nil {
		return nil, err
	}
	c.connectTransport(session.SessionID, session.CreatedAt)
	return session, nil
}

// ResumeSession re-attaches to an existing session. Resuming a closed
// session is a reported failure. When the backend is unreachable the
// cached copy is used so a flaky network does not strand an open chat.
func (c *Client) ResumeSession(sessionID, accountID string) (*models.ChatSession, error) {
	session, err := c.api.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("session %s does not exist: %w", sessionID, err)
		}
		cached := c.cache.GetSession(sessionID)
		if cached == nil {
			return nil, fmt.Errorf("failed to resume session %s: %w", sessionID, err)
		}
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Backend unreachable, resuming from cache")
		session = cached
	}

	if session.Closed() {
		return nil, fmt.Errorf("cannot resume session %s: %w", sessionID, ErrSessionClosed)
	}

	if err := c.cache.SaveSession(session); err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to cache resumed session")
	}
	// the merge keeps any locally known display name
	if cached := c.cache.GetSession(sessionID); cached != nil {
		session = cached
	}

	c.mu.Lock()
	c.session = session
	c.partyID = accountID
	c.pending = nil
	c.disconnected = false
	c.mu.Unlock()

	c.connectTransport(sessionID, time.Time{})
	return session, nil
}

// connectTransport tears down any prior transport and attaches a new one:
// socket first, polling as the fallback for the remainder of the session.
// There is no automatic upgrade back to the socket once fallen back.
func (c *Client) connectTransport(sessionID string, startFrom time.Time) {
	c.teardownTransport()

	if c.cfg.SocketURL != "" {
		sock, err := transport.DialSocket(c.socketEndpoint(sessionID), c.cfg.ConnectTimeout, c.handleEvent)
		if err == nil {
			c.mu.Lock()
			c.socket = sock
			c.reconnectAttempts = 0
			c.mu.Unlock()
			return
		}
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Socket unavailable, falling back to polling")
	}

	poller := transport.NewPoller(c.api, sessionID, c.role, c.cfg.PollInterval, startFrom, c.handleEvent)
	c.mu.Lock()
	c.poller = poller
	c.mu.Unlock()
	poller.Start()
}

func (c *Client) socketEndpoint(sessionID string) string {
	return fmt.Sprintf("%s/ws/chat/%s", strings.TrimRight(c.cfg.SocketURL, "/"), sessionID)
}

func (c *Client) teardownTransport() {
	c.mu.Lock()
	sock, poller := c.socket, c.poller
	c.socket, c.poller = nil, nil
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	if poller != nil {
		poller.Stop()
	}
}

// handleEvent is the single sink for both transports. It folds events
// into the local cache, deduplicates across transports and fans out to
// subscribers.
func (c *Client) handleEvent(ev transport.Event) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}

	switch ev.Type {
	case transport.EventMessage:
		if ev.Message == nil {
			return
		}
		key := session.SessionID + "/" + ev.Message.MessageID
		if _, dup := c.seen.Get(key); dup {
			return
		}
		c.seen.Set(key, struct{}{}, gocache.DefaultExpiration)
		if ev.Message.SessionID == "" {
			ev.Message.SessionID = session.SessionID
		}
		if ev.Message.SenderType == c.role.SenderType() {
			if tempID, ok := c.takePending(ev.Message.Content); ok {
				// our own echo: swap the optimistic copy for the confirmed
				// one, no fan-out since subscribers already rendered it
				c.confirmMessage(session.SessionID, tempID, ev.Message)
				return
			}
		}
		if _, err := c.cache.SaveMessage(session.SessionID, ev.Message); err != nil {
			log.Warn().Err(err).Str("messageID", ev.Message.MessageID).Msg("Failed to cache inbound message")
		}
	case transport.EventSessionClosed:
		if err := c.cache.UpdateSessionStatus(session.SessionID, models.StatusClosed); err != nil {
			log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to close cached session")
		}
		c.updateSession(func(s *models.ChatSession) { s.Status = models.StatusClosed })
	case transport.EventAgentJoin:
		if ev.Agent != nil && ev.Agent.AgentID != "" {
			if err := c.cache.SaveSession(&models.ChatSession{
				SessionID: session.SessionID,
				AgentID:   ev.Agent.AgentID,
			}); err != nil {
				log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to cache agent assignment")
			}
			agentID := ev.Agent.AgentID
			c.updateSession(func(s *models.ChatSession) { s.AgentID = agentID })
		}
	case transport.EventDisconnected:
		c.scheduleReconnect(session.SessionID)
	}

	if c.publisher != nil {
		c.publisher.PublishEvent(session.SessionID, c.role, ev)
	}
	c.subs.emit(ev)
}

// scheduleReconnect retries the socket with exponential backoff, capped
// at MaxReconnectAttempts; exhaustion surfaces a terminal
// connection_failed event and the session stays usable for manual resend.
func (c *Client) scheduleReconnect(sessionID string) {
	c.mu.Lock()
	if c.disconnected || c.session == nil || c.session.Closed() {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.socket = nil
	c.mu.Unlock()

	if attempt > c.cfg.MaxReconnectAttempts {
		log.Error().Str("sessionID", sessionID).Int("attempts", attempt-1).Msg("Socket reconnection exhausted")
		ev := transport.Event{Type: transport.EventConnectionFailed}
		if c.publisher != nil {
			c.publisher.PublishEvent(sessionID, c.role, ev)
		}
		c.subs.emit(ev)
		return
	}

	delay := c.cfg.ReconnectBaseDelay << (attempt - 1)
	if delay > c.cfg.ReconnectMaxDelay {
		delay = c.cfg.ReconnectMaxDelay
	}
	log.Info().Str("sessionID", sessionID).Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling socket reconnect")

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.disconnected || c.session == nil || c.session.SessionID != sessionID || c.session.Closed()
		c.mu.Unlock()
		if stale {
			return
		}
		sock, err := transport.DialSocket(c.socketEndpoint(sessionID), c.cfg.ConnectTimeout, c.handleEvent)
		if err != nil {
			c.scheduleReconnect(sessionID)
			return
		}
		c.mu.Lock()
		c.socket = sock
		c.reconnectAttempts = 0
		c.mu.Unlock()
	})
}

// SendMessage writes the message to the local cache immediately (the
// optimistic echo survives a failed send for later manual retry), then
// delivers it over exactly one path: the open socket if there is one,
// otherwise REST.
func (c *Client) SendMessage(content string) (*models.ChatMessage, error) {
	c.mu.Lock()
	session := c.session
	partyID := c.partyID
	sock := c.socket
	c.mu.Unlock()

	if session == nil {
		return nil, ErrNoSession
	}
	if session.Closed() {
		return nil, ErrSessionClosed
	}

	msg := &models.ChatMessage{
		MessageID:   "local-" + uuid.NewString(),
		SessionID:   session.SessionID,
		SenderType:  c.role.SenderType(),
		SenderID:    partyID,
		Content:     content,
		MessageType: models.MessageText,
		CreatedAt:   time.Now().UTC(),
		Read:        true,
	}

	if _, err := c.cache.SaveMessage(session.SessionID, msg); err != nil {
		log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to cache outbound message")
	}
	c.seen.Set(session.SessionID+"/"+msg.MessageID, struct{}{}, gocache.DefaultExpiration)

	c.noteAgentActivity(session.SessionID)

	if sock != nil {
		// the backend confirms socket sends asynchronously, via an echo
		// frame carrying its assigned id; register before writing so even
		// an immediate echo finds the pending entry
		c.mu.Lock()
		c.pending = append(c.pending, pendingSend{tempID: msg.MessageID, content: content})
		c.mu.Unlock()
		if err := sock.SendMessage(msg); err != nil {
			c.takePending(content)
			return msg, fmt.Errorf("failed to send message: %w", err)
		}
		return msg, nil
	}

	confirmed, err := c.api.SendMessage(session.SessionID, partyID, c.role.SenderType(), content, models.MessageText)
	if err != nil {
		return msg, fmt.Errorf("failed to send message: %w", err)
	}
	c.confirmMessage(session.SessionID, msg.MessageID, confirmed)
	return confirmed, nil
}

// SendAttachment uploads the file and sends an IMAGE or FILE message
// whose content is the object URL. Attachments always go over REST.
func (c *Client) SendAttachment(ctx context.Context, filename, contentType string, data []byte) (*models.ChatMessage, error) {
	if c.uploader == nil {
		return nil, ErrNoUploader
	}

	c.mu.Lock()
	session := c.session
	partyID := c.partyID
	c.mu.Unlock()

	if session == nil {
		return nil, ErrNoSession
	}
	if session.Closed() {
		return nil, ErrSessionClosed
	}

	msgType := models.MessageFile
	if strings.HasPrefix(contentType, "image/") {
		msgType = models.MessageImage
	}

	tempID := "local-" + uuid.NewString()
	url, err := c.uploader.Upload(ctx, session.SessionID, tempID, filename, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment: %w", err)
	}

	msg := &models.ChatMessage{
		MessageID:   tempID,
		SessionID:   session.SessionID,
		SenderType:  c.role.SenderType(),
		SenderID:    partyID,
		Content:     url,
		MessageType: msgType,
		CreatedAt:   time.Now().UTC(),
		Read:        true,
	}
	if _, err := c.cache.SaveMessage(session.SessionID, msg); err != nil {
		log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to cache outbound attachment")
	}
	c.seen.Set(session.SessionID+"/"+tempID, struct{}{}, gocache.DefaultExpiration)

	c.noteAgentActivity(session.SessionID)

	confirmed, err := c.api.SendMessage(session.SessionID, partyID, c.role.SenderType(), url, msgType)
	if err != nil {
		return msg, fmt.Errorf("failed to send attachment message: %w", err)
	}
	c.confirmMessage(session.SessionID, tempID, confirmed)
	return confirmed, nil
}

// takePending pops the oldest pending socket send with matching content.
func (c *Client) takePending(content string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p.content == content {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return p.tempID, true
		}
	}
	return "", false
}

// confirmMessage swaps the optimistic temp-id copy for the backend's
// confirmed one and marks the confirmed id as already delivered so a
// transport echo does not duplicate it.
func (c *Client) confirmMessage(sessionID, tempID string, confirmed *models.ChatMessage) {
	if confirmed == nil || confirmed.MessageID == "" || confirmed.MessageID == tempID {
		return
	}
	if err := c.cache.DeleteMessage(sessionID, tempID); err != nil {
		log.Warn().Err(err).Str("messageID", tempID).Msg("Failed to drop optimistic message copy")
	}
	confirmed.Read = true
	if _, err := c.cache.SaveMessage(sessionID, confirmed); err != nil {
		log.Warn().Err(err).Str("messageID", confirmed.MessageID).Msg("Failed to cache confirmed message")
	}
	c.seen.Set(sessionID+"/"+confirmed.MessageID, struct{}{}, gocache.DefaultExpiration)
}

// noteAgentActivity flips a WAITING session to ACTIVE when an agent
// responds; the user side never changes status by sending.
func (c *Client) noteAgentActivity(sessionID string) {
	if c.role != models.RoleAgent {
		return
	}
	cached := c.cache.GetSession(sessionID)
	if cached == nil || cached.Status != models.StatusWaiting {
		return
	}
	if err := c.cache.UpdateSessionStatus(sessionID, models.StatusActive); err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to activate cached session")
		return
	}
	c.updateSession(func(s *models.ChatSession) {
		if s.SessionID == sessionID {
			s.Status = models.StatusActive
		}
	})
}

// SendTyping forwards a typing indicator when a socket is open. Polling
// has no typing channel, so this is silently a no-op there.
func (c *Client) SendTyping(isTyping bool) {
	c.mu.Lock()
	sock := c.socket
	partyID := c.partyID
	c.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.SendTyping(partyID, isTyping); err != nil {
		log.Debug().Err(err).Msg("Failed to send typing indicator")
	}
}

// CloseSession closes the session locally first, then best-effort on the
// backend, and tears down the transport regardless of the REST outcome.
// Idempotent: it reports success once the local state is updated, even
// when the remote call fails; the remote failure is logged for later
// reconciliation.
func (c *Client) CloseSession() error {
	c.mu.Lock()
	session := c.session
	c.disconnected = true
	c.mu.Unlock()

	if session == nil {
		return ErrNoSession
	}

	if err := c.cache.UpdateSessionStatus(session.SessionID, models.StatusClosed); err != nil {
		log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to close cached session")
	}
	c.updateSession(func(s *models.ChatSession) { s.Status = models.StatusClosed })

	if _, err := c.api.Close(session.SessionID); err != nil {
		log.Error().Err(err).Str("sessionID", session.SessionID).Msg("Remote close failed, local state already closed")
	}

	c.teardownTransport()
	log.Info().Str("sessionID", session.SessionID).Msg("Session closed")
	return nil
}

// RateSession submits a 1-5 rating. Out-of-range ratings are rejected
// before any network call.
func (c *Client) RateSession(rating int, feedback string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %d: %w", rating, ErrInvalidRating)
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}

	return c.api.Rate(session.SessionID, rating, feedback)
}

// MarkAsRead marks the given party's messages read on the backend and
// resets the local unread counter.
func (c *Client) MarkAsRead(senderType models.SenderType) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}

	if err := c.cache.MarkSessionRead(session.SessionID); err != nil {
		log.Warn().Err(err).Str("sessionID", session.SessionID).Msg("Failed to reset local unread counter")
	}
	return c.api.MarkRead(session.SessionID, senderType)
}

// ChatHistory returns the account's past sessions; when the backend is
// unreachable the locally cached sessions are returned instead.
func (c *Client) ChatHistory(accountID string) ([]models.ChatSession, error) {
	sessions, err := c.api.MySessions(accountID)
	if err != nil {
		log.Warn().Err(err).Str("accountID", accountID).Msg("History fetch failed, serving cached sessions")
		var cached []models.ChatSession
		for _, s := range c.cache.Sessions() {
			if s.AccountID == accountID {
				cached = append(cached, s)
			}
		}
		return cached, nil
	}
	return sessions, nil
}

// Disconnect tears down the transport and forgets the in-memory session
// pointers. Idempotent; the local cache is left intact.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.session = nil
	c.partyID = ""
	c.pending = nil
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.teardownTransport()
}
