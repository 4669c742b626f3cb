package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"livechat/internal/models"
)

// DefaultPollInterval is the user-side poll cadence; the agent console
// configures its own.
const DefaultPollInterval = 3 * time.Second

// MessageSource is the slice of the REST backend the poller needs. The
// api.Client satisfies it.
type MessageSource interface {
	Messages(sessionID string) ([]models.ChatMessage, error)
	GetSession(sessionID string) (*models.ChatSession, error)
}

// Poller is the pull strategy: on a fixed interval it fetches messages
// newer than the last observed timestamp and synthesizes the same inbound
// events the socket strategy would have produced. Messages authored by the
// polling party itself are suppressed so a sender never sees its own
// messages echoed back. Because polling only fetches messages, the session
// itself is re-read each tick to detect agent assignment and closure.
type Poller struct {
	source    MessageSource
	sessionID string
	role      models.Role
	interval  time.Duration
	handler   Handler

	stopOnce sync.Once
	stop     chan struct{}

	// lastSeen is the inclusive watermark; atWatermark holds the ids of
	// messages already delivered at exactly that timestamp, so a message
	// sharing the watermark timestamp that only appears in a later poll
	// response is neither skipped nor re-delivered.
	lastSeen    time.Time
	atWatermark map[string]struct{}
	agentSeen   bool
}

// NewPoller builds a poller for one session. startFrom is the initial
// watermark: messages created at or after it are delivered. The zero
// value replays the full message history as a catch-up (deduplication
// downstream makes that safe).
func NewPoller(source MessageSource, sessionID string, role models.Role, interval time.Duration, startFrom time.Time, handler Handler) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		source:      source,
		sessionID:   sessionID,
		role:        role,
		interval:    interval,
		handler:     handler,
		stop:        make(chan struct{}),
		lastSeen:    startFrom,
		atWatermark: make(map[string]struct{}),
	}
}

// Start emits a connected event and begins ticking until Stop is called
// or the session is observed closed.
func (p *Poller) Start() {
	log.Info().Str("sessionID", p.sessionID).Dur("interval", p.interval).Msg("Polling started")
	p.handler(Event{Type: EventConnected})

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				if closed := p.tick(); closed {
					p.Stop()
					return
				}
			}
		}
	}()
}

// tick runs one poll pass. Returns true once session closure is observed.
func (p *Poller) tick() bool {
	msgs, err := p.source.Messages(p.sessionID)
	if err != nil {
		log.Debug().Err(err).Str("sessionID", p.sessionID).Msg("Poll for messages failed")
	} else {
		own := p.role.SenderType()
		maxSeen := p.lastSeen
		newIDs := make(map[string]struct{})
		for i := range msgs {
			msg := msgs[i]
			if msg.CreatedAt.Before(p.lastSeen) {
				continue
			}
			if msg.CreatedAt.Equal(p.lastSeen) {
				if _, dup := p.atWatermark[msg.MessageID]; dup {
					continue
				}
			}
			switch {
			case msg.CreatedAt.After(maxSeen):
				maxSeen = msg.CreatedAt
				newIDs = map[string]struct{}{msg.MessageID: {}}
			case msg.CreatedAt.Equal(maxSeen):
				newIDs[msg.MessageID] = struct{}{}
			}
			// suppress self-echo: the poller's own messages never come back
			// as inbound events
			if msg.SenderType == own {
				continue
			}
			p.handler(Event{Type: EventMessage, Message: &msg})
		}
		if maxSeen.After(p.lastSeen) {
			p.lastSeen = maxSeen
			p.atWatermark = newIDs
		} else {
			for id := range newIDs {
				p.atWatermark[id] = struct{}{}
			}
		}
	}

	sess, err := p.source.GetSession(p.sessionID)
	if err != nil {
		log.Debug().Err(err).Str("sessionID", p.sessionID).Msg("Poll for session state failed")
		return false
	}
	if sess.AgentID != "" && !p.agentSeen {
		p.agentSeen = true
		p.handler(Event{Type: EventAgentJoin, Agent: &models.Agent{AgentID: sess.AgentID}})
	}
	if sess.Closed() {
		log.Info().Str("sessionID", p.sessionID).Msg("Session observed closed, polling stops")
		p.handler(Event{Type: EventSessionClosed})
		return true
	}
	return false
}

// Stop ends polling. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
