package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"livechat/internal/models"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake; a dial that
	// has not completed by then counts as a connect failure and the owner
	// falls back to polling.
	DefaultConnectTimeout = 10 * time.Second

	socketWriteWait = 10 * time.Second
)

// Socket is the persistent bidirectional strategy: one connection per
// session at a session-scoped endpoint. The socket itself never retries;
// on a drop it reports disconnected once and leaves the reconnect-or-fall
// back decision to the owning client.
type Socket struct {
	conn    *websocket.Conn
	handler Handler

	writeMu   sync.Mutex
	closeOnce sync.Once
	// set before an owner-initiated Close so the read loop can tell a
	// deliberate teardown from a dropped connection
	ownerClosed atomic.Bool
}

// DialSocket connects to the session's socket endpoint. The handshake is
// bounded by timeout; on success a connected event is delivered and the
// read loop starts. On failure the error is returned and no events are
// ever delivered.
func DialSocket(url string, timeout time.Duration, handler Handler) (*Socket, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Socket connect failed")
		return nil, fmt.Errorf("socket connect to %s failed: %w", url, err)
	}

	s := &Socket{conn: conn, handler: handler}
	log.Info().Str("url", url).Msg("Socket connected")

	handler(Event{Type: EventConnected})
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ownerClosed.Load() {
				return
			}
			log.Debug().Err(err).Msg("Socket read failed, connection lost")
			s.handler(Event{Type: EventDisconnected})
			return
		}

		ev, ok := parseFrame(data)
		if !ok {
			log.Debug().Str("frame", string(data)).Msg("Dropping unrecognized socket frame")
			continue
		}
		s.handler(ev)
	}
}

// SendMessage delivers an outbound chat message over the socket.
func (s *Socket) SendMessage(msg *models.ChatMessage) error {
	return s.write(msg)
}

// SendTyping delivers a typing indicator for the local party.
func (s *Socket) SendTyping(senderID string, isTyping bool) error {
	return s.write(map[string]interface{}{
		"type":     "typing",
		"senderId": senderID,
		"isTyping": isTyping,
	})
}

func (s *Socket) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return fmt.Errorf("socket write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("socket write failed: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent; the read loop exits
// without reporting a disconnect.
func (s *Socket) Close() {
	s.ownerClosed.Store(true)
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
