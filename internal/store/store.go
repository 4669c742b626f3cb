// Package store is the local session cache: a durable mirror of chat
// sessions and their messages used as an availability fallback when the
// remote chat API is unreachable, and as the home of agent-visible
// metadata (display name) the remote API does not persist.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"livechat/internal/models"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	// DefaultRetention is how long closed sessions stay queryable before
	// garbage collection. WAITING and ACTIVE sessions are never collected.
	DefaultRetention = 60 * time.Minute
	// DefaultGCInterval rate-limits garbage collection runs.
	DefaultGCInterval = 10 * time.Minute

	metaLastGC = "last_gc"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	session_id      TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL DEFAULT '',
	agent_id        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'WAITING',
	subject         TEXT NOT NULL DEFAULT '',
	display_name    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	closed_at       TIMESTAMP,
	last_message    TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMP,
	unread_count    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS chat_messages (
	session_id   TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	sender_type  TEXT NOT NULL DEFAULT '',
	sender_id    TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	message_type TEXT NOT NULL DEFAULT 'TEXT',
	created_at   TIMESTAMP NOT NULL,
	read         BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (session_id, message_id)
);
CREATE TABLE IF NOT EXISTS cache_meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// Store is the sqlx-backed session cache. The owning role decides the
// unread-count direction: a user-owned cache counts unread AGENT messages,
// an agent-owned cache counts unread USER messages.
type Store struct {
	db         *sqlx.DB
	owner      models.Role
	retention  time.Duration
	gcInterval time.Duration

	now func() time.Time
}

// Option adjusts Store construction.
type Option func(*Store)

// WithRetention overrides the closed-session retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithGCInterval overrides the minimum time between GC runs.
func WithGCInterval(d time.Duration) Option {
	return func(s *Store) { s.gcInterval = d }
}

// Open connects to the cache database, creates the schema if needed and
// runs an opportunistic (rate-limited) garbage collection pass. The DSN
// selects the driver: postgres URLs use lib/pq, anything else is treated
// as a sqlite file path or ":memory:".
func Open(dsn string, owner models.Role, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store DSN cannot be empty")
	}

	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}
	if driver == "sqlite" {
		// sqlite serializes writers anyway, and a single pooled connection
		// keeps ":memory:" databases coherent
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:         db,
		owner:      owner,
		retention:  DefaultRetention,
		gcInterval: DefaultGCInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create session cache schema: %w", err)
		}
	}

	log.Info().Str("driver", driver).Str("owner", string(owner)).Msg("Session cache opened")

	s.CollectGarbage()
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session by id, merging fields: zero-valued fields
// on the incoming session do not overwrite cached values. In particular a
// cached display name survives remote payloads that lack one, while remote
// status and agent assignment always win when present. UpdatedAt is set to
// the current time.
func (s *Store) SaveSession(sess *models.ChatSession) error {
	if sess == nil || sess.SessionID == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()

	var cur models.ChatSession
	err = tx.Get(&cur, tx.Rebind(`SELECT * FROM chat_sessions WHERE session_id = ?`), sess.SessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = *sess
		if cur.Status == "" {
			cur.Status = models.StatusWaiting
		}
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = now
		}
		cur.UpdatedAt = now
		_, err = tx.NamedExec(`INSERT INTO chat_sessions
			(session_id, account_id, agent_id, status, subject, display_name,
			 created_at, updated_at, closed_at, last_message, last_message_at, unread_count)
			VALUES (:session_id, :account_id, :agent_id, :status, :subject, :display_name,
			 :created_at, :updated_at, :closed_at, :last_message, :last_message_at, :unread_count)`, &cur)
		if err != nil {
			return fmt.Errorf("failed to insert session %s: %w", sess.SessionID, err)
		}
	case err != nil:
		// Malformed cached rows are treated as missing data rather than a
		// hard failure, availability wins over strictness here.
		log.Warn().Err(err).Str("sessionID", sess.SessionID).Msg("Unreadable cached session, replacing")
		if _, derr := tx.Exec(tx.Rebind(`DELETE FROM chat_sessions WHERE session_id = ?`), sess.SessionID); derr != nil {
			return fmt.Errorf("failed to replace unreadable session %s: %w", sess.SessionID, derr)
		}
		cur = *sess
		if cur.Status == "" {
			cur.Status = models.StatusWaiting
		}
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = now
		}
		cur.UpdatedAt = now
		_, err = tx.NamedExec(`INSERT INTO chat_sessions
			(session_id, account_id, agent_id, status, subject, display_name,
			 created_at, updated_at, closed_at, last_message, last_message_at, unread_count)
			VALUES (:session_id, :account_id, :agent_id, :status, :subject, :display_name,
			 :created_at, :updated_at, :closed_at, :last_message, :last_message_at, :unread_count)`, &cur)
		if err != nil {
			return fmt.Errorf("failed to insert session %s: %w", sess.SessionID, err)
		}
	default:
		mergeSession(&cur, sess)
		cur.UpdatedAt = now
		_, err = tx.NamedExec(`UPDATE chat_sessions SET
			account_id = :account_id, agent_id = :agent_id, status = :status,
			subject = :subject, display_name = :display_name, created_at = :created_at,
			updated_at = :updated_at, closed_at = :closed_at, last_message = :last_message,
			last_message_at = :last_message_at, unread_count = :unread_count
			WHERE session_id = :session_id`, &cur)
		if err != nil {
			return fmt.Errorf("failed to update session %s: %w", sess.SessionID, err)
		}
	}

	return tx.Commit()
}

// mergeSession overlays non-zero fields of in onto cur.
func mergeSession(cur, in *models.ChatSession) {
	if in.AccountID != "" {
		cur.AccountID = in.AccountID
	}
	if in.AgentID != "" {
		cur.AgentID = in.AgentID
	}
	if in.Status != "" {
		cur.Status = in.Status
	}
	if in.Subject != "" {
		cur.Subject = in.Subject
	}
	if in.DisplayName != "" {
		cur.DisplayName = in.DisplayName
	}
	if !in.CreatedAt.IsZero() {
		cur.CreatedAt = in.CreatedAt
	}
	if in.ClosedAt != nil {
		cur.ClosedAt = in.ClosedAt
	}
	if in.LastMessage != "" {
		cur.LastMessage = in.LastMessage
	}
	if in.LastMessageAt != nil {
		cur.LastMessageAt = in.LastMessageAt
	}
	if in.UnreadCount > 0 {
		cur.UnreadCount = in.UnreadCount
	}
}

// GetSession returns the cached session or nil when absent or unreadable.
func (s *Store) GetSession(sessionID string) *models.ChatSession {
	var sess models.ChatSession
	err := s.db.Get(&sess, s.db.Rebind(`SELECT * FROM chat_sessions WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to read cached session")
		return nil
	}
	return &sess
}

// Sessions returns all cached sessions, most recently updated first.
func (s *Store) Sessions() []models.ChatSession {
	var sessions []models.ChatSession
	err := s.db.Select(&sessions, `SELECT * FROM chat_sessions ORDER BY updated_at DESC`)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list cached sessions")
		return nil
	}
	return sessions
}

// SessionsByStatus returns cached sessions filtered by status, or all
// sessions when status is empty. Most recently updated first.
func (s *Store) SessionsByStatus(status models.SessionStatus) []models.ChatSession {
	if status == "" {
		return s.Sessions()
	}
	var sessions []models.ChatSession
	err := s.db.Select(&sessions,
		s.db.Rebind(`SELECT * FROM chat_sessions WHERE status = ? ORDER BY updated_at DESC`), status)
	if err != nil {
		log.Warn().Err(err).Str("status", string(status)).Msg("Failed to list cached sessions")
		return nil
	}
	return sessions
}

// UpdateSessionStatus sets the session status and bumps updated_at.
// Moving to CLOSED also stamps closed_at, once: a later repeated close
// does not move the recorded closing time.
func (s *Store) UpdateSessionStatus(sessionID string, status models.SessionStatus) error {
	now := s.now().UTC()
	if status == models.StatusClosed {
		_, err := s.db.Exec(s.db.Rebind(`UPDATE chat_sessions
			SET status = ?, updated_at = ?,
			    closed_at = COALESCE(closed_at, ?)
			WHERE session_id = ?`), status, now, now, sessionID)
		if err != nil {
			return fmt.Errorf("failed to close cached session %s: %w", sessionID, err)
		}
		return nil
	}
	_, err := s.db.Exec(s.db.Rebind(`UPDATE chat_sessions SET status = ?, updated_at = ? WHERE session_id = ?`),
		status, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update cached session %s status: %w", sessionID, err)
	}
	return nil
}

// UpdateLastMessage refreshes the denormalized last-message fields and
// increments the unread count when, and only when, the message came from
// the counterpart of the cache's owning role.
func (s *Store) UpdateLastMessage(sessionID, content string, senderType models.SenderType) error {
	return s.updateLastMessageTx(nil, sessionID, content, senderType)
}

func (s *Store) updateLastMessageTx(tx *sqlx.Tx, sessionID, content string, senderType models.SenderType) error {
	now := s.now().UTC()
	inc := 0
	if senderType == s.owner.Counterpart() {
		inc = 1
	}
	q := `UPDATE chat_sessions
		SET last_message = ?, last_message_at = ?, updated_at = ?, unread_count = unread_count + ?
		WHERE session_id = ?`
	var err error
	if tx != nil {
		_, err = tx.Exec(tx.Rebind(q), content, now, now, inc, sessionID)
	} else {
		_, err = s.db.Exec(s.db.Rebind(q), content, now, now, inc, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update last message for session %s: %w", sessionID, err)
	}
	return nil
}

// MarkSessionRead resets the unread counter to zero.
func (s *Store) MarkSessionRead(sessionID string) error {
	_, err := s.db.Exec(s.db.Rebind(`UPDATE chat_sessions SET unread_count = 0 WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark cached session %s read: %w", sessionID, err)
	}
	return nil
}

// SaveMessage appends a message to the session's list, deduplicating by
// message id; the denormalized last-message fields are refreshed in the
// same transaction. A duplicate id is silently dropped and does not touch
// the unread count. Returns true when the message was newly stored.
func (s *Store) SaveMessage(sessionID string, msg *models.ChatMessage) (bool, error) {
	if msg == nil || msg.MessageID == "" {
		return false, fmt.Errorf("message id is required")
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return false, fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	res, err := tx.Exec(tx.Rebind(`INSERT INTO chat_messages
		(session_id, message_id, sender_type, sender_id, content, message_type, created_at, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, message_id) DO NOTHING`),
		sessionID, msg.MessageID, msg.SenderType, msg.SenderID, msg.Content, msg.MessageType, createdAt, msg.Read)
	if err != nil {
		return false, fmt.Errorf("failed to store message %s: %w", msg.MessageID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to store message %s: %w", msg.MessageID, err)
	}
	if inserted == 0 {
		log.Debug().Str("sessionID", sessionID).Str("messageID", msg.MessageID).Msg("Duplicate message dropped")
		return false, tx.Commit()
	}

	if err := s.updateLastMessageTx(tx, sessionID, msg.Content, msg.SenderType); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Messages returns the session's messages ordered by creation time, with
// the message id as a stable tiebreaker. Sorting on read keeps the list
// consistent even when the two transports delivered out of order.
func (s *Store) Messages(sessionID string) []models.ChatMessage {
	var msgs []models.ChatMessage
	err := s.db.Select(&msgs,
		s.db.Rebind(`SELECT * FROM chat_messages WHERE session_id = ? ORDER BY created_at, message_id`), sessionID)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Failed to read cached messages")
		return nil
	}
	return msgs
}

// DeleteMessage removes a single message, used to drop the optimistic
// temp-id copy once the backend confirms a send with its own id.
func (s *Store) DeleteMessage(sessionID, messageID string) error {
	_, err := s.db.Exec(s.db.Rebind(`DELETE FROM chat_messages WHERE session_id = ? AND message_id = ?`),
		sessionID, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// DeleteSession removes a session and all of its messages.
func (s *Store) DeleteSession(sessionID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(tx.Rebind(`DELETE FROM chat_messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete messages for session %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(tx.Rebind(`DELETE FROM chat_sessions WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

// CollectGarbage purges closed sessions older than the retention window,
// together with their messages. WAITING and ACTIVE sessions are retained
// regardless of age. The pass is rate-limited: it runs at most once per
// gcInterval and is a no-op in between.
func (s *Store) CollectGarbage() {
	now := s.now().UTC()

	var lastGCStr string
	err := s.db.Get(&lastGCStr, s.db.Rebind(`SELECT v FROM cache_meta WHERE k = ?`), metaLastGC)
	if err == nil {
		if lastGC, perr := strconv.ParseInt(lastGCStr, 10, 64); perr == nil {
			if now.Sub(time.Unix(lastGC, 0)) < s.gcInterval {
				return
			}
		}
		// An unparsable timestamp just means the pass runs now.
	} else if !errors.Is(err, sql.ErrNoRows) {
		log.Warn().Err(err).Msg("Failed to read last GC timestamp")
	}

	tx, err := s.db.Beginx()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to begin GC transaction")
		return
	}
	defer tx.Rollback()

	cutoff := now.Add(-s.retention)

	if _, err := tx.Exec(tx.Rebind(`DELETE FROM chat_messages WHERE session_id IN
		(SELECT session_id FROM chat_sessions WHERE status = ? AND updated_at < ?)`),
		models.StatusClosed, cutoff); err != nil {
		log.Warn().Err(err).Msg("Failed to purge expired messages")
		return
	}

	res, err := tx.Exec(tx.Rebind(`DELETE FROM chat_sessions WHERE status = ? AND updated_at < ?`),
		models.StatusClosed, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to purge expired sessions")
		return
	}

	if _, err := tx.Exec(tx.Rebind(`DELETE FROM cache_meta WHERE k = ?`), metaLastGC); err != nil {
		log.Warn().Err(err).Msg("Failed to rotate GC timestamp")
		return
	}
	if _, err := tx.Exec(tx.Rebind(`INSERT INTO cache_meta (k, v) VALUES (?, ?)`),
		metaLastGC, strconv.FormatInt(now.Unix(), 10)); err != nil {
		log.Warn().Err(err).Msg("Failed to record GC timestamp")
		return
	}

	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("Failed to commit GC transaction")
		return
	}

	if purged, _ := res.RowsAffected(); purged > 0 {
		log.Info().Int64("sessions", purged).Msg("Purged expired closed sessions")
	}
}
