// Package server is the agent console's local HTTP surface: a small
// sidecar API the admin UI talks to, backed by the agent chat client and
// its cache-fallback listing.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"livechat/internal/chat"
	"livechat/internal/models"
)

// Server wires the agent chat client behind HTTP routes. agentID is the
// console's configured agent identity, used when a join request does not
// name one explicitly.
type Server struct {
	agent   *chat.Client
	agentID string
	router  *mux.Router
}

// NewServer builds the router with the standard middleware chain.
func NewServer(agent *chat.Client, agentID string) *Server {
	s := &Server{agent: agent, agentID: agentID, router: mux.NewRouter()}

	chain := alice.New(s.logRequest)
	s.router.Handle("/health", chain.Then(http.HandlerFunc(s.health))).Methods(http.MethodGet)
	s.router.Handle("/sessions", chain.Then(http.HandlerFunc(s.sessions))).Methods(http.MethodGet)
	s.router.Handle("/queue", chain.Then(http.HandlerFunc(s.queue))).Methods(http.MethodGet)
	s.router.Handle("/sessions/{sessionId}/messages", chain.Then(http.HandlerFunc(s.messages))).Methods(http.MethodGet)
	s.router.Handle("/sessions/{sessionId}/messages", chain.Then(http.HandlerFunc(s.sendMessage))).Methods(http.MethodPost)
	s.router.Handle("/sessions/{sessionId}/join", chain.Then(http.HandlerFunc(s.join))).Methods(http.MethodPost)
	s.router.Handle("/sessions/{sessionId}/close", chain.Then(http.HandlerFunc(s.close))).Methods(http.MethodPost)

	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	status := models.SessionStatus(r.URL.Query().Get("status"))
	list, err := s.agent.Sessions(status)
	if err != nil {
		s.respondWithJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.respondWithJSON(w, http.StatusOK, list)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	list, err := s.agent.Queue()
	if err != nil {
		s.respondWithJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.respondWithJSON(w, http.StatusOK, list)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if sessionID == "" {
		s.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "session id is required"})
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"messages":  s.agent.Cache().Messages(sessionID),
	})
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		agentID = s.agentID
	}
	if sessionID == "" || agentID == "" {
		s.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "session id and agent id are required"})
		return
	}
	session, err := s.agent.JoinSession(sessionID, agentID)
	if err != nil {
		s.respondWithJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.respondWithJSON(w, http.StatusOK, session)
}

// sendMessage posts an agent message into the attached session. JSON
// bodies send text; multipart bodies with a "file" field upload an
// attachment and send its URL.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	current := s.agent.Session()
	if current == nil || current.SessionID != sessionID {
		s.respondWithJSON(w, http.StatusConflict, map[string]string{"error": "agent is not attached to this session"})
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "file field is required"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			s.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read uploaded file"})
			return
		}
		msg, err := s.agent.SendAttachment(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
		if err != nil {
			s.respondWithJSON(w, sendErrorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		s.respondWithJSON(w, http.StatusOK, msg)
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		s.respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "message content is required"})
		return
	}
	msg, err := s.agent.SendMessage(body.Content)
	if err != nil {
		s.respondWithJSON(w, sendErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	s.respondWithJSON(w, http.StatusOK, msg)
}

func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNoUploader):
		return http.StatusNotImplemented
	case errors.Is(err, chat.ErrNoSession), errors.Is(err, chat.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) close(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	current := s.agent.Session()
	if current == nil || current.SessionID != sessionID {
		s.respondWithJSON(w, http.StatusConflict, map[string]string{"error": "agent is not attached to this session"})
		return
	}
	if err := s.agent.CloseSession(); err != nil {
		s.respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
