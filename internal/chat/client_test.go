package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livechat/internal/api"
	"livechat/internal/models"
	"livechat/internal/store"
	"livechat/internal/transport"
)

// fakeBackend is an in-memory chat backend double.
type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	messages map[string][]models.ChatMessage
	requests []string
	nextID   int
	failSend bool

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]models.ChatMessage),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string { return b.srv.URL }

func (b *fakeBackend) sawRequest(fragment string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.requests {
		if strings.Contains(r, fragment) {
			return true
		}
	}
	return false
}

func (b *fakeBackend) putSession(s *models.ChatSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.SessionID] = s
}

func (b *fakeBackend) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)
	b.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	switch {
	case r.Method == http.MethodPost && path == "sessions":
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.nextID++
		s := &models.ChatSession{
			SessionID: fmt.Sprintf("sess-%d", b.nextID),
			AccountID: body["accountId"],
			Status:    models.StatusWaiting,
			Subject:   body["subject"],
			CreatedAt: time.Now().UTC(),
		}
		b.sessions[s.SessionID] = s
		b.mu.Unlock()
		b.respond(w, http.StatusOK, s)

	case r.Method == http.MethodGet && path == "sessions":
		b.mu.Lock()
		var out []models.ChatSession
		status := r.URL.Query().Get("status")
		for _, s := range b.sessions {
			if status == "" || string(s.Status) == status {
				out = append(out, *s)
			}
		}
		b.mu.Unlock()
		b.respond(w, http.StatusOK, out)

	case r.Method == http.MethodGet && path == "queue":
		b.mu.Lock()
		var out []models.ChatSession
		for _, s := range b.sessions {
			if s.Status == models.StatusWaiting {
				out = append(out, *s)
			}
		}
		b.mu.Unlock()
		b.respond(w, http.StatusOK, out)

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodGet:
		id := strings.TrimSuffix(strings.TrimPrefix(path, "sessions/"), "/messages")
		b.mu.Lock()
		msgs := b.messages[id]
		b.mu.Unlock()
		b.respond(w, http.StatusOK, msgs)

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodPost:
		if b.failSend {
			b.respond(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(path, "sessions/"), "/messages")
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.nextID++
		msg := models.ChatMessage{
			MessageID:   fmt.Sprintf("srv-%d", b.nextID),
			SessionID:   id,
			SenderType:  models.SenderType(body["senderType"]),
			SenderID:    body["senderId"],
			Content:     body["content"],
			MessageType: models.MessageType(body["messageType"]),
			CreatedAt:   time.Now().UTC(),
		}
		b.messages[id] = append(b.messages[id], msg)
		b.mu.Unlock()
		b.respond(w, http.StatusOK, msg)

	case strings.HasSuffix(path, "/assign"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "sessions/"), "/assign")
		b.mu.Lock()
		s, ok := b.sessions[id]
		if ok {
			s.AgentID = r.URL.Query().Get("agentId")
		}
		b.mu.Unlock()
		if !ok {
			b.respond(w, http.StatusNotFound, map[string]string{"error": "no such session"})
			return
		}
		b.respond(w, http.StatusOK, s)

	case strings.HasSuffix(path, "/close"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "sessions/"), "/close")
		b.mu.Lock()
		s, ok := b.sessions[id]
		if ok {
			s.Status = models.StatusClosed
		}
		b.mu.Unlock()
		if !ok {
			b.respond(w, http.StatusNotFound, map[string]string{"error": "no such session"})
			return
		}
		b.respond(w, http.StatusOK, s)

	case strings.HasSuffix(path, "/rate") || strings.HasSuffix(path, "/read"):
		b.respond(w, http.StatusOK, map[string]string{"status": "ok"})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "sessions/"):
		id := strings.TrimPrefix(path, "sessions/")
		b.mu.Lock()
		s, ok := b.sessions[id]
		b.mu.Unlock()
		if !ok {
			b.respond(w, http.StatusNotFound, map[string]string{"error": "no such session"})
			return
		}
		b.respond(w, http.StatusOK, s)

	case path == "my-sessions":
		b.mu.Lock()
		var out []models.ChatSession
		for _, s := range b.sessions {
			if s.AccountID == r.URL.Query().Get("accountId") {
				out = append(out, *s)
			}
		}
		b.mu.Unlock()
		b.respond(w, http.StatusOK, out)

	default:
		b.respond(w, http.StatusNotFound, map[string]string{"error": "unhandled route"})
	}
}

func newTestClient(t *testing.T, role models.Role, backend *fakeBackend, cfg Config, opts ...Option) (*Client, *store.Store) {
	t.Helper()
	cache, err := store.Open(":memory:", role)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	apiClient, err := api.NewClient(backend.url(), nil)
	if err != nil {
		t.Fatalf("api.NewClient() failed: %v", err)
	}

	c := NewClient(role, apiClient, cache, cfg, opts...)
	t.Cleanup(c.Disconnect)
	return c, cache
}

func TestConnectFallsBackToPolling(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{
		SocketURL:      "ws://127.0.0.1:1", // nothing listens here
		ConnectTimeout: 300 * time.Millisecond,
		PollInterval:   time.Hour,
	})

	session, err := c.Connect("ACC1", "Deposit issue", "Jane")
	if err != nil {
		t.Fatalf("Connect() failed despite polling fallback: %v", err)
	}
	if session.Status != models.StatusWaiting {
		t.Errorf("Status = %q, want WAITING", session.Status)
	}

	c.mu.Lock()
	sock, poller := c.socket, c.poller
	c.mu.Unlock()
	if sock != nil {
		t.Error("socket still set after failed dial")
	}
	if poller == nil {
		t.Error("no poller active after fallback")
	}

	cached := cache.GetSession(session.SessionID)
	if cached == nil || cached.DisplayName != "Jane" {
		t.Errorf("cached session = %+v, want DisplayName Jane", cached)
	}
}

func TestAgentSeesCachedDisplayName(t *testing.T) {
	backend := newFakeBackend(t)

	// shared cache, as when widget and console run in the same deployment
	cache, err := store.Open(":memory:", models.RoleAgent)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	apiClient, _ := api.NewClient(backend.url(), nil)
	user := NewClient(models.RoleUser, apiClient, cache, Config{})
	agent := NewClient(models.RoleAgent, apiClient, cache, Config{})
	t.Cleanup(user.Disconnect)
	t.Cleanup(agent.Disconnect)

	session, err := user.StartSession("ACC1", "Deposit issue", "Jane")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	list, err := agent.Sessions("")
	if err != nil {
		t.Fatalf("Sessions() failed: %v", err)
	}
	if list.Source != SourceAPI {
		t.Errorf("Source = %q, want api", list.Source)
	}
	found := false
	for _, s := range list.Sessions {
		if s.SessionID == session.SessionID {
			found = true
			if s.DisplayName != "Jane" {
				t.Errorf("DisplayName = %q, want Jane (remote payload has no name field)", s.DisplayName)
			}
		}
	}
	if !found {
		t.Error("created session missing from agent listing")
	}
}

func TestSessionsFallBackToCache(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleAgent, backend, Config{})

	if err := cache.SaveSession(&models.ChatSession{
		SessionID: "s1", AccountID: "ACC1", Status: models.StatusWaiting, DisplayName: "Jane",
	}); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	backend.srv.Close() // backend gone

	list, err := c.Sessions(models.StatusWaiting)
	if err != nil {
		t.Fatalf("Sessions() should degrade, got error: %v", err)
	}
	if list.Source != SourceCache {
		t.Errorf("Source = %q, want cache", list.Source)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].SessionID != "s1" {
		t.Errorf("Sessions = %+v", list.Sessions)
	}
}

func TestRatingValidatedBeforeNetwork(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := newTestClient(t, models.RoleUser, backend, Config{})

	if _, err := c.StartSession("ACC1", "", ""); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	err := c.RateSession(6, "too good")
	if !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("RateSession(6) error = %v, want ErrInvalidRating", err)
	}
	if backend.sawRequest("/rate") {
		t.Error("out-of-range rating still reached the backend")
	}

	if err := c.RateSession(5, "great"); err != nil {
		t.Fatalf("RateSession(5) failed: %v", err)
	}
	if !backend.sawRequest("/rate") {
		t.Error("valid rating never reached the backend")
	}
}

func TestAgentReplyActivatesWaitingSession(t *testing.T) {
	backend := newFakeBackend(t)
	backend.putSession(&models.ChatSession{
		SessionID: "s1", AccountID: "ACC1", Status: models.StatusWaiting, CreatedAt: time.Now().UTC(),
	})

	c, cache := newTestClient(t, models.RoleAgent, backend, Config{PollInterval: time.Hour})

	if _, err := c.JoinSession("s1", "AGT1"); err != nil {
		t.Fatalf("JoinSession() failed: %v", err)
	}
	if !backend.sawRequest("/assign") {
		t.Error("JoinSession never attempted remote assignment")
	}

	if _, err := c.SendMessage("we are on it"); err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	cached := cache.GetSession("s1")
	if cached == nil || cached.Status != models.StatusActive {
		t.Errorf("cached status = %+v, want ACTIVE after agent reply", cached)
	}
}

func TestUserReplyDoesNotActivate(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	if _, err := c.SendMessage("hello?"); err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	cached := cache.GetSession(session.SessionID)
	if cached == nil || cached.Status != models.StatusWaiting {
		t.Errorf("cached status = %+v, want WAITING after user message", cached)
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	if err := c.CloseSession(); err != nil {
		t.Fatalf("first CloseSession() failed: %v", err)
	}
	first := cache.GetSession(session.SessionID)
	if first.Status != models.StatusClosed || first.ClosedAt == nil {
		t.Fatalf("cached session after close = %+v", first)
	}

	if err := c.CloseSession(); err != nil {
		t.Fatalf("second CloseSession() failed: %v", err)
	}
	second := cache.GetSession(session.SessionID)
	if !second.ClosedAt.Equal(*first.ClosedAt) {
		t.Errorf("ClosedAt moved on repeated close: %v -> %v", first.ClosedAt, second.ClosedAt)
	}
}

func TestCloseSucceedsWhenRemoteFails(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	backend.srv.Close()

	if err := c.CloseSession(); err != nil {
		t.Fatalf("CloseSession() failed despite local close: %v", err)
	}
	cached := cache.GetSession(session.SessionID)
	if cached == nil || cached.Status != models.StatusClosed {
		t.Errorf("cached session = %+v, want CLOSED", cached)
	}
}

func TestResumeClosedSessionFails(t *testing.T) {
	backend := newFakeBackend(t)
	now := time.Now().UTC()
	backend.putSession(&models.ChatSession{
		SessionID: "s1", AccountID: "ACC1", Status: models.StatusClosed, CreatedAt: now, ClosedAt: &now,
	})

	c, _ := newTestClient(t, models.RoleUser, backend, Config{})

	_, err := c.ResumeSession("s1", "ACC1")
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ResumeSession() error = %v, want ErrSessionClosed", err)
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := newTestClient(t, models.RoleUser, backend, Config{})

	if _, err := c.SendMessage("hello"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SendMessage() error = %v, want ErrNoSession", err)
	}
}

func TestSendMessageConfirmsBackendID(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	msg, err := c.SendMessage("hello")
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if strings.HasPrefix(msg.MessageID, "local-") {
		t.Errorf("returned message still has temp id %s", msg.MessageID)
	}

	msgs := cache.Messages(session.SessionID)
	if len(msgs) != 1 {
		t.Fatalf("cache has %d messages, want 1 (temp copy replaced)", len(msgs))
	}
	if msgs[0].MessageID != msg.MessageID {
		t.Errorf("cached id = %s, want %s", msgs[0].MessageID, msg.MessageID)
	}
}

func TestSendFailureKeepsLocalEcho(t *testing.T) {
	backend := newFakeBackend(t)
	backend.failSend = true
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	if _, err := c.SendMessage("hello"); err == nil {
		t.Fatal("SendMessage() should fail when every delivery path fails")
	}

	msgs := cache.Messages(session.SessionID)
	if len(msgs) != 1 {
		t.Fatalf("cache has %d messages, want the preserved optimistic echo", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].MessageID, "local-") {
		t.Errorf("preserved message id = %s, want a local temp id", msgs[0].MessageID)
	}
}

func TestHandleEventDeduplicatesAcrossTransports(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	var delivered int
	unsubscribe := c.Subscribe(func(ev transport.Event) {
		if ev.Type == transport.EventMessage {
			delivered++
		}
	})
	defer unsubscribe()

	ev := transport.Event{Type: transport.EventMessage, Message: &models.ChatMessage{
		MessageID:  "m1",
		SessionID:  session.SessionID,
		SenderType: models.SenderAgent,
		Content:    "hi",
		CreatedAt:  time.Now().UTC(),
	}}
	// once from a late socket frame, once from a catch-up poll
	c.handleEvent(ev)
	c.handleEvent(ev)

	if delivered != 1 {
		t.Errorf("subscriber saw %d message events, want 1", delivered)
	}
	if msgs := cache.Messages(session.SessionID); len(msgs) != 1 {
		t.Errorf("cache has %d messages, want 1", len(msgs))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := newTestClient(t, models.RoleUser, backend, Config{})

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	var delivered int
	unsubscribe := c.Subscribe(func(transport.Event) { delivered++ })
	unsubscribe()

	c.handleEvent(transport.Event{Type: transport.EventMessage, Message: &models.ChatMessage{
		MessageID: "m1", SessionID: session.SessionID, SenderType: models.SenderAgent, Content: "hi",
	}})

	if delivered != 0 {
		t.Errorf("unsubscribed handler still received %d events", delivered)
	}
}

// fakeUploader is an in-memory AttachmentUploader.
type fakeUploader struct {
	baseURL        string
	err            error
	calls          int
	gotContentType string
}

func (f *fakeUploader) Upload(ctx context.Context, sessionID, messageID, filename, contentType string, data []byte) (string, error) {
	f.calls++
	f.gotContentType = contentType
	if f.err != nil {
		return "", f.err
	}
	return f.baseURL + "/" + sessionID + "/" + filename, nil
}

func TestSendAttachmentPicksMessageType(t *testing.T) {
	backend := newFakeBackend(t)
	uploader := &fakeUploader{baseURL: "https://cdn.example.com"}
	c, _ := newTestClient(t, models.RoleUser, backend, Config{}, WithUploader(uploader))

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	img, err := c.SendAttachment(context.Background(), "cat.png", "image/png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("SendAttachment(image) failed: %v", err)
	}
	if img.MessageType != models.MessageImage {
		t.Errorf("image attachment type = %q, want IMAGE", img.MessageType)
	}
	wantURL := "https://cdn.example.com/" + session.SessionID + "/cat.png"
	if img.Content != wantURL {
		t.Errorf("image content = %q, want %q", img.Content, wantURL)
	}

	doc, err := c.SendAttachment(context.Background(), "report.pdf", "application/pdf", []byte("pdf-bytes"))
	if err != nil {
		t.Fatalf("SendAttachment(file) failed: %v", err)
	}
	if doc.MessageType != models.MessageFile {
		t.Errorf("document attachment type = %q, want FILE", doc.MessageType)
	}
	if uploader.calls != 2 {
		t.Errorf("uploader called %d times, want 2", uploader.calls)
	}
}

func TestSendAttachmentWithoutUploader(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := newTestClient(t, models.RoleUser, backend, Config{})

	if _, err := c.StartSession("ACC1", "", ""); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	_, err := c.SendAttachment(context.Background(), "cat.png", "image/png", []byte("png-bytes"))
	if !errors.Is(err, ErrNoUploader) {
		t.Errorf("SendAttachment() error = %v, want ErrNoUploader", err)
	}
}

func TestSendAttachmentKeepsEchoOnSendFailure(t *testing.T) {
	backend := newFakeBackend(t)
	backend.failSend = true
	uploader := &fakeUploader{baseURL: "https://cdn.example.com"}
	c, cache := newTestClient(t, models.RoleUser, backend, Config{}, WithUploader(uploader))

	session, err := c.StartSession("ACC1", "", "")
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	if _, err := c.SendAttachment(context.Background(), "cat.png", "image/png", []byte("png-bytes")); err == nil {
		t.Fatal("SendAttachment() should fail when the message post fails")
	}

	msgs := cache.Messages(session.SessionID)
	if len(msgs) != 1 {
		t.Fatalf("cache has %d messages, want the preserved optimistic echo", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].MessageID, "local-") || msgs[0].MessageType != models.MessageImage {
		t.Errorf("preserved echo = %+v, want local temp id with IMAGE type", msgs[0])
	}
}

func TestConcurrentEventsAndSends(t *testing.T) {
	backend := newFakeBackend(t)
	c, _ := newTestClient(t, models.RoleUser, backend, Config{})

	if _, err := c.StartSession("ACC1", "", ""); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	// transport events and outbound sends touch the shared session state
	// from different goroutines; meaningful under the race detector
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			c.handleEvent(transport.Event{Type: transport.EventAgentJoin, Agent: &models.Agent{AgentID: "AGT1"}})
		}()
		go func() {
			defer wg.Done()
			c.handleEvent(transport.Event{Type: transport.EventSessionClosed})
		}()
		go func() {
			defer wg.Done()
			_, _ = c.SendMessage("ping")
		}()
	}
	wg.Wait()

	s := c.Session()
	if s == nil || !s.Closed() {
		t.Errorf("session = %+v, want CLOSED after close events", s)
	}
	if s.AgentID != "AGT1" {
		t.Errorf("AgentID = %q, want AGT1", s.AgentID)
	}
}

func TestSocketEchoConfirmsOptimisticCopy(t *testing.T) {
	backend := newFakeBackend(t)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	echoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		// the backend's echo carries its assigned id for the same content
		_ = conn.WriteJSON(map[string]interface{}{
			"messageId":  "srv-echo-1",
			"sessionId":  frame["sessionId"],
			"senderType": frame["senderType"],
			"content":    frame["content"],
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(echoSrv.Close)

	c, cache := newTestClient(t, models.RoleUser, backend, Config{
		SocketURL: "ws" + strings.TrimPrefix(echoSrv.URL, "http"),
	})

	session, err := c.Connect("ACC1", "", "")
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	msg, err := c.SendMessage("hello over socket")
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if !strings.HasPrefix(msg.MessageID, "local-") {
		t.Fatalf("socket send returned id %s, want the optimistic temp id", msg.MessageID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := cache.Messages(session.SessionID)
		if len(msgs) == 1 && msgs[0].MessageID == "srv-echo-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo never confirm-swapped the optimistic copy, cache = %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatHistoryFallsBackToCache(t *testing.T) {
	backend := newFakeBackend(t)
	c, cache := newTestClient(t, models.RoleUser, backend, Config{})

	if err := cache.SaveSession(&models.ChatSession{SessionID: "s1", AccountID: "ACC1"}); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}
	if err := cache.SaveSession(&models.ChatSession{SessionID: "s2", AccountID: "OTHER"}); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	backend.srv.Close()

	sessions, err := c.ChatHistory("ACC1")
	if err != nil {
		t.Fatalf("ChatHistory() should degrade, got error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "s1" {
		t.Errorf("ChatHistory() = %+v, want only ACC1's session", sessions)
	}
}
