package transport

import (
	"fmt"
	"testing"
	"time"

	"livechat/internal/models"
)

// fakeSource is an in-memory MessageSource.
type fakeSource struct {
	msgs    []models.ChatMessage
	session models.ChatSession
	err     error
}

func (f *fakeSource) Messages(sessionID string) ([]models.ChatMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.msgs, nil
}

func (f *fakeSource) GetSession(sessionID string) (*models.ChatSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := f.session
	return &s, nil
}

func collectEvents() (Handler, *[]Event) {
	var events []Event
	return func(ev Event) { events = append(events, ev) }, &events
}

func TestPollerSuppressesSelfEcho(t *testing.T) {
	base := time.Now().UTC()
	src := &fakeSource{
		msgs: []models.ChatMessage{
			{MessageID: "m1", SenderType: models.SenderUser, Content: "mine", CreatedAt: base.Add(time.Second)},
			{MessageID: "m2", SenderType: models.SenderAgent, Content: "theirs", CreatedAt: base.Add(2 * time.Second)},
		},
		session: models.ChatSession{SessionID: "s1", Status: models.StatusWaiting},
	}
	handler, events := collectEvents()

	p := NewPoller(src, "s1", models.RoleUser, time.Second, base, handler)
	if closed := p.tick(); closed {
		t.Fatal("tick() reported closure on an open session")
	}

	var messages []Event
	for _, ev := range *events {
		if ev.Type == EventMessage {
			messages = append(messages, ev)
		}
	}
	if len(messages) != 1 {
		t.Fatalf("got %d message events, want 1 (self-echo suppressed)", len(messages))
	}
	if messages[0].Message.MessageID != "m2" {
		t.Errorf("delivered message = %s, want m2", messages[0].Message.MessageID)
	}

	// a second tick must not re-deliver anything already seen
	*events = (*events)[:0]
	p.tick()
	for _, ev := range *events {
		if ev.Type == EventMessage {
			t.Errorf("message %s re-delivered on second tick", ev.Message.MessageID)
		}
	}
}

func TestPollerDeliversLateMessageAtWatermark(t *testing.T) {
	base := time.Now().UTC()
	ts := base.Add(time.Second)
	src := &fakeSource{
		msgs: []models.ChatMessage{
			{MessageID: "m1", SenderType: models.SenderAgent, Content: "first", CreatedAt: ts},
		},
		session: models.ChatSession{SessionID: "s1", Status: models.StatusWaiting},
	}
	handler, events := collectEvents()

	p := NewPoller(src, "s1", models.RoleUser, time.Second, base, handler)
	p.tick()

	// a second message sharing the exact watermark timestamp appears only
	// in a later poll response
	src.msgs = append(src.msgs, models.ChatMessage{
		MessageID: "m2", SenderType: models.SenderAgent, Content: "second", CreatedAt: ts,
	})
	*events = (*events)[:0]
	p.tick()

	var ids []string
	for _, ev := range *events {
		if ev.Type == EventMessage {
			ids = append(ids, ev.Message.MessageID)
		}
	}
	if len(ids) != 1 || ids[0] != "m2" {
		t.Errorf("second tick delivered %v, want exactly [m2]", ids)
	}

	// and nothing is re-delivered once both are known
	*events = (*events)[:0]
	p.tick()
	for _, ev := range *events {
		if ev.Type == EventMessage {
			t.Errorf("message %s re-delivered on third tick", ev.Message.MessageID)
		}
	}
}

func TestPollerDetectsAgentJoinOnce(t *testing.T) {
	src := &fakeSource{session: models.ChatSession{SessionID: "s1", Status: models.StatusActive, AgentID: "AGT1"}}
	handler, events := collectEvents()

	p := NewPoller(src, "s1", models.RoleUser, time.Second, time.Now(), handler)
	p.tick()
	p.tick()

	joins := 0
	for _, ev := range *events {
		if ev.Type == EventAgentJoin {
			joins++
			if ev.Agent == nil || ev.Agent.AgentID != "AGT1" {
				t.Errorf("agent_join payload = %+v", ev.Agent)
			}
		}
	}
	if joins != 1 {
		t.Errorf("got %d agent_join events, want 1", joins)
	}
}

func TestPollerDetectsClosure(t *testing.T) {
	src := &fakeSource{session: models.ChatSession{SessionID: "s1", Status: models.StatusClosed}}
	handler, events := collectEvents()

	p := NewPoller(src, "s1", models.RoleUser, time.Second, time.Now(), handler)
	if closed := p.tick(); !closed {
		t.Fatal("tick() did not report closure for a CLOSED session")
	}

	found := false
	for _, ev := range *events {
		if ev.Type == EventSessionClosed {
			found = true
		}
	}
	if !found {
		t.Error("no session_closed event emitted")
	}
}

func TestPollerSurvivesSourceErrors(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("backend down")}
	handler, events := collectEvents()

	p := NewPoller(src, "s1", models.RoleUser, time.Second, time.Now(), handler)
	if closed := p.tick(); closed {
		t.Error("tick() reported closure on a failed poll")
	}
	for _, ev := range *events {
		if ev.Type == EventSessionClosed || ev.Type == EventConnectionFailed {
			t.Errorf("unexpected %s event from a failed poll", ev.Type)
		}
	}
}

func TestPollerStartEmitsConnected(t *testing.T) {
	src := &fakeSource{session: models.ChatSession{SessionID: "s1", Status: models.StatusWaiting}}
	ch := make(chan Event, 8)

	p := NewPoller(src, "s1", models.RoleUser, time.Hour, time.Now(), func(ev Event) { ch <- ev })
	p.Start()
	defer p.Stop()

	select {
	case ev := <-ch:
		if ev.Type != EventConnected {
			t.Errorf("first event = %s, want connected", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no connected event after Start()")
	}
}
