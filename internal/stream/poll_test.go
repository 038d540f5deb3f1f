package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/status"
	"go.uber.org/zap"
)

// pollBackend is a mutable fake REST backend for the poll transport.
type pollBackend struct {
	mu       stdsync.Mutex
	chats    []map[string]any
	messages map[string][]map[string]any
	failing  bool
}

func (p *pollBackend) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func (p *pollBackend) setChat(id string, unread int, lastAt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.chats {
		if c["id"] == id {
			c["unread"] = unread
			c["last_message"] = map[string]any{
				"id": "x", "content": "x", "created_at": lastAt,
				"sender_id": "u2", "sender_name": "Bob", "message_type": "text",
			}
			return
		}
	}
	p.chats = append(p.chats, map[string]any{
		"id": id, "name": id, "is_group": false, "unread": unread,
		"updated_at": lastAt,
	})
}

func (p *pollBackend) addMessage(chatID, id string, read bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][]map[string]any)
	}
	m := map[string]any{
		"id": id, "chat_id": chatID, "sender_id": "u2", "sender_name": "Bob",
		"content": "msg " + id, "message_type": "text",
		"created_at": "2026-03-01T10:00:00Z", "delivered_at": nil, "read_at": nil,
	}
	if read {
		m["read_at"] = "2026-03-01T10:05:00Z"
	}
	for i, existing := range p.messages[chatID] {
		if existing["id"] == id {
			p.messages[chatID][i] = m
			return
		}
	}
	p.messages[chatID] = append(p.messages[chatID], m)
}

func (p *pollBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failing {
			http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"chats": p.chats})
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failing {
			http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
			return
		}
		chatID := r.URL.Query().Get("chatId")
		msgs := p.messages[chatID]
		if msgs == nil {
			msgs = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
	})
	return mux
}

func pollTestSource(t *testing.T, backend *pollBackend) (*PollSource, *bus.Bus, *status.Machine) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "me"}).
		SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	client, err := api.New(srv.URL, token, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	machine := status.NewMachine(b)
	src := NewPollSource(client, 15*time.Millisecond, 15*time.Millisecond, b, machine, zap.NewNop())
	return src, b, machine
}

func waitFor(t *testing.T, ch <-chan bus.Event, match func(bus.Event) bool, what string) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		}
	}
}

func TestPollDiffsChatList(t *testing.T) {
	backend := &pollBackend{}
	backend.setChat("c1", 0, "2026-03-01T09:00:00Z")
	src, b, _ := pollTestSource(t, backend)

	ch, unsub := b.Subscribe("stream.", 64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamConnected
	}, "initial connected")

	// Give the first poll a chance to prime, then mutate.
	time.Sleep(50 * time.Millisecond)
	backend.setChat("c1", 1, "2026-03-01T10:00:00Z")

	evt := waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamChatList
	}, "chat list change")
	if evt.Payload.(ChatListChanged).ChatID != "c1" {
		t.Errorf("payload = %+v", evt.Payload)
	}
}

func TestPollSynthesizesMessageEvents(t *testing.T) {
	backend := &pollBackend{}
	backend.setChat("c1", 0, "2026-03-01T09:00:00Z")
	backend.addMessage("c1", "m1", false)
	src, b, _ := pollTestSource(t, backend)
	src.SetChat("c1")

	ch, unsub := b.Subscribe("stream.", 64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	// Let the first poll prime the snapshot with m1 already present.
	time.Sleep(50 * time.Millisecond)
	backend.addMessage("c1", "m2", false)

	evt := waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamMessage
	}, "new message")
	nm := evt.Payload.(NewMessage)
	if nm.ChatID != "c1" || nm.MessageID != "m2" {
		t.Errorf("payload = %+v", nm)
	}

	// Flipping read on an already-known message synthesizes message_read.
	backend.addMessage("c1", "m1", true)
	evt = waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamMessageRead
	}, "message read")
	if evt.Payload.(MessageRead).MessageID != "m1" {
		t.Errorf("payload = %+v", evt.Payload)
	}
}

func TestPollRecoveryReemitsConnected(t *testing.T) {
	backend := &pollBackend{}
	backend.setChat("c1", 0, "2026-03-01T09:00:00Z")
	src, b, machine := pollTestSource(t, backend)

	ch, unsub := b.Subscribe("stream.", 64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamConnected
	}, "initial connected")

	backend.setFailing(true)
	waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamDisconnected
	}, "disconnected")

	// Enough failed polls push the session to degraded.
	deadline := time.Now().Add(5 * time.Second)
	for machine.Current() != status.Degraded && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if machine.Current() != status.Degraded {
		t.Fatalf("state = %s, want DEGRADED", machine.Current())
	}

	backend.setFailing(false)
	waitFor(t, ch, func(e bus.Event) bool {
		return e.Kind == bus.KindStreamConnected
	}, "reconnected")
}
