package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/outbox"
	"github.com/mnlima/huddle/internal/receipts"
	"github.com/mnlima/huddle/internal/status"
	"github.com/mnlima/huddle/internal/store"
	intsync "github.com/mnlima/huddle/internal/sync"
	"go.uber.org/zap"
)

type noScope struct{}

func (noScope) SetChat(string) {}

// testStack wires a full daemon over a fake REST backend and returns the
// local API as an httptest server.
func testStack(t *testing.T) (*httptest.Server, *intsync.Reconciler, *store.DB) {
	t.Helper()

	backend := http.NewServeMux()
	backend.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chats":[{
			"id":"c1","name":"Alice","is_group":false,"unread":1,
			"participants":[{"id":"u2","name":"Alice"}],"labels":[],
			"last_message":{"id":"m1","content":"hello","created_at":"2026-03-01T10:00:00Z","sender_id":"u2","sender_name":"Alice","message_type":"text"},
			"updated_at":"2026-03-01T10:00:00Z"}]}`))
	})
	backend.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"message":{"id":"srv-1","chat_id":"c1","sender_id":"me","content":"typed reply","message_type":"text","created_at":"2026-03-01T10:01:00Z","delivered_at":"2026-03-01T10:01:00Z","read_at":null}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","chat_id":"c1","sender_id":"u2","sender_name":"Alice","content":"hello","message_type":"text","created_at":"2026-03-01T10:00:00Z","delivered_at":null,"read_at":null}]}`))
	})
	backend.HandleFunc("/api/messages/read", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	backend.HandleFunc("/api/labels", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"labels":[{"id":"l1","name":"work","color":"#aabbcc"}]}`))
	})
	backendSrv := httptest.NewServer(backend)
	t.Cleanup(backendSrv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "me"}).
		SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	client, err := api.New(backendSrv.URL, token, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	machine := status.NewMachine(b)
	logger := zap.NewNop()
	rec := intsync.NewReconciler("me", db, b, logger)
	engine := intsync.NewEngine(rec, client, noScope{}, b, machine, logger)
	sender := outbox.NewSender(db, rec, client, b, logger)
	tracker := receipts.NewTracker(rec, client, logger)
	tracker.Start(context.Background())
	t.Cleanup(tracker.Stop)

	srv := NewServer(Params{SessionName: "test"}, rec, engine, sender, tracker, client, db, machine, b, logger)
	localAPI := httptest.NewServer(srv.routes())
	t.Cleanup(localAPI.Close)
	return localAPI, rec, db
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	localAPI, _, _ := testStack(t)

	var got struct {
		State  string `json:"state"`
		UserID string `json:"user_id"`
	}
	resp := getJSON(t, localAPI.URL+"/v1/status", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got.State != "BOOTING" || got.UserID != "me" {
		t.Errorf("got %+v", got)
	}
}

func TestOpenChatEndpointReturnsGroups(t *testing.T) {
	localAPI, rec, _ := testStack(t)

	var got struct {
		Groups []struct {
			Date     string `json:"date"`
			Messages []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"messages"`
		} `json:"groups"`
	}
	resp := getJSON(t, localAPI.URL+"/v1/chats/c1/messages", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got.Groups) != 1 || got.Groups[0].Date != "2026-03-01" {
		t.Fatalf("groups = %+v", got.Groups)
	}
	if len(got.Groups[0].Messages) != 1 || got.Groups[0].Messages[0].ID != "m1" {
		t.Errorf("messages = %+v", got.Groups[0].Messages)
	}
	if rec.Selected() != "c1" {
		t.Errorf("selected = %q", rec.Selected())
	}
}

func TestSendEndpointReturnsProvisional(t *testing.T) {
	localAPI, rec, _ := testStack(t)
	getJSON(t, localAPI.URL+"/v1/chats/c1/messages", nil)

	var got struct {
		Message struct {
			ID          string `json:"id"`
			Provisional bool   `json:"provisional"`
			Status      string `json:"status"`
		} `json:"message"`
	}
	resp := postJSON(t, localAPI.URL+"/v1/chats/c1/messages",
		map[string]string{"body": "typed reply"}, &got)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !got.Message.Provisional || got.Message.Status != "pending" {
		t.Errorf("message = %+v", got.Message)
	}
	if len(rec.Messages("c1")) != 2 {
		t.Errorf("messages = %+v", rec.Messages("c1"))
	}
}

func TestVisibleEndpointMarksRead(t *testing.T) {
	localAPI, rec, _ := testStack(t)
	getJSON(t, localAPI.URL+"/v1/chats/c1/messages", nil)

	resp := postJSON(t, localAPI.URL+"/v1/chats/c1/visible", map[string]any{
		"messages": []map[string]any{{"id": "m1", "fraction": 0.9}},
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !rec.Messages("c1")[0].Read {
		t.Error("message not marked read")
	}

	// Visibility reports against a chat that is not open are rejected.
	resp = postJSON(t, localAPI.URL+"/v1/chats/other/visible", map[string]any{
		"messages": []map[string]any{{"id": "m1", "fraction": 0.9}},
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestLocalSearchEndpoint(t *testing.T) {
	localAPI, _, db := testStack(t)

	m := store.Message{ID: store.ServerID("m5"), ChatID: "c1", SenderID: "u2",
		Body: "quarterly numbers attached", MessageType: "text", Timestamp: time.Now().UnixMilli()}
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Results []struct {
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	resp := getJSON(t, localAPI.URL+"/v1/search?q=quarterly", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(got.Results) != 1 || got.Results[0].Snippet == "" {
		t.Errorf("results = %+v", got.Results)
	}
}

func TestLabelsEndpointWritesThrough(t *testing.T) {
	localAPI, _, db := testStack(t)

	resp := getJSON(t, localAPI.URL+"/v1/labels", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	labels, err := db.ListLabels()
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 || labels[0].Name != "work" {
		t.Errorf("cached labels = %+v", labels)
	}
}

func TestChatsEndpoint(t *testing.T) {
	localAPI, rec, _ := testStack(t)
	rec.ApplyChatList([]store.Chat{{ID: "c1", Name: "Alice", Unread: 1}})

	var got struct {
		Chats []struct {
			ID     string `json:"id"`
			Unread int    `json:"unread"`
		} `json:"chats"`
	}
	getJSON(t, localAPI.URL+"/v1/chats", &got)
	if len(got.Chats) != 1 || got.Chats[0].ID != "c1" || got.Chats[0].Unread != 1 {
		t.Errorf("chats = %+v", got.Chats)
	}
}
