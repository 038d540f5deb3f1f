package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/outbox"
	"github.com/mnlima/huddle/internal/receipts"
	"github.com/mnlima/huddle/internal/session"
	"github.com/mnlima/huddle/internal/status"
	"github.com/mnlima/huddle/internal/store"
	intsync "github.com/mnlima/huddle/internal/sync"
	"go.uber.org/zap"
)

// Server exposes the daemon's local API over a Unix domain socket. Frontends
// talk to this surface only; the daemon owns the backend connection, the
// cache, and all reconciliation state.
type Server struct {
	socketPath string
	rec        *intsync.Reconciler
	engine     *intsync.Engine
	sender     *outbox.Sender
	tracker    *receipts.Tracker
	client     *api.Client
	db         *store.DB
	machine    *status.Machine
	b          *bus.Bus
	logger     *zap.Logger

	http *http.Server
	ln   net.Listener
}

// NewServer creates the local API server for a session.
func NewServer(
	p Params,
	rec *intsync.Reconciler,
	engine *intsync.Engine,
	sender *outbox.Sender,
	tracker *receipts.Tracker,
	client *api.Client,
	db *store.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *Server {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}
	s := &Server{
		socketPath: socketPath,
		rec:        rec,
		engine:     engine,
		sender:     sender,
		tracker:    tracker,
		client:     client,
		db:         db,
		machine:    machine,
		b:          b,
		logger:     logger,
	}
	s.http = &http.Server{Handler: s.routes()}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/events", s.handleEvents)

	r.Route("/v1/chats", func(r chi.Router) {
		r.Get("/", s.handleListChats)
		r.Post("/", s.handleCreateChat)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/messages", s.handleOpenChat)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/close", s.handleCloseChat)
			r.Post("/visible", s.handleVisible)
			r.Put("/labels/{labelID}", s.handleAssignLabel)
			r.Delete("/labels/{labelID}", s.handleRemoveLabel)
		})
	})

	r.Get("/v1/labels", s.handleListLabels)
	r.Get("/v1/search", s.handleSearch)

	return r
}

// Start removes any stale socket and serves until Stop.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln
	s.logger.Info("local API listening", zap.String("socket", s.socketPath))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and removes the socket.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("server shutdown", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var lastSync int64
	if v, err := s.db.GetCheckpoint("last_chatlist_sync"); err == nil && v != "" {
		lastSync, _ = strconv.ParseInt(v, 10, 64)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        s.machine.Current(),
		"user_id":      s.client.UserID(),
		"last_sync_ms": lastSync,
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, _ *http.Request) {
	chats := s.rec.Chats()
	out := make([]chatDTO, 0, len(chats))
	for i := range chats {
		out = append(out, toChatDTO(&chats[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID  string   `json:"participant_id"`
		Name           string   `json:"name"`
		ParticipantIDs []string `json:"participant_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var chat *store.Chat
	var err error
	if len(req.ParticipantIDs) > 0 || req.Name != "" {
		chat, err = s.client.CreateGroup(r.Context(), req.Name, req.ParticipantIDs)
	} else if req.ParticipantID != "" {
		chat, err = s.client.CreateChat(r.Context(), req.ParticipantID)
	} else {
		writeError(w, http.StatusBadRequest, "participant_id or participant_ids required")
		return
	}
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if err := s.engine.RefreshChats(r.Context()); err != nil {
		s.logger.Warn("chat list refresh after create failed", zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"chat": toChatDTO(chat)})
}

// handleOpenChat selects the chat, bulk-loads it, and returns messages
// grouped by calendar date. With ?search= it instead returns a transient
// server-side search projection and does not touch the selection.
func (s *Server) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if q := r.URL.Query().Get("search"); q != "" {
		msgs, err := s.engine.SearchMessages(r.Context(), chatID, q)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		out := make([]messageDTO, 0, len(msgs))
		for i := range msgs {
			out = append(out, toMessageDTO(&msgs[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
		return
	}

	s.tracker.SetChat(chatID)
	_, err := s.engine.OpenChat(r.Context(), chatID)
	groups := s.rec.MessagesGrouped(chatID)
	out := make([]dateGroupDTO, 0, len(groups))
	for _, g := range groups {
		dto := dateGroupDTO{Date: g.Date, Messages: make([]messageDTO, 0, len(g.Messages))}
		for i := range g.Messages {
			dto.Messages = append(dto.Messages, toMessageDTO(&g.Messages[i]))
		}
		out = append(out, dto)
	}
	resp := map[string]any{"groups": out}
	if err != nil {
		// Cached view plus a retryable marker, per stale-while-offline.
		resp["stale"] = true
		s.logger.Warn("open chat served from cache", zap.String("chat_id", chatID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseChat(w http.ResponseWriter, _ *http.Request) {
	s.engine.CloseChat()
	s.tracker.SetChat("")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req struct {
		Body        string `json:"body"`
		MessageType string `json:"message_type"`
		ReplyToID   string `json:"reply_to_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "body required")
		return
	}
	m := s.sender.Send(chatID, req.Body, req.MessageType, req.ReplyToID)
	writeJSON(w, http.StatusAccepted, map[string]any{"message": toMessageDTO(&m)})
}

// handleVisible receives viewport visibility fractions from the frontend and
// feeds them to the read-receipt tracker.
func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req struct {
		Messages []struct {
			ID          string  `json:"id"`
			Provisional bool    `json:"provisional"`
			Fraction    float64 `json:"fraction"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if chatID != s.rec.Selected() {
		writeError(w, http.StatusConflict, "chat is not selected")
		return
	}
	for _, m := range req.Messages {
		if m.Provisional {
			continue
		}
		s.tracker.Observe(store.ServerID(m.ID), m.Fraction)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListLabels proxies label definitions, writing through to the cache;
// the cached copy serves when the backend is unreachable.
func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.client.ListLabels(r.Context())
	if err != nil {
		cached, cerr := s.db.ListLabels()
		if cerr != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"labels": cached, "stale": true})
		return
	}
	for i := range labels {
		if uerr := s.db.UpsertLabel(&labels[i]); uerr != nil {
			s.logger.Warn("label cache write failed", zap.Error(uerr))
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": labels})
}

func (s *Server) handleAssignLabel(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	labelID := chi.URLParam(r, "labelID")
	if err := s.client.AssignLabel(r.Context(), chatID, labelID); err != nil {
		writeBackendError(w, err)
		return
	}
	if err := s.db.AssignLabel(chatID, labelID); err != nil {
		s.logger.Warn("label cache write failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveLabel(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	labelID := chi.URLParam(r, "labelID")
	if err := s.client.RemoveLabel(r.Context(), chatID, labelID); err != nil {
		writeBackendError(w, err)
		return
	}
	if err := s.db.RemoveLabel(chatID, labelID); err != nil {
		s.logger.Warn("label cache write failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch runs a full-text search over the local cache. This works
// offline; ?search= on the messages endpoint is the server-side variant.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	results, err := s.db.SearchMessages(q, r.URL.Query().Get("chat"), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type hit struct {
		Message messageDTO `json:"message"`
		Snippet string     `json:"snippet"`
	}
	out := make([]hit, 0, len(results))
	for i := range results {
		out = append(out, hit{Message: toMessageDTO(&results[i].Message), Snippet: results[i].Snippet})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// handleEvents bridges the internal bus onto a server-sent event stream so a
// frontend can render updates without polling the daemon.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch, unsub := s.b.Subscribe("", 64)
	defer unsub()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case evt := <-ch:
			data, err := json.Marshal(evt.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type chatDTO struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	IsGroup       bool          `json:"is_group"`
	Participants  []store.User  `json:"participants,omitempty"`
	Unread        int           `json:"unread"`
	LastMessage   string        `json:"last_message,omitempty"`
	LastSender    string        `json:"last_sender,omitempty"`
	LastMessageAt int64         `json:"last_message_at,omitempty"`
	Labels        []store.Label `json:"labels,omitempty"`
}

func toChatDTO(c *store.Chat) chatDTO {
	return chatDTO{
		ID:            c.ID,
		Name:          c.Name,
		IsGroup:       c.IsGroup,
		Participants:  c.Participants,
		Unread:        c.Unread,
		LastMessage:   c.LastMessage,
		LastSender:    c.LastSender,
		LastMessageAt: c.LastMessageAt,
		Labels:        c.Labels,
	}
}

type messageDTO struct {
	ID          string `json:"id"`
	Provisional bool   `json:"provisional"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	MessageType string `json:"message_type"`
	Forwarded   bool   `json:"forwarded,omitempty"`
	ReplyToID   string `json:"reply_to_id,omitempty"`
	FromMe      bool   `json:"from_me"`
	Status      string `json:"status"`
	ReadAt      int64  `json:"read_at,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

func toMessageDTO(m *store.Message) messageDTO {
	return messageDTO{
		ID:          m.ID.Value(),
		Provisional: m.ID.Provisional(),
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Body:        m.Body,
		MessageType: m.MessageType,
		Forwarded:   m.Forwarded,
		ReplyToID:   m.ReplyToID,
		FromMe:      m.FromMe,
		Status:      string(m.Status()),
		ReadAt:      m.ReadAt,
		Timestamp:   m.Timestamp,
	}
}

type dateGroupDTO struct {
	Date     string       `json:"date"`
	Messages []messageDTO `json:"messages"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeBackendError(w http.ResponseWriter, err error) {
	if api.IsAuthError(err) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}
