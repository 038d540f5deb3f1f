package sync

import (
	"context"
	"fmt"

	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/status"
	"github.com/mnlima/huddle/internal/store"
	"github.com/mnlima/huddle/internal/stream"
	"go.uber.org/zap"
)

// Fetcher is the slice of the backend client the engine needs.
type Fetcher interface {
	ListChats(ctx context.Context) ([]store.Chat, error)
	ListMessages(ctx context.Context, chatID, search string) ([]store.Message, error)
	GetMessage(ctx context.Context, messageID string) (*store.Message, error)
}

// ChatScoper is the slice of the update source the engine needs: switching
// the scoped subscription when the user switches chats.
type ChatScoper interface {
	SetChat(chatID string)
}

// Engine drives the reconciler from normalized stream events. It subscribes
// to "stream." on the bus and resolves partial payloads against the backend.
type Engine struct {
	rec     *Reconciler
	fetcher Fetcher
	scoper  ChatScoper
	b       *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewEngine creates an engine over the given reconciler.
func NewEngine(rec *Reconciler, fetcher Fetcher, scoper ChatScoper, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Engine {
	return &Engine{
		rec:     rec,
		fetcher: fetcher,
		scoper:  scoper,
		b:       b,
		machine: machine,
		logger:  logger,
	}
}

// Start primes the in-memory view from the cache and subscribes to stream
// events. Cache failures are logged, not fatal: the cache is an optimization.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.rec.LoadFromCache(); err != nil {
		e.logger.Warn("cache priming failed", zap.Error(err))
	}

	ch, unsub := e.b.Subscribe("stream.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// OpenChat selects a chat: the scoped subscription moves over, a bulk load
// replaces the working set, and the merged view is returned. A fetch failure
// still returns the cached view along with the error so the caller can
// render and show a retryable banner.
func (e *Engine) OpenChat(ctx context.Context, chatID string) ([]store.Message, error) {
	e.rec.SelectChat(chatID)
	if e.scoper != nil {
		e.scoper.SetChat(chatID)
	}

	msgs, err := e.fetcher.ListMessages(ctx, chatID, "")
	if err != nil {
		return e.rec.Messages(chatID), fmt.Errorf("bulk load: %w", err)
	}
	// ApplyBulkLoad drops the result itself if the user already moved on.
	e.rec.ApplyBulkLoad(chatID, msgs)
	return e.rec.Messages(chatID), nil
}

// CloseChat tears down the scoped subscription without opening a new one.
func (e *Engine) CloseChat() {
	e.rec.SelectChat("")
	if e.scoper != nil {
		e.scoper.SetChat("")
	}
}

// SearchMessages runs a server-side search scoped to a chat. Results are not
// merged into the canonical view: a search result set is a transient
// projection, not the working set.
func (e *Engine) SearchMessages(ctx context.Context, chatID, query string) ([]store.Message, error) {
	return e.fetcher.ListMessages(ctx, chatID, query)
}

// RefreshChats refetches the chat list wholesale and applies it.
func (e *Engine) RefreshChats(ctx context.Context) error {
	chats, err := e.fetcher.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("refresh chats: %w", err)
	}
	e.rec.ApplyChatList(chats)
	return nil
}

// Resync re-fetches everything the stream may have missed: the chat list,
// and the selected chat's messages. Runs after every (re)connect, because
// the transport is at-most-once and the outage window is unrecoverable.
func (e *Engine) Resync(ctx context.Context) {
	if err := e.RefreshChats(ctx); err != nil {
		e.logger.Warn("resync chat list failed", zap.Error(err))
		return
	}
	if selected := e.rec.Selected(); selected != "" {
		msgs, err := e.fetcher.ListMessages(ctx, selected, "")
		if err != nil {
			e.logger.Warn("resync bulk load failed", zap.String("chat_id", selected), zap.Error(err))
			return
		}
		e.rec.ApplyBulkLoad(selected, msgs)
	}
	_ = e.machine.Transition(status.Ready)
}

// handleEvent processes one normalized stream event. Malformed payloads are
// dropped with a log line; processing always continues.
func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case stream.Connected:
		e.Resync(ctx)

	case stream.Disconnected:
		// The source handles reconnection itself.

	case stream.NewMessage:
		e.handleNewMessage(ctx, payload)

	case stream.MessageRead:
		e.rec.ApplyReadUpdate(payload.MessageID, store.StatusRead, payload.ReadAt)

	case stream.ChatListChanged:
		if err := e.RefreshChats(ctx); err != nil {
			e.logger.Warn("chat list refresh failed", zap.Error(err))
		}

	default:
		e.logger.Warn("dropping unrecognized stream payload", zap.String("kind", evt.Kind))
	}
}

// handleNewMessage resolves a partial new-message event. The push payload
// carries only id references; the full body comes from one fetch, never from
// a history reload of an unopened chat.
func (e *Engine) handleNewMessage(ctx context.Context, evt stream.NewMessage) {
	m, err := e.fetcher.GetMessage(ctx, evt.MessageID)
	if err != nil {
		e.logger.Warn("fetch message for event failed",
			zap.String("message_id", evt.MessageID), zap.Error(err))
		return
	}
	e.rec.ApplyConfirmedMessage(evt.ChatID, *m)
}
