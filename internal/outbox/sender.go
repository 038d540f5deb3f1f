// Package outbox is the durable send path: optimistic append, a queued
// outbox row, and an async drain that confirms or rolls back.
package outbox

import (
	"context"
	"time"

	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/store"
	syncpkg "github.com/mnlima/huddle/internal/sync"
	"go.uber.org/zap"
)

// MessageSender is the slice of the backend client the sender needs.
type MessageSender interface {
	SendMessage(ctx context.Context, req api.SendRequest) (*store.Message, error)
}

// SendFailure is the payload for message.send_failed events.
type SendFailure struct {
	ChatID      string
	ClientMsgID string
	Err         string
}

// Sender drains the outbox and sends queued messages through the backend.
// Queued entries survive restarts; a message typed while offline goes out on
// the next successful drain.
type Sender struct {
	db     *store.DB
	rec    *syncpkg.Reconciler
	sender MessageSender
	b      *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, rec *syncpkg.Reconciler, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		rec:    rec,
		sender: sender,
		b:      b,
		logger: logger,
	}
}

// Send appends a provisional message and queues the durable write. It never
// blocks on the network: the returned message renders immediately and the
// drain loop resolves it to confirmed or rolled-back.
func (s *Sender) Send(chatID, body, messageType, replyToID string) store.Message {
	m := s.rec.ApplyOptimisticSend(chatID, body, messageType, replyToID)

	if err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: m.ID.Value(),
		ChatID:      chatID,
		Body:        body,
		MessageType: m.MessageType,
		ReplyToID:   replyToID,
	}); err != nil {
		// The in-memory provisional still stands; the drain loop just will
		// not see this entry after a restart.
		s.logger.Error("failed to queue outbox entry", zap.Error(err), zap.String("client_msg_id", m.ID.Value()))
	}
	return m
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains queued entries oldest-first. Order matters: the
// reconciler resolves a confirmation against the oldest in-flight
// provisional, so sends must complete in queue order.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		confirmed, err := s.sender.SendMessage(ctx, api.SendRequest{
			ChatID:      entry.ChatID,
			Content:     entry.Body,
			MessageType: entry.MessageType,
			ReplyToID:   entry.ReplyToID,
		})
		if err != nil {
			s.logger.Error("send failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			// A failed send must visibly roll back, not merely log.
			s.rec.RemoveProvisional(entry.ChatID, entry.ClientMsgID)
			s.b.Emit(bus.KindMessageSendFailed, SendFailure{
				ChatID:      entry.ChatID,
				ClientMsgID: entry.ClientMsgID,
				Err:         err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, confirmed.ID.Value()); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		// Either this call or the stream echo lands first; the reconciler
		// makes the pair idempotent.
		s.rec.ApplyConfirmedMessage(entry.ChatID, *confirmed)
		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", confirmed.ID.Value()))
	}
}
