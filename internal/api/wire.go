package api

import (
	"time"

	"github.com/mnlima/huddle/internal/store"
)

// Wire shapes follow the backend's JSON contracts. Timestamps are RFC 3339;
// delivered_at/read_at are null until the transition happens.

type wireMessage struct {
	ID               string     `json:"id"`
	ChatID           string     `json:"chat_id"`
	SenderID         string     `json:"sender_id"`
	SenderName       string     `json:"sender_name"`
	Content          string     `json:"content"`
	MessageType      string     `json:"message_type"`
	IsForwarded      bool       `json:"is_forwarded"`
	ReplyToMessageID string     `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DeliveredAt      *time.Time `json:"delivered_at"`
	ReadAt           *time.Time `json:"read_at"`
}

type wireLastMessage struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	MessageType string    `json:"message_type"`
	IsForwarded bool      `json:"is_forwarded"`
}

type wireChat struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	IsGroup      bool             `json:"is_group"`
	Participants []store.User     `json:"participants"`
	Unread       int              `json:"unread"`
	Labels       []store.Label    `json:"labels"`
	LastMessage  *wireLastMessage `json:"last_message"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (w *wireMessage) toMessage(selfID string) store.Message {
	m := store.Message{
		ID:          store.ServerID(w.ID),
		ChatID:      w.ChatID,
		SenderID:    w.SenderID,
		SenderName:  w.SenderName,
		Body:        w.Content,
		MessageType: w.MessageType,
		Forwarded:   w.IsForwarded,
		ReplyToID:   w.ReplyToMessageID,
		FromMe:      w.SenderID == selfID,
		Timestamp:   w.CreatedAt.UnixMilli(),
	}
	if w.DeliveredAt != nil {
		m.Delivered = true
	}
	if w.ReadAt != nil {
		m.Delivered = true
		m.Read = true
		m.ReadAt = w.ReadAt.UnixMilli()
	}
	return m
}

func (w *wireChat) toChat() store.Chat {
	c := store.Chat{
		ID:           w.ID,
		Name:         w.Name,
		IsGroup:      w.IsGroup,
		Participants: w.Participants,
		Unread:       w.Unread,
		Labels:       w.Labels,
		UpdatedAt:    w.UpdatedAt.UnixMilli(),
	}
	if w.LastMessage != nil {
		c.LastMessage = w.LastMessage.Content
		c.LastSender = w.LastMessage.SenderName
		c.LastMessageAt = w.LastMessage.CreatedAt.UnixMilli()
	}
	return c
}
