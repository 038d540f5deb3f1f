package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEvent marks a frame whose event type is not part of the
// normalized set. Callers log and drop it; it never stops the stream.
var ErrUnknownEvent = errors.New("unknown event type")

// Frame names used on the wire.
const (
	frameConnected         = "connected"
	frameNewMessage        = "new_message"
	frameMessageRead       = "message_read"
	frameChatUpdate        = "chat_update"
	frameMessageAffectChat = "message_affects_chat"
	frameKeepAlive         = "keep_alive"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseFrame normalizes one wire frame into an Event. Parsing fails closed:
// an unrecognized event name returns ErrUnknownEvent, a recognized name with
// a malformed payload returns a descriptive error, and in both cases the
// caller continues with the next frame.
func ParseFrame(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Event {
	case frameConnected:
		return Connected{}, nil

	case frameKeepAlive:
		return KeepAlive{}, nil

	case frameNewMessage:
		var payload struct {
			ChatID    string `json:"chat_id"`
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return nil, fmt.Errorf("new_message payload: %w", err)
		}
		if payload.ChatID == "" || payload.MessageID == "" {
			return nil, fmt.Errorf("new_message payload missing ids")
		}
		return NewMessage{ChatID: payload.ChatID, MessageID: payload.MessageID}, nil

	case frameMessageRead:
		var payload struct {
			MessageID string    `json:"message_id"`
			ReadAt    time.Time `json:"read_at"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return nil, fmt.Errorf("message_read payload: %w", err)
		}
		if payload.MessageID == "" {
			return nil, fmt.Errorf("message_read payload missing id")
		}
		readAt := payload.ReadAt.UnixMilli()
		if payload.ReadAt.IsZero() {
			readAt = time.Now().UnixMilli()
		}
		return MessageRead{MessageID: payload.MessageID, ReadAt: readAt}, nil

	case frameChatUpdate, frameMessageAffectChat:
		// Both signal the same thing to the client: the chat list is stale.
		var payload struct {
			ChatID string `json:"chat_id"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return nil, fmt.Errorf("%s payload: %w", f.Event, err)
		}
		return ChatListChanged{ChatID: payload.ChatID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}
