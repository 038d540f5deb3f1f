package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mnlima/huddle/internal/store"
)

// ListMessages fetches a chat's messages ascending by creation time. An
// optional search string restricts the result server-side.
func (c *Client) ListMessages(ctx context.Context, chatID, search string) ([]store.Message, error) {
	query := url.Values{"chatId": {chatID}}
	if search != "" {
		query.Set("search", search)
	}
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages", query, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		msgs = append(msgs, resp.Messages[i].toMessage(c.self.UserID))
	}
	return msgs, nil
}

// GetMessage fetches a single message by its stable id. Used to resolve
// partial event payloads that carry only an id reference.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*store.Message, error) {
	var resp struct {
		Message wireMessage `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+messageID, nil, nil, &resp); err != nil {
		return nil, err
	}
	m := resp.Message.toMessage(c.self.UserID)
	return &m, nil
}

// SendRequest is the payload for a durable message write.
type SendRequest struct {
	ChatID      string
	Content     string
	MessageType string
	ReplyToID   string
}

// SendMessage writes a message durably and returns the confirmed message with
// its server-issued stable id.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	if req.MessageType == "" {
		req.MessageType = "text"
	}
	body := map[string]string{
		"chatId":      req.ChatID,
		"content":     req.Content,
		"messageType": req.MessageType,
	}
	if req.ReplyToID != "" {
		body["replyToMessageId"] = req.ReplyToID
	}
	var resp struct {
		Message wireMessage `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, body, &resp); err != nil {
		return nil, err
	}
	m := resp.Message.toMessage(c.self.UserID)
	return &m, nil
}

// MarkRead reports a batch of messages as read by the local user. Marking an
// already-read message again is a server-side no-op.
func (c *Client) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	body := map[string]any{
		"chatId":     chatID,
		"messageIds": messageIDs,
	}
	var resp struct {
		Success bool `json:"success"`
	}
	return c.do(ctx, http.MethodPost, "/api/messages/read", nil, body, &resp)
}
