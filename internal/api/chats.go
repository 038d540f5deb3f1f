package api

import (
	"context"
	"net/http"

	"github.com/mnlima/huddle/internal/store"
)

// ListChats fetches the authenticated user's full chat list.
func (c *Client) ListChats(ctx context.Context) ([]store.Chat, error) {
	var resp struct {
		Chats []wireChat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &resp); err != nil {
		return nil, err
	}
	chats := make([]store.Chat, 0, len(resp.Chats))
	for i := range resp.Chats {
		chats = append(chats, resp.Chats[i].toChat())
	}
	return chats, nil
}

// CreateChat provisions a direct chat with another user.
func (c *Client) CreateChat(ctx context.Context, participantID string) (*store.Chat, error) {
	req := map[string]string{"participantId": participantID}
	var resp struct {
		Chat wireChat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/new", nil, req, &resp); err != nil {
		return nil, err
	}
	chat := resp.Chat.toChat()
	return &chat, nil
}

// CreateGroup provisions a group chat.
func (c *Client) CreateGroup(ctx context.Context, name string, participantIDs []string) (*store.Chat, error) {
	req := map[string]any{"name": name, "participantIds": participantIDs}
	var resp struct {
		Chat wireChat `json:"chat"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/groups/new", nil, req, &resp); err != nil {
		return nil, err
	}
	chat := resp.Chat.toChat()
	return &chat, nil
}
