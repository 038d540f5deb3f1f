package api

import (
	"context"
	"net/http"

	"github.com/mnlima/huddle/internal/store"
)

// ListLabels fetches the user's label definitions.
func (c *Client) ListLabels(ctx context.Context) ([]store.Label, error) {
	var resp struct {
		Labels []store.Label `json:"labels"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/labels", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

// AssignLabel attaches a label to a chat.
func (c *Client) AssignLabel(ctx context.Context, chatID, labelID string) error {
	body := map[string]string{"labelId": labelID}
	return c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/labels", nil, body, nil)
}

// RemoveLabel detaches a label from a chat.
func (c *Client) RemoveLabel(ctx context.Context, chatID, labelID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+chatID+"/labels/"+labelID, nil, nil, nil)
}
