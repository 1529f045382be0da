package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"carepro-cli/internal/models"
)

func (c *Client) GetNotifications(ctx context.Context) ([]models.Notification, error) {
	var list []models.Notification
	if err := c.getJSON(ctx, "/Notifications", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetUnreadCount принимает и число, и {"count": n}
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "/Notifications/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	data := unwrap(body)

	var count int
	if json.Unmarshal(data, &count) == nil {
		return count, nil
	}
	var wrapped struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return 0, fmt.Errorf("error unmarshaling unread count: %w", err)
	}
	return wrapped.Count, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPut, "/Notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/Notifications/read-all", nil, nil)
	return err
}
