// Package history fetches past conversation messages over REST. The result
// seeds the in-memory conversation once, before live events begin.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tikoncha/chatwire/internal/chat"
)

// Client calls the chat history endpoint.
type Client struct {
	baseURL    string
	identity   string
	httpClient *http.Client
}

// NewClient creates a history client authenticated with the identity
// credential. httpClient may be nil.
func NewClient(baseURL, identity string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
		httpClient: httpClient,
	}
}

type historyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Messages []chat.Message `json:"messages"`
	} `json:"data"`
}

// Messages returns up to limit past messages for the conversation, oldest
// first.
func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	endpoint := fmt.Sprintf("%s/chat/messages?chat_id=%s&limit=%s",
		c.baseURL, url.QueryEscape(chatID), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", bearer(c.identity))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching history: status %d", resp.StatusCode)
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "request rejected"
		}
		return nil, fmt.Errorf("fetching history: %s", msg)
	}

	msgs := body.Data.Messages
	for i := range msgs {
		msgs[i].Lifecycle = chat.LifecycleConfirmed
	}
	return msgs, nil
}

func bearer(identity string) string {
	if strings.HasPrefix(identity, "Bearer ") {
		return identity
	}
	return "Bearer " + identity
}
