// Package discord posts notification messages to Discord channels.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const defaultBaseURL = "https://discord.com/api/v10"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError reports a non-2xx response from the Discord API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api status %d: %s", e.Status, e.Body)
}

// Client sends messages through the Discord REST API.
type Client struct {
	client  HTTPClient
	token   string
	baseURL string
}

// New creates a Client authenticated with the given bot token.
func New(client HTTPClient, token string) *Client {
	return &Client{
		client:  client,
		token:   token,
		baseURL: defaultBaseURL,
	}
}

// SendMessage posts text to the given channel. Rate-limit and server
// errors are retried a bounded number of times; delivery is therefore
// at-least-once and callers must tolerate duplicates.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/channels/"+channelID+"/messages", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("http post: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(apiErr)
		}
		return apiErr
	})
}
