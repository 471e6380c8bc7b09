// Package webhook forwards check-in events to an external HTTP endpoint,
// typically a school's own reporting system.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dojotrack/internal/queue"
)

// Client posts check-in events to a configured URL. With Skip set, delivery
// is a no-op so the worker can run without a receiver.
type Client struct {
	URL  string
	HTTP *http.Client
	Skip bool
}

// New creates a webhook client.
func New(url string, skip bool) *Client {
	return &Client{
		URL:  url,
		Skip: skip,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers one check-in event.
func (c *Client) Notify(ctx context.Context, evt queue.Event) error {
	if c.Skip || c.URL == "" {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook error %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// Health probes the receiver so the worker can warn at startup.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip || c.URL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook receiver unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook receiver unhealthy: %s", resp.Status)
	}
	return nil
}
