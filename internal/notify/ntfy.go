package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	PriorityUrgent  = "urgent"
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
	PriorityMin     = "min"
)

// Alerter is told about messages that need a human.
type Alerter interface {
	// DeadLettered reports a message that ran out of retries.
	DeadLettered(ctx context.Context, messageID, subject string, retries int, lastErr string) error
	// Critical reports a message classified as critical.
	Critical(ctx context.Context, messageID, subject string) error
}

// Nop is an Alerter that drops everything.
type Nop struct{}

func (Nop) DeadLettered(context.Context, string, string, int, string) error { return nil }
func (Nop) Critical(context.Context, string, string) error                  { return nil }

// NtfyClient is a client for sending notifications to an ntfy server.
type NtfyClient struct {
	serverURL string
	topic     string
	http      *http.Client
}

// NewNtfyClient creates a new NtfyClient.
func NewNtfyClient(serverURL, topic string) *NtfyClient {
	return &NtfyClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		topic:     topic,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification with a given priority and optional tags.
func (c *NtfyClient) Send(ctx context.Context, title, message, priority string, tags ...string) error {
	url := fmt.Sprintf("%s/%s", c.serverURL, c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(message))
	if err != nil {
		return err
	}

	req.Header.Set("Title", title)
	if priority != "" {
		req.Header.Set("Priority", priority)
	}
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ntfy request failed: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

func (c *NtfyClient) DeadLettered(ctx context.Context, messageID, subject string, retries int, lastErr string) error {
	body := fmt.Sprintf("Message %s (%q) gave up after %d attempts.\nLast error: %s", messageID, subject, retries, lastErr)
	return c.Send(ctx, "Message dead-lettered", body, PriorityHigh, "warning", "dead_letter")
}

func (c *NtfyClient) Critical(ctx context.Context, messageID, subject string) error {
	body := fmt.Sprintf("Message %s was classified critical: %q", messageID, subject)
	return c.Send(ctx, "Critical support email", body, PriorityUrgent, "rotating_light")
}
