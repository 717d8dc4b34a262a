package channel

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/routewatch/schedule-engine/engine"
)

// Webhook posts change set envelopes to a configured HTTP endpoint.
// Delivery is atomic from the engine's view: any non-2xx response or
// transport error is a failure for this channel only.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Webhook) Name() string { return "webhook" }

func (c *Webhook) Send(ctx context.Context, userID string, cs *engine.ChangeSet) error {
	body, err := EncodeEnvelope(userID, cs)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %s", resp.Status)
	}
	return nil
}
