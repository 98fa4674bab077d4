package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatdesk-core/internal/errs"
)

// Notifier sends a notification on a named channel. Slack/HubSpot specifics
// live behind this interface in external collaborators; the core only knows
// channels and payloads.
type Notifier interface {
	Send(ctx context.Context, channel string, payload map[string]any) error
}

// WebhookNotifier posts JSON payloads to per-channel webhook URLs.
type WebhookNotifier struct {
	client   *http.Client
	channels map[string]string // channel name -> webhook URL
}

func NewWebhookNotifier(channels map[string]string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client:   &http.Client{Timeout: timeout},
		channels: channels,
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, channel string, payload map[string]any) error {
	url, ok := n.channels[channel]
	if !ok {
		return errs.Validationf("notify: unknown channel %q", channel)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errs.E(errs.KindValidation, "notify: payload not serializable", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errs.E(errs.KindNetwork, "notify: request failed", err)
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp)
}

// classifyHTTPStatus maps response codes onto the error taxonomy so the
// dispatcher's retry loop makes the right call.
func classifyHTTPStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return errs.RateLimited(fmt.Sprintf("notify: rate limited (%d)", resp.StatusCode), retryAfter)
	case resp.StatusCode == http.StatusConflict:
		return errs.Conflict("notify: downstream reports duplicate")
	case resp.StatusCode >= 500:
		return errs.E(errs.KindUnavailable, fmt.Sprintf("notify: upstream returned %d", resp.StatusCode), nil)
	default:
		return errs.Validationf("notify: upstream rejected request with %d", resp.StatusCode)
	}
}
