package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// SignatureHeader carries "sha256=<hex>" of the request body when a secret
// is configured.
const SignatureHeader = "X-Replicad-Signature"

// WebhookConfig configures the outbound webhook. An empty URL disables it.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// webhookPayload keeps a top-level "text" so chat incoming-webhooks render
// something useful; structured data rides in "payload".
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type webhookSender struct {
	cfg    WebhookConfig
	client *resty.Client
}

func newWebhookSender(cfg WebhookConfig) *webhookSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &webhookSender{
		cfg: cfg,
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", "replicad-webhook/1.0"),
	}
}

func (s *webhookSender) send(ctx context.Context, ev Event) error {
	if s.cfg.URL == "" {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Type:      string(ev.Type),
		Title:     ev.Title,
		Body:      ev.Body,
		Payload:   ev.Payload,
		Timestamp: ev.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %s", ErrSendFailed, err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(data)
	if s.cfg.Secret != "" {
		req.SetHeader(SignatureHeader, "sha256="+sign(data, s.cfg.Secret))
	}

	resp, err := req.Post(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: webhook returned status %d", ErrSendFailed, resp.StatusCode())
	}
	return nil
}

// sign returns the lowercase hex HMAC-SHA256 of data.
func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
