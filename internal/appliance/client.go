// Package appliance is a small client for the local Rockstor REST API. The
// power task runner uses it to ask the appliance to reboot, shut down or
// suspend, optionally with an RTC wake time.
package appliance

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rockstor/replicad/internal/types"
)

// DefaultBaseURL is the API root of the appliance the runner is installed on.
const DefaultBaseURL = "https://localhost/api"

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Insecure skips TLS verification; the appliance serves a self-signed
	// certificate on localhost.
	Insecure bool
}

// Client calls the appliance API.
type Client struct {
	http *resty.Client
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	if cfg.Insecure {
		c.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // localhost self-signed
	}
	return &Client{http: c}
}

// PowerPath returns the command path for kind, with the wake epoch appended
// when one is given.
func PowerPath(kind types.TaskType, wakeEpoch *int64) string {
	p := "commands/" + string(kind)
	if wakeEpoch != nil {
		p += "/" + strconv.FormatInt(*wakeEpoch, 10)
	}
	return p
}

// Power asks the appliance to reboot, shut down or suspend.
func (c *Client) Power(ctx context.Context, kind types.TaskType, wakeEpoch *int64) error {
	if !kind.IsPower() {
		return fmt.Errorf("appliance: %q is not a power command", kind)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{}).
		Post("/" + PowerPath(kind, wakeEpoch))
	if err != nil {
		return fmt.Errorf("appliance: %s: %w", kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("appliance: %s: status %d: %s", kind, resp.StatusCode(), resp.String())
	}
	return nil
}
