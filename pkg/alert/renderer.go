package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/securecall/callrelay/pkg/logger"
)

// Renderer turns commands into visible or audible alerts.
type Renderer interface {
	Render(ctx context.Context, cmd Command) error
	Withdraw(ctx context.Context, handleID string) error
}

// LogRenderer writes commands to the log. Used when no renderer service is configured.
type LogRenderer struct {
	logger logger.Logger
}

// NewLogRenderer creates a LogRenderer.
func NewLogRenderer(l logger.Logger) *LogRenderer {
	return &LogRenderer{logger: logger.OrGlobal(l).Component("alert.renderer")}
}

// Render logs cmd.
func (r *LogRenderer) Render(ctx context.Context, cmd Command) error {
	r.logger.InfoContext(ctx, "present alert",
		"handle_id", cmd.HandleID,
		"channel", cmd.Channel,
		"title", cmd.Title,
		"body", cmd.Body,
		"dedup_key", cmd.DedupKey,
		"priority", cmd.Priority,
		"timeout", cmd.Timeout,
		"full_screen", cmd.FullScreen,
	)
	return nil
}

// Withdraw logs the dismissal.
func (r *LogRenderer) Withdraw(ctx context.Context, handleID string) error {
	r.logger.InfoContext(ctx, "dismiss alert", "handle_id", handleID)
	return nil
}

// WebhookConfig configures a WebhookRenderer.
type WebhookConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// WebhookRenderer forwards commands to a renderer service over HTTP:
// POST {base}/alerts with the command and DELETE {base}/alerts/{id}.
type WebhookRenderer struct {
	client *resty.Client
}

// NewWebhookRenderer creates a WebhookRenderer.
func NewWebhookRenderer(cfg WebhookConfig) (*WebhookRenderer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("renderer base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid renderer base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &WebhookRenderer{client: client}, nil
}

// Render posts cmd to the renderer service.
func (r *WebhookRenderer) Render(ctx context.Context, cmd Command) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(cmd).
		Post("/alerts")
	if err != nil {
		return fmt.Errorf("render alert %s: %w", cmd.HandleID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("render alert %s: renderer returned %d: %s", cmd.HandleID, resp.StatusCode(), resp.String())
	}
	return nil
}

// Withdraw asks the renderer service to remove the alert. A 404 means it is
// already gone.
func (r *WebhookRenderer) Withdraw(ctx context.Context, handleID string) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("id", handleID).
		Delete("/alerts/{id}")
	if err != nil {
		return fmt.Errorf("withdraw alert %s: %w", handleID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("withdraw alert %s: renderer returned %d: %s", handleID, resp.StatusCode(), resp.String())
	}
	return nil
}
