package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tayang/internal/render"
)

// Transport performs one webhook delivery attempt.
//
// A nil return means delivered. Failures use the package error wrappers to
// steer retry policy: NoRetry for permanent failures, RetryAfter to carry an
// explicit server hint, anything else is treated as transient.
type Transport interface {
	Deliver(ctx context.Context, targetURL string, msg render.Message) error
}

// WebhookConfig shapes the outgoing Discord-compatible payload.
type WebhookConfig struct {
	Username  string
	AvatarURL string
}

type embedBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type webhookBody struct {
	Username  string      `json:"username,omitempty"`
	AvatarURL string      `json:"avatar_url,omitempty"`
	Embeds    []embedBody `json:"embeds"`
}

// HTTPTransport posts rendered messages as Discord-style webhook embeds.
type HTTPTransport struct {
	client *http.Client
	cfg    WebhookConfig
}

func NewHTTPTransport(client *http.Client, cfg WebhookConfig) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, cfg: cfg}
}

func (t *HTTPTransport) Deliver(ctx context.Context, targetURL string, msg render.Message) error {
	u, err := url.Parse(strings.TrimSpace(targetURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NoRetry(fmt.Errorf("malformed target url %q", targetURL))
	}

	body, err := json.Marshal(webhookBody{
		Username:  t.cfg.Username,
		AvatarURL: t.cfg.AvatarURL,
		Embeds: []embedBody{{
			Title:       msg.Title,
			Description: msg.Description,
			Color:       msg.Color,
		}},
	})
	if err != nil {
		return NoRetry(fmt.Errorf("encode webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// Network errors and timeouts are transient.
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyStatus(resp)
}

// classifyStatus maps an HTTP response to the retry policy:
// 2xx delivered, 429 transient with the server's hint, 5xx transient,
// any other 4xx permanent.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		err := fmt.Errorf("target returned %d", code)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return RetryAfter(err, d)
		}
		return err
	case code >= 500:
		return fmt.Errorf("target returned %d", code)
	default:
		return NoRetry(fmt.Errorf("target returned %d", code))
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
