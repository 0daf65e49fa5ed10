// Package whatsapp sends and receives WhatsApp messages through an
// Evolution API instance.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

var ErrSendFailed = errors.New("whatsapp: send failed")

type Config struct {
	BaseURL    string
	APIKey     string
	Instance   string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Echoes     EchoRegistry // optional
}

// Client posts text messages to the Evolution API.
type Client struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	echoes     EchoRegistry
	logger     *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("whatsapp: base url is required")
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("whatsapp: instance is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		instance:   cfg.Instance,
		httpClient: httpClient,
		maxRetries: max(cfg.MaxRetries, 0),
		backoff:    backoff,
		echoes:     cfg.Echoes,
		logger:     logger,
	}, nil
}

type sendTextBody struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// Send delivers text to a phone number. Only transport errors and 429/5xx
// answers are retried.
func (c *Client) Send(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: recipient and text are required", ErrSendFailed)
	}
	body, err := json.Marshal(sendTextBody{Number: NormalizeNumber(to), Text: text})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal send body: %w", err)
	}
	endpoint := c.baseURL + "/message/sendText/" + url.PathEscape(c.instance)

	if c.echoes != nil {
		if err := c.echoes.Remember(ctx, to, text); err != nil {
			c.logger.Warn("failed to remember outbound message", "error", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		status, err := c.post(ctx, endpoint, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !shouldRetry(status) || attempt == c.maxRetries {
			break
		}
		c.logger.Warn("whatsapp send retry",
			"attempt", attempt+1,
			"status", status,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
		case <-time.After(c.backoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("%w: %v", ErrSendFailed, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// status 0 means the request never got an answer
func shouldRetry(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// NormalizeNumber strips a WhatsApp JID suffix and anything that is not a digit.
func NormalizeNumber(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
