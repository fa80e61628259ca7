// Package extraction turns a captured fragment and a user query into one
// chat-completions call and parses the answer into code and explanation.
//
// The client reads its Config from a ConfigSource on every call, so changes
// made in settings apply to the next request without a restart.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/message"
)

// Sampling parameters of extraction calls.
const (
	Temperature = 0.3
	MaxTokens   = 4000
)

// Result is the parsed answer.
type Result = message.Result

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each call. Zero leaves the caller's context as the
// only bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxHTMLChars overrides MaxHTMLChars.
func WithMaxHTMLChars(n int) Option {
	return func(c *Client) { c.maxHTML = n }
}

// WithSanitize strips scripts, styles and event handlers from captured
// markup before it is sent.
func WithSanitize(on bool) Option {
	return func(c *Client) { c.sanitize = on }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	src      ConfigSource
	http     *http.Client
	timeout  time.Duration
	maxHTML  int
	sanitize bool
	logger   *slog.Logger
}

// New creates a Client reading its configuration from src.
func New(src ConfigSource, opts ...Option) *Client {
	c := &Client{
		src:     src,
		http:    &http.Client{},
		maxHTML: MaxHTMLChars,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Extract asks the model for extraction code for p.
func (c *Client) Extract(ctx context.Context, p capture.Payload, query, pageURL string) (*Result, error) {
	cfg, err := c.src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("extraction: load config: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &MissingCredentialError{}
	}

	if c.sanitize {
		p.HTML = Sanitize(p.HTML)
	}
	req := NewRequest(p, query, pageURL, cfg, c.maxHTML)
	system, user := req.Prompt()

	start := time.Now()
	content, err := c.complete(ctx, cfg, chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "extraction: call failed",
			"endpoint", cfg.APIEndpoint, "mode", req.Mode, "error", err)
		return nil, err
	}

	res := ParseResponse(content)
	c.logger.InfoContext(ctx, "extraction: done",
		"mode", req.Mode,
		"language", req.TargetLanguage,
		"html_chars", len(req.HTML),
		"code_bytes", len(res.Code),
		"duration_ms", time.Since(start).Milliseconds())
	return &res, nil
}

// Probe sends a minimal request to check that cfg's key and endpoint work.
// It returns the model's reply.
func (c *Client) Probe(ctx context.Context, cfg Config) (string, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return "", &MissingCredentialError{}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return c.complete(ctx, cfg, chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Say hello"},
		},
		Temperature: Temperature,
		MaxTokens:   50,
	})
}

func (c *Client) complete(ctx context.Context, cfg Config, body chatRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", &TransportError{Op: "encode request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIEndpoint, bytes.NewReader(data))
	if err != nil {
		return "", &TransportError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return "", &TransportError{Op: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := upstreamMessage(raw)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if msg == "" {
			msg = resp.Status
		}
		return "", &RemoteAPIError{Status: resp.StatusCode, Message: msg}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &TransportError{Op: "decode response", Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &TransportError{Op: "decode response", Err: errors.New("no choices in response")}
	}
	content := out.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &TransportError{Op: "decode response", Err: errors.New("empty completion")}
	}
	return content, nil
}

// upstreamMessage reads {"error":{"message":...}} or {"error":"..."}.
func upstreamMessage(raw []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if len(body.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(body.Error, &flat); err == nil && flat != "" {
			return flat
		}
	}
	return body.Message
}
