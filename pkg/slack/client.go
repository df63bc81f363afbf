// Package slack is the chat side of the bot: Web API calls, Block Kit
// payloads and the inbound command and interaction endpoints.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"breakglass/pkg/failure"
	"breakglass/pkg/httpx"
)

const DefaultBaseURL = "https://slack.com/api"

type Config struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Observe    func(op string, err error, d time.Duration)
}

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	observe    func(op string, err error, d time.Duration)
}

// APIError is an "ok": false response.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("slack: token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    base,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger.With().Str("component", "slack").Logger(),
		observe:    cfg.Observe,
	}, nil
}

type PostedMessage struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (c *Client) PostMessage(ctx context.Context, msg Message) (PostedMessage, error) {
	var out PostedMessage
	err := c.call(ctx, "chat.postMessage", msg, &out)
	return out, err
}

func (c *Client) OpenView(ctx context.Context, triggerID string, view View) error {
	return c.call(ctx, "views.open", map[string]any{"trigger_id": triggerID, "view": view}, nil)
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, in, out)
	if c.observe != nil {
		c.observe(method, err, time.Since(start))
	}
	if err != nil {
		c.log.Error().Err(err).Str("op", method).Msg("slack call failed")
		return failure.Transport("slack."+method, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	status, resp, err := httpx.RequestJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/"+method, body, map[string]string{
		"Authorization": "Bearer " + c.token,
		"Content-Type":  "application/json; charset=utf-8",
	})
	if err != nil {
		return err
	}
	if !httpx.IsSuccess(status) {
		return fmt.Errorf("slack %s: HTTP %d", method, status)
	}
	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return &APIError{Method: method, Code: envelope.Error}
	}
	if out != nil {
		return json.Unmarshal(resp, out)
	}
	return nil
}
