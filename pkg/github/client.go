// Package github is a small GitHub REST client covering the contents, git
// refs, pulls and labels endpoints the publisher uses. It implements
// publish.SourceControl.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"breakglass/pkg/httpx"
)

const (
	apiVersion     = "2022-11-28"
	defaultBaseURL = "https://api.github.com"
)

type Config struct {
	// BaseURL defaults to https://api.github.com and must use HTTPS.
	BaseURL string
	Token   string
	// Repo is "owner/name".
	Repo       string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Observe, when set, is called after every API call.
	Observe func(op string, err error, d time.Duration)
}

type Client struct {
	baseURL    string
	token      string
	owner      string
	repo       string
	httpClient *http.Client
	log        zerolog.Logger
	observe    func(op string, err error, d time.Duration)
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("github: repo must be owner/name (got %q)", cfg.Repo)
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		owner:      owner,
		repo:       repo,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger.With().Str("component", "github").Logger(),
		observe:    cfg.Observe,
	}, nil
}

// do sends one API request. path is relative to /repos/{owner}/{repo}.
// Non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, in, out)
	if c.observe != nil {
		c.observe(op, err, time.Since(start))
	}
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Str("method", method).Str("path", path).Msg("github call failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("github: encoding request body: %w", err)
		}
		body = encoded
	}
	url := fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL, c.owner, c.repo, path)
	status, respBody, err := httpx.RequestJSON(ctx, c.httpClient, method, url, body, map[string]string{
		"Authorization":        "Bearer " + c.token,
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": apiVersion,
	})
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	if !httpx.IsSuccess(status) {
		return parseAPIError(status, respBody)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("github: decoding %s %s: %w", method, path, err)
		}
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var wire struct {
		Message          string            `json:"message"`
		DocumentationURL string            `json:"documentation_url"`
		Errors           []ValidationError `json:"errors"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiErr.Message = wire.Message
		apiErr.DocumentationURL = wire.DocumentationURL
		apiErr.Errors = wire.Errors
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}
