// Package jira is the Jira Cloud REST adapter behind tickets.Tracker.
package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"breakglass/pkg/failure"
	"breakglass/pkg/httpx"
	"breakglass/pkg/tickets"
)

var _ tickets.Tracker = (*Client)(nil)

type Config struct {
	Server     string
	Email      string
	APIToken   string
	ProjectKey string
	IssueType  string
	// CustomFields are merged into every created issue's fields verbatim.
	CustomFields map[string]any
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Observe      func(op string, err error, d time.Duration)
}

type Client struct {
	server       string
	authHeader   string
	projectKey   string
	issueType    string
	customFields map[string]any
	httpClient   *http.Client
	log          zerolog.Logger
	observe      func(op string, err error, d time.Duration)
}

// StatusError is a non-2xx Jira response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jira: HTTP %d: %s", e.StatusCode, e.Body)
}

func New(cfg Config) (*Client, error) {
	server := strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	if server == "" {
		return nil, fmt.Errorf("jira: server is required")
	}
	if cfg.ProjectKey == "" {
		return nil, fmt.Errorf("jira: project key is required")
	}
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.APIToken))
	return &Client{
		server:       server,
		authHeader:   "Basic " + creds,
		projectKey:   cfg.ProjectKey,
		issueType:    issueType,
		customFields: cfg.CustomFields,
		httpClient:   cfg.HTTPClient,
		log:          cfg.Logger.With().Str("component", "jira").Logger(),
		observe:      cfg.Observe,
	}, nil
}

// BrowseURL is the human link to an issue.
func (c *Client) BrowseURL(key string) string {
	return c.server + "/browse/" + key
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, in, out)
	if c.observe != nil {
		c.observe(op, err, time.Since(start))
	}
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Msg("jira call failed")
		return failure.Transport("jira."+op, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = encoded
	}
	status, resp, err := httpx.RequestJSON(ctx, c.httpClient, method, c.server+path, body, map[string]string{
		"Authorization": c.authHeader,
		"Accept":        "application/json",
	})
	if err != nil {
		return err
	}
	if !httpx.IsSuccess(status) {
		return &StatusError{StatusCode: status, Body: strings.TrimSpace(string(resp))}
	}
	if out != nil && len(resp) > 0 {
		return json.Unmarshal(resp, out)
	}
	return nil
}

func (c *Client) CreateIssue(ctx context.Context, req tickets.IssueRequest) (tickets.Issue, error) {
	fields := map[string]any{}
	for k, v := range c.customFields {
		fields[k] = v
	}
	fields["project"] = map[string]string{"key": c.projectKey}
	fields["summary"] = req.Summary
	fields["description"] = req.Description
	fields["issuetype"] = map[string]string{"name": c.issueType}
	if req.ReporterID != "" {
		fields["reporter"] = map[string]string{"id": req.ReporterID}
	}
	var resp struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := c.call(ctx, "create_issue", http.MethodPost, "/rest/api/2/issue", map[string]any{"fields": fields}, &resp); err != nil {
		return tickets.Issue{}, err
	}
	if resp.Key == "" {
		return tickets.Issue{}, failure.Transport("jira.create_issue", fmt.Errorf("response carried no issue key"))
	}
	return tickets.Issue{Key: resp.Key, URL: c.BrowseURL(resp.Key)}, nil
}

func (c *Client) Assign(ctx context.Context, key, accountID string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "/assignee"
	return c.call(ctx, "assign", http.MethodPut, path, map[string]string{"accountId": accountID}, nil)
}

// FindUser returns the account ID of the user whose address matches email,
// falling back to the first search hit, or "" when nothing matches.
func (c *Client) FindUser(ctx context.Context, email string) (string, error) {
	var users []struct {
		AccountID    string `json:"accountId"`
		EmailAddress string `json:"emailAddress"`
		Active       *bool  `json:"active"`
	}
	path := "/rest/api/3/user/search?query=" + url.QueryEscape(email)
	if err := c.call(ctx, "find_user", http.MethodGet, path, nil, &users); err != nil {
		return "", err
	}
	for _, u := range users {
		if strings.EqualFold(u.EmailAddress, email) {
			return u.AccountID, nil
		}
	}
	if len(users) > 0 {
		return users[0].AccountID, nil
	}
	return "", nil
}
