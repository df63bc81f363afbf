package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"breakglass/pkg/failure"
	"breakglass/pkg/publish"
)

var _ publish.SourceControl = (*Client)(nil)

type contentEntry struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type refResponse struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type pullResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (p pullResponse) toPullRequest() publish.PullRequest {
	pr := publish.PullRequest{Number: p.Number, URL: p.HTMLURL, Title: p.Title, Body: p.Body}
	for _, l := range p.Labels {
		pr.Labels = append(pr.Labels, l.Name)
	}
	return pr
}

func contentsPath(path, ref string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	p := "/contents/" + strings.Join(segments, "/")
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	return p
}

// GetFile reads a file and its blob SHA at ref.
func (c *Client) GetFile(ctx context.Context, path, ref string) (publish.File, error) {
	var entry contentEntry
	if err := c.do(ctx, "get_file", http.MethodGet, contentsPath(path, ref), nil, &entry); err != nil {
		return publish.File{}, failure.Transport("github.get_file", err)
	}
	if entry.Type != "" && entry.Type != "file" {
		return publish.File{}, failure.Transport("github.get_file", fmt.Errorf("%s is a %s, not a file", path, entry.Type))
	}
	if entry.Encoding != "" && entry.Encoding != "base64" {
		return publish.File{}, failure.Transport("github.get_file", fmt.Errorf("unsupported content encoding %q", entry.Encoding))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.NewReplacer("\n", "", "\r", "").Replace(entry.Content))
	if err != nil {
		return publish.File{}, failure.Transport("github.get_file", fmt.Errorf("decoding %s: %w", path, err))
	}
	return publish.File{Path: path, Content: raw, SHA: entry.SHA}, nil
}

func (c *Client) BranchHead(ctx context.Context, branch string) (string, error) {
	var ref refResponse
	if err := c.do(ctx, "branch_head", http.MethodGet, "/git/ref/heads/"+url.PathEscape(branch), nil, &ref); err != nil {
		return "", failure.Transport("github.branch_head", err)
	}
	return ref.Object.SHA, nil
}

// CreateBranch creates refs/heads/{name} at sha. A taken name yields
// publish.ErrBranchExists.
func (c *Client) CreateBranch(ctx context.Context, name, sha string) error {
	req := map[string]string{"ref": "refs/heads/" + name, "sha": sha}
	err := c.do(ctx, "create_branch", http.MethodPost, "/git/refs", req, nil)
	if IsAlreadyExists(err) {
		return fmt.Errorf("%w: %s", publish.ErrBranchExists, name)
	}
	return failure.Transport("github.create_branch", err)
}

// CommitFile replaces the file on the branch. GitHub answers 409 when the
// blob SHA no longer matches, which maps to failure.ErrConflict.
func (c *Client) CommitFile(ctx context.Context, commit publish.FileCommit) error {
	req := map[string]string{
		"message": commit.Message,
		"content": base64.StdEncoding.EncodeToString(commit.Content),
		"sha":     commit.SHA,
		"branch":  commit.Branch,
	}
	err := c.do(ctx, "commit_file", http.MethodPut, contentsPath(commit.Path, ""), req, nil)
	if IsConflict(err) {
		return fmt.Errorf("%w: %s: %v", failure.ErrConflict, commit.Path, err)
	}
	return failure.Transport("github.commit_file", err)
}

func (c *Client) OpenPullRequest(ctx context.Context, pr publish.NewPullRequest) (publish.PullRequest, error) {
	req := map[string]string{"title": pr.Title, "body": pr.Body, "head": pr.Head, "base": pr.Base}
	var resp pullResponse
	if err := c.do(ctx, "open_pull", http.MethodPost, "/pulls", req, &resp); err != nil {
		return publish.PullRequest{}, failure.Transport("github.open_pull", err)
	}
	return resp.toPullRequest(), nil
}

func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	req := map[string][]string{"labels": labels}
	err := c.do(ctx, "add_labels", http.MethodPost, fmt.Sprintf("/issues/%d/labels", number), req, nil)
	return failure.Transport("github.add_labels", err)
}

func (c *Client) RequestReviewers(ctx context.Context, number int, reviewers []string) error {
	req := map[string][]string{"reviewers": reviewers}
	err := c.do(ctx, "request_reviewers", http.MethodPost, fmt.Sprintf("/pulls/%d/requested_reviewers", number), req, nil)
	return failure.Transport("github.request_reviewers", err)
}

func (c *Client) GetPullRequest(ctx context.Context, number int) (publish.PullRequest, error) {
	var resp pullResponse
	if err := c.do(ctx, "get_pull", http.MethodGet, fmt.Sprintf("/pulls/%d", number), nil, &resp); err != nil {
		return publish.PullRequest{}, failure.Transport("github.get_pull", err)
	}
	return resp.toPullRequest(), nil
}

func (c *Client) EditPullRequestBody(ctx context.Context, number int, body string) error {
	req := map[string]string{"body": body}
	err := c.do(ctx, "edit_pull", http.MethodPatch, fmt.Sprintf("/pulls/%d", number), req, nil)
	return failure.Transport("github.edit_pull", err)
}

// ListSubdirectories returns the names of directories directly under path.
func (c *Client) ListSubdirectories(ctx context.Context, path, ref string) ([]string, error) {
	var entries []contentEntry
	if err := c.do(ctx, "list_dirs", http.MethodGet, contentsPath(path, ref), nil, &entries); err != nil {
		return nil, failure.Transport("github.list_dirs", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type == "dir" {
			out = append(out, e.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}
