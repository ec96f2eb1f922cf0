package client

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
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	errMissingBaseURL   = errors.New("client: base url required")
	errMissingProjectID = errors.New("client: project id required")
)

// VoteRatio mirrors the service's vote ratio payload. UserVote is nil when the
// caller is anonymous or has not voted.
type VoteRatio struct {
	ProjectID string  `json:"projectId"`
	Upvotes   int64   `json:"upvotes"`
	Downvotes int64   `json:"downvotes"`
	Ratio     float64 `json:"ratio"`
	Total     int64   `json:"total"`
	UserVote  *string `json:"userVote,omitempty"`
}

// ResetResult is the body returned by a reset.
type ResetResult struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId"`
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	Operation  string
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("failed to %s: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("failed to %s: %s (%s)", e.Operation, e.Status, e.Message)
}

// Config describes how to reach the vote service.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token when set.
	Token string
}

// Client calls the vote service routes. It never retries.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      strings.TrimSpace(cfg.Token),
	}, nil
}

// Upvote records the caller's upvote.
func (c *Client) Upvote(ctx context.Context, projectID string) (VoteRatio, error) {
	return c.voteRatio(ctx, "upvote", http.MethodPost, projectID, "upvote")
}

// Downvote records the caller's downvote.
func (c *Client) Downvote(ctx context.Context, projectID string) (VoteRatio, error) {
	return c.voteRatio(ctx, "downvote", http.MethodPost, projectID, "downvote")
}

// GetVoteRatio reads one project.
func (c *Client) GetVoteRatio(ctx context.Context, projectID string) (VoteRatio, error) {
	return c.voteRatio(ctx, "get vote ratio", http.MethodGet, projectID, "")
}

// GetAllVotes lists every project with votes.
func (c *Client) GetAllVotes(ctx context.Context) ([]VoteRatio, error) {
	ratios := make([]VoteRatio, 0)
	if err := c.do(ctx, "get all votes", http.MethodGet, "/votes", &ratios); err != nil {
		return nil, err
	}
	return ratios, nil
}

// ResetVotes clears a project's votes.
func (c *Client) ResetVotes(ctx context.Context, projectID string) (ResetResult, error) {
	if strings.TrimSpace(projectID) == "" {
		return ResetResult{}, errMissingProjectID
	}
	var result ResetResult
	err := c.do(ctx, "reset votes", http.MethodDelete, projectPath(projectID, ""), &result)
	return result, err
}

func (c *Client) voteRatio(ctx context.Context, operation, method, projectID, action string) (VoteRatio, error) {
	if strings.TrimSpace(projectID) == "" {
		return VoteRatio{}, errMissingProjectID
	}
	var ratio VoteRatio
	err := c.do(ctx, operation, method, projectPath(projectID, action), &ratio)
	return ratio, err
}

func projectPath(projectID, action string) string {
	path := "/votes/" + url.PathEscape(projectID)
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *Client) do(ctx context.Context, operation, method, path string, out interface{}) error {
	endpoint := c.baseURL.String() + path
	request, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", operation, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return newHTTPError(operation, response)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to %s: decode response: %w", operation, err)
	}
	return nil
}

func newHTTPError(operation string, response *http.Response) *HTTPError {
	httpErr := &HTTPError{
		Operation:  operation,
		StatusCode: response.StatusCode,
		Status:     response.Status,
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return httpErr
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		httpErr.Message = payload.Error
	}
	return httpErr
}
