package rolloutsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Rollout HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Stage represents one pipeline stage of a project.
type Stage struct {
	Key            string         `json:"key"`
	Status         string         `json:"status"`
	Responsible    string         `json:"responsible,omitempty"`
	StartDate      string         `json:"start_date,omitempty"`
	EndDate        string         `json:"end_date,omitempty"`
	BlockingReason string         `json:"blocking_reason,omitempty"`
	Observations   string         `json:"observations,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
	UpdatedAt      string         `json:"updated_at"`
}

// Project represents the API project model.
type Project struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Status          string           `json:"status"`
	OverallProgress int              `json:"overall_progress"`
	Health          string           `json:"health,omitempty"`
	CreatedAt       string           `json:"created_at"`
	LastUpdatedAt   string           `json:"last_updated_at"`
	LastUpdatedBy   string           `json:"last_updated_by,omitempty"`
	Stages          map[string]Stage `json:"stages,omitempty"`
}

// QueueItem represents a conversion queue entry.
type QueueItem struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	Status         string `json:"status"`
	Priority       int    `json:"priority"`
	Notes          string `json:"notes,omitempty"`
	SentAt         string `json:"sent_at"`
	AssignedTo     string `json:"assigned_to,omitempty"`
	AssignedToName string `json:"assigned_to_name,omitempty"`
	AssignedAt     string `json:"assigned_at,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// Issue represents a homologation defect.
type Issue struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	QueueItemID     string `json:"queue_item_id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	Priority        string `json:"priority"`
	Status          string `json:"status"`
	ReportedAt      string `json:"reported_at"`
	FixedAt         string `json:"fixed_at,omitempty"`
	ResolvedBy      string `json:"resolved_by,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	ProjectID string `json:"project_id"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Metadata  string `json:"metadata,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project with its six stages.
func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	body := map[string]any{"name": name}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project including stages and health.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v1/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProjects lists projects, optionally filtered by status.
func (c *Client) ListProjects(ctx context.Context, status string) ([]Project, error) {
	endpoint := "v1/projects"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStage patches one stage. Fields set in the patch map are applied
// verbatim; omitted fields are left untouched.
func (c *Client) UpdateStage(ctx context.Context, projectID, stageKey string, patch map[string]any) (Project, error) {
	endpoint := fmt.Sprintf("v1/projects/%s/stages/%s", url.PathEscape(projectID), url.PathEscape(stageKey))
	var resp Project
	err := c.do(ctx, http.MethodPatch, endpoint, patch, &resp)
	return resp, err
}

// SendToConversion queues a project for conversion. priority 0 means the
// server default.
func (c *Client) SendToConversion(ctx context.Context, projectID string, priority int, notes string) (QueueItem, error) {
	body := map[string]any{"project_id": projectID}
	if priority > 0 {
		body["priority"] = priority
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp QueueItem
	err := c.do(ctx, http.MethodPost, "v1/queue", body, &resp)
	return resp, err
}

// ListQueue lists queue items, optionally filtered by status.
func (c *Client) ListQueue(ctx context.Context, status string) ([]QueueItem, error) {
	endpoint := "v1/queue"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []QueueItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MyQueue lists items assigned to the authenticated caller.
func (c *Client) MyQueue(ctx context.Context) ([]QueueItem, error) {
	var resp []QueueItem
	err := c.do(ctx, http.MethodGet, "v1/queue/mine", nil, &resp)
	return resp, err
}

// Claim assigns a pending item to the authenticated caller.
func (c *Client) Claim(ctx context.Context, itemID string) (QueueItem, error) {
	var resp QueueItem
	err := c.do(ctx, http.MethodPost, c.queuePath(itemID, "claim"), nil, &resp)
	return resp, err
}

// SubmitForHomologation moves an in-progress item to the QA gate.
func (c *Client) SubmitForHomologation(ctx context.Context, itemID string) (QueueItem, error) {
	var resp QueueItem
	err := c.do(ctx, http.MethodPost, c.queuePath(itemID, "submit"), nil, &resp)
	return resp, err
}

// StartHomologation begins the review of a submitted item.
func (c *Client) StartHomologation(ctx context.Context, itemID string) (QueueItem, error) {
	var resp QueueItem
	err := c.do(ctx, http.MethodPost, c.queuePath(itemID, "homologation/start"), nil, &resp)
	return resp, err
}

// ApproveHomologation approves the review and completes the item.
func (c *Client) ApproveHomologation(ctx context.Context, itemID string) (QueueItem, error) {
	var resp QueueItem
	err := c.do(ctx, http.MethodPost, c.queuePath(itemID, "approve"), nil, &resp)
	return resp, err
}

// ReportIssue files a defect against an item under review.
func (c *Client) ReportIssue(ctx context.Context, itemID, title, description, priority string) (Issue, error) {
	body := map[string]any{"title": title}
	if description != "" {
		body["description"] = description
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.queuePath(itemID, "issues"), body, &resp)
	return resp, err
}

// ResolveIssue marks a defect fixed.
func (c *Client) ResolveIssue(ctx context.Context, issueID, notes string) (Issue, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/issues/%s/resolve", url.PathEscape(issueID)), body, &resp)
	return resp, err
}

// Events returns recent audit events for a project, newest first.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v1/projects/%s/events", url.PathEscape(projectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) queuePath(itemID, suffix string) string {
	return fmt.Sprintf("v1/queue/%s/%s", url.PathEscape(itemID), suffix)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
