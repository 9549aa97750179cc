package caselinesdk

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

// Client is a minimal Caseline HTTP API client.
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

// Case represents the API case model (partial).
type Case struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	Substatus     *string `json:"substatus,omitempty"`
	PauseReason   *string `json:"pause_reason,omitempty"`
	RequiresHuman bool    `json:"requires_human"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// Run represents a pipeline run.
type Run struct {
	ID      string `json:"id"`
	CaseID  string `json:"case_id"`
	Trigger string `json:"trigger"`
	Status  string `json:"status"`
}

// Proposal represents a candidate action awaiting execution or review.
type Proposal struct {
	ID            string  `json:"id"`
	CaseID        string  `json:"case_id"`
	ActionType    string  `json:"action_type"`
	Status        string  `json:"status"`
	Confidence    float64 `json:"confidence"`
	RequiresHuman bool    `json:"requires_human"`
	ResumeToken   *string `json:"resume_token,omitempty"`
}

// Event represents an activity log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// Message represents one correspondence item on a case.
type Message struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	Direction string  `json:"direction"`
	Subject   *string `json:"subject,omitempty"`
	Body      string  `json:"body"`
	CreatedAt string  `json:"created_at"`
}

// RunResult is the outcome of starting a run: the run row plus whether the
// pipeline suspended waiting on a human.
type RunResult struct {
	Run       Run    `json:"run"`
	Suspended bool   `json:"suspended"`
	Halted    string `json:"halted,omitempty"`
}

// ResumeResult reports a settled gate.
type ResumeResult struct {
	CaseID    string `json:"case_id"`
	Decision  string `json:"decision"`
	Suspended bool   `json:"suspended"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateCase creates a case.
func (c *Client) CreateCase(ctx context.Context, name string, payload any) (Case, error) {
	body := map[string]any{"name": name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Case{}, err
		}
		body["payload_json"] = string(data)
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCases lists cases, optionally filtered by status.
func (c *Client) ListCases(ctx context.Context, status string) ([]Case, error) {
	endpoint := "v0/cases"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Case `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AddMessage records an inbound message on a case. When startRun is true the
// server kicks off a pipeline run after recording it.
func (c *Client) AddMessage(ctx context.Context, caseID, subject, body string, startRun bool) (Message, error) {
	payload := map[string]any{
		"subject":   subject,
		"body":      body,
		"start_run": startRun,
	}
	var resp struct {
		Message Message `json:"message"`
	}
	endpoint := fmt.Sprintf("v0/cases/%s/messages", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp.Message, err
}

// StartRun starts a pipeline run for a case.
func (c *Client) StartRun(ctx context.Context, caseID, trigger string) (RunResult, error) {
	body := map[string]any{"case_id": caseID}
	if trigger != "" {
		body["trigger"] = trigger
	}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// Resume settles a gated proposal with an APPROVE, ADJUST, DISMISS, or
// WITHDRAW decision.
func (c *Client) Resume(ctx context.Context, token, decision, note string) (ResumeResult, error) {
	body := map[string]any{
		"token":    token,
		"decision": decision,
	}
	if note != "" {
		body["note"] = note
	}
	var resp ResumeResult
	err := c.do(ctx, http.MethodPost, "v0/resume", body, &resp)
	return resp, err
}

// Proposals lists proposals for a case.
func (c *Client) Proposals(ctx context.Context, caseID string) ([]Proposal, error) {
	var resp struct {
		Items []Proposal `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/cases/%s/proposals", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
