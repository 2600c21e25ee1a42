package agentboardsdk

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

// Client is a minimal Agentboard HTTP API client. Set OwnerPassword for the
// operator credential, or APIKey plus AgentID/AgentRole for agent calls.
type Client struct {
	BaseURL       string
	OwnerPassword string
	APIKey        string
	AgentID       string
	AgentRole     string
	BearerToken   string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Card represents the API card model.
type Card struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	OwnerAgent  *string `json:"owner_agent,omitempty"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	DueDate     *string `json:"due_date,omitempty"`
	Branch      *string `json:"branch,omitempty"`
	Repo        *string `json:"repo,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Comment represents a card note.
type Comment struct {
	ID         int64  `json:"id"`
	CardID     string `json:"card_id"`
	Content    string `json:"content"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role"`
	CreatedAt  string `json:"created_at"`
}

// ActivityEntry represents an audit ledger row.
type ActivityEntry struct {
	ID                int64   `json:"id"`
	TS                string  `json:"ts"`
	Action            string  `json:"action"`
	CardID            string  `json:"card_id,omitempty"`
	CardTitle         string  `json:"card_title,omitempty"`
	Details           string  `json:"details,omitempty"`
	ActorID           string  `json:"actor_id"`
	ActorRole         string  `json:"actor_role"`
	FromStatus        *string `json:"from_status,omitempty"`
	ToStatus          *string `json:"to_status,omitempty"`
	TransitionAllowed bool    `json:"transition_allowed"`
	DenialReason      *string `json:"denial_reason,omitempty"`
}

// ClaimResult reports the winning owner after a claim.
type ClaimResult struct {
	ID         string `json:"id"`
	OwnerAgent string `json:"owner_agent"`
}

// TransitionResult reports a completed status change.
type TransitionResult struct {
	ID         string `json:"id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
}

// Stats reports card counts by status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Health reports server liveness.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    int64  `json:"uptime"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCard creates a card. Extra optional fields go in fields, keyed by the
// API names (description, priority, status, due_date, branch, repo,
// owner_agent, assignee).
func (c *Client) CreateCard(ctx context.Context, title string, fields map[string]any) (Card, error) {
	body := map[string]any{"title": title}
	for k, v := range fields {
		body[k] = v
	}
	var resp Card
	err := c.do(ctx, http.MethodPost, "cards", body, &resp)
	return resp, err
}

// GetCard fetches a card by id.
func (c *Client) GetCard(ctx context.Context, id string) (Card, error) {
	var resp Card
	err := c.do(ctx, http.MethodGet, "cards/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCards returns all cards, optionally filtered by status.
func (c *Client) ListCards(ctx context.Context, status string) ([]Card, error) {
	endpoint := "cards"
	if status != "" {
		endpoint = "cards?status=" + url.QueryEscape(status)
	}
	var resp []Card
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim attempts to take ownership of an unassigned card. A 409 means another
// agent already owns it.
func (c *Client) Claim(ctx context.Context, id string) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "cards/"+url.PathEscape(id)+"/claim", nil, &resp)
	return resp, err
}

// Transition moves a card to another status.
func (c *Client) Transition(ctx context.Context, id, status string) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "cards/"+url.PathEscape(id)+"/transition", map[string]any{"status": status}, &resp)
	return resp, err
}

// UpdateCard applies a field patch. Keys use the API names; a nil value clears
// the field.
func (c *Client) UpdateCard(ctx context.Context, id string, fields map[string]any) (Card, error) {
	var resp Card
	err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// DeleteCard removes a card. Owner credential required.
func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// Comment appends a note to a card.
func (c *Client) Comment(ctx context.Context, id, content string) (Comment, error) {
	var resp Comment
	err := c.do(ctx, http.MethodPost, "cards/"+url.PathEscape(id)+"/comment", map[string]any{"content": content}, &resp)
	return resp, err
}

// Comments returns a card's comments, oldest first.
func (c *Client) Comments(ctx context.Context, id string) ([]Comment, error) {
	var resp []Comment
	err := c.do(ctx, http.MethodGet, "cards/"+url.PathEscape(id)+"/comments", nil, &resp)
	return resp, err
}

// Activity returns recent activity entries, newest first.
func (c *Client) Activity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	endpoint := "activity"
	if limit > 0 {
		endpoint = fmt.Sprintf("activity?limit=%d", limit)
	}
	var resp []ActivityEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeniedActivity returns all denied operations, newest first.
func (c *Client) DeniedActivity(ctx context.Context) ([]ActivityEntry, error) {
	var resp []ActivityEntry
	err := c.do(ctx, http.MethodGet, "activity/denied", nil, &resp)
	return resp, err
}

// Stats returns card counts by status.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Reminders returns overdue cards.
func (c *Client) Reminders(ctx context.Context) ([]Card, error) {
	var resp []Card
	err := c.do(ctx, http.MethodGet, "reminders", nil, &resp)
	return resp, err
}

// Health checks server liveness. No credential required.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// CreateSession exchanges the owner password for a bearer token and stores it
// on the client.
func (c *Client) CreateSession(ctx context.Context, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/session", map[string]any{"password": password}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	// Fall back locally; never write to the shared struct from a request.
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
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
	case c.OwnerPassword != "":
		req.Header.Set("x-owner-password", c.OwnerPassword)
	case c.APIKey != "":
		req.Header.Set("x-api-key", c.APIKey)
		if c.AgentID != "" {
			req.Header.Set("x-agent-id", c.AgentID)
		}
		if c.AgentRole != "" {
			req.Header.Set("x-agent-role", c.AgentRole)
		}
	}
	resp, err := hc.Do(req)
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
