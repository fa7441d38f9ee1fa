package medflowsdk

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

// Client is a minimal Medflow HTTP API client.
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

// TeamRequirement is one requested team row.
type TeamRequirement struct {
	Composition string `json:"composition"`
	Quantity    int    `json:"quantity"`
}

// TransportRequest is the API request model (partial; unset stamps omitted).
type TransportRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Label  string `json:"label"`

	ProjectType  string `json:"project_type"`
	ServiceType  string `json:"service_type"`
	StartsAt     string `json:"starts_at"`
	EndsAt       string `json:"ends_at"`
	Requirements string `json:"requirements,omitempty"`
	CityScope    string `json:"city_scope"`
	City         string `json:"city"`

	Teams           []TeamRequirement `json:"teams,omitempty"`
	AmbulanceNeeded bool              `json:"ambulance_needed"`
	AmbulanceCount  int               `json:"ambulance_count,omitempty"`
	RoamingNeeded   bool              `json:"roaming_needed"`
	RoamingCount    int               `json:"roaming_count,omitempty"`

	SalesOwnerID  string   `json:"sales_owner_id"`
	OpsOwnerID    *string  `json:"ops_owner_id,omitempty"`
	OpsNote       *string  `json:"ops_note,omitempty"`
	SalesNote     *string  `json:"sales_reject_note,omitempty"`
	AssignedTeam  *string  `json:"assigned_team,omitempty"`
	AssignedCrew  []string `json:"assigned_crew,omitempty"`
	AssignedAmbID *string  `json:"assigned_ambulance_id,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CreateRequestInput is the creation payload.
type CreateRequestInput struct {
	ProjectType  string `json:"project_type"`
	ServiceType  string `json:"service_type"`
	StartsAt     string `json:"starts_at"`
	EndsAt       string `json:"ends_at"`
	Requirements string `json:"requirements,omitempty"`
	CityScope    string `json:"city_scope"`
	City         string `json:"city"`

	Teams           []TeamRequirement `json:"teams,omitempty"`
	AmbulanceNeeded bool              `json:"ambulance_needed,omitempty"`
	AmbulanceCount  int               `json:"ambulance_count,omitempty"`
	RoamingNeeded   bool              `json:"roaming_needed,omitempty"`
	RoamingCount    int               `json:"roaming_count,omitempty"`
	DurationDays    int               `json:"duration_days,omitempty"`
	DurationHours   int               `json:"duration_hours,omitempty"`
}

// AssignInput is the unit assignment payload.
type AssignInput struct {
	Team        string   `json:"team"`
	AmbulanceID string   `json:"ambulance_id,omitempty"`
	Crew        []string `json:"crew,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest creates a transport request in status new.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (TransportRequest, error) {
	var resp TransportRequest
	err := c.do(ctx, http.MethodPost, "transport-requests", in, &resp)
	return resp, err
}

// Get fetches one request by id.
func (c *Client) Get(ctx context.Context, id string) (TransportRequest, error) {
	var resp TransportRequest
	err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, &resp)
	return resp, err
}

// List returns requests, optionally filtered by status.
func (c *Client) List(ctx context.Context, status string) ([]TransportRequest, error) {
	endpoint := "transport-requests"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []TransportRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// MarkAvailable confirms resource availability.
func (c *Client) MarkAvailable(ctx context.Context, id, note string) (TransportRequest, error) {
	return c.transition(ctx, id, "available", note)
}

// RejectOps rejects for unavailability; note is required.
func (c *Client) RejectOps(ctx context.Context, id, note string) (TransportRequest, error) {
	return c.transition(ctx, id, "ops-reject", note)
}

// RejectClient records a client rejection; note is required.
func (c *Client) RejectClient(ctx context.Context, id, note string) (TransportRequest, error) {
	return c.transition(ctx, id, "client-reject", note)
}

// Approve records client approval.
func (c *Client) Approve(ctx context.Context, id string) (TransportRequest, error) {
	return c.transition(ctx, id, "approve", "")
}

// Assign assigns the units for an approved request.
func (c *Client) Assign(ctx context.Context, id string, in AssignInput) (TransportRequest, error) {
	var resp TransportRequest
	err := c.do(ctx, http.MethodPost, requestPath(id, "assign"), in, &resp)
	return resp, err
}

// Events returns the audit log for one request.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, requestPath(id, "events"), nil, &resp)
	return resp.Items, err
}

func (c *Client) transition(ctx context.Context, id, action, note string) (TransportRequest, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	var resp TransportRequest
	err := c.do(ctx, http.MethodPost, requestPath(id, action), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func requestPath(id, suffix string) string {
	p := "transport-requests/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
