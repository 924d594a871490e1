// Package portal wraps the client portal's REST API. The portal hosts
// client signup, the intake form, and document delivery.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/onboarding-cli/internal/resilience"
)

// Client defines the portal operations used by the pipeline.
type Client interface {
	// CreateInvite provisions a signup invitation for a client and returns
	// the link they use to create their portal account.
	CreateInvite(ctx context.Context, req CreateInviteRequest) (*Invite, error)

	// GetOrganization fetches the portal organization created when the
	// client completed signup.
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
}

// CreateInviteRequest is the body for POST /invites.
type CreateInviteRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
}

// Invite is a pending signup invitation.
type Invite struct {
	ID        string `json:"id"`
	Link      string `json:"link"`
	Email     string `json:"email"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Organization is a client account on the portal.
type Organization struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// APIError is returned when the portal responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds each portal call.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new portal client. baseURL points at the portal's
// admin API, which is deployment specific and therefore has no default.
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateInvite(ctx context.Context, req CreateInviteRequest) (*Invite, error) {
	var inv Invite
	if err := c.post(ctx, "/invites", req, &inv); err != nil {
		return nil, eris.Wrap(err, "portal: create invite")
	}
	return &inv, nil
}

func (c *httpClient) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	if err := c.get(ctx, "/organizations/"+orgID, &org); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("portal: get organization %s", orgID))
	}
	return &org, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
