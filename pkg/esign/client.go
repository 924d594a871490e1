// Package esign wraps the e-signature provider's REST API. The provider is
// treated as a black box exposing envelope creation, signing-URL retrieval,
// and lookup by caller reference.
package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/onboarding-cli/internal/resilience"
)

// Default base URL for the e-signature API.
const defaultBaseURL = "https://api.docuseal.com"

// Envelope statuses reported by the provider.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusCompleted = "completed"
	StatusDeclined  = "declined"
)

// Client defines the e-signature operations used by the pipeline.
type Client interface {
	CreateEnvelope(ctx context.Context, req CreateEnvelopeRequest) (*Envelope, error)
	GetSigningURL(ctx context.Context, envelopeID string) (string, error)
	GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error)

	// FindByReference returns the envelope previously created with the given
	// caller reference, or nil when none exists. Callers use it to detect a
	// create that succeeded remotely but was never recorded locally.
	FindByReference(ctx context.Context, reference string) (*Envelope, error)
}

// CreateEnvelopeRequest is the body for POST /envelopes.
type CreateEnvelopeRequest struct {
	Reference     string `json:"reference"`
	DocumentTitle string `json:"document_title"`
	DocumentBody  string `json:"document_body"`
	SignerName    string `json:"signer_name"`
	SignerEmail   string `json:"signer_email"`
}

// Envelope is the provider's unit of a dispatched-for-signature document.
type Envelope struct {
	ID           string `json:"id"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	SigningURL   string `json:"signing_url,omitempty"`
	SignedDocURL string `json:"signed_doc_url,omitempty"`
}

// envelopeList is the response from GET /envelopes?reference=...
type envelopeList struct {
	Envelopes []Envelope `json:"envelopes"`
}

// signingURLResponse is the response from GET /envelopes/{id}/signing_url.
type signingURLResponse struct {
	URL string `json:"url"`
}

// APIError is returned when the provider responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("esign: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new e-signature client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateEnvelope(ctx context.Context, req CreateEnvelopeRequest) (*Envelope, error) {
	var env Envelope
	if err := c.post(ctx, "/envelopes", req, &env); err != nil {
		return nil, eris.Wrap(err, "esign: create envelope")
	}
	return &env, nil
}

func (c *httpClient) GetSigningURL(ctx context.Context, envelopeID string) (string, error) {
	var resp signingURLResponse
	if err := c.get(ctx, fmt.Sprintf("/envelopes/%s/signing_url", envelopeID), &resp); err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("esign: get signing url %s", envelopeID))
	}
	return resp.URL, nil
}

func (c *httpClient) GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error) {
	var env Envelope
	if err := c.get(ctx, fmt.Sprintf("/envelopes/%s", envelopeID), &env); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("esign: get envelope %s", envelopeID))
	}
	return &env, nil
}

func (c *httpClient) FindByReference(ctx context.Context, reference string) (*Envelope, error) {
	var list envelopeList
	path := "/envelopes?reference=" + url.QueryEscape(reference)
	if err := c.get(ctx, path, &list); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("esign: find by reference %s", reference))
	}
	if len(list.Envelopes) == 0 {
		return nil, nil
	}
	return &list.Envelopes[0], nil
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
	req.Header.Set("X-Auth-Token", c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("X-Auth-Token", c.apiKey)

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
