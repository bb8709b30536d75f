// Package twilio talks to the Twilio Programmable Voice platform: it answers
// voice webhooks with TwiML that connects calls to the media stream endpoint,
// and places outbound calls through the REST API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
)

// DefaultBaseURL is the Twilio REST API origin.
const DefaultBaseURL = "https://api.twilio.com"

// ErrNotConfigured is returned when account credentials or phone numbers
// required for a request are missing.
var ErrNotConfigured = errors.New("twilio: account not configured")

// Credentials authenticate REST API requests.
type Credentials struct {
	AccountSID string
	AuthToken  string
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// CallRequest describes an outbound call. URL is fetched by Twilio with
// Method once the callee answers.
type CallRequest struct {
	To     string
	From   string
	URL    string
	Method string
}

// Call is the subset of the REST call resource the service uses.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// APIError is an error response from the REST API.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	MoreInfo   string `json:"more_info"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio: api error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twilio: api error (http %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBreaker sets the circuit breaker guarding REST requests.
func WithBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) {
		if cb != nil {
			c.breaker = cb
		}
	}
}

// WithMetrics records outbound call outcomes to m.
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client is a minimal Twilio REST client. It is safe for concurrent use.
type Client struct {
	creds   Credentials
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// NewClient returns a Client authenticating with creds. Requests are guarded
// by a circuit breaker that only counts transport errors and temporary API
// errors as failures.
func NewClient(creds Credentials, opts ...ClientOption) *Client {
	c := &Client{
		creds:   creds,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "twilio",
			IsFailure: isBreakerFailure,
		}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool { return c.creds.Valid() }

// CreateCall places an outbound call.
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (Call, error) {
	if !c.creds.Valid() || req.To == "" || req.From == "" || req.URL == "" {
		c.recordCall(ctx, "not_configured")
		return Call{}, ErrNotConfigured
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.URL)
	form.Set("Method", req.Method)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, url.PathEscape(c.creds.AccountSID))

	var call Call
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.postForm(ctx, endpoint, form, &call)
	})
	switch {
	case err == nil:
		c.recordCall(ctx, "ok")
	case errors.Is(err, resilience.ErrCircuitOpen):
		c.recordCall(ctx, "circuit_open")
		return Call{}, fmt.Errorf("twilio: create call: %w", err)
	default:
		c.recordCall(ctx, "error")
		return Call{}, fmt.Errorf("twilio: create call: %w", err)
	}
	return call, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.AccountSID, c.creds.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) recordCall(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordOutboundCall(ctx, status)
	}
}

// isBreakerFailure counts transport errors and temporary API errors. Client
// errors such as an invalid phone number say nothing about Twilio's health.
func isBreakerFailure(err error) bool {
	if !resilience.DefaultIsFailure(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
