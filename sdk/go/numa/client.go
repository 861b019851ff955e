// Package numa is a Go client for the NUMA marketplace REST API.
package numa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Job states reported by the daemon.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Client wraps the HTTP interactions with the marketplace daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Token is an issued access token.
type Token struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	Scope       []string `json:"scope,omitempty"`
}

// Agent is a registered buyer with its balance in token base units.
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	MinReputation float64  `json:"min_reputation"`
	Strategy      string   `json:"strategy"`
	CreatedAt     int64    `json:"created_at"`
	Balance       *big.Int `json:"balance"`
}

// NewAgent describes an agent to register.
type NewAgent struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	MinReputation  float64  `json:"min_reputation,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	InitialBalance *big.Int `json:"initial_balance,omitempty"`
}

// Listing is a paid API offered by a provider.
type Listing struct {
	ProviderID   string   `json:"provider_id"`
	APIID        string   `json:"api_id"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category"`
	Endpoint     string   `json:"endpoint"`
	EndpointType string   `json:"endpoint_type,omitempty"`
	PayTo        string   `json:"pay_to,omitempty"`
	Price        *big.Int `json:"price"`
	Reputation   float64  `json:"reputation"`
	Active       bool     `json:"active"`
}

// ListingQuery filters GET /listings. Zero values are not sent.
type ListingQuery struct {
	Category      string
	MaxPrice      *big.Int
	MinReputation float64
}

// Purchase asks the market to buy one call for an agent.
type Purchase struct {
	AgentID   string          `json:"agent_id"`
	Category  string          `json:"category"`
	Budget    *big.Int        `json:"budget,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

// Result is the outcome of a settled purchase.
type Result struct {
	SettlementID string          `json:"settlement_id"`
	AgentID      string          `json:"agent_id"`
	ProviderID   string          `json:"provider_id"`
	APIID        string          `json:"api_id"`
	Strategy     string          `json:"strategy"`
	Reference    string          `json:"reference,omitempty"`
	Success      bool            `json:"success"`
	Price        *big.Int        `json:"price"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	Balance      *big.Int        `json:"balance"`
	TxHash       string          `json:"tx_hash,omitempty"`
}

// Job is an asynchronous purchase.
type Job struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	Category   string  `json:"category,omitempty"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool { return j.Status == JobSucceeded || j.Status == JobFailed }

// Settlement is one entry of the settlement log.
type Settlement struct {
	SettlementID string   `json:"settlement_id"`
	AgentID      string   `json:"agent_id"`
	ProviderID   string   `json:"provider_id"`
	APIID        string   `json:"api_id"`
	Price        *big.Int `json:"price"`
	Timestamp    int64    `json:"timestamp"`
	Success      bool     `json:"success"`
	ErrorCode    string   `json:"error_code,omitempty"`
	Reference    string   `json:"reference,omitempty"`
	TxHash       string   `json:"tx_hash,omitempty"`
}

// Analytics aggregates a provider's listings.
type Analytics struct {
	ProviderID      string   `json:"provider_id"`
	TotalAPIs       int      `json:"total_apis"`
	ActiveAPIs      int      `json:"active_apis"`
	TotalCalls      uint64   `json:"total_calls"`
	SuccessfulCalls uint64   `json:"successful_calls"`
	TotalEarnings   *big.Int `json:"total_earnings"`
	Reputation      float64  `json:"reputation"`
	PopularAPIs     []string `json:"popular_apis"`
}

// APIError is a non-2xx response. Code carries the marketplace error code,
// e.g. INSUFFICIENT_FUNDS or NO_LISTINGS_AVAILABLE.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("numa api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("numa api error (%d): %s", e.StatusCode, e.Message)
}

// CodeOf returns the marketplace error code carried by err, if any.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges client credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, clientID, clientSecret string) (Token, error) {
	var token Token
	body := map[string]string{"grant_type": "client_credentials", "client_id": clientID, "client_secret": clientSecret}
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", nil, body, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RegisterAgent creates an agent account.
func (c *Client) RegisterAgent(ctx context.Context, agent NewAgent) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodPost, "/api/v1/agents", nil, agent, &out)
	return out, err
}

// GetAgent returns the agent and its balance.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID), nil, nil, &out)
	return out, err
}

// Credit tops up an agent and returns the new balance.
func (c *Client) Credit(ctx context.Context, agentID string, amount *big.Int) (*big.Int, error) {
	var out struct {
		Balance *big.Int `json:"balance"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/credit", nil,
		map[string]*big.Int{"amount": amount}, &out)
	return out.Balance, err
}

// RegisterListing publishes or replaces a listing.
func (c *Client) RegisterListing(ctx context.Context, listing Listing) (Listing, error) {
	var out Listing
	err := c.send(ctx, http.MethodPost, "/api/v1/listings", nil, listing, &out)
	return out, err
}

// DeactivateListing withdraws a listing from matching.
func (c *Client) DeactivateListing(ctx context.Context, providerID, apiID string) error {
	endpoint := "/api/v1/listings/" + url.PathEscape(providerID) + "/" + url.PathEscape(apiID)
	return c.send(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// Listings returns the listings matching q.
func (c *Client) Listings(ctx context.Context, q ListingQuery) ([]Listing, error) {
	params := url.Values{}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.MaxPrice != nil {
		params.Set("max_price", q.MaxPrice.String())
	}
	if q.MinReputation > 0 {
		params.Set("min_reputation", strconv.FormatFloat(q.MinReputation, 'f', -1, 64))
	}
	var out struct {
		Listings []Listing `json:"listings"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/listings", params, nil, &out)
	return out.Listings, err
}

// Purchase buys one call synchronously. A call that failed after payment
// returns both the charged Result and an *APIError.
func (c *Client) Purchase(ctx context.Context, p Purchase) (*Result, error) {
	var out Result
	err := c.send(ctx, http.MethodPost, "/api/v1/purchases", nil, p, &out)
	var apiErr *purchaseError
	if errors.As(err, &apiErr) {
		return apiErr.result, &apiErr.APIError
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitJob queues a purchase for asynchronous execution.
func (c *Client) SubmitJob(ctx context.Context, p Purchase) (Job, error) {
	var out Job
	err := c.send(ctx, http.MethodPost, "/api/v1/jobs", nil, p, &out)
	return out, err
}

// GetJob returns the job's current state.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var out Job
	err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil, &out)
	return out, err
}

// WaitForJob polls until the job is terminal or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil || job.Done() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Settlements lists recent settlements, newest first.
func (c *Client) Settlements(ctx context.Context, agentID, providerID string, limit int) ([]Settlement, error) {
	params := url.Values{}
	if agentID != "" {
		params.Set("agent_id", agentID)
	}
	if providerID != "" {
		params.Set("provider_id", providerID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Settlements []Settlement `json:"settlements"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/settlements", params, nil, &out)
	return out.Settlements, err
}

// ProviderAnalytics returns aggregate earnings and call counts.
func (c *Client) ProviderAnalytics(ctx context.Context, providerID string) (Analytics, error) {
	var out Analytics
	err := c.send(ctx, http.MethodGet, "/api/v1/providers/"+url.PathEscape(providerID)+"/analytics", nil, nil, &out)
	return out, err
}

type purchaseError struct {
	APIError
	result *Result
}

func (c *Client) send(ctx context.Context, method, endpoint string, params url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: params.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var decoded struct {
			APIError
			Result *Result `json:"result"`
		}
		_ = json.Unmarshal(data, &decoded)
		apiErr := decoded.APIError
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if decoded.Result != nil {
			return &purchaseError{APIError: apiErr, result: decoded.Result}
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
