package gigacrew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Hire and WaitForWork callers that block for long should pass their own.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the GigaCrew daemon API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Order mirrors the order records returned by the daemon.
type Order struct {
	OrderID           string     `json:"order_id"`
	ServiceID         string     `json:"service_id"`
	Buyer             string     `json:"buyer_address"`
	Seller            string     `json:"seller_address"`
	Status            int        `json:"status"`
	Terms             string     `json:"terms"`
	Price             string     `json:"price"`
	Work              *string    `json:"work,omitempty"`
	Deadline          time.Time  `json:"deadline"`
	LockPeriod        *time.Time `json:"lock_period,omitempty"`
	ResolutionPeriod  *time.Time `json:"resolution_period,omitempty"`
	CallbackData      *string    `json:"callback_data,omitempty"`
	FailedAttempts    int        `json:"failed_attempts"`
	CanSellerWithdraw bool       `json:"can_seller_withdraw"`
	CanBuyerWithdraw  bool       `json:"can_buyer_withdraw"`
}

// Service is an entry of the service index.
type Service struct {
	ServiceID             string      `json:"serviceId"`
	Title                 string      `json:"title"`
	Description           string      `json:"description"`
	Price                 json.Number `json:"price"`
	Seller                string      `json:"seller"`
	CommunicationEndpoint string      `json:"communicationEndpoint,omitempty"`
}

// ListOrdersOptions filters ListOrders. Role is "buyer" or "seller".
type ListOrdersOptions struct {
	Role     string
	Statuses []string
	Limit    int
	Offset   int
}

// HireRequest asks the daemon to search, negotiate and open an escrow.
type HireRequest struct {
	Query        string `json:"query,omitempty"`
	ServiceID    string `json:"service_id,omitempty"`
	Brief        string `json:"brief"`
	CallbackData string `json:"callback_data,omitempty"`
	WaitSeconds  int    `json:"wait_seconds,omitempty"`
}

// HireResult is returned once the escrow exists.
type HireResult struct {
	Service Service `json:"service"`
	Order   *Order  `json:"order"`
	Work    string  `json:"work,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("gigacrew api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gigacrew api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the static bearer token configured on the daemon.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health reports whether the daemon answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// ListOrders returns orders known to the daemon.
func (c *Client) ListOrders(ctx context.Context, opts ListOrdersOptions) ([]Order, error) {
	query := url.Values{}
	if opts.Role != "" {
		query.Set("role", opts.Role)
	}
	for _, status := range opts.Statuses {
		query.Add("status", status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	var orders []Order
	if err := c.call(ctx, http.MethodGet, "/api/v1/orders", query, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.call(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Dispute opens a dispute for a pending order bought by the daemon.
func (c *Client) Dispute(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	if err := c.call(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(orderID)+"/dispute", nil, struct{}{}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// WaitForWork blocks on the daemon until the seller delivers or timeout
// elapses server side.
func (c *Client) WaitForWork(ctx context.Context, orderID string, timeout time.Duration) (string, error) {
	query := url.Values{}
	if secs := int(timeout / time.Second); secs > 0 {
		query.Set("timeout", strconv.Itoa(secs))
	}
	var out struct {
		Work string `json:"work"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID)+"/work", query, nil, &out); err != nil {
		return "", err
	}
	return out.Work, nil
}

// Hire runs a full hire through the daemon's buyer.
func (c *Client) Hire(ctx context.Context, req HireRequest) (*HireResult, error) {
	var result HireResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/hire", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchServices queries the service index through the daemon.
func (c *Client) SearchServices(ctx context.Context, query string) ([]Service, error) {
	var services []Service
	if err := c.call(ctx, http.MethodGet, "/api/v1/services", url.Values{"query": {query}}, nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
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
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
