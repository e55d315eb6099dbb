/**
 * @description
 * This package provides the Payscribe vendor adapter. Payscribe issues a bearer
 * token with a timed expiry from a login endpoint; the adapter re-authenticates
 * transparently when the token is missing or within the refresh window, guarded
 * by a mutex so concurrent purchases share one login call.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, sync, time: Standard Go libraries.
 * - pkg/retry: Bounded backoff for transient failures.
 * - pkg/vendors: Canonical adapter contract and outcome types.
 */
package payscribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/pkg/retry"
	"github.com/billpoint/vending-service/pkg/vendors"
)

const Name = "payscribe"

// tokenRefreshWindow re-auths slightly before the reported expiry so an
// in-flight purchase never rides an expiring token.
const tokenRefreshWindow = 2 * time.Minute

var statusTable = vendor.StatusTable{
	"success":    vendor.StatusCompleted,
	"successful": vendor.StatusCompleted,
	"processing": vendor.StatusProcessing,
	"pending":    vendor.StatusPending,
	"failed":     vendor.StatusFailed,
	"refunded":   vendor.StatusRefunded,
}

// Config carries Payscribe credentials and behavior flags.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Simulate bool
	// Payscribe settles electricity and cable asynchronously; a timed-out call
	// may still complete, so entries are left pending for reconciliation.
	CompletesAfterHTTPTimeout bool
}

// Client is the Payscribe adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new Payscribe adapter.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) CompletesAfterTimeout() bool { return c.cfg.CompletesAfterHTTPTimeout }

type loginResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"` // seconds
	} `json:"data"`
	Message string `json:"message"`
}

// Authenticate logs in and caches the bearer token with its expiry.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.Simulate {
		return nil
	}

	payload := map[string]string{"email": c.cfg.Email, "password": c.cfg.Password}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payscribe login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/auth/login", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create payscribe login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transientf("payscribe login failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transientf("failed to read payscribe login response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &vendor.APIError{Vendor: Name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	var loginResp loginResponse
	if err := json.Unmarshal(bodyBytes, &loginResp); err != nil {
		return fmt.Errorf("failed to decode payscribe login response: %w", err)
	}
	if !loginResp.Status || loginResp.Data.Token == "" {
		return &vendor.APIError{Vendor: Name, StatusCode: resp.StatusCode, Message: loginResp.Message}
	}

	c.mu.Lock()
	c.token = loginResp.Data.Token
	c.tokenExpiry = time.Now().Add(time.Duration(loginResp.Data.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return nil
}

// IsAuthenticated reports whether the cached token is still comfortably valid.
func (c *Client) IsAuthenticated() bool {
	if c.cfg.Simulate {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && time.Until(c.tokenExpiry) > tokenRefreshWindow
}

// ensureToken re-authenticates when the token is absent or about to expire.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if c.IsAuthenticated() {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.token, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

type balanceResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Balance int64 `json:"balance"` // kobo
	} `json:"data"`
}

// Balance fetches the wallet float. Also used as the router's health probe.
func (c *Client) Balance(ctx context.Context) (*vendor.Balance, error) {
	if c.cfg.Simulate {
		return &vendor.Balance{Amount: 100_000_00, Currency: "NGN"}, nil
	}

	var resp balanceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/wallet/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &vendor.Balance{Amount: resp.Data.Balance, Currency: "NGN"}, nil
}

type plansResponse struct {
	Status bool `json:"status"`
	Data   []struct {
		Code     string `json:"code"`
		Name     string `json:"name"`
		Amount   int64  `json:"amount"` // kobo
		Validity string `json:"validity"`
	} `json:"data"`
}

// Plans lists purchasable variations for a service/network pair.
func (c *Client) Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
	path := fmt.Sprintf("/v1/products?service=%s", service)
	if network != "" {
		path += "&network=" + string(network)
	}

	var resp plansResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	plans := make([]domain.Plan, 0, len(resp.Data))
	for _, p := range resp.Data {
		plans = append(plans, domain.Plan{
			Code:     p.Code,
			Name:     p.Name,
			Service:  service,
			Network:  network,
			Price:    p.Amount,
			Validity: p.Validity,
		})
	}
	return plans, nil
}

type purchaseResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
	Message string `json:"message"`
}

// Purchase submits a fulfillment request. Our reference is passed through as
// the vendor-side idempotency key.
func (c *Client) Purchase(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(req.Reference), nil
	}

	payload := map[string]interface{}{
		"service":   req.Service,
		"network":   req.Network,
		"recipient": req.Recipient,
		"amount":    req.Amount,
		"plan":      req.PlanCode,
		"reference": req.Reference,
	}

	var resp purchaseResponse
	err := retry.Do(ctx, retry.DefaultPolicy, func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/purchases", payload, &resp)
	})
	if err != nil {
		var apiErr *vendor.APIError
		if errors.As(err, &apiErr) && apiErr.IsDuplicate() {
			return &vendor.Outcome{
				Status:    vendor.StatusPending,
				RawStatus: "duplicate",
				Message:   "already submitted to vendor",
			}, nil
		}
		return nil, err
	}

	return &vendor.Outcome{
		Status:    vendor.MapStatus(statusTable, resp.Data.Status),
		RawStatus: resp.Data.Status,
		VendorRef: resp.Data.Reference,
		Message:   resp.Message,
	}, nil
}

// QueryTransaction re-fetches the vendor's view of a prior purchase.
func (c *Client) QueryTransaction(ctx context.Context, reference string) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(reference), nil
	}

	var resp purchaseResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/purchases/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	return &vendor.Outcome{
		Status:    vendor.MapStatus(statusTable, resp.Data.Status),
		RawStatus: resp.Data.Status,
		VendorRef: resp.Data.Reference,
		Message:   resp.Message,
	}, nil
}

type verifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		CustomerName string `json:"customer_name"`
		Address      string `json:"address"`
	} `json:"data"`
}

// VerifyCustomer validates a recipient identifier with the provider.
func (c *Client) VerifyCustomer(ctx context.Context, req vendor.VerifyRequest) (*vendor.VerifyResult, error) {
	if c.cfg.Simulate {
		return &vendor.VerifyResult{
			IsValid:      true,
			CustomerName: "SIMULATED CUSTOMER",
			Metadata:     map[string]interface{}{"channel": "simulated"},
		}, nil
	}

	payload := map[string]interface{}{
		"service":  req.Service,
		"provider": req.Provider,
		"account":  req.Account,
	}
	var resp verifyResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/verify", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status || strings.TrimSpace(resp.Data.CustomerName) == "" {
		return &vendor.VerifyResult{IsValid: false}, nil
	}
	return &vendor.VerifyResult{
		IsValid:      true,
		CustomerName: resp.Data.CustomerName,
		Metadata:     map[string]interface{}{"address": resp.Data.Address},
	}, nil
}

// doJSON executes a bearer-authenticated JSON request, re-authing as needed. A
// 401 invalidates the cached token and retries once with a fresh login.
func (c *Client) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	err := c.doJSONOnce(ctx, method, path, payload, out)
	var apiErr *vendor.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return c.doJSONOnce(ctx, method, path, payload, out)
	}
	return err
}

func (c *Client) doJSONOnce(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payscribe request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create payscribe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transientf("payscribe request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transientf("failed to read payscribe response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &vendor.APIError{Vendor: Name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		log.Printf("level=warn component=payscribe_client op=%s status=%d msg=\"non-2xx response\"", path, resp.StatusCode)
		if apiErr.Retryable() {
			return retry.Transient(apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode payscribe response: %w", err)
	}
	return nil
}
