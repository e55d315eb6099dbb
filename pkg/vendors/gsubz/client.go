/**
 * @description
 * This package provides the Gsubz vendor adapter. Gsubz uses a single static API
 * token sent as an Authorization header on form-encoded POST requests, with a
 * small numeric status vocabulary mapped onto the canonical enumeration.
 *
 * @dependencies
 * - context, encoding/json, net/http, net/url, strings, time: Standard Go libraries.
 * - pkg/retry: Bounded backoff for transient failures.
 * - pkg/vendors: Canonical adapter contract and outcome types.
 */
package gsubz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/pkg/retry"
	"github.com/billpoint/vending-service/pkg/vendors"
)

const Name = "gsubz"

var statusTable = vendor.StatusTable{
	"successful":  vendor.StatusCompleted,
	"completed":   vendor.StatusCompleted,
	"processing":  vendor.StatusProcessing,
	"pending":     vendor.StatusPending,
	"failed":      vendor.StatusFailed,
	"cancelled":   vendor.StatusFailed,
	"refunded":    vendor.StatusRefunded,
}

// serviceCodes maps (service, network) to Gsubz service identifiers.
var serviceCodes = map[domain.ServiceType]map[domain.Network]string{
	domain.ServiceAirtime: {
		domain.NetworkMTN: "mtn_custom", domain.NetworkGlo: "glo_custom",
		domain.NetworkAirtel: "airtel_custom", domain.Network9Mobile: "etisalat_custom",
	},
	domain.ServiceData: {
		domain.NetworkMTN: "mtn_sme", domain.NetworkGlo: "glo_data",
		domain.NetworkAirtel: "airtel_cg", domain.Network9Mobile: "etisalat_data",
	},
}

// Config carries the Gsubz token and behavior flags.
type Config struct {
	BaseURL  string
	APIToken string
	Simulate bool
	// Gsubz confirms synchronously; a timed-out call is safe to refund.
	CompletesAfterHTTPTimeout bool
}

// Client is the Gsubz adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new Gsubz adapter.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Name() string { return Name }

// Authenticate is a no-op: the token is static.
func (c *Client) Authenticate(ctx context.Context) error { return nil }

func (c *Client) IsAuthenticated() bool {
	return c.cfg.Simulate || c.cfg.APIToken != ""
}

func (c *Client) CompletesAfterTimeout() bool { return c.cfg.CompletesAfterHTTPTimeout }

type balanceResponse struct {
	Balance float64 `json:"balance"` // naira
}

// Balance fetches the wallet float. Also used as the router's health probe.
func (c *Client) Balance(ctx context.Context) (*vendor.Balance, error) {
	if c.cfg.Simulate {
		return &vendor.Balance{Amount: 100_000_00, Currency: "NGN"}, nil
	}

	var resp balanceResponse
	if err := c.post(ctx, "/api/balance", url.Values{}, &resp); err != nil {
		return nil, err
	}
	return &vendor.Balance{Amount: int64(resp.Balance * 100), Currency: "NGN"}, nil
}

type plansResponse struct {
	Plans []struct {
		Value       string  `json:"value"`
		DisplayName string  `json:"displayName"`
		Price       float64 `json:"price"` // naira
	} `json:"PRODUCT"`
}

// Plans lists data products for a service/network pair.
func (c *Client) Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
	code, err := resolveServiceCode(service, network)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("service", code)

	var resp plansResponse
	if err := c.post(ctx, "/api/plans", form, &resp); err != nil {
		return nil, err
	}

	plans := make([]domain.Plan, 0, len(resp.Plans))
	for _, p := range resp.Plans {
		plans = append(plans, domain.Plan{
			Code:    p.Value,
			Name:    p.DisplayName,
			Service: service,
			Network: network,
			Price:   int64(p.Price * 100),
		})
	}
	return plans, nil
}

type payResponse struct {
	Code          int    `json:"code"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Description   string `json:"description"`
}

// Purchase submits a fulfillment request with our reference as requestID.
func (c *Client) Purchase(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(req.Reference), nil
	}

	code, err := resolveServiceCode(req.Service, req.Network)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("serviceID", code)
	form.Set("phone", req.Recipient)
	form.Set("requestID", req.Reference)
	if req.PlanCode != "" {
		form.Set("plan", req.PlanCode)
	} else {
		form.Set("amount", fmt.Sprintf("%d", req.Amount/100))
	}

	var resp payResponse
	err = retry.Do(ctx, retry.DefaultPolicy, func() error {
		return c.post(ctx, "/api/pay", form, &resp)
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
		Status:    vendor.MapStatus(statusTable, resp.Status),
		RawStatus: resp.Status,
		VendorRef: resp.TransactionID,
		Message:   resp.Description,
	}, nil
}

// QueryTransaction re-queries an order by our requestID.
func (c *Client) QueryTransaction(ctx context.Context, reference string) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(reference), nil
	}

	form := url.Values{}
	form.Set("requestID", reference)

	var resp payResponse
	if err := c.post(ctx, "/api/verify", form, &resp); err != nil {
		return nil, err
	}
	return &vendor.Outcome{
		Status:    vendor.MapStatus(statusTable, resp.Status),
		RawStatus: resp.Status,
		VendorRef: resp.TransactionID,
		Message:   resp.Description,
	}, nil
}

// post executes a token-authenticated form POST and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create gsubz request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transientf("gsubz request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transientf("failed to read gsubz response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &vendor.APIError{Vendor: Name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		log.Printf("level=warn component=gsubz_client op=%s status=%d msg=\"non-2xx response\"", path, resp.StatusCode)
		if apiErr.Retryable() {
			return retry.Transient(apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode gsubz response: %w", err)
	}
	return nil
}

func resolveServiceCode(service domain.ServiceType, network domain.Network) (string, error) {
	byNetwork, ok := serviceCodes[service]
	if !ok {
		return "", fmt.Errorf("gsubz does not map service %q", service)
	}
	code, ok := byNetwork[network]
	if !ok {
		return "", fmt.Errorf("gsubz does not map network %q for service %q", network, service)
	}
	return code, nil
}
