/**
 * @description
 * This package provides the VTpass vendor adapter. VTpass authenticates with a
 * public/secret key pair sent as request headers and accepts JSON bodies. It
 * supports customer verification (meter/smartcard lookups) and transaction
 * requery, and reports transaction state through a response-code + content
 * status vocabulary that is mapped onto the canonical status enumeration.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - pkg/retry: Bounded backoff for transient failures.
 * - pkg/vendors: Canonical adapter contract and outcome types.
 */
package vtpass

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
	"time"

	"github.com/billpoint/vending-service/internal/domain"
	"github.com/billpoint/vending-service/pkg/retry"
	"github.com/billpoint/vending-service/pkg/vendors"
)

const Name = "vtpass"

// statusTable maps VTpass transaction content statuses onto the canonical enum.
var statusTable = vendor.StatusTable{
	"delivered": vendor.StatusCompleted,
	"initiated": vendor.StatusProcessing,
	"pending":   vendor.StatusPending,
	"failed":    vendor.StatusFailed,
	"reversed":  vendor.StatusRefunded,
}

// serviceIDs maps (service, network) to VTpass serviceID values.
var serviceIDs = map[domain.ServiceType]map[domain.Network]string{
	domain.ServiceAirtime: {
		domain.NetworkMTN: "mtn", domain.NetworkGlo: "glo",
		domain.NetworkAirtel: "airtel", domain.Network9Mobile: "etisalat",
	},
	domain.ServiceData: {
		domain.NetworkMTN: "mtn-data", domain.NetworkGlo: "glo-data",
		domain.NetworkAirtel: "airtel-data", domain.Network9Mobile: "etisalat-data",
	},
}

// Config carries the VTpass credentials and behavior flags.
type Config struct {
	BaseURL   string
	APIKey    string // public key header
	SecretKey string // secret key header, POST requests only
	Simulate  bool   // explicit simulation flag; never inferred from credentials
	// VTpass is known to settle some purchases after the HTTP call has timed
	// out, so timed-out entries are left pending for reconciliation.
	CompletesAfterHTTPTimeout bool
}

// Client is the VTpass adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new VTpass adapter.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Name() string { return Name }

// Authenticate is a no-op: VTpass credentials are static headers.
func (c *Client) Authenticate(ctx context.Context) error { return nil }

// IsAuthenticated reports whether credentials are configured at all.
func (c *Client) IsAuthenticated() bool {
	return c.cfg.Simulate || (c.cfg.APIKey != "" && c.cfg.SecretKey != "")
}

func (c *Client) CompletesAfterTimeout() bool { return c.cfg.CompletesAfterHTTPTimeout }

type balanceResponse struct {
	Contents struct {
		Balance float64 `json:"balance"`
	} `json:"contents"`
}

// Balance fetches the wallet float. Also used as the router's health probe.
func (c *Client) Balance(ctx context.Context) (*vendor.Balance, error) {
	if c.cfg.Simulate {
		return &vendor.Balance{Amount: 100_000_00, Currency: "NGN"}, nil
	}

	var resp balanceResponse
	if err := c.get(ctx, "/api/balance", nil, &resp); err != nil {
		return nil, err
	}
	return &vendor.Balance{Amount: int64(resp.Contents.Balance * 100), Currency: "NGN"}, nil
}

type variationsResponse struct {
	Content struct {
		Variations []struct {
			VariationCode   string `json:"variation_code"`
			Name            string `json:"name"`
			VariationAmount string `json:"variation_amount"`
		} `json:"variations"`
	} `json:"content"`
}

// Plans lists the purchasable variations for a service/network pair.
func (c *Client) Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
	serviceID, err := resolveServiceID(service, network)
	if err != nil {
		return nil, err
	}

	var resp variationsResponse
	if err := c.get(ctx, "/api/service-variations", map[string]string{"serviceID": serviceID}, &resp); err != nil {
		return nil, err
	}

	plans := make([]domain.Plan, 0, len(resp.Content.Variations))
	for _, v := range resp.Content.Variations {
		var naira float64
		fmt.Sscanf(v.VariationAmount, "%f", &naira)
		plans = append(plans, domain.Plan{
			Code:    v.VariationCode,
			Name:    v.Name,
			Service: service,
			Network: network,
			Price:   int64(naira * 100),
		})
	}
	return plans, nil
}

type payResponse struct {
	Code    string `json:"code"`
	Content struct {
		Transactions struct {
			Status        string `json:"status"`
			TransactionID string `json:"transactionId"`
			ProductName   string `json:"product_name"`
		} `json:"transactions"`
	} `json:"content"`
	ResponseDescription string `json:"response_description"`
}

// Purchase submits a fulfillment request. Our reference doubles as the VTpass
// request_id, which VTpass enforces as unique.
func (c *Client) Purchase(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(req.Reference), nil
	}

	serviceID, err := resolveServiceID(req.Service, req.Network)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"request_id": req.Reference,
		"serviceID":  serviceID,
		"phone":      req.Recipient,
		"amount":     float64(req.Amount) / 100,
	}
	if req.PlanCode != "" {
		payload["variation_code"] = req.PlanCode
		payload["billersCode"] = req.Recipient
	}

	var resp payResponse
	err = retry.Do(ctx, retry.DefaultPolicy, func() error {
		return c.post(ctx, "/api/pay", payload, &resp)
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.IsDuplicate() {
			// VTpass already holds this request_id; treat as submitted.
			return &vendor.Outcome{
				Status:    vendor.StatusPending,
				RawStatus: "duplicate",
				Message:   "already submitted to vendor",
			}, nil
		}
		return nil, err
	}

	return c.outcomeFromPay(&resp), nil
}

// outcomeFromPay converts a VTpass pay/requery response into a canonical outcome.
func (c *Client) outcomeFromPay(resp *payResponse) *vendor.Outcome {
	// Code 000 means processed; 099 means still processing. Anything else is a
	// vendor-side rejection.
	switch resp.Code {
	case "000":
		tx := resp.Content.Transactions
		return &vendor.Outcome{
			Status:    vendor.MapStatus(statusTable, tx.Status),
			RawStatus: tx.Status,
			VendorRef: tx.TransactionID,
			Message:   resp.ResponseDescription,
		}
	case "099":
		return &vendor.Outcome{
			Status:    vendor.StatusProcessing,
			RawStatus: "processing",
			VendorRef: resp.Content.Transactions.TransactionID,
			Message:   resp.ResponseDescription,
		}
	default:
		return &vendor.Outcome{
			Status:    vendor.StatusFailed,
			RawStatus: resp.Code,
			Message:   resp.ResponseDescription,
		}
	}
}

// QueryTransaction re-fetches the vendor's view of a prior purchase by request id.
func (c *Client) QueryTransaction(ctx context.Context, reference string) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(reference), nil
	}

	var resp payResponse
	if err := c.post(ctx, "/api/requery", map[string]interface{}{"request_id": reference}, &resp); err != nil {
		return nil, err
	}
	return c.outcomeFromPay(&resp), nil
}

type verifyResponse struct {
	Code    string `json:"code"`
	Content struct {
		CustomerName string `json:"Customer_Name"`
		Address      string `json:"Address"`
		MeterNumber  string `json:"Meter_Number"`
	} `json:"content"`
}

// VerifyCustomer validates a meter/smartcard number against the provider.
func (c *Client) VerifyCustomer(ctx context.Context, req vendor.VerifyRequest) (*vendor.VerifyResult, error) {
	if c.cfg.Simulate {
		return &vendor.VerifyResult{
			IsValid:      true,
			CustomerName: "SIMULATED CUSTOMER",
			Metadata:     map[string]interface{}{"channel": "simulated"},
		}, nil
	}

	payload := map[string]interface{}{
		"billersCode": req.Account,
		"serviceID":   req.Provider,
	}
	var resp verifyResponse
	if err := c.post(ctx, "/api/merchant-verify", payload, &resp); err != nil {
		return nil, err
	}

	if resp.Code != "000" || strings.TrimSpace(resp.Content.CustomerName) == "" {
		return &vendor.VerifyResult{IsValid: false}, nil
	}
	return &vendor.VerifyResult{
		IsValid:      true,
		CustomerName: resp.Content.CustomerName,
		Metadata: map[string]interface{}{
			"address":      resp.Content.Address,
			"meter_number": resp.Content.MeterNumber,
		},
	}, nil
}

// post executes an authenticated JSON POST and decodes the response.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal vtpass request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create vtpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("secret-key", c.cfg.SecretKey)

	return c.do(req, out)
}

// get executes an authenticated GET and decodes the response. GET endpoints use
// the public-key header only.
func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create vtpass request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("public-key", c.cfg.APIKey)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transientf("vtpass request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transientf("failed to read vtpass response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &vendor.APIError{Vendor: Name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		log.Printf("level=warn component=vtpass_client op=%s status=%d msg=\"non-2xx response\"", req.URL.Path, resp.StatusCode)
		if apiErr.Retryable() {
			return retry.Transient(apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode vtpass response: %w", err)
	}
	return nil
}

func resolveServiceID(service domain.ServiceType, network domain.Network) (string, error) {
	byNetwork, ok := serviceIDs[service]
	if !ok {
		return "", fmt.Errorf("vtpass does not map service %q", service)
	}
	id, ok := byNetwork[network]
	if !ok {
		return "", fmt.Errorf("vtpass does not map network %q for service %q", network, service)
	}
	return id, nil
}

func asAPIError(err error) (*vendor.APIError, bool) {
	var apiErr *vendor.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
