/**
 * @description
 * This package provides the ClubKonnect vendor adapter. ClubKonnect authenticates
 * with a UserID and APIKey passed as query-string parameters on plain GET
 * requests, and answers with an ORDER_* status vocabulary that is mapped onto
 * the canonical status enumeration.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 * - pkg/retry: Bounded backoff for transient failures.
 * - pkg/vendors: Canonical adapter contract and outcome types.
 */
package clubkonnect

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

const Name = "clubkonnect"

var statusTable = vendor.StatusTable{
	"order_received":  vendor.StatusProcessing,
	"order_completed": vendor.StatusCompleted,
	"order_failed":    vendor.StatusFailed,
	"order_cancelled": vendor.StatusFailed,
	"order_reversed":  vendor.StatusRefunded,
	"order_onhold":    vendor.StatusPending,
}

// networkCodes maps carriers to ClubKonnect MobileNetwork codes.
var networkCodes = map[domain.Network]string{
	domain.NetworkMTN:     "01",
	domain.NetworkGlo:     "02",
	domain.Network9Mobile: "03",
	domain.NetworkAirtel:  "04",
}

// Config carries ClubKonnect credentials and behavior flags.
type Config struct {
	BaseURL  string
	UserID   string
	APIKey   string
	Simulate bool
	// ClubKonnect returns synchronously; a timed-out call is safe to refund.
	CompletesAfterHTTPTimeout bool
}

// Client is the ClubKonnect adapter.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new ClubKonnect adapter.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Name() string { return Name }

// Authenticate is a no-op: credentials ride on every request.
func (c *Client) Authenticate(ctx context.Context) error { return nil }

func (c *Client) IsAuthenticated() bool {
	return c.cfg.Simulate || (c.cfg.UserID != "" && c.cfg.APIKey != "")
}

func (c *Client) CompletesAfterTimeout() bool { return c.cfg.CompletesAfterHTTPTimeout }

type balanceResponse struct {
	Balance string `json:"balance"`
}

// Balance fetches the wallet float. Also used as the router's health probe.
func (c *Client) Balance(ctx context.Context) (*vendor.Balance, error) {
	if c.cfg.Simulate {
		return &vendor.Balance{Amount: 100_000_00, Currency: "NGN"}, nil
	}

	var resp balanceResponse
	if err := c.get(ctx, "/APIWalletBalanceV1.asp", nil, &resp); err != nil {
		return nil, err
	}
	var naira float64
	fmt.Sscanf(strings.ReplaceAll(resp.Balance, ",", ""), "%f", &naira)
	return &vendor.Balance{Amount: int64(naira * 100), Currency: "NGN"}, nil
}

type planListResponse struct {
	MobileNetwork map[string][]struct {
		ID          string `json:"PRODUCT_ID"`
		Name        string `json:"PRODUCT_NAME"`
		Amount      string `json:"PRODUCT_AMOUNT"`
	} `json:"MOBILE_NETWORK"`
}

// Plans lists data products for a network. ClubKonnect only sells phone-based
// services through this adapter.
func (c *Client) Plans(ctx context.Context, service domain.ServiceType, network domain.Network) ([]domain.Plan, error) {
	if service != domain.ServiceData {
		return nil, fmt.Errorf("clubkonnect adapter lists plans for data only, got %q", service)
	}

	var resp planListResponse
	if err := c.get(ctx, "/APIDatabundlePlansV2.asp", nil, &resp); err != nil {
		return nil, err
	}

	var plans []domain.Plan
	for networkName, products := range resp.MobileNetwork {
		n := domain.Network(strings.ToLower(networkName))
		if network != "" && n != network {
			continue
		}
		for _, p := range products {
			var naira float64
			fmt.Sscanf(p.Amount, "%f", &naira)
			plans = append(plans, domain.Plan{
				Code:    p.ID,
				Name:    p.Name,
				Service: domain.ServiceData,
				Network: n,
				Price:   int64(naira * 100),
			})
		}
	}
	return plans, nil
}

type orderResponse struct {
	OrderID       string `json:"orderid"`
	StatusCode    string `json:"statuscode"`
	Status        string `json:"status"`
	Remark        string `json:"remark"`
}

// Purchase submits an airtime or data order. The RequestID parameter is our
// reference and ClubKonnect rejects duplicates, which we fold into a pending
// "already submitted" outcome.
func (c *Client) Purchase(ctx context.Context, req vendor.PurchaseRequest) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(req.Reference), nil
	}

	networkCode, ok := networkCodes[req.Network]
	if !ok {
		return nil, fmt.Errorf("clubkonnect does not map network %q", req.Network)
	}

	var path string
	params := map[string]string{
		"MobileNetwork": networkCode,
		"MobileNumber":  req.Recipient,
		"RequestID":     req.Reference,
	}
	switch req.Service {
	case domain.ServiceAirtime:
		path = "/APIAirtimeV1.asp"
		params["Amount"] = fmt.Sprintf("%d", req.Amount/100)
	case domain.ServiceData:
		path = "/APIDatabundleV1.asp"
		params["DataPlan"] = req.PlanCode
	default:
		return nil, fmt.Errorf("clubkonnect does not fulfill service %q", req.Service)
	}

	var resp orderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, func() error {
		return c.get(ctx, path, params, &resp)
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

	// ClubKonnect also signals duplicates in-band.
	if strings.EqualFold(resp.Status, "ORDER_EXIST") {
		return &vendor.Outcome{
			Status:    vendor.StatusPending,
			RawStatus: resp.Status,
			VendorRef: resp.OrderID,
			Message:   "already submitted to vendor",
		}, nil
	}

	return &vendor.Outcome{
		Status:    vendor.MapStatus(statusTable, resp.Status),
		RawStatus: resp.Status,
		VendorRef: resp.OrderID,
		Message:   resp.Remark,
	}, nil
}

// QueryTransaction re-queries an order by our RequestID.
func (c *Client) QueryTransaction(ctx context.Context, reference string) (*vendor.Outcome, error) {
	if c.cfg.Simulate {
		return vendor.SimulatedOutcome(reference), nil
	}

	var resp orderResponse
	if err := c.get(ctx, "/APIQueryV1.asp", map[string]string{"RequestID": reference}, &resp); err != nil {
		return nil, err
	}
	return &vendor.Outcome{
		Status:    vendor.MapStatus(statusTable, resp.Status),
		RawStatus: resp.Status,
		VendorRef: resp.OrderID,
		Message:   resp.Remark,
	}, nil
}

// get executes a credentialed GET. UserID and APIKey ride in the query string.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create clubkonnect request: %w", err)
	}

	q := url.Values{}
	q.Set("UserID", c.cfg.UserID)
	q.Set("APIKey", c.cfg.APIKey)
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transientf("clubkonnect request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transientf("failed to read clubkonnect response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &vendor.APIError{Vendor: Name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		log.Printf("level=warn component=clubkonnect_client op=%s status=%d msg=\"non-2xx response\"", path, resp.StatusCode)
		if apiErr.Retryable() {
			return retry.Transient(apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode clubkonnect response: %w", err)
	}
	return nil
}
