// Package payment charges cards through a Conekta-compatible order API.
// The classification contract is strict: a definite refusal is Declined, a
// definite capture is Approved, and anything where money may have moved
// (timeouts, 5xx, pending orders) is Ambiguous and must be reconciled, never
// retried.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

const (
	defaultBaseURL = "https://api.conekta.io"
	acceptHeader   = "application/vnd.conekta-v2.1.0+json"
)

// Compile-time check: Client implements domain.PaymentGateway.
var _ domain.PaymentGateway = (*Client)(nil)

// Client implements domain.PaymentGateway over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at a non-default API host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 35 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type orderRequest struct {
	Currency     string            `json:"currency"`
	CustomerInfo customerInfo      `json:"customer_info"`
	LineItems    []lineItem        `json:"line_items"`
	Charges      []charge          `json:"charges"`
	Metadata     map[string]string `json:"metadata"`
}

type customerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type lineItem struct {
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type charge struct {
	PaymentMethod paymentMethod `json:"payment_method"`
}

type paymentMethod struct {
	Type    string `json:"type"`
	TokenID string `json:"token_id"`
}

type orderResponse struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	Details       []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"details"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type orderList struct {
	Data []orderResponse `json:"data"`
}

// Charge creates an order paying with a tokenized card. The transaction id
// travels in the order metadata so LookupOrder can find it later.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	body := orderRequest{
		Currency: req.Currency,
		CustomerInfo: customerInfo{
			Name:  req.CustomerName,
			Email: req.CustomerEmail,
		},
		LineItems: []lineItem{{
			Name:      req.Description,
			UnitPrice: req.AmountCents,
			Quantity:  1,
		}},
		Charges: []charge{{
			PaymentMethod: paymentMethod{Type: "card", TokenID: req.CardToken},
		}},
		Metadata: map[string]string{"transaction_id": req.IdempotencyKey},
	}

	var order orderResponse
	status, err := c.do(ctx, req.Account, http.MethodPost, "/orders", body, &order)
	if err != nil {
		if isTimeout(err) {
			// The request went out; the answer never came back. Money may have
			// moved, so this is ambiguous, not retryable.
			return domain.ChargeResult{Status: domain.ChargeAmbiguous, Reason: "processor timed out"}, nil
		}
		return domain.ChargeResult{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	switch {
	case status == http.StatusOK:
		switch order.PaymentStatus {
		case "paid":
			return domain.ChargeResult{Reference: order.ID, Status: domain.ChargeApproved}, nil
		case "pending_payment", "pending":
			// The processor accepted the order but has not settled it.
			return domain.ChargeResult{Reference: order.ID, Status: domain.ChargeAmbiguous, Reason: "order " + order.PaymentStatus}, nil
		default:
			return domain.ChargeResult{Reference: order.ID, Status: domain.ChargeDeclined, Reason: "order " + order.PaymentStatus}, nil
		}

	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		// The processor answered definitively: the card was not charged.
		return domain.ChargeResult{Status: domain.ChargeDeclined, Reason: errorReason(order)}, nil

	default:
		// 5xx and 429: the order may or may not exist on the processor side.
		return domain.ChargeResult{Status: domain.ChargeAmbiguous, Reason: fmt.Sprintf("processor returned %d", status)}, nil
	}
}

// Refund reverses a captured order.
func (c *Client) Refund(ctx context.Context, account domain.GatewayAccount, reference string) (domain.RefundResult, error) {
	body := map[string]string{"reason": "requested_by_client"}

	var order orderResponse
	status, err := c.do(ctx, account, http.MethodPost, "/orders/"+url.PathEscape(reference)+"/refunds", body, &order)
	if err != nil {
		return domain.RefundResult{}, fmt.Errorf("requesting refund: %w", err)
	}

	if status == http.StatusOK {
		return domain.RefundResult{Status: domain.RefundDone}, nil
	}
	return domain.RefundResult{Status: domain.RefundFailed, Reason: errorReason(order)}, nil
}

// LookupOrder finds an order by the transaction id planted in its metadata.
// Used by reconciliation to decide whether an ambiguous charge captured.
func (c *Client) LookupOrder(ctx context.Context, account domain.GatewayAccount, idempotencyKey string) (domain.LookupResult, error) {
	path := "/orders?" + url.Values{"metadata.transaction_id": {idempotencyKey}, "limit": {"1"}}.Encode()

	var list orderList
	status, err := c.do(ctx, account, http.MethodGet, path, nil, &list)
	if err != nil {
		return domain.LookupResult{}, fmt.Errorf("looking up order: %w", err)
	}
	if status != http.StatusOK {
		return domain.LookupResult{}, fmt.Errorf("order lookup returned %d", status)
	}
	if len(list.Data) == 0 {
		return domain.LookupResult{Status: domain.LookupNotFound}, nil
	}

	order := list.Data[0]
	if order.PaymentStatus == "paid" {
		return domain.LookupResult{Reference: order.ID, Status: domain.LookupPaid}, nil
	}
	return domain.LookupResult{Reference: order.ID, Status: domain.LookupDeclined}, nil
}

func (c *Client) do(ctx context.Context, account domain.GatewayAccount, method, path string, body, out any) (int, error) {
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(account.SecretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		// Error bodies share the envelope; decode failures are tolerated.
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func errorReason(order orderResponse) string {
	if len(order.Details) > 0 {
		if order.Details[0].Message != "" {
			return order.Details[0].Message
		}
		return order.Details[0].Code
	}
	if order.Message != "" {
		return order.Message
	}
	if order.Type != "" {
		return order.Type
	}
	return "unknown processor error"
}
