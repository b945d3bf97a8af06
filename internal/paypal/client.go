// Package paypal is a minimal client for the processor surface this
// service needs: order create/lookup/capture and webhook signature
// verification. Amounts reported by clients or webhook payloads are never
// trusted; callers re-verify against GetOrder.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecobank/hivemint/internal/domain"
)

type Client struct {
	apiBase      string
	clientID     string
	clientSecret string
	webhookID    string
	httpClient   *http.Client
}

func NewClient(apiBase, clientID, clientSecret, webhookID string) *Client {
	return &Client{
		apiBase:      strings.TrimRight(apiBase, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    webhookID,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tok tokenResponse
	if err := c.do(req, &tok); err != nil {
		return "", fmt.Errorf("paypal: token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("paypal: empty access token")
	}
	return tok.AccessToken, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Transient(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Transient(err)
	}
	if resp.StatusCode >= 500 {
		return domain.Transient(fmt.Errorf("processor returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("processor returned %d: %s", resp.StatusCode, truncate(body, 256))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authedJSON(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}

// Order is the processor's view of a checkout order.
type Order struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	ApprovalLinks []Link          `json:"links"`
}

type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
	} `json:"purchase_units"`
	Links []Link `json:"links"`
}

func (r *orderResource) toOrder() (*Order, error) {
	o := &Order{ID: r.ID, Status: r.Status, ApprovalLinks: r.Links}
	if len(r.PurchaseUnits) > 0 {
		amount, err := decimal.NewFromString(r.PurchaseUnits[0].Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("paypal: order amount: %w", err)
		}
		o.Amount = amount
		o.Currency = r.PurchaseUnits[0].Amount.CurrencyCode
	}
	return o, nil
}

// CreateOrder creates a CAPTURE-intent order for the given USD total.
// customID travels with the order so webhooks can be traced to a user.
func (c *Client) CreateOrder(ctx context.Context, total decimal.Decimal, description, customID string) (*Order, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"amount": map[string]string{
				"currency_code": "USD",
				"value":         total.StringFixed(2),
			},
			"description": description,
			"custom_id":   customID,
		}},
	}
	var res orderResource
	if err := c.authedJSON(ctx, http.MethodPost, "/v2/checkout/orders", payload, &res); err != nil {
		return nil, fmt.Errorf("paypal: create order: %w", err)
	}
	return res.toOrder()
}

// GetOrder fetches the authoritative state of an order. This is the only
// amount source the reconciler trusts.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var res orderResource
	if err := c.authedJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &res); err != nil {
		return nil, fmt.Errorf("paypal: get order: %w", err)
	}
	return res.toOrder()
}

// CaptureOrder asks the processor to capture an approved order.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Order, error) {
	var res orderResource
	err := c.authedJSON(ctx, http.MethodPost,
		"/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, &res)
	if err != nil {
		return nil, fmt.Errorf("paypal: capture order: %w", err)
	}
	return res.toOrder()
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhookSignature checks an inbound webhook against the processor's
// verification API. The raw body must be passed through untouched.
func (c *Client) VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	if c.webhookID == "" {
		return false, fmt.Errorf("paypal: webhook id not configured")
	}
	payload := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var res verifyResponse
	if err := c.authedJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, &res); err != nil {
		return false, fmt.Errorf("paypal: verify webhook: %w", err)
	}
	return res.VerificationStatus == "SUCCESS", nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
