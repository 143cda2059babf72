package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"billing-core/internal/fault"
)

// PayPalConfig configures PayPalClient.
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

// PayPalClient talks to the PayPal REST API (orders v2 and webhook verification).
// Access tokens are fetched with the client-credentials grant and cached until expiry.
type PayPalClient struct {
	baseURL   string
	webhookID string
	returnURL string
	cancelURL string
	http      *http.Client
}

func NewPayPalClient(cfg PayPalConfig) (*PayPalClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("paypal base url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("paypal client id and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token fetch itself uses a client with the same timeout.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	hc := cc.Client(tokenCtx)
	hc.Timeout = cfg.Timeout

	return &PayPalClient{
		baseURL:   base,
		webhookID: cfg.WebhookID,
		returnURL: cfg.ReturnURL,
		cancelURL: cfg.CancelURL,
		http:      hc,
	}, nil
}

type ppAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type ppLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type ppOrder struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	Links         []ppLink `json:"links"`
	PurchaseUnits []struct {
		CustomID string    `json:"custom_id"`
		Amount   *ppAmount `json:"amount"`
		Payments struct {
			Captures []struct {
				ID     string   `json:"id"`
				Status string   `json:"status"`
				Amount ppAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type ppError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e ppError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (o ppOrder) toOrder() Order {
	out := Order{ID: o.ID, Status: o.Status}
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			out.ApprovalURL = l.Href
			break
		}
	}
	if len(o.PurchaseUnits) == 0 {
		return out
	}
	pu := o.PurchaseUnits[0]
	out.CustomID = pu.CustomID
	if pu.Amount != nil {
		out.Currency = pu.Amount.CurrencyCode
		out.Amount, _ = decimal.NewFromString(pu.Amount.Value)
	}
	if caps := pu.Payments.Captures; len(caps) > 0 {
		out.CaptureID = caps[0].ID
		if amt, err := decimal.NewFromString(caps[0].Amount.Value); err == nil {
			out.Amount = amt
			out.Currency = caps[0].Amount.CurrencyCode
		}
	}
	return out
}

func (c *PayPalClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if !req.Amount.IsPositive() || req.Currency == "" {
		return Order{}, fmt.Errorf("%w: amount and currency are required", ErrInvalidOrder)
	}
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"description": req.Description,
			"custom_id":   req.CustomID,
			"amount":      ppAmount{CurrencyCode: req.Currency, Value: req.Amount.StringFixed(2)},
		}},
	}
	if c.returnURL != "" || c.cancelURL != "" {
		body["application_context"] = map[string]string{"return_url": c.returnURL, "cancel_url": c.cancelURL}
	}

	var out ppOrder
	if _, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &out); err != nil {
		return Order{}, fault.Provider("paypal.create_order", "", err)
	}
	return out.toOrder(), nil
}

func (c *PayPalClient) CaptureOrder(ctx context.Context, orderID string) (Order, error) {
	var out ppOrder
	pe, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, &out)
	if err != nil {
		if pe != nil && pe.hasIssue("ORDER_ALREADY_CAPTURED") {
			return Order{}, ErrOrderAlreadyCaptured
		}
		return Order{}, fault.Provider("paypal.capture_order", orderID, err)
	}
	return out.toOrder(), nil
}

func (c *PayPalClient) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var out ppOrder
	if _, err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return Order{}, fault.Provider("paypal.get_order", orderID, err)
	}
	return out.toOrder(), nil
}

// VerifyWebhookSignature asks PayPal to verify a delivery using the transmission headers.
func (c *PayPalClient) VerifyWebhookSignature(ctx context.Context, rawBody []byte, headers http.Header) (bool, error) {
	if c.webhookID == "" {
		return false, errors.New("paypal webhook id is not configured")
	}
	req := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(rawBody),
	}
	for _, k := range []string{"auth_algo", "cert_url", "transmission_id", "transmission_sig", "transmission_time"} {
		if req[k] == "" {
			return false, nil
		}
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &out); err != nil {
		return false, fault.Provider("paypal.verify_webhook", "", err)
	}
	return out.VerificationStatus == "SUCCESS", nil
}

// do sends a JSON request. On a non-2xx answer it returns the decoded PayPal
// error body (when there is one) alongside the error.
func (c *PayPalClient) do(ctx context.Context, method, path string, in, out any) (*ppError, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var pe ppError
		if json.Unmarshal(raw, &pe) == nil && (pe.Name != "" || len(pe.Details) > 0) {
			return &pe, fmt.Errorf("%s %s: status %d: %s %s", method, path, resp.StatusCode, pe.Name, pe.Message)
		}
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil, nil
	}
	return nil, json.Unmarshal(raw, out)
}
