package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
)

// VapiConfig configures VapiClient.
type VapiConfig struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	Timeout       time.Duration
}

// VapiClient places outbound calls through the Vapi REST API.
type VapiClient struct {
	baseURL       string
	apiKey        string
	phoneNumberID string
	http          *http.Client
}

func NewVapiClient(cfg VapiConfig) (*VapiClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("vapi base url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("vapi api key is required")
	}
	if cfg.PhoneNumberID == "" {
		return nil, errors.New("vapi phone number id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &VapiClient{
		baseURL:       base,
		apiKey:        cfg.APIKey,
		phoneNumberID: cfg.PhoneNumberID,
		http:          &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *VapiClient) Name() string { return "vapi" }

type vapiCustomer struct {
	Number string `json:"number"`
}

type vapiCreateCall struct {
	PhoneNumberID string            `json:"phoneNumberId"`
	AssistantID   string            `json:"assistantId"`
	Customer      vapiCustomer      `json:"customer"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type vapiCall struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Dial creates an outbound call and returns the Vapi call id. Rejections the
// provider will repeat on retry (4xx other than 408 and 429) wrap fault.ErrValidation.
func (c *VapiClient) Dial(ctx context.Context, req calls.DialRequest) (string, error) {
	const op = "vapi.dial"
	body, err := json.Marshal(vapiCreateCall{
		PhoneNumberID: c.phoneNumberID,
		AssistantID:   req.AssistantRef,
		Customer:      vapiCustomer{Number: req.PhoneNumber},
		Metadata:      req.Metadata,
	})
	if err != nil {
		return "", err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return "", fault.Provider(op, req.PhoneNumber, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fault.Provider(op, req.PhoneNumber, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, vapiMessage(raw))
		if permanentStatus(resp.StatusCode) {
			return "", fault.Wrap(op, req.PhoneNumber, fault.ErrValidation, cause)
		}
		return "", fault.Provider(op, req.PhoneNumber, cause)
	}

	var out vapiCall
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fault.Provider(op, req.PhoneNumber, fmt.Errorf("decode response: %w", err))
	}
	if out.ID == "" {
		return "", fault.Provider(op, req.PhoneNumber, errors.New("response carries no call id"))
	}
	return out.ID, nil
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// vapiMessage extracts the error text; message is a string or a list of strings.
func vapiMessage(raw []byte) string {
	var e struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if json.Unmarshal(raw, &e) != nil {
		return strings.TrimSpace(string(raw))
	}
	var one string
	if json.Unmarshal(e.Message, &one) == nil && one != "" {
		return one
	}
	var many []string
	if json.Unmarshal(e.Message, &many) == nil && len(many) > 0 {
		return strings.Join(many, "; ")
	}
	return e.Error
}
