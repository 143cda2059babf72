package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"billing-core/internal/fault"
)

// Order statuses reported by the provider.
const (
	OrderCreated   = "CREATED"
	OrderApproved  = "APPROVED"
	OrderCompleted = "COMPLETED"
)

var (
	// ErrOrderAlreadyCaptured is returned by CaptureOrder for an order that was
	// captured before. It is not a failure; fetch the order instead.
	ErrOrderAlreadyCaptured = errors.New("order already captured")

	ErrUnknownOperation  = fmt.Errorf("payment operation: %w", fault.ErrNotFound)
	ErrPaymentIncomplete = fmt.Errorf("payment not completed: %w", fault.ErrProvider)
	ErrInvalidSignature  = fmt.Errorf("webhook signature: %w", fault.ErrValidation)
	ErrInvalidOrder      = fmt.Errorf("order: %w", fault.ErrValidation)
)

// CreateOrderRequest is what the provider needs to open a checkout.
type CreateOrderRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	// CustomID travels with the order and comes back in webhooks.
	CustomID string
}

// Order is the provider's view of a checkout order.
type Order struct {
	ID          string
	Status      string
	Amount      decimal.Decimal
	Currency    string
	CaptureID   string
	CustomID    string
	ApprovalURL string
}

// Provider is the payment collaborator.
type Provider interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
	// CaptureOrder returns ErrOrderAlreadyCaptured when the order was captured before.
	CaptureOrder(ctx context.Context, orderID string) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	VerifyWebhookSignature(ctx context.Context, rawBody []byte, headers http.Header) (bool, error)
}
