package payments

import (
	"encoding/json"
	"fmt"
	"time"

	"billing-core/internal/fault"
	"billing-core/pkg/utils"
)

// Webhook event types consumed by the reconciler.
const (
	EventOrderApproved         = "CHECKOUT.ORDER.APPROVED"
	EventPaymentCompleted      = "PAYMENT.CAPTURE.COMPLETED"
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
)

// WebhookEvent is the provider's notification envelope.
type WebhookEvent struct {
	ID           string          `json:"id" validate:"required"`
	EventType    string          `json:"event_type" validate:"required"`
	ResourceType string          `json:"resource_type"`
	CreateTime   time.Time       `json:"create_time"`
	Resource     json.RawMessage `json:"resource" validate:"required"`
}

type orderResource struct {
	ID string `json:"id" validate:"required"`
}

type captureResource struct {
	ID                string `json:"id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id" validate:"required"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type subscriptionResource struct {
	ID       string `json:"id" validate:"required"`
	PlanID   string `json:"plan_id"`
	CustomID string `json:"custom_id" validate:"required"`
	Status   string `json:"status"`
}

// ParseWebhook decodes and validates a webhook envelope.
func ParseWebhook(raw []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return WebhookEvent{}, fault.Wrap("payments.parse_webhook", "", fault.ErrValidation, err)
	}
	if err := utils.ValidateStruct(ev); err != nil {
		return WebhookEvent{}, fault.Wrap("payments.parse_webhook", "", fault.ErrValidation, err)
	}
	return ev, nil
}

func decodeResource[T any](ev WebhookEvent) (T, error) {
	var out T
	if err := json.Unmarshal(ev.Resource, &out); err != nil {
		return out, fault.Wrap("payments.decode_resource", ev.ID, fault.ErrValidation, err)
	}
	if err := utils.ValidateStruct(out); err != nil {
		return out, fault.Wrap("payments.decode_resource", ev.ID, fault.ErrValidation, fmt.Errorf("%s: %w", ev.EventType, err))
	}
	return out, nil
}
