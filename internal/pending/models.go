package pending

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is what a payment buys.
type Kind string

const (
	KindTopup           Kind = "topup"
	KindAddonMinutes    Kind = "addon-minutes"
	KindAddonAssistants Kind = "addon-assistants"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTopup, KindAddonMinutes, KindAddonAssistants:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Operation is the pre-recorded, authoritative description of an external payment.
// It is written before the user is sent to the provider.
type Operation struct {
	ExternalOperationID string          `json:"externalOperationId"`
	UserID              string          `json:"userId"`
	Kind                Kind            `json:"kind"`
	Amount              decimal.Decimal `json:"amount"`
	// Quantity is the number of minutes or assistants an add-on grants.
	Quantity    int        `json:"quantity,omitempty"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
