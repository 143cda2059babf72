package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanKind is the billing mode of an account.
type PlanKind string

const (
	PlanNone       PlanKind = "none"
	PlanQuota      PlanKind = "quota-plan"
	PlanPayAsYouGo PlanKind = "pay-as-you-go"
)

func (k PlanKind) Valid() bool {
	switch k {
	case PlanNone, PlanQuota, PlanPayAsYouGo:
		return true
	}
	return false
}

// Unlimited is the quota total that never runs out.
const Unlimited = -1

// Account is a user's quota and credit state. Exactly one active Account exists per user.
type Account struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	PlanKind PlanKind `json:"planKind"`
	PlanRef  string   `json:"planRef,omitempty"`

	QuotaMinutesTotal    int `json:"quotaMinutesTotal"`
	QuotaMinutesUsed     int `json:"quotaMinutesUsed"`
	QuotaAssistantsTotal int `json:"quotaAssistantsTotal"`
	QuotaAssistantsUsed  int `json:"quotaAssistantsUsed"`

	ExtraMinutes    int `json:"extraMinutes"`
	ExtraAssistants int `json:"extraAssistants"`

	CreditBalance decimal.Decimal `json:"creditBalance"`

	BillingPeriodStart time.Time `json:"billingPeriodStart,omitempty"`
	BillingPeriodEnd   time.Time `json:"billingPeriodEnd,omitempty"`

	IsActive  bool      `json:"isActive"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PeriodLapsed reports whether the billing period ended at or before now.
func (a Account) PeriodLapsed(now time.Time) bool {
	return !a.BillingPeriodEnd.IsZero() && !now.Before(a.BillingPeriodEnd)
}

// MinutesUsedAt is the quota minutes used as of now; a lapsed period counts as zero.
func (a Account) MinutesUsedAt(now time.Time) int {
	if a.PeriodLapsed(now) {
		return 0
	}
	return a.QuotaMinutesUsed
}

// MinutesRemaining returns the quota minutes left as of now.
// unlimited is true when the plan total is Unlimited.
func (a Account) MinutesRemaining(now time.Time) (remaining int, unlimited bool) {
	if a.QuotaMinutesTotal == Unlimited {
		return 0, true
	}
	return max(0, a.QuotaMinutesTotal+a.ExtraMinutes-a.MinutesUsedAt(now)), false
}

// AssistantsRemaining returns the assistant quota left. Assistant usage never resets.
func (a Account) AssistantsRemaining() (remaining int, unlimited bool) {
	if a.QuotaAssistantsTotal == Unlimited {
		return 0, true
	}
	return max(0, a.QuotaAssistantsTotal+a.ExtraAssistants-a.QuotaAssistantsUsed), false
}

// rolled returns a with the billing period advanced past now and minute usage reset.
func (a Account) rolled(now time.Time) (Account, bool) {
	if !a.PeriodLapsed(now) {
		return a, false
	}
	if a.BillingPeriodStart.IsZero() {
		a.BillingPeriodStart = a.BillingPeriodEnd.AddDate(0, -1, 0)
	}
	for !now.Before(a.BillingPeriodEnd) {
		a.BillingPeriodStart = a.BillingPeriodEnd
		a.BillingPeriodEnd = a.BillingPeriodEnd.AddDate(0, 1, 0)
	}
	a.QuotaMinutesUsed = 0
	return a, true
}

// TxKind classifies a Transaction.
type TxKind string

const (
	TxTopup             TxKind = "topup"
	TxAssistantPurchase TxKind = "assistant-purchase"
	TxCallDebit         TxKind = "call-debit"
	TxAddonPurchase     TxKind = "addon-purchase"
	TxPlanChange        TxKind = "plan-change"
)

// Transaction is an append-only record of a balance-affecting event.
// ExternalOperationID is unique across all transactions.
type Transaction struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"userId"`
	Kind                TxKind          `json:"kind"`
	Amount              decimal.Decimal `json:"amount"`
	ExternalOperationID string          `json:"externalOperationId"`
	BalanceBefore       decimal.Decimal `json:"balanceBefore"`
	Description         string          `json:"description,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// PlanChange replaces the plan fields of an account and opens a new billing period.
type PlanChange struct {
	Kind                 PlanKind
	PlanRef              string
	QuotaMinutesTotal    int
	QuotaAssistantsTotal int
	PeriodStart          time.Time
	PeriodEnd            time.Time
}

// Delta is a relative change to an account.
type Delta struct {
	Credit          decimal.Decimal
	MinutesUsed     int
	AssistantsUsed  int
	ExtraMinutes    int
	ExtraAssistants int
	Plan            *PlanChange
}

// IsZero reports whether d changes nothing.
func (d Delta) IsZero() bool {
	return d.Credit.IsZero() && d.MinutesUsed == 0 && d.AssistantsUsed == 0 &&
		d.ExtraMinutes == 0 && d.ExtraAssistants == 0 && d.Plan == nil
}

// Apply returns a with d applied, or an ErrInvariant-kind error if the result
// would break an account invariant. Values are never clamped.
func Apply(a Account, d Delta) (Account, error) {
	out := a
	if d.Plan != nil {
		if !d.Plan.Kind.Valid() {
			return a, invariant(a.UserID, "unknown plan kind %q", d.Plan.Kind)
		}
		out.PlanKind = d.Plan.Kind
		out.PlanRef = d.Plan.PlanRef
		out.QuotaMinutesTotal = d.Plan.QuotaMinutesTotal
		out.QuotaAssistantsTotal = d.Plan.QuotaAssistantsTotal
		out.QuotaMinutesUsed = 0
		out.BillingPeriodStart = d.Plan.PeriodStart
		out.BillingPeriodEnd = d.Plan.PeriodEnd
	}

	out.CreditBalance = out.CreditBalance.Add(d.Credit)
	out.QuotaMinutesUsed += d.MinutesUsed
	out.QuotaAssistantsUsed += d.AssistantsUsed
	out.ExtraMinutes += d.ExtraMinutes
	out.ExtraAssistants += d.ExtraAssistants

	if out.CreditBalance.IsNegative() {
		return a, invariant(a.UserID, "credit balance would become %s", out.CreditBalance.String())
	}
	if out.ExtraMinutes < 0 || out.ExtraAssistants < 0 {
		return a, invariant(a.UserID, "add-on counters would become negative")
	}
	if out.QuotaMinutesUsed < 0 || out.QuotaAssistantsUsed < 0 {
		return a, invariant(a.UserID, "quota usage would become negative")
	}
	if d.MinutesUsed > 0 && out.QuotaMinutesTotal != Unlimited &&
		out.QuotaMinutesUsed > out.QuotaMinutesTotal+out.ExtraMinutes {
		return a, invariant(a.UserID, "minute usage %d exceeds quota %d", out.QuotaMinutesUsed, out.QuotaMinutesTotal+out.ExtraMinutes)
	}
	if d.AssistantsUsed > 0 && out.QuotaAssistantsTotal != Unlimited &&
		out.QuotaAssistantsUsed > out.QuotaAssistantsTotal+out.ExtraAssistants {
		return a, invariant(a.UserID, "assistant usage %d exceeds quota %d", out.QuotaAssistantsUsed, out.QuotaAssistantsTotal+out.ExtraAssistants)
	}
	return out, nil
}
