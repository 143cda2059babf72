package pricing

import "github.com/shopspring/decimal"

// Plan is a subscription plan sold by the payment provider, keyed by the provider plan id.
// Quota totals use -1 for unlimited.
type Plan struct {
	ID              string          `json:"id" mapstructure:"id"`
	Name            string          `json:"name" mapstructure:"name"`
	Price           decimal.Decimal `json:"price" mapstructure:"-"`
	QuotaMinutes    int             `json:"quotaMinutes" mapstructure:"quota_minutes"`
	QuotaAssistants int             `json:"quotaAssistants" mapstructure:"quota_assistants"`
}

// AddonPack is a fixed bundle of extra minutes or assistants.
type AddonPack struct {
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Catalog holds every price the billing core charges. Amounts are credits in the
// account currency.
type Catalog struct {
	AssistantCost   decimal.Decimal
	CreditPerMinute decimal.Decimal

	// BillingIncrementSeconds rounds call durations up (60 = per started minute).
	BillingIncrementSeconds int
	// MinimumBillableSeconds is the shortest duration a connected call is billed for.
	MinimumBillableSeconds int
	// EstimateMinutes is the call length assumed when checking affordability up front.
	EstimateMinutes int

	MinTopup decimal.Decimal
	MaxTopup decimal.Decimal

	MinutesPack    AddonPack
	AssistantsPack AddonPack

	Plans []Plan
}

// CallCost is the billable breakdown of one call.
type CallCost struct {
	BillableSeconds int             `json:"billableSeconds"`
	BillableMinutes int             `json:"billableMinutes"`
	RatePerMinute   decimal.Decimal `json:"ratePerMinute"`
	Total           decimal.Decimal `json:"total"`
}

// Quote is the authoritative price of an order, computed server-side.
type Quote struct {
	Amount      decimal.Decimal
	Quantity    int
	Description string
}
