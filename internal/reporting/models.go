package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageSummaryRequest asks for one user's activity in Range. The user id comes
// from the authenticated identity, never from the request body.
type UsageSummaryRequest struct {
	UserID string
	Range  TimeRange
}

type UsageSummary struct {
	UserID string       `json:"userId"`
	Range  TimeRange    `json:"range"`
	Calls  CallsSummary `json:"calls"`
	Spend  SpendSummary `json:"spend"`
}

type CallsSummary struct {
	TotalCalls      int `json:"totalCalls"`
	CompletedCalls  int `json:"completedCalls"`
	FailedCalls     int `json:"failedCalls"`
	InProgressCalls int `json:"inProgressCalls"`
	PositiveCalls   int `json:"positiveCalls"`
	RecordedCalls   int `json:"recordedCalls"`

	TotalDurationSeconds   int `json:"totalDurationSeconds"`
	AverageDurationSeconds int `json:"averageDurationSeconds"`

	Charged  decimal.Decimal `json:"charged"`
	Unbilled decimal.Decimal `json:"unbilled"`
}

// SpendSummary aggregates the transaction log. Credited counts top-ups only;
// add-on and plan transactions carry the paid amount without moving the balance.
type SpendSummary struct {
	Credited decimal.Decimal `json:"credited"`
	Debited  decimal.Decimal `json:"debited"`
	Net      decimal.Decimal `json:"net"`

	CallDebits         decimal.Decimal `json:"callDebits"`
	AssistantPurchases decimal.Decimal `json:"assistantPurchases"`
	AddonPurchases     decimal.Decimal `json:"addonPurchases"`
	PlanChanges        int             `json:"planChanges"`
	Transactions       int             `json:"transactions"`
}
