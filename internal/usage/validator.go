package usage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"billing-core/internal/ledger"
	"billing-core/internal/pricing"
)

// AccountReader is the read side of the ledger.
type AccountReader interface {
	GetActiveAccount(ctx context.Context, userID string) (ledger.Account, error)
}

// Validator decides whether a user may consume a paid resource. It never mutates.
type Validator struct {
	accounts AccountReader
	prices   *pricing.Service
	clock    func() time.Time
}

func NewValidator(accounts AccountReader, prices *pricing.Service) *Validator {
	return &Validator{accounts: accounts, prices: prices, clock: time.Now}
}

// CanCreateAssistant reports whether one more assistant is covered by quota,
// by credits, or not at all. A user without an account is denied with ReasonNoPlan.
func (v *Validator) CanCreateAssistant(ctx context.Context, userID string) (AssistantDecision, error) {
	a, err := v.accounts.GetActiveAccount(ctx, userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return AssistantDecision{Reason: ReasonNoPlan}, nil
	}
	if err != nil {
		return AssistantDecision{}, err
	}
	return decideAssistant(a, v.prices.AssistantCost()), nil
}

// CanAffordCall reports whether a call estimated at estimatedCost may start.
func (v *Validator) CanAffordCall(ctx context.Context, userID string, estimatedCost decimal.Decimal) (CallDecision, error) {
	a, err := v.accounts.GetActiveAccount(ctx, userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return CallDecision{Reason: ReasonNoPlan}, nil
	}
	if err != nil {
		return CallDecision{}, err
	}
	remaining, unlimited := a.MinutesRemaining(v.clock())
	return decideCall(a, estimatedCost, remaining, unlimited), nil
}

// EstimatedCallCost is the catalog estimate used when the caller supplies none.
func (v *Validator) EstimatedCallCost() decimal.Decimal {
	return v.prices.EstimateCallCost()
}

// AccountView is an account with its effective usage as of AsOf.
type AccountView struct {
	ledger.Account
	MinutesUsedEffective int       `json:"minutesUsedEffective"`
	MinutesRemaining     *int      `json:"minutesRemaining"`
	AssistantsRemaining  *int      `json:"assistantsRemaining"`
	AsOf                 time.Time `json:"asOf"`
}

// Account returns the user's account. Remaining counters are nil when unlimited.
func (v *Validator) Account(ctx context.Context, userID string) (AccountView, error) {
	a, err := v.accounts.GetActiveAccount(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}
	now := v.clock().UTC()
	view := AccountView{Account: a, MinutesUsedEffective: a.MinutesUsedAt(now), AsOf: now}
	if n, unlimited := a.MinutesRemaining(now); !unlimited {
		view.MinutesRemaining = &n
	}
	if n, unlimited := a.AssistantsRemaining(); !unlimited {
		view.AssistantsRemaining = &n
	}
	return view, nil
}

// Upgrade hints.
const (
	HintChoosePlan          = "choose-plan"
	HintMinutesExhausted    = "minutes-exhausted"
	HintAssistantsExhausted = "assistants-exhausted"
	HintLowCredits          = "low-credits"
)

// UpgradeOptions is advisory only; nothing gates on it.
type UpgradeOptions struct {
	CurrentPlan    string            `json:"currentPlan,omitempty"`
	PlanKind       ledger.PlanKind   `json:"planKind"`
	Hints          []string          `json:"hints"`
	Plans          []pricing.Plan    `json:"plans"`
	MinutesPack    pricing.AddonPack `json:"minutesPack"`
	AssistantsPack pricing.AddonPack `json:"assistantsPack"`
	AssistantCost  decimal.Decimal   `json:"assistantCost"`
	MinuteRate     decimal.Decimal   `json:"creditPerMinute"`
}

// GetUpgradeOptions lists plans and packs that would lift the user's current limits.
func (v *Validator) GetUpgradeOptions(ctx context.Context, userID string) (UpgradeOptions, error) {
	out := UpgradeOptions{
		PlanKind:       ledger.PlanNone,
		Hints:          []string{},
		MinutesPack:    v.prices.MinutesPack(),
		AssistantsPack: v.prices.AssistantsPack(),
		AssistantCost:  v.prices.AssistantCost(),
		MinuteRate:     v.prices.CreditPerMinute(),
	}

	a, err := v.accounts.GetActiveAccount(ctx, userID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		out.Hints = append(out.Hints, HintChoosePlan)
		out.Plans = v.prices.Plans()
		return out, nil
	case err != nil:
		return UpgradeOptions{}, err
	}

	out.CurrentPlan = a.PlanRef
	out.PlanKind = a.PlanKind
	if a.PlanKind == ledger.PlanNone {
		out.Hints = append(out.Hints, HintChoosePlan)
	}
	if a.PlanKind == ledger.PlanQuota {
		if n, unlimited := a.MinutesRemaining(v.clock()); !unlimited && n == 0 {
			out.Hints = append(out.Hints, HintMinutesExhausted)
		}
		if n, unlimited := a.AssistantsRemaining(); !unlimited && n == 0 {
			out.Hints = append(out.Hints, HintAssistantsExhausted)
		}
	}
	if a.CreditBalance.LessThan(v.prices.EstimateCallCost()) {
		out.Hints = append(out.Hints, HintLowCredits)
	}

	out.Plans = make([]pricing.Plan, 0)
	for _, p := range v.prices.Plans() {
		if p.ID != a.PlanRef {
			out.Plans = append(out.Plans, p)
		}
	}
	return out, nil
}
