package usage

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"billing-core/internal/fault"
	"billing-core/internal/ledger"
)

// Funding says what pays for an allowed action.
type Funding string

const (
	FundingQuota   Funding = "quota"
	FundingCredits Funding = "credits"
)

// Reason explains a denial. The UI turns it into an upgrade prompt.
type Reason string

const (
	ReasonNoPlan             Reason = "no-plan"
	ReasonNoQuotaNoCredits   Reason = "no-quota-no-credits"
	ReasonInsufficientCredit Reason = "insufficient-credits"
)

// AssistantDecision answers whether one more assistant may be created.
// CostIfCredits is set only when the assistant would be (or could not be) paid
// from credits; a quota-covered decision never carries a cost.
type AssistantDecision struct {
	Allowed       bool             `json:"allowed"`
	Reason        Reason           `json:"reason,omitempty"`
	Funding       Funding          `json:"funding,omitempty"`
	CostIfCredits *decimal.Decimal `json:"costIfCredits,omitempty"`
}

// CallDecision answers whether a call may be placed.
type CallDecision struct {
	Allowed bool    `json:"allowed"`
	Reason  Reason  `json:"reason,omitempty"`
	Funding Funding `json:"funding,omitempty"`
}

// DeniedError is returned when a consumption is refused.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string { return fmt.Sprintf("usage denied: %s", e.Reason) }

func (e *DeniedError) Is(target error) bool { return target == fault.ErrDenied }

// DenialReason extracts the reason from a DeniedError anywhere in err's chain.
func DenialReason(err error) (Reason, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

func decideAssistant(a ledger.Account, cost decimal.Decimal) AssistantDecision {
	if a.PlanKind == ledger.PlanNone || a.PlanKind == "" {
		return AssistantDecision{Reason: ReasonNoPlan}
	}
	if remaining, unlimited := a.AssistantsRemaining(); unlimited || remaining > 0 {
		return AssistantDecision{Allowed: true, Funding: FundingQuota}
	}
	c := cost
	if a.CreditBalance.GreaterThanOrEqual(cost) {
		return AssistantDecision{Allowed: true, Funding: FundingCredits, CostIfCredits: &c}
	}
	return AssistantDecision{Reason: ReasonNoQuotaNoCredits, CostIfCredits: &c}
}

func decideCall(a ledger.Account, estimate decimal.Decimal, minutesRemaining int, unlimited bool) CallDecision {
	switch a.PlanKind {
	case ledger.PlanQuota:
		if unlimited || minutesRemaining > 0 {
			return CallDecision{Allowed: true, Funding: FundingQuota}
		}
		if a.CreditBalance.GreaterThanOrEqual(estimate) {
			return CallDecision{Allowed: true, Funding: FundingCredits}
		}
		return CallDecision{Reason: ReasonNoQuotaNoCredits}
	case ledger.PlanPayAsYouGo:
		if a.CreditBalance.GreaterThanOrEqual(estimate) {
			return CallDecision{Allowed: true, Funding: FundingCredits}
		}
		return CallDecision{Reason: ReasonInsufficientCredit}
	default:
		return CallDecision{Reason: ReasonNoPlan}
	}
}
