package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// Service is pure price calculation over a Catalog. No provider calls, no storage.
type Service struct {
	catalog Catalog
	plans   map[string]Plan
}

func NewService(c Catalog) *Service {
	if c.BillingIncrementSeconds <= 0 {
		c.BillingIncrementSeconds = 60
	}
	if c.EstimateMinutes <= 0 {
		c.EstimateMinutes = 1
	}
	plans := make(map[string]Plan, len(c.Plans))
	for _, p := range c.Plans {
		plans[p.ID] = p
	}
	return &Service{catalog: c, plans: plans}
}

func (s *Service) AssistantCost() decimal.Decimal { return s.catalog.AssistantCost }

func (s *Service) CreditPerMinute() decimal.Decimal { return s.catalog.CreditPerMinute }

func (s *Service) MinutesPack() AddonPack { return s.catalog.MinutesPack }

func (s *Service) AssistantsPack() AddonPack { return s.catalog.AssistantsPack }

// BillableMinutes converts a call duration to whole billable minutes.
// A zero-length call is never billed.
func (s *Service) BillableMinutes(durationSeconds int) int {
	if durationSeconds <= 0 {
		return 0
	}
	sec := billableSeconds(durationSeconds, s.catalog.MinimumBillableSeconds, s.catalog.BillingIncrementSeconds)
	return billableMinutesFromSeconds(sec)
}

// CallCost prices a call entirely at the credit rate.
func (s *Service) CallCost(durationSeconds int) CallCost {
	if durationSeconds <= 0 {
		return CallCost{RatePerMinute: s.catalog.CreditPerMinute, Total: decimal.Zero}
	}
	sec := billableSeconds(durationSeconds, s.catalog.MinimumBillableSeconds, s.catalog.BillingIncrementSeconds)
	mins := billableMinutesFromSeconds(sec)
	return CallCost{
		BillableSeconds: sec,
		BillableMinutes: mins,
		RatePerMinute:   s.catalog.CreditPerMinute,
		Total:           s.MinutesCost(mins),
	}
}

// MinutesCost is the credit price of n minutes.
func (s *Service) MinutesCost(n int) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return s.catalog.CreditPerMinute.Mul(decimal.NewFromInt(int64(n)))
}

// EstimateCallCost is the up-front affordability estimate for one call.
func (s *Service) EstimateCallCost() decimal.Decimal {
	return s.MinutesCost(s.catalog.EstimateMinutes)
}

// TopupQuote validates a client-chosen top-up amount against the configured bounds.
func (s *Service) TopupQuote(amount decimal.Decimal) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidPricingReq)
	}
	if !s.catalog.MinTopup.IsZero() && amount.LessThan(s.catalog.MinTopup) {
		return Quote{}, fmt.Errorf("%w: minimum top-up is %s", ErrInvalidPricingReq, s.catalog.MinTopup)
	}
	if !s.catalog.MaxTopup.IsZero() && amount.GreaterThan(s.catalog.MaxTopup) {
		return Quote{}, fmt.Errorf("%w: maximum top-up is %s", ErrInvalidPricingReq, s.catalog.MaxTopup)
	}
	if amount.Exponent() < -2 {
		return Quote{}, fmt.Errorf("%w: at most two decimal places", ErrInvalidPricingReq)
	}
	return Quote{Amount: amount, Description: fmt.Sprintf("%s credits", amount.StringFixed(2))}, nil
}

// MinutesPackQuote prices packs bundles of extra minutes.
func (s *Service) MinutesPackQuote(packs int) (Quote, error) {
	return packQuote(s.catalog.MinutesPack, packs, "minutes")
}

// AssistantsPackQuote prices packs bundles of extra assistants.
func (s *Service) AssistantsPackQuote(packs int) (Quote, error) {
	return packQuote(s.catalog.AssistantsPack, packs, "assistants")
}

func packQuote(p AddonPack, packs int, unit string) (Quote, error) {
	if packs <= 0 || packs > 100 {
		return Quote{}, fmt.Errorf("%w: pack count must be 1..100", ErrInvalidPricingReq)
	}
	if p.Quantity <= 0 || !p.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s packs are not for sale", ErrInvalidPricingReq, unit)
	}
	qty := p.Quantity * packs
	return Quote{
		Amount:      p.Price.Mul(decimal.NewFromInt(int64(packs))),
		Quantity:    qty,
		Description: fmt.Sprintf("%d extra %s", qty, unit),
	}, nil
}

// Plan resolves a provider plan id.
func (s *Service) Plan(id string) (Plan, error) {
	p, ok := s.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return p, nil
}

// Plans lists the catalog plans in configuration order.
func (s *Service) Plans() []Plan {
	out := make([]Plan, len(s.catalog.Plans))
	copy(out, s.catalog.Plans)
	return out
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec < 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := max(actualSec, minSec)
	q := sec / incrementSec
	if sec%incrementSec != 0 {
		q++
	}
	return q * incrementSec
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}
