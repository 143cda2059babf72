package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/events"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
	"billing-core/internal/pricing"
	"billing-core/pkg/logger"
	"billing-core/pkg/utils"
)

// PlanAssignment is an operator's request to set a user's plan.
// Quota plans take their quotas from the catalog plan named by PlanRef.
type PlanAssignment struct {
	PlanKind ledger.PlanKind `json:"planKind" validate:"required,oneof=none quota-plan pay-as-you-go"`
	PlanRef  string          `json:"planRef" validate:"required_if=PlanKind quota-plan"`
	Reason   string          `json:"reason" validate:"required,max=500"`
}

// Provisioner lets operators open accounts and change plans outside the
// payment provider's subscription flow.
type Provisioner struct {
	store  ledger.Store
	prices *pricing.Service
	events events.Publisher
	log    *zap.Logger
	clock  func() time.Time
}

func NewProvisioner(store ledger.Store, prices *pricing.Service, pub events.Publisher, log *zap.Logger) *Provisioner {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Provisioner{store: store, prices: prices, events: pub, log: logger.OrNop(log).Named("provisioner"), clock: time.Now}
}

// AssignPlan opens the user's account with the plan, or replaces the plan of
// the active account. Credits and add-ons are kept. Every change is recorded in
// the transaction log under a fresh operation id.
func (p *Provisioner) AssignPlan(ctx context.Context, userID string, req PlanAssignment) (ledger.Account, error) {
	const op = "usage.assign_plan"
	if userID == "" {
		return ledger.Account{}, fault.Validation(op, "user id is required")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return ledger.Account{}, fault.Validation(op, err.Error())
	}

	now := p.clock().UTC()
	change := ledger.PlanChange{Kind: req.PlanKind}
	if req.PlanKind == ledger.PlanQuota {
		plan, err := p.prices.Plan(req.PlanRef)
		if err != nil {
			return ledger.Account{}, fault.Wrap(op, req.PlanRef, fault.ErrValidation, err)
		}
		change.PlanRef = plan.ID
		change.QuotaMinutesTotal = plan.QuotaMinutes
		change.QuotaAssistantsTotal = plan.QuotaAssistants
		change.PeriodStart = now
		change.PeriodEnd = now.AddDate(0, 1, 0)
	}

	acct, err := p.store.CreateAccount(ctx, ledger.Account{
		UserID:               userID,
		PlanKind:             change.Kind,
		PlanRef:              change.PlanRef,
		QuotaMinutesTotal:    change.QuotaMinutesTotal,
		QuotaAssistantsTotal: change.QuotaAssistantsTotal,
		CreditBalance:        decimal.Zero,
		BillingPeriodStart:   change.PeriodStart,
		BillingPeriodEnd:     change.PeriodEnd,
	})
	switch {
	case err == nil:
		p.log.Info("account provisioned", zap.String("user_id", userID), zap.String("plan_kind", string(acct.PlanKind)))
		p.emit(ctx, userID, acct, "admin:open:"+acct.ID, now)
		return acct, nil
	case !errors.Is(err, ledger.ErrAccountExists):
		return ledger.Account{}, err
	}

	opID := "admin:plan:" + uuid.NewString()
	res, err := p.store.Mutate(ctx, userID, func(ledger.Account) (ledger.Mutation, error) {
		c := change
		return ledger.Mutation{
			Delta: ledger.Delta{Plan: &c},
			Record: &ledger.Transaction{
				Kind:                ledger.TxPlanChange,
				Amount:              decimal.Zero,
				ExternalOperationID: opID,
				Description:         "operator: " + req.Reason,
			},
		}, nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	p.log.Info("account plan replaced",
		zap.String("user_id", userID),
		zap.String("plan_kind", string(res.Account.PlanKind)),
		zap.String("plan_ref", res.Account.PlanRef))
	p.emit(ctx, userID, res.Account, opID, now)
	return res.Account, nil
}

func (p *Provisioner) emit(ctx context.Context, userID string, a ledger.Account, opID string, at time.Time) {
	events.Emit(ctx, p.events, p.log, events.KeyPlanChanged, events.BalanceChanged{
		UserID:              userID,
		Kind:                string(ledger.TxPlanChange),
		Amount:              decimal.Zero,
		CreditBalance:       a.CreditBalance,
		ExternalOperationID: opID,
		OccurredAt:          at,
	})
}
