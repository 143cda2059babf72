package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/ledger"
	"billing-core/internal/pricing"
	"billing-core/pkg/logger"
)

// Charge is the minute debit of one settled call.
type Charge struct {
	BillableMinutes  int             `json:"billableMinutes"`
	QuotaMinutes     int             `json:"quotaMinutes"`
	CreditMinutes    int             `json:"creditMinutes"`
	Charged          decimal.Decimal `json:"charged"`
	Unbilled         decimal.Decimal `json:"unbilled"`
	AlreadyProcessed bool            `json:"alreadyProcessed,omitempty"`
}

// Biller debits a settled call's minutes: quota first, then credits for the overflow.
// The balance never goes negative; whatever credits cannot cover is reported as Unbilled.
type Biller struct {
	store  ledger.Store
	prices *pricing.Service
	log    *zap.Logger
}

func NewBiller(store ledger.Store, prices *pricing.Service, log *zap.Logger) *Biller {
	return &Biller{store: store, prices: prices, log: logger.OrNop(log).Named("biller")}
}

// DebitOperationID is the transaction key of a call's minute debit. It is keyed on
// the record id, which is fixed at creation, unlike the provider id that may be
// adopted later.
func DebitOperationID(c CallRecord) string { return "call:" + c.ID }

const unbilledMarker = "; unbilled "

func debitDescription(c CallRecord, ch Charge) string {
	desc := fmt.Sprintf("call %s: %d min (%d quota, %d credit)", c.ID, ch.BillableMinutes, ch.QuotaMinutes, ch.CreditMinutes)
	if ch.Unbilled.IsPositive() {
		desc += unbilledMarker + ch.Unbilled.String()
	}
	return desc
}

// unbilledFrom recovers the shortfall written into a debit's description.
func unbilledFrom(desc string) decimal.Decimal {
	_, v, ok := strings.Cut(desc, unbilledMarker)
	if !ok {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return amount
}

// split divides billable minutes between the account's remaining quota and credits.
func (b *Biller) split(a ledger.Account, billable int) Charge {
	ch := Charge{BillableMinutes: billable, Charged: decimal.Zero, Unbilled: decimal.Zero}
	if a.PlanKind == ledger.PlanQuota {
		if a.QuotaMinutesTotal == ledger.Unlimited {
			ch.QuotaMinutes = billable
		} else {
			left := max(0, a.QuotaMinutesTotal+a.ExtraMinutes-a.QuotaMinutesUsed)
			ch.QuotaMinutes = min(billable, left)
		}
	}
	ch.CreditMinutes = billable - ch.QuotaMinutes
	cost := b.prices.MinutesCost(ch.CreditMinutes)
	ch.Charged = decimal.Min(cost, a.CreditBalance)
	ch.Unbilled = cost.Sub(ch.Charged)
	return ch
}

// Debit applies the call's debit once. Replays report AlreadyProcessed with the
// originally charged amount.
func (b *Biller) Debit(ctx context.Context, c CallRecord) (Charge, error) {
	billable := b.prices.BillableMinutes(c.DurationSeconds)
	if billable == 0 {
		return Charge{Charged: decimal.Zero, Unbilled: decimal.Zero}, nil
	}
	key := DebitOperationID(c)

	var ch Charge
	res, err := b.store.Mutate(ctx, c.UserID, func(a ledger.Account) (ledger.Mutation, error) {
		ch = b.split(a, billable)
		return ledger.Mutation{
			Delta: ledger.Delta{MinutesUsed: ch.QuotaMinutes, Credit: ch.Charged.Neg()},
			Record: &ledger.Transaction{
				Kind:                ledger.TxCallDebit,
				Amount:              ch.Charged.Neg(),
				ExternalOperationID: key,
				Description:         debitDescription(c, ch),
			},
		}, nil
	})
	if errors.Is(err, ledger.ErrAccountNotFound) {
		cost := b.prices.MinutesCost(billable)
		b.log.Error("call settled for user without account",
			zap.String("call_id", c.ID), zap.String("user_id", c.UserID), zap.String("unbilled", cost.String()))
		return Charge{BillableMinutes: billable, CreditMinutes: billable, Charged: decimal.Zero, Unbilled: cost}, nil
	}
	if err != nil {
		return Charge{}, err
	}
	if res.AlreadyProcessed {
		tx, err := b.store.FindTransaction(ctx, key)
		if err != nil {
			return Charge{}, err
		}
		unbilled := c.UnbilledAmount
		if !unbilled.IsPositive() {
			unbilled = unbilledFrom(tx.Description)
		}
		return Charge{BillableMinutes: billable, Charged: tx.Amount.Neg(), Unbilled: unbilled, AlreadyProcessed: true}, nil
	}

	if ch.Unbilled.IsPositive() {
		b.log.Warn("call overflow exceeds credit balance",
			zap.String("call_id", c.ID),
			zap.String("user_id", c.UserID),
			zap.String("unbilled", ch.Unbilled.String()))
	}
	return ch, nil
}
