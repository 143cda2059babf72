package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/events"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
	"billing-core/internal/pricing"
	"billing-core/pkg/logger"
)

// AssistantReceipt is the outcome of a confirmed assistant creation.
type AssistantReceipt struct {
	Funding          Funding         `json:"funding,omitempty"`
	Charged          decimal.Decimal `json:"charged"`
	CreditBalance    decimal.Decimal `json:"creditBalance"`
	AlreadyProcessed bool            `json:"alreadyProcessed,omitempty"`
}

// Consumer applies confirmed consumption to the ledger.
type Consumer struct {
	store  ledger.Store
	prices *pricing.Service
	events events.Publisher
	log    *zap.Logger
}

func NewConsumer(store ledger.Store, prices *pricing.Service, pub events.Publisher, log *zap.Logger) *Consumer {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Consumer{store: store, prices: prices, events: pub, log: logger.OrNop(log).Named("usage")}
}

// AssistantOperationID is the transaction key of an assistant purchase. Assistant
// ids are only unique per user, so the key carries both.
func AssistantOperationID(userID, assistantID string) string {
	return "assistant:" + userID + ":" + assistantID
}

// ConsumeAssistant records that assistantID was created for userID. The decision is
// re-taken against the latest account inside the mutation, so two racing creations
// can never both use the last quota slot. Replays for the same assistant are
// reported as AlreadyProcessed.
func (c *Consumer) ConsumeAssistant(ctx context.Context, userID, assistantID string) (AssistantReceipt, error) {
	if strings.TrimSpace(assistantID) == "" {
		return AssistantReceipt{}, fault.Validation("usage.consume_assistant", "assistant id is required")
	}
	cost := c.prices.AssistantCost()

	var decision AssistantDecision
	res, err := c.store.Mutate(ctx, userID, func(a ledger.Account) (ledger.Mutation, error) {
		decision = decideAssistant(a, cost)
		rec := &ledger.Transaction{
			Kind:                ledger.TxAssistantPurchase,
			ExternalOperationID: AssistantOperationID(userID, assistantID),
		}
		switch {
		case !decision.Allowed:
			return ledger.Mutation{}, &DeniedError{Reason: decision.Reason}
		case decision.Funding == FundingQuota:
			rec.Amount = decimal.Zero
			rec.Description = fmt.Sprintf("assistant %s (quota)", assistantID)
			return ledger.Mutation{Delta: ledger.Delta{AssistantsUsed: 1}, Record: rec}, nil
		default:
			rec.Amount = cost.Neg()
			rec.Description = fmt.Sprintf("assistant %s (credits)", assistantID)
			return ledger.Mutation{Delta: ledger.Delta{Credit: cost.Neg()}, Record: rec}, nil
		}
	})
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return AssistantReceipt{}, &DeniedError{Reason: ReasonNoPlan}
	}
	if errors.Is(err, fault.ErrDenied) {
		// A replay is refused by the fresh decision before the log is consulted.
		if replay, ok := c.replay(ctx, userID, assistantID); ok {
			return replay, nil
		}
	}
	if err != nil {
		return AssistantReceipt{}, err
	}

	receipt := AssistantReceipt{CreditBalance: res.Account.CreditBalance, AlreadyProcessed: res.AlreadyProcessed, Charged: decimal.Zero}
	if res.AlreadyProcessed {
		c.log.Info("assistant consumption already recorded",
			zap.String("user_id", userID), zap.String("assistant_id", assistantID))
		return receipt, nil
	}
	receipt.Funding = decision.Funding
	if decision.Funding == FundingCredits {
		receipt.Charged = cost
		events.Emit(ctx, c.events, c.log, events.KeyLedgerDebited, events.BalanceChanged{
			UserID:              userID,
			Kind:                string(res.Transaction.Kind),
			Amount:              res.Transaction.Amount,
			CreditBalance:       res.Account.CreditBalance,
			ExternalOperationID: res.Transaction.ExternalOperationID,
			OccurredAt:          res.Transaction.CreatedAt,
		})
	}
	c.log.Info("assistant consumed",
		zap.String("user_id", userID),
		zap.String("assistant_id", assistantID),
		zap.String("funding", string(decision.Funding)),
		zap.String("charged", receipt.Charged.String()))
	return receipt, nil
}

func (c *Consumer) replay(ctx context.Context, userID, assistantID string) (AssistantReceipt, bool) {
	tx, err := c.store.FindTransaction(ctx, AssistantOperationID(userID, assistantID))
	if err != nil || tx.UserID != userID {
		return AssistantReceipt{}, false
	}
	a, err := c.store.GetActiveAccount(ctx, userID)
	if err != nil {
		return AssistantReceipt{}, false
	}
	return AssistantReceipt{Charged: decimal.Zero, CreditBalance: a.CreditBalance, AlreadyProcessed: true}, true
}
