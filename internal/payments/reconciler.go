package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/events"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
	"billing-core/internal/pending"
	"billing-core/internal/pricing"
	"billing-core/pkg/logger"
)

// Config tunes the Reconciler.
type Config struct {
	Currency       string
	VerifyWebhooks bool
}

// Reconciler turns confirmed payments into ledger changes exactly once per
// external operation id. Capture calls and webhooks for the same order may run
// in any order, any number of times, concurrently.
type Reconciler struct {
	store    ledger.Store
	pending  *pending.Tracker
	provider Provider
	prices   *pricing.Service
	events   events.Publisher
	log      *zap.Logger
	cfg      Config
	clock    func() time.Time
}

func NewReconciler(store ledger.Store, tracker *pending.Tracker, provider Provider, prices *pricing.Service, pub events.Publisher, cfg Config, log *zap.Logger) *Reconciler {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Reconciler{
		store:    store,
		pending:  tracker,
		provider: provider,
		prices:   prices,
		events:   pub,
		log:      logger.OrNop(log).Named("payments"),
		cfg:      cfg,
		clock:    time.Now,
	}
}

// OrderRequest is a client's request to buy something. Amount is read only for
// top-ups and is bounded by the catalog; add-on prices come from the catalog.
type OrderRequest struct {
	Kind   pending.Kind    `json:"kind" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Packs  int             `json:"packs"`
}

// OrderResult tells the client where to approve the payment.
type OrderResult struct {
	OrderID     string          `json:"orderId"`
	ApprovalURL string          `json:"approvalUrl"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Outcome is the result of a capture or a payment webhook.
type Outcome struct {
	Success          bool            `json:"success"`
	CreditBalance    decimal.Decimal `json:"creditBalance"`
	AlreadyProcessed bool            `json:"alreadyProcessed,omitempty"`
}

// CreateOrder prices the request, opens a provider order and records the
// pending operation before the user is sent to approve it.
func (r *Reconciler) CreateOrder(ctx context.Context, userID string, req OrderRequest) (OrderResult, error) {
	if strings.TrimSpace(userID) == "" {
		return OrderResult{}, fault.Validation("payments.create_order", "user id is required")
	}
	var (
		q   pricing.Quote
		err error
	)
	switch req.Kind {
	case pending.KindTopup:
		q, err = r.prices.TopupQuote(req.Amount)
	case pending.KindAddonMinutes:
		q, err = r.prices.MinutesPackQuote(req.Packs)
	case pending.KindAddonAssistants:
		q, err = r.prices.AssistantsPackQuote(req.Packs)
	default:
		err = fmt.Errorf("unknown kind %q", req.Kind)
	}
	if err != nil {
		return OrderResult{}, fault.Wrap("payments.create_order", userID, fault.ErrValidation, err)
	}

	order, err := r.provider.CreateOrder(ctx, CreateOrderRequest{
		Amount:      q.Amount,
		Currency:    r.cfg.Currency,
		Description: q.Description,
		CustomID:    userID,
	})
	if err != nil {
		return OrderResult{}, err
	}
	if order.ID == "" {
		return OrderResult{}, fault.Provider("payments.create_order", userID, errors.New("provider returned no order id"))
	}

	if _, err := r.pending.Register(ctx, pending.Operation{
		ExternalOperationID: order.ID,
		UserID:              userID,
		Kind:                req.Kind,
		Amount:              q.Amount,
		Quantity:            q.Quantity,
		Description:         q.Description,
	}); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: order.ID, ApprovalURL: order.ApprovalURL, Amount: q.Amount, Description: q.Description}, nil
}

// Capture is the client-initiated path after the user approved orderID.
// Only the user who created the order may capture it.
func (r *Reconciler) Capture(ctx context.Context, userID, orderID string) (Outcome, error) {
	if strings.TrimSpace(orderID) == "" {
		return Outcome{}, fault.Validation("payments.capture", "order id is required")
	}
	return r.settle(ctx, orderID, userID, r.captureConfirmed)
}

type confirmFunc func(ctx context.Context, orderID string) error

// settle runs the reconciliation steps shared by capture and webhooks.
func (r *Reconciler) settle(ctx context.Context, orderID, callerID string, confirm confirmFunc) (Outcome, error) {
	log := r.log.With(zap.String("order_id", orderID))

	op, err := r.pending.Get(ctx, orderID)
	switch {
	case errors.Is(err, pending.ErrNotFound):
	case err != nil:
		return Outcome{}, err
	case callerID != "" && op.UserID != callerID:
		log.Warn("capture attempted by another user", zap.String("caller_id", callerID))
		return Outcome{}, ErrUnknownOperation
	}
	opFound := err == nil

	tx, txErr := r.store.FindTransaction(ctx, orderID)
	if txErr != nil && !errors.Is(txErr, ledger.ErrTransactionNotFound) {
		return Outcome{}, txErr
	}
	txFound := txErr == nil

	// Already applied: replay, or a racing path got there first.
	if txFound {
		if callerID != "" && tx.UserID != callerID {
			return Outcome{}, ErrUnknownOperation
		}
		if opFound && op.Status == pending.StatusPending {
			if err := r.pending.Complete(ctx, orderID); err != nil {
				return Outcome{}, err
			}
			log.Info("pending operation finalized after concurrent settlement")
		}
		log.Info("payment already processed")
		return r.replayOutcome(ctx, tx.UserID)
	}
	if !opFound {
		log.Warn("payment for unknown operation")
		return Outcome{}, ErrUnknownOperation
	}
	if op.Status == pending.StatusCompleted {
		return Outcome{}, fault.Wrap("payments.settle", orderID, fault.ErrInvariant,
			errors.New("pending operation completed without a transaction"))
	}

	if err := confirm(ctx, orderID); err != nil {
		log.Warn("payment confirmation failed", zap.Error(err))
		return Outcome{}, err
	}

	if err := r.ensureAccount(ctx, op.UserID); err != nil {
		return Outcome{}, err
	}
	res, err := r.store.Mutate(ctx, op.UserID, func(ledger.Account) (ledger.Mutation, error) {
		return mutationFor(op), nil
	})
	if err != nil {
		if errors.Is(err, fault.ErrInvariant) {
			log.Error("payment rejected by ledger invariant", zap.Error(err))
		}
		return Outcome{}, err
	}
	if err := r.pending.Complete(ctx, orderID); err != nil {
		return Outcome{}, err
	}
	if res.AlreadyProcessed {
		log.Info("payment already processed")
		return Outcome{Success: true, CreditBalance: res.Account.CreditBalance, AlreadyProcessed: true}, nil
	}

	log.Info("payment applied",
		zap.String("user_id", op.UserID),
		zap.String("kind", string(op.Kind)),
		zap.String("amount", op.Amount.String()),
		zap.Int("quantity", op.Quantity))
	events.Emit(ctx, r.events, r.log, events.KeyLedgerCredited, events.BalanceChanged{
		UserID:              op.UserID,
		Kind:                string(res.Transaction.Kind),
		Amount:              res.Transaction.Amount,
		CreditBalance:       res.Account.CreditBalance,
		ExternalOperationID: orderID,
		OccurredAt:          res.Transaction.CreatedAt,
	})
	return Outcome{Success: true, CreditBalance: res.Account.CreditBalance}, nil
}

// mutationFor derives the ledger change from the pending operation alone.
func mutationFor(op pending.Operation) ledger.Mutation {
	rec := &ledger.Transaction{
		ExternalOperationID: op.ExternalOperationID,
		Amount:              op.Amount,
		Description:         op.Description,
	}
	var d ledger.Delta
	switch op.Kind {
	case pending.KindAddonMinutes:
		rec.Kind = ledger.TxAddonPurchase
		d.ExtraMinutes = op.Quantity
	case pending.KindAddonAssistants:
		rec.Kind = ledger.TxAddonPurchase
		d.ExtraAssistants = op.Quantity
	default:
		rec.Kind = ledger.TxTopup
		d.Credit = op.Amount
	}
	return ledger.Mutation{Delta: d, Record: rec}
}

func (r *Reconciler) replayOutcome(ctx context.Context, userID string) (Outcome, error) {
	a, err := r.store.GetActiveAccount(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Success: true, CreditBalance: a.CreditBalance, AlreadyProcessed: true}, nil
}

// ensureAccount opens a pay-as-you-go account for a first-time buyer.
func (r *Reconciler) ensureAccount(ctx context.Context, userID string) error {
	_, err := r.store.GetActiveAccount(ctx, userID)
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}
	_, err = r.store.CreateAccount(ctx, ledger.Account{UserID: userID, PlanKind: ledger.PlanPayAsYouGo, CreditBalance: decimal.Zero})
	if errors.Is(err, ledger.ErrAccountExists) {
		return nil
	}
	if err == nil {
		r.log.Info("pay-as-you-go account opened", zap.String("user_id", userID))
	}
	return err
}

// captureConfirmed captures the order, falling back to the order details when
// the provider reports it was captured already.
func (r *Reconciler) captureConfirmed(ctx context.Context, orderID string) error {
	order, err := r.provider.CaptureOrder(ctx, orderID)
	if errors.Is(err, ErrOrderAlreadyCaptured) {
		r.log.Info("order already captured; fetching details", zap.String("order_id", orderID))
		order, err = r.provider.GetOrder(ctx, orderID)
	}
	if err != nil {
		return err
	}
	return requireCompleted(order)
}

// orderConfirmed only reads the order; used when the provider says the capture happened.
func (r *Reconciler) orderConfirmed(ctx context.Context, orderID string) error {
	order, err := r.provider.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return requireCompleted(order)
}

func requireCompleted(o Order) error {
	if o.Status != OrderCompleted {
		return fmt.Errorf("%w: order %s is %s", ErrPaymentIncomplete, o.ID, o.Status)
	}
	return nil
}

// WebhookOutcome is the result of one webhook delivery.
type WebhookOutcome struct {
	EventID   string   `json:"eventId"`
	EventType string   `json:"eventType"`
	Ignored   bool     `json:"ignored,omitempty"`
	Payment   *Outcome `json:"payment,omitempty"`
	// AlreadyProcessed is set for replays of payment and subscription events.
	AlreadyProcessed bool `json:"alreadyProcessed,omitempty"`
}

// HandleWebhook verifies, parses and applies one provider notification.
func (r *Reconciler) HandleWebhook(ctx context.Context, raw []byte, headers http.Header) (WebhookOutcome, error) {
	if r.cfg.VerifyWebhooks {
		ok, err := r.provider.VerifyWebhookSignature(ctx, raw, headers)
		if err != nil {
			return WebhookOutcome{}, err
		}
		if !ok {
			return WebhookOutcome{}, ErrInvalidSignature
		}
	}

	ev, err := ParseWebhook(raw)
	if err != nil {
		return WebhookOutcome{}, err
	}
	out := WebhookOutcome{EventID: ev.ID, EventType: ev.EventType}
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType))

	var pay Outcome
	switch ev.EventType {
	case EventOrderApproved:
		res, err := decodeResource[orderResource](ev)
		if err != nil {
			return out, err
		}
		pay, err = r.settle(ctx, res.ID, "", r.captureConfirmed)
		if err != nil {
			return out, err
		}
	case EventPaymentCompleted:
		res, err := decodeResource[captureResource](ev)
		if err != nil {
			return out, err
		}
		pay, err = r.settle(ctx, res.SupplementaryData.RelatedIDs.OrderID, "", r.orderConfirmed)
		if err != nil {
			return out, err
		}
	case EventSubscriptionActivated, EventSubscriptionCancelled, EventSubscriptionSuspended:
		res, err := decodeResource[subscriptionResource](ev)
		if err != nil {
			return out, err
		}
		processed, err := r.applySubscription(ctx, ev, res)
		out.AlreadyProcessed = processed
		return out, err
	default:
		log.Debug("webhook event ignored")
		out.Ignored = true
		return out, nil
	}
	out.Payment = &pay
	out.AlreadyProcessed = pay.AlreadyProcessed
	return out, nil
}

// applySubscription switches the plan of the subscriber named by custom_id.
// The event id is the dedup key, recorded as a zero-amount plan-change transaction.
func (r *Reconciler) applySubscription(ctx context.Context, ev WebhookEvent, res subscriptionResource) (bool, error) {
	userID := res.CustomID
	now := r.clock().UTC()

	change := ledger.PlanChange{Kind: ledger.PlanPayAsYouGo}
	desc := fmt.Sprintf("subscription %s %s", res.ID, strings.ToLower(strings.TrimPrefix(ev.EventType, "BILLING.SUBSCRIPTION.")))
	if ev.EventType == EventSubscriptionActivated {
		plan, err := r.prices.Plan(res.PlanID)
		if err != nil {
			return false, fault.Wrap("payments.subscription", ev.ID, fault.ErrNotFound, err)
		}
		change = ledger.PlanChange{
			Kind:                 ledger.PlanQuota,
			PlanRef:              plan.ID,
			QuotaMinutesTotal:    plan.QuotaMinutes,
			QuotaAssistantsTotal: plan.QuotaAssistants,
			PeriodStart:          now,
			PeriodEnd:            now.AddDate(0, 1, 0),
		}
	}

	if err := r.ensureAccount(ctx, userID); err != nil {
		return false, err
	}
	result, err := r.store.Mutate(ctx, userID, func(a ledger.Account) (ledger.Mutation, error) {
		c := change
		if c.Kind == ledger.PlanPayAsYouGo && a.PlanRef != "" && a.PlanRef != res.PlanID && res.PlanID != "" {
			// A stale cancel for a plan the user already left keeps the current plan.
			return ledger.Mutation{Record: &ledger.Transaction{
				Kind: ledger.TxPlanChange, Amount: decimal.Zero, ExternalOperationID: ev.ID, Description: desc + " (stale)",
			}}, nil
		}
		return ledger.Mutation{
			Delta:  ledger.Delta{Plan: &c},
			Record: &ledger.Transaction{Kind: ledger.TxPlanChange, Amount: decimal.Zero, ExternalOperationID: ev.ID, Description: desc},
		}, nil
	})
	if err != nil {
		return false, err
	}
	if result.AlreadyProcessed {
		r.log.Info("subscription event already processed", zap.String("event_id", ev.ID))
		return true, nil
	}
	r.log.Info("subscription applied",
		zap.String("user_id", userID),
		zap.String("event_type", ev.EventType),
		zap.String("plan_kind", string(result.Account.PlanKind)),
		zap.String("plan_ref", result.Account.PlanRef))
	events.Emit(ctx, r.events, r.log, events.KeyPlanChanged, events.BalanceChanged{
		UserID:              userID,
		Kind:                string(ledger.TxPlanChange),
		Amount:              decimal.Zero,
		CreditBalance:       result.Account.CreditBalance,
		ExternalOperationID: ev.ID,
		OccurredAt:          now,
	})
	return false, nil
}
