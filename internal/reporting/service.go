package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
)

var ErrInvalidRequest = fmt.Errorf("reporting: %w", fault.ErrValidation)

// MaxRange bounds one summary query.
const MaxRange = 366 * 24 * time.Hour

// CallSource lists a user's call records created in [from, to).
type CallSource interface {
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]calls.CallRecord, error)
}

// TransactionSource lists a user's transactions created in [from, to).
type TransactionSource interface {
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]ledger.Transaction, error)
}

// Service reads immutable sources only: the transaction log and call records.
type Service struct {
	calls CallSource
	txs   TransactionSource
}

func NewService(calls CallSource, txs TransactionSource) *Service {
	return &Service{calls: calls, txs: txs}
}

func (s *Service) UsageSummary(ctx context.Context, req UsageSummaryRequest) (UsageSummary, error) {
	if req.UserID == "" {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.calls == nil || s.txs == nil {
		return UsageSummary{}, errors.New("reporting: sources not configured")
	}

	rows, err := s.calls.ListByUser(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}
	txs, err := s.txs.ListTransactions(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}

	return UsageSummary{
		UserID: req.UserID,
		Range:  req.Range,
		Calls:  summarizeCalls(rows),
		Spend:  summarizeSpend(txs),
	}, nil
}

func summarizeCalls(rows []calls.CallRecord) CallsSummary {
	out := CallsSummary{Charged: decimal.Zero, Unbilled: decimal.Zero}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.Charged = out.Charged.Add(c.Charged)
		out.Unbilled = out.Unbilled.Add(c.UnbilledAmount)
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.Evaluation == calls.EvaluationPositive {
			out.PositiveCalls++
		}
		switch {
		case !c.Terminal():
			out.InProgressCalls++
		case c.Status == calls.StatusCompleted:
			out.CompletedCalls++
		case c.Status == calls.StatusFailed:
			out.FailedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out
}

func summarizeSpend(txs []ledger.Transaction) SpendSummary {
	out := SpendSummary{
		Credited:           decimal.Zero,
		Debited:            decimal.Zero,
		CallDebits:         decimal.Zero,
		AssistantPurchases: decimal.Zero,
		AddonPurchases:     decimal.Zero,
	}
	for _, tx := range txs {
		out.Transactions++
		switch tx.Kind {
		case ledger.TxTopup:
			out.Credited = out.Credited.Add(tx.Amount)
		case ledger.TxCallDebit:
			out.CallDebits = out.CallDebits.Add(tx.Amount.Abs())
			out.Debited = out.Debited.Add(tx.Amount.Abs())
		case ledger.TxAssistantPurchase:
			out.AssistantPurchases = out.AssistantPurchases.Add(tx.Amount.Abs())
			out.Debited = out.Debited.Add(tx.Amount.Abs())
		case ledger.TxAddonPurchase:
			out.AddonPurchases = out.AddonPurchases.Add(tx.Amount)
		case ledger.TxPlanChange:
			out.PlanChanges++
		}
	}
	out.Net = out.Credited.Sub(out.Debited)
	return out
}
