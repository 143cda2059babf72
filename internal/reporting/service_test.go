package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
)

type fakeTxs []ledger.Transaction

func (f fakeTxs) ListTransactions(_ context.Context, userID string, from, to time.Time) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0)
	for _, tx := range f {
		if tx.UserID == userID && !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestUsageSummary_UserIsolationAndAggregates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	settled := now.Add(time.Minute)

	repo := calls.NewMemoryRepo()
	for _, c := range []calls.CallRecord{
		{ID: "c1", UserID: "u1", PhoneNumber: "+1", AssistantRef: "a", Status: calls.StatusCompleted, DurationSeconds: 42, Evaluation: calls.EvaluationPositive, Charged: d("0.5"), RecordingURL: "https://r/1", SettledAt: &settled, CreatedAt: now},
		{ID: "c2", UserID: "u1", PhoneNumber: "+1", AssistantRef: "a", Status: calls.StatusFailed, UnbilledAmount: d("1"), SettledAt: &settled, CreatedAt: now},
		{ID: "c3", UserID: "u1", PhoneNumber: "+1", AssistantRef: "a", Status: calls.StatusCalling, CreatedAt: now},
		{ID: "c4", UserID: "u2", PhoneNumber: "+1", AssistantRef: "a", Status: calls.StatusCompleted, DurationSeconds: 600, SettledAt: &settled, CreatedAt: now},
	} {
		require.NoError(t, repo.Create(ctx, c))
	}
	txs := fakeTxs{
		{UserID: "u1", Kind: ledger.TxTopup, Amount: d("25"), CreatedAt: now},
		{UserID: "u1", Kind: ledger.TxCallDebit, Amount: d("-0.5"), CreatedAt: now},
		{UserID: "u1", Kind: ledger.TxAssistantPurchase, Amount: d("-20"), CreatedAt: now},
		{UserID: "u1", Kind: ledger.TxAssistantPurchase, Amount: decimal.Zero, CreatedAt: now},
		{UserID: "u1", Kind: ledger.TxAddonPurchase, Amount: d("30"), CreatedAt: now},
		{UserID: "u1", Kind: ledger.TxPlanChange, Amount: decimal.Zero, CreatedAt: now},
		{UserID: "u2", Kind: ledger.TxTopup, Amount: d("100"), CreatedAt: now},
		{UserID: "u1", Kind: ledger.TxTopup, Amount: d("5"), CreatedAt: now.Add(-48 * time.Hour)},
	}

	out, err := NewService(repo, txs).UsageSummary(ctx, UsageSummaryRequest{
		UserID: "u1",
		Range:  TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Calls.TotalCalls)
	assert.Equal(t, 1, out.Calls.CompletedCalls)
	assert.Equal(t, 1, out.Calls.FailedCalls)
	assert.Equal(t, 1, out.Calls.InProgressCalls)
	assert.Equal(t, 1, out.Calls.PositiveCalls)
	assert.Equal(t, 1, out.Calls.RecordedCalls)
	assert.Equal(t, 14, out.Calls.AverageDurationSeconds)
	assert.True(t, out.Calls.Charged.Equal(d("0.5")))
	assert.True(t, out.Calls.Unbilled.Equal(d("1")))

	assert.Equal(t, 6, out.Spend.Transactions)
	assert.True(t, out.Spend.Credited.Equal(d("25")))
	assert.True(t, out.Spend.Debited.Equal(d("20.5")))
	assert.True(t, out.Spend.Net.Equal(d("4.5")))
	assert.True(t, out.Spend.AddonPurchases.Equal(d("30")))
	assert.Equal(t, 1, out.Spend.PlanChanges)
}

func TestUsageSummary_RejectsBadRange(t *testing.T) {
	svc := NewService(calls.NewMemoryRepo(), fakeTxs{})
	now := time.Now()
	cases := []UsageSummaryRequest{
		{Range: TimeRange{From: now, To: now.Add(time.Hour)}},
		{UserID: "u1"},
		{UserID: "u1", Range: TimeRange{From: now, To: now}},
		{UserID: "u1", Range: TimeRange{From: now, To: now.Add(2 * MaxRange)}},
	}
	for _, req := range cases {
		_, err := svc.UsageSummary(context.Background(), req)
		assert.ErrorIs(t, err, fault.ErrValidation)
	}
}
