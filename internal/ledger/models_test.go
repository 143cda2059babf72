package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/fault"
)

func TestApply_RejectsNegativeBalance(t *testing.T) {
	a := Account{UserID: "u1", CreditBalance: decimal.NewFromInt(5)}

	_, err := Apply(a, Delta{Credit: decimal.NewFromInt(-6)})
	require.ErrorIs(t, err, fault.ErrInvariant)

	out, err := Apply(a, Delta{Credit: decimal.NewFromInt(-5)})
	require.NoError(t, err)
	assert.True(t, out.CreditBalance.IsZero())
}

func TestApply_QuotaBounds(t *testing.T) {
	a := Account{UserID: "u1", QuotaAssistantsTotal: 1, QuotaAssistantsUsed: 1, ExtraAssistants: 1}

	out, err := Apply(a, Delta{AssistantsUsed: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, out.QuotaAssistantsUsed)

	_, err = Apply(out, Delta{AssistantsUsed: 1})
	require.ErrorIs(t, err, fault.ErrInvariant)

	unlimited := Account{UserID: "u1", QuotaMinutesTotal: Unlimited, QuotaMinutesUsed: 5000}
	out, err = Apply(unlimited, Delta{MinutesUsed: 10})
	require.NoError(t, err)
	assert.Equal(t, 5010, out.QuotaMinutesUsed)
}

func TestApply_PlanChangeResetsMinutes(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := Account{UserID: "u1", PlanKind: PlanPayAsYouGo, QuotaMinutesUsed: 7, QuotaAssistantsUsed: 2}

	out, err := Apply(a, Delta{Plan: &PlanChange{
		Kind: PlanQuota, PlanRef: "P-BASIC", QuotaMinutesTotal: 100, QuotaAssistantsTotal: 3,
		PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0),
	}})
	require.NoError(t, err)
	assert.Equal(t, PlanQuota, out.PlanKind)
	assert.Equal(t, 0, out.QuotaMinutesUsed)
	assert.Equal(t, 2, out.QuotaAssistantsUsed)
	assert.Equal(t, start.AddDate(0, 1, 0), out.BillingPeriodEnd)

	_, err = Apply(a, Delta{Plan: &PlanChange{Kind: "gold"}})
	require.ErrorIs(t, err, fault.ErrInvariant)
}

func TestRolled_AdvancesWholeMonths(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	a := Account{QuotaMinutesUsed: 40, QuotaMinutesTotal: 50, BillingPeriodStart: start, BillingPeriodEnd: start.AddDate(0, 1, 0)}

	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, a.MinutesUsedAt(now))
	rem, unlimited := a.MinutesRemaining(now)
	assert.False(t, unlimited)
	assert.Equal(t, 50, rem)

	out, changed := a.rolled(now)
	require.True(t, changed)
	assert.Equal(t, 0, out.QuotaMinutesUsed)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), out.BillingPeriodStart)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), out.BillingPeriodEnd)

	_, changed = out.rolled(now)
	assert.False(t, changed)
}

func TestAssistantsRemaining(t *testing.T) {
	rem, unlimited := Account{QuotaAssistantsTotal: 2, ExtraAssistants: 1, QuotaAssistantsUsed: 1}.AssistantsRemaining()
	assert.Equal(t, 2, rem)
	assert.False(t, unlimited)

	_, unlimited = Account{QuotaAssistantsTotal: Unlimited}.AssistantsRemaining()
	assert.True(t, unlimited)
}
