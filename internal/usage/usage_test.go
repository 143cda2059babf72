package usage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/auth"
	"billing-core/internal/events"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
	"billing-core/internal/pricing"
	"billing-core/internal/rbac"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPrices() *pricing.Service {
	return pricing.NewService(pricing.Catalog{
		AssistantCost:   d("20"),
		CreditPerMinute: d("0.5"),
		EstimateMinutes: 2,
		MinutesPack:     pricing.AddonPack{Quantity: 100, Price: d("10")},
		AssistantsPack:  pricing.AddonPack{Quantity: 1, Price: d("15")},
		Plans: []pricing.Plan{
			{ID: "P-BASIC", Name: "Basic", Price: d("29"), QuotaMinutes: 300, QuotaAssistants: 1},
			{ID: "P-PRO", Name: "Pro", Price: d("99"), QuotaMinutes: -1, QuotaAssistants: -1},
		},
	})
}

func seed(t *testing.T, s *ledger.MemoryStore, a ledger.Account) {
	t.Helper()
	_, err := s.CreateAccount(context.Background(), a)
	require.NoError(t, err)
}

func TestCanCreateAssistant(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "quota", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: 1})
	seed(t, s, ledger.Account{UserID: "extra", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: 1, QuotaAssistantsUsed: 1, ExtraAssistants: 1})
	seed(t, s, ledger.Account{UserID: "unlimited", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: ledger.Unlimited, QuotaAssistantsUsed: 40})
	seed(t, s, ledger.Account{UserID: "credits", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: 1, QuotaAssistantsUsed: 1, CreditBalance: d("25")})
	seed(t, s, ledger.Account{UserID: "broke", PlanKind: ledger.PlanPayAsYouGo, CreditBalance: d("19.99")})
	seed(t, s, ledger.Account{UserID: "none", PlanKind: ledger.PlanNone, CreditBalance: d("100")})
	v := NewValidator(s, testPrices())

	cases := []struct {
		user    string
		allowed bool
		funding Funding
		reason  Reason
		cost    string
	}{
		{"quota", true, FundingQuota, "", ""},
		{"extra", true, FundingQuota, "", ""},
		{"unlimited", true, FundingQuota, "", ""},
		{"credits", true, FundingCredits, "", "20"},
		{"broke", false, "", ReasonNoQuotaNoCredits, "20"},
		{"none", false, "", ReasonNoPlan, ""},
		{"missing", false, "", ReasonNoPlan, ""},
	}
	for _, tc := range cases {
		t.Run(tc.user, func(t *testing.T) {
			got, err := v.CanCreateAssistant(ctx, tc.user)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, got.Allowed)
			assert.Equal(t, tc.funding, got.Funding)
			assert.Equal(t, tc.reason, got.Reason)
			if tc.cost == "" {
				assert.Nil(t, got.CostIfCredits)
			} else {
				require.NotNil(t, got.CostIfCredits)
				assert.True(t, got.CostIfCredits.Equal(d(tc.cost)))
			}
		})
	}
}

func TestCanAffordCall(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "minutes-left", PlanKind: ledger.PlanQuota, QuotaMinutesTotal: 10, QuotaMinutesUsed: 9})
	seed(t, s, ledger.Account{UserID: "extra-minutes", PlanKind: ledger.PlanQuota, QuotaMinutesTotal: 10, QuotaMinutesUsed: 10, ExtraMinutes: 5})
	seed(t, s, ledger.Account{UserID: "quota-out-credit", PlanKind: ledger.PlanQuota, QuotaMinutesTotal: 10, QuotaMinutesUsed: 10, CreditBalance: d("1")})
	seed(t, s, ledger.Account{UserID: "quota-out", PlanKind: ledger.PlanQuota, QuotaMinutesTotal: 10, QuotaMinutesUsed: 10, CreditBalance: d("0.99")})
	seed(t, s, ledger.Account{UserID: "payg", PlanKind: ledger.PlanPayAsYouGo, CreditBalance: d("1")})
	seed(t, s, ledger.Account{UserID: "payg-broke", PlanKind: ledger.PlanPayAsYouGo, QuotaMinutesTotal: 0, CreditBalance: d("0.5")})
	v := NewValidator(s, testPrices())
	est := v.EstimatedCallCost()
	require.True(t, est.Equal(d("1")))

	cases := map[string]Reason{
		"minutes-left":     "",
		"extra-minutes":    "",
		"quota-out-credit": "",
		"quota-out":        ReasonNoQuotaNoCredits,
		"payg":             "",
		"payg-broke":       ReasonInsufficientCredit,
		"missing":          ReasonNoPlan,
	}
	for user, reason := range cases {
		got, err := v.CanAffordCall(ctx, user, est)
		require.NoError(t, err)
		assert.Equal(t, reason == "", got.Allowed, user)
		assert.Equal(t, reason, got.Reason, user)
	}
}

func TestGetUpgradeOptions(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "u1", PlanKind: ledger.PlanQuota, PlanRef: "P-BASIC", QuotaMinutesTotal: 300, QuotaMinutesUsed: 300, QuotaAssistantsTotal: 1, QuotaAssistantsUsed: 1})
	v := NewValidator(s, testPrices())

	opts, err := v.GetUpgradeOptions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{HintMinutesExhausted, HintAssistantsExhausted, HintLowCredits}, opts.Hints)
	require.Len(t, opts.Plans, 1)
	assert.Equal(t, "P-PRO", opts.Plans[0].ID)

	opts, err = v.GetUpgradeOptions(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, []string{HintChoosePlan}, opts.Hints)
	assert.Len(t, opts.Plans, 2)
}

func TestConsumeAssistant_CreditFundedKeepsQuotaCounter(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "u1", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: 1, QuotaAssistantsUsed: 1, CreditBalance: d("25")})
	pub := &events.Memory{}
	c := NewConsumer(s, testPrices(), pub, nil)

	got, err := c.ConsumeAssistant(ctx, "u1", "asst-1")
	require.NoError(t, err)
	assert.Equal(t, FundingCredits, got.Funding)
	assert.True(t, got.Charged.Equal(d("20")))
	assert.True(t, got.CreditBalance.Equal(d("5")))

	a, err := s.GetActiveAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.QuotaAssistantsUsed)
	assert.True(t, a.CreditBalance.Equal(d("5")))

	tx, err := s.FindTransaction(ctx, "assistant:u1:asst-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxAssistantPurchase, tx.Kind)
	assert.True(t, tx.Amount.Equal(d("-20")))
	assert.True(t, tx.BalanceBefore.Equal(d("25")))
	assert.Equal(t, []string{events.KeyLedgerDebited}, pub.Keys())

	again, err := c.ConsumeAssistant(ctx, "u1", "asst-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
	assert.True(t, again.CreditBalance.Equal(d("5")))
	assert.Len(t, pub.Keys(), 1)
}

func TestConsumeAssistant_QuotaFirstThenDenied(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "u1", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: 1})
	c := NewConsumer(s, testPrices(), nil, nil)

	got, err := c.ConsumeAssistant(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, FundingQuota, got.Funding)
	assert.True(t, got.Charged.IsZero())

	_, err = c.ConsumeAssistant(ctx, "u1", "a2")
	require.ErrorIs(t, err, fault.ErrDenied)
	reason, ok := DenialReason(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNoQuotaNoCredits, reason)

	replay, err := c.ConsumeAssistant(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, replay.AlreadyProcessed)

	_, err = c.ConsumeAssistant(ctx, "ghost", "a3")
	reason, _ = DenialReason(err)
	assert.Equal(t, ReasonNoPlan, reason)

	_, err = c.ConsumeAssistant(ctx, "u1", " ")
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestConsumeAssistant_SameAssistantIDChargesEachUser(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "alice", PlanKind: ledger.PlanPayAsYouGo, CreditBalance: d("100")})
	seed(t, s, ledger.Account{UserID: "bob", PlanKind: ledger.PlanPayAsYouGo, CreditBalance: d("100")})
	c := NewConsumer(s, testPrices(), nil, nil)

	for _, user := range []string{"alice", "bob"} {
		got, err := c.ConsumeAssistant(ctx, user, "asst-1")
		require.NoError(t, err, user)
		assert.False(t, got.AlreadyProcessed, user)
		assert.Equal(t, FundingCredits, got.Funding, user)
		assert.True(t, got.Charged.Equal(d("20")), user)
		assert.True(t, got.CreditBalance.Equal(d("80")), user)

		tx, err := s.FindTransaction(ctx, AssistantOperationID(user, "asst-1"))
		require.NoError(t, err, user)
		assert.Equal(t, user, tx.UserID)
	}
}

func TestConsumeAssistant_RaceNeverExceedsQuota(t *testing.T) {
	ctx := context.Background()
	s := ledger.NewMemoryStore()
	seed(t, s, ledger.Account{UserID: "u1", PlanKind: ledger.PlanQuota, QuotaAssistantsTotal: 3, CreditBalance: d("40")})
	c := NewConsumer(s, testPrices(), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				_, err := c.ConsumeAssistant(ctx, "u1", "a"+string(rune('0'+i)))
				if err == nil || errorIsDenied(err) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	a, err := s.GetActiveAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, a.QuotaAssistantsUsed)
	assert.True(t, a.CreditBalance.Equal(decimal.Zero))
}

func errorIsDenied(err error) bool {
	_, ok := DenialReason(err)
	return ok
}

type fakeGate struct {
	decision CallDecision
	seen     decimal.Decimal
}

func (f *fakeGate) CanAffordCall(_ context.Context, _ string, est decimal.Decimal) (CallDecision, error) {
	f.seen = est
	return f.decision, nil
}

func (f *fakeGate) EstimatedCallCost() decimal.Decimal { return d("1") }

func serveGate(gate CallGate, role, header string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/calls", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u1", role))
		c.Next()
	}, RequireCallAllowance(gate), func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/calls", nil)
	if header != "" {
		req.Header.Set("X-Estimated-Cost", header)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireCallAllowance(t *testing.T) {
	gate := &fakeGate{decision: CallDecision{Reason: ReasonInsufficientCredit}}
	w := serveGate(gate, rbac.RoleUser, "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), string(ReasonInsufficientCredit))

	w = serveGate(gate, rbac.RoleAdmin, "")
	assert.Equal(t, http.StatusCreated, w.Code)

	gate.decision = CallDecision{Allowed: true, Funding: FundingCredits}
	w = serveGate(gate, rbac.RoleUser, "3.5")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, gate.seen.Equal(d("3.5")))

	w = serveGate(gate, rbac.RoleUser, "0.1")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, gate.seen.Equal(d("1")))

	w = serveGate(gate, rbac.RoleUser, "lots")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
