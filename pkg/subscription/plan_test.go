package subscription_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlements/pkg/subscription"
)

func TestPlanAllowsProvider(t *testing.T) {
	t.Parallel()

	catalog := subscription.DefaultCatalog()

	tests := []struct {
		plan     string
		provider subscription.Provider
		allowed  bool
	}{
		{subscription.PlanFree, subscription.ProviderGemini, true},
		{subscription.PlanFree, subscription.ProviderOpenAI, false},
		{subscription.PlanStarter, subscription.ProviderMistral, true},
		{subscription.PlanStarter, subscription.ProviderClaude, false},
		{subscription.PlanPro, subscription.ProviderClaude, true},
		{subscription.PlanEnterprise, subscription.Provider("cohere"), true},
		{subscription.PlanFree, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.plan+"/"+string(tt.provider), func(t *testing.T) {
			p, err := catalog.Get(tt.plan)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, p.AllowsProvider(tt.provider))
		})
	}
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	catalog := subscription.DefaultCatalog()

	t.Run("unknown plan", func(t *testing.T) {
		_, err := catalog.Get("platinum")
		assert.ErrorIs(t, err, subscription.ErrPlanNotFound)
	})

	t.Run("plans ordered by rank", func(t *testing.T) {
		plans := catalog.Plans()
		require.Len(t, plans, 4)
		assert.Equal(t, subscription.PlanFree, plans[0].ID)
		assert.Equal(t, subscription.PlanEnterprise, plans[3].ID)
	})

	t.Run("effective plan", func(t *testing.T) {
		active := &subscription.Record{PlanID: "pro", Status: subscription.StatusActive}
		assert.Equal(t, "pro", catalog.Effective(active, now).ID)

		expired := &subscription.Record{PlanID: "pro", Status: subscription.StatusExpired}
		assert.Equal(t, "free", catalog.Effective(expired, now).ID)

		unknown := &subscription.Record{PlanID: "legacy", Status: subscription.StatusActive}
		assert.Equal(t, "free", catalog.Effective(unknown, now).ID)

		assert.Equal(t, "free", catalog.Effective(nil, now).ID)
	})

	t.Run("returned plans are copies", func(t *testing.T) {
		p, _ := catalog.Get(subscription.PlanPro)
		p.Providers[0] = "tampered"
		again, _ := catalog.Get(subscription.PlanPro)
		assert.Equal(t, subscription.ProviderGemini, again.Providers[0])
	})

	t.Run("fallback without free plan", func(t *testing.T) {
		c := subscription.NewCatalog(
			subscription.Plan{ID: "basic", Rank: 1, DailyGenerations: 1, MonthlyGenerations: 1},
			subscription.Plan{ID: "plus", Rank: 2, DailyGenerations: 2, MonthlyGenerations: 2},
		)
		assert.Equal(t, "basic", c.Fallback().ID)
	})

	t.Run("invalid configuration panics", func(t *testing.T) {
		assert.Panics(t, func() { subscription.NewCatalog() })
		assert.Panics(t, func() { subscription.NewCatalog(subscription.Plan{ID: "x", DailyGenerations: -5}) })
	})
}

func TestRecordFromEntitlements(t *testing.T) {
	t.Parallel()

	catalog := subscription.DefaultCatalog()
	m := subscription.DefaultEntitlementMap()
	start := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	t.Run("highest rank wins", func(t *testing.T) {
		rec, ok := m.RecordFromEntitlements(catalog, "u1", []subscription.Entitlement{
			{ID: "starter_features", StartedAt: start.AddDate(0, 0, 5)},
			{ID: "pro_features", StartedAt: start, ExpiresAt: &end},
			{ID: "unknown_sku", StartedAt: start},
		})
		require.True(t, ok)
		assert.Equal(t, "pro", rec.PlanID)
		assert.Equal(t, subscription.StatusActive, rec.Status)
		assert.Equal(t, start, rec.StartDate)
		assert.Equal(t, end, *rec.EndDate)
		assert.Equal(t, []string{"pro_features", "starter_features"}, rec.EntitlementIDs)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		ents := []subscription.Entitlement{{ID: "enterprise_features", StartedAt: start}}
		a, _ := m.RecordFromEntitlements(catalog, "u1", ents)
		b, _ := m.RecordFromEntitlements(catalog, "u1", ents)
		assert.True(t, a.SameContent(b))
	})

	t.Run("nothing mapped", func(t *testing.T) {
		_, ok := m.RecordFromEntitlements(catalog, "u1", []subscription.Entitlement{{ID: "unknown_sku"}})
		assert.False(t, ok)
	})
}
