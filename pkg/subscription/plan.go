package subscription

import (
	"errors"
	"slices"
	"sort"
	"time"
)

// Plan is a named tier carrying quota limits and the providers it may call.
type Plan struct {
	ID                 string
	Name               string
	Rank               int   // higher ranks win when several entitlements are active
	DailyGenerations   int64 // Unlimited disables the daily window
	MonthlyGenerations int64 // Unlimited disables the monthly window
	Providers          []Provider
	TrialDays          int
}

// Plan identifiers of the default catalog.
const (
	PlanFree       = "free"
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// DefaultPlans returns the built-in catalog.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID: PlanFree, Name: "Free", Rank: 0,
			DailyGenerations: 5, MonthlyGenerations: 50,
			Providers: []Provider{ProviderGemini},
		},
		{
			ID: PlanStarter, Name: "Starter", Rank: 1,
			DailyGenerations: 25, MonthlyGenerations: 500,
			Providers: []Provider{ProviderGemini, ProviderMistral},
			TrialDays: 7,
		},
		{
			ID: PlanPro, Name: "Pro", Rank: 2,
			DailyGenerations: 100, MonthlyGenerations: 2000,
			Providers: []Provider{ProviderGemini, ProviderMistral, ProviderOpenAI, ProviderClaude},
			TrialDays: 7,
		},
		{
			ID: PlanEnterprise, Name: "Enterprise", Rank: 3,
			DailyGenerations: Unlimited, MonthlyGenerations: Unlimited,
			Providers: []Provider{ProviderAll},
		},
	}
}

// HasDailyLimit reports whether the daily window is enforced.
func (p Plan) HasDailyLimit() bool { return p.DailyGenerations != Unlimited }

// HasMonthlyLimit reports whether the monthly window is enforced.
func (p Plan) HasMonthlyLimit() bool { return p.MonthlyGenerations != Unlimited }

// AllowsProvider reports whether p may route to provider. An empty provider
// is always allowed.
func (p Plan) AllowsProvider(provider Provider) bool {
	if provider == "" {
		return true
	}
	return slices.Contains(p.Providers, ProviderAll) || slices.Contains(p.Providers, provider)
}

// Limits returns the generation limits of p as carried in usage stats.
func (p Plan) Limits() Limits {
	return Limits{Daily: p.DailyGenerations, Monthly: p.MonthlyGenerations}
}

// HasTrial reports whether p offers a free trial.
func (p Plan) HasTrial() bool { return p.TrialDays > 0 }

func (p Plan) clone() Plan {
	out := p
	out.Providers = slices.Clone(p.Providers)
	return out
}

func (p Plan) validate() error {
	if p.ID == "" {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("plan ID is required"))
	}
	if p.DailyGenerations < Unlimited || p.MonthlyGenerations < Unlimited {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("limits must be non-negative or Unlimited"))
	}
	return nil
}

// Catalog is an immutable set of plans with a fallback plan used for users
// without an entitled subscription.
type Catalog struct {
	plans    map[string]Plan
	fallback string
}

// NewCatalog copies plans into a catalog. The fallback is PlanFree when
// present, otherwise the lowest-ranked plan. Panics on an empty or invalid
// plan list, which is a programming error.
func NewCatalog(plans ...Plan) *Catalog {
	if len(plans) == 0 {
		panic("subscription: at least one plan is required")
	}
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if err := p.validate(); err != nil {
			panic(err)
		}
		c.plans[p.ID] = p.clone()
	}

	if _, ok := c.plans[PlanFree]; ok {
		c.fallback = PlanFree
	} else {
		c.fallback = c.Plans()[0].ID
	}
	return c
}

// DefaultCatalog is NewCatalog(DefaultPlans()...).
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultPlans()...)
}

// Get returns the plan with id.
func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p.clone(), nil
}

// Fallback returns the plan granted to users without an entitlement.
func (c *Catalog) Fallback() Plan {
	return c.plans[c.fallback].clone()
}

// Effective returns the plan rec grants at now, or the fallback plan when rec
// is nil, not entitled, or references an unknown plan.
func (c *Catalog) Effective(rec *Record, now time.Time) Plan {
	if rec == nil || !rec.EntitledAt(now) {
		return c.Fallback()
	}
	p, err := c.Get(rec.PlanID)
	if err != nil {
		return c.Fallback()
	}
	return p
}

// Plans returns all plans ordered by rank, then ID.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}
