package subscription

import (
	"maps"
	"time"
)

// Window key layouts. Keys are computed in the location of the time passed in,
// so callers control which calendar the windows follow.
const (
	dayKeyLayout   = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// DayKey identifies the daily usage window containing t, in t's location.
func DayKey(t time.Time) string { return t.Format(dayKeyLayout) }

// MonthKey identifies the monthly usage window containing t.
func MonthKey(t time.Time) string { return t.Format(monthKeyLayout) }

// Generations counts generations per window.
type Generations struct {
	Today     int64 `json:"today" bson:"today"`
	ThisMonth int64 `json:"thisMonth" bson:"thisMonth"`
	Total     int64 `json:"total" bson:"total"`
}

// Limits is the denormalized copy of the active plan's caps.
type Limits struct {
	Daily   int64 `json:"daily" bson:"daily"`
	Monthly int64 `json:"monthly" bson:"monthly"`
}

// ProviderUsage counts calls routed to one provider.
type ProviderUsage struct {
	Today     int64 `json:"today" bson:"today"`
	ThisMonth int64 `json:"thisMonth" bson:"thisMonth"`
}

// UsageStats holds usage counters labelled with the day and month they
// belong to. Counters only grow inside their labelled window; a new window is
// detected lazily by Rollover.
type UsageStats struct {
	Generations Generations              `json:"generations" bson:"generations"`
	Limits      Limits                   `json:"limits" bson:"limits"`
	ResetDate   time.Time                `json:"resetDate" bson:"resetDate"`
	DayKey      string                   `json:"dayKey" bson:"dayKey"`
	MonthKey    string                   `json:"monthKey" bson:"monthKey"`
	Providers   map[string]ProviderUsage `json:"providers,omitempty" bson:"providers,omitempty"`
}

// Rollover returns a copy of u as seen at now: windows whose key differs from
// now's are treated as starting from zero. Unlabelled stats adopt now's
// windows without resetting anything.
func (u UsageStats) Rollover(now time.Time) UsageStats {
	out := u.Clone()
	day, month := DayKey(now), MonthKey(now)

	if out.DayKey == "" && out.MonthKey == "" {
		out.DayKey, out.MonthKey = day, month
		return out
	}

	if out.MonthKey != month {
		out.Generations.ThisMonth = 0
		for p, pu := range out.Providers {
			pu.ThisMonth = 0
			out.Providers[p] = pu
		}
		out.MonthKey = month
		out.ResetDate = now
	}
	if out.DayKey != day {
		out.Generations.Today = 0
		for p, pu := range out.Providers {
			pu.Today = 0
			out.Providers[p] = pu
		}
		out.DayKey = day
		out.ResetDate = now
	}
	return out
}

// Increment rolls u over to now and adds amount to every window and to the
// provider's counters. Non-positive amounts only roll over.
func (u UsageStats) Increment(provider Provider, amount int64, now time.Time) UsageStats {
	out := u.Rollover(now)
	if amount <= 0 {
		return out
	}
	out.Generations.Today += amount
	out.Generations.ThisMonth += amount
	out.Generations.Total += amount

	if provider != "" {
		if out.Providers == nil {
			out.Providers = make(map[string]ProviderUsage)
		}
		pu := out.Providers[string(provider)]
		pu.Today += amount
		pu.ThisMonth += amount
		out.Providers[string(provider)] = pu
	}
	return out
}

// WithLimits returns u carrying plan's caps.
func (u UsageStats) WithLimits(plan Plan) UsageStats {
	out := u.Clone()
	out.Limits = plan.Limits()
	return out
}

// Consistent reports whether today <= thisMonth <= total holds. A violation
// is a data-quality signal, not an error.
func (u UsageStats) Consistent() bool {
	g := u.Generations
	return g.Today >= 0 && g.Today <= g.ThisMonth && g.ThisMonth <= g.Total
}

// Clone returns a deep copy of u.
func (u UsageStats) Clone() UsageStats {
	out := u
	out.Providers = maps.Clone(u.Providers)
	return out
}
