package subscription

import (
	"encoding/json"
	"errors"
	"time"
)

// UsageShape tags which layout a stored usage document uses.
type UsageShape string

const (
	UsageShapeNested UsageShape = "nested"
	UsageShapeFlat   UsageShape = "flat"
)

// UsageDocument is the stored form of usage statistics. Older clients wrote a
// flat layout (daily/monthly/total/lastReset); current clients write the
// nested one. Decode into UsageDocument and call Migrate once to get
// UsageStats; nothing else should look at the raw fields.
type UsageDocument struct {
	Generations *Generations             `json:"generations,omitempty" bson:"generations,omitempty"`
	Limits      *Limits                  `json:"limits,omitempty" bson:"limits,omitempty"`
	ResetDate   *time.Time               `json:"resetDate,omitempty" bson:"resetDate,omitempty"`
	DayKey      string                   `json:"dayKey,omitempty" bson:"dayKey,omitempty"`
	MonthKey    string                   `json:"monthKey,omitempty" bson:"monthKey,omitempty"`
	Providers   map[string]ProviderUsage `json:"providers,omitempty" bson:"providers,omitempty"`

	Daily        *int64     `json:"daily,omitempty" bson:"daily,omitempty"`
	Monthly      *int64     `json:"monthly,omitempty" bson:"monthly,omitempty"`
	Total        *int64     `json:"total,omitempty" bson:"total,omitempty"`
	LastReset    *time.Time `json:"lastReset,omitempty" bson:"lastReset,omitempty"`
	DailyLimit   *int64     `json:"dailyLimit,omitempty" bson:"dailyLimit,omitempty"`
	MonthlyLimit *int64     `json:"monthlyLimit,omitempty" bson:"monthlyLimit,omitempty"`
}

// NewUsageDocument returns the nested document for u.
func NewUsageDocument(u UsageStats) UsageDocument {
	g, l, reset := u.Generations, u.Limits, u.ResetDate
	return UsageDocument{
		Generations: &g,
		Limits:      &l,
		ResetDate:   &reset,
		DayKey:      u.DayKey,
		MonthKey:    u.MonthKey,
		Providers:   u.Clone().Providers,
	}
}

// Shape classifies d. A document carrying generations is nested; one carrying
// any flat counter is flat; an empty document is treated as nested.
func (d UsageDocument) Shape() UsageShape {
	if d.Generations == nil && (d.Daily != nil || d.Monthly != nil || d.Total != nil) {
		return UsageShapeFlat
	}
	return UsageShapeNested
}

// Migrate converts d to UsageStats. Flat counters are labelled with the
// windows of their lastReset, so Rollover zeroes them once those windows pass.
func (d UsageDocument) Migrate() UsageStats {
	if d.Shape() == UsageShapeFlat {
		return d.migrateFlat()
	}

	var u UsageStats
	if d.Generations != nil {
		u.Generations = *d.Generations
	}
	if d.Limits != nil {
		u.Limits = *d.Limits
	}
	if d.ResetDate != nil {
		u.ResetDate = *d.ResetDate
	}
	u.DayKey, u.MonthKey = d.DayKey, d.MonthKey
	u.Providers = d.Clone().Providers
	return u
}

func (d UsageDocument) migrateFlat() UsageStats {
	var u UsageStats
	u.Generations = Generations{
		Today:     deref(d.Daily),
		ThisMonth: deref(d.Monthly),
		Total:     deref(d.Total),
	}
	u.Limits = Limits{Daily: Unlimited, Monthly: Unlimited}
	if d.DailyLimit != nil {
		u.Limits.Daily = *d.DailyLimit
	}
	if d.MonthlyLimit != nil {
		u.Limits.Monthly = *d.MonthlyLimit
	}
	if d.LastReset != nil && !d.LastReset.IsZero() {
		u.ResetDate = *d.LastReset
		u.DayKey = DayKey(*d.LastReset)
		u.MonthKey = MonthKey(*d.LastReset)
	}
	return u
}

// Clone returns a copy of d with its own provider map.
func (d UsageDocument) Clone() UsageDocument {
	out := d
	if d.Providers != nil {
		out.Providers = make(map[string]ProviderUsage, len(d.Providers))
		for k, v := range d.Providers {
			out.Providers[k] = v
		}
	}
	return out
}

// DecodeUsage parses a JSON usage document of either shape.
func DecodeUsage(data []byte) (UsageStats, UsageShape, error) {
	var d UsageDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return UsageStats{}, "", errors.Join(ErrMalformedUsage, err)
	}
	return d.Migrate(), d.Shape(), nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
