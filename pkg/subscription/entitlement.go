package subscription

import (
	"slices"
	"time"
)

// Entitlement is a billing-provider-confirmed right to a paid capability.
type Entitlement struct {
	ID        string
	StartedAt time.Time
	ExpiresAt *time.Time
}

// EntitlementMap maps billing entitlement identifiers to plan IDs.
type EntitlementMap map[string]string

// DefaultEntitlementMap returns the table for the default catalog.
func DefaultEntitlementMap() EntitlementMap {
	return EntitlementMap{
		"starter_features":    PlanStarter,
		"pro_features":        PlanPro,
		"enterprise_features": PlanEnterprise,
	}
}

// RecordFromEntitlements builds the subscription record implied by the
// active entitlements, picking the highest-ranked mapped plan. It returns
// false when no entitlement maps to a known plan.
//
// The start date is the chosen entitlement's own start, so repeated calls for
// unchanged entitlements produce identical records.
func (m EntitlementMap) RecordFromEntitlements(c *Catalog, userID string, ents []Entitlement) (Record, bool) {
	var (
		best    Plan
		bestEnt Entitlement
		found   bool
	)
	for _, e := range ents {
		planID, ok := m[e.ID]
		if !ok {
			continue
		}
		p, err := c.Get(planID)
		if err != nil {
			continue
		}
		if !found || p.Rank > best.Rank || (p.Rank == best.Rank && e.StartedAt.After(bestEnt.StartedAt)) {
			best, bestEnt, found = p, e, true
		}
	}
	if !found {
		return Record{}, false
	}

	ids := make([]string, 0, len(ents))
	for _, e := range ents {
		if _, ok := m[e.ID]; ok {
			ids = append(ids, e.ID)
		}
	}
	slices.Sort(ids)

	rec := Record{
		UserID:         userID,
		PlanID:         best.ID,
		Status:         StatusActive,
		StartDate:      bestEnt.StartedAt.UTC(),
		EntitlementIDs: slices.Compact(ids),
	}
	if bestEnt.ExpiresAt != nil {
		end := bestEnt.ExpiresAt.UTC()
		rec.EndDate = &end
	}
	return rec, true
}
