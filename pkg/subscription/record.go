package subscription

import (
	"errors"
	"slices"
	"time"
)

// UsageCounters is the usage snapshot embedded in a subscription record.
type UsageCounters struct {
	Daily     int64     `json:"daily" bson:"daily"`
	Monthly   int64     `json:"monthly" bson:"monthly"`
	Total     int64     `json:"total" bson:"total"`
	LastReset time.Time `json:"lastReset" bson:"lastReset"`
}

// Record is a user's current plan and lifecycle state. Records are never
// deleted; cancellation and expiry are status transitions.
type Record struct {
	UserID         string        `json:"userId" bson:"userId"`
	PlanID         string        `json:"planId" bson:"planId"`
	Status         Status        `json:"status" bson:"status"`
	StartDate      time.Time     `json:"startDate" bson:"startDate"`
	EndDate        *time.Time    `json:"endDate,omitempty" bson:"endDate,omitempty"`
	Usage          UsageCounters `json:"usageCounters" bson:"usageCounters"`
	EntitlementIDs []string      `json:"entitlements,omitempty" bson:"entitlements,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// Validate checks the structural invariants of r.
func (r Record) Validate() error {
	if r.UserID == "" {
		return errors.Join(ErrInvalidRecord, ErrMissingUserID)
	}
	if r.PlanID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("plan ID is required"))
	}
	if !r.Status.Valid() {
		return errors.Join(ErrInvalidRecord, ErrInvalidStatus)
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return errors.Join(ErrInvalidRecord, errors.New("end date precedes start date"))
	}
	return nil
}

// Lapsed reports whether r is in the active class but its end date has passed.
func (r Record) Lapsed(now time.Time) bool {
	return r.Status.Entitled() && r.EndDate != nil && r.EndDate.Before(now)
}

// Normalize returns r with a lapsed active or trial status corrected to
// expired, and whether a correction was made.
func (r Record) Normalize(now time.Time) (Record, bool) {
	if !r.Lapsed(now) {
		return r, false
	}
	out := r.Clone()
	out.Status = StatusExpired
	return out, true
}

// EntitledAt reports whether r grants its plan at now. A cancelled record
// keeps its plan until the end of the paid period.
func (r Record) EntitledAt(now time.Time) bool {
	switch r.Status {
	case StatusActive, StatusTrial:
		return r.EndDate == nil || !r.EndDate.Before(now)
	case StatusCancelled:
		return r.EndDate != nil && r.EndDate.After(now)
	}
	return false
}

// SameContent compares everything except the server-assigned UpdatedAt.
func (r Record) SameContent(o Record) bool {
	return r.UserID == o.UserID &&
		r.PlanID == o.PlanID &&
		r.Status == o.Status &&
		r.StartDate.Equal(o.StartDate) &&
		equalTimePtr(r.EndDate, o.EndDate) &&
		r.Usage.Daily == o.Usage.Daily &&
		r.Usage.Monthly == o.Usage.Monthly &&
		r.Usage.Total == o.Usage.Total &&
		r.Usage.LastReset.Equal(o.Usage.LastReset) &&
		slices.Equal(r.EntitlementIDs, o.EntitlementIDs)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.EndDate != nil {
		end := *r.EndDate
		out.EndDate = &end
	}
	out.EntitlementIDs = slices.Clone(r.EntitlementIDs)
	return out
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
