package subscription

import (
	"maps"
	"time"
)

// TrialHistory records which plans a user has already trialled.
type TrialHistory struct {
	UserID string               `json:"userId" bson:"userId"`
	Trials map[string]time.Time `json:"trials" bson:"trials"`
}

// Used reports whether a trial of planID was already started.
func (h TrialHistory) Used(planID string) bool {
	_, ok := h.Trials[planID]
	return ok
}

// With returns h with a trial of planID started at now.
func (h TrialHistory) With(planID string, now time.Time) TrialHistory {
	out := TrialHistory{UserID: h.UserID, Trials: maps.Clone(h.Trials)}
	if out.Trials == nil {
		out.Trials = make(map[string]time.Time, 1)
	}
	out.Trials[planID] = now.UTC()
	return out
}

// StartTrial returns the trial record for plan, or an error when the plan
// has no trial or the user already used it.
func StartTrial(h TrialHistory, userID string, plan Plan, now time.Time) (Record, error) {
	if !plan.HasTrial() {
		return Record{}, ErrTrialNotAvailable
	}
	if h.Used(plan.ID) {
		return Record{}, ErrTrialAlreadyUsed
	}
	start := now.UTC()
	end := start.AddDate(0, 0, plan.TrialDays)
	return Record{
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    StatusTrial,
		StartDate: start,
		EndDate:   &end,
	}, nil
}
