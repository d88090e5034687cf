package subscription

import (
	"errors"
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusTrial:     {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:    {StatusCancelled, StatusExpired},
	StatusCancelled: {StatusActive, StatusExpired},
	StatusExpired:   {StatusActive, StatusTrial},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns rec moved to status to. Cancelling an open-ended record
// closes it at now.
func Transition(rec Record, to Status, now time.Time) (Record, error) {
	if !CanTransition(rec.Status, to) {
		return rec, errors.Join(ErrInvalidTransition, fmt.Errorf("%s -> %s", rec.Status, to))
	}
	out := rec.Clone()
	out.Status = to
	if to == StatusCancelled && out.EndDate == nil {
		end := now.UTC()
		out.EndDate = &end
	}
	return out, nil
}
