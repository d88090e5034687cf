package entitlements

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/entitlements/pkg/requestid"
)

// CollectionEvents holds analytics events.
const CollectionEvents = "subscription_events"

// Analytics event types.
const (
	EventSubscriptionSynced    = "subscription_synced"
	EventUsageRecorded         = "usage_recorded"
	EventPurchaseCompleted     = "purchase_completed"
	EventPurchasesRestored     = "purchases_restored"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventTrialStarted          = "trial_started"
)

// Event is an analytics record shipped to the remote store.
type Event struct {
	ID         string         `json:"id" bson:"id"`
	Type       string         `json:"type" bson:"type"`
	UserID     string         `json:"userId" bson:"userId"`
	SessionID  string         `json:"sessionId" bson:"sessionId"`
	RequestID  string         `json:"requestId,omitempty" bson:"requestId,omitempty"`
	Properties map[string]any `json:"properties,omitempty" bson:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
}

// track ships an event in the background. Delivery is best effort.
func (e *Engine) track(ctx context.Context, typ, userID string, props map[string]any) {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		SessionID:  e.id,
		RequestID:  requestid.FromContext(ctx),
		Properties: props,
		Timestamp:  e.now().UTC(),
	}
	e.queue.Submit("event."+typ, func(ctx context.Context) error {
		return e.remote.Set(ctx, CollectionEvents, ev.ID, ev)
	})
}
