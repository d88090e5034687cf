// Package quota enforces per-plan generation limits.
//
// A Tracker reads the user's subscription and usage counters from a Source,
// usually backed by the cache layer, and answers whether an action is
// allowed. Denials are Decision values with a Reason; quota denials carry the
// time the window resets, provider denials do not.
//
// Windows reset lazily. Usage counters are labelled with the day and month
// they belong to and a label from the past is read as zero, so no background
// job is needed at midnight.
//
//	d, err := tracker.CanPerformAction(ctx, userID, quota.ActionGeneration, subscription.ProviderOpenAI)
//	if err != nil {
//		return err
//	}
//	if !d.Allowed {
//		return fmt.Errorf("denied: %s", d.Reason)
//	}
//	_, err = tracker.RecordUsage(ctx, userID, subscription.ProviderOpenAI, 1)
package quota
