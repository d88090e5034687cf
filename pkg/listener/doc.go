// Package listener multiplexes realtime remote feeds.
//
// Subscribers of the same query share one remote subscription. The feed is
// opened by the first subscriber and closed when the last one leaves. Bursts
// of updates are debounced with one timer and one pending slot per group, so
// only the trailing update of a burst is decoded and delivered. A new
// subscriber immediately receives the last delivered batch.
//
// A failed feed is recreated after a fixed delay; subscribers stay
// registered meanwhile. A panicking callback is recovered and does not stop
// delivery to the others.
//
//	opt := listener.New(store, listener.JSONDecoder[subscription.Record]())
//	defer opt.Close()
//
//	q := remotestore.Where("subscriptions", remotestore.Eq("userId", userID))
//	unsubscribe, err := opt.Subscribe(ctx, q, "", func(recs []subscription.Record) {
//		// ...
//	})
package listener
