package reconciler

import "github.com/dmitrymomot/entitlements/pkg/subscription"

// Resolve picks the record to treat as the truth when local and remote
// disagree:
//
//  1. a missing side loses to the present one;
//  2. if exactly one side is active or trialling, it wins;
//  3. otherwise the later StartDate wins, and a tie goes to remote.
//
// Resolve returns one of its arguments and never mutates them.
func Resolve(local, remote *subscription.Record) *subscription.Record {
	switch {
	case local == nil:
		return remote
	case remote == nil:
		return local
	}

	if la, ra := local.Status.Entitled(), remote.Status.Entitled(); la != ra {
		if la {
			return local
		}
		return remote
	}
	if local.StartDate.After(remote.StartDate) {
		return local
	}
	return remote
}
