// Package subscription implements the registry mapping client-facing
// proxy subscription ids onto upstream subscription ids.
//
// The Registry:
//   - Enforces one subscription per client connection
//   - Resolves the race between client cancellation and an in-flight
//     upstream create (tri-state pending/active/cancelled)
//   - Defers upstream teardown by a grace period, allowing fast
//     resubscribes to resurrect a departing subscription
//   - Rewrites upstream ids to proxy ids when forwarding notifications
//   - Re-establishes every active subscription after an upstream
//     reconnect without changing client-visible ids
package subscription
