// Package dispatcher defines the gateway service contract a leader
// process drives, plus a default in-process implementation.
//
// The leader process never executes jobs itself. After recovering the
// persisted job graph set it asks a [Factory] for one [GatewayService]
// scoped to its fencing token; external callers then submit jobs through
// the [Gateway]. The service reports voluntary shutdown through its
// shutdown future and is closed asynchronously during leader teardown.
//
// [Service] is the in-process product: one runner goroutine per tracked
// job, retry backoff, and an optional run-to-completion mode where the
// shutdown future fires once every job reached a terminal outcome.
// Deployments with a remote execution runtime implement [GatewayService]
// over their own transport and classify their duplicate-submission
// condition by wrapping [ErrDuplicateJob].
package dispatcher
