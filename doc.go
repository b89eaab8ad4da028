// Package steward coordinates the leader side of job dispatch in a
// distributed stream-processing cluster's control plane.
//
// Exactly one [Process] exists per leadership term. On Start it recovers
// the persisted job graph set from a shared [graph.Store], creates the
// [dispatcher.GatewayService] that executes jobs, and keeps the service's
// view of the job set consistent with concurrent mutations by other
// cluster members. Teardown runs exactly once, whether requested through
// CloseAsync or triggered by a fatal error.
//
// # Variants
//
// [NewSessionProcess] serves open-ended sessions: it registers as the
// store's mutation listener and serializes every add/remove notification
// behind the initial bulk recovery on an internal operation chain, so
// notifications are applied strictly in arrival order and never
// concurrently.
//
// [NewSingleJobProcess] is pre-loaded with one job graph and, when paired
// with a run-to-completion dispatcher service, terminates on its own once
// that job reaches a terminal outcome.
//
// # Failure handling
//
// Every asynchronous chain ends in a single fatal-error funnel: store
// failures and non-duplicate submission failures close the process and
// reach the configured [FatalErrorHandler] exactly once; duplicate
// submissions ([dispatcher.ErrDuplicateJob]) and errors from superseded
// work after close are absorbed. Restart policy belongs to the layer
// above — see the runner package for an elector-driven runner that spawns
// a fresh process per leadership term.
package steward
