// Package k8s provides leader election on Kubernetes using the
// coordination/v1 Lease API. The elector campaigns for a named Lease,
// mints a fresh leadership session on every acquisition, and revokes on
// renewal failure.
package k8s
