package k8s

import (
	"log/slog"
	"time"
)

// Option configures an Elector.
type Option func(*Elector)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Elector) { e.logger = l }
}

// WithLeaseName sets the Lease object name used for leader election.
// Default: "steward-leader".
func WithLeaseName(name string) Option {
	return func(e *Elector) { e.leaseName = name }
}

// WithTTL sets the lease duration. A leader that fails to renew within
// the TTL is considered gone by its peers. Default: 15s.
func WithTTL(ttl time.Duration) Option {
	return func(e *Elector) { e.ttl = ttl }
}

// WithRetryPeriod sets how often the elector attempts to acquire or
// renew the lease. Default: TTL / 3.
func WithRetryPeriod(d time.Duration) Option {
	return func(e *Elector) { e.retryPeriod = d }
}
