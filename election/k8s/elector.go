package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/xraph/steward/id"
	"github.com/xraph/steward/runner"
)

const (
	defaultLeaseName = "steward-leader"
	defaultTTL       = 15 * time.Second
)

// Compile-time check that Elector implements runner.Elector.
var _ runner.Elector = (*Elector)(nil)

// Elector campaigns for a coordination/v1 Lease. Exactly one elector per
// identity; the identity (typically the pod name) is what peers see as
// the lease holder.
type Elector struct {
	client      kubernetes.Interface
	namespace   string
	identity    string
	leaseName   string
	ttl         time.Duration
	retryPeriod time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Kubernetes lease elector. The clientset, namespace, and
// holder identity are required; use functional options for the rest.
func New(client kubernetes.Interface, namespace, identity string, opts ...Option) *Elector {
	e := &Elector{
		client:    client,
		namespace: namespace,
		identity:  identity,
		leaseName: defaultLeaseName,
		ttl:       defaultTTL,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.retryPeriod <= 0 {
		e.retryPeriod = e.ttl / 3
	}
	return e
}

// Start begins campaigning for the lease. Leadership transitions are
// delivered to listener from the campaign goroutine.
func (e *Elector) Start(_ context.Context, listener runner.ElectionListener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return fmt.Errorf("k8s: elector already stopped")
	}
	if e.started {
		return fmt.Errorf("k8s: elector already started")
	}

	e.started = true
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.campaign(e.stop, listener)
	return nil
}

// Stop ends campaigning and releases the lease if held. A revocation is
// delivered to the listener when leadership was held.
func (e *Elector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	if e.stop != nil {
		close(e.stop)
	}
	e.mu.Unlock()

	e.wg.Wait()
	return e.release(ctx)
}

// campaign is the acquire/renew loop. It holds no elector state besides
// the local leading flag; the lease is the source of truth.
func (e *Elector) campaign(stop <-chan struct{}, listener runner.ElectionListener) {
	defer e.wg.Done()

	var leading bool
	ticker := time.NewTicker(e.retryPeriod)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.retryPeriod)
		if leading {
			ok, err := e.renew(ctx)
			if err != nil {
				e.logger.Warn("lease renewal failed", slog.String("error", err.Error()))
			}
			if !ok {
				leading = false
				e.logger.Info("leadership lost", slog.String("lease", e.leaseName))
				listener.RevokeLeadership()
			}
		} else {
			ok, err := e.acquire(ctx)
			if err != nil {
				e.logger.Warn("lease acquisition failed", slog.String("error", err.Error()))
			}
			if ok {
				leading = true
				session := id.NewSessionID()
				e.logger.Info("leadership acquired",
					slog.String("lease", e.leaseName),
					slog.String("session_id", session.String()),
				)
				listener.GrantLeadership(session)
			}
		}
		cancel()

		select {
		case <-stop:
			if leading {
				listener.RevokeLeadership()
			}
			return
		case <-ticker.C:
		}
	}
}

// acquire attempts to take the lease: create it when absent, or claim it
// when expired, unheld, or already ours.
func (e *Elector) acquire(ctx context.Context) (bool, error) {
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := int32(e.ttl.Seconds())

	lease, err := e.client.CoordinationV1().Leases(e.namespace).Get(ctx, e.leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		newLease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      e.leaseName,
				Namespace: e.namespace,
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &e.identity,
				LeaseDurationSeconds: &ttlSec,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		_, createErr := e.client.CoordinationV1().Leases(e.namespace).Create(ctx, newLease, metav1.CreateOptions{})
		if createErr != nil {
			if errors.IsAlreadyExists(createErr) {
				return false, nil // race: someone else created it first
			}
			return false, fmt.Errorf("k8s: create lease: %w", createErr)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8s: get lease: %w", err)
	}

	if e.isHeldByOther(lease) {
		return false, nil
	}

	lease.Spec.HolderIdentity = &e.identity
	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.AcquireTime = &now
	lease.Spec.RenewTime = &now

	_, err = e.client.CoordinationV1().Leases(e.namespace).Update(ctx, lease, metav1.UpdateOptions{})
	if err != nil {
		return false, fmt.Errorf("k8s: update lease (acquire): %w", err)
	}
	return true, nil
}

// renew extends the hold on the lease. Returns false when the lease is
// gone or held by someone else.
func (e *Elector) renew(ctx context.Context) (bool, error) {
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := int32(e.ttl.Seconds())

	lease, err := e.client.CoordinationV1().Leases(e.namespace).Get(ctx, e.leaseName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("k8s: renew get lease: %w", err)
	}

	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != e.identity {
		return false, nil
	}

	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now

	_, err = e.client.CoordinationV1().Leases(e.namespace).Update(ctx, lease, metav1.UpdateOptions{})
	if err != nil {
		return false, fmt.Errorf("k8s: renew update lease: %w", err)
	}
	return true, nil
}

// release clears the holder identity so a successor can acquire without
// waiting out the TTL. Best-effort.
func (e *Elector) release(ctx context.Context) error {
	lease, err := e.client.CoordinationV1().Leases(e.namespace).Get(ctx, e.leaseName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("k8s: release get lease: %w", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != e.identity {
		return nil
	}

	empty := ""
	lease.Spec.HolderIdentity = &empty
	if _, err := e.client.CoordinationV1().Leases(e.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("k8s: release update lease: %w", err)
	}
	return nil
}

// isHeldByOther reports whether the lease has a live holder that is not
// us.
func (e *Elector) isHeldByOther(lease *coordinationv1.Lease) bool {
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" {
		return false
	}
	if *lease.Spec.HolderIdentity == e.identity {
		return false
	}
	return !isExpired(lease)
}

// isExpired returns true if the lease's renew time + duration is in the
// past.
func isExpired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	renewTime := lease.Spec.RenewTime.Time
	dur := time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	return time.Now().UTC().After(renewTime.Add(dur))
}
