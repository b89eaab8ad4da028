package k8s

import (
	"context"
	"sync"
	"testing"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/xraph/steward/id"
)

const testNS = "default"

// recordingListener collects leadership transitions.
type recordingListener struct {
	mu       sync.Mutex
	grants   []id.SessionID
	revoked  int
	granted  chan struct{}
	revoking chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		granted:  make(chan struct{}, 16),
		revoking: make(chan struct{}, 16),
	}
}

func (l *recordingListener) GrantLeadership(session id.SessionID) {
	l.mu.Lock()
	l.grants = append(l.grants, session)
	l.mu.Unlock()
	l.granted <- struct{}{}
}

func (l *recordingListener) RevokeLeadership() {
	l.mu.Lock()
	l.revoked++
	l.mu.Unlock()
	l.revoking <- struct{}{}
}

func (l *recordingListener) grantCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.grants)
}

func await(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// seedLease creates a lease held by the given identity, renewed now.
func seedLease(t *testing.T, cs *fake.Clientset, holder string, ttl time.Duration) {
	t.Helper()
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := int32(ttl.Seconds())
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: defaultLeaseName, Namespace: testNS},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: &ttlSec,
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}
	if _, err := cs.CoordinationV1().Leases(testNS).Create(context.Background(), lease, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create lease: %v", err)
	}
}

func TestAcquireCreatesLease(t *testing.T) {
	cs := fake.NewClientset()
	e := New(cs, testNS, "pod-a", WithRetryPeriod(10*time.Millisecond))

	ok, err := e.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected to acquire")
	}

	lease, err := cs.CoordinationV1().Leases(testNS).Get(context.Background(), defaultLeaseName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if got := *lease.Spec.HolderIdentity; got != "pod-a" {
		t.Errorf("holder identity: got %q, want %q", got, "pod-a")
	}
}

func TestAcquireContested(t *testing.T) {
	cs := fake.NewClientset()
	seedLease(t, cs, "pod-b", 30*time.Second)

	e := New(cs, testNS, "pod-a")
	ok, err := e.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("acquired a lease held by another live holder")
	}
}

func TestAcquireExpiredLease(t *testing.T) {
	cs := fake.NewClientset()
	// A lease whose renew time is far in the past.
	holder := "pod-dead"
	past := metav1.NewMicroTime(time.Now().UTC().Add(-time.Hour))
	ttlSec := int32(15)
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: defaultLeaseName, Namespace: testNS},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: &ttlSec,
			AcquireTime:          &past,
			RenewTime:            &past,
		},
	}
	if _, err := cs.CoordinationV1().Leases(testNS).Create(context.Background(), lease, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create lease: %v", err)
	}

	e := New(cs, testNS, "pod-a")
	ok, err := e.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected to take over an expired lease")
	}
}

func TestRenewNotHolder(t *testing.T) {
	cs := fake.NewClientset()
	seedLease(t, cs, "pod-b", 30*time.Second)

	e := New(cs, testNS, "pod-a")
	ok, err := e.renew(context.Background())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatal("renewed a lease held by another holder")
	}
}

func TestCampaignGrantsLeadership(t *testing.T) {
	cs := fake.NewClientset()
	e := New(cs, testNS, "pod-a", WithRetryPeriod(10*time.Millisecond))
	listener := newRecordingListener()

	if err := e.Start(context.Background(), listener); err != nil {
		t.Fatalf("start: %v", err)
	}
	await(t, "leadership grant", listener.granted)

	if n := listener.grantCount(); n != 1 {
		t.Errorf("grants = %d, want 1", n)
	}
	listener.mu.Lock()
	session := listener.grants[0]
	listener.mu.Unlock()
	if session.IsNil() {
		t.Error("granted session is nil")
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopReleasesLease(t *testing.T) {
	cs := fake.NewClientset()
	e := New(cs, testNS, "pod-a", WithRetryPeriod(10*time.Millisecond))
	listener := newRecordingListener()

	if err := e.Start(context.Background(), listener); err != nil {
		t.Fatalf("start: %v", err)
	}
	await(t, "leadership grant", listener.granted)

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	await(t, "leadership revoke", listener.revoking)

	lease, err := cs.CoordinationV1().Leases(testNS).Get(context.Background(), defaultLeaseName, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if got := *lease.Spec.HolderIdentity; got != "" {
		t.Errorf("holder identity after stop: got %q, want empty", got)
	}
}

func TestStartAfterStopFails(t *testing.T) {
	cs := fake.NewClientset()
	e := New(cs, testNS, "pod-a")

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Start(context.Background(), newRecordingListener()); err == nil {
		t.Fatal("expected start after stop to fail")
	}
}
