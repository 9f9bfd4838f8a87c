package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService is a controllable test double.
type fakeService struct {
	name     string
	startErr error
	stopErr  error
	healthy  atomic.Bool

	starts atomic.Int32
	stops  atomic.Int32
}

func newFakeService(name string) *fakeService {
	s := &fakeService{name: name}
	s.healthy.Store(true)
	return s
}

func (s *fakeService) Name() string           { return s.name }
func (s *fakeService) Capabilities() []string { return []string{"test"} }

func (s *fakeService) Start(ctx context.Context) error {
	s.starts.Add(1)
	return s.startErr
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.stops.Add(1)
	return s.stopErr
}

func (s *fakeService) HealthCheck(ctx context.Context) error {
	if !s.healthy.Load() {
		return errors.New("not feeling well")
	}
	return nil
}

// slowService never answers its health check.
type slowService struct {
	*fakeService
}

func (s *slowService) HealthCheck(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newFakeService("db"), "1.0"))
	assert.Error(t, r.Register(newFakeService("db"), "2.0"))
}

func TestStartStopLifecycle(t *testing.T) {
	r := New(nil)
	svc := newFakeService("pool")
	require.NoError(t, r.Register(svc, "1.0"))
	ctx := context.Background()

	info, err := r.Get("pool")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, info.Status)

	require.NoError(t, r.Start(ctx, "pool"))
	info, _ = r.Get("pool")
	assert.Equal(t, StatusRunning, info.Status)
	assert.False(t, info.StartedAt.IsZero())

	require.NoError(t, r.Stop(ctx, "pool"))
	info, _ = r.Get("pool")
	assert.Equal(t, StatusStopped, info.Status)

	assert.Equal(t, int32(1), svc.starts.Load())
	assert.Equal(t, int32(1), svc.stops.Load())
}

func TestStartRefusesWhileRunning(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newFakeService("pool"), "1.0"))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "pool"))
	assert.Error(t, r.Start(ctx, "pool"), "second start must be refused")
}

func TestStartFailureLandsInError(t *testing.T) {
	r := New(nil)
	svc := newFakeService("broken")
	svc.startErr = errors.New("no port")
	require.NoError(t, r.Register(svc, "1.0"))

	err := r.Start(context.Background(), "broken")
	require.Error(t, err)

	info, _ := r.Get("broken")
	assert.Equal(t, StatusError, info.Status)
	assert.Contains(t, info.LastError, "no port")
}

func TestStopStoppedIsNoop(t *testing.T) {
	r := New(nil)
	svc := newFakeService("idle")
	require.NoError(t, r.Register(svc, "1.0"))

	require.NoError(t, r.Stop(context.Background(), "idle"))
	assert.Equal(t, int32(0), svc.stops.Load())
}

func TestUnknownServiceErrors(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	assert.Error(t, r.Start(ctx, "ghost"))
	assert.Error(t, r.Stop(ctx, "ghost"))
	_, err := r.Get("ghost")
	assert.Error(t, err)
}

func TestListSnapshots(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(newFakeService("a"), "1.0"))
	require.NoError(t, r.Register(newFakeService("b"), "1.0"))

	infos := r.List()
	assert.Len(t, infos, 2)
}

func TestMonitorDemotesAndRecovers(t *testing.T) {
	r := New(nil, WithMonitorInterval(20*time.Millisecond))
	svc := newFakeService("flaky")
	require.NoError(t, r.Register(svc, "1.0"))
	require.NoError(t, r.Start(context.Background(), "flaky"))

	r.StartMonitor()
	defer r.StopMonitor()

	svc.healthy.Store(false)
	require.Eventually(t, func() bool {
		info, _ := r.Get("flaky")
		return info.Status == StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond, "failed health check must demote")

	svc.healthy.Store(true)
	require.Eventually(t, func() bool {
		info, _ := r.Get("flaky")
		return info.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond, "passing health check must restore")
}

func TestMonitorTimeoutMarksUnhealthy(t *testing.T) {
	r := New(nil, WithMonitorInterval(20*time.Millisecond))
	svc := &slowService{newFakeService("stuck")}
	require.NoError(t, r.Register(svc, "1.0"))
	require.NoError(t, r.Start(context.Background(), "stuck"))

	// Shrink the probe budget indirectly: the probe context is bounded by
	// HealthCheckTimeout, so this test just verifies the demotion path with
	// the sweep running against a never-answering check.
	r.StartMonitor()
	defer r.StopMonitor()

	require.Eventually(t, func() bool {
		info, _ := r.Get("stuck")
		return info.Status == StatusUnhealthy
	}, 10*time.Second, 50*time.Millisecond)
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	r := New(nil)
	bad := newFakeService("bad")
	bad.startErr = errors.New("boom")
	good := newFakeService("good")
	require.NoError(t, r.Register(bad, "1.0"))
	require.NoError(t, r.Register(good, "1.0"))

	err := r.StartAll(context.Background())
	assert.Error(t, err)

	info, _ := r.Get("good")
	assert.Equal(t, StatusRunning, info.Status)
}
