package possqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-possync/internal/synctest"
)

func TestNewScheduler_IntervalFloor(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	require.Equal(t, MinSyncInterval, NewScheduler(client, time.Second, nil).Interval())
	require.Equal(t, DefaultSyncInterval, NewScheduler(client, 0, nil).Interval())
	require.Equal(t, time.Minute, NewScheduler(client, time.Minute, nil).Interval())
}

func TestScheduler_FullCycle(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	res, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	s := NewScheduler(client, time.Minute, nil, testBranch)
	report, err := s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.True(t, report.Bootstrapped)
	require.NotNil(t, report.Push)
	require.Equal(t, 1, report.Push.Accepted)
	require.Nil(t, report.PushErr)
	require.NotNil(t, report.Pull)
	require.Equal(t, 1, report.Pull.Pages)
	require.False(t, report.FinishedAt.Before(report.StartedAt))

	order, err := client.GetOrder(ctx, res.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, SyncSynced, order.SyncState)

	last, lastErr := s.LastCycle(testBranch)
	require.NoError(t, lastErr)
	require.Same(t, report, last)
	require.Equal(t, StateIdle, s.State(testBranch))

	// Second cycle: already registered and bootstrapped.
	report, err = s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.False(t, report.Bootstrapped)
	require.Zero(t, report.Push.Sent)
	require.Equal(t, 1, srv.Calls(synctest.EndpointRegister))
	require.Equal(t, 1, srv.Calls(synctest.EndpointBootstrap))
}

func TestScheduler_OfflineSkipsCycle(t *testing.T) {
	srv := newServer(t)
	client, _ := newTestClient(t, srv.URL)
	s := NewScheduler(client, time.Minute, ConnectivityFunc(func() bool { return false }), testBranch)

	report, err := s.Sync(context.Background(), testBranch)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Zero(t, srv.Calls(synctest.EndpointRegister))
}

func TestScheduler_PushFailureStillPulls(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	srv.FailPushes(1)
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	s := NewScheduler(client, time.Minute, nil, testBranch)
	report, err := s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.ErrorIs(t, report.PushErr, ErrTransportFailure)
	require.NotNil(t, report.Pull)
	require.Equal(t, 1, srv.Calls(synctest.EndpointPull))
	require.Equal(t, OutboxRetry, onlyEvent(t, client).Status)
}

func TestScheduler_BootstrapFailureStillPushes(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	srv.FailBootstraps(1)
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	res, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	s := NewScheduler(client, time.Minute, nil, testBranch)
	report, err := s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.ErrorIs(t, report.BootstrapErr, ErrTransportFailure)
	require.False(t, report.Bootstrapped)
	require.NotNil(t, report.Push)
	require.Equal(t, 1, report.Push.Accepted)
	require.Nil(t, report.Pull)
	require.Len(t, srv.Received(), 1)
	require.Zero(t, srv.Calls(synctest.EndpointPull))
	require.Equal(t, OutboxAcked, onlyEvent(t, client).Status)

	order, err := client.GetOrder(ctx, res.ClientOrderID)
	require.NoError(t, err)
	require.Equal(t, SyncSynced, order.SyncState)

	done, err := client.BootstrapDone(ctx, testBranch)
	require.NoError(t, err)
	require.False(t, done)

	// The next cycle retries the snapshot and pulls.
	report, err = s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.Nil(t, report.BootstrapErr)
	require.True(t, report.Bootstrapped)
	require.NotNil(t, report.Pull)
	require.Equal(t, 2, srv.Calls(synctest.EndpointBootstrap))
	require.Equal(t, 1, srv.Calls(synctest.EndpointPull))

	done, err = client.BootstrapDone(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, done)
}

func TestScheduler_RevokedDeviceReRegistersAfterBootstrap(t *testing.T) {
	srv := newServer(t)
	client, _ := registeredClient(t, srv)
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
	dc, err := client.DeviceContext(ctx, testBranch)
	require.NoError(t, err)
	srv.RevokeDevice(dc.DeviceID)

	s := NewScheduler(client, time.Minute, nil, testBranch)
	report, err := s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.ErrorIs(t, report.BootstrapErr, ErrTransportFailure)
	require.ErrorIs(t, report.PushErr, ErrNotRegistered)
	require.Nil(t, report.Pull)
	require.Equal(t, OutboxPending, onlyEvent(t, client).Status)

	report, err = s.Sync(ctx, testBranch)
	require.NoError(t, err)
	require.True(t, report.Bootstrapped)
	require.Equal(t, 1, report.Push.Accepted)
	require.Equal(t, 2, srv.Calls(synctest.EndpointRegister))
}

func TestScheduler_RegistrationFailureAbortsCycle(t *testing.T) {
	srv := newServer(t)
	srv.FailRegistration(true)
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	s := NewScheduler(client, time.Minute, nil, testBranch)
	_, err := s.Sync(ctx, testBranch)
	require.ErrorIs(t, err, ErrRegistrationFailed)
	require.Zero(t, srv.Calls(synctest.EndpointBootstrap))

	_, lastErr := s.LastCycle(testBranch)
	require.ErrorIs(t, lastErr, ErrRegistrationFailed)

	// Local commits are unaffected.
	_, err = client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)
}

func TestScheduler_ConcurrentCyclesDoNotDoublePush(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	s := NewScheduler(client, time.Minute, nil, testBranch)
	release := srv.HoldPushes()
	defer release()

	var wg sync.WaitGroup
	reports := make([]*CycleReport, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = s.Sync(ctx, testBranch)
		}()
	}

	require.Eventually(t, func() bool {
		return srv.Calls(synctest.EndpointPush) == 1 && s.inFlight(testBranch) == 2
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, s.State(testBranch))
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		require.NotNil(t, reports[i])
	}
	require.Equal(t, 1, srv.Calls(synctest.EndpointPush))
	require.Len(t, srv.Received(), 1)
	require.Equal(t, OutboxAcked, onlyEvent(t, client).Status)
	require.Equal(t, StateIdle, s.State(testBranch))
	require.Zero(t, s.inFlight(testBranch))
}

func TestScheduler_CommitWakesRunLoop(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	s := NewScheduler(client, time.Hour, nil)
	s.Start(ctx)
	defer s.Stop()

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, err := client.ListOutbox(ctx, testBranch, OutboxAcked)
		return err == nil && len(ev) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, srv.Received(), 1)
}

func TestScheduler_ReconnectSyncsAllBranches(t *testing.T) {
	srv := newServer(t)
	srv.SetSnapshot(snapshot())
	client, _ := newTestClient(t, srv.URL)
	ctx := context.Background()

	var online atomic.Bool
	s := NewScheduler(client, time.Hour, ConnectivityFunc(online.Load), testBranch)

	_, err := client.CommitSale(ctx, testBranch, twoItemSale())
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		last, _ := s.LastCycle(testBranch)
		return last != nil && last.Skipped
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, srv.Calls(synctest.EndpointRegister))

	online.Store(true)
	s.NotifyReconnect()

	require.Eventually(t, func() bool {
		return len(srv.Received()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	client, _ := newTestClient(t, "http://unused")
	s := NewScheduler(client, time.Hour, ConnectivityFunc(func() bool { return false }), testBranch)

	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	require.Equal(t, StateIdle, s.State(testBranch))
}
