package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_RunsQueuedJobs(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sup := NewSupervisor(store, NewWorker(store, &fakeConverter{}), WithMaxWorkers(2), WithPollInterval(20*time.Millisecond))

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, fmt.Sprintf("job-%d", i), textSpec(), []byte("x"))
		require.NoError(t, err)
	}

	require.NoError(t, sup.Start(ctx))
	assert.Equal(t, SupervisorRunning, sup.State())
	defer func() {
		require.NoError(t, sup.Stop(context.Background()))
	}()

	require.Eventually(t, func() bool {
		done, err := store.ListByStatus(ctx, StatusSucceeded)
		return err == nil && len(done) == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_BoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	conv := &fakeConverter{fn: func(context.Context, ConversionSpec, []byte) (*Artifact, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return &Artifact{Content: []byte("ok")}, nil
	}}
	sup := NewSupervisor(store, NewWorker(store, conv), WithMaxWorkers(2), WithPollInterval(10*time.Millisecond))

	for i := 0; i < 4; i++ {
		_, err := store.Create(ctx, fmt.Sprintf("b-%d", i), textSpec(), []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, sup.Start(ctx))

	require.Eventually(t, func() bool {
		return inFlight.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	assert.Len(t, sup.Active(), 2)

	close(release)
	require.Eventually(t, func() bool {
		done, err := store.ListByStatus(ctx, StatusSucceeded)
		return err == nil && len(done) == 4
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, int32(2), peak.Load())
}

func TestSupervisor_StartRecoversJobsLeftRunning(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	crashed, err := NewFileStore(root)
	require.NoError(t, err)
	_, err = crashed.Create(ctx, "stuck", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err := crashed.Claim(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	store, err := NewFileStore(root)
	require.NoError(t, err)
	sup := NewSupervisor(store, NewWorker(store, &fakeConverter{}), WithPollInterval(10*time.Millisecond))
	require.NoError(t, sup.Start(ctx))
	defer func() {
		_ = sup.Stop(context.Background())
	}()

	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, "stuck")
		return err == nil && rec.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestSupervisor_StopDrainsInFlightJobs(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	started := make(chan struct{})
	conv := &fakeConverter{fn: func(context.Context, ConversionSpec, []byte) (*Artifact, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return &Artifact{Content: []byte("ok")}, nil
	}}
	sup := NewSupervisor(store, NewWorker(store, conv), WithPollInterval(10*time.Millisecond))

	_, err = store.Create(ctx, "drain", textSpec(), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(stopCtx))
	assert.Equal(t, SupervisorStopped, sup.State())

	rec, err := store.Get(ctx, "drain")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
}

func TestSupervisor_StopTimeoutLeavesJobForRecovery(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	started := make(chan struct{})
	conv := &fakeConverter{fn: func(ctx context.Context, _ ConversionSpec, _ []byte) (*Artifact, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	sup := NewSupervisor(store, NewWorker(store, conv), WithPollInterval(10*time.Millisecond))

	_, err = store.Create(ctx, "hung", textSpec(), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sup.Stop(stopCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return len(sup.Active()) == 0
	}, time.Second, 5*time.Millisecond)
	rec, err := store.Get(ctx, "hung")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestSupervisor_WakeDispatchesBeforeNextTick(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sup := NewSupervisor(store, NewWorker(store, &fakeConverter{}), WithPollInterval(time.Hour))
	require.NoError(t, sup.Start(ctx))
	defer func() {
		_ = sup.Stop(context.Background())
	}()

	// let the initial pass finish on an empty store
	time.Sleep(20 * time.Millisecond)
	_, err = store.Create(ctx, "woken", textSpec(), []byte("x"))
	require.NoError(t, err)
	sup.Wake()

	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, "woken")
		return err == nil && rec.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}
