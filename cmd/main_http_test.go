package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/docjobs/internal/config"
)

type fakeScheduler struct {
	called bool
}

func (f *fakeScheduler) Schedule(context.Context) error {
	f.called = true
	return nil
}

type fakeCron struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeCron) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeCron) Stop() context.Context {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return context.Background()
}

type fakeEngine struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func (f *fakeEngine) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

type fakeHTTP struct {
	listenCalled chan struct{}
	listenErr    error
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{Addr: "127.0.0.1:0"},
		Supervisor: config.SupervisorConfig{ShutdownTimeout: time.Second},
	}
}

func TestMain_StartsComponentsAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	janitor := &fakeScheduler{}
	cronEngine := &fakeCron{}
	engine := &fakeEngine{}
	httpSrv := newFakeHTTP()
	comps := &components{janitor: janitor, cron: cronEngine, engine: engine, http: httpSrv}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, testConfig(), comps)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, janitor.called)
	assert.True(t, cronEngine.started)
	assert.True(t, cronEngine.stopped)
	assert.True(t, engine.started)
	assert.True(t, engine.stopped)
}

func TestMain_HTTPFailureStopsEverything(t *testing.T) {
	engine := &fakeEngine{}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()
	httpSrv.listenErr = errors.New("address already in use")
	comps := &components{janitor: &fakeScheduler{}, cron: cronEngine, engine: engine, http: httpSrv}

	err := runWithComponents(context.Background(), testConfig(), comps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.True(t, engine.stopped)
	assert.True(t, cronEngine.stopped)
}

func TestMain_SupervisorStartFailure(t *testing.T) {
	cronEngine := &fakeCron{}
	comps := &components{
		janitor: &fakeScheduler{},
		cron:    cronEngine,
		engine:  &fakeEngine{startErr: errors.New("store unavailable")},
		http:    newFakeHTTP(),
	}

	err := runWithComponents(context.Background(), testConfig(), comps)
	require.Error(t, err)
	assert.True(t, cronEngine.stopped)
}
