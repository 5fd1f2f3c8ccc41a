package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/docjobs/pkg/log"
)

const (
	DefaultMaxWorkers         = 2
	DefaultPollInterval       = time.Second
	DefaultRecoveryStaleAfter = 2 * time.Minute
)

// SupervisorState is the lifecycle state of a Supervisor.
type SupervisorState string

const (
	SupervisorStopped  SupervisorState = "STOPPED"
	SupervisorRunning  SupervisorState = "RUNNING"
	SupervisorStopping SupervisorState = "STOPPING"
)

// Supervisor polls the store for QUEUED jobs and runs them on a bounded
// number of workers. Each pass first sweeps expired jobs and requeues
// orphaned RUNNING jobs.
type Supervisor struct {
	store        *FileStore
	worker       *Worker
	maxWorkers   int
	pollInterval time.Duration
	staleAfter   time.Duration

	mu     sync.Mutex
	state  SupervisorState
	active map[string]struct{}
	slots  *semaphore.Weighted
	wakeCh chan struct{}

	stopLoop    context.CancelFunc
	abandonJobs context.CancelFunc
	loopWG      sync.WaitGroup
	jobWG       sync.WaitGroup
}

type SupervisorOption func(*Supervisor)

func WithMaxWorkers(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxWorkers = n
		}
	}
}

func WithPollInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithRecoveryStaleAfter sets how long a RUNNING job may go without a
// heartbeat before a periodic pass requeues it.
func WithRecoveryStaleAfter(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func NewSupervisor(store *FileStore, worker *Worker, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		store:        store,
		worker:       worker,
		maxWorkers:   DefaultMaxWorkers,
		pollInterval: DefaultPollInterval,
		staleAfter:   DefaultRecoveryStaleAfter,
		state:        SupervisorStopped,
		active:       make(map[string]struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.slots = semaphore.NewWeighted(int64(s.maxWorkers))
	return s
}

// Start recovers every RUNNING job left behind by a previous process and then
// begins polling. Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SupervisorStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = SupervisorRunning
	s.mu.Unlock()

	recovered, err := s.store.RecoverOrphans(ctx, s.snapshotActive(), 0)
	if err != nil {
		log.Warn("Startup recovery finished with errors: %v", err)
	}
	if len(recovered) > 0 {
		log.Info("Requeued %d jobs left running by a previous process", len(recovered))
	}

	jobCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stop := context.WithCancel(jobCtx)
	s.mu.Lock()
	s.stopLoop = stop
	s.abandonJobs = abandon
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.loop(loopCtx, jobCtx)
	s.Wake()
	return nil
}

// Stop ends polling and waits for in-flight jobs until ctx is done. Jobs still
// running when ctx expires are abandoned in RUNNING and picked up by the next
// startup recovery.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SupervisorRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = SupervisorStopping
	stop, abandon := s.stopLoop, s.abandonJobs
	s.mu.Unlock()
	stop()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		s.jobWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn("Supervisor stop timed out with %d jobs in flight", len(s.snapshotActive()))
	}
	abandon()

	s.mu.Lock()
	s.state = SupervisorStopped
	s.mu.Unlock()
	return err
}

// Wake triggers a dispatch pass without waiting for the next poll tick.
func (s *Supervisor) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the ids of jobs currently executing in this process.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]string, 0, len(s.active))
	for id := range s.active {
		ret = append(ret, id)
	}
	return ret
}

func (s *Supervisor) loop(ctx, jobCtx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		if s.State() != SupervisorRunning {
			return
		}
		s.tick(ctx, jobCtx)
	}
}

// tick runs one sweep, recovery and dispatch pass. Dispatched jobs run under
// jobCtx so that they outlive the polling loop during a graceful stop.
func (s *Supervisor) tick(ctx, jobCtx context.Context) {
	if report, err := s.store.SweepExpired(ctx); err != nil {
		log.Warn("Sweep finished with errors: %v", err)
	} else if report != (SweepReport{}) {
		log.WithFields(log.Fields{
			"raw_purged":        report.RawPurged,
			"tombstoned":        report.Tombstoned,
			"tombstones_purged": report.TombstonesPurged,
			"debris_removed":    report.DebrisRemoved,
		}).Info("Sweep reclaimed storage")
	}

	if _, err := s.store.RecoverOrphans(ctx, s.snapshotActive(), s.staleAfter); err != nil {
		log.Warn("Recovery finished with errors: %v", err)
	}

	queued, err := s.store.ListByStatus(ctx, StatusQueued)
	if err != nil {
		log.Error("Failed to list queued jobs: %v", err)
		return
	}
	for _, id := range queued {
		if ctx.Err() != nil {
			return
		}
		if !s.reserve(id) {
			continue
		}
		if !s.slots.TryAcquire(1) {
			s.release(id)
			return
		}
		s.jobWG.Add(1)
		go s.run(jobCtx, id)
	}
}

func (s *Supervisor) run(ctx context.Context, id string) {
	defer s.jobWG.Done()
	defer s.slots.Release(1)
	defer s.release(id)

	if err := s.worker.Execute(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		log.WithFields(log.Fields{log.FieldJobID: id}).WithError(err).Error("Job execution aborted")
	}
	// a freed slot may unblock queued work
	s.Wake()
}

func (s *Supervisor) reserve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Supervisor) snapshotActive() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(map[string]struct{}, len(s.active))
	for id := range s.active {
		ret[id] = struct{}{}
	}
	return ret
}
