package jobs

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MimeLyc/docjobs/pkg/log"
)

const DefaultHeartbeatInterval = 5 * time.Second

// Worker executes one job at a time on behalf of the supervisor.
type Worker struct {
	store             *FileStore
	converter         Converter
	sink              ArtifactSink
	heartbeatInterval time.Duration
	graceDelay        time.Duration
}

type WorkerOption func(*Worker)

func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatInterval = d
		}
	}
}

// WithGraceDelay makes the worker wait d after claiming a job, giving a
// quick cancel the chance to land before any conversion work starts.
func WithGraceDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.graceDelay = d
	}
}

func WithArtifactSink(sink ArtifactSink) WorkerOption {
	return func(w *Worker) {
		w.sink = sink
	}
}

func NewWorker(store *FileStore, converter Converter, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:             store,
		converter:         converter,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute claims and runs jobID. Losing the claim is not an error. Conversion
// failures are recorded on the job, not returned; the returned error only
// reports store failures that left the job's state unknown.
func (w *Worker) Execute(ctx context.Context, jobID string) error {
	logger := log.WithFields(log.Fields{log.FieldJobID: jobID, log.FieldComponent: "worker"})

	attempt, err := w.store.Claim(ctx, jobID)
	if err != nil {
		if IsCode(err, CodeNotFound) || IsCode(err, CodeExpired) {
			return nil
		}
		return fmt.Errorf("claim %s: %w", jobID, err)
	}
	if attempt == 0 {
		logger.Debug("Job already claimed or no longer queued")
		return nil
	}
	logger = logger.WithField("attempt", attempt)
	logger.Info("Claimed job")

	// beats from the claim on, so the grace wait never looks stale
	hb := startHeartbeat(ctx, w.store, jobID, attempt, w.heartbeatInterval)
	defer hb.stop()

	rec, err := w.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load claimed job %s: %w", jobID, err)
	}

	timings := PhaseTimings{}
	if w.graceDelay > 0 {
		start := time.Now()
		select {
		case <-time.After(w.graceDelay):
		case <-ctx.Done():
			// left RUNNING for recovery
			return ctx.Err()
		}
		timings.Add(PhaseGrace, time.Since(start))
	}

	alive, err := w.store.TouchHeartbeat(ctx, jobID, attempt)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	if !alive {
		logger.Info("Job left RUNNING before conversion started, skipping")
		return nil
	}

	payload, err := w.store.ReadInput(ctx, jobID)
	if err != nil {
		return w.finishFailed(ctx, jobID, attempt, err, timings)
	}
	staged, err := w.store.SetStage(ctx, jobID, attempt, StageConverting)
	if err != nil {
		return fmt.Errorf("set stage of %s: %w", jobID, err)
	}
	if !staged {
		logger.Info("Job left RUNNING before conversion started, skipping")
		return nil
	}
	_ = w.store.AppendLog(ctx, jobID, fmt.Sprintf("attempt %d: converting with backend %s", attempt, rec.Spec.Backend))

	start := time.Now()
	art, convErr := w.convert(ctx, rec.Spec, payload)
	timings.Add(PhaseConvert, time.Since(start))
	hb.stop()

	if convErr != nil {
		if ctx.Err() != nil {
			logger.Warn("Conversion interrupted by shutdown, leaving job for recovery")
			return ctx.Err()
		}
		return w.finishFailed(ctx, jobID, attempt, convErr, timings)
	}
	return w.finishSucceeded(ctx, jobID, attempt, art, timings)
}

// convert calls the collaborator and turns a panic into an internal error.
func (w *Worker) convert(ctx context.Context, spec ConversionSpec, payload []byte) (art *Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(CodeInternal, fmt.Sprintf("converter panic: %v", r)).
				WithDetail("stack", string(debug.Stack()))
		}
	}()
	art, err = w.converter.Convert(ctx, spec, payload)
	if err == nil && art == nil {
		err = NewError(CodeInternal, "converter returned no artifact")
	}
	return art, err
}

func (w *Worker) finishSucceeded(ctx context.Context, jobID string, attempt int, art *Artifact, timings PhaseTimings) error {
	logger := log.WithFields(log.Fields{log.FieldJobID: jobID, log.FieldComponent: "worker", "attempt": attempt})
	rec, err := w.store.MarkSucceeded(ctx, jobID, attempt, art, timings)
	if err != nil {
		if IsCode(err, CodeStateConflict) || IsCode(err, CodeExpired) || IsCode(err, CodeNotFound) {
			logger.WithError(err).Info("Job was finalized elsewhere, discarding result")
			return nil
		}
		return fmt.Errorf("mark %s succeeded: %w", jobID, err)
	}
	_ = w.store.AppendLog(ctx, jobID, fmt.Sprintf("succeeded: %d bytes (%s)", rec.Result.ArtifactSize, rec.Result.ArtifactDigest))
	logger.Info("Job succeeded")

	if w.sink != nil {
		if err := w.sink.PutArtifact(ctx, rec, art.Content); err != nil {
			logger.WithError(err).Warn("Failed to mirror artifact")
		}
	}
	return nil
}

func (w *Worker) finishFailed(ctx context.Context, jobID string, attempt int, cause error, timings PhaseTimings) error {
	logger := log.WithFields(log.Fields{log.FieldJobID: jobID, log.FieldComponent: "worker", "attempt": attempt})
	failure := failureFrom(cause)
	_, err := w.store.MarkFailed(ctx, jobID, attempt, failure, timings)
	if err != nil {
		if IsCode(err, CodeStateConflict) || IsCode(err, CodeExpired) || IsCode(err, CodeNotFound) {
			logger.WithError(err).Info("Job was finalized elsewhere, discarding failure")
			return nil
		}
		return fmt.Errorf("mark %s failed: %w", jobID, err)
	}
	_ = w.store.AppendLog(ctx, jobID, fmt.Sprintf("failed: %s: %s", failure.Code, failure.Message))
	logger.WithField(log.FieldErrorCode, failure.Code).Warn("Job failed: " + failure.Message)
	return nil
}

// failureFrom maps an execution error to the persisted failure payload.
func failureFrom(err error) Failure {
	e := AsError(err)
	code := e.Code
	retryable := e.Retryable
	details := e.Details
	switch code {
	case CodeBackendInput, CodeBackendExecution, CodeInternal:
	case CodeBackendResourceUnavailable:
		details = maps.Clone(details)
		if details == nil {
			details = map[string]any{}
		}
		details["infra"] = true
	case CodeNotFound:
		// the raw input was purged before the job could run
		code = CodeBackendInput
		retryable = false
	default:
		code = CodeInternal
		retryable = true
	}
	return Failure{
		Code:      code,
		Message:   e.Message,
		Retryable: retryable,
		Details:   details,
	}
}

type heartbeat struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startHeartbeat touches the job every interval until stop is called or
// attempt no longer holds the job.
func startHeartbeat(ctx context.Context, store *FileStore, jobID string, attempt int, interval time.Duration) *heartbeat {
	hctx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{cancel: cancel}
	hb.wg.Add(1)
	go func() {
		defer hb.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				alive, err := store.TouchHeartbeat(hctx, jobID, attempt)
				if err != nil {
					log.WithFields(log.Fields{log.FieldJobID: jobID}).WithError(err).Warn("Heartbeat failed")
					if IsCode(err, CodeNotFound) || IsCode(err, CodeExpired) {
						return
					}
					continue
				}
				if !alive {
					return
				}
			}
		}
	}()
	return hb
}

// stop is safe to call more than once.
func (h *heartbeat) stop() {
	h.cancel()
	h.wg.Wait()
}
