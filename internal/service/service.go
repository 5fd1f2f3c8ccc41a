package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/pkg/log"
)

// Service is the transport-facing contract over the job engine.
type Service struct {
	store    *jobs.FileStore
	index    IdempotencyIndex
	waker    Waker
	backends BackendCatalog

	waitPoll        time.Duration
	maxWait         time.Duration
	maxPayloadBytes int64
	newID           func() (string, error)

	group  singleflight.Group
	callID atomic.Uint64
}

type Option func(*Service)

func WithWaker(w Waker) Option {
	return func(s *Service) {
		s.waker = w
	}
}

func WithBackendCatalog(c BackendCatalog) Option {
	return func(s *Service) {
		s.backends = c
	}
}

// WithWait sets the poll interval and the upper bound of a synchronous wait.
func WithWait(poll, max time.Duration) Option {
	return func(s *Service) {
		if poll > 0 {
			s.waitPoll = poll
		}
		if max > 0 {
			s.maxWait = max
		}
	}
}

func WithMaxPayloadBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPayloadBytes = n
		}
	}
}

func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

func New(store *jobs.FileStore, index IdempotencyIndex, opts ...Option) *Service {
	s := &Service{
		store:           store,
		index:           index,
		waitPoll:        DefaultWaitPoll,
		maxWait:         DefaultMaxWait,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		newID:           newJobID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newJobID returns a time-ordered UUID so that listing by name is roughly FIFO.
func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Fingerprint identifies the content of a submission: the normalized spec
// and the payload digest.
func Fingerprint(spec jobs.ConversionSpec, payload []byte) string {
	specJSON, _ := json.Marshal(spec.Normalize())
	payloadSum := sha256.Sum256(payload)
	h := sha256.New()
	h.Write(specJSON)
	h.Write(payloadSum[:])
	return hex.EncodeToString(h.Sum(nil))
}

type createOutcome struct {
	job         *jobs.JobRecord
	created     bool
	fingerprint string
	leader      uint64
	err         error
}

// createShared runs createIfAbsent once per scope key across concurrent
// callers. Only the caller whose request ran reports created=true; an error
// produced by another caller's request is retried with our own.
func (s *Service) createShared(ctx context.Context, scope, key, fingerprint string, spec jobs.ConversionSpec, payload []byte) (*createOutcome, error) {
	for attempt := 0; ; attempt++ {
		me := s.callID.Add(1)
		v, _, _ := s.group.Do(scope, func() (any, error) {
			o, err := s.createIfAbsent(ctx, scope, key, fingerprint, spec, payload)
			if err != nil {
				o = &createOutcome{err: err}
			}
			o.leader = me
			return o, nil
		})
		o := v.(*createOutcome)
		mine := o.leader == me
		if o.err != nil {
			if mine || attempt > 0 {
				return nil, o.err
			}
			continue
		}
		return &createOutcome{
			job:         o.job,
			created:     o.created && mine,
			fingerprint: o.fingerprint,
		}, nil
	}
}

// Create validates and persists a submission. With an idempotency key, a
// replay of the same content returns the original job and a reuse of the key
// for different content fails with IDEMPOTENCY_CONFLICT.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.Spec.Validate(); err != nil {
		return nil, err
	}
	spec := req.Spec.Normalize()
	if s.backends != nil && !s.backends.Has(spec.Backend) {
		return nil, invalidRequest("unknown backend %q", spec.Backend).WithDetail("backend", spec.Backend)
	}
	if int64(len(req.Payload)) > s.maxPayloadBytes {
		return nil, invalidRequest("payload of %d bytes exceeds the limit of %d", len(req.Payload), s.maxPayloadBytes)
	}
	fingerprint := Fingerprint(spec, req.Payload)

	var out *createOutcome
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		job, err := s.createJob(ctx, spec, req.Payload)
		if err != nil {
			return nil, err
		}
		out = &createOutcome{job: job, created: true, fingerprint: fingerprint}
	} else {
		scope := scopeKey(req.Scope, key)
		shared, err := s.createShared(ctx, scope, key, fingerprint, spec, req.Payload)
		if err != nil {
			return nil, err
		}
		// a concurrent caller with the same key may have produced this outcome
		if shared.fingerprint != fingerprint {
			return nil, idempotencyConflict(key, shared.job.JobID)
		}
		out = shared
	}

	if out.created && s.waker != nil {
		s.waker.Wake()
	}

	job := out.job
	if req.Wait > 0 {
		job = s.wait(ctx, job, min(req.Wait, s.maxWait))
	}
	return &CreateResult{Job: job, Created: out.created}, nil
}

func (s *Service) createIfAbsent(ctx context.Context, scope, key, fingerprint string, spec jobs.ConversionSpec, payload []byte) (*createOutcome, error) {
	existing, ok, err := s.index.GetIdempotency(ctx, scope)
	if err != nil {
		return nil, internalError("read idempotency index", err)
	}
	if ok {
		if existing.Fingerprint != fingerprint {
			return nil, idempotencyConflict(key, existing.JobID)
		}
		job, err := s.store.Get(ctx, existing.JobID)
		if err == nil {
			return &createOutcome{job: job, fingerprint: fingerprint}, nil
		}
		if !jobs.IsCode(err, jobs.CodeNotFound) && !jobs.IsCode(err, jobs.CodeExpired) {
			return nil, err
		}
		log.WithFields(log.Fields{log.FieldJobID: existing.JobID}).
			Info("Idempotency key points at a job that no longer exists, creating a new one")
	}

	job, err := s.createJob(ctx, spec, payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.index.PutIdempotency(ctx, scope, fingerprint, job.JobID); err != nil {
		// an unbound job would run without the client ever learning its id
		if _, cerr := s.store.MarkCanceled(ctx, job.JobID); cerr != nil {
			log.Error("Failed to cancel unbound job %s: %v", job.JobID, cerr)
		}
		return nil, internalError("write idempotency index", err)
	}
	return &createOutcome{job: job, created: true, fingerprint: fingerprint}, nil
}

func (s *Service) createJob(ctx context.Context, spec jobs.ConversionSpec, payload []byte) (*jobs.JobRecord, error) {
	id, err := s.newID()
	if err != nil {
		return nil, internalError("generate job id", err)
	}
	job, err := s.store.Create(ctx, id, spec, payload)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		log.FieldJobID: job.JobID,
		"backend":      spec.Backend,
		"source":       spec.SourceFormat,
		"target":       spec.TargetFormat,
		"size":         job.Input.Size,
	}).Info("Accepted job")
	return job, nil
}

// wait polls the job until it is terminal, the timeout elapses or ctx ends,
// and returns the latest record seen.
func (s *Service) wait(ctx context.Context, job *jobs.JobRecord, timeout time.Duration) *jobs.JobRecord {
	if job.Status.Terminal() {
		return job
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.waitPoll)
	defer ticker.Stop()

	latest := job
	for {
		select {
		case <-ctx.Done():
			return latest
		case <-timer.C:
			return latest
		case <-ticker.C:
			rec, err := s.store.Get(ctx, job.JobID)
			if err != nil {
				return latest
			}
			latest = rec
			if rec.Status.Terminal() {
				return latest
			}
		}
	}
}

func (s *Service) Get(ctx context.Context, jobID string) (*jobs.JobRecord, error) {
	return s.store.Get(ctx, jobID)
}

// Cancel requests cancellation. It is idempotent for canceled jobs and a
// STATE_CONFLICT for jobs that already finished otherwise.
func (s *Service) Cancel(ctx context.Context, jobID string) (*jobs.JobRecord, error) {
	rec, err := s.store.MarkCanceled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{log.FieldJobID: jobID}).Info("Job canceled")
	return rec, nil
}

// Artifact returns the produced artifact of a SUCCEEDED job.
func (s *Service) Artifact(ctx context.Context, jobID string) ([]byte, *jobs.JobRecord, error) {
	return s.store.ReadArtifact(ctx, jobID)
}

// List returns the records of all jobs, optionally filtered by status.
// Jobs that expire or vanish while listing are skipped.
func (s *Service) List(ctx context.Context, status jobs.Status) ([]*jobs.JobRecord, error) {
	if status != "" && !status.Valid() {
		return nil, invalidRequest("unknown status %q", status)
	}
	var (
		ids []string
		err error
	)
	if status == "" {
		ids, err = s.store.List(ctx)
	} else {
		ids, err = s.store.ListByStatus(ctx, status)
	}
	if err != nil {
		return nil, err
	}
	ret := make([]*jobs.JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.store.Get(ctx, id)
		if err != nil {
			if jobs.IsCode(err, jobs.CodeNotFound) || jobs.IsCode(err, jobs.CodeExpired) {
				continue
			}
			return nil, err
		}
		if status != "" && rec.Status != status {
			continue
		}
		ret = append(ret, rec)
	}
	return ret, nil
}

func scopeKey(scope, key string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = defaultScope
	}
	return fmt.Sprintf("%s:%s", scope, key)
}
