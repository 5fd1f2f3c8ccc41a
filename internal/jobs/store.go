package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/MimeLyc/docjobs/pkg/file"
	"github.com/MimeLyc/docjobs/pkg/log"
)

const (
	DefaultRawTTL       = 24 * time.Hour
	DefaultArtifactTTL  = 7 * 24 * time.Hour
	DefaultTombstoneTTL = 30 * 24 * time.Hour

	jobsDirName       = "jobs"
	tombstonesDirName = "tombstones"
	manifestFileName  = "manifest.json"
	lockFileName      = ".lock"
	inputFileName     = "input.bin"
	artifactFileName  = "artifact"
	logsDirName       = "logs"
	logFileName       = "job.log"
	trashPrefix       = ".trash-"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// FileStore keeps one directory per job under <root>/jobs. Every
// read-modify-write of a manifest happens under an flock on the job's lock
// file, so store instances in different processes sharing a root exclude each
// other per job. Reads go straight to the manifest, which is only ever
// replaced by rename.
type FileStore struct {
	root         string
	rawTTL       time.Duration
	artifactTTL  time.Duration
	tombstoneTTL time.Duration
	now          func() time.Time
	onExpire     ExpiryHook

	writeManifest func(path string, v any) error
}

// ExpiryHook is called by the sweep after a job has been tombstoned.
type ExpiryHook func(ctx context.Context, jobID string)

type StoreOption func(*FileStore)

func WithClock(now func() time.Time) StoreOption {
	return func(s *FileStore) {
		s.now = now
	}
}

func WithExpiryHook(fn ExpiryHook) StoreOption {
	return func(s *FileStore) {
		s.onExpire = fn
	}
}

// WithRetention sets the raw input, artifact and tombstone retention windows.
// Zero values keep the defaults.
func WithRetention(raw, artifact, tombstone time.Duration) StoreOption {
	return func(s *FileStore) {
		if raw > 0 {
			s.rawTTL = raw
		}
		if artifact > 0 {
			s.artifactTTL = artifact
		}
		if tombstone > 0 {
			s.tombstoneTTL = tombstone
		}
	}
}

func NewFileStore(root string, opts ...StoreOption) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("data root is required")
	}
	s := &FileStore{
		root:         root,
		rawTTL:       DefaultRawTTL,
		artifactTTL:  DefaultArtifactTTL,
		tombstoneTTL: DefaultTombstoneTTL,
		now:          time.Now,

		writeManifest: file.WriteJSON,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{s.jobsDir(), s.tombstonesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Create persists a new QUEUED job with its raw payload and returns the
// record as read back from disk.
func (s *FileStore) Create(ctx context.Context, jobID string, spec ConversionSpec, payload []byte) (*JobRecord, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	if ok, err := file.Exists(s.tombstonePath(jobID)); err != nil {
		return nil, fmt.Errorf("check tombstone for %s: %w", jobID, err)
	} else if ok {
		return nil, duplicateJob(jobID)
	}

	dir := s.jobDir(jobID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, duplicateJob(jobID)
		}
		return nil, fmt.Errorf("create job dir %s: %w", dir, err)
	}

	now := s.clock()
	sum := sha256.Sum256(payload)
	rec := &JobRecord{
		JobID:  jobID,
		Status: StatusQueued,
		Spec:   spec,
		Input: InputInfo{
			Digest: "sha256:" + hex.EncodeToString(sum[:]),
			Size:   int64(len(payload)),
		},
		CreatedAt: now,
		UpdatedAt: now,
		Retention: Retention{
			Pinned:            spec.Pin,
			RawExpiresAt:      now.Add(s.rawTTL),
			ArtifactExpiresAt: now.Add(s.artifactTTL),
		},
		Progress: Progress{
			Stage:          StageQueued,
			PhaseTimingsMS: map[string]int64{},
		},
	}

	err := file.WithLock(s.lockPath(jobID), func() error {
		if err := file.WriteBytes(s.inputPath(jobID), payload); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(dir, logsDirName), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		return file.WriteJSON(s.manifestPath(jobID), rec)
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create job %s: %w", jobID, err)
	}
	return s.Get(ctx, jobID)
}

// Get loads a job. A job past its artifact retention reads as expired even
// when the sweeper has not removed it yet.
func (s *FileStore) Get(_ context.Context, jobID string) (*JobRecord, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	rec, err := s.load(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, s.resolveMissing(jobID)
		}
		return nil, err
	}
	if rec.Retention.Expired(s.clock()) {
		return nil, expired(jobID)
	}
	return rec, nil
}

// Claim moves a job from QUEUED to RUNNING and returns the attempt number it
// granted. It returns 0 without writing when the job is in any other state.
// Every later write of the execution passes the attempt back, so a writer
// whose attempt was requeued and claimed again elsewhere is rejected.
func (s *FileStore) Claim(ctx context.Context, jobID string) (int, error) {
	attempt := 0
	_, err := s.update(ctx, jobID, func(rec *JobRecord, now time.Time) (bool, error) {
		if rec.Status != StatusQueued {
			return false, nil
		}
		rec.Status = StatusRunning
		rec.Attempts++
		rec.Progress.Stage = StageStarting
		rec.Progress.CurrentPhaseStartedAt = &now
		rec.Progress.LastHeartbeatAt = &now
		attempt = rec.Attempts
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return attempt, nil
}

// holds reports whether attempt is the execution currently owning the job.
func holds(rec *JobRecord, attempt int) bool {
	return rec.Status == StatusRunning && rec.Attempts == attempt
}

// TouchHeartbeat refreshes last_heartbeat_at while attempt holds the job. It
// returns false once the job has left RUNNING or was claimed again. Within one
// timestamp tick the call succeeds without rewriting the manifest.
func (s *FileStore) TouchHeartbeat(ctx context.Context, jobID string, attempt int) (bool, error) {
	alive := false
	_, err := s.update(ctx, jobID, func(rec *JobRecord, now time.Time) (bool, error) {
		if !holds(rec, attempt) {
			return false, nil
		}
		alive = true
		if last := rec.Progress.LastHeartbeatAt; last != nil && last.Equal(now) {
			return false, nil
		}
		rec.Progress.LastHeartbeatAt = &now
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return alive, nil
}

// SetStage records the current processing stage of a job held by attempt and
// starts a new phase clock. It returns false when attempt no longer holds it.
func (s *FileStore) SetStage(ctx context.Context, jobID string, attempt int, stage string) (bool, error) {
	set := false
	_, err := s.update(ctx, jobID, func(rec *JobRecord, now time.Time) (bool, error) {
		if !holds(rec, attempt) {
			return false, nil
		}
		rec.Progress.Stage = stage
		rec.Progress.CurrentPhaseStartedAt = &now
		set = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return set, nil
}

// MarkSucceeded stores the artifact and finalizes a RUNNING job held by
// attempt. Any other status or attempt yields a STATE_CONFLICT error and
// leaves the job untouched. The artifact is removed again if the manifest
// cannot be written.
func (s *FileStore) MarkSucceeded(ctx context.Context, jobID string, attempt int, art *Artifact, timings PhaseTimings) (*JobRecord, error) {
	if art == nil {
		return nil, NewError(CodeInternal, "artifact is nil")
	}
	started := time.Now()
	undo := func() {
		if err := os.Remove(s.artifactPath(jobID)); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{log.FieldJobID: jobID}).WithError(err).Warn("Failed to remove orphaned artifact")
		}
	}
	return s.updateOr(ctx, jobID, func(rec *JobRecord, now time.Time) (bool, error) {
		if err := checkHolds(jobID, rec, attempt); err != nil {
			return false, err
		}
		if err := file.WriteBytes(s.artifactPath(jobID), art.Content); err != nil {
			return false, err
		}
		sum := sha256.Sum256(art.Content)

		metadata := maps.Clone(art.Metadata)
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["options_fingerprint"] = rec.Spec.OptionsFingerprint()
		warnings := slices.Clone(art.Warnings)
		if warnings == nil {
			warnings = []string{}
		}

		rec.Result = &Result{
			ArtifactDigest: "sha256:" + hex.EncodeToString(sum[:]),
			ArtifactSize:   int64(len(art.Content)),
			ContentType:    art.ContentType,
			Backend:        art.Backend,
			Metadata:       metadata,
			Warnings:       warnings,
		}
		rec.Failure = nil
		s.finalize(rec, StatusSucceeded, now, timings, started)
		return true, nil
	}, undo)
}

// MarkFailed finalizes a RUNNING job held by attempt with a failure payload.
// Any other status or attempt yields a STATE_CONFLICT error and leaves the job
// untouched.
func (s *FileStore) MarkFailed(ctx context.Context, jobID string, attempt int, failure Failure, timings PhaseTimings) (*JobRecord, error) {
	started := time.Now()
	return s.update(ctx, jobID, func(rec *JobRecord, now time.Time) (bool, error) {
		if err := checkHolds(jobID, rec, attempt); err != nil {
			return false, err
		}
		f := failure
		f.Details = maps.Clone(failure.Details)
		rec.Failure = &f
		rec.Result = nil
		s.finalize(rec, StatusFailed, now, timings, started)
		return true, nil
	})
}

// MarkCanceled cancels a QUEUED or RUNNING job. Canceling an already canceled
// job returns it unchanged; other terminal states are a STATE_CONFLICT.
// A RUNNING worker is not interrupted; its own terminal write will conflict.
func (s *FileStore) MarkCanceled(ctx context.Context, jobID string) (*JobRecord, error) {
	return s.update(ctx, jobID, func(rec *JobRecord, now time.Time) (bool, error) {
		switch rec.Status {
		case StatusCanceled:
			return false, nil
		case StatusQueued, StatusRunning:
			rec.Status = StatusCanceled
			rec.CompletedAt = &now
			rec.Progress.Stage = StageCanceled
			rec.Progress.CurrentPhaseStartedAt = nil
			return true, nil
		default:
			return false, stateConflict(jobID, rec.Status, StatusQueued, StatusRunning)
		}
	})
}

func checkHolds(jobID string, rec *JobRecord, attempt int) error {
	if rec.Status != StatusRunning {
		return stateConflict(jobID, rec.Status, StatusRunning)
	}
	if rec.Attempts != attempt {
		return NewError(CodeStateConflict, fmt.Sprintf("job %s is held by attempt %d, not %d", jobID, rec.Attempts, attempt)).
			WithDetail("job_id", jobID).
			WithDetail("status", string(rec.Status)).
			WithDetail("attempt", attempt).
			WithDetail("current_attempt", rec.Attempts)
	}
	return nil
}

func (s *FileStore) finalize(rec *JobRecord, status Status, now time.Time, timings PhaseTimings, started time.Time) {
	rec.Status = status
	rec.CompletedAt = &now
	rec.Progress.Stage = StageDone
	rec.Progress.CurrentPhaseStartedAt = nil
	merged := mergeTimings(rec.Progress.PhaseTimingsMS, timings)
	merged[PhasePersist] += time.Since(started).Milliseconds()
	rec.Progress.PhaseTimingsMS = merged
}

// List returns all job ids in directory order.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		return nil, fmt.Errorf("read jobs directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	slices.Sort(ids)
	return ids, nil
}

// ListByStatus returns the ids of jobs currently in status. Jobs whose manifest
// cannot be read are skipped.
func (s *FileStore) ListByStatus(ctx context.Context, status Status) ([]string, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(id)
		if err != nil {
			continue
		}
		if rec.Status == status {
			ret = append(ret, id)
		}
	}
	return ret, nil
}

// ReadInput returns the raw payload. After the raw retention purge the record
// stays readable but the input reads as NOT_FOUND.
func (s *FileStore) ReadInput(ctx context.Context, jobID string) ([]byte, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.inputPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(CodeNotFound, fmt.Sprintf("input of job %s is no longer available", jobID)).
				WithDetail("job_id", jobID).
				WithDetail("resource", "input")
		}
		return nil, fmt.Errorf("read input of %s: %w", jobID, err)
	}
	return data, nil
}

// ReadArtifact returns the artifact of a SUCCEEDED job together with its record.
func (s *FileStore) ReadArtifact(ctx context.Context, jobID string) ([]byte, *JobRecord, error) {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != StatusSucceeded {
		return nil, rec, stateConflict(jobID, rec.Status, StatusSucceeded)
	}
	data, err := os.ReadFile(s.artifactPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rec, NewError(CodeNotFound, fmt.Sprintf("artifact of job %s is missing", jobID)).
				WithDetail("job_id", jobID).
				WithDetail("resource", "artifact")
		}
		return nil, rec, fmt.Errorf("read artifact of %s: %w", jobID, err)
	}
	return data, rec, nil
}

// AppendLog appends one timestamped line to the job's free-form log.
func (s *FileStore) AppendLog(_ context.Context, jobID, line string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	dir := filepath.Join(s.jobDir(jobID), logsDirName)
	if _, err := os.Stat(s.jobDir(jobID)); err != nil {
		if os.IsNotExist(err) {
			return s.resolveMissing(jobID)
		}
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %s\n", s.clock().Format(time.RFC3339Nano), strings.TrimRight(line, "\n"))
	return err
}

type mutation func(rec *JobRecord, now time.Time) (bool, error)

// update runs fn on the current manifest under the job lock. fn returns
// whether the record must be written back; returning an error aborts without
// any write.
func (s *FileStore) update(ctx context.Context, jobID string, fn mutation) (*JobRecord, error) {
	return s.updateOr(ctx, jobID, fn, nil)
}

// updateOr is update with an undo step, run under the lock when fn succeeded
// but the manifest could not be written.
func (s *FileStore) updateOr(_ context.Context, jobID string, fn mutation, undo func()) (*JobRecord, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	lock, err := file.AcquireLock(s.lockPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, s.resolveMissing(jobID)
		}
		return nil, err
	}
	defer func() {
		_ = lock.Release()
	}()

	rec, err := s.load(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, s.resolveMissing(jobID)
		}
		return nil, err
	}
	now := s.clock()
	if rec.Retention.Expired(now) {
		return nil, expired(jobID)
	}

	write, err := fn(rec, now)
	if err != nil {
		return nil, err
	}
	if !write {
		return rec, nil
	}
	rec.UpdatedAt = now
	if err := s.writeManifest(s.manifestPath(jobID), rec); err != nil {
		if undo != nil {
			undo()
		}
		return nil, err
	}
	return rec, nil
}

func (s *FileStore) load(jobID string) (*JobRecord, error) {
	var rec JobRecord
	if err := file.ReadJSON(s.manifestPath(jobID), &rec); err != nil {
		return nil, err
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("manifest of %s has unknown status %q", jobID, rec.Status)
	}
	if rec.Progress.PhaseTimingsMS == nil {
		rec.Progress.PhaseTimingsMS = map[string]int64{}
	}
	return &rec, nil
}

func (s *FileStore) resolveMissing(jobID string) error {
	ok, err := file.Exists(s.tombstonePath(jobID))
	if err != nil {
		return fmt.Errorf("check tombstone for %s: %w", jobID, err)
	}
	if ok {
		return expired(jobID)
	}
	return notFound(jobID)
}

// clock returns the current time in the persisted timestamp resolution.
func (s *FileStore) clock() time.Time {
	return stamp(s.now())
}

// stamp normalises t to the persisted resolution: UTC, whole milliseconds.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func (s *FileStore) jobsDir() string {
	return filepath.Join(s.root, jobsDirName)
}

func (s *FileStore) tombstonesDir() string {
	return filepath.Join(s.root, tombstonesDirName)
}

func (s *FileStore) jobDir(jobID string) string {
	return filepath.Join(s.jobsDir(), jobID)
}

func (s *FileStore) manifestPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), manifestFileName)
}

func (s *FileStore) lockPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), lockFileName)
}

func (s *FileStore) inputPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), inputFileName)
}

func (s *FileStore) artifactPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), artifactFileName)
}

func (s *FileStore) tombstonePath(jobID string) string {
	return filepath.Join(s.tombstonesDir(), jobID+".json")
}

func validateJobID(jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return NewError(CodeInvalidRequest, fmt.Sprintf("invalid job id %q", jobID))
	}
	return nil
}

func duplicateJob(jobID string) *Error {
	return NewError(CodeDuplicateJob, fmt.Sprintf("job %s already exists", jobID)).WithDetail("job_id", jobID)
}
