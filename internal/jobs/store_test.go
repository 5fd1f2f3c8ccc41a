package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/docjobs/pkg/file"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func textSpec() ConversionSpec {
	return ConversionSpec{
		SourceFormat: "text",
		TargetFormat: DefaultTargetFormat,
		Backend:      DefaultBackend,
	}
}

func newTestStore(t *testing.T, clock *fakeClock) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	return store
}

func TestFileStore_EndToEnd(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	created, err := store.Create(ctx, "J1", textSpec(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, created.Status)
	assert.Equal(t, int64(5), created.Input.Size)
	assert.True(t, clock.Now().Add(DefaultRawTTL).Equal(created.Retention.RawExpiresAt))
	assert.True(t, clock.Now().Add(DefaultArtifactTTL).Equal(created.Retention.ArtifactExpiresAt))

	got, err := store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	attempt, err := store.Claim(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	running, err := store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, 1, running.Attempts)
	assert.Equal(t, StageStarting, running.Progress.Stage)
	require.NotNil(t, running.Progress.LastHeartbeatAt)
	firstBeat := *running.Progress.LastHeartbeatAt

	clock.Advance(2 * time.Second)
	alive, err := store.TouchHeartbeat(ctx, "J1", attempt)
	require.NoError(t, err)
	require.True(t, alive)
	beating, err := store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.True(t, beating.Progress.LastHeartbeatAt.After(firstBeat))

	content := []byte("# hello\n")
	rec, err := store.MarkSucceeded(ctx, "J1", attempt, &Artifact{
		Content:     content,
		ContentType: "text/markdown",
		Backend:     "passthrough",
	}, PhaseTimings{PhaseConvert: 7})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)

	sum := sha256.Sum256(content)
	want := &Result{
		ArtifactDigest: "sha256:" + hex.EncodeToString(sum[:]),
		ArtifactSize:   int64(len(content)),
		ContentType:    "text/markdown",
		Backend:        "passthrough",
		Metadata:       map[string]string{"options_fingerprint": textSpec().OptionsFingerprint()},
		Warnings:       []string{},
	}
	final, err := store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, want, final.Result)
	assert.Nil(t, final.Failure)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, int64(7), final.Progress.PhaseTimingsMS[PhaseConvert])
	assert.Contains(t, final.Progress.PhaseTimingsMS, PhasePersist)

	data, _, err := store.ReadArtifact(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	again, err := store.Claim(ctx, "J1")
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestFileStore_TerminalWritesConflictAfterSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	_, err := store.Create(ctx, "done-job", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err := store.Claim(ctx, "done-job")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)
	_, err = store.MarkSucceeded(ctx, "done-job", attempt, &Artifact{Content: []byte("y")}, nil)
	require.NoError(t, err)

	before, err := os.ReadFile(store.manifestPath("done-job"))
	require.NoError(t, err)

	_, err = store.MarkCanceled(ctx, "done-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = store.MarkFailed(ctx, "done-job", attempt, Failure{Code: CodeBackendExecution, Message: "late"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = store.MarkSucceeded(ctx, "done-job", attempt, &Artifact{Content: []byte("z")}, nil)
	assert.ErrorIs(t, err, ErrStateConflict)

	after, err := os.ReadFile(store.manifestPath("done-job"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	data, _, err := store.ReadArtifact(ctx, "done-job")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), data)
}

func TestFileStore_ConcurrentClaimsAcrossStores(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewFileStore(root)
	require.NoError(t, err)
	b, err := NewFileStore(root)
	require.NoError(t, err)

	_, err = a.Create(ctx, "contested", textSpec(), []byte("payload"))
	require.NoError(t, err)

	const n = 16
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		store := a
		if i%2 == 1 {
			store = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			attempt, err := store.Claim(ctx, "contested")
			assert.NoError(t, err)
			if attempt > 0 {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), losses.Load())

	rec, err := b.Get(ctx, "contested")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
}

func TestFileStore_RecoverOrphans(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	first, err := NewFileStore(root)
	require.NoError(t, err)

	for _, id := range []string{"orphan", "owned", "queued"} {
		_, err := first.Create(ctx, id, textSpec(), []byte(id))
		require.NoError(t, err)
	}
	for _, id := range []string{"orphan", "owned"} {
		attempt, err := first.Claim(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 1, attempt)
	}

	fresh, err := NewFileStore(root)
	require.NoError(t, err)
	recovered, err := fresh.RecoverOrphans(ctx, map[string]struct{}{"owned": {}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, recovered)

	rec, err := fresh.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, StageRequeued, rec.Progress.Stage)

	owned, err := fresh.Get(ctx, "owned")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, owned.Status)

	// the requeued job can be claimed again and counts a second attempt
	attempt, err := fresh.Claim(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, 2, attempt)
	rec, err = fresh.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestFileStore_StaleAttemptCannotFinalizeReclaimedJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	root := t.TempDir()
	a, err := NewFileStore(root, WithClock(clock.Now))
	require.NoError(t, err)
	b, err := NewFileStore(root, WithClock(clock.Now))
	require.NoError(t, err)

	_, err = a.Create(ctx, "J1", textSpec(), []byte("x"))
	require.NoError(t, err)
	stale, err := a.Claim(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, 1, stale)

	// instance A stalls past the staleness window and B takes the job over
	clock.Advance(3 * time.Minute)
	recovered, err := b.RecoverOrphans(ctx, nil, 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"J1"}, recovered)
	current, err := b.Claim(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, 2, current)

	alive, err := a.TouchHeartbeat(ctx, "J1", stale)
	require.NoError(t, err)
	assert.False(t, alive)
	staged, err := a.SetStage(ctx, "J1", stale, StageConverting)
	require.NoError(t, err)
	assert.False(t, staged)

	_, err = a.MarkSucceeded(ctx, "J1", stale, &Artifact{Content: []byte("stale attempt 1")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Equal(t, 2, AsError(err).Details["current_attempt"])
	_, err = a.MarkFailed(ctx, "J1", stale, Failure{Code: CodeBackendExecution, Message: "late"}, nil)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = os.Stat(a.artifactPath("J1"))
	assert.True(t, os.IsNotExist(err), "a rejected attempt must not leave an artifact behind")

	rec, err := b.MarkSucceeded(ctx, "J1", current, &Artifact{Content: []byte("attempt 2")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, int64(len("attempt 2")), rec.Result.ArtifactSize)

	data, _, err := a.ReadArtifact(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, []byte("attempt 2"), data)
}

func TestFileStore_SucceededRollsBackArtifactWhenManifestWriteFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	_, err := store.Create(ctx, "full", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err := store.Claim(ctx, "full")
	require.NoError(t, err)

	store.writeManifest = func(string, any) error { return errors.New("no space left on device") }
	_, err = store.MarkSucceeded(ctx, "full", attempt, &Artifact{Content: []byte("result")}, nil)
	require.EqualError(t, err, "no space left on device")

	_, err = os.Stat(store.artifactPath("full"))
	assert.True(t, os.IsNotExist(err))
	rec, err := store.Get(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Nil(t, rec.Result)

	store.writeManifest = file.WriteJSON
	rec, err = store.MarkSucceeded(ctx, "full", attempt, &Artifact{Content: []byte("result")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
}

func TestFileStore_SetStageAfterCancel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	_, err := store.Create(ctx, "s", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err := store.Claim(ctx, "s")
	require.NoError(t, err)

	staged, err := store.SetStage(ctx, "s", attempt, StageConverting)
	require.NoError(t, err)
	assert.True(t, staged)

	_, err = store.MarkCanceled(ctx, "s")
	require.NoError(t, err)
	staged, err = store.SetStage(ctx, "s", attempt, StageConverting)
	require.NoError(t, err)
	assert.False(t, staged)

	rec, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, StageCanceled, rec.Progress.Stage)
}

func TestFileStore_RecoverOrphansSkipsFreshHeartbeats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	_, err := store.Create(ctx, "busy", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err := store.Claim(ctx, "busy")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	clock.Advance(30 * time.Second)
	recovered, err := store.RecoverOrphans(ctx, nil, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	clock.Advance(time.Minute)
	recovered, err = store.RecoverOrphans(ctx, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, recovered)
}

func TestFileStore_RetentionTiers(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store, err := NewFileStore(t.TempDir(), WithClock(clock.Now), WithRetention(time.Hour, 2*time.Hour, 24*time.Hour))
	require.NoError(t, err)

	_, err = store.Create(ctx, "plain", textSpec(), []byte("raw"))
	require.NoError(t, err)
	pinnedSpec := textSpec()
	pinnedSpec.Pin = true
	_, err = store.Create(ctx, "pinned", pinnedSpec, []byte("raw"))
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	report, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RawPurged)
	assert.Zero(t, report.Tombstoned)

	rec, err := store.Get(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, int64(3), rec.Input.Size)
	_, err = store.ReadInput(ctx, "plain")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound))
	assert.Equal(t, "input", AsError(err).Details["resource"])

	pinnedInput, err := store.ReadInput(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), pinnedInput)

	clock.Advance(time.Hour)

	// lazy expiry before any sweep runs
	_, err = store.Get(ctx, "plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpired)
	_, err = store.Claim(ctx, "plain")
	assert.ErrorIs(t, err, ErrExpired)

	pinned, err := store.Get(ctx, "pinned")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, pinned.Status)

	report, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tombstoned)
	_, err = os.Stat(store.jobDir("plain"))
	assert.True(t, os.IsNotExist(err))

	tomb, err := store.Tombstone(ctx, "plain")
	require.NoError(t, err)
	require.NotNil(t, tomb)
	assert.True(t, clock.Now().Equal(tomb.ExpiredAt))

	_, err = store.Get(ctx, "plain")
	assert.ErrorIs(t, err, ErrExpired)
	_, err = store.Create(ctx, "plain", textSpec(), []byte("again"))
	assert.True(t, IsCode(err, CodeDuplicateJob))

	clock.Advance(25 * time.Hour)
	report, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TombstonesPurged)

	_, err = store.Get(ctx, "plain")
	assert.ErrorIs(t, err, ErrNotFound)

	pinned, err = store.Get(ctx, "pinned")
	require.NoError(t, err)
	assert.True(t, pinned.Retention.Pinned)
}

func TestFileStore_ExpiryHookSeesTombstonedJobs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var expired []string
	store, err := NewFileStore(t.TempDir(),
		WithClock(clock.Now),
		WithRetention(time.Hour, 2*time.Hour, 24*time.Hour),
		WithExpiryHook(func(_ context.Context, jobID string) {
			expired = append(expired, jobID)
		}))
	require.NoError(t, err)

	_, err = store.Create(ctx, "old", textSpec(), []byte("a"))
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	_, err = store.Create(ctx, "fresh", textSpec(), []byte("b"))
	require.NoError(t, err)

	_, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, expired)

	_, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Len(t, expired, 1, "an already tombstoned job is not reported twice")
}

func TestFileStore_SweepRemovesDebris(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	clock.t = time.Now().UTC()
	store := newTestStore(t, clock)

	require.NoError(t, os.Mkdir(store.jobDir("half-created"), 0o755))
	trash := filepath.Join(store.jobsDir(), trashPrefix+"old-1")
	require.NoError(t, os.Mkdir(trash, 0o755))

	report, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DebrisRemoved)
	_, err = os.Stat(trash)
	assert.True(t, os.IsNotExist(err))

	clock.Advance(2 * incompleteGrace)
	report, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DebrisRemoved)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileStore_HeartbeatWithinSameTickDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, clock)

	_, err := store.Create(ctx, "hb", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err := store.Claim(ctx, "hb")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	before, err := os.ReadFile(store.manifestPath("hb"))
	require.NoError(t, err)
	clock.Advance(300 * time.Microsecond)
	alive, err := store.TouchHeartbeat(ctx, "hb", attempt)
	require.NoError(t, err)
	assert.True(t, alive)
	after, err := os.ReadFile(store.manifestPath("hb"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = store.MarkCanceled(ctx, "hb")
	require.NoError(t, err)
	alive, err = store.TouchHeartbeat(ctx, "hb", attempt)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestFileStore_CancelSemantics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	_, err := store.Create(ctx, "q", textSpec(), []byte("x"))
	require.NoError(t, err)
	rec, err := store.MarkCanceled(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, rec.Status)
	require.NotNil(t, rec.CompletedAt)

	again, err := store.MarkCanceled(ctx, "q")
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.Equal(again.UpdatedAt))

	attempt, err := store.Claim(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, attempt)

	_, err = store.Create(ctx, "r", textSpec(), []byte("x"))
	require.NoError(t, err)
	attempt, err = store.Claim(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)
	_, err = store.MarkCanceled(ctx, "r")
	require.NoError(t, err)

	// the worker's late completion loses against the stored cancel
	_, err = store.MarkSucceeded(ctx, "r", attempt, &Artifact{Content: []byte("late")}, nil)
	assert.ErrorIs(t, err, ErrStateConflict)
	final, err := store.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, final.Status)
	assert.Nil(t, final.Result)
	_, _, err = store.ReadArtifact(ctx, "r")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestFileStore_CreateAndLookupErrors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeClock())

	_, err := store.Create(ctx, "dup", textSpec(), []byte("x"))
	require.NoError(t, err)
	_, err = store.Create(ctx, "dup", textSpec(), []byte("x"))
	assert.True(t, IsCode(err, CodeDuplicateJob))

	_, err = store.Create(ctx, "../escape", textSpec(), nil)
	assert.True(t, IsCode(err, CodeInvalidRequest))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Claim(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(store.jobDir("missing"))
	assert.True(t, os.IsNotExist(err), "lookups must not create job directories")

	require.NoError(t, store.AppendLog(ctx, "dup", "first line"))
	logData, err := os.ReadFile(filepath.Join(store.jobDir("dup"), logsDirName, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "first line")

	queued, err := store.ListByStatus(ctx, StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, []string{"dup"}, queued)
}
