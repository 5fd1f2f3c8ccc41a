package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/docjobs/pkg/file"
	"github.com/MimeLyc/docjobs/pkg/log"
)

// incompleteGrace is how long a job directory without a manifest is left alone
// before the sweeper treats it as debris from an interrupted Create.
const incompleteGrace = time.Hour

// SweepReport counts what one SweepExpired pass reclaimed.
type SweepReport struct {
	RawPurged        int
	Tombstoned       int
	TombstonesPurged int
	DebrisRemoved    int
}

// RecoverOrphans requeues RUNNING jobs that no local worker owns. With
// staleAfter == 0 every such job is requeued, which is only safe before this
// instance starts dispatching. A positive staleAfter limits recovery to jobs
// whose last heartbeat is older than that, leaving jobs heartbeating in other
// instances alone.
func (s *FileStore) RecoverOrphans(ctx context.Context, active map[string]struct{}, staleAfter time.Duration) ([]string, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []string
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, ok := active[id]; ok {
			continue
		}
		rec, err := s.load(id)
		if err != nil || rec.Status != StatusRunning {
			continue
		}

		requeued := false
		_, err = s.update(ctx, id, func(rec *JobRecord, now time.Time) (bool, error) {
			if rec.Status != StatusRunning {
				return false, nil
			}
			if staleAfter > 0 && now.Sub(lastSignOfLife(rec)) < staleAfter {
				return false, nil
			}
			rec.Status = StatusQueued
			rec.Progress.Stage = StageRequeued
			rec.Progress.CurrentPhaseStartedAt = nil
			requeued = true
			return true, nil
		})
		if err != nil {
			if IsCode(err, CodeNotFound) || IsCode(err, CodeExpired) {
				continue
			}
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
			continue
		}
		if requeued {
			log.WithFields(log.Fields{log.FieldJobID: id}).Warn("Requeued orphaned running job")
			recovered = append(recovered, id)
		}
	}
	return recovered, errors.Join(errs...)
}

func lastSignOfLife(rec *JobRecord) time.Time {
	if rec.Progress.LastHeartbeatAt != nil {
		return *rec.Progress.LastHeartbeatAt
	}
	if rec.Progress.CurrentPhaseStartedAt != nil {
		return *rec.Progress.CurrentPhaseStartedAt
	}
	return rec.UpdatedAt
}

// SweepExpired applies both retention tiers and ages out tombstones. Every
// step is best-effort and idempotent; failures are collected and returned
// after the whole pass.
func (s *FileStore) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error
	now := s.clock()

	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		return report, fmt.Errorf("read jobs directory: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return report, errors.Join(append(errs, ctx.Err())...)
		}
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, trashPrefix) {
			if err := os.RemoveAll(filepath.Join(s.jobsDir(), name)); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}

		rec, err := s.load(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if removed, err := s.removeDebris(name, now); err != nil {
					errs = append(errs, err)
				} else if removed {
					report.DebrisRemoved++
				}
				continue
			}
			errs = append(errs, err)
			continue
		}
		if rec.Retention.Pinned {
			continue
		}

		if rec.Retention.Expired(now) {
			done, err := s.expire(name, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("expire %s: %w", name, err))
			} else if done {
				report.Tombstoned++
				if s.onExpire != nil {
					s.onExpire(ctx, name)
				}
			}
			continue
		}
		if rec.Retention.RawExpired(now) {
			purged, err := s.purgeInput(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("purge input of %s: %w", name, err))
			} else if purged {
				report.RawPurged++
			}
		}
	}

	purged, err := s.purgeTombstones(now)
	report.TombstonesPurged = purged
	if err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

func (s *FileStore) purgeInput(jobID string) (bool, error) {
	purged := false
	err := file.WithLock(s.lockPath(jobID), func() error {
		err := os.Remove(s.inputPath(jobID))
		if err == nil {
			purged = true
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return purged, err
}

// expire writes the tombstone and removes the job directory. The directory is
// first renamed aside under the job lock so that lock waiters re-validate
// against a missing path instead of recreating it.
func (s *FileStore) expire(jobID string, now time.Time) (bool, error) {
	lock, err := file.AcquireLock(s.lockPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	rec, err := s.load(jobID)
	if err != nil {
		_ = lock.Release()
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !rec.Retention.Expired(now) {
		_ = lock.Release()
		return false, nil
	}

	if err := file.WriteJSON(s.tombstonePath(jobID), Tombstone{JobID: jobID, ExpiredAt: now}); err != nil {
		_ = lock.Release()
		return false, err
	}
	trash := filepath.Join(s.jobsDir(), trashPrefix+jobID+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	renameErr := os.Rename(s.jobDir(jobID), trash)
	_ = lock.Release()
	if renameErr != nil {
		return false, renameErr
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	log.WithFields(log.Fields{log.FieldJobID: jobID}).Info("Expired job and wrote tombstone")
	return true, nil
}

func (s *FileStore) removeDebris(name string, now time.Time) (bool, error) {
	info, err := os.Stat(s.jobDir(name))
	if err != nil {
		return false, nil
	}
	if now.Sub(info.ModTime()) < incompleteGrace {
		return false, nil
	}
	if err := os.RemoveAll(s.jobDir(name)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) purgeTombstones(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.tombstonesDir())
	if err != nil {
		return 0, fmt.Errorf("read tombstones directory: %w", err)
	}
	purged := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.tombstonesDir(), e.Name())
		var t Tombstone
		if err := file.ReadJSON(path, &t); err != nil {
			errs = append(errs, err)
			continue
		}
		if now.Sub(t.ExpiredAt) <= s.tombstoneTTL {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	return purged, errors.Join(errs...)
}

// Tombstone returns the tombstone of an expired job, or nil when none exists.
func (s *FileStore) Tombstone(_ context.Context, jobID string) (*Tombstone, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	var t Tombstone
	if err := file.ReadJSON(s.tombstonePath(jobID), &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
