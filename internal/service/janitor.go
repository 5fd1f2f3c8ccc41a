package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/docjobs/pkg/icron"
	"github.com/MimeLyc/docjobs/pkg/log"
)

const DefaultJanitorCron = "@every 10m"

// Janitor evicts expired idempotency keys on a cron schedule.
type Janitor struct {
	index    IdempotencyIndex
	cron     *cron.Cron
	cronExpr string
	now      func() time.Time
	group    singleflight.Group
}

func NewJanitor(index IdempotencyIndex, c *cron.Cron, cronExpr string) *Janitor {
	if cronExpr == "" {
		cronExpr = DefaultJanitorCron
	}
	return &Janitor{
		index:    index,
		cron:     c,
		cronExpr: cronExpr,
		now:      time.Now,
	}
}

// Schedule registers the eviction with the cron runner. The caller owns
// starting and stopping the runner.
func (j *Janitor) Schedule(ctx context.Context) error {
	runFunc := func() {
		if _, err := j.RunOnce(ctx); err != nil {
			log.Error("Failed to evict idempotency keys: %v", err)
		}
		j.logNext()
	}
	if _, err := j.cron.AddFunc(j.cronExpr, runFunc); err != nil {
		return err
	}
	log.Info("Scheduled idempotency janitor with %q", j.cronExpr)
	j.logNext()
	return nil
}

// RunOnce deletes every expired key and returns how many were removed.
// Overlapping runs share one pass.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	v, err, _ := j.group.Do("evict", func() (any, error) {
		return j.index.DeleteExpiredIdempotency(ctx, j.now())
	})
	if err != nil {
		return 0, err
	}
	n := v.(int64)
	if n > 0 {
		log.WithFields(log.Fields{"evicted": n}).Info("Evicted expired idempotency keys")
	}
	return n, nil
}

func (j *Janitor) logNext() {
	info, err := icron.GetTriggerInfo(j.cronExpr, j.now())
	if err != nil {
		log.Warn("Failed to compute next janitor run: %v", err)
		return
	}
	log.Debug("Next janitor run at %s (in %s)", info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
}
