package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as "@every 10m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

// Validate reports whether cronExpr can be scheduled.
func Validate(cronExpr string) error {
	if _, err := Parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}

// NewCron returns a cron runner using Parser.
func NewCron(opts ...cron.Option) *cron.Cron {
	return cron.New(append([]cron.Option{cron.WithParser(Parser)}, opts...)...)
}

func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	nextTime := schedule.Next(refTime)

	// Walk back one hour at a time, up to a year, until the schedule fires
	// at or before refTime; the last such firing is the previous trigger.
	var prevTime time.Time
	for i := 0; i < 366*24; i++ {
		checkTime := refTime.Add(-time.Duration(i+1) * time.Hour)
		candidate := schedule.Next(checkTime)
		if candidate.After(refTime) {
			continue
		}
		for {
			following := schedule.Next(candidate)
			if following.After(refTime) {
				break
			}
			candidate = following
		}
		prevTime = candidate
		break
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       nextTime,
		Last:       prevTime,
	}

	if !prevTime.IsZero() {
		info.TimeSinceLast = refTime.Sub(prevTime)
	}

	info.TimeUntilNext = nextTime.Sub(refTime)

	return info, nil
}
