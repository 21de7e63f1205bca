package dag

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// maxScheduleGap bounds the backwards search for a previous tick.
const maxScheduleGap = 400 * 24 * time.Hour

// ParseSchedule parses a five field cron expression or a descriptor such as
// @daily. Schedules are evaluated in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NextExecution returns the first schedule tick strictly after t.
func (d *DAG) NextExecution(t time.Time) (time.Time, error) {
	sched, err := ParseSchedule(d.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.UTC()), nil
}

// PreviousExecution returns the last schedule tick strictly before t.
func (d *DAG) PreviousExecution(t time.Time) (time.Time, error) {
	sched, err := ParseSchedule(d.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	t = t.UTC()
	for step := time.Minute; step <= maxScheduleGap; step *= 2 {
		prev := sched.Next(t.Add(-step))
		if !prev.Before(t) {
			continue
		}
		for next := sched.Next(prev); next.Before(t); next = sched.Next(next) {
			prev = next
		}
		return prev, nil
	}
	return time.Time{}, fmt.Errorf("no tick of schedule %q before %s", d.Schedule, t.Format(time.RFC3339))
}

// LatestExecution returns the last schedule tick at or before t.
func (d *DAG) LatestExecution(t time.Time) (time.Time, error) {
	return d.PreviousExecution(t.Truncate(time.Second).Add(time.Second))
}
