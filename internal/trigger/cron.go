package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a 5-field expression. A 6-field expression is accepted
// by discarding its leading seconds field.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
	case 6:
		fields = fields[1:]
	default:
		return nil, fmt.Errorf("cron expression %q: expected 5 or 6 fields, got %d", expr, len(fields))
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CronMatches reports whether the wall-clock minute containing t matches expr.
func CronMatches(expr string, t time.Time) (bool, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return false, err
	}
	return scheduleMatches(sched, t), nil
}

func scheduleMatches(sched cron.Schedule, t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// NextMatches returns the next n minutes after t matching expr.
func NextMatches(expr string, t time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	next := t
	for len(out) < n {
		next = sched.Next(next)
		if next.IsZero() {
			break
		}
		out = append(out, next)
	}
	return out, nil
}
