package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronEval is the result of evaluating a cron schedule at a point in time.
type CronEval struct {
	Due bool
	// NextAt is the next eligible firing strictly after "now" when due (or
	// after the pending firing when not due).
	NextAt time.Time
}

// EvalCron decides whether a cron schedule is due.
//
// Semantics:
//   - lastExec anchors the pending firing: the first schedule point strictly
//     after it. Due when that point is at-or-before now.
//   - skippable (the default policy): all elapsed firings collapse into one
//     due signal and NextAt jumps past them, strictly after now. A backlog
//     never becomes a burst.
//   - non-skippable: NextAt only advances one firing, so a backlog replays
//     one execution at a time as the chain writes back each run.
//
// Expressions are standard 5-field cron evaluated in UTC. A malformed
// expression reports never-due alongside the parse error.
func EvalCron(expr string, lastExec, now time.Time, skippable bool) (CronEval, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return CronEval{}, fmt.Errorf("cron %q: %w", expr, err)
	}

	lastExec = lastExec.UTC()
	now = now.UTC()

	pending := sched.Next(lastExec)
	if pending.After(now) {
		return CronEval{Due: false, NextAt: pending}, nil
	}

	if skippable {
		return CronEval{Due: true, NextAt: sched.Next(now)}, nil
	}
	return CronEval{Due: true, NextAt: sched.Next(pending)}, nil
}

// ValidateCron reports whether the expression parses.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
