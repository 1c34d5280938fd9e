// Package trigger decides whether a task is due. The check is cheap and
// side-effect-free: it is run reactively on every relevant state change and
// again by the executor's periodic sweep.
package trigger

import (
	"time"

	"slotwork/internal/chain"
	"slotwork/internal/clockwatch"
	"slotwork/internal/index"
	"slotwork/internal/task"
)

// Decision is the outcome of a due-ness check.
type Decision struct {
	Due bool
	// DueAt orders due tasks in the executor queue: the moment the trigger
	// condition was (or will be) satisfied, best-effort.
	DueAt time.Time
	// Err is set for malformed schedules (a permanent condition until the
	// task account is edited on chain).
	Err error
}

// Engine evaluates the closed set of trigger variants against the task
// index and the network clock. It holds no mutable state of its own.
type Engine struct {
	idx *index.Index
}

func NewEngine(idx *index.Index) *Engine {
	return &Engine{idx: idx}
}

// IsDue dispatches on the trigger kind. Paused tasks are never due, and a
// task that already landed RateLimit executions in the current slot is held
// back until the slot advances.
func (e *Engine) IsDue(t *task.Task, clk clockwatch.State) Decision {
	if t == nil || t.Paused {
		return Decision{}
	}
	if t.RateLimit > 0 && t.Exec != nil &&
		t.Exec.LastExecSlot == clk.Slot && t.Exec.ExecsSinceSlot >= t.RateLimit {
		return Decision{}
	}

	now := time.Unix(clk.UnixTimestamp, 0).UTC()

	switch t.Trigger.Kind {
	case task.TriggerCron:
		lastExec := time.Unix(t.LastExecAt(), 0).UTC()
		ev, err := EvalCron(t.Trigger.Schedule, lastExec, now, t.Trigger.Skippable)
		if err != nil {
			return Decision{Err: err}
		}
		if !ev.Due {
			return Decision{DueAt: ev.NextAt}
		}
		return Decision{Due: true, DueAt: lastExec}

	case task.TriggerAccount:
		seen, ok := e.idx.WatchHash(t.ID)
		if !ok {
			// No content observed for the watched account yet.
			return Decision{}
		}
		var last chain.Hash
		if t.Exec != nil {
			last = t.Exec.TriggerHash
		}
		if seen == last {
			return Decision{}
		}
		return Decision{Due: true, DueAt: now}

	case task.TriggerSlot:
		// Already executed at-or-past the target: the chain-side writeback is
		// the only thing that makes this one-shot.
		if t.Exec != nil && t.Exec.LastExecSlot >= t.Trigger.TargetSlot {
			return Decision{}
		}
		if clk.Slot >= t.Trigger.TargetSlot {
			return Decision{Due: true, DueAt: now}
		}
		return Decision{}

	case task.TriggerEpoch:
		// Epoch triggers only fire at-or-past the target, so any recorded
		// execution means it already ran.
		if t.Exec != nil && t.Exec.LastExecSlot > 0 {
			return Decision{}
		}
		if clk.Epoch >= t.Trigger.TargetEpoch {
			return Decision{Due: true, DueAt: now}
		}
		return Decision{}

	case task.TriggerTimestamp:
		target := time.Unix(t.Trigger.TargetUnix, 0).UTC()
		if t.Exec != nil && t.Exec.LastExecAt >= t.Trigger.TargetUnix {
			return Decision{}
		}
		if !now.Before(target) {
			return Decision{Due: true, DueAt: target}
		}
		return Decision{DueAt: target}

	case task.TriggerNow:
		// One-shot: due immediately after creation, never again.
		if t.Exec == nil {
			return Decision{Due: true, DueAt: time.Unix(t.CreatedAt, 0).UTC()}
		}
		return Decision{}

	default:
		return Decision{}
	}
}
