package executor

import (
	"context"
	"time"

	"slotwork/internal/chain"
	"slotwork/internal/task"
)

// State is the per-task admission state. A task holds at most one non-Idle
// state at any time; that is the engine's double-submission guard.
type State uint8

const (
	StateIdle State = iota
	StateQueued
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "inflight"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxInFlight caps concurrent attempts; it is also the worker pool size.
	MaxInFlight int
	// RetryMax bounds rebuilds after an expired blockhash within one
	// eligible window.
	RetryMax int
	// SweepInterval is the periodic full due-ness sweep. It is the safety
	// net for triggers that become due purely from clock advancement.
	SweepInterval time.Duration
	// CommandBuffer bounds the loop's inbox.
	CommandBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 1024
	}
	return c
}

// Attempt is one in-flight execution of a due task. It snapshots the task
// record at queue time; if the record disappears or the fork it was
// observed on dies, the attempt is abandoned, never the task blocked.
type Attempt struct {
	ID     string
	TaskID chain.Pubkey
	Task   *task.Task
	// ObservedSlot is the slot the task state was observed at; fork
	// rollback below this slot leaves the attempt untouched.
	ObservedSlot uint64
	DueAt        time.Time
	QueuedAt     time.Time
	Retries      int
}

// OutcomeKind classifies how an attempt resolved.
type OutcomeKind uint8

const (
	// OutcomeConfirmed: the transaction landed. The engine still does not
	// mark the task executed; the chain's writeback does.
	OutcomeConfirmed OutcomeKind = iota
	// OutcomeExpired: the blockhash aged out unconfirmed. Rebuild with a
	// fresh blockhash, bounded by RetryMax.
	OutcomeExpired
	// OutcomeRaceLost: simulation or execution shows the trigger is no
	// longer satisfied (another executor won). Expected, dropped quietly.
	OutcomeRaceLost
	// OutcomeTransient: network-level failure after bounded retries inside
	// the submitter. Task returns to Idle, surfaced to observability.
	OutcomeTransient
	// OutcomePermanent: the attempt can never succeed (oversized payload,
	// malformed schedule). Dropped and flagged for operator inspection.
	OutcomePermanent
	// OutcomeCanceled: fork rollback abandoned the attempt.
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeExpired:
		return "expired"
	case OutcomeRaceLost:
		return "racelost"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is an attempt's terminal result as reported by the runner.
type Outcome struct {
	Kind      OutcomeKind
	Signature chain.Signature
	Err       error
}

// Runner performs the build/sign/send/confirm pipeline for one attempt.
// It runs on a worker goroutine; ctx is canceled on fork rollback.
type Runner interface {
	Execute(ctx context.Context, a *Attempt) Outcome
}

// AttemptEvent is published on the bus for every attempt transition.
type AttemptEvent struct {
	AttemptID string        `json:"attempt_id"`
	TaskID    string        `json:"task_id"`
	Outcome   string        `json:"outcome,omitempty"`
	Signature string        `json:"signature,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retries   int           `json:"retries"`
	Took      time.Duration `json:"took,omitempty"`
}

// Snapshot is a point-in-time diagnostics view for the status server.
type Snapshot struct {
	MaxInFlight int      `json:"max_in_flight"`
	Queued      int      `json:"queued"`
	InFlight    int      `json:"in_flight"`
	InFlightIDs []string `json:"in_flight_ids,omitempty"`
	EvalDrops   uint64   `json:"eval_drops"`
	Confirmed   uint64   `json:"confirmed"`
	Expired     uint64   `json:"expired"`
	RaceLost    uint64   `json:"race_lost"`
	Transient   uint64   `json:"transient"`
	Permanent   uint64   `json:"permanent"`
	Canceled    uint64   `json:"canceled"`
	SweepsRun   uint64   `json:"sweeps_run"`
}
