package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"slotwork/internal/chain"
	"slotwork/internal/clockwatch"
	"slotwork/internal/eventbus"
	"slotwork/internal/index"
	"slotwork/internal/trigger"
	"slotwork/pkg/logx"
)

// Service is the execution scheduler. A single loop goroutine owns all
// admission state (per-task states, the due queue, in-flight attempts);
// every external signal arrives as a command on the inbox and is applied
// there, so no state is ever touched from two goroutines.
//
// Workers only run the attempt pipeline and post the result back as a
// command. The loop is the only place outcomes are interpreted.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	idx *index.Index
	clk *clockwatch.Tracker
	eng *trigger.Engine
	run Runner

	cmds     chan command
	dispatch chan dispatched

	// Loop-owned. Never read or written outside run().
	states   map[chain.Pubkey]State
	inflight map[chain.Pubkey]*inflightAttempt
	queued   *queue
	retries  map[chain.Pubkey]int

	// Diagnostics counters, atomics because Snapshot reads them from
	// other goroutines.
	evalDrops uint64
	confirmed uint64
	expired   uint64
	raceLost  uint64
	transient uint64
	permanent uint64
	canceled  uint64
	sweeps    uint64

	snapQueued   atomic.Int64
	snapInFlight atomic.Int64
	snapIDs      atomic.Value // []string
}

type inflightAttempt struct {
	attempt *Attempt
	cancel  context.CancelFunc
}

type cmdKind uint8

const (
	cmdEval cmdKind = iota
	cmdEvalMany
	cmdRemove
	cmdClock
	cmdRollback
	cmdResult
	cmdSweep
)

type command struct {
	kind    cmdKind
	id      chain.Pubkey
	ids     []chain.Pubkey
	slot    uint64
	attempt *Attempt
	outcome Outcome
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, idx *index.Index, clk *clockwatch.Tracker, run Runner) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("component", "executor")),
		bus:      bus,
		idx:      idx,
		clk:      clk,
		eng:      trigger.NewEngine(idx),
		run:      run,
		cmds:     make(chan command, cfg.CommandBuffer),
		dispatch: make(chan dispatched, cfg.MaxInFlight),
		states:   make(map[chain.Pubkey]State),
		inflight: make(map[chain.Pubkey]*inflightAttempt),
		queued:   newQueue(),
		retries:  make(map[chain.Pubkey]int),
	}
}

// Run drives the scheduler loop plus the worker pool until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.MaxInFlight; i++ {
		go s.worker(ctx)
	}
	return s.loop(ctx)
}

// post enqueues a command without ever blocking the caller. The ingestion
// loop must not stall on a saturated scheduler; the periodic sweep picks
// up anything a dropped eval would have found.
func (s *Service) post(c command) {
	select {
	case s.cmds <- c:
	default:
		if c.kind == cmdResult {
			// Results carry state transitions and must not be lost.
			s.cmds <- c
			return
		}
		atomic.AddUint64(&s.evalDrops, 1)
	}
}

// ingest.Scheduler implementation. All five are safe from any goroutine.

func (s *Service) TaskChanged(id chain.Pubkey)     { s.post(command{kind: cmdEval, id: id}) }
func (s *Service) TasksChanged(ids []chain.Pubkey) { s.post(command{kind: cmdEvalMany, ids: ids}) }
func (s *Service) TaskRemoved(id chain.Pubkey)     { s.post(command{kind: cmdRemove, id: id}) }
func (s *Service) ClockAdvanced()                  { s.post(command{kind: cmdClock}) }
func (s *Service) Rollback(slot uint64)            { s.post(command{kind: cmdRollback, slot: slot}) }

func (s *Service) loop(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			s.handleSweep()
		case c := <-s.cmds:
			switch c.kind {
			case cmdEval:
				s.evaluate(c.id)
			case cmdEvalMany:
				for _, id := range c.ids {
					s.evaluate(id)
				}
			case cmdRemove:
				s.handleRemove(c.id)
			case cmdClock:
				// Time-based due-ness is covered by queued due times
				// and the sweep; clock advancement only needs to let
				// already-due work through.
			case cmdRollback:
				s.handleRollback(c.slot)
			case cmdResult:
				s.handleResult(c.attempt, c.outcome)
			case cmdSweep:
				s.handleSweep()
			}
		}
		s.promote(ctx)
	}
}

// evaluate re-checks a single task's due-ness. Only Idle tasks are
// considered; Queued and InFlight tasks already hold their window.
func (s *Service) evaluate(id chain.Pubkey) {
	if s.states[id] != StateIdle {
		return
	}
	t, ok := s.idx.Get(id)
	if !ok {
		return
	}
	clk, ok := s.clk.Current()
	if !ok {
		// No clock observed yet; the sweep will retry once it arrives.
		return
	}
	d := s.eng.IsDue(t, clk)
	if d.Err != nil {
		s.log.Warn("task has unevaluable trigger",
			logx.String("task", id.String()),
			logx.Err(d.Err))
		return
	}
	if !d.Due {
		return
	}
	s.states[id] = StateQueued
	s.queued.Push(id, d.DueAt)
	s.snapQueued.Store(int64(s.queued.Len()))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeAttemptQueued,
		Time: time.Now(),
		Data: AttemptEvent{TaskID: id.String()},
	})
}

// promote admits queued tasks while capacity remains, oldest due first.
// Due-ness is re-verified at admission; the index may have moved on since
// the task was queued.
func (s *Service) promote(ctx context.Context) {
	clk, haveClock := s.clk.Current()
	for len(s.inflight) < s.cfg.MaxInFlight {
		id, dueAt, ok := s.queued.Pop()
		if !ok {
			break
		}
		t, exists := s.idx.Get(id)
		if !exists {
			delete(s.states, id)
			continue
		}
		if haveClock {
			if d := s.eng.IsDue(t, clk); !d.Due {
				delete(s.states, id)
				delete(s.retries, id)
				continue
			}
		}
		a := &Attempt{
			ID:           uuid.NewString(),
			TaskID:       id,
			Task:         t,
			ObservedSlot: t.ObservedSlot,
			DueAt:        dueAt,
			QueuedAt:     time.Now(),
			Retries:      s.retries[id],
		}
		actx, cancel := context.WithCancel(ctx)
		s.states[id] = StateInFlight
		s.inflight[id] = &inflightAttempt{attempt: a, cancel: cancel}
		select {
		case s.dispatch <- dispatched{attempt: a, ctx: actx}:
		case <-ctx.Done():
			cancel()
			return
		}
	}
	s.snapQueued.Store(int64(s.queued.Len()))
	s.snapshotInflight()
}

// snapshotInflight mirrors the loop-owned in-flight set for SnapshotNow,
// which runs on status server goroutines.
func (s *Service) snapshotInflight() {
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	s.snapInFlight.Store(int64(len(ids)))
	s.snapIDs.Store(ids)
}

// dispatched pairs an attempt with its cancelable context for the worker.
type dispatched struct {
	attempt *Attempt
	ctx     context.Context
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.dispatch:
			out := s.execute(d.ctx, d.attempt)
			if d.ctx.Err() != nil && out.Kind != OutcomeConfirmed {
				out = Outcome{Kind: OutcomeCanceled, Err: d.ctx.Err()}
			}
			s.post(command{kind: cmdResult, attempt: d.attempt, outcome: out})
		}
	}
}

// execute runs the pipeline for one attempt. A panicking runner must not
// take the worker (and with it the process) down or strand the task's
// in-flight slot; convert it to a failed result instead.
func (s *Service) execute(ctx context.Context, a *Attempt) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("attempt panicked",
				logx.String("task", a.TaskID.String()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			out = Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.run.Execute(ctx, a)
}

func (s *Service) handleResult(a *Attempt, out Outcome) {
	cur, ok := s.inflight[a.TaskID]
	if !ok || cur.attempt.ID != a.ID {
		// Stale result from an attempt already abandoned by rollback or
		// removal. Nothing to transition.
		return
	}
	cur.cancel()
	delete(s.inflight, a.TaskID)
	delete(s.states, a.TaskID)
	s.snapshotInflight()

	took := time.Since(a.QueuedAt)
	ev := AttemptEvent{
		AttemptID: a.ID,
		TaskID:    a.TaskID.String(),
		Outcome:   out.Kind.String(),
		Retries:   a.Retries,
		Took:      took,
	}
	if out.Signature != (chain.Signature{}) {
		ev.Signature = out.Signature.String()
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}

	switch out.Kind {
	case OutcomeConfirmed:
		atomic.AddUint64(&s.confirmed, 1)
		delete(s.retries, a.TaskID)
		s.log.Info("attempt confirmed",
			logx.String("task", ev.TaskID),
			logx.String("signature", ev.Signature),
			logx.Duration("took", took))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptConfirmed, Time: time.Now(), Data: ev})
	case OutcomeExpired:
		atomic.AddUint64(&s.expired, 1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptExpired, Time: time.Now(), Data: ev})
		n := s.retries[a.TaskID] + 1
		if n <= s.cfg.RetryMax {
			s.retries[a.TaskID] = n
			s.log.Debug("blockhash expired, requeueing",
				logx.String("task", ev.TaskID), logx.Int("retry", n))
			s.states[a.TaskID] = StateQueued
			s.queued.Push(a.TaskID, a.DueAt)
		} else {
			delete(s.retries, a.TaskID)
			s.log.Warn("attempt retries exhausted after expiry",
				logx.String("task", ev.TaskID), logx.Int("retries", n-1))
		}
	case OutcomeRaceLost:
		atomic.AddUint64(&s.raceLost, 1)
		delete(s.retries, a.TaskID)
		s.log.Debug("attempt lost execution race", logx.String("task", ev.TaskID))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptRaceLost, Time: time.Now(), Data: ev})
	case OutcomeTransient:
		atomic.AddUint64(&s.transient, 1)
		delete(s.retries, a.TaskID)
		s.log.Warn("attempt failed",
			logx.String("task", ev.TaskID), logx.Err(out.Err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptFailed, Time: time.Now(), Data: ev})
	case OutcomePermanent:
		atomic.AddUint64(&s.permanent, 1)
		delete(s.retries, a.TaskID)
		s.log.Error("attempt can never succeed",
			logx.String("task", ev.TaskID), logx.Err(out.Err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptFailed, Time: time.Now(), Data: ev})
	case OutcomeCanceled:
		atomic.AddUint64(&s.canceled, 1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAttemptCanceled, Time: time.Now(), Data: ev})
	}
}

func (s *Service) handleRemove(id chain.Pubkey) {
	switch s.states[id] {
	case StateQueued:
		s.queued.Remove(id)
		s.snapQueued.Store(int64(s.queued.Len()))
	case StateInFlight:
		// Cancel releases the attempt's context and stops any
		// confirmation polling; a transaction already sent stays in the
		// ledger regardless. The worker's result finds no matching
		// in-flight entry and is dropped as stale.
		if cur, ok := s.inflight[id]; ok {
			cur.cancel()
		}
		delete(s.inflight, id)
		s.snapshotInflight()
	}
	delete(s.states, id)
	delete(s.retries, id)
}

// handleRollback abandons every queued and in-flight attempt whose task
// state was observed above the rollback slot. The ingestion service has
// already rewound the clock before this command arrives.
func (s *Service) handleRollback(slot uint64) {
	var dropped int
	for id := range s.queued.items {
		t, ok := s.idx.Get(id)
		if !ok || t.ObservedSlot > slot {
			s.queued.Remove(id)
			delete(s.states, id)
			delete(s.retries, id)
			dropped++
		}
	}
	for id, cur := range s.inflight {
		if cur.attempt.ObservedSlot > slot {
			cur.cancel()
			delete(s.inflight, id)
			delete(s.states, id)
			delete(s.retries, id)
			dropped++
		}
	}
	s.snapQueued.Store(int64(s.queued.Len()))
	s.snapshotInflight()
	if dropped > 0 {
		s.log.Warn("abandoned attempts after fork rollback",
			logx.Uint64("slot", slot), logx.Int("abandoned", dropped))
	}
}

// handleSweep re-evaluates every indexed task. It is the safety net for
// due-ness that arises purely from the passage of chain time and for any
// eval commands dropped under load.
func (s *Service) handleSweep() {
	atomic.AddUint64(&s.sweeps, 1)
	for _, id := range s.idx.IDs() {
		s.evaluate(id)
	}
}

// Sweep requests an immediate full sweep, used at startup once the
// snapshot replay finishes.
func (s *Service) Sweep() { s.post(command{kind: cmdSweep}) }

// SnapshotNow returns diagnostics counters for the status server.
func (s *Service) SnapshotNow() Snapshot {
	ids, _ := s.snapIDs.Load().([]string)
	return Snapshot{
		MaxInFlight: s.cfg.MaxInFlight,
		Queued:      int(s.snapQueued.Load()),
		InFlight:    int(s.snapInFlight.Load()),
		InFlightIDs: ids,
		EvalDrops:   atomic.LoadUint64(&s.evalDrops),
		Confirmed:   atomic.LoadUint64(&s.confirmed),
		Expired:     atomic.LoadUint64(&s.expired),
		RaceLost:    atomic.LoadUint64(&s.raceLost),
		Transient:   atomic.LoadUint64(&s.transient),
		Permanent:   atomic.LoadUint64(&s.permanent),
		Canceled:    atomic.LoadUint64(&s.canceled),
		SweepsRun:   atomic.LoadUint64(&s.sweeps),
	}
}
