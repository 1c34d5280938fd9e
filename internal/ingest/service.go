// Package ingest is the write side of the engine: it consumes host
// notifications, decodes recognized accounts, and reconciles the task index
// and clock tracker. It is the only writer of both.
package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"slotwork/internal/chain"
	"slotwork/internal/clockwatch"
	"slotwork/internal/eventbus"
	"slotwork/internal/index"
	"slotwork/internal/task"
	logx "slotwork/pkg/logx"
)

// Scheduler is the executor surface ingestion drives. All calls happen from
// the single ingestion loop.
type Scheduler interface {
	// TaskChanged requests a due-ness re-evaluation for one task.
	TaskChanged(id chain.Pubkey)
	// TasksChanged requests re-evaluation for several tasks at once.
	TasksChanged(ids []chain.Pubkey)
	// TaskRemoved tells the executor the task account closed.
	TaskRemoved(id chain.Pubkey)
	// ClockAdvanced signals new clock state (time-based triggers may have
	// become due).
	ClockAdvanced()
	// Rollback cancels in-flight attempts built from state observed at a
	// slot strictly greater than slot.
	Rollback(slot uint64)
	// Sweep requests a full due-ness pass over the index, used once the
	// startup snapshot has been consumed.
	Sweep()
}

type Config struct {
	// ProgramID is the on-chain program whose accounts are task records.
	ProgramID chain.Pubkey
	// QueueSize bounds the notification channel between source and loop.
	QueueSize int
}

type Service struct {
	cfg   Config
	idx   *index.Index
	clock *clockwatch.Tracker
	sched Scheduler
	log   logx.Logger
	bus   eventbus.Bus

	source Source

	// write-version high-water marks, touched only by the ingestion loop.
	writeVersions map[chain.Pubkey]uint64

	// Counters are best-effort diagnostics read by the status server.
	applied     atomic.Uint64
	staleDrops  atomic.Uint64
	decodeFails atomic.Uint64
	ignored     atomic.Uint64

	lastRooted    atomic.Uint64
	lastConfirmed atomic.Uint64
}

func New(cfg Config, source Source, idx *index.Index, clock *clockwatch.Tracker, sched Scheduler, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:           cfg,
		idx:           idx,
		clock:         clock,
		sched:         sched,
		log:           log,
		bus:           bus,
		source:        source,
		writeVersions: map[chain.Pubkey]uint64{},
	}
}

// Counters is a point-in-time diagnostics view.
type Counters struct {
	Applied       uint64 `json:"applied"`
	StaleDrops    uint64 `json:"stale_drops"`
	DecodeFails   uint64 `json:"decode_fails"`
	Ignored       uint64 `json:"ignored"`
	LastRooted    uint64 `json:"last_rooted"`
	LastConfirmed uint64 `json:"last_confirmed"`
}

func (s *Service) CountersNow() Counters {
	return Counters{
		Applied:       s.applied.Load(),
		StaleDrops:    s.staleDrops.Load(),
		DecodeFails:   s.decodeFails.Load(),
		Ignored:       s.ignored.Load(),
		LastRooted:    s.lastRooted.Load(),
		LastConfirmed: s.lastConfirmed.Load(),
	}
}

// Run pumps the source until ctx is canceled. Intended to be supervised
// with restart-on-error.
func (s *Service) Run(ctx context.Context) error {
	sink := make(chan Notification, s.cfg.QueueSize)

	errCh := make(chan error, 1)
	go func() { errCh <- s.source.Run(ctx, sink) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			// Source ended cleanly (e.g. replay file exhausted). Drain what
			// it delivered, then sweep so everything indexed gets evaluated.
			for {
				select {
				case n := <-sink:
					s.Apply(n)
					continue
				default:
				}
				break
			}
			s.sched.Sweep()
			return nil
		case n := <-sink:
			s.Apply(n)
		}
	}
}

// Apply routes one notification. Exported so tests and in-process sources
// can drive the service directly; must be called from a single goroutine.
func (s *Service) Apply(n Notification) {
	switch v := n.(type) {
	case AccountUpdate:
		s.applyAccount(v)
	case SlotStatusUpdate:
		s.applySlotStatus(v)
	case ForkRollback:
		s.applyRollback(v)
	}
}

func (s *Service) applyAccount(u AccountUpdate) {
	watchers := s.idx.AffectedBy(u.Pubkey)

	recognized := u.Owner == s.cfg.ProgramID || u.Pubkey == clockwatch.SysvarClock || len(watchers) > 0
	if !recognized {
		s.ignored.Add(1)
		return
	}

	// Per-account write-version ordering: a lower version arriving after a
	// higher one is a late-delivered duplicate.
	if last, ok := s.writeVersions[u.Pubkey]; ok && u.WriteVersion < last {
		s.staleDrops.Add(1)
		s.log.Trace("stale update dropped",
			logx.String("account", u.Pubkey.String()),
			logx.Uint64("write_version", u.WriteVersion),
			logx.Uint64("held", last))
		return
	}
	s.writeVersions[u.Pubkey] = u.WriteVersion
	s.applied.Add(1)

	if u.Pubkey == clockwatch.SysvarClock {
		st, err := clockwatch.DecodeSysvar(u.Data)
		if err != nil {
			s.decodeFails.Add(1)
			s.log.Warn("clock sysvar decode failed", logx.Err(err), logx.Uint64("slot", u.Slot))
			return
		}
		s.clock.Observe(st)
		s.sched.ClockAdvanced()
		return
	}

	if u.Owner == s.cfg.ProgramID {
		s.applyTaskAccount(u)
	}

	// The same update may also feed Account triggers watching this address.
	if len(watchers) > 0 {
		changed := s.idx.ObserveWatched(u.Pubkey, u.Data)
		if len(changed) > 0 {
			s.sched.TasksChanged(changed)
		}
	}
}

func (s *Service) applyTaskAccount(u AccountUpdate) {
	if len(u.Data) == 0 || allZero(u.Data) {
		// Account closed.
		s.idx.Remove(u.Pubkey)
		s.sched.TaskRemoved(u.Pubkey)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskRemoved, Data: u.Pubkey.String()})
		}
		s.log.Debug("task removed", logx.String("task", u.Pubkey.String()), logx.Uint64("slot", u.Slot))
		return
	}

	t, err := task.Decode(u.Pubkey, u.Data)
	if err != nil {
		// Malformed payload: log, discard, continue. Never fatal.
		s.decodeFails.Add(1)
		s.log.Warn("task decode failed",
			logx.String("account", u.Pubkey.String()),
			logx.Uint64("slot", u.Slot),
			logx.Err(err))
		return
	}
	t.ObservedSlot = u.Slot
	t.WriteVersion = u.WriteVersion

	_, existed := s.idx.Get(u.Pubkey)
	s.idx.Upsert(t)
	s.sched.TaskChanged(u.Pubkey)

	if !existed && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskIndexed, Data: u.Pubkey.String()})
	}
	s.log.Debug("task indexed",
		logx.String("task", u.Pubkey.String()),
		logx.String("trigger", t.Trigger.Kind.String()),
		logx.Uint64("slot", u.Slot),
		logx.Bool("startup", u.Startup))
}

func (s *Service) applySlotStatus(u SlotStatusUpdate) {
	switch u.Status {
	case SlotRooted:
		s.lastRooted.Store(u.Slot)
	case SlotConfirmed:
		s.lastConfirmed.Store(u.Slot)
	}
}

func (s *Service) applyRollback(r ForkRollback) {
	// Fork handling, in order:
	//   (a) rewind the clock to the fork point,
	//   (b) cancel in-flight attempts built from now-nonexistent state,
	//   (c) leave the index alone; replay along the new fork corrects it.
	st := s.clock.RollbackTo(r.Slot)
	s.sched.Rollback(r.Slot)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeForkRollback, Time: time.Now(), Data: r.Slot})
	}
	s.log.Info("fork rollback",
		logx.Uint64("slot", r.Slot),
		logx.Uint64("clock_slot", st.Slot))
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
