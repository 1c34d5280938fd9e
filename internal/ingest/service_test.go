package ingest

import (
	"testing"

	"slotwork/internal/chain"
	"slotwork/internal/clockwatch"
	"slotwork/internal/eventbus"
	"slotwork/internal/index"
	"slotwork/internal/task"
	"slotwork/pkg/logx"
)

var program = func() chain.Pubkey {
	var p chain.Pubkey
	p[31] = 0x77
	return p
}()

func pk(b byte) chain.Pubkey {
	var p chain.Pubkey
	p[0] = b
	return p
}

// recordingSched captures scheduler calls plus the clock slot visible at
// the moment of each call.
type recordingSched struct {
	clock *clockwatch.Tracker

	changed      []chain.Pubkey
	batchChanged [][]chain.Pubkey
	removed      []chain.Pubkey
	clockCalls   int
	rollbacks    []uint64
	sweeps       int
	// clockAtRollback records what the tracker reported when Rollback ran.
	clockAtRollback []uint64
}

func (r *recordingSched) TaskChanged(id chain.Pubkey)     { r.changed = append(r.changed, id) }
func (r *recordingSched) TasksChanged(ids []chain.Pubkey) { r.batchChanged = append(r.batchChanged, ids) }
func (r *recordingSched) TaskRemoved(id chain.Pubkey)     { r.removed = append(r.removed, id) }
func (r *recordingSched) ClockAdvanced()                  { r.clockCalls++ }
func (r *recordingSched) Sweep()                          { r.sweeps++ }
func (r *recordingSched) Rollback(slot uint64) {
	r.rollbacks = append(r.rollbacks, slot)
	if st, ok := r.clock.Current(); ok {
		r.clockAtRollback = append(r.clockAtRollback, st.Slot)
	}
}

func newTestService(t *testing.T) (*Service, *recordingSched, *index.Index, *clockwatch.Tracker) {
	t.Helper()
	idx := index.New()
	clock := clockwatch.NewTracker()
	sched := &recordingSched{clock: clock}
	svc := New(Config{ProgramID: program}, nil, idx, clock, sched, logx.Nop(), eventbus.New())
	return svc, sched, idx, clock
}

func taskUpdate(id chain.Pubkey, t *task.Task, slot, wv uint64) AccountUpdate {
	return AccountUpdate{
		Pubkey:       id,
		Owner:        program,
		Data:         task.Encode(t),
		Slot:         slot,
		WriteVersion: wv,
	}
}

func TestApplyIndexesTaskAccount(t *testing.T) {
	svc, sched, idx, _ := newTestService(t)
	id := pk(1)
	tk := &task.Task{ID: id, Authority: pk(2), Trigger: task.Trigger{Kind: task.TriggerNow}}

	svc.Apply(taskUpdate(id, tk, 100, 1))

	got, ok := idx.Get(id)
	if !ok {
		t.Fatal("task not indexed")
	}
	if got.ObservedSlot != 100 || got.WriteVersion != 1 {
		t.Fatalf("observation metadata: %+v", got)
	}
	if len(sched.changed) != 1 || sched.changed[0] != id {
		t.Fatalf("scheduler calls: %v", sched.changed)
	}
}

func TestApplyWriteVersionConvergence(t *testing.T) {
	svc, _, idx, _ := newTestService(t)
	id := pk(1)

	newer := &task.Task{ID: id, Trigger: task.Trigger{Kind: task.TriggerNow}, Fee: 2}
	older := &task.Task{ID: id, Trigger: task.Trigger{Kind: task.TriggerNow}, Fee: 1}

	// Higher write version lands first; the stale lower one must be
	// dropped no matter the arrival order.
	svc.Apply(taskUpdate(id, newer, 101, 5))
	svc.Apply(taskUpdate(id, older, 100, 4))

	got, _ := idx.Get(id)
	if got.Fee != 2 {
		t.Fatalf("stale update applied: fee = %d", got.Fee)
	}
	if c := svc.CountersNow(); c.StaleDrops != 1 || c.Applied != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestApplyIgnoresForeignAccounts(t *testing.T) {
	svc, sched, idx, _ := newTestService(t)
	svc.Apply(AccountUpdate{Pubkey: pk(3), Owner: pk(4), Data: []byte{1}, Slot: 1, WriteVersion: 1})

	if idx.Len() != 0 || len(sched.changed) != 0 {
		t.Fatal("foreign account must be ignored")
	}
	if c := svc.CountersNow(); c.Ignored != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestApplyRemovesClosedAccount(t *testing.T) {
	svc, sched, idx, _ := newTestService(t)
	id := pk(1)
	svc.Apply(taskUpdate(id, &task.Task{ID: id, Trigger: task.Trigger{Kind: task.TriggerNow}}, 100, 1))

	// Zeroed data means closed.
	svc.Apply(AccountUpdate{Pubkey: id, Owner: program, Data: make([]byte, 8), Slot: 101, WriteVersion: 2})
	if idx.Len() != 0 {
		t.Fatal("closed account still indexed")
	}
	if len(sched.removed) != 1 || sched.removed[0] != id {
		t.Fatalf("removed calls: %v", sched.removed)
	}
}

func TestApplyMalformedPayloadIsSkipped(t *testing.T) {
	svc, _, idx, _ := newTestService(t)
	svc.Apply(AccountUpdate{Pubkey: pk(1), Owner: program, Data: []byte{0xff, 0x01}, Slot: 1, WriteVersion: 1})

	if idx.Len() != 0 {
		t.Fatal("malformed payload indexed")
	}
	if c := svc.CountersNow(); c.DecodeFails != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestApplyClockSysvar(t *testing.T) {
	svc, sched, _, clock := newTestService(t)

	data := make([]byte, 40)
	data[0] = 42 // slot 42 LE
	svc.Apply(AccountUpdate{Pubkey: clockwatch.SysvarClock, Owner: pk(9), Data: data, Slot: 42, WriteVersion: 1})

	st, ok := clock.Current()
	if !ok || st.Slot != 42 {
		t.Fatalf("clock = %+v", st)
	}
	if sched.clockCalls != 1 {
		t.Fatalf("ClockAdvanced calls = %d", sched.clockCalls)
	}
}

func TestApplyWatchedAccountFeedsTriggers(t *testing.T) {
	svc, sched, idx, _ := newTestService(t)
	watched := pk(9)
	idx.Upsert(&task.Task{
		ID:      pk(1),
		Trigger: task.Trigger{Kind: task.TriggerAccount, Watched: watched},
	})

	// Not program-owned, but watched: recognized and fed to the trigger
	// path.
	svc.Apply(AccountUpdate{Pubkey: watched, Owner: pk(4), Data: []byte{1, 2}, Slot: 5, WriteVersion: 1})
	if len(sched.batchChanged) != 1 || sched.batchChanged[0][0] != pk(1) {
		t.Fatalf("TasksChanged calls: %v", sched.batchChanged)
	}

	// Same content again: hash unchanged, no signal.
	svc.Apply(AccountUpdate{Pubkey: watched, Owner: pk(4), Data: []byte{1, 2}, Slot: 6, WriteVersion: 2})
	if len(sched.batchChanged) != 1 {
		t.Fatalf("unchanged content must not re-signal: %v", sched.batchChanged)
	}
}

func TestApplyRollbackOrder(t *testing.T) {
	svc, sched, _, clock := newTestService(t)
	clock.Observe(clockwatch.State{Slot: 90})
	clock.Observe(clockwatch.State{Slot: 100})

	svc.Apply(ForkRollback{Slot: 95})

	if len(sched.rollbacks) != 1 || sched.rollbacks[0] != 95 {
		t.Fatalf("rollback calls: %v", sched.rollbacks)
	}
	// The clock must already be rewound when the scheduler is told.
	if len(sched.clockAtRollback) != 1 || sched.clockAtRollback[0] != 90 {
		t.Fatalf("clock at rollback = %v, want [90]", sched.clockAtRollback)
	}
}

func TestApplySlotStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.Apply(SlotStatusUpdate{Slot: 10, Status: SlotConfirmed})
	svc.Apply(SlotStatusUpdate{Slot: 8, Status: SlotRooted})

	c := svc.CountersNow()
	if c.LastConfirmed != 10 || c.LastRooted != 8 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestStartupReplayIsIdempotent(t *testing.T) {
	svc, _, idx, _ := newTestService(t)
	id := pk(1)
	tk := &task.Task{ID: id, Trigger: task.Trigger{Kind: task.TriggerNow}, Fee: 7}

	// The same snapshot delivered twice (restart mid-snapshot) converges
	// to the same index state.
	u := taskUpdate(id, tk, 100, 3)
	u.Startup = true
	svc.Apply(u)
	svc.Apply(u)

	if idx.Len() != 1 {
		t.Fatalf("len = %d", idx.Len())
	}
	got, _ := idx.Get(id)
	if got.Fee != 7 || got.WriteVersion != 3 {
		t.Fatalf("converged state: %+v", got)
	}
}
