package index

import (
	"testing"

	"slotwork/internal/chain"
	"slotwork/internal/task"
)

func pk(b byte) chain.Pubkey {
	var p chain.Pubkey
	p[0] = b
	return p
}

func accountTask(id, watched chain.Pubkey, offset, size uint32) *task.Task {
	return &task.Task{
		ID:      id,
		Trigger: task.Trigger{Kind: task.TriggerAccount, Watched: watched, Offset: offset, Size: size},
	}
}

func TestUpsertGetRemove(t *testing.T) {
	idx := New()
	tk := &task.Task{ID: pk(1), Trigger: task.Trigger{Kind: task.TriggerNow}}
	idx.Upsert(tk)

	got, ok := idx.Get(pk(1))
	if !ok || got != tk {
		t.Fatal("get after upsert")
	}
	if idx.Len() != 1 {
		t.Fatalf("len = %d", idx.Len())
	}

	idx.Remove(pk(1))
	if _, ok := idx.Get(pk(1)); ok {
		t.Fatal("get after remove")
	}
	if idx.Len() != 0 {
		t.Fatalf("len = %d", idx.Len())
	}
}

func TestWatcherLinking(t *testing.T) {
	idx := New()
	watched := pk(9)
	idx.Upsert(accountTask(pk(1), watched, 0, 0))
	idx.Upsert(accountTask(pk(2), watched, 4, 4))

	ids := idx.AffectedBy(watched)
	if len(ids) != 2 {
		t.Fatalf("AffectedBy = %v", ids)
	}
	if got := idx.AffectedBy(pk(8)); got != nil {
		t.Fatalf("unrelated account: %v", got)
	}

	// Retargeting the trigger unlinks the old watched account.
	idx.Upsert(accountTask(pk(1), pk(8), 0, 0))
	if ids := idx.AffectedBy(watched); len(ids) != 1 || ids[0] != pk(2) {
		t.Fatalf("AffectedBy after retarget = %v", ids)
	}

	idx.Remove(pk(2))
	if ids := idx.AffectedBy(watched); ids != nil {
		t.Fatalf("AffectedBy after remove = %v", ids)
	}
}

func TestObserveWatchedWindowing(t *testing.T) {
	idx := New()
	watched := pk(9)
	// Task 1 watches bytes [0,4), task 2 watches [4,8).
	idx.Upsert(accountTask(pk(1), watched, 0, 4))
	idx.Upsert(accountTask(pk(2), watched, 4, 4))

	changed := idx.ObserveWatched(watched, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if len(changed) != 2 {
		t.Fatalf("first observation must mark both: %v", changed)
	}

	// Only the second window changes.
	changed = idx.ObserveWatched(watched, []byte{1, 2, 3, 4, 9, 9, 9, 9})
	if len(changed) != 1 || changed[0] != pk(2) {
		t.Fatalf("changed = %v, want [task 2]", changed)
	}

	// Identical content: nothing changes.
	if got := idx.ObserveWatched(watched, []byte{1, 2, 3, 4, 9, 9, 9, 9}); got != nil {
		t.Fatalf("unchanged content: %v", got)
	}

	if _, ok := idx.WatchHash(pk(1)); !ok {
		t.Fatal("watch hash must be recorded")
	}
	idx.Remove(pk(1))
	if _, ok := idx.WatchHash(pk(1)); ok {
		t.Fatal("watch hash must be dropped with the task")
	}
}
