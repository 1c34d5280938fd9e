// Package index owns the authoritative in-memory map of task id to task
// state. Ingestion is the only writer; the trigger engine and executor read
// concurrently under a reader-writer discipline.
//
// Records are immutable once stored: the writer always replaces whole
// pointers, never mutates in place, so readers can hold a record without
// ever observing a partially-applied update.
package index

import (
	"sync"

	"slotwork/internal/chain"
	"slotwork/internal/task"
)

type Index struct {
	mu    sync.RWMutex
	tasks map[chain.Pubkey]*task.Task

	// watchers maps a watched account to the tasks whose Account trigger
	// depends on it.
	watchers map[chain.Pubkey]map[chain.Pubkey]struct{}

	// watchHash is the last-seen content hash of each watcher's window,
	// keyed by the watching task.
	watchHash map[chain.Pubkey]chain.Hash
}

func New() *Index {
	return &Index{
		tasks:     map[chain.Pubkey]*task.Task{},
		watchers:  map[chain.Pubkey]map[chain.Pubkey]struct{}{},
		watchHash: map[chain.Pubkey]chain.Hash{},
	}
}

// Upsert stores or replaces a task record and maintains the reverse
// watcher mapping for Account triggers.
func (i *Index) Upsert(t *task.Task) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if prev, ok := i.tasks[t.ID]; ok {
		i.unlinkWatcherLocked(prev)
	}
	i.tasks[t.ID] = t
	if t.Trigger.Kind == task.TriggerAccount {
		set := i.watchers[t.Trigger.Watched]
		if set == nil {
			set = map[chain.Pubkey]struct{}{}
			i.watchers[t.Trigger.Watched] = set
		}
		set[t.ID] = struct{}{}
	}
}

// Remove drops a task (account closed). Watch bookkeeping goes with it.
func (i *Index) Remove(id chain.Pubkey) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if prev, ok := i.tasks[id]; ok {
		i.unlinkWatcherLocked(prev)
		delete(i.tasks, id)
	}
	delete(i.watchHash, id)
}

func (i *Index) unlinkWatcherLocked(t *task.Task) {
	if t.Trigger.Kind != task.TriggerAccount {
		return
	}
	if set := i.watchers[t.Trigger.Watched]; set != nil {
		delete(set, t.ID)
		if len(set) == 0 {
			delete(i.watchers, t.Trigger.Watched)
		}
	}
}

func (i *Index) Get(id chain.Pubkey) (*task.Task, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tasks[id]
	return t, ok
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.tasks)
}

// AffectedBy returns the ids of tasks whose Account trigger watches the
// changed account.
func (i *Index) AffectedBy(changed chain.Pubkey) []chain.Pubkey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set := i.watchers[changed]
	if len(set) == 0 {
		return nil
	}
	out := make([]chain.Pubkey, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ObserveWatched records new content for a watched account: each watcher's
// window hash is recomputed. Returns the ids whose hash actually changed.
func (i *Index) ObserveWatched(changed chain.Pubkey, data []byte) []chain.Pubkey {
	i.mu.Lock()
	defer i.mu.Unlock()

	set := i.watchers[changed]
	if len(set) == 0 {
		return nil
	}
	var out []chain.Pubkey
	for id := range set {
		t := i.tasks[id]
		if t == nil {
			continue
		}
		h := task.WindowHash(data, t.Trigger.Offset, t.Trigger.Size)
		if i.watchHash[id] != h {
			i.watchHash[id] = h
			out = append(out, id)
		}
	}
	return out
}

// WatchHash returns the last-seen window hash for an Account-triggered
// task, if any content has been observed.
func (i *Index) WatchHash(id chain.Pubkey) (chain.Hash, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	h, ok := i.watchHash[id]
	return h, ok
}

// ForEach visits every task under the read lock. The callback must not
// block or call back into the index.
func (i *Index) ForEach(fn func(t *task.Task) bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, t := range i.tasks {
		if !fn(t) {
			return
		}
	}
}

// IDs returns a snapshot of all task ids.
func (i *Index) IDs() []chain.Pubkey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]chain.Pubkey, 0, len(i.tasks))
	for id := range i.tasks {
		out = append(out, id)
	}
	return out
}
