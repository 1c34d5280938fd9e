// Package clockwatch derives current network time from decoded clock-sysvar
// updates. The clock is data, not a local timer: it arrives asynchronously
// and can be rewound by a fork switch.
package clockwatch

import (
	"encoding/binary"
	"fmt"
	"sync"

	"slotwork/internal/chain"
)

// SysvarClock is the clock sysvar account address.
var SysvarClock = chain.MustPubkey("SysvarC1ock11111111111111111111111111111111")

const sysvarClockSize = 40

// State is a point-in-time view of network time.
type State struct {
	UnixTimestamp int64  `json:"unix_timestamp"`
	Slot          uint64 `json:"slot"`
	Epoch         uint64 `json:"epoch"`
}

// DecodeSysvar parses the clock sysvar payload:
// slot, epoch_start_timestamp, epoch, leader_schedule_epoch, unix_timestamp,
// all 8-byte little-endian.
func DecodeSysvar(data []byte) (State, error) {
	if len(data) < sysvarClockSize {
		return State{}, fmt.Errorf("clock sysvar: got %d bytes, want %d", len(data), sysvarClockSize)
	}
	return State{
		Slot:          binary.LittleEndian.Uint64(data[0:8]),
		Epoch:         binary.LittleEndian.Uint64(data[16:24]),
		UnixTimestamp: int64(binary.LittleEndian.Uint64(data[32:40])),
	}, nil
}

// historyDepth bounds how far back a fork switch can rewind the clock.
// Confirmed forks deeper than this are not survivable by design.
const historyDepth = 512

// Tracker owns the latest clock state plus a bounded history of past
// observations so it can rewind to a fork point.
//
// Writer: ingestion only. Readers: anyone, via Current().
type Tracker struct {
	mu      sync.RWMutex
	cur     State
	haveCur bool

	// history is ordered by slot ascending; newest last.
	history []State
}

func NewTracker() *Tracker {
	return &Tracker{history: make([]State, 0, historyDepth)}
}

// Current returns the latest observed state and whether any state has been
// observed yet.
func (t *Tracker) Current() (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur, t.haveCur
}

// Observe records a decoded clock update. Out-of-order observations along
// the same fork (slot or timestamp going backwards without a rollback) are
// dropped; replayed duplicates are harmless.
func (t *Tracker) Observe(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.haveCur && s.Slot < t.cur.Slot {
		// Late delivery from an already-passed slot.
		return
	}
	if t.haveCur && s.Slot == t.cur.Slot {
		t.cur = s
		if n := len(t.history); n > 0 && t.history[n-1].Slot == s.Slot {
			t.history[n-1] = s
		}
		return
	}

	t.cur = s
	t.haveCur = true
	t.history = append(t.history, s)
	if len(t.history) > historyDepth {
		t.history = t.history[len(t.history)-historyDepth:]
	}
}

// RollbackTo rewinds the clock to the last observation at-or-before slot.
// Used exclusively by ingestion during fork handling. If no observation
// that old is retained, the tracker keeps the oldest one it has: replay
// along the new fork will correct it.
func (t *Tracker) RollbackTo(slot uint64) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Drop everything above the fork point.
	i := len(t.history)
	for i > 0 && t.history[i-1].Slot > slot {
		i--
	}
	if i > 0 {
		t.cur = t.history[i-1]
	} else if len(t.history) > 0 {
		// Fork deeper than the retained history. The oldest retained
		// observation is the closest to the fork point; flagging haveCur
		// false instead would stall trigger evaluation entirely.
		t.cur = t.history[0]
	}
	t.history = t.history[:i]
	return t.cur
}
