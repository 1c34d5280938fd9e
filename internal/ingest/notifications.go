package ingest

import (
	"context"

	"slotwork/internal/chain"
)

// SlotStatus is the host's commitment level for a slot.
type SlotStatus uint8

const (
	SlotProcessed SlotStatus = iota
	SlotConfirmed
	SlotRooted
)

func (s SlotStatus) String() string {
	switch s {
	case SlotProcessed:
		return "processed"
	case SlotConfirmed:
		return "confirmed"
	case SlotRooted:
		return "rooted"
	default:
		return "unknown"
	}
}

// Notification is one message from the host runtime. The set is closed:
// account update, slot status, fork rollback.
type Notification interface{ isNotification() }

// AccountUpdate carries new content for one account at one slot.
// Startup snapshot replay delivers these with Startup set and no slot-status
// framing; they are applied identically to live updates.
type AccountUpdate struct {
	Pubkey       chain.Pubkey
	Owner        chain.Pubkey
	Data         []byte
	Slot         uint64
	WriteVersion uint64
	Startup      bool
}

// SlotStatusUpdate reports a slot reaching a commitment level.
type SlotStatusUpdate struct {
	Slot   uint64
	Status SlotStatus
}

// ForkRollback signals that slots above Slot have been abandoned for an
// alternate fork. It is a control signal, not an error.
type ForkRollback struct {
	Slot uint64
}

func (AccountUpdate) isNotification()    {}
func (SlotStatusUpdate) isNotification() {}
func (ForkRollback) isNotification()     {}

// Source delivers host notifications. Run blocks until ctx is canceled or
// the stream ends, pushing notifications into sink in arrival order.
type Source interface {
	Run(ctx context.Context, sink chan<- Notification) error
}

// IdleSource delivers nothing. It stands in when no notification source is
// configured so the rest of the engine still runs behind the status API.
type IdleSource struct{}

func (IdleSource) Run(ctx context.Context, _ chan<- Notification) error {
	<-ctx.Done()
	return ctx.Err()
}
