// Package task defines the engine's read projection of on-chain scheduled
// task accounts: the data model, the trigger variants, and a reference
// binary codec for the account payload.
//
// A Task record is never authoritative. The chain writes execution
// bookkeeping back into the account after each run; the engine only mirrors
// what it has been told through account notifications.
package task

import (
	"crypto/sha256"

	"slotwork/internal/chain"
)

// TriggerKind enumerates the closed set of trigger variants.
type TriggerKind uint8

const (
	TriggerCron TriggerKind = iota
	TriggerAccount
	TriggerSlot
	TriggerEpoch
	TriggerTimestamp
	TriggerNow
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerCron:
		return "cron"
	case TriggerAccount:
		return "account"
	case TriggerSlot:
		return "slot"
	case TriggerEpoch:
		return "epoch"
	case TriggerTimestamp:
		return "timestamp"
	case TriggerNow:
		return "now"
	default:
		return "unknown"
	}
}

// Trigger is a tagged variant; only the fields for Kind are meaningful.
type Trigger struct {
	Kind TriggerKind

	// Cron
	Schedule string
	// Skippable collapses missed firings into one when true. When false the
	// eligible pointer advances one firing per execution so a backlog
	// replays one run at a time.
	Skippable bool

	// Account: watch a byte window of another account's data.
	// Size 0 means "to end of data".
	Watched chain.Pubkey
	Offset  uint32
	Size    uint32

	// Slot / Epoch / Timestamp targets.
	TargetSlot  uint64
	TargetEpoch uint64
	TargetUnix  int64
}

// SerializableAccount mirrors one account reference inside a stored
// instruction template.
type SerializableAccount struct {
	Pubkey     chain.Pubkey
	IsSigner   bool
	IsWritable bool
}

// SerializableInstruction is the instruction payload template stored on
// chain. It compiles 1:1 into a chain.Instruction.
type SerializableInstruction struct {
	ProgramID chain.Pubkey
	Accounts  []SerializableAccount
	Data      []byte
}

// Instruction converts the template into a wire instruction.
func (s SerializableInstruction) Instruction() chain.Instruction {
	ix := chain.Instruction{ProgramID: s.ProgramID, Data: s.Data}
	for _, a := range s.Accounts {
		ix.Accounts = append(ix.Accounts, chain.AccountMeta{
			Pubkey:     a.Pubkey,
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		})
	}
	return ix
}

// ExecContext is the chain-written bookkeeping of past executions.
// Nil on a task that has never run.
type ExecContext struct {
	LastExecAt     int64  // unix seconds of the last executed firing
	LastExecSlot   uint64 // slot the last execution landed in
	ExecsSinceSlot uint64 // executions already landed in LastExecSlot
	// TriggerHash is the watched-account content hash recorded at the last
	// execution (account triggers only).
	TriggerHash chain.Hash
}

// Task is one schedulable unit.
type Task struct {
	ID        chain.Pubkey
	Authority chain.Pubkey

	CreatedAt   int64 // unix seconds
	CreatedSlot uint64

	Paused bool
	// RateLimit caps executions per slot. 0 means unlimited.
	RateLimit uint64
	// Fee is the lamport fee the task account pays the executor per run.
	Fee uint64

	Trigger Trigger

	// KickoffInstruction starts an execution sequence; NextInstruction is
	// set by the chain while a multi-step sequence is mid-flight.
	KickoffInstruction SerializableInstruction
	NextInstruction    *SerializableInstruction

	Exec *ExecContext

	// Engine-side observation metadata (not part of the account payload).
	ObservedSlot uint64
	WriteVersion uint64
}

// Clone returns a deep copy so index readers never share mutable slices
// with the ingestion writer.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.KickoffInstruction = t.KickoffInstruction.clone()
	if t.NextInstruction != nil {
		ni := t.NextInstruction.clone()
		cp.NextInstruction = &ni
	}
	if t.Exec != nil {
		e := *t.Exec
		cp.Exec = &e
	}
	return &cp
}

func (s SerializableInstruction) clone() SerializableInstruction {
	cp := s
	cp.Accounts = append([]SerializableAccount(nil), s.Accounts...)
	cp.Data = append([]byte(nil), s.Data...)
	return cp
}

// LastExecAt returns the reference time for cron evaluation: the last
// executed firing, or task creation if the task never ran.
func (t *Task) LastExecAt() int64 {
	if t.Exec != nil && t.Exec.LastExecAt != 0 {
		return t.Exec.LastExecAt
	}
	return t.CreatedAt
}

// WindowHash hashes the trigger-relevant window of an account's data.
// size 0 hashes from offset to the end; an offset past the end hashes
// the empty window.
func WindowHash(data []byte, offset, size uint32) chain.Hash {
	start := int(offset)
	if start > len(data) {
		start = len(data)
	}
	end := len(data)
	if size > 0 && start+int(size) < end {
		end = start + int(size)
	}
	return chain.Hash(sha256.Sum256(data[start:end]))
}
