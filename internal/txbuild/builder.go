// Package txbuild assembles execution transactions from indexed task
// records. It is pure: no RPC, no clocks, no state. The submit pipeline
// owns blockhash fetching and simulation sizing and calls Build once per
// sizing pass.
package txbuild

import (
	"errors"
	"fmt"

	"slotwork/internal/chain"
	"slotwork/internal/task"
)

const (
	// MaxComputeUnits is the per-transaction compute ceiling.
	MaxComputeUnits = 1_400_000
	// ComputeUnitBuffer is added on top of simulated consumption so a
	// slightly heavier real run does not abort at the limit.
	ComputeUnitBuffer = 1_000
)

// ErrTooLarge marks a transaction that exceeds the wire size limit. It can
// never succeed, so the attempt is classified permanent.
var ErrTooLarge = errors.New("transaction exceeds wire size limit")

type Config struct {
	// ComputeUnitPrice is the priority fee in micro-lamports per compute
	// unit. 0 omits the price instruction.
	ComputeUnitPrice uint64
}

type Builder struct {
	cfg    Config
	signer chain.Signer
}

func New(cfg Config, signer chain.Signer) *Builder {
	return &Builder{cfg: cfg, signer: signer}
}

// Payer returns the fee payer for built transactions.
func (b *Builder) Payer() chain.Pubkey { return b.signer.Pubkey() }

// SizeComputeLimit converts simulated consumption into the limit for the
// final transaction.
func SizeComputeLimit(unitsConsumed uint64) uint32 {
	limit := unitsConsumed + ComputeUnitBuffer
	if limit > MaxComputeUnits {
		limit = MaxComputeUnits
	}
	return uint32(limit)
}

// Build assembles and signs an execution transaction for t.
//
// A task mid-sequence executes its continuation instruction; otherwise the
// kickoff instruction starts a new sequence. Account triggers get the
// watched account appended read-only so the program can re-verify the
// trigger content on chain.
func (b *Builder) Build(t *task.Task, blockhash chain.Hash, computeLimit uint32) (*chain.Transaction, error) {
	ix := b.taskInstruction(t)

	ixs := make([]chain.Instruction, 0, 3)
	ixs = append(ixs, chain.SetComputeUnitLimit(computeLimit))
	if b.cfg.ComputeUnitPrice > 0 {
		ixs = append(ixs, chain.SetComputeUnitPrice(b.cfg.ComputeUnitPrice))
	}
	ixs = append(ixs, ix)

	tx, err := chain.NewTransaction(b.signer, ixs, blockhash)
	if err != nil {
		return nil, fmt.Errorf("build transaction for %s: %w", t.ID, err)
	}
	if size := tx.Size(); size > chain.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrTooLarge, size, t.ID)
	}
	return tx, nil
}

func (b *Builder) taskInstruction(t *task.Task) chain.Instruction {
	var ix chain.Instruction
	if t.Exec != nil && t.NextInstruction != nil {
		ix = t.NextInstruction.Instruction()
	} else {
		ix = t.KickoffInstruction.Instruction()
	}
	if t.Trigger.Kind == task.TriggerAccount {
		ix = withReadonly(ix, t.Trigger.Watched)
	}
	return ix
}

// withReadonly appends p as a read-only non-signer unless the instruction
// already references it.
func withReadonly(ix chain.Instruction, p chain.Pubkey) chain.Instruction {
	for _, a := range ix.Accounts {
		if a.Pubkey == p {
			return ix
		}
	}
	ix.Accounts = append(ix.Accounts, chain.Meta(p))
	return ix
}
