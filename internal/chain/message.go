package chain

import (
	"errors"
	"fmt"
)

// MaxMessageSize is the wire limit for a serialized transaction.
// Transactions above this cannot be sent in one shot.
const MaxMessageSize = 1232

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

func Meta(p Pubkey) AccountMeta         { return AccountMeta{Pubkey: p} }
func WritableMeta(p Pubkey) AccountMeta { return AccountMeta{Pubkey: p, IsWritable: true} }
func SignerMeta(p Pubkey) AccountMeta   { return AccountMeta{Pubkey: p, IsSigner: true, IsWritable: true} }

// Instruction is one program invocation.
type Instruction struct {
	ProgramID Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Message is the signed portion of a legacy transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []Pubkey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// CompileMessage flattens instructions into the canonical account table:
// fee payer first, then writable signers, readonly signers, writable
// non-signers, readonly non-signers. Duplicate references merge with
// privilege escalation (signer/writable stick).
func CompileMessage(payer Pubkey, instructions []Instruction, blockhash Hash) (Message, error) {
	if payer.IsZero() {
		return Message{}, errors.New("compile: fee payer required")
	}
	if len(instructions) == 0 {
		return Message{}, errors.New("compile: no instructions")
	}

	type acct struct {
		key      Pubkey
		signer   bool
		writable bool
		order    int
	}
	byKey := map[Pubkey]*acct{}
	var all []*acct
	upsert := func(key Pubkey, signer, writable bool) {
		a := byKey[key]
		if a == nil {
			a = &acct{key: key, order: len(all)}
			byKey[key] = a
			all = append(all, a)
		}
		a.signer = a.signer || signer
		a.writable = a.writable || writable
	}

	upsert(payer, true, true)
	for _, ix := range instructions {
		upsert(ix.ProgramID, false, false)
		for _, m := range ix.Accounts {
			upsert(m.Pubkey, m.IsSigner, m.IsWritable)
		}
	}

	// Stable bucket sort; insertion order breaks ties so compilation is
	// deterministic for identical inputs.
	var keys []Pubkey
	appendBucket := func(pred func(*acct) bool) {
		for _, a := range all {
			if a.key == payer {
				continue
			}
			if pred(a) {
				keys = append(keys, a.key)
			}
		}
	}
	keys = append(keys, payer)
	appendBucket(func(a *acct) bool { return a.signer && a.writable })
	appendBucket(func(a *acct) bool { return a.signer && !a.writable })
	appendBucket(func(a *acct) bool { return !a.signer && a.writable })
	appendBucket(func(a *acct) bool { return !a.signer && !a.writable })

	if len(keys) > 256 {
		return Message{}, fmt.Errorf("compile: %d accounts exceeds table limit", len(keys))
	}

	idx := make(map[Pubkey]uint8, len(keys))
	for i, k := range keys {
		idx[k] = uint8(i)
	}

	var hdr MessageHeader
	for _, k := range keys {
		a := byKey[k]
		if a.signer {
			hdr.NumRequiredSignatures++
			if !a.writable {
				hdr.NumReadonlySignedAccounts++
			}
		} else if !a.writable {
			hdr.NumReadonlyUnsignedAccounts++
		}
	}

	compiled := make([]CompiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		ci := CompiledInstruction{
			ProgramIDIndex: idx[ix.ProgramID],
			Data:           ix.Data,
		}
		for _, m := range ix.Accounts {
			ci.AccountIndexes = append(ci.AccountIndexes, idx[m.Pubkey])
		}
		compiled = append(compiled, ci)
	}

	return Message{
		Header:          hdr,
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
		Instructions:    compiled,
	}, nil
}

// Serialize encodes the message in the legacy wire format.
func (m Message) Serialize() []byte {
	b := make([]byte, 0, 256)
	b = append(b, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	b = appendShortvecLen(b, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendShortvecLen(b, len(m.Instructions))
	for _, ci := range m.Instructions {
		b = append(b, ci.ProgramIDIndex)
		b = appendShortvecLen(b, len(ci.AccountIndexes))
		b = append(b, ci.AccountIndexes...)
		b = appendShortvecLen(b, len(ci.Data))
		b = append(b, ci.Data...)
	}
	return b
}
