package task

import (
	"encoding/binary"
	"errors"
	"fmt"

	"slotwork/internal/chain"
)

// Reference binary codec for task account payloads, little-endian,
// version-prefixed. The on-chain program owns this layout; the engine only
// needs decode (encode exists for the replay source and tests).

const codecVersion = 1

// ErrDecode wraps all payload decode failures so callers can classify them
// without string matching.
var ErrDecode = errors.New("task decode")

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.b) {
		return nil, decodeErr("truncated at offset %d (need %d of %d)", r.off, n, len(r.b))
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) pubkey() (chain.Pubkey, error) {
	var p chain.Pubkey
	b, err := r.take(chain.PubkeyLen)
	if err != nil {
		return p, err
	}
	copy(p[:], b)
	return p, nil
}

func (r *reader) hash() (chain.Hash, error) {
	var h chain.Hash
	b, err := r.take(chain.HashLen)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// Decode parses a task account payload. The account address becomes the
// task id. Empty or zeroed data means "account closed" and is the caller's
// removal signal, not a decode error.
func Decode(id chain.Pubkey, data []byte) (*Task, error) {
	r := &reader{b: data}

	ver, err := r.u8()
	if err != nil {
		return nil, err
	}
	if ver != codecVersion {
		return nil, decodeErr("unsupported version %d", ver)
	}

	t := &Task{ID: id}
	if t.Authority, err = r.pubkey(); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = r.i64(); err != nil {
		return nil, err
	}
	if t.CreatedSlot, err = r.u64(); err != nil {
		return nil, err
	}
	paused, err := r.u8()
	if err != nil {
		return nil, err
	}
	t.Paused = paused != 0
	if t.RateLimit, err = r.u64(); err != nil {
		return nil, err
	}
	if t.Fee, err = r.u64(); err != nil {
		return nil, err
	}

	if t.Trigger, err = decodeTrigger(r); err != nil {
		return nil, err
	}
	if t.KickoffInstruction, err = decodeInstruction(r); err != nil {
		return nil, err
	}

	hasNext, err := r.u8()
	if err != nil {
		return nil, err
	}
	if hasNext != 0 {
		ni, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		t.NextInstruction = &ni
	}

	hasExec, err := r.u8()
	if err != nil {
		return nil, err
	}
	if hasExec != 0 {
		ec := &ExecContext{}
		if ec.LastExecAt, err = r.i64(); err != nil {
			return nil, err
		}
		if ec.LastExecSlot, err = r.u64(); err != nil {
			return nil, err
		}
		if ec.ExecsSinceSlot, err = r.u64(); err != nil {
			return nil, err
		}
		if ec.TriggerHash, err = r.hash(); err != nil {
			return nil, err
		}
		t.Exec = ec
	}

	if r.off != len(data) {
		return nil, decodeErr("%d trailing bytes", len(data)-r.off)
	}
	return t, nil
}

func decodeTrigger(r *reader) (Trigger, error) {
	var tr Trigger
	kind, err := r.u8()
	if err != nil {
		return tr, err
	}
	tr.Kind = TriggerKind(kind)
	switch tr.Kind {
	case TriggerCron:
		n, err := r.u16()
		if err != nil {
			return tr, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return tr, err
		}
		tr.Schedule = string(b)
		skip, err := r.u8()
		if err != nil {
			return tr, err
		}
		tr.Skippable = skip != 0
	case TriggerAccount:
		if tr.Watched, err = r.pubkey(); err != nil {
			return tr, err
		}
		if tr.Offset, err = r.u32(); err != nil {
			return tr, err
		}
		if tr.Size, err = r.u32(); err != nil {
			return tr, err
		}
	case TriggerSlot:
		if tr.TargetSlot, err = r.u64(); err != nil {
			return tr, err
		}
	case TriggerEpoch:
		if tr.TargetEpoch, err = r.u64(); err != nil {
			return tr, err
		}
	case TriggerTimestamp:
		if tr.TargetUnix, err = r.i64(); err != nil {
			return tr, err
		}
	case TriggerNow:
		// no payload
	default:
		return tr, decodeErr("unknown trigger kind %d", kind)
	}
	return tr, nil
}

func decodeInstruction(r *reader) (SerializableInstruction, error) {
	var ix SerializableInstruction
	var err error
	if ix.ProgramID, err = r.pubkey(); err != nil {
		return ix, err
	}
	n, err := r.u16()
	if err != nil {
		return ix, err
	}
	for i := 0; i < int(n); i++ {
		var a SerializableAccount
		if a.Pubkey, err = r.pubkey(); err != nil {
			return ix, err
		}
		flags, err := r.u8()
		if err != nil {
			return ix, err
		}
		a.IsSigner = flags&0x01 != 0
		a.IsWritable = flags&0x02 != 0
		ix.Accounts = append(ix.Accounts, a)
	}
	dl, err := r.u32()
	if err != nil {
		return ix, err
	}
	data, err := r.take(int(dl))
	if err != nil {
		return ix, err
	}
	ix.Data = append([]byte(nil), data...)
	return ix, nil
}

// Encode serializes a task payload (codec version 1). Engine-side
// observation metadata is not part of the payload.
func Encode(t *Task) []byte {
	b := make([]byte, 0, 256)
	b = append(b, codecVersion)
	b = append(b, t.Authority[:]...)
	b = binary.LittleEndian.AppendUint64(b, uint64(t.CreatedAt))
	b = binary.LittleEndian.AppendUint64(b, t.CreatedSlot)
	b = append(b, boolByte(t.Paused))
	b = binary.LittleEndian.AppendUint64(b, t.RateLimit)
	b = binary.LittleEndian.AppendUint64(b, t.Fee)

	b = encodeTrigger(b, t.Trigger)
	b = encodeInstruction(b, t.KickoffInstruction)

	if t.NextInstruction != nil {
		b = append(b, 1)
		b = encodeInstruction(b, *t.NextInstruction)
	} else {
		b = append(b, 0)
	}

	if t.Exec != nil {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint64(b, uint64(t.Exec.LastExecAt))
		b = binary.LittleEndian.AppendUint64(b, t.Exec.LastExecSlot)
		b = binary.LittleEndian.AppendUint64(b, t.Exec.ExecsSinceSlot)
		b = append(b, t.Exec.TriggerHash[:]...)
	} else {
		b = append(b, 0)
	}
	return b
}

func encodeTrigger(b []byte, tr Trigger) []byte {
	b = append(b, byte(tr.Kind))
	switch tr.Kind {
	case TriggerCron:
		b = binary.LittleEndian.AppendUint16(b, uint16(len(tr.Schedule)))
		b = append(b, tr.Schedule...)
		b = append(b, boolByte(tr.Skippable))
	case TriggerAccount:
		b = append(b, tr.Watched[:]...)
		b = binary.LittleEndian.AppendUint32(b, tr.Offset)
		b = binary.LittleEndian.AppendUint32(b, tr.Size)
	case TriggerSlot:
		b = binary.LittleEndian.AppendUint64(b, tr.TargetSlot)
	case TriggerEpoch:
		b = binary.LittleEndian.AppendUint64(b, tr.TargetEpoch)
	case TriggerTimestamp:
		b = binary.LittleEndian.AppendUint64(b, uint64(tr.TargetUnix))
	case TriggerNow:
	}
	return b
}

func encodeInstruction(b []byte, ix SerializableInstruction) []byte {
	b = append(b, ix.ProgramID[:]...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(ix.Accounts)))
	for _, a := range ix.Accounts {
		b = append(b, a.Pubkey[:]...)
		var flags byte
		if a.IsSigner {
			flags |= 0x01
		}
		if a.IsWritable {
			flags |= 0x02
		}
		b = append(b, flags)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(ix.Data)))
	b = append(b, ix.Data...)
	return b
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
