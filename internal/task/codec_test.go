package task

import (
	"errors"
	"testing"

	"slotwork/internal/chain"
)

func pk(b byte) chain.Pubkey {
	var p chain.Pubkey
	p[0] = b
	return p
}

func sampleTask(tr Trigger) *Task {
	return &Task{
		ID:          pk(1),
		Authority:   pk(2),
		CreatedAt:   1700000000,
		CreatedSlot: 1234,
		RateLimit:   2,
		Fee:         5000,
		Trigger:     tr,
		KickoffInstruction: SerializableInstruction{
			ProgramID: pk(3),
			Accounts: []SerializableAccount{
				{Pubkey: pk(4), IsSigner: false, IsWritable: true},
				{Pubkey: pk(5)},
			},
			Data: []byte{0xde, 0xad},
		},
	}
}

func TestCodecRoundTripTriggers(t *testing.T) {
	triggers := []Trigger{
		{Kind: TriggerCron, Schedule: "*/5 * * * *", Skippable: true},
		{Kind: TriggerCron, Schedule: "0 0 * * *"},
		{Kind: TriggerAccount, Watched: pk(9), Offset: 8, Size: 32},
		{Kind: TriggerSlot, TargetSlot: 98765},
		{Kind: TriggerEpoch, TargetEpoch: 512},
		{Kind: TriggerTimestamp, TargetUnix: 1800000000},
		{Kind: TriggerNow},
	}
	for _, tr := range triggers {
		t.Run(tr.Kind.String(), func(t *testing.T) {
			in := sampleTask(tr)
			got, err := Decode(in.ID, Encode(in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Trigger != tr {
				t.Errorf("trigger = %+v, want %+v", got.Trigger, tr)
			}
			if got.Authority != in.Authority || got.CreatedAt != in.CreatedAt ||
				got.CreatedSlot != in.CreatedSlot || got.RateLimit != in.RateLimit || got.Fee != in.Fee {
				t.Errorf("header fields mismatch: %+v", got)
			}
			if got.KickoffInstruction.ProgramID != in.KickoffInstruction.ProgramID {
				t.Error("kickoff program mismatch")
			}
			if len(got.KickoffInstruction.Accounts) != 2 ||
				!got.KickoffInstruction.Accounts[0].IsWritable ||
				got.KickoffInstruction.Accounts[0].IsSigner {
				t.Errorf("kickoff accounts mismatch: %+v", got.KickoffInstruction.Accounts)
			}
			if got.Exec != nil || got.NextInstruction != nil {
				t.Error("unexpected optional sections")
			}
		})
	}
}

func TestCodecOptionalSections(t *testing.T) {
	in := sampleTask(Trigger{Kind: TriggerCron, Schedule: "* * * * *", Skippable: true})
	in.Paused = true
	in.NextInstruction = &SerializableInstruction{ProgramID: pk(7), Data: []byte{1}}
	in.Exec = &ExecContext{
		LastExecAt:     1700000100,
		LastExecSlot:   1300,
		ExecsSinceSlot: 2,
		TriggerHash:    chain.Hash{0xaa},
	}

	got, err := Decode(in.ID, Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Paused {
		t.Error("paused flag lost")
	}
	if got.NextInstruction == nil || got.NextInstruction.ProgramID != pk(7) {
		t.Errorf("next instruction mismatch: %+v", got.NextInstruction)
	}
	if got.Exec == nil || *got.Exec != *in.Exec {
		t.Errorf("exec context mismatch: %+v", got.Exec)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := Encode(sampleTask(Trigger{Kind: TriggerNow}))

	cases := map[string][]byte{
		"empty after version": {codecVersion},
		"bad version":         append([]byte{99}, valid[1:]...),
		"truncated":           valid[:len(valid)-3],
		"trailing bytes":      append(append([]byte(nil), valid...), 0xff),
	}
	for name, data := range cases {
		if _, err := Decode(pk(1), data); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: err = %v, want ErrDecode", name, err)
		}
	}
}

func TestDecodeUnknownTriggerKind(t *testing.T) {
	in := sampleTask(Trigger{Kind: TriggerNow})
	raw := Encode(in)
	// Trigger kind byte sits right after the fixed header.
	off := 1 + chain.PubkeyLen + 8 + 8 + 1 + 8 + 8
	raw[off] = 0xfe
	if _, err := Decode(pk(1), raw); !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestWindowHash(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	whole := WindowHash(data, 0, 0)
	if whole != WindowHash(data, 0, 8) {
		t.Error("size 0 must mean to-end-of-data")
	}
	if WindowHash(data, 2, 3) == WindowHash(data, 2, 4) {
		t.Error("different windows must hash differently")
	}
	// Change outside the window must not affect the hash.
	other := append([]byte(nil), data...)
	other[7] = 0xff
	if WindowHash(data, 0, 4) != WindowHash(other, 0, 4) {
		t.Error("byte outside window changed the hash")
	}
	// Offset past the end hashes the empty window consistently.
	if WindowHash(data, 100, 4) != WindowHash(nil, 0, 0) {
		t.Error("out-of-range window must hash like empty data")
	}
}

func TestCloneIsDeep(t *testing.T) {
	in := sampleTask(Trigger{Kind: TriggerNow})
	in.Exec = &ExecContext{LastExecSlot: 10}
	c := in.Clone()
	c.Exec.LastExecSlot = 99
	c.KickoffInstruction.Data[0] = 0x00
	if in.Exec.LastExecSlot != 10 {
		t.Error("clone shares exec context")
	}
	if in.KickoffInstruction.Data[0] != 0xde {
		t.Error("clone shares instruction data")
	}
}
