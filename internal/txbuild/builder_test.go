package txbuild

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"slotwork/internal/chain"
	"slotwork/internal/task"
)

func pk(b byte) chain.Pubkey {
	var p chain.Pubkey
	p[0] = b
	return p
}

func testSigner(t *testing.T) *chain.Keypair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	kp, err := chain.NewKeypair(priv)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func sampleTask() *task.Task {
	return &task.Task{
		ID:      pk(1),
		Trigger: task.Trigger{Kind: task.TriggerNow},
		KickoffInstruction: task.SerializableInstruction{
			ProgramID: pk(0x10),
			Accounts:  []task.SerializableAccount{{Pubkey: pk(0x11), IsWritable: true}},
			Data:      []byte{0xaa},
		},
	}
}

func hasKey(m chain.Message, p chain.Pubkey) bool {
	for _, k := range m.AccountKeys {
		if k == p {
			return true
		}
	}
	return false
}

func TestBuildPicksKickoffThenContinuation(t *testing.T) {
	b := New(Config{}, testSigner(t))
	tk := sampleTask()
	tk.NextInstruction = &task.SerializableInstruction{ProgramID: pk(0x20), Data: []byte{0xbb}}

	// Never executed: the continuation is stale chain state, kickoff wins.
	tx, err := b.Build(tk, chain.Hash{1}, 200_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !hasKey(tx.Message, pk(0x10)) || hasKey(tx.Message, pk(0x20)) {
		t.Fatalf("keys = %v", tx.Message.AccountKeys)
	}

	// Mid-sequence: the chain-written continuation takes over.
	tk.Exec = &task.ExecContext{LastExecSlot: 5}
	tx, err = b.Build(tk, chain.Hash{1}, 200_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !hasKey(tx.Message, pk(0x20)) {
		t.Fatalf("keys = %v", tx.Message.AccountKeys)
	}
}

func TestBuildComputeBudgetInstructions(t *testing.T) {
	b := New(Config{}, testSigner(t))
	tx, err := b.Build(sampleTask(), chain.Hash{1}, 150_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Limit instruction leads; no price instruction when the fee is zero.
	if n := len(tx.Message.Instructions); n != 2 {
		t.Fatalf("instruction count = %d", n)
	}
	if tag := tx.Message.Instructions[0].Data[0]; tag != 0x02 {
		t.Fatalf("first instruction tag = %#x", tag)
	}

	b = New(Config{ComputeUnitPrice: 25}, testSigner(t))
	tx, err = b.Build(sampleTask(), chain.Hash{1}, 150_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if n := len(tx.Message.Instructions); n != 3 {
		t.Fatalf("instruction count = %d", n)
	}
	if tag := tx.Message.Instructions[1].Data[0]; tag != 0x03 {
		t.Fatalf("second instruction tag = %#x", tag)
	}
}

func TestBuildInjectsWatchedAccount(t *testing.T) {
	b := New(Config{}, testSigner(t))
	watched := pk(0x30)

	tk := sampleTask()
	tk.Trigger = task.Trigger{Kind: task.TriggerAccount, Watched: watched}
	tx, err := b.Build(tk, chain.Hash{1}, 200_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !hasKey(tx.Message, watched) {
		t.Fatalf("watched account missing: %v", tx.Message.AccountKeys)
	}

	// Already referenced by the instruction: must not appear twice.
	tk = sampleTask()
	tk.Trigger = task.Trigger{Kind: task.TriggerAccount, Watched: watched}
	tk.KickoffInstruction.Accounts = append(tk.KickoffInstruction.Accounts,
		task.SerializableAccount{Pubkey: watched, IsWritable: true})
	tx, err = b.Build(tk, chain.Hash{1}, 200_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	count := 0
	for _, k := range tx.Message.AccountKeys {
		if k == watched {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("watched account appears %d times", count)
	}
}

func TestBuildRejectsOversized(t *testing.T) {
	b := New(Config{}, testSigner(t))
	tk := sampleTask()
	tk.KickoffInstruction.Data = make([]byte, chain.MaxMessageSize)

	_, err := b.Build(tk, chain.Hash{1}, 200_000)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestSizeComputeLimit(t *testing.T) {
	if got := SizeComputeLimit(100_000); got != 101_000 {
		t.Fatalf("got %d", got)
	}
	if got := SizeComputeLimit(MaxComputeUnits); got != MaxComputeUnits {
		t.Fatalf("got %d", got)
	}
	if got := SizeComputeLimit(0); got != ComputeUnitBuffer {
		t.Fatalf("got %d", got)
	}
}
