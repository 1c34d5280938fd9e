package chain

import (
	"crypto/ed25519"
	"testing"
)

func pk(b byte) Pubkey {
	var p Pubkey
	p[0] = b
	return p
}

func testKeypair(t *testing.T) *Keypair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	kp, err := NewKeypair(priv)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestCompileMessageBucketOrder(t *testing.T) {
	payer := pk(1)
	prog := pk(2)
	wSigner := pk(3)
	roSigner := pk(4)
	writable := pk(5)
	readonly := pk(6)

	ix := Instruction{
		ProgramID: prog,
		Accounts: []AccountMeta{
			{Pubkey: readonly},
			{Pubkey: writable, IsWritable: true},
			{Pubkey: roSigner, IsSigner: true},
			{Pubkey: wSigner, IsSigner: true, IsWritable: true},
		},
		Data: []byte{0xaa},
	}
	msg, err := CompileMessage(payer, []Instruction{ix}, Hash{})
	if err != nil {
		t.Fatal(err)
	}

	// Readonly non-signers keep first-reference order: the program id is
	// referenced before the readonly meta.
	want := []Pubkey{payer, wSigner, roSigner, writable, prog, readonly}
	if len(msg.AccountKeys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(msg.AccountKeys), len(want))
	}
	for i, k := range want {
		if msg.AccountKeys[i] != k {
			t.Errorf("key[%d] = %v, want %v", i, msg.AccountKeys[i], k)
		}
	}
	if msg.Header.NumRequiredSignatures != 3 {
		t.Errorf("NumRequiredSignatures = %d, want 3", msg.Header.NumRequiredSignatures)
	}
	if msg.Header.NumReadonlySignedAccounts != 1 {
		t.Errorf("NumReadonlySignedAccounts = %d, want 1", msg.Header.NumReadonlySignedAccounts)
	}
	// readonly + program id.
	if msg.Header.NumReadonlyUnsignedAccounts != 2 {
		t.Errorf("NumReadonlyUnsignedAccounts = %d, want 2", msg.Header.NumReadonlyUnsignedAccounts)
	}
}

func TestCompileMessagePrivilegeEscalation(t *testing.T) {
	payer := pk(1)
	prog := pk(2)
	dual := pk(3)

	// Same account readonly in one instruction, writable in another: the
	// merged entry must be writable.
	ixs := []Instruction{
		{ProgramID: prog, Accounts: []AccountMeta{{Pubkey: dual}}, Data: []byte{1}},
		{ProgramID: prog, Accounts: []AccountMeta{{Pubkey: dual, IsWritable: true}}, Data: []byte{2}},
	}
	msg, err := CompileMessage(payer, ixs, Hash{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.AccountKeys) != 3 {
		t.Fatalf("got %d keys, want 3 (dup must merge)", len(msg.AccountKeys))
	}
	// payer, dual (writable non-signer), prog (readonly).
	if msg.AccountKeys[1] != dual {
		t.Fatalf("dual not in writable bucket: %v", msg.AccountKeys)
	}
	if msg.Header.NumReadonlyUnsignedAccounts != 1 {
		t.Errorf("NumReadonlyUnsignedAccounts = %d, want 1", msg.Header.NumReadonlyUnsignedAccounts)
	}
	// Both instructions reference the same index.
	if msg.Instructions[0].AccountIndexes[0] != msg.Instructions[1].AccountIndexes[0] {
		t.Error("merged account compiled to different indexes")
	}
}

func TestCompileMessageRejectsEmpty(t *testing.T) {
	if _, err := CompileMessage(Pubkey{}, []Instruction{{ProgramID: pk(2)}}, Hash{}); err == nil {
		t.Error("expected error for zero payer")
	}
	if _, err := CompileMessage(pk(1), nil, Hash{}); err == nil {
		t.Error("expected error for no instructions")
	}
}

func TestTransactionSignAndVerify(t *testing.T) {
	kp := testKeypair(t)
	ix := Instruction{
		ProgramID: pk(9),
		Accounts:  []AccountMeta{{Pubkey: pk(5), IsWritable: true}},
		Data:      []byte{1, 2, 3},
	}
	var bh Hash
	bh[0] = 7

	tx, err := NewTransaction(kp, []Instruction{ix}, bh)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Message.AccountKeys[0] != kp.Pubkey() {
		t.Fatal("fee payer not first")
	}
	if len(tx.Signatures) != 1 {
		t.Fatalf("got %d signatures, want 1", len(tx.Signatures))
	}

	var pub ed25519.PublicKey = make([]byte,32)
	pkey := kp.Pubkey()
	copy(pub, pkey[:])
	sig := tx.Signature()
	if !ed25519.Verify(pub, tx.Message.Serialize(), sig[:]) {
		t.Fatal("signature does not verify over serialized message")
	}

	// Wire layout: shortvec(1) + 64-byte sig + message.
	wire := tx.Serialize()
	if wire[0] != 1 {
		t.Fatalf("signature count prefix = %d, want 1", wire[0])
	}
	if len(wire) != 1+SignatureLen+len(tx.Message.Serialize()) {
		t.Fatalf("unexpected wire size %d", len(wire))
	}
	if tx.Size() != len(wire) {
		t.Fatalf("Size() = %d, want %d", tx.Size(), len(wire))
	}
}

func TestSignRejectsForeignPayer(t *testing.T) {
	kp := testKeypair(t)
	other := testKeypair(t)
	msg, err := CompileMessage(other.Pubkey(), []Instruction{{ProgramID: pk(9), Data: []byte{1}}}, Hash{})
	if err != nil {
		t.Fatal(err)
	}
	tx := &Transaction{Message: msg}
	if err := tx.Sign(kp); err == nil {
		t.Fatal("expected error signing for another fee payer")
	}
}

func TestComputeBudgetInstructions(t *testing.T) {
	limit := SetComputeUnitLimit(1_400_000)
	if limit.ProgramID != ComputeBudgetProgram {
		t.Fatal("wrong program")
	}
	if limit.Data[0] != 0x02 || len(limit.Data) != 5 {
		t.Fatalf("bad limit encoding: %x", limit.Data)
	}
	price := SetComputeUnitPrice(12_345)
	if price.Data[0] != 0x03 || len(price.Data) != 9 {
		t.Fatalf("bad price encoding: %x", price.Data)
	}
	if price.Data[1] != 0x39 || price.Data[2] != 0x30 {
		t.Fatalf("price not little-endian: %x", price.Data)
	}
}

func TestParsePubkeyRoundTrip(t *testing.T) {
	p := MustPubkey("SysvarC1ock11111111111111111111111111111111")
	got, err := ParsePubkey(p.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatal("round trip mismatch")
	}
	if _, err := ParsePubkey("tooshort"); err == nil {
		t.Fatal("expected error for short input")
	}
}
