package chain

import (
	"encoding/base64"
	"fmt"
)

// Transaction is a message plus its signatures.
type Transaction struct {
	Signatures []Signature
	Message    Message
}

// NewTransaction compiles and signs a transaction in one step.
// The signer must be the fee payer.
func NewTransaction(signer Signer, instructions []Instruction, blockhash Hash) (*Transaction, error) {
	msg, err := CompileMessage(signer.Pubkey(), instructions, blockhash)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Message: msg}
	if err := tx.Sign(signer); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign fills the signature slots. Only single-signer transactions are
// supported; the engine never co-signs with task authorities.
func (t *Transaction) Sign(signer Signer) error {
	n := int(t.Message.Header.NumRequiredSignatures)
	if n != 1 {
		return fmt.Errorf("sign: message requires %d signatures, engine signs exactly one", n)
	}
	if len(t.Message.AccountKeys) == 0 || t.Message.AccountKeys[0] != signer.Pubkey() {
		return fmt.Errorf("sign: signer %s is not the fee payer", signer.Pubkey())
	}
	sig, err := signer.Sign(t.Message.Serialize())
	if err != nil {
		return err
	}
	t.Signatures = []Signature{sig}
	return nil
}

// Signature returns the primary (fee payer) signature.
func (t *Transaction) Signature() Signature {
	if len(t.Signatures) == 0 {
		return Signature{}
	}
	return t.Signatures[0]
}

// Serialize encodes signatures + message in the legacy wire format.
func (t *Transaction) Serialize() []byte {
	msg := t.Message.Serialize()
	b := make([]byte, 0, len(msg)+len(t.Signatures)*SignatureLen+1)
	b = appendShortvecLen(b, len(t.Signatures))
	for _, s := range t.Signatures {
		b = append(b, s[:]...)
	}
	return append(b, msg...)
}

// Base64 returns the serialized transaction in the encoding the RPC expects.
func (t *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Serialize())
}

// Size returns the serialized byte size.
func (t *Transaction) Size() int { return len(t.Serialize()) }
