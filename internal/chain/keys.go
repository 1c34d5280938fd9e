// Package chain holds the wire-level primitives for talking to the network:
// addresses, signatures, legacy message encoding, and signing.
//
// Account payload layouts are deliberately NOT defined here; they belong to
// the owning programs and are decoded by internal/task.
package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

const (
	PubkeyLen    = 32
	HashLen      = 32
	SignatureLen = 64
)

// Pubkey is a 32-byte account address.
type Pubkey [PubkeyLen]byte

// Hash is a 32-byte blockhash or content hash.
type Hash [HashLen]byte

// Signature is a 64-byte ed25519 signature.
type Signature [SignatureLen]byte

func (p Pubkey) String() string    { return base58.Encode(p[:]) }
func (p Pubkey) IsZero() bool      { return p == Pubkey{} }
func (h Hash) String() string      { return base58.Encode(h[:]) }
func (s Signature) String() string { return base58.Encode(s[:]) }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (p *Pubkey) UnmarshalText(b []byte) error {
	pk, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	b, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("pubkey %q: %w", s, err)
	}
	if len(b) != PubkeyLen {
		return p, fmt.Errorf("pubkey %q: got %d bytes, want %d", s, len(b), PubkeyLen)
	}
	copy(p[:], b)
	return p, nil
}

// MustPubkey parses a base58 address and panics on failure.
// Only for package-level constants.
func MustPubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	if len(b) != HashLen {
		return h, fmt.Errorf("hash %q: got %d bytes, want %d", s, len(b), HashLen)
	}
	copy(h[:], b)
	return h, nil
}

func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("signature %q: %w", s, err)
	}
	if len(b) != SignatureLen {
		return sig, fmt.Errorf("signature %q: got %d bytes, want %d", s, len(b), SignatureLen)
	}
	copy(sig[:], b)
	return sig, nil
}

// Signer is the minimal signing capability the engine needs.
// Key custody beyond this interface is out of scope.
type Signer interface {
	Pubkey() Pubkey
	Sign(msg []byte) (Signature, error)
}

// Keypair is an in-memory ed25519 signer.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  Pubkey
}

func NewKeypair(priv ed25519.PrivateKey) (*Keypair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair: got %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	var pub Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{priv: priv, pub: pub}, nil
}

// LoadKeypair reads the conventional JSON keypair file
// (an array of 64 byte values: 32-byte seed followed by 32-byte public key).
func LoadKeypair(path string) (*Keypair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	var raw []byte
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair %s: got %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
	}
	return NewKeypair(ed25519.PrivateKey(raw))
}

func (k *Keypair) Pubkey() Pubkey { return k.pub }

func (k *Keypair) Sign(msg []byte) (Signature, error) {
	var sig Signature
	out := ed25519.Sign(k.priv, msg)
	if len(out) != SignatureLen {
		return sig, fmt.Errorf("sign: unexpected signature length %d", len(out))
	}
	copy(sig[:], out)
	return sig, nil
}
