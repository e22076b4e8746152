package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

const (
	// PubKeySize is the size, in bytes, of public keys as used in this package.
	PubKeySize = ed25519.PublicKeySize
	// PrivKeySize is the size, in bytes, of private keys as used in this package.
	PrivKeySize = ed25519.PrivateKeySize
	// SignatureSize is the size, in bytes, of signatures.
	SignatureSize = ed25519.SignatureSize

	// AddressSize is the size of a validator address in bytes.
	AddressSize = 20
	// ChecksumSize is the size of a Checksum digest in bytes.
	ChecksumSize = sha256.Size
)

// Address is the truncated hash of a public key, used to identify validators.
type Address []byte

func (addr Address) String() string {
	return fmt.Sprintf("%X", []byte(addr))
}

// Equal reports whether two addresses are the same.
func (addr Address) Equal(other Address) bool {
	return bytes.Equal(addr, other)
}

// PubKey is an ed25519 public key.
type PubKey []byte

// Address returns the first AddressSize bytes of the SHA256 of the raw key.
func (pk PubKey) Address() Address {
	h := sha256.Sum256(pk)
	return Address(h[:AddressSize])
}

// VerifySignature reports whether sig is a valid signature of msg under pk.
func (pk PubKey) VerifySignature(msg, sig []byte) bool {
	if len(pk) != PubKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), msg, sig)
}

func (pk PubKey) String() string {
	return fmt.Sprintf("PubKeyEd25519{%X}", []byte(pk))
}

// PrivKey is an ed25519 private key. It is only needed by validators signing
// ledger infos and by tests; verification paths use PubKey exclusively.
type PrivKey []byte

// GenPrivKey generates a new private key from crypto/rand.
func GenPrivKey() PrivKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("ed25519 keygen: %v", err))
	}
	return PrivKey(priv)
}

// Sign produces a signature over msg.
func (sk PrivKey) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(sk), msg)
}

// PubKey returns the public half of the key.
func (sk PrivKey) PubKey() PubKey {
	pub := ed25519.PrivateKey(sk).Public().(ed25519.PublicKey)
	return PubKey(pub)
}

// Checksum returns the SHA256 digest of bz.
func Checksum(bz []byte) []byte {
	h := sha256.Sum256(bz)
	return h[:]
}
