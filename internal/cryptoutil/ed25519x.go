package cryptoutil

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// Sign produces a detached Ed25519 signature over msg using seed (the
// 32-byte standard Ed25519 seed form, see crypto/ed25519).
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// PubFromScalarPrefix derives the clamp-free Ed25519 public key A = scalar*B
// from a stored `scalar(32)||prefix(32)` identity blob, mirroring libsodium's
// crypto_scalarmult_ed25519_base_noclamp. Owned Tor identities are stored as
// a raw scalar rather than a seed, so the standard library's seed-based
// ed25519.NewKeyFromSeed (which re-derives and clamps the scalar internally)
// cannot be used here.
func PubFromScalarPrefix(scalarPrefix []byte) (ed25519.PublicKey, error) {
	if len(scalarPrefix) != 64 {
		return nil, errors.New("cryptoutil: identity blob must be 64 bytes (scalar||prefix)")
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(scalarPrefix[:32])
	if err != nil {
		return nil, err
	}
	p := new(edwards25519.Point).ScalarBaseMult(s)
	return ed25519.PublicKey(p.Bytes()), nil
}

// Signer holds a 64-byte `scalar(32)||prefix(32)` identity blob (the same
// expanded form Tor's own ED25519-V3 key files use) and signs messages with
// it directly, per RFC 8032's expanded-key signing procedure, skipping the
// seed-hash-and-clamp step stdlib's seed-only ed25519.PrivateKey requires.
// Owned Tor identities are stored in this raw scalar form, so
// crypto/ed25519's API cannot sign on their behalf.
type Signer struct {
	blob []byte // scalar(32) || prefix(32)
	pub  ed25519.PublicKey
}

// NewSigner validates scalarPrefix and derives its public key once.
func NewSigner(scalarPrefix []byte) (Signer, error) {
	if len(scalarPrefix) != 64 {
		return Signer{}, errors.New("cryptoutil: signer blob must be 64 bytes (scalar||prefix)")
	}
	pub, err := PubFromScalarPrefix(scalarPrefix)
	if err != nil {
		return Signer{}, err
	}
	return Signer{blob: append([]byte(nil), scalarPrefix...), pub: pub}, nil
}

// Public returns the signer's Ed25519 public key.
func (s Signer) Public() ed25519.PublicKey { return s.pub }

// Blob returns the signer's raw 64-byte scalar||prefix identity, the form
// Tor's own ED25519-V3 onion-service key files use.
func (s Signer) Blob() []byte { return append([]byte(nil), s.blob...) }

// Sign produces a detached Ed25519 signature over msg, verifiable with the
// standard library's ed25519.Verify against Public().
func (s Signer) Sign(msg []byte) []byte {
	scalarS, err := edwards25519.NewScalar().SetCanonicalBytes(s.blob[:32])
	if err != nil {
		panic("cryptoutil: invalid signer scalar: " + err.Error())
	}
	prefix := s.blob[32:64]

	rh := sha512.New()
	rh.Write(prefix)
	rh.Write(msg)
	rScalar, err := edwards25519.NewScalar().SetUniformBytes(rh.Sum(nil))
	if err != nil {
		panic("cryptoutil: reduce r: " + err.Error())
	}
	R := new(edwards25519.Point).ScalarBaseMult(rScalar)

	kh := sha512.New()
	kh.Write(R.Bytes())
	kh.Write(s.pub)
	kh.Write(msg)
	kScalar, err := edwards25519.NewScalar().SetUniformBytes(kh.Sum(nil))
	if err != nil {
		panic("cryptoutil: reduce k: " + err.Error())
	}

	S := edwards25519.NewScalar().MultiplyAdd(kScalar, scalarS, rScalar)

	sig := make([]byte, 0, 64)
	sig = append(sig, R.Bytes()...)
	sig = append(sig, S.Bytes()...)
	return sig
}

// onionChecksumDomain is the literal domain-separation string used by the
// Tor v3 onion-address checksum, ".onion checksum" followed by version 0x03.
var onionChecksumDomain = []byte(".onion checksum")

// OnionFromPub derives the lowercase v3 onion address (without the ".onion"
// suffix) for an Ed25519 public key:
// base32(pub || sha3_256(".onion checksum" || pub || 0x03)[:2] || 0x03).
func OnionFromPub(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.New("cryptoutil: public key must be 32 bytes")
	}
	h := sha3.New256()
	h.Write(onionChecksumDomain)
	h.Write(pub)
	h.Write([]byte{0x03})
	sum := h.Sum(nil)

	buf := make([]byte, 0, 32+2+1)
	buf = append(buf, pub...)
	buf = append(buf, sum[:2]...)
	buf = append(buf, 0x03)
	return OnionBase32(buf), nil
}
