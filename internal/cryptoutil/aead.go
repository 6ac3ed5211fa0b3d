package cryptoutil

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// DeriveKey derives a 32-byte key from a passphrase and salt using Argon2id
// with moderate ops/mem limits (m=64MiB, t=2, p=1).
func DeriveKey(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

// SealAccount encrypts plain under a key derived from pass, returning the
// wire envelope `u16be saltlen || salt || nonce(24) || ciphertext+tag`.
func SealAccount(pass, plain []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := DeriveKey(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, 2+len(salt)+len(nonce)+len(ct))
	var lbuf [2]byte
	binary.BigEndian.PutUint16(lbuf[:], uint16(len(salt)))
	out = append(out, lbuf[:]...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenAccount decrypts an envelope produced by SealAccount.
func OpenAccount(pass, envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, errors.New("cryptoutil: envelope too short")
	}
	saltLen := int(binary.BigEndian.Uint16(envelope[:2]))
	off := 2
	if len(envelope) < off+saltLen+chacha20poly1305.NonceSizeX {
		return nil, errors.New("cryptoutil: envelope too short")
	}
	salt := envelope[off : off+saltLen]
	off += saltLen
	nonce := envelope[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	ct := envelope[off:]

	key := DeriveKey(pass, salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.New("cryptoutil: decrypt failed (wrong passphrase?)")
	}
	return plain, nil
}

// SealWithKey authenticates and encrypts plain under a raw 32-byte key,
// prefixing the nonce. Used for blob envelopes (e.g. the per-wallet
// key-image import cache) that are not passphrase-derived.
func SealWithKey(key, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	return append(nonce, ct...), nil
}

// OpenWithKey reverses SealWithKey.
func OpenWithKey(key, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("cryptoutil: blob too short")
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, nil)
}
