package cryptoutil

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Expand derives n bytes from key using HKDF-SHA256 with the given info
// string, used to split one secret into independent sub-keys (for example a
// session's round nonce seed derived from the account's master key).
func Expand(key []byte, info string, n int) []byte {
	h := hkdf.New(sha256.New, key, nil, []byte(info))
	out := make([]byte, n)
	io.ReadFull(h, out)
	return out
}
