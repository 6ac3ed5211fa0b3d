package auth

import (
	"crypto/ed25519"
	"errors"
	"strconv"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

// ErrRejected is returned for every auth failure. The caller must translate
// it to an HTTP 404, never a 403, to keep the signal given to probers
// uniform.
var ErrRejected = errors.New("auth: rejected")

// InboundRequest carries everything needed to verify one signed request.
type InboundRequest struct {
	Ref             string
	CanonicalPath   string // already reconstructed via CanonicalPath
	PubB64          string
	SigB64          string
	TSHeader        string
	Body            []byte // nil/empty for GET
	BodySha256Hex   string // precomputed hex sha256 of Body, "" for GET
	Now             int64
}

// Verify implementssteps 1-4: parse headers, decode, check
// timestamp skew, reconstruct the canonical message and verify the
// signature. It returns the caller's public key on success. Replay
// checking (step 6) and peer-set membership (step 5) are the caller's
// responsibility, since they depend on endpoint context this package does
// not have.
func Verify(req InboundRequest) (ed25519.PublicKey, error) {
	if req.PubB64 == "" || req.SigB64 == "" || req.TSHeader == "" {
		return nil, ErrRejected
	}
	pub, err := cryptoutil.B64Decode(req.PubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrRejected
	}
	sig, err := cryptoutil.B64Decode(req.SigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrRejected
	}
	ts, err := strconv.ParseInt(req.TSHeader, 10, 64)
	if err != nil {
		return nil, ErrRejected
	}
	skew := req.Now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return nil, ErrRejected
	}
	msg, err := CanonicalMessage(req.Ref, req.CanonicalPath, ts, req.BodySha256Hex)
	if err != nil {
		return nil, ErrRejected
	}
	if !cryptoutil.Verify(ed25519.PublicKey(pub), msg, sig) {
		return nil, ErrRejected
	}
	return ed25519.PublicKey(pub), nil
}

// CallerOnion derives the normalized onion address for a verified caller
// public key.
func CallerOnion(pub ed25519.PublicKey) (string, error) {
	host, err := cryptoutil.OnionFromPub(pub)
	if err != nil {
		return "", err
	}
	return host + ".onion", nil
}
