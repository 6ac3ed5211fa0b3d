package auth

import (
	"strconv"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

// Headers is the trio of signed headers attached to every authenticated
// request.
type Headers struct {
	Pub string // x-pub
	TS  string // x-ts
	Sig string // x-sig
}

// Sign builds the x-pub/x-ts/x-sig headers for an outbound request. bodyHash
// is the hex sha256 of the verbatim POST body, or "" for a GET.
func Sign(signer cryptoutil.Signer, ref, canonicalPath string, ts int64, bodySha256Hex string) (Headers, error) {
	msg, err := CanonicalMessage(ref, canonicalPath, ts, bodySha256Hex)
	if err != nil {
		return Headers{}, err
	}
	return Headers{
		Pub: cryptoutil.B64(signer.Public()),
		TS:  strconv.FormatInt(ts, 10),
		Sig: cryptoutil.B64(signer.Sign(msg)),
	}, nil
}
