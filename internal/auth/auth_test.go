package auth

import (
	"crypto/rand"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

func newTestSigner(t *testing.T) cryptoutil.Signer {
	t.Helper()
	wide := make([]byte, 64)
	_, err := rand.Read(wide)
	require.NoError(t, err)
	s, err := edwards25519.NewScalar().SetUniformBytes(wide)
	require.NoError(t, err)
	prefix := make([]byte, 32)
	_, err = rand.Read(prefix)
	require.NoError(t, err)
	signer, err := cryptoutil.NewSigner(append(s.Bytes(), prefix...))
	require.NoError(t, err)
	return signer
}

func TestCanonicalPathOrdering(t *testing.T) {
	assert.Equal(t, "/api/ping?ref=T", CanonicalPath("/api/ping", "T", "", "", ""))
	assert.Equal(t,
		"/api/multisig/blob?ref=T&stage=KEX&i=2",
		CanonicalPath("/api/multisig/blob", "T", "KEX", "2", ""))
	assert.Equal(t,
		"/api/multisig/transfer/status?ref=T&transfer_ref=X",
		CanonicalPath("/api/multisig/transfer/status", "T", "", "", "X"))
	// All three extras, fixed order stage -> i -> transfer_ref.
	assert.Equal(t,
		"/p?ref=r&stage=s&i=1&transfer_ref=x",
		CanonicalPath("/p", "r", "s", "1", "x"))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Now().Unix()
	canonical := CanonicalPath("/api/ping", "T", "", "", "")

	h, err := Sign(signer, "T", canonical, now, "")
	require.NoError(t, err)

	pub, err := Verify(InboundRequest{
		Ref:           "T",
		CanonicalPath: canonical,
		PubB64:        h.Pub,
		SigB64:        h.Sig,
		TSHeader:      h.TS,
		Now:           now,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte(signer.Public()), []byte(pub))

	onion, err := CallerOnion(pub)
	require.NoError(t, err)
	host, err := cryptoutil.OnionFromPub(signer.Public())
	require.NoError(t, err)
	assert.Equal(t, host+".onion", onion)
}

func TestVerifyRejectsSkew(t *testing.T) {
	signer := newTestSigner(t)
	ts := time.Now().Unix()
	canonical := CanonicalPath("/api/ping", "T", "", "", "")
	h, err := Sign(signer, "T", canonical, ts, "")
	require.NoError(t, err)

	_, err = Verify(InboundRequest{
		Ref: "T", CanonicalPath: canonical,
		PubB64: h.Pub, SigB64: h.Sig, TSHeader: h.TS,
		Now: ts + MaxSkew + 1,
	})
	assert.ErrorIs(t, err, ErrRejected)

	// Exactly at the boundary still passes.
	_, err = Verify(InboundRequest{
		Ref: "T", CanonicalPath: canonical,
		PubB64: h.Pub, SigB64: h.Sig, TSHeader: h.TS,
		Now: ts + MaxSkew,
	})
	assert.NoError(t, err)
}

func TestVerifyRejectsMissingOrMalformedHeaders(t *testing.T) {
	signer := newTestSigner(t)
	ts := time.Now().Unix()
	canonical := CanonicalPath("/api/ping", "T", "", "", "")
	h, err := Sign(signer, "T", canonical, ts, "")
	require.NoError(t, err)

	cases := []InboundRequest{
		{Ref: "T", CanonicalPath: canonical, SigB64: h.Sig, TSHeader: h.TS, Now: ts},                      // missing pub
		{Ref: "T", CanonicalPath: canonical, PubB64: h.Pub, TSHeader: h.TS, Now: ts},                      // missing sig
		{Ref: "T", CanonicalPath: canonical, PubB64: h.Pub, SigB64: h.Sig, Now: ts},                       // missing ts
		{Ref: "T", CanonicalPath: canonical, PubB64: "AAAA", SigB64: h.Sig, TSHeader: h.TS, Now: ts},      // short pub
		{Ref: "T", CanonicalPath: canonical, PubB64: h.Pub, SigB64: h.Sig, TSHeader: "nope", Now: ts},     // bad ts
		{Ref: "T", CanonicalPath: canonical + "x", PubB64: h.Pub, SigB64: h.Sig, TSHeader: h.TS, Now: ts}, // path mismatch
	}
	for i, c := range cases {
		_, err := Verify(c)
		assert.ErrorIs(t, err, ErrRejected, "case %d", i)
	}
}

func TestVerifyPOSTBodyHashBinding(t *testing.T) {
	signer := newTestSigner(t)
	ts := time.Now().Unix()
	canonical := CanonicalPath("/api/multisig/new", "T", "", "", "")
	bodyHash := cryptoutil.Sha256Hex([]byte(`{"ref":"T"}`))
	h, err := Sign(signer, "T", canonical, ts, bodyHash)
	require.NoError(t, err)

	_, err = Verify(InboundRequest{
		Ref: "T", CanonicalPath: canonical,
		PubB64: h.Pub, SigB64: h.Sig, TSHeader: h.TS,
		BodySha256Hex: bodyHash, Now: ts,
	})
	assert.NoError(t, err)

	// A different body fails verification against the same signature.
	_, err = Verify(InboundRequest{
		Ref: "T", CanonicalPath: canonical,
		PubB64: h.Pub, SigB64: h.Sig, TSHeader: h.TS,
		BodySha256Hex: cryptoutil.Sha256Hex([]byte(`{"ref":"X"}`)), Now: ts,
	})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestReplayCacheDedup(t *testing.T) {
	c := NewReplayCache()
	now := time.Now()

	assert.False(t, c.SeenOrRecord("k", now))
	assert.True(t, c.SeenOrRecord("k", now.Add(time.Second)))

	// Distinct bodies under the same (pub, path) are distinct keys.
	assert.False(t, c.SeenOrRecord("k2", now))

	// Past the TTL the key is fresh again.
	assert.False(t, c.SeenOrRecord("k", now.Add(replayTTL+time.Second)))
}

func TestReplayCacheSoftCapEviction(t *testing.T) {
	c := NewReplayCache()
	now := time.Now()
	for i := 0; i < replaySoftCap+1; i++ {
		c.SeenOrRecord(string(rune(i))+"-key", now.Add(time.Duration(i)*time.Millisecond))
	}
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	assert.LessOrEqual(t, size, replaySoftCap)
}
