// Package acceptor implements the peer-side router that validates inbound
// POST /api/multisig/new proposals against trusted-peer policy and spawns a
// local creation session in response, plus the standalone delivery notifier
// that retries that same POST to every target onion.
package acceptor

import (
	"strconv"
	"sync"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/multisig"
	"github.com/duskrelay/multisigd/internal/transport"
)

func parseRound(i string) (int, error) { return strconv.Atoi(i) }

// decodeForHash decodes a base64url-no-pad blob and returns the hex sha256
// of its decoded bytes, the integrity pair every blob response carries.
func decodeForHash(b64 string) (string, error) {
	raw, err := cryptoutil.B64Decode(b64)
	if err != nil {
		return "", err
	}
	return cryptoutil.Sha256Hex(raw), nil
}

// sessionHandle is the subset of *multisig.Session the router's Ping/Blob
// endpoints need, kept small so the registry doesn't care whether a
// session was spawned by this router or started locally as the creator.
type sessionHandle = *multisig.Session

// Registry tracks every active multisig.Session by reference, letting the
// router serve /api/ping and /api/multisig/blob for both creator-initiated
// and acceptor-spawned sessions uniformly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]sessionHandle // ref -> session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]sessionHandle)}
}

// Register records a running session under its reference. A session
// replacing an existing entry for the same ref overwrites it, matching the
// "one active session per ref" invariant the rest of the system relies on.
func (r *Registry) Register(s *multisig.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Ref()] = s
}

// Unregister drops ref from the registry once its session has finished.
func (r *Registry) Unregister(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, ref)
}

func (r *Registry) lookup(ref string) (sessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	return s, ok
}

// Ping implements transport.Dispatcher for every registered session.
func (r *Registry) Ping(callerOnion, ref string) (transport.PingResponse, bool) {
	s, ok := r.lookup(ref)
	if !ok || !s.IsPeer(callerOnion) {
		return transport.PingResponse{}, false
	}
	return transport.PingResponse{Ref: ref, M: s.M(), N: s.N(), NetType: s.NetType(), Stage: s.Stage()}, true
}

// Blob implements transport.Dispatcher for every registered session. A
// successful PENDING fetch is itself the acceptance heartbeat, so it is
// recorded against the session before returning.
func (r *Registry) Blob(callerOnion, ref, stage, i string) (transport.BlobResponse, bool) {
	s, ok := r.lookup(ref)
	if !ok || !s.IsPeer(callerOnion) {
		return transport.BlobResponse{}, false
	}
	var blob string
	switch stage {
	case "KEX":
		round, err := parseRound(i)
		if err != nil {
			return transport.BlobResponse{}, false
		}
		blob, ok = s.SelfKexBlob(round)
	case "ACK":
		blob, ok = s.SelfAckBlob()
	case "PENDING":
		blob, ok = s.SelfPendingBlob()
		if ok {
			s.OnPendingFetched(callerOnion)
		}
	default:
		ok = false
	}
	if !ok {
		return transport.BlobResponse{}, false
	}
	raw, err := decodeForHash(blob)
	if err != nil {
		return transport.BlobResponse{}, false
	}
	return transport.BlobResponse{BlobB64: blob, Sha256: raw}, true
}
