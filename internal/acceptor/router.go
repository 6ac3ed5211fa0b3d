package acceptor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/identity"
	"github.com/duskrelay/multisigd/internal/multisig"
	"github.com/duskrelay/multisigd/internal/transport"
)

const walletPasswordLen = 20

// Spawner builds and launches a creator-side multisig.Session bound to the
// resolved local identity, registering it with the shared Registry and
// running it on its own goroutine. The router never touches the wallet
// adapter, transport client, or event sink directly — those are threaded
// through whatever Spawner the node wires up.
type Spawner interface {
	Spawn(ctx context.Context, cfg multisig.Config, signer cryptoutil.Signer) (*multisig.Session, error)
}

// Router validates inbound POST /api/multisig/new proposals against
// trusted-peer policy and spawns a local acceptor session.
// It is bound to exactly one owned onion identity (step 8).
type Router struct {
	ctx        context.Context
	boundOnion string
	store      *account.Store
	registry   *identity.Registry
	sessions   *Registry
	spawn      Spawner
}

// NewRouter builds a router bound to boundOnion.
func NewRouter(ctx context.Context, boundOnion string, store *account.Store, registry *identity.Registry, sessions *Registry, spawn Spawner) *Router {
	return &Router{ctx: ctx, boundOnion: boundOnion, store: store, registry: registry, sessions: sessions, spawn: spawn}
}

// NewMultisig implements transport.Dispatcher, running the full acceptance
// policy for a wallet-creation proposal (the signature and replay checks
// already happened in the server before this is called).
func (rt *Router) NewMultisig(senderOnion string, req transport.NewMultisigRequest) (transport.OkResponse, bool) {
	var networkType string
	rt.store.View(func(d *account.Document) { networkType = d.Settings.NetworkType })
	if req.NetType != networkType {
		log.Printf("[acceptor] rejecting new %s: net_type %q does not match account %q", req.Ref, req.NetType, networkType)
		return transport.OkResponse{}, false
	}
	if req.M <= 0 || req.N <= 0 || req.M > req.N {
		log.Printf("[acceptor] rejecting new %s: invalid m/n %d/%d", req.Ref, req.M, req.N)
		return transport.OkResponse{}, false
	}

	senderIsOurs := rt.registry.Owns(senderOnion)

	var tp *account.TrustedPeer
	if !senderIsOurs {
		var ok bool
		tp, ok = rt.trustedPeer(senderOnion)
		if !ok || !tp.Active || req.M < tp.MinThreshold || req.N > tp.MaxN {
			log.Printf("[acceptor] rejecting new %s from untrusted/ineligible %s", req.Ref, senderOnion)
			return transport.OkResponse{}, false
		}
		if tp.MaxNumberWallets != 0 && tp.CurrentNumberWallets >= tp.MaxNumberWallets {
			log.Printf("[acceptor] rejecting new %s from %s: wallet quota exhausted", req.Ref, senderOnion)
			return transport.OkResponse{}, false
		}
	}

	myOnion, peers, ok := rt.resolveMyIdentity(req.Peers)
	if !ok {
		log.Printf("[acceptor] rejecting new %s: zero or multiple owned identities in peers", req.Ref)
		return transport.OkResponse{}, false
	}
	if myOnion != rt.boundOnion {
		log.Printf("[acceptor] rejecting new %s: resolved identity %s != bound onion %s", req.Ref, myOnion, rt.boundOnion)
		return transport.OkResponse{}, false
	}
	if _, exists := rt.store.WalletByRef(req.Ref, myOnion); exists {
		log.Printf("[acceptor] rejecting new %s: wallet already exists for (ref, %s)", req.Ref, myOnion)
		return transport.OkResponse{}, false
	}
	if !senderIsOurs && !containsOnion(tp.AllowedIdentities, myOnion) {
		log.Printf("[acceptor] rejecting new %s: %s not in %s's allowed_identities", req.Ref, myOnion, senderOnion)
		return transport.OkResponse{}, false
	}

	if !senderIsOurs {
		if err := rt.store.IncrementWalletQuota(senderOnion); err != nil {
			log.Printf("[acceptor] rejecting new %s: quota increment failed: %v", req.Ref, err)
			return transport.OkResponse{}, false
		}
	}

	owned, ok := rt.registry.Lookup(myOnion)
	if !ok {
		return transport.OkResponse{}, false
	}
	password, err := randomPassword(walletPasswordLen)
	if err != nil {
		log.Printf("[acceptor] rejecting new %s: password generation failed: %v", req.Ref, err)
		return transport.OkResponse{}, false
	}
	cfg := multisig.Config{
		Ref:            req.Ref,
		M:              req.M,
		N:              req.N,
		Peers:          removeOnion(peers, myOnion),
		WalletName:     "wallet_for_ref_" + req.Ref,
		WalletPassword: password,
		MyOnion:        myOnion,
		Creator:        senderOnion,
		NetType:        req.NetType,
	}
	sess, err := rt.spawn.Spawn(rt.ctx, cfg, owned.Signer)
	if err != nil {
		log.Printf("[acceptor] failed to spawn session for %s: %v", req.Ref, err)
		return transport.OkResponse{}, false
	}
	rt.sessions.Register(sess)
	go func() {
		<-sess.Finished()
		rt.sessions.Unregister(req.Ref)
	}()
	log.Printf("[acceptor] accepted new %s from %s, spawned session bound to %s", req.Ref, senderOnion, myOnion)
	return transport.OkResponse{Ok: true}, true
}

func (rt *Router) trustedPeer(onion string) (*account.TrustedPeer, bool) {
	var tp *account.TrustedPeer
	rt.store.View(func(d *account.Document) {
		if t, ok := d.TrustedPeers[cryptoutil.NormalizeOnion(onion)]; ok {
			cp := *t
			tp = &cp
		}
	})
	return tp, tp != nil
}

// resolveMyIdentity normalizes the proposal's peer list and intersects it
// with owned identities, requiring exactly one match.
func (rt *Router) resolveMyIdentity(rawPeers []string) (myOnion string, normalized []string, ok bool) {
	normalized = make([]string, 0, len(rawPeers))
	for _, p := range rawPeers {
		normalized = append(normalized, cryptoutil.NormalizeOnion(p))
	}
	var match string
	matches := 0
	for _, p := range normalized {
		if rt.registry.Owns(p) {
			match = p
			matches++
		}
	}
	if matches != 1 {
		return "", normalized, false
	}
	return match, normalized, true
}

func containsOnion(list []string, onion string) bool {
	for _, o := range list {
		if o == onion {
			return true
		}
	}
	return false
}

func removeOnion(list []string, onion string) []string {
	out := make([]string, 0, len(list))
	for _, o := range list {
		if o != onion {
			out = append(out, o)
		}
	}
	return out
}

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomWalletPassword generates the per-session wallet password used for
// both locally initiated and accepted sessions.
func RandomWalletPassword() (string, error) {
	return randomPassword(walletPasswordLen)
}

// randomPassword generates a fresh per-session wallet password.
func randomPassword(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acceptor: random password: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}
