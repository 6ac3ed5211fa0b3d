// Package identity resolves which of a node's owned Tor identities a given
// onion address, wallet or session belongs to.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

const keyPrefix = "ED25519-V3:"

// Owned is one resolved owned identity: its public key, derived onion and
// signing key (scalar||prefix form).
type Owned struct {
	Onion  string
	Pub    ed25519.PublicKey
	Signer cryptoutil.Signer // wraps the 64B scalar||prefix blob
	Label  string
}

// Registry is the in-memory set of owned identities, rebuilt from the
// account document's tor_identities on every login.
type Registry struct {
	byOnion map[string]*Owned
}

// Build derives public keys for every stored identity, deriving the onion
// from the key material and warning (preferring the derived value) on any
// mismatch against the stored onion address.
func Build(rawEntries []RawIdentity) (*Registry, error) {
	reg := &Registry{byOnion: make(map[string]*Owned)}
	for _, e := range rawEntries {
		blob, err := decodeKey(e.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("identity: %s: %w", e.Label, err)
		}
		signer, err := cryptoutil.NewSigner(blob)
		if err != nil {
			return nil, fmt.Errorf("identity: %s: %w", e.Label, err)
		}
		pub := signer.Public()
		derivedHost, err := cryptoutil.OnionFromPub(pub)
		if err != nil {
			return nil, fmt.Errorf("identity: %s: %w", e.Label, err)
		}
		derived := derivedHost + ".onion"
		stored := cryptoutil.NormalizeOnion(e.OnionAddress)
		onion := derived
		if e.OnionAddress != "" && stored != derived {
			log.Printf("[identity] %s: stored onion %s does not match derived %s, using derived", e.Label, stored, derived)
		}
		reg.byOnion[onion] = &Owned{Onion: onion, Pub: pub, Signer: signer, Label: e.Label}
	}
	return reg, nil
}

// RawIdentity is the subset of account.TorIdentity the registry needs,
// avoiding an import-cycle dependency on the account package.
type RawIdentity struct {
	OnionAddress string
	PrivateKey   string
	Label        string
}

func decodeKey(encoded string) ([]byte, error) {
	if !strings.HasPrefix(encoded, keyPrefix) {
		return nil, fmt.Errorf("identity: missing %q prefix", keyPrefix)
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, keyPrefix))
	if err != nil {
		return nil, err
	}
	if len(b) != 64 {
		return nil, fmt.Errorf("identity: key blob must be 64 bytes, got %d", len(b))
	}
	return b, nil
}

// Lookup resolves an owned identity by its onion address.
func (r *Registry) Lookup(onion string) (*Owned, bool) {
	o, ok := r.byOnion[cryptoutil.NormalizeOnion(onion)]
	return o, ok
}

// Owns reports whether onion belongs to this registry.
func (r *Registry) Owns(onion string) bool {
	_, ok := r.Lookup(onion)
	return ok
}

// Onions returns every owned onion address.
func (r *Registry) Onions() []string {
	out := make([]string, 0, len(r.byOnion))
	for o := range r.byOnion {
		out = append(out, o)
	}
	return out
}
