// Package tornet hosts v3 onion services and dials peers through the local
// Tor SOCKS5 proxy, built on github.com/cretz/bine.
package tornet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/cretz/bine/tor"
	toredwards "github.com/cretz/bine/torutil/ed25519"
)

// Gateway owns one Tor process and lets callers open onion listeners or
// dial through the embedded SOCKS5 proxy.
type Gateway struct {
	t *tor.Tor
}

// Start launches (or attaches to, if dataDir already has state) a Tor
// process. NoAutoSocksPort keeps bine from allocating an ephemeral SOCKS
// port on every start; dataDir persists Tor's own state between runs.
func Start(ctx context.Context, dataDir string) (*Gateway, error) {
	t, err := tor.Start(ctx, &tor.StartConf{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("tornet: start tor: %w", err)
	}
	log.Printf("[tornet] tor process started (data dir %s)", dataDir)
	return &Gateway{t: t}, nil
}

// Close tears down the Tor process.
func (g *Gateway) Close() error {
	return g.t.Close()
}

// Listen publishes a v3 onion service for the identity's 64-byte
// scalar(32)||prefix(32) key blob — the same expanded form Tor's own
// ED25519-V3 key files use, so it is passed straight through to bine's key
// type with no seed re-derivation — and returns a plain net.Listener whose
// Accept yields already-de-onioned TCP connections. Port 80 is the only
// remote port published; the local HTTP server in internal/transport binds
// to whatever ephemeral local address bine chooses.
func (g *Gateway) Listen(ctx context.Context, scalarPrefix []byte) (net.Listener, string, error) {
	if len(scalarPrefix) != 64 {
		return nil, "", errors.New("tornet: identity blob must be 64 bytes (scalar||prefix)")
	}
	key := toredwards.PrivateKey(scalarPrefix)
	onion, err := g.t.Listen(ctx, &tor.ListenConf{
		Key:         key,
		Version3:    true,
		RemotePorts: []int{80},
	})
	if err != nil {
		return nil, "", fmt.Errorf("tornet: listen: %w", err)
	}
	addr := onion.Addr().String()
	log.Printf("[tornet] onion service published at %s", addr)
	return onion, addr, nil
}

// Dialer returns a dial function that routes outbound connections through
// Tor's embedded SOCKS5 proxy, suitable for transport.NewClient.
func (g *Gateway) Dialer(ctx context.Context) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	dialer, err := g.t.Dialer(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tornet: dialer: %w", err)
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}, nil
}
