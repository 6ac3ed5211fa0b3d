// Package node wires every long-lived component (session acceptor, transfer
// router, status trackers, the background key-image import session) into
// one process bound to one account's owned Tor identities.
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/acceptor"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/identity"
	"github.com/duskrelay/multisigd/internal/ids"
	"github.com/duskrelay/multisigd/internal/kiimport"
	"github.com/duskrelay/multisigd/internal/multisig"
	"github.com/duskrelay/multisigd/internal/tornet"
	"github.com/duskrelay/multisigd/internal/tracker"
	"github.com/duskrelay/multisigd/internal/transfer"
	"github.com/duskrelay/multisigd/internal/transport"
	"github.com/duskrelay/multisigd/internal/walletadapter"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

// Config seeds a Node.
type Config struct {
	AccountPath    string
	KIImportDir    string // directory for the per-wallet key-image caches
	SocksAddr      string // Tor SOCKS5 proxy address, for height.Resolve
}

// onionServer bundles the inbound listener for one owned identity with the
// per-identity client used for every outbound call made as that identity.
type onionServer struct {
	onion    string
	client   *transport.Client
	listener net.Listener
	server   *transport.Server
	router   *acceptor.Router
}

// openWallet is one locally open multisig wallet handle, shared by the
// acceptor (to spawn sessions), the transfer router (to serve/initiate
// transfers) and the key-image import session.
type openWallet struct {
	name    string
	ref     string
	myOnion string
	peers   []string
	wallet  walletlib.Wallet
}

// Node is the top-level aggregator for one logged-in account.
type Node struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	store   *account.Store
	idents  *identity.Registry
	gateway *tornet.Gateway
	factory walletlib.Factory
	sink    *eventsink.Sink
	adapter *walletadapter.Adapter

	sessions *acceptor.Registry
	xfer     *transfer.Router
	ki       *kiimport.Session

	mu      sync.Mutex
	servers map[string]*onionServer // onion -> server
	wallets map[string]*openWallet  // ref -> wallet
}

// New builds a Node bound to an already-authenticated account store and
// starts its onion services, the background key-image import session, and
// a tracker/initiator-free idle loop (the UI or cmd layer drives transfers).
func New(ctx context.Context, cfg Config, store *account.Store, factory walletlib.Factory, gateway *tornet.Gateway) (*Node, error) {
	var raw []identity.RawIdentity
	if err := store.View(func(d *account.Document) {
		for _, id := range d.TorIdentities {
			raw = append(raw, identity.RawIdentity{OnionAddress: id.OnionAddress, PrivateKey: id.PrivateKey, Label: id.Label})
		}
	}); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	idents, err := identity.Build(raw)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:      cfg,
		ctx:      nctx,
		cancel:   cancel,
		store:    store,
		idents:   idents,
		gateway:  gateway,
		factory:  factory,
		sink:     eventsink.New(),
		adapter:  walletadapter.New(nctx),
		sessions: acceptor.NewRegistry(),
		servers:  make(map[string]*onionServer),
		wallets:  make(map[string]*openWallet),
	}

	if err := os.MkdirAll(cfg.KIImportDir, 0o700); err != nil {
		return nil, fmt.Errorf("node: ki-import dir: %w", err)
	}

	for _, onion := range idents.Onions() {
		if err := n.startOnion(onion); err != nil {
			n.Close()
			return nil, err
		}
	}

	// Any owned identity's client works for outbound calls made on behalf
	// of the account as a whole (peer servers key access by caller pubkey,
	// not by which of our onions happened to dial).
	var anyClient *transport.Client
	for _, s := range n.servers {
		anyClient = s.client
		break
	}
	n.xfer = transfer.NewRouter(nctx, store, anyClient, n.sink, n, func(b transfer.Binding, transferRef string) {
		var peers []string
		for _, p := range b.Peers {
			if p != b.MyOnion {
				peers = append(peers, p)
			}
		}
		t := tracker.New(tracker.Config{WalletName: b.WalletName, WalletRef: b.WalletRef, TransferRef: transferRef, Peers: peers}, store, anyClient, n.sink)
		go t.Run(nctx)
	})

	if err := n.resumeWallets(); err != nil {
		log.Printf("[node] resume wallets: %v", err)
	}

	cacheKey, err := store.SubKey("kiimport")
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("node: cache key: %w", err)
	}
	n.ki = kiimport.New(cfg.KIImportDir, cacheKey, n, anyClient, n.sink)
	go n.ki.Run(nctx)

	return n, nil
}

func (n *Node) startOnion(onion string) error {
	owned, ok := n.idents.Lookup(onion)
	if !ok {
		return fmt.Errorf("node: identity %s vanished during startup", onion)
	}
	dial, err := n.gateway.Dialer(n.ctx)
	if err != nil {
		return fmt.Errorf("node: dialer for %s: %w", onion, err)
	}
	client := transport.NewClient(dial, owned.Signer, onion)
	listener, addr, err := n.gateway.Listen(n.ctx, owned.Signer.Blob())
	if err != nil {
		return fmt.Errorf("node: listen for %s: %w", onion, err)
	}
	if addr != onion {
		log.Printf("[node] published address %s differs from stored %s, proceeding with published", addr, onion)
	}

	router := acceptor.NewRouter(n.ctx, onion, n.store, n.idents, n.sessions, n)
	dispatcher := &onionDispatcher{registry: n.sessions, router: router, xfer: nil, nodeRef: n}
	srv := transport.NewServer(onion, dispatcher)

	os := &onionServer{onion: onion, client: client, listener: listener, server: srv, router: router}
	n.mu.Lock()
	n.servers[onion] = os
	n.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil {
			log.Printf("[node] server for %s stopped: %v", onion, err)
		}
	}()
	return nil
}

// onionDispatcher adapts one owned onion's acceptor.Router plus the node's
// shared session registry and transfer router to transport.Dispatcher.
// xfer is resolved lazily through nodeRef since the transfer.Router is
// built after every onion's server is already listening.
type onionDispatcher struct {
	registry *acceptor.Registry
	router   *acceptor.Router
	xfer     *transfer.Router
	nodeRef  *Node
}

func (d *onionDispatcher) transferRouter() *transfer.Router {
	if d.xfer != nil {
		return d.xfer
	}
	return d.nodeRef.xfer
}

func (d *onionDispatcher) Ping(callerOnion, ref string) (transport.PingResponse, bool) {
	return d.registry.Ping(callerOnion, ref)
}
func (d *onionDispatcher) Blob(callerOnion, ref, stage, i string) (transport.BlobResponse, bool) {
	return d.registry.Blob(callerOnion, ref, stage, i)
}
func (d *onionDispatcher) NewMultisig(callerOnion string, req transport.NewMultisigRequest) (transport.OkResponse, bool) {
	return d.router.NewMultisig(callerOnion, req)
}
func (d *onionDispatcher) TransferPing(callerOnion, ref string) (transport.TransferPingResponse, bool) {
	return d.transferRouter().TransferPing(callerOnion, ref)
}
func (d *onionDispatcher) RequestInfo(callerOnion, ref string) (transport.RequestInfoResponse, bool) {
	return d.transferRouter().RequestInfo(callerOnion, ref)
}
func (d *onionDispatcher) SubmitTransfer(callerOnion, ref string, req transport.SubmitTransferRequest) (transport.SubmitTransferResponse, bool) {
	return d.transferRouter().SubmitTransfer(callerOnion, ref, req)
}
func (d *onionDispatcher) TransferStatus(callerOnion, ref, transferRef string) (transport.TransferStatusResponse, bool) {
	return d.transferRouter().TransferStatus(callerOnion, ref, transferRef)
}

// Spawn implements acceptor.Spawner: it creates the fresh wallet file this
// session will drive through key exchange and runs the session to
// completion on its own goroutine, registering the resulting wallet for
// transfer/key-image serving once it finishes successfully.
func (n *Node) Spawn(ctx context.Context, cfg multisig.Config, signer cryptoutil.Signer) (*multisig.Session, error) {
	raw, err := n.factory.Create(ctx, cfg.WalletName, cfg.WalletPassword, cfg.NetType, 0)
	if err != nil {
		return nil, walletlib.Wrap("Create", err)
	}
	w := walletadapter.Serialize(n.adapter, raw)
	client := n.clientFor(cfg.MyOnion)
	if client == nil {
		w.Close(ctx)
		return nil, fmt.Errorf("node: no client bound for %s", cfg.MyOnion)
	}
	cfg.DaemonURL, cfg.UseTorDaemon, cfg.SocksAddr = n.daemonConfig()
	sess := multisig.New(ids.NewSessionID(), cfg, signer, n.store, w, client, n.sink)
	go func() {
		sess.Run(ctx)
		if sess.State() == multisig.StateComplete {
			if err := n.openWalletByRef(ctx, cfg.Ref, cfg.MyOnion); err != nil {
				log.Printf("[node] reopen completed wallet %s: %v", cfg.WalletName, err)
			}
		}
	}()
	return sess, nil
}

func (n *Node) clientFor(onion string) *transport.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.servers[onion]; ok {
		return s.client
	}
	return nil
}

func (n *Node) daemonConfig() (daemonURL string, useTor bool, socksAddr string) {
	n.store.View(func(d *account.Document) {
		daemonURL = d.Settings.DaemonURL
		useTor = d.Settings.UseTorForDaemon
	})
	return daemonURL, useTor, n.cfg.SocksAddr
}

// resumeWallets opens every online multisig wallet recorded in the account
// document so transfers and key-image import can serve it immediately.
func (n *Node) resumeWallets() error {
	var wallets []account.Wallet
	if err := n.store.View(func(d *account.Document) {
		for _, w := range d.Wallets {
			if w.Multisig && w.Online && !w.Archived {
				wallets = append(wallets, *w)
			}
		}
	}); err != nil {
		return err
	}
	for _, w := range wallets {
		if err := n.openWalletByRef(n.ctx, w.Reference, w.MyOnion); err != nil {
			log.Printf("[node] resume wallet %s: %v", w.Name, err)
		}
	}
	return nil
}

func (n *Node) openWalletByRef(ctx context.Context, ref, myOnion string) error {
	w, ok := n.store.WalletByRef(ref, myOnion)
	if !ok {
		return fmt.Errorf("node: no wallet persisted for ref %s", ref)
	}
	raw, err := n.factory.Open(ctx, w.Name, w.Password)
	if err != nil {
		return walletlib.Wrap("Open", err)
	}
	handle := walletadapter.Serialize(n.adapter, raw)
	n.mu.Lock()
	n.wallets[w.Reference] = &openWallet{name: w.Name, ref: w.Reference, myOnion: w.MyOnion, peers: w.Peers, wallet: handle}
	n.mu.Unlock()
	return nil
}

// LookupWallet implements transfer.WalletLookup.
func (n *Node) LookupWallet(ref string) (transfer.Binding, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.wallets[ref]
	if !ok {
		return transfer.Binding{}, false
	}
	return transfer.Binding{WalletName: w.name, WalletRef: w.ref, MyOnion: w.myOnion, Peers: w.peers, Wallet: w.wallet}, true
}

// OpenMultisigWallets implements kiimport.WalletLister.
func (n *Node) OpenMultisigWallets() []kiimport.OpenWallet {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]kiimport.OpenWallet, 0, len(n.wallets))
	for _, w := range n.wallets {
		out = append(out, kiimport.OpenWallet{Name: w.name, Ref: w.ref, MyOnion: w.myOnion, Peers: w.peers, Wallet: w.wallet})
	}
	return out
}

// StartTransfer builds and launches an outgoing transfer.Initiator against
// an already-open wallet, spawning a tracker once it reaches
// CHECKING_STATUS. The returned Initiator lets the caller poll State() or
// inspect/approve/decline it.
func (n *Node) StartTransfer(walletRef string, destinations []account.Destination, feePriority int, feeSplitIndices []int, inspectRequested bool) (*transfer.Initiator, error) {
	n.mu.Lock()
	w, ok := n.wallets[walletRef]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("node: no open wallet for ref %s", walletRef)
	}
	client := n.clientFor(w.myOnion)
	if client == nil {
		return nil, fmt.Errorf("node: no client bound for %s", w.myOnion)
	}
	var inspectGuard bool
	n.store.View(func(d *account.Document) { inspectGuard = d.Settings.InspectGuard })

	var peers []string
	for _, p := range w.peers {
		if p != w.myOnion {
			peers = append(peers, p)
		}
	}
	cfg := transfer.InitiatorConfig{
		TransferRef:      string(ids.NewTransferID()),
		WalletName:       w.name,
		WalletRef:        w.ref,
		MyOnion:          w.myOnion,
		Peers:            peers,
		SigningOrder:     w.peers,
		Destinations:     destinations,
		FeePriority:      feePriority,
		FeeSplitIndices:  feeSplitIndices,
		InspectRequested: inspectRequested,
		InspectGuard:     inspectGuard,
	}
	in := transfer.NewInitiator(cfg, n.store, w.wallet, client, n.sink)
	go func() {
		in.Run(n.ctx)
		if in.State() == transfer.IStateCheckingStatus || in.State() == transfer.IStateComplete {
			t := tracker.New(tracker.Config{WalletName: w.name, WalletRef: w.ref, TransferRef: cfg.TransferRef, Peers: peers}, n.store, client, n.sink)
			t.Run(n.ctx)
		}
	}()
	return in, nil
}

// CreateMultisigWallet starts a creator-side multisig session for ref and
// delivers the matching /multisig/new proposal to every other participant
// through a notifier. peers must contain exactly one
// owned onion, which becomes the session's identity.
func (n *Node) CreateMultisigWallet(ref string, threshold, total int, peers []string) (*multisig.Session, error) {
	normalized := make([]string, 0, len(peers))
	var myOnion string
	owned := 0
	for _, p := range peers {
		p = cryptoutil.NormalizeOnion(p)
		normalized = append(normalized, p)
		if n.idents.Owns(p) {
			myOnion = p
			owned++
		}
	}
	if owned != 1 {
		return nil, fmt.Errorf("node: peers must contain exactly one owned identity, found %d", owned)
	}
	if _, exists := n.store.WalletByRef(ref, myOnion); exists {
		return nil, fmt.Errorf("node: wallet already exists for ref %s", ref)
	}
	ident, ok := n.idents.Lookup(myOnion)
	if !ok {
		return nil, fmt.Errorf("node: identity %s vanished", myOnion)
	}
	var netType string
	n.store.View(func(d *account.Document) { netType = d.Settings.NetworkType })

	remote := make([]string, 0, len(normalized)-1)
	for _, p := range normalized {
		if p != myOnion {
			remote = append(remote, p)
		}
	}
	password, err := acceptor.RandomWalletPassword()
	if err != nil {
		return nil, err
	}
	cfg := multisig.Config{
		Ref:            ref,
		M:              threshold,
		N:              total,
		Peers:          remote,
		WalletName:     "wallet_for_ref_" + ref,
		WalletPassword: password,
		MyOnion:        myOnion,
		Creator:        myOnion,
		NetType:        netType,
	}
	sess, err := n.Spawn(n.ctx, cfg, ident.Signer)
	if err != nil {
		return nil, err
	}
	n.sessions.Register(sess)
	go func() {
		<-sess.Finished()
		n.sessions.Unregister(ref)
	}()

	client := n.clientFor(myOnion)
	notifier := acceptor.NewNotifier(client, ref, transport.NewMultisigRequest{
		Ref: ref, M: threshold, N: total, NetType: netType, Peers: normalized,
	})
	go notifier.Deliver(n.ctx, remote)
	return sess, nil
}

// ConnectWallet opens a persisted multisig wallet so transfers and the
// key-image session can serve it.
func (n *Node) ConnectWallet(ref, myOnion string) error {
	return n.openWalletByRef(n.ctx, ref, myOnion)
}

// ImportWallet records an externally restored wallet in the account catalog
// and opens it.
func (n *Node) ImportWallet(w account.Wallet) error {
	if err := n.store.PutWallet(w); err != nil {
		return err
	}
	return n.openWalletByRef(n.ctx, w.Reference, w.MyOnion)
}

// DisconnectWallet closes an open wallet handle without touching the
// persisted record.
func (n *Node) DisconnectWallet(ref string) {
	n.mu.Lock()
	w, ok := n.wallets[ref]
	if ok {
		delete(n.wallets, ref)
	}
	n.mu.Unlock()
	if ok {
		w.wallet.Close(context.Background())
	}
}

// IncomingTransfer exposes an in-flight inbound transfer handler so the UI
// can decline it.
func (n *Node) IncomingTransfer(transferRef string) (*transfer.Incoming, bool) {
	return n.xfer.Incoming(transferRef)
}

// Events returns a subscription to this node's event stream.
func (n *Node) Events() <-chan eventsink.Event { return n.sink.Subscribe() }

// AccountDir returns the directory the account file lives in, used by
// callers that need to derive sibling paths (e.g. the key-image cache).
func AccountDir(accountPath string) string { return filepath.Dir(accountPath) }

// Close stops the key-image session, closes every onion listener and the
// Tor gateway, and stops the event sink.
func (n *Node) Close() {
	n.cancel()
	if n.ki != nil {
		n.ki.Stop()
	}
	n.mu.Lock()
	for _, s := range n.servers {
		s.listener.Close()
	}
	for _, w := range n.wallets {
		w.wallet.Close(context.Background())
	}
	n.mu.Unlock()
	n.sink.Close()
}
