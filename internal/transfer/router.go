package transfer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/transport"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

// Binding is the subset of an open wallet's state the transfer router needs
// to serve peer-scoped endpoints for it.
type Binding struct {
	WalletName string
	WalletRef  string
	MyOnion    string
	Peers      []string // full participant set, including self
	Wallet     walletlib.Wallet
}

// WalletLookup resolves a wallet reference to its open binding. Implemented
// by the node aggregator, which owns the live wallet handles.
type WalletLookup interface {
	LookupWallet(ref string) (Binding, bool)
}

// Router implements transport.Dispatcher's four transfer-scoped endpoints,
// spawning an Incoming handler per freshly submitted transfer and serving
// status/info reads against the locally persisted record.
type Router struct {
	ctx    context.Context
	store  *account.Store
	client *transport.Client
	sink   *eventsink.Sink
	lookup WalletLookup

	track TrackFunc

	mu       sync.Mutex
	incoming map[string]*Incoming // transfer_ref -> handler
}

// TrackFunc starts a status tracker for a transfer that was forwarded down
// the signing chain. Injected by the node layer, which owns the tracker
// package, so transfer does not import it.
type TrackFunc func(b Binding, transferRef string)

// NewRouter builds a transfer router bound to one node context. track may be
// nil when the caller has no tracker to offer (tests).
func NewRouter(ctx context.Context, store *account.Store, client *transport.Client, sink *eventsink.Sink, lookup WalletLookup, track TrackFunc) *Router {
	return &Router{ctx: ctx, store: store, client: client, sink: sink, lookup: lookup, track: track, incoming: make(map[string]*Incoming)}
}

// TransferPing implements transport.Dispatcher. A node is ready to receive
// a transfer whenever the referenced wallet is open locally.
func (rt *Router) TransferPing(callerOnion, ref string) (transport.TransferPingResponse, bool) {
	b, ok := rt.lookup.LookupWallet(ref)
	if !ok || !containsPeer(b.Peers, callerOnion) {
		return transport.TransferPingResponse{}, false
	}
	return transport.TransferPingResponse{Online: true, Ready: true}, true
}

// RequestInfo implements transport.Dispatcher, exporting this wallet's own
// partial key-image info for a peer's key-image import session or its
// initial multisig-info collection round.
func (rt *Router) RequestInfo(callerOnion, ref string) (transport.RequestInfoResponse, bool) {
	b, ok := rt.lookup.LookupWallet(ref)
	if !ok || !containsPeer(b.Peers, callerOnion) {
		return transport.RequestInfoResponse{}, false
	}
	info, err := b.Wallet.ExportMultisigInfo(rt.ctx)
	if err != nil {
		log.Printf("[transfer] export_multisig_info for %s failed: %v", ref, err)
		return transport.RequestInfoResponse{}, false
	}
	raw := []byte(info)
	return transport.RequestInfoResponse{
		MultisigInfoB64: cryptoutil.B64(raw),
		Len:             len(raw),
		Sha256:          cryptoutil.Sha256Hex(raw),
		Time:            time.Now().Unix(),
	}, true
}

// SubmitTransfer implements transport.Dispatcher: it persists the inbound
// transfer and launches an Incoming handler for it.
func (rt *Router) SubmitTransfer(callerOnion, ref string, req transport.SubmitTransferRequest) (transport.SubmitTransferResponse, bool) {
	b, ok := rt.lookup.LookupWallet(ref)
	if !ok || !containsPeer(b.Peers, callerOnion) {
		return transport.SubmitTransferResponse{}, false
	}

	rt.mu.Lock()
	if _, exists := rt.incoming[req.TransferRef]; exists {
		rt.mu.Unlock()
		return transport.SubmitTransferResponse{Success: true, Idempotent: true}, true
	}
	rt.mu.Unlock()

	blob, err := cryptoutil.B64Decode(req.TransferBlob)
	if err != nil {
		return transport.SubmitTransferResponse{}, false
	}
	desc := toAccountDescription(req.TransferDescription)

	cfg := IncomingConfig{
		TransferRef:  req.TransferRef,
		WalletName:   b.WalletName,
		WalletRef:    b.WalletRef,
		MyOnion:      b.MyOnion,
		WalletPeers:  b.Peers,
		Blob:         blob,
		SigningOrder: req.SigningOrder,
		Description:  desc,
	}
	inc := NewIncoming(cfg, req.WhoHasSigned, rt.store, b.Wallet, rt.client, rt.sink)

	rec := account.TransferRecord{
		Type:         "MULTISIG",
		WalletName:   b.WalletName,
		WalletRef:    b.WalletRef,
		SigningOrder: req.SigningOrder,
		Stage:        string(RStateStart),
		Signatures:   req.WhoHasSigned,
		TransferBlob: req.TransferBlob,
		Description:  desc,
		MyOnion:      b.MyOnion,
		CreatedAt:    req.CreatedAt,
		ReceivedAt:   time.Now().Unix(),
	}
	if err := rt.store.PutTransfer(b.WalletName, req.TransferRef, rec); err != nil {
		log.Printf("[transfer] persist inbound %s failed: %v", req.TransferRef, err)
		return transport.SubmitTransferResponse{}, false
	}

	rt.mu.Lock()
	rt.incoming[req.TransferRef] = inc
	rt.mu.Unlock()
	rt.sink.Publish(eventsink.Event{Kind: eventsink.KindTransferSubmitted, Subject: req.TransferRef})

	go func() {
		inc.Run(rt.ctx)
		rt.mu.Lock()
		delete(rt.incoming, req.TransferRef)
		rt.mu.Unlock()
		if inc.State() == RStateCheckingStatus && rt.track != nil {
			rt.track(b, req.TransferRef)
		}
	}()

	return transport.SubmitTransferResponse{Success: true}, true
}

// TransferStatus implements transport.Dispatcher, reporting this node's own
// view of one transfer for a remote tracker's poll.
func (rt *Router) TransferStatus(callerOnion, ref, transferRef string) (transport.TransferStatusResponse, bool) {
	b, ok := rt.lookup.LookupWallet(ref)
	if !ok || !containsPeer(b.Peers, callerOnion) {
		return transport.TransferStatusResponse{}, false
	}
	rec, ok := rt.store.Transfer(b.WalletName, transferRef)
	if !ok {
		return transport.TransferStatusResponse{}, false
	}
	hasSigned := false
	for _, s := range rec.Signatures {
		if s == b.MyOnion {
			hasSigned = true
			break
		}
	}
	return transport.TransferStatusResponse{
		StageName:        rec.Stage,
		Status:           rec.Status,
		TxID:             rec.TxID,
		ReceivedTransfer: true,
		HasSigned:        hasSigned,
	}, true
}

// Incoming returns the handler for an in-flight inbound transfer, if any,
// letting the UI layer call Decline on it.
func (rt *Router) Incoming(transferRef string) (*Incoming, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	inc, ok := rt.incoming[transferRef]
	return inc, ok
}

func toAccountDescription(d transport.TransferDescription) account.TransferDescription {
	out := account.TransferDescription{PaymentID: d.PaymentID, Fee: d.Fee, UnlockTime: d.UnlockTime}
	for _, r := range d.Recipients {
		out.Recipients = append(out.Recipients, account.Destination{Address: r.Address, AmountAtomic: r.AmountAtomic})
	}
	return out
}

func containsPeer(peers []string, onion string) bool {
	for _, p := range peers {
		if p == onion {
			return true
		}
	}
	return false
}
