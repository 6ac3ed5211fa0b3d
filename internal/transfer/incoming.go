package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/transport"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

// IncomingState is one of the signer-side state machine's states.
type IncomingState string

const (
	RStateStart       IncomingState = "START"
	RStateValidating  IncomingState = "VALIDATING"
	RStateSigning     IncomingState = "SIGNING"
	RStateSubmitting  IncomingState = "SUBMITTING"
	RStateBroadcasting IncomingState = "BROADCASTING"
	RStateCheckingStatus IncomingState = "CHECKING_STATUS"
	RStateComplete    IncomingState = "COMPLETE"
	RStateDeclined    IncomingState = "DECLINED"
	RStateError       IncomingState = "ERROR"
)

// IncomingConfig seeds an IncomingTransfer against a transfer already saved
// by the inbound /transfer/submit handler.
type IncomingConfig struct {
	TransferRef  string
	WalletName   string
	WalletRef    string
	MyOnion      string
	WalletPeers  []string // the wallet's full peer set, including self
	Blob         []byte
	SigningOrder []string
	Description  account.TransferDescription
}

// Incoming is the state machine a node runs for a transfer it received but
// did not initiate.
type Incoming struct {
	cfg    IncomingConfig
	store  *account.Store
	wallet walletlib.Wallet
	client *transport.Client
	sink   *eventsink.Sink

	mu         sync.Mutex
	state      IncomingState
	signatures []string
	txID       string
	reason     string
	declineCh  chan struct{}
	finishedCh chan struct{}
	finishedOnce sync.Once
}

// NewIncoming constructs an incoming-transfer handler in state START.
func NewIncoming(cfg IncomingConfig, existingSignatures []string, store *account.Store, wallet walletlib.Wallet, client *transport.Client, sink *eventsink.Sink) *Incoming {
	return &Incoming{
		cfg:        cfg,
		store:      store,
		wallet:     wallet,
		client:     client,
		sink:       sink,
		state:      RStateStart,
		signatures: append([]string(nil), existingSignatures...),
		declineCh:  make(chan struct{}),
		finishedCh: make(chan struct{}),
	}
}

// State returns the handler's current state.
func (r *Incoming) State() IncomingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Incoming) setState(st IncomingState) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	log.Printf("[incoming %s] -> %s", r.cfg.TransferRef, st)
}

// TxID returns the broadcast transaction id, once known.
func (r *Incoming) TxID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txID
}

// HasSigned reports whether this node has appended its signature.
func (r *Incoming) HasSigned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signatures {
		if s == r.cfg.MyOnion {
			return true
		}
	}
	return false
}

// Finished is closed exactly once when the handler reaches a terminal state.
func (r *Incoming) Finished() <-chan struct{} { return r.finishedCh }

func (r *Incoming) finish(reason string) {
	r.finishedOnce.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.mu.Unlock()
		r.sink.Publish(eventsink.Event{Kind: eventsink.KindTransferFinished, Subject: r.cfg.TransferRef, Payload: reason})
		close(r.finishedCh)
	})
}

// Decline removes this node's signature and stops the handler.
func (r *Incoming) Decline() {
	select {
	case <-r.declineCh:
	default:
		close(r.declineCh)
	}
}

// Run drives the handler to completion or failure on the calling goroutine.
func (r *Incoming) Run(ctx context.Context) {
	defer func() {
		select {
		case <-r.finishedCh:
		default:
			r.finish(r.lastReason())
		}
	}()

	select {
	case <-r.declineCh:
		r.decline()
		return
	default:
	}

	if err := r.validating(ctx); err != nil {
		r.fail(err)
		return
	}
	ready, err := r.signing(ctx)
	if err != nil {
		r.fail(err)
		return
	}
	if ready {
		if err := r.broadcasting(ctx); err != nil {
			r.fail(err)
			return
		}
		r.setState(RStateComplete)
		r.persistSnapshot(func(rec *account.TransferRecord) {})
		r.finish("success")
		return
	}
	if err := r.submitting(ctx); err != nil {
		r.fail(err)
		return
	}
	// Forwarded down the chain: the terminal outcome arrives via the status
	// tracker the owner spawns against this transfer, not from this handler.
	r.setState(RStateCheckingStatus)
	r.persistSnapshot(func(rec *account.TransferRecord) {})
	r.finish("forwarded")
}

func (r *Incoming) lastReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason == "" {
		return "success"
	}
	return r.reason
}

func (r *Incoming) fail(err error) {
	r.setState(RStateError)
	r.mu.Lock()
	r.reason = err.Error()
	r.mu.Unlock()
	log.Printf("[incoming %s] error: %v", r.cfg.TransferRef, err)
	r.finish(err.Error())
}

func (r *Incoming) decline() {
	r.setState(RStateDeclined)
	r.mu.Lock()
	out := make([]string, 0, len(r.signatures))
	for _, s := range r.signatures {
		if s != r.cfg.MyOnion {
			out = append(out, s)
		}
	}
	r.signatures = out
	r.mu.Unlock()
	r.persistSnapshot(func(rec *account.TransferRecord) { rec.DeclinedAt = time.Now().Unix() })
	r.finish("declined")
}

// validating describes the received blob and compares it byte-for-byte
// against the locally stored description and signing order.
func (r *Incoming) validating(ctx context.Context) error {
	r.setState(RStateValidating)
	desc, signingOrder, err := r.wallet.DescribeTransfer(ctx, r.cfg.Blob)
	if err != nil {
		return walletlib.Wrap("DescribeTransfer", err)
	}
	accDesc := account.TransferDescription{PaymentID: desc.PaymentID, Fee: desc.Fee, UnlockTime: desc.UnlockTime}
	for _, d := range desc.Recipients {
		accDesc.Recipients = append(accDesc.Recipients, account.Destination{Address: d.Address, AmountAtomic: d.AmountAtomic})
	}
	if !descriptionsEqual(accDesc, r.cfg.Description) {
		return fmt.Errorf("transfer: described blob does not match stored transfer_description")
	}

	order := r.cfg.SigningOrder
	if len(signingOrder) > 0 {
		order = signingOrder
	}
	allowed := make(map[string]bool, len(r.cfg.WalletPeers))
	for _, p := range r.cfg.WalletPeers {
		allowed[p] = true
	}
	allowed[r.cfg.MyOnion] = true
	for _, onion := range order {
		if !allowed[onion] {
			return fmt.Errorf("transfer: signing_order onion %s is not a configured peer", onion)
		}
	}
	r.mu.Lock()
	r.cfg.SigningOrder = order
	r.mu.Unlock()
	return nil
}

func descriptionsEqual(a, b account.TransferDescription) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// signing asks the wallet to append this node's partial signature.
func (r *Incoming) signing(ctx context.Context) (readyToSubmit bool, err error) {
	r.setState(RStateSigning)
	newBlob, ready, _, err := r.wallet.SignMultisig(ctx, r.cfg.Blob)
	if err != nil {
		return false, walletlib.Wrap("SignMultisig", err)
	}
	r.mu.Lock()
	r.cfg.Blob = newBlob
	r.signatures = append(r.signatures, r.cfg.MyOnion)
	sigs := append([]string(nil), r.signatures...)
	r.mu.Unlock()
	r.persistSnapshot(func(rec *account.TransferRecord) {
		rec.Signatures = sigs
		rec.TransferBlob = cryptoutil.B64(newBlob)
	})
	return ready, nil
}

// broadcasting submits the fully-signed transaction to the daemon via the
// wallet.
func (r *Incoming) broadcasting(ctx context.Context) error {
	r.setState(RStateBroadcasting)
	r.mu.Lock()
	blob := r.cfg.Blob
	r.mu.Unlock()
	txID, err := r.wallet.SubmitSignedMultisig(ctx, blob)
	if err != nil {
		return walletlib.Wrap("SubmitSignedMultisig", err)
	}
	r.mu.Lock()
	r.txID = txID
	r.mu.Unlock()
	r.persistSnapshot(func(rec *account.TransferRecord) { rec.TxID = txID })
	return nil
}

// submitting forwards the partially-signed blob to the next signer after
// self in signing_order who has not yet signed.
func (r *Incoming) submitting(ctx context.Context) error {
	r.setState(RStateSubmitting)
	next, ok := r.nextSigner()
	if !ok {
		return fmt.Errorf("transfer: no remaining signer after self in signing_order")
	}

	r.mu.Lock()
	req := transport.SubmitTransferRequest{
		TransferRef:  r.cfg.TransferRef,
		TransferBlob: cryptoutil.B64(r.cfg.Blob),
		SigningOrder: r.cfg.SigningOrder,
		WhoHasSigned: append([]string(nil), r.signatures...),
		CreatedAt:    time.Now().Unix(),
	}
	req.TransferDescription = transport.TransferDescription{PaymentID: r.cfg.Description.PaymentID, Fee: r.cfg.Description.Fee, UnlockTime: r.cfg.Description.UnlockTime}
	for _, d := range r.cfg.Description.Recipients {
		req.TransferDescription.Recipients = append(req.TransferDescription.Recipients, transport.Destination{Address: d.Address, AmountAtomic: d.AmountAtomic})
	}
	r.mu.Unlock()

	ticker := time.NewTicker(submitRetryInterval)
	defer ticker.Stop()
	for {
		var resp transport.SubmitTransferResponse
		err := r.client.Post(ctx, next, "/api/multisig/transfer/submit", r.cfg.WalletRef, req, &resp)
		if err == nil && resp.Success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.declineCh:
			return fmt.Errorf("transfer: declined while forwarding")
		case <-ticker.C:
		}
	}
}

func (r *Incoming) nextSigner() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	signed := make(map[string]bool, len(r.signatures))
	for _, s := range r.signatures {
		signed[s] = true
	}
	for _, onion := range r.cfg.SigningOrder {
		if onion == r.cfg.MyOnion {
			continue
		}
		if !signed[onion] {
			return onion, true
		}
	}
	return "", false
}

func (r *Incoming) persistSnapshot(fn func(*account.TransferRecord)) {
	r.mu.Lock()
	rec := account.TransferRecord{
		Type:         "MULTISIG",
		WalletName:   r.cfg.WalletName,
		WalletRef:    r.cfg.WalletRef,
		SigningOrder: r.cfg.SigningOrder,
		Stage:        string(r.state),
		Signatures:   append([]string(nil), r.signatures...),
		TransferBlob: cryptoutil.B64(r.cfg.Blob),
		Description:  r.cfg.Description,
		TxID:         r.txID,
		MyOnion:      r.cfg.MyOnion,
		ReceivedAt:   time.Now().Unix(),
	}
	r.mu.Unlock()
	fn(&rec)
	if err := r.store.PutTransfer(r.cfg.WalletName, r.cfg.TransferRef, rec); err != nil {
		log.Printf("[incoming %s] persist failed: %v", r.cfg.TransferRef, err)
	}
}
