// Package transfer implements the transfer lifecycle state machines: the
// initiator that collects peer key-image info, builds an unsigned multisig
// transaction and forwards the serial signing chain, and the
// incoming-transfer handler each non-initiator signer runs on receipt.
package transfer

import (
	"context"
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

// InitiatorState is one of the outgoing-transfer state machine's states.
type InitiatorState string

const (
	IStateInit             InitiatorState = "INIT"
	IStateCheckingPeers    InitiatorState = "CHECKING_PEERS"
	IStateCollectingInfo   InitiatorState = "COLLECTING_INFO"
	IStateCreatingTransfer InitiatorState = "CREATING_TRANSFER"
	IStateValidating       InitiatorState = "VALIDATING"
	IStateApproving        InitiatorState = "APPROVING"
	IStateSubmitting       InitiatorState = "SUBMITTING"
	IStateCheckingStatus   InitiatorState = "CHECKING_STATUS"
	IStateComplete         InitiatorState = "COMPLETE"
	IStateDeclined         InitiatorState = "DECLINED"
	IStateError            InitiatorState = "ERROR"
)

const (
	peerPingInterval    = 5 * time.Second
	infoFreshnessWindow = 300 * time.Second
	submitRetryInterval = 5 * time.Second

	// inspectGuardThreshold is the fee/amount ratio that forces inspection
	// when the account's inspect_guard setting is enabled.
	inspectGuardThreshold = 0.005
)

// InitiatorConfig seeds a new outgoing transfer.
type InitiatorConfig struct {
	TransferRef      string
	WalletName       string
	WalletRef        string // the multisig wallet's creation reference
	MyOnion          string
	Peers            []string // every other signer onion, normalized
	SigningOrder     []string // full signing order including self
	Destinations     []account.Destination
	FeePriority      int
	FeeSplitIndices  []int
	InspectRequested bool
	InspectGuard     bool // from account settings
}

// Initiator drives an outgoing transfer from CHECKING_PEERS through
// SUBMITTING.
type Initiator struct {
	cfg    InitiatorConfig
	store  *account.Store
	wallet walletlib.Wallet
	client *transport.Client
	sink   *eventsink.Sink

	mu            sync.Mutex
	state         InitiatorState
	peerInfos     map[string]string // onion -> multisig_info_b64
	blob          []byte
	description   account.TransferDescription
	inspect       bool
	approved      bool
	approveCh     chan struct{}
	declineCh     chan struct{}
	attempts      map[string]int // per-peer submit attempt counter
	signatures    []string
	reason        string
	finishedCh    chan struct{}
	finishedOnce  sync.Once
	createdAt     int64
}

// NewInitiator constructs an initiator in state INIT. The initiator's own
// onion is always the first entry in signatures.
func NewInitiator(cfg InitiatorConfig, store *account.Store, wallet walletlib.Wallet, client *transport.Client, sink *eventsink.Sink) *Initiator {
	return &Initiator{
		cfg:        cfg,
		store:      store,
		wallet:     wallet,
		client:     client,
		sink:       sink,
		state:      IStateInit,
		peerInfos:  make(map[string]string),
		approveCh:  make(chan struct{}),
		declineCh:  make(chan struct{}),
		attempts:   make(map[string]int),
		signatures: []string{cfg.MyOnion},
		finishedCh: make(chan struct{}),
		createdAt:  time.Now().Unix(),
	}
}

// State returns the initiator's current state.
func (in *Initiator) State() InitiatorState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Initiator) setState(st InitiatorState) {
	in.mu.Lock()
	in.state = st
	in.mu.Unlock()
	log.Printf("[transfer %s] -> %s", in.cfg.TransferRef, st)
}

// Finished is closed exactly once when the initiator reaches a terminal
// state.
func (in *Initiator) Finished() <-chan struct{} { return in.finishedCh }

func (in *Initiator) finish(reason string) {
	in.finishedOnce.Do(func() {
		in.mu.Lock()
		in.reason = reason
		in.mu.Unlock()
		in.sink.Publish(eventsink.Event{Kind: eventsink.KindTransferFinished, Subject: in.cfg.TransferRef, Payload: reason})
		close(in.finishedCh)
	})
}

// ProceedAfterApproval unblocks an initiator parked in APPROVING because
// inspection was requested.
func (in *Initiator) ProceedAfterApproval() {
	select {
	case <-in.approveCh:
	default:
		close(in.approveCh)
	}
}

// Abort declines the transfer while it is still in progress.
func (in *Initiator) Abort() {
	select {
	case <-in.declineCh:
	default:
		close(in.declineCh)
	}
}

// Attempts reports the current submit attempt counter for a peer, surfaced
// in status.
func (in *Initiator) Attempts(onion string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.attempts[onion]
}

// Run drives the initiator to completion or failure on the calling
// goroutine.
func (in *Initiator) Run(ctx context.Context) {
	defer func() {
		select {
		case <-in.finishedCh:
		default:
			in.finish(in.lastReason())
		}
	}()

	steps := []func(context.Context) error{
		in.checkingPeers,
		in.collectingInfo,
		in.creatingTransfer,
		in.validating,
		in.approving,
		in.submitting,
	}
	for _, step := range steps {
		select {
		case <-in.declineCh:
			in.decline()
			return
		default:
		}
		if err := step(ctx); err != nil {
			in.fail(err)
			return
		}
	}
}

func (in *Initiator) lastReason() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.reason == "" {
		return "submitted"
	}
	return in.reason
}

func (in *Initiator) fail(err error) {
	in.setState(IStateError)
	in.mu.Lock()
	in.reason = err.Error()
	in.mu.Unlock()
	log.Printf("[transfer %s] error: %v", in.cfg.TransferRef, err)
	in.finish(err.Error())
}

func (in *Initiator) decline() {
	in.setState(IStateDeclined)
	in.persistSnapshot(func(r *account.TransferRecord) { r.DeclinedAt = time.Now().Unix() })
	in.finish("declined")
}

// checkingPeers pings every peer at 5s cadence until all are online and
// ready.
func (in *Initiator) checkingPeers(ctx context.Context) error {
	in.setState(IStateCheckingPeers)
	ticker := time.NewTicker(peerPingInterval)
	defer ticker.Stop()
	for {
		allReady := true
		for _, peer := range in.cfg.Peers {
			var resp transport.TransferPingResponse
			err := in.client.Get(ctx, peer, "/api/multisig/transfer/ping", in.cfg.WalletRef, "", "", "", &resp)
			if err != nil || !resp.Online || !resp.Ready {
				allReady = false
			}
		}
		if allReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.declineCh:
			return fmt.Errorf("transfer: declined while checking peers")
		case <-ticker.C:
		}
	}
}

// collectingInfo fetches and validates each peer's partial key-image info,
// requiring freshness within 300s.
func (in *Initiator) collectingInfo(ctx context.Context) error {
	in.setState(IStateCollectingInfo)
	ticker := time.NewTicker(peerPingInterval)
	defer ticker.Stop()
	for {
		allFresh := true
		for _, peer := range in.cfg.Peers {
			if in.hasFreshInfo(peer) {
				continue
			}
			var resp transport.RequestInfoResponse
			if err := in.client.Get(ctx, peer, "/api/multisig/transfer/request_info", in.cfg.WalletRef, "", "", "", &resp); err != nil {
				allFresh = false
				continue
			}
			raw, err := cryptoutil.B64Decode(resp.MultisigInfoB64)
			if err != nil || (resp.Len != 0 && len(raw) != resp.Len) || cryptoutil.Sha256Hex(raw) != resp.Sha256 {
				allFresh = false
				continue
			}
			if time.Now().Unix()-resp.Time > int64(infoFreshnessWindow.Seconds()) {
				allFresh = false
				continue
			}
			in.mu.Lock()
			in.peerInfos[peer] = resp.MultisigInfoB64
			in.mu.Unlock()
		}
		if allFresh {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.declineCh:
			return fmt.Errorf("transfer: declined while collecting info")
		case <-ticker.C:
		}
	}
}

func (in *Initiator) hasFreshInfo(peer string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.peerInfos[peer]
	return ok
}

// creatingTransfer imports peer infos and builds the unsigned transaction,
// failing closed on invalid destinations.
func (in *Initiator) creatingTransfer(ctx context.Context) error {
	in.setState(IStateCreatingTransfer)
	if len(in.cfg.Destinations) == 0 {
		return fmt.Errorf("transfer: no destinations")
	}
	for _, d := range in.cfg.Destinations {
		if d.Address == "" {
			return fmt.Errorf("transfer: empty destination address")
		}
		if d.AmountAtomic == 0 {
			return fmt.Errorf("transfer: zero-amount destination for %s", d.Address)
		}
	}

	infos := make([]string, 0, len(in.peerInfos))
	in.mu.Lock()
	for _, info := range in.peerInfos {
		infos = append(infos, info)
	}
	in.mu.Unlock()
	if err := in.wallet.ImportMultisigBulk(ctx, infos); err != nil {
		return walletlib.Wrap("ImportMultisigBulk", err)
	}

	dests := make([]walletlib.Destination, len(in.cfg.Destinations))
	for i, d := range in.cfg.Destinations {
		dests[i] = walletlib.Destination{Address: d.Address, AmountAtomic: d.AmountAtomic}
	}
	blob, err := in.wallet.BuildTransfer(ctx, dests, in.cfg.FeePriority, in.cfg.FeeSplitIndices)
	if err != nil {
		return walletlib.Wrap("BuildTransfer", err)
	}
	in.mu.Lock()
	in.blob = blob
	in.mu.Unlock()
	return nil
}

// validating describes the built transfer and decides whether approval must
// be gated on user inspection.
func (in *Initiator) validating(ctx context.Context) error {
	in.setState(IStateValidating)
	in.mu.Lock()
	blob := in.blob
	in.mu.Unlock()

	desc, signingOrder, err := in.wallet.DescribeTransfer(ctx, blob)
	if err != nil {
		return walletlib.Wrap("DescribeTransfer", err)
	}
	accDesc := account.TransferDescription{PaymentID: desc.PaymentID, Fee: desc.Fee, UnlockTime: desc.UnlockTime}
	for _, r := range desc.Recipients {
		accDesc.Recipients = append(accDesc.Recipients, account.Destination{Address: r.Address, AmountAtomic: r.AmountAtomic})
	}
	if len(signingOrder) > 0 {
		in.cfg.SigningOrder = signingOrder
	}

	var totalAmount uint64
	for _, d := range in.cfg.Destinations {
		totalAmount += d.AmountAtomic
	}
	inspect := in.cfg.InspectRequested
	if in.cfg.InspectGuard && totalAmount > 0 && float64(accDesc.Fee)/float64(totalAmount) > inspectGuardThreshold {
		inspect = true
	}

	in.mu.Lock()
	in.description = accDesc
	in.inspect = inspect
	in.mu.Unlock()

	in.persistSnapshot(func(r *account.TransferRecord) {
		r.Description = accDesc
		r.SigningOrder = in.cfg.SigningOrder
		r.TransferBlob = cryptoutil.B64(blob)
	})
	return nil
}

// approving blocks on ProceedAfterApproval when inspection was flagged,
//.
func (in *Initiator) approving(ctx context.Context) error {
	in.setState(IStateApproving)
	in.mu.Lock()
	inspect := in.inspect
	in.mu.Unlock()
	if !inspect {
		return nil
	}
	select {
	case <-in.approveCh:
		return nil
	case <-in.declineCh:
		return fmt.Errorf("transfer: declined during approval")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitting forwards the transfer to the next signer in signing_order who
// has not yet signed, retrying every 5s with an unbounded per-peer attempt
// counter.
func (in *Initiator) submitting(ctx context.Context) error {
	in.setState(IStateSubmitting)
	next, ok := in.nextSigner()
	if !ok {
		return fmt.Errorf("transfer: no remaining signer in signing_order")
	}

	in.mu.Lock()
	req := transport.SubmitTransferRequest{
		TransferRef:  in.cfg.TransferRef,
		TransferBlob: cryptoutil.B64(in.blob),
		SigningOrder: in.cfg.SigningOrder,
		WhoHasSigned: append([]string(nil), in.signatures...),
		CreatedAt:    time.Now().Unix(),
	}
	req.TransferDescription = transport.TransferDescription{PaymentID: in.description.PaymentID, Fee: in.description.Fee, UnlockTime: in.description.UnlockTime}
	for _, r := range in.description.Recipients {
		req.TransferDescription.Recipients = append(req.TransferDescription.Recipients, transport.Destination{Address: r.Address, AmountAtomic: r.AmountAtomic})
	}
	in.mu.Unlock()

	ticker := time.NewTicker(submitRetryInterval)
	defer ticker.Stop()
	for {
		in.mu.Lock()
		in.attempts[next]++
		in.mu.Unlock()

		var resp transport.SubmitTransferResponse
		err := in.client.Post(ctx, next, "/api/multisig/transfer/submit", in.cfg.WalletRef, req, &resp)
		if err == nil && resp.Success {
			in.setState(IStateCheckingStatus)
			in.persistSnapshot(func(r *account.TransferRecord) { r.SubmittedAt = time.Now().Unix() })
			in.sink.Publish(eventsink.Event{Kind: eventsink.KindTransferSubmitted, Subject: in.cfg.TransferRef, Payload: next})
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.declineCh:
			return fmt.Errorf("transfer: declined while submitting")
		case <-ticker.C:
		}
	}
}

// nextSigner returns the first onion in signing_order that has not signed.
func (in *Initiator) nextSigner() (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	signed := make(map[string]bool, len(in.signatures))
	for _, s := range in.signatures {
		signed[s] = true
	}
	for _, onion := range in.cfg.SigningOrder {
		if !signed[onion] {
			return onion, true
		}
	}
	return "", false
}

// persistSnapshot loads the current transfer record (or starts a fresh one
// when nothing is persisted yet), refreshes the fields this state machine
// owns, mutates it with fn and writes it back. Fields set by earlier
// snapshots (notably transfer_blob) survive partial updates.
func (in *Initiator) persistSnapshot(fn func(*account.TransferRecord)) {
	rec, ok := in.store.Transfer(in.cfg.WalletName, in.cfg.TransferRef)
	if !ok {
		rec = &account.TransferRecord{
			Type:         "MULTISIG",
			WalletName:   in.cfg.WalletName,
			WalletRef:    in.cfg.WalletRef,
			Destinations: in.cfg.Destinations,
			MyOnion:      in.cfg.MyOnion,
			CreatedAt:    in.createdAt,
		}
	}
	in.mu.Lock()
	rec.SigningOrder = in.cfg.SigningOrder
	rec.Stage = string(in.state)
	rec.Signatures = append([]string(nil), in.signatures...)
	rec.Description = in.description
	in.mu.Unlock()
	fn(rec)
	if err := in.store.PutTransfer(in.cfg.WalletName, in.cfg.TransferRef, *rec); err != nil {
		log.Printf("[transfer %s] persist failed: %v", in.cfg.TransferRef, err)
	}
}
