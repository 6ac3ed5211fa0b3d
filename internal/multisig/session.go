// Package multisig implements the creator-side multisig wallet creation
// state machine: WAIT_PEERS → KEX(rounds) → ACK → PENDING → COMPLETE.
package multisig

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/height"
	"github.com/duskrelay/multisigd/internal/ids"
	"github.com/duskrelay/multisigd/internal/transport"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

// State is one of the creator-side session's states.
type State string

const (
	StateInit      State = "INIT"
	StateWaitPeers State = "WAIT_PEERS"
	StateKex       State = "KEX"
	StateAck       State = "ACK"
	StatePending   State = "PENDING"
	StateComplete  State = "COMPLETE"
	StateError     State = "ERROR"
)

// pingInterval and retryInterval both fire every 2s.
const (
	pingInterval        = 2 * time.Second
	retryInterval       = 2 * time.Second
	completeGraceWindow = 120 * time.Second // empirical, see DESIGN.md
)

// Config seeds a new session, matching the INIT transition's constructor
// arguments.
type Config struct {
	Ref            string
	M, N           int
	Peers          []string // remote onions, normalized, not including MyOnion
	WalletName     string
	WalletPassword string
	MyOnion        string
	Creator        string
	NetType        string
	DaemonURL      string
	UseTorDaemon   bool
	SocksAddr      string
}

// Session is the creator-side multisig creation state machine.
type Session struct {
	ID  ids.SessionID
	cfg Config

	signer cryptoutil.Signer
	store  *account.Store
	wallet walletlib.Wallet
	client *transport.Client
	sink   *eventsink.Sink

	rounds *roundCache

	mu            sync.Mutex
	state         State
	round         int
	kexSelf       map[int]string            // round -> my blob
	peerKex       map[string]map[int]string // onion -> round -> blob
	peerMatched   map[string]bool
	peerAckOK     map[string]bool
	peerPendingOK map[string]bool
	ackSelf       string
	pendingSelf   string
	address       string
	seed          string
	reason        string

	stopped bool
	grace      time.Duration
	finishedCh chan struct{}
}

// New constructs a session in state INIT. It resolves self pubkey from the
// identity registry via myPub and warns (preferring the derived onion) if
// onion_from_pub(myPub) != cfg.MyOnion.
func New(id ids.SessionID, cfg Config, signer cryptoutil.Signer, store *account.Store, wallet walletlib.Wallet, client *transport.Client, sink *eventsink.Sink) *Session {
	pub := signer.Public()
	if derivedHost, err := cryptoutil.OnionFromPub(pub); err == nil {
		derived := derivedHost + ".onion"
		if derived != cfg.MyOnion {
			log.Printf("[session %s] warning: derived onion %s != configured %s, using derived", id, derived, cfg.MyOnion)
			cfg.MyOnion = derived
		}
	}
	return &Session{
		ID:            id,
		cfg:           cfg,
		signer:        signer,
		store:         store,
		wallet:        wallet,
		client:        client,
		sink:          sink,
		rounds:        newRoundCache(),
		grace:         completeGraceWindow,
		state:         StateInit,
		kexSelf:       make(map[int]string),
		peerKex:       make(map[string]map[int]string),
		peerMatched:   make(map[string]bool),
		peerAckOK:     make(map[string]bool),
		peerPendingOK: make(map[string]bool),
		finishedCh:    make(chan struct{}),
	}
}

// IsPeer reports whether onion is a participant in this session (self or
// one of the configured remote peers), the membership check peer-scoped
// endpoints gate on.
func (s *Session) IsPeer(onion string) bool {
	for _, p := range s.sortedParticipants() {
		if p == onion {
			return true
		}
	}
	return false
}

// Stage returns the session's current state as the wire-level stage string.
func (s *Session) Stage() string { return string(s.State()) }

// Ref returns the wallet reference this session was created for.
func (s *Session) Ref() string { return s.cfg.Ref }

// M returns the signing threshold.
func (s *Session) M() int { return s.cfg.M }

// N returns the total number of signers.
func (s *Session) N() int { return s.cfg.N }

// NetType returns the network type this session is building a wallet for.
func (s *Session) NetType() string { return s.cfg.NetType }

// SelfKexBlob returns this session's own KEX blob for the given round, for
// serving /blob?stage=KEX&i=<round>.
func (s *Session) SelfKexBlob(round int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.kexSelf[round]
	return b, ok
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	log.Printf("[session %s] -> %s", s.ID, st)
}

// Stop requests cancellation; in-flight work drains and Finished fires.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Finished is closed exactly once when the session reaches a terminal state.
func (s *Session) Finished() <-chan struct{} { return s.finishedCh }

func (s *Session) finish(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.sink.Publish(eventsink.Event{Kind: eventsink.KindSessionFinished, Subject: string(s.ID), Payload: reason})
	close(s.finishedCh)
}

// Run drives the session to completion or failure. It is meant to be
// launched on its own goroutine by the caller (the acceptor or the UI
// layer): one long-lived object, one main context.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		select {
		case <-s.finishedCh:
		default:
			s.finish(s.lastReason())
		}
	}()

	if err := s.waitPeers(ctx); err != nil {
		s.fail(err)
		return
	}
	if err := s.kexLoop(ctx); err != nil {
		s.fail(err)
		return
	}
	if err := s.ackPhase(ctx); err != nil {
		s.fail(err)
		return
	}
	if err := s.pendingPhase(ctx); err != nil {
		s.fail(err)
		return
	}
	if err := s.completePhase(ctx); err != nil {
		s.fail(err)
		return
	}
}

func (s *Session) lastReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return "success"
	}
	return s.reason
}

func (s *Session) fail(err error) {
	s.setState(StateError)
	s.mu.Lock()
	s.reason = err.Error()
	s.mu.Unlock()
	log.Printf("[session %s] error: %v", s.ID, err)
	s.finish(err.Error())
}

// sortedParticipants returns self + peers, case-insensitive ascending.
func (s *Session) sortedParticipants() []string {
	all := append([]string{s.cfg.MyOnion}, s.cfg.Peers...)
	sort.Slice(all, func(i, j int) bool {
		return strings.ToLower(all[i]) < strings.ToLower(all[j])
	})
	return all
}

// waitPeers pings every peer every 2s until all match (online, ref/m/n
// equal).
func (s *Session) waitPeers(ctx context.Context) error {
	s.setState(StateWaitPeers)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		if s.isStopped() {
			return fmt.Errorf("session: stopped while waiting for peers")
		}
		allMatched := true
		for _, peer := range s.cfg.Peers {
			var resp transport.PingResponse
			err := s.client.Get(ctx, peer, "/api/ping", s.cfg.Ref, "", "", "", &resp)
			matched := err == nil && resp.Ref == s.cfg.Ref && resp.M == s.cfg.M && resp.N == s.cfg.N
			s.mu.Lock()
			s.peerMatched[peer] = matched
			s.mu.Unlock()
			if !matched {
				allMatched = false
			}
		}
		if allMatched {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// kexLoop drives round 1..n of key exchange.
func (s *Session) kexLoop(ctx context.Context) error {
	s.setState(StateKex)
	s.mu.Lock()
	s.round = 1
	s.mu.Unlock()

	firstMsg, err := s.wallet.CreateMultisig(ctx, s.cfg.WalletPassword)
	if err != nil {
		return walletFail("CreateMultisig", err)
	}
	s.setKexSelf(1, firstMsg)

	for {
		round := s.currentRound()
		if err := s.collectRoundFromPeers(ctx, round); err != nil {
			return err
		}

		infos := s.assembleInfos(round)
		shouldRun, done, differs := s.rounds.begin(opFor(round), round, infos)
		if differs {
			log.Printf("[session %s] warning: round %d infos changed after being recorded", s.ID, round)
		}
		if !shouldRun {
			if done {
				ready, err := s.wallet.IsMultisigReady(ctx)
				if err != nil {
					return walletFail("IsMultisigReady", err)
				}
				if ready {
					return nil
				}
			}
			continue
		}

		var nextMsg string
		if round == 1 {
			nextMsg, err = s.wallet.MakeMultisig(ctx, infos, s.cfg.M, s.cfg.WalletPassword)
		} else {
			nextMsg, err = s.wallet.ExchangeMultisigKeys(ctx, infos, s.cfg.WalletPassword)
		}
		s.rounds.end(opFor(round), round)
		if err != nil {
			return walletFail("multisig key exchange", err)
		}

		ready, err := s.wallet.IsMultisigReady(ctx)
		if err != nil {
			return walletFail("IsMultisigReady", err)
		}
		if ready {
			return nil
		}

		round++
		s.mu.Lock()
		s.round = round
		s.mu.Unlock()
		if nextMsg != "" {
			s.setKexSelf(round, nextMsg)
		}
	}
}

func opFor(round int) string {
	if round == 1 {
		return "MAKE"
	}
	return "KEX"
}

func (s *Session) currentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

func (s *Session) setKexSelf(round int, blob string) {
	s.mu.Lock()
	s.kexSelf[round] = blob
	s.mu.Unlock()
}

// collectRoundFromPeers polls every peer's /blob?stage=KEX&i=round until all
// have responded, retrying every 2s.
func (s *Session) collectRoundFromPeers(ctx context.Context, round int) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		if s.isStopped() {
			return fmt.Errorf("session: stopped during KEX round %d", round)
		}
		allCollected := true
		for _, peer := range s.cfg.Peers {
			if s.hasPeerRound(peer, round) {
				continue
			}
			var resp transport.BlobResponse
			err := s.client.Get(ctx, peer, "/api/multisig/blob", s.cfg.Ref, "KEX", strconv.Itoa(round), "", &resp)
			if err != nil {
				allCollected = false
				continue
			}
			raw, err := cryptoutil.B64Decode(resp.BlobB64)
			if err != nil || cryptoutil.Sha256Hex(raw) != resp.Sha256 {
				allCollected = false
				continue
			}
			s.mu.Lock()
			if s.peerKex[peer] == nil {
				s.peerKex[peer] = make(map[int]string)
			}
			s.peerKex[peer][round] = resp.BlobB64
			s.mu.Unlock()
		}
		if allCollected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) hasPeerRound(peer string, round int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.peerKex[peer]; ok {
		_, ok := m[round]
		return ok
	}
	return false
}

// assembleInfos builds the round's infos in deterministic sorted order,
// self coming from kexSelf[round].
func (s *Session) assembleInfos(round int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []string
	for _, onion := range s.sortedParticipants() {
		if onion == s.cfg.MyOnion {
			infos = append(infos, s.kexSelf[round])
			continue
		}
		infos = append(infos, s.peerKex[onion][round])
	}
	return infos
}

type ackMessage struct {
	IsMultisig bool   `json:"is_multisig"`
	IsReady    bool   `json:"is_ready"`
	Address    string `json:"address"`
	Ref        string `json:"ref"`
	M          int    `json:"m"`
	N          int    `json:"n"`
	TS         int64  `json:"ts"`
}

// ackPhase publishes this node's ACK blob and validates every peer's ACK.
func (s *Session) ackPhase(ctx context.Context) error {
	s.setState(StateAck)
	addr, err := s.wallet.Address(ctx)
	if err != nil {
		return walletFail("Address", err)
	}
	seed, err := s.wallet.MultisigSeed(ctx)
	if err != nil {
		return walletFail("MultisigSeed", err)
	}
	s.mu.Lock()
	s.address = addr
	s.seed = seed
	s.mu.Unlock()

	ack := ackMessage{IsMultisig: true, IsReady: true, Address: addr, Ref: s.cfg.Ref, M: s.cfg.M, N: s.cfg.N, TS: time.Now().Unix()}
	ackJSON, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	s.setAckSelf(cryptoutil.B64(ackJSON))

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		if s.isStopped() {
			return fmt.Errorf("session: stopped during ACK")
		}
		allOK := true
		for _, peer := range s.cfg.Peers {
			if s.peerAckOKFor(peer) {
				continue
			}
			var resp transport.BlobResponse
			if err := s.client.Get(ctx, peer, "/api/multisig/blob", s.cfg.Ref, "ACK", "", "", &resp); err != nil {
				allOK = false
				continue
			}
			raw, err := cryptoutil.B64Decode(resp.BlobB64)
			if err != nil {
				allOK = false
				continue
			}
			var peerAck ackMessage
			if json.Unmarshal(raw, &peerAck) != nil {
				allOK = false
				continue
			}
			valid := peerAck.IsReady && peerAck.Address != "" && peerAck.Address == addr && peerAck.Ref == s.cfg.Ref
			if peerAck.M != 0 && peerAck.M != s.cfg.M {
				valid = false
			}
			if peerAck.N != 0 && peerAck.N != s.cfg.N {
				valid = false
			}
			s.setPeerAckOK(peer, valid)
			if !valid {
				allOK = false
			}
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) setAckSelf(b64 string) {
	s.mu.Lock()
	s.ackSelf = b64
	s.mu.Unlock()
}

// SelfAckBlob returns this session's own ACK blob for serving /blob?stage=ACK.
func (s *Session) SelfAckBlob() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackSelf, s.ackSelf != ""
}

func (s *Session) setPendingSelf(b64 string) {
	s.mu.Lock()
	s.pendingSelf = b64
	s.mu.Unlock()
}

// SelfPendingBlob returns this session's own PENDING blob for serving
// /blob?stage=PENDING. Serving this request is itself the acceptance
// heartbeat.
func (s *Session) SelfPendingBlob() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSelf, s.pendingSelf != ""
}

func (s *Session) peerAckOKFor(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAckOK[peer]
}

func (s *Session) setPeerAckOK(peer string, ok bool) {
	s.mu.Lock()
	s.peerAckOK[peer] = ok
	s.mu.Unlock()
}

// OnPendingFetched is called by the inbound server when a peer fetches this
// session's PENDING blob — that fetch is the acceptance heartbeat.
func (s *Session) OnPendingFetched(peer string) {
	s.mu.Lock()
	s.peerPendingOK[peer] = true
	s.mu.Unlock()
}

// pendingPhase re-checks peer ACK addresses, publishes the PENDING blob and
// waits for every peer to have fetched it.
func (s *Session) pendingPhase(ctx context.Context) error {
	s.setState(StatePending)
	s.mu.Lock()
	for _, peer := range s.cfg.Peers {
		if !s.peerAckOK[peer] {
			s.mu.Unlock()
			return fmt.Errorf("session: peer %s ack no longer valid before PENDING", peer)
		}
	}
	s.mu.Unlock()

	pending := struct {
		PendingComplete bool  `json:"pending_complete"`
		Ref             string `json:"ref"`
		TS              int64  `json:"ts"`
	}{PendingComplete: true, Ref: s.cfg.Ref, TS: time.Now().Unix()}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	s.setPendingSelf(cryptoutil.B64(pendingJSON))

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		if s.isStopped() {
			return fmt.Errorf("session: stopped during PENDING")
		}
		s.mu.Lock()
		allConfirmed := true
		for _, peer := range s.cfg.Peers {
			if !s.peerPendingOK[peer] {
				allConfirmed = false
				break
			}
		}
		s.mu.Unlock()
		if allConfirmed {
			return nil
		}
		// Also actively fetch peers' PENDING blobs: both sides may need to
		// observe each other's confirmation depending on who initiated.
		for _, peer := range s.cfg.Peers {
			var resp transport.BlobResponse
			if s.client.Get(ctx, peer, "/api/multisig/blob", s.cfg.Ref, "PENDING", "", "", &resp) == nil {
				s.mu.Lock()
				s.peerPendingOK[peer] = true
				s.mu.Unlock()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// completePhase resolves the creation height, persists the wallet, emits
// walletAddressChanged and closes the wallet handle, then waits out the
// grace window so Finished does not fire before every peer has had a
// chance to confirm PENDING. The window is empirical (see DESIGN.md).
func (s *Session) completePhase(ctx context.Context) error {
	s.setState(StateComplete)
	restoreHeight, err := height.Resolve(ctx, s.cfg.DaemonURL, s.cfg.UseTorDaemon, s.cfg.SocksAddr, s.cfg.NetType, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	addr, seed := s.address, s.seed
	s.mu.Unlock()

	peers := append([]string{s.cfg.MyOnion}, s.cfg.Peers...)
	w := account.Wallet{
		Name:          s.cfg.WalletName,
		Password:      s.cfg.WalletPassword,
		Seed:          seed,
		Address:       addr,
		RestoreHeight: restoreHeight,
		MyOnion:       s.cfg.MyOnion,
		Reference:     s.cfg.Ref,
		Multisig:      true,
		Threshold:     s.cfg.M,
		Total:         s.cfg.N,
		Peers:         peers,
		Online:        true,
		Creator:       s.cfg.Creator,
		NetType:       s.cfg.NetType,
	}
	if err := s.store.PutWallet(w); err != nil {
		return fmt.Errorf("session: persist wallet: %w", err)
	}
	s.sink.Publish(eventsink.Event{Kind: eventsink.KindWalletAddressChanged, Subject: s.cfg.WalletName, Payload: addr})

	if err := s.wallet.Close(ctx); err != nil {
		log.Printf("[session %s] close wallet: %v", s.ID, err)
	}

	// Hold the session open for the grace window before Finished fires, so
	// the owner keeps it registered and a peer that has not yet fetched our
	// PENDING blob can still confirm.
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func walletFail(op string, err error) error {
	return walletlib.Wrap(op, err)
}
