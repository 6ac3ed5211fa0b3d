// Package tracker implements the status tracker: after a transfer is handed
// off to its first signer, it polls every other peer's /transfer/status and
// folds the responses into one aggregate terminal stage.
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/transport"
)

const (
	defaultPoll = 2000 * time.Millisecond
	minPoll     = 500 * time.Millisecond
	maxPoll     = 10000 * time.Millisecond
)

// stageRank orders stages for aggregate max-rank folding.
// Unknown stages rank below everything, including RECEIVED.
func stageRank(stage string) int {
	switch stage {
	case "ERROR", "DECLINED", "FAILED":
		return 1
	case "CHECKING_STATUS":
		return 2
	case "BROADCASTING":
		return 3
	case "COMPLETE":
		return 4
	case "RECEIVED":
		return 0
	default:
		return -1
	}
}

func isTerminal(stage string) bool {
	switch stage {
	case "COMPLETE", "DECLINED", "ERROR", "FAILED":
		return true
	default:
		return false
	}
}

// Config seeds a Tracker against one transfer already persisted locally.
type Config struct {
	WalletName  string
	WalletRef   string
	TransferRef string
	Peers       []string // every other signer, self excluded
	Poll        time.Duration
}

// Tracker polls peers for a single transfer's outcome until a terminal
// stage is observed or it is cancelled.
type Tracker struct {
	cfg    Config
	store  *account.Store
	client *transport.Client
	sink   *eventsink.Sink

	mu           sync.Mutex
	finishedCh   chan struct{}
	finishedOnce sync.Once
	reason       string
}

// New constructs a Tracker, clamping cfg.Poll to [minPoll, maxPoll].
func New(cfg Config, store *account.Store, client *transport.Client, sink *eventsink.Sink) *Tracker {
	if cfg.Poll == 0 {
		cfg.Poll = defaultPoll
	}
	if cfg.Poll < minPoll {
		cfg.Poll = minPoll
	}
	if cfg.Poll > maxPoll {
		cfg.Poll = maxPoll
	}
	return &Tracker{cfg: cfg, store: store, client: client, sink: sink, finishedCh: make(chan struct{})}
}

// Finished is closed exactly once the tracker reaches a terminal aggregate
// or is cancelled.
func (t *Tracker) Finished() <-chan struct{} { return t.finishedCh }

// Reason returns the terminal outcome ("success", "declined", "error", or
// "cancelled"), valid only once Finished is closed.
func (t *Tracker) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Tracker) finish(reason string) {
	t.finishedOnce.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		t.sink.Publish(eventsink.Event{Kind: eventsink.KindTransferFinished, Subject: t.cfg.TransferRef, Payload: reason})
		close(t.finishedCh)
	})
}

// Run polls every configured peer on cfg.Poll until a terminal aggregate
// stage is observed or ctx is cancelled. It ignores transport errors and
// keeps retrying.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Poll)
	defer ticker.Stop()
	for {
		if t.pollOnce(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			t.finish("cancelled")
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches status from every peer once and persists the aggregate.
// It returns true once a terminal stage has been observed and finished.
func (t *Tracker) pollOnce(ctx context.Context) bool {
	rec, ok := t.store.Transfer(t.cfg.WalletName, t.cfg.TransferRef)
	if !ok {
		log.Printf("[tracker %s] transfer record missing, stopping", t.cfg.TransferRef)
		t.finish("error")
		return true
	}
	if rec.Peers == nil {
		rec.Peers = make(map[string]*account.PeerProgress)
	}

	bestStage := rec.Stage
	bestRank := stageRank(bestStage)
	bestStatus := rec.Status
	bestTxID := rec.TxID
	terminal := isTerminal(bestStage)

	for _, peer := range t.cfg.Peers {
		var resp transport.TransferStatusResponse
		err := t.client.Get(ctx, peer, "/api/multisig/transfer/status", t.cfg.WalletRef, "", "", t.cfg.TransferRef, &resp)
		if err != nil {
			continue
		}
		rec.Peers[peer] = &account.PeerProgress{
			Stage:            resp.StageName,
			ReceivedTransfer: resp.ReceivedTransfer,
			Signed:           resp.HasSigned,
			Status:           resp.Status,
		}
		if isTerminal(resp.StageName) {
			terminal = true
		}
		if r := stageRank(resp.StageName); r > bestRank {
			bestRank = r
			bestStage = resp.StageName
			bestStatus = resp.Status
			if resp.TxID != "" {
				bestTxID = resp.TxID
			}
		}
	}

	rec.Stage = bestStage
	rec.Status = bestStatus
	rec.TxID = bestTxID
	if err := t.store.PutTransfer(t.cfg.WalletName, t.cfg.TransferRef, *rec); err != nil {
		log.Printf("[tracker %s] persist failed: %v", t.cfg.TransferRef, err)
	}

	if !terminal {
		return false
	}
	switch bestStage {
	case "COMPLETE":
		t.finish("success")
	case "DECLINED":
		t.finish("declined")
	default:
		t.finish("error")
	}
	return true
}
