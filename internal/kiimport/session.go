// Package kiimport implements the background partial-key-image import
// session: a single long-lived per-account loop that keeps every locally
// connected multisig wallet capable of spending by collecting peers' fresh
// multisig info and bulk-importing it.
package kiimport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/transport"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

const (
	tickInterval  = 60 * time.Second
	staleAfter    = 120 * time.Second
	maxConcurrent = 20
)

// cacheEntry is one peer's row in a wallet's peer-info cache file.
type cacheEntry struct {
	InfoB64   string `json:"info_b64"`
	Timestamp int64  `json:"timestamp"`
	Imported  bool   `json:"imported"`
}

// OpenWallet is one multisig wallet this session must keep current.
type OpenWallet struct {
	Name    string
	Ref     string
	MyOnion string
	Peers   []string // full peer set, excluding self
	Wallet  walletlib.Wallet
}

// WalletLister enumerates the account's currently open multisig wallets.
// Implemented by the node aggregator, which owns the live wallet handles.
type WalletLister interface {
	OpenMultisigWallets() []OpenWallet
}

// Session is the account-wide background key-image import loop.
type Session struct {
	cacheDir string
	cacheKey []byte
	lister   WalletLister
	client   *transport.Client
	sink     *eventsink.Sink

	sem chan struct{}

	stopCh     chan struct{}
	stopOnce   sync.Once
	stoppedCh  chan struct{}
}

// New builds a session that stores its per-wallet caches under cacheDir,
// encrypted at rest under cacheKey (the account's derived key).
func New(cacheDir string, cacheKey []byte, lister WalletLister, client *transport.Client, sink *eventsink.Sink) *Session {
	return &Session{
		cacheDir:  cacheDir,
		cacheKey:  cacheKey,
		lister:    lister,
		client:    client,
		sink:      sink,
		sem:       make(chan struct{}, maxConcurrent),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Stop signals the session to finish in-flight work and exit. It blocks
// until the session has fully stopped.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.stoppedCh
}

// Run drives the 60s tick loop until Stop is called or ctx is cancelled.
// On exit it publishes KindSessionStopped.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.sink.Publish(eventsink.Event{Kind: eventsink.KindSessionStopped, Subject: "kiimport"})
		close(s.stoppedCh)
	}()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	wallets := s.lister.OpenMultisigWallets()
	var wg sync.WaitGroup
	for _, w := range wallets {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		wg.Add(1)
		go func(w OpenWallet) {
			defer wg.Done()
			s.processWallet(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (s *Session) processWallet(ctx context.Context, w OpenWallet) {
	needs, err := w.Wallet.HasMultisigPartialKeyImages(ctx)
	if err != nil {
		log.Printf("[kiimport %s] has_partial_key_images: %v", w.Name, err)
		return
	}
	if !needs {
		return
	}

	cache, err := s.loadCache(w.Name)
	if err != nil {
		log.Printf("[kiimport %s] cache load: %v", w.Name, err)
		cache = map[string]*cacheEntry{}
	}

	now := time.Now().Unix()
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range w.Peers {
		if peer == w.MyOnion {
			continue
		}
		entry, ok := cache[peer]
		stale := ok && now-entry.Timestamp > int64(staleAfter.Seconds())
		if ok && entry.Imported && !stale {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			continue // pool saturated, refuse this peer this tick
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			defer func() { <-s.sem }()
			fresh, err := s.fetchInfo(ctx, w, peer)
			if err != nil {
				log.Printf("[kiimport %s] request_info from %s: %v", w.Name, peer, err)
				return
			}
			mu.Lock()
			cache[peer] = fresh
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	if err := s.saveCache(w.Name, cache); err != nil {
		log.Printf("[kiimport %s] cache save: %v", w.Name, err)
	}

	s.maybeImport(ctx, w, cache)
}

func (s *Session) fetchInfo(ctx context.Context, w OpenWallet, peer string) (*cacheEntry, error) {
	var resp transport.RequestInfoResponse
	if err := s.client.Get(ctx, peer, "/api/multisig/transfer/request_info", w.Ref, "", "", "", &resp); err != nil {
		return nil, err
	}
	raw, err := cryptoutil.B64Decode(resp.MultisigInfoB64)
	if err != nil {
		return nil, fmt.Errorf("kiimport: decode info from %s: %w", peer, err)
	}
	if len(raw) != resp.Len || cryptoutil.Sha256Hex(raw) != resp.Sha256 {
		return nil, fmt.Errorf("kiimport: size/hash mismatch from %s", peer)
	}
	return &cacheEntry{InfoB64: resp.MultisigInfoB64, Timestamp: time.Now().Unix(), Imported: false}, nil
}

// maybeImport bulk-imports once every required peer has a fresh,
// unimported entry.
func (s *Session) maybeImport(ctx context.Context, w OpenWallet, cache map[string]*cacheEntry) {
	now := time.Now().Unix()
	infos := make([]string, 0, len(w.Peers))
	ready := true
	for _, peer := range w.Peers {
		if peer == w.MyOnion {
			continue
		}
		e, ok := cache[peer]
		if !ok || e.Imported || now-e.Timestamp > int64(staleAfter.Seconds()) {
			ready = false
			break
		}
		infos = append(infos, e.InfoB64)
	}
	if !ready || len(infos) == 0 {
		return
	}

	before := map[string]string{}
	for peer, e := range cache {
		before[peer] = e.InfoB64
	}

	if err := w.Wallet.ImportMultisigBulk(ctx, infos); err != nil {
		log.Printf("[kiimport %s] import_multisig_bulk: %v", w.Name, err)
		return
	}
	for peer, e := range cache {
		if e.Imported {
			continue
		}
		if before[peer] == e.InfoB64 {
			e.Imported = true
		} else {
			e.Imported = false
		}
	}
	if err := s.saveCache(w.Name, cache); err != nil {
		log.Printf("[kiimport %s] cache save after import: %v", w.Name, err)
	}
	s.sink.Publish(eventsink.Event{Kind: eventsink.KindWalletAddressChanged, Subject: w.Name, Payload: "key_images_imported"})
}

func (s *Session) cachePath(walletName string) string {
	return filepath.Join(s.cacheDir, walletName+".peer_infos")
}

func (s *Session) loadCache(walletName string) (map[string]*cacheEntry, error) {
	raw, err := os.ReadFile(s.cachePath(walletName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*cacheEntry{}, nil
		}
		return nil, err
	}
	plain, err := cryptoutil.OpenWithKey(s.cacheKey, raw)
	if err != nil {
		return nil, err
	}
	var cache map[string]*cacheEntry
	if err := json.Unmarshal(plain, &cache); err != nil {
		return nil, err
	}
	return cache, nil
}

func (s *Session) saveCache(walletName string, cache map[string]*cacheEntry) error {
	plain, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	blob, err := cryptoutil.SealWithKey(s.cacheKey, plain)
	if err != nil {
		return err
	}
	tmp := s.cachePath(walletName) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.cachePath(walletName))
}
