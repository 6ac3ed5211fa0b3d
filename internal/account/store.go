package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

var (
	// ErrNotAuthenticated is returned by any mutator called before Login.
	ErrNotAuthenticated = errors.New("account: not authenticated")
	// ErrWalletExists is returned when a (ref, my_onion) pair already exists.
	ErrWalletExists = errors.New("account: wallet already exists for this reference and identity")
)

// Store is the single in-memory JSON tree guarded by one mutex. Every
// public mutator takes the mutex, mutates, persists, releases; on persist
// failure the in-memory tree is rolled back to the pre-mutation snapshot.
type Store struct {
	mu   sync.Mutex
	path string
	pass []byte
	doc  *Document
	lock *fileLock
}

// CreateAccount creates a fresh account document at path, sealed under pass.
func CreateAccount(path string, pass []byte) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("account: %s already exists", path)
	}
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, pass: append([]byte(nil), pass...), doc: NewDocument(), lock: lock}
	if err := s.persistLocked(); err != nil {
		lock.release()
		return nil, err
	}
	log.Printf("[account] created %s", path)
	return s, nil
}

// Login decrypts the account file at path using pass, taking the per-file
// lock so a second process cannot open it concurrently.
func Login(path string, pass []byte) (*Store, error) {
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("account: read %s: %w", path, err)
	}
	plain, err := cryptoutil.OpenAccount(pass, raw)
	if err != nil {
		lock.release()
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(plain, &doc); err != nil {
		lock.release()
		return nil, fmt.Errorf("account: corrupt document: %w", err)
	}
	if doc.TrustedPeers == nil {
		doc.TrustedPeers = make(map[string]*TrustedPeer)
	}
	if doc.Wallets == nil {
		doc.Wallets = make(map[string]*Wallet)
	}
	log.Printf("[account] logged in %s", path)
	return &Store{path: path, pass: append([]byte(nil), pass...), doc: &doc, lock: lock}, nil
}

// Logout wipes in-memory secrets and releases the file lock. The account
// remains on disk untouched.
func (s *Store) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pass {
		s.pass[i] = 0
	}
	s.doc = nil
	log.Printf("[account] logged out %s", s.path)
	return s.lock.release()
}

// persistLocked writes the current document through an atomic temp-file +
// fsync + rename, once per mutating call, never batched. Caller must hold
// mu.
func (s *Store) persistLocked() error {
	plain, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("account: marshal: %w", err)
	}
	envelope, err := cryptoutil.SealAccount(s.pass, plain)
	if err != nil {
		return fmt.Errorf("account: seal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".account-*.tmp")
	if err != nil {
		return fmt.Errorf("account: tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(envelope); err != nil {
		tmp.Close()
		return fmt.Errorf("account: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("account: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("account: close tempfile: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("account: rename: %w", err)
	}
	return nil
}

// mutate runs fn against the in-memory document, persists the result, and
// rolls the in-memory state back to the pre-mutation snapshot on persist
// failure so the store is never left pointing at an un-persisted change.
func (s *Store) mutate(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ErrNotAuthenticated
	}
	snapshot, err := cloneDocument(s.doc)
	if err != nil {
		return fmt.Errorf("account: snapshot: %w", err)
	}
	if err := fn(s.doc); err != nil {
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.doc = snapshot
		return err
	}
	return nil
}

func cloneDocument(d *Document) (*Document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var clone Document
	if err := json.Unmarshal(b, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// SubKey derives a stable 32-byte sub-key from the account passphrase for
// sealing sibling state files (for example the per-wallet key-image cache),
// so those files need no second passphrase.
func (s *Store) SubKey(info string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, ErrNotAuthenticated
	}
	return cryptoutil.Expand(s.pass, info, 32), nil
}

// View runs fn with read access to the current document. fn must not retain
// the pointer past its call.
func (s *Store) View(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ErrNotAuthenticated
	}
	fn(s.doc)
	return nil
}

// AddIdentity inserts a new owned Tor identity, uniquifying the label with a
// "-N" suffix on collision (case-insensitive).
func (s *Store) AddIdentity(id TorIdentity) error {
	return s.mutate(func(d *Document) error {
		id.Label = uniquifyLabel(id.Label, existingLabels(d.TorIdentities))
		d.TorIdentities = append(d.TorIdentities, id)
		return nil
	})
}

func existingLabels(ids []TorIdentity) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[strings.ToLower(id.Label)] = struct{}{}
	}
	return out
}

func uniquifyLabel(label string, taken map[string]struct{}) string {
	base := label
	candidate := base
	n := 1
	for {
		if _, ok := taken[strings.ToLower(candidate)]; !ok {
			return candidate
		}
		n++
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// UpsertTrustedPeer normalizes the onion and stores/overwrites the policy
// entry, enforcing min_threshold <= max_n.
func (s *Store) UpsertTrustedPeer(onion string, peer TrustedPeer) error {
	onion = cryptoutil.NormalizeOnion(onion)
	if !cryptoutil.ValidOnion(onion) {
		return fmt.Errorf("account: invalid onion %q", onion)
	}
	if peer.MinThreshold > peer.MaxN {
		return fmt.Errorf("account: min_threshold %d exceeds max_n %d", peer.MinThreshold, peer.MaxN)
	}
	return s.mutate(func(d *Document) error {
		owned := make(map[string]struct{}, len(d.TorIdentities))
		for _, id := range d.TorIdentities {
			owned[id.OnionAddress] = struct{}{}
		}
		var allowed []string
		for _, a := range peer.AllowedIdentities {
			if _, ok := owned[a]; ok {
				allowed = append(allowed, a)
			}
		}
		peer.AllowedIdentities = allowed
		cp := peer
		d.TrustedPeers[onion] = &cp
		return nil
	})
}

// IncrementWalletQuota atomically bumps current_number_wallets for onion,
// failing if the quota would be exceeded.
func (s *Store) IncrementWalletQuota(onion string) error {
	onion = cryptoutil.NormalizeOnion(onion)
	return s.mutate(func(d *Document) error {
		tp, ok := d.TrustedPeers[onion]
		if !ok {
			return fmt.Errorf("account: unknown trusted peer %q", onion)
		}
		if tp.MaxNumberWallets != 0 && tp.CurrentNumberWallets >= tp.MaxNumberWallets {
			return fmt.Errorf("account: wallet quota exhausted for %q", onion)
		}
		tp.CurrentNumberWallets++
		return nil
	})
}

// PutWallet inserts a wallet record, enforcing the (reference, my_onion)
// and name uniqueness invariants, and ensuring my_onion is a
// member of peers.
func (s *Store) PutWallet(w Wallet) error {
	return s.mutate(func(d *Document) error {
		if _, exists := d.Wallets[w.Name]; exists {
			return ErrWalletExists
		}
		for _, existing := range d.Wallets {
			if existing.Reference == w.Reference && existing.MyOnion == w.MyOnion {
				return ErrWalletExists
			}
		}
		if !containsOnion(w.Peers, w.MyOnion) {
			w.Peers = append(w.Peers, w.MyOnion)
		}
		if w.Transfers == nil {
			w.Transfers = make(map[string]*TransferRecord)
		}
		cp := w
		d.Wallets[w.Name] = &cp
		return nil
	})
}

func containsOnion(list []string, onion string) bool {
	for _, o := range list {
		if o == onion {
			return true
		}
	}
	return false
}

// WalletByRef looks up a wallet by (reference, my_onion), returning a copy.
func (s *Store) WalletByRef(ref, myOnion string) (*Wallet, bool) {
	var found *Wallet
	s.View(func(d *Document) {
		for _, w := range d.Wallets {
			if w.Reference == ref && w.MyOnion == myOnion {
				cp := *w
				found = &cp
				return
			}
		}
	})
	return found, found != nil
}

// PutTransfer stores or overwrites a transfer record under a wallet.
func (s *Store) PutTransfer(walletName, ref string, tr TransferRecord) error {
	return s.mutate(func(d *Document) error {
		w, ok := d.Wallets[walletName]
		if !ok {
			return fmt.Errorf("account: unknown wallet %q", walletName)
		}
		if w.Transfers == nil {
			w.Transfers = make(map[string]*TransferRecord)
		}
		cp := tr
		w.Transfers[ref] = &cp
		return nil
	})
}

// Transfer returns a copy of one transfer record under walletName.
func (s *Store) Transfer(walletName, ref string) (*TransferRecord, bool) {
	var found *TransferRecord
	s.View(func(d *Document) {
		w, ok := d.Wallets[walletName]
		if !ok {
			return
		}
		tr, ok := w.Transfers[ref]
		if !ok {
			return
		}
		cp := *tr
		found = &cp
	})
	return found, found != nil
}

// UpdateSettings replaces the settings block wholesale.
func (s *Store) UpdateSettings(settings Settings) error {
	return s.mutate(func(d *Document) error {
		d.Settings = settings
		return nil
	})
}
