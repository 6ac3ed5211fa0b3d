package kiimport

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

// fakeWallet records bulk imports; every other wallet operation is unused by
// the import session's decision logic under test.
type fakeWallet struct {
	walletlib.Wallet

	hasPartial bool
	imports    [][]string
}

func (f *fakeWallet) HasMultisigPartialKeyImages(ctx context.Context) (bool, error) {
	return f.hasPartial, nil
}

func (f *fakeWallet) ImportMultisigBulk(ctx context.Context, infos []string) error {
	f.imports = append(f.imports, infos)
	f.hasPartial = false
	return nil
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sink := eventsink.New()
	t.Cleanup(sink.Close)
	return New(t.TempDir(), key, nil, nil, sink)
}

func TestCacheRoundTrip(t *testing.T) {
	s := newTestSession(t)
	cache := map[string]*cacheEntry{
		"peer.onion": {InfoB64: cryptoutil.B64([]byte("info")), Timestamp: 1700000000, Imported: true},
	}
	require.NoError(t, s.saveCache("w1", cache))

	got, err := s.loadCache("w1")
	require.NoError(t, err)
	require.Contains(t, got, "peer.onion")
	assert.Equal(t, cache["peer.onion"].InfoB64, got["peer.onion"].InfoB64)
	assert.True(t, got["peer.onion"].Imported)
}

func TestCacheMissingFileIsEmpty(t *testing.T) {
	s := newTestSession(t)
	got, err := s.loadCache("nonexistent")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCacheRejectsWrongKey(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.saveCache("w1", map[string]*cacheEntry{"p": {InfoB64: "x"}}))

	other := newTestSession(t)
	other.cacheDir = s.cacheDir
	_, err := other.loadCache("w1")
	assert.Error(t, err)
}

func TestMaybeImportWaitsForAllPeers(t *testing.T) {
	s := newTestSession(t)
	fw := &fakeWallet{hasPartial: true}
	w := OpenWallet{Name: "w1", Ref: "T", MyOnion: "me.onion", Peers: []string{"b.onion", "c.onion"}, Wallet: fw}

	now := time.Now().Unix()
	cache := map[string]*cacheEntry{
		"b.onion": {InfoB64: "info-b", Timestamp: now, Imported: false},
		// c.onion missing: not all peers are fresh, so no import yet.
	}
	s.maybeImport(context.Background(), w, cache)
	assert.Empty(t, fw.imports)

	cache["c.onion"] = &cacheEntry{InfoB64: "info-c", Timestamp: now, Imported: false}
	s.maybeImport(context.Background(), w, cache)
	require.Len(t, fw.imports, 1)
	assert.ElementsMatch(t, []string{"info-b", "info-c"}, fw.imports[0])
	assert.True(t, cache["b.onion"].Imported)
	assert.True(t, cache["c.onion"].Imported)
}

func TestMaybeImportSkipsStaleEntries(t *testing.T) {
	s := newTestSession(t)
	fw := &fakeWallet{hasPartial: true}
	w := OpenWallet{Name: "w1", Ref: "T", MyOnion: "me.onion", Peers: []string{"b.onion"}, Wallet: fw}

	stale := time.Now().Add(-3 * staleAfter).Unix()
	cache := map[string]*cacheEntry{
		"b.onion": {InfoB64: "old", Timestamp: stale, Imported: false},
	}
	s.maybeImport(context.Background(), w, cache)
	assert.Empty(t, fw.imports)
}

func TestMaybeImportIdempotentAfterImport(t *testing.T) {
	s := newTestSession(t)
	fw := &fakeWallet{hasPartial: true}
	w := OpenWallet{Name: "w1", Ref: "T", MyOnion: "me.onion", Peers: []string{"b.onion"}, Wallet: fw}

	cache := map[string]*cacheEntry{
		"b.onion": {InfoB64: "info-b", Timestamp: time.Now().Unix(), Imported: false},
	}
	s.maybeImport(context.Background(), w, cache)
	require.Len(t, fw.imports, 1)

	// The entry is now marked imported, so the next tick is a no-op.
	s.maybeImport(context.Background(), w, cache)
	assert.Len(t, fw.imports, 1)
}

func TestStopSignalsSessionStopped(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sink := eventsink.New()
	defer sink.Close()
	events := sink.Subscribe()

	s := New(t.TempDir(), key, listerFunc(func() []OpenWallet { return nil }), nil, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	s.Stop()

	ev := <-events
	assert.Equal(t, eventsink.KindSessionStopped, ev.Kind)
	assert.Equal(t, "kiimport", ev.Subject)
}

type listerFunc func() []OpenWallet

func (f listerFunc) OpenMultisigWallets() []OpenWallet { return f() }
