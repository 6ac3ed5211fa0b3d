package tracker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/transport"
)

func fakeOnion(c byte) string {
	return strings.Repeat(string(c), 56) + ".onion"
}

func TestStageRankOrdering(t *testing.T) {
	assert.Less(t, stageRank("RECEIVED"), stageRank("ERROR"))
	assert.Less(t, stageRank("ERROR"), stageRank("CHECKING_STATUS"))
	assert.Less(t, stageRank("CHECKING_STATUS"), stageRank("BROADCASTING"))
	assert.Less(t, stageRank("BROADCASTING"), stageRank("COMPLETE"))
	assert.Equal(t, stageRank("ERROR"), stageRank("DECLINED"))
	assert.Less(t, stageRank("whatever"), stageRank("RECEIVED"))
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{"COMPLETE", "DECLINED", "ERROR", "FAILED"} {
		assert.True(t, isTerminal(s), s)
	}
	for _, s := range []string{"RECEIVED", "BROADCASTING", "CHECKING_STATUS", ""} {
		assert.False(t, isTerminal(s), s)
	}
}

// statusStub serves /api/multisig/transfer/status with a fixed per-peer
// response, ignoring auth (the tracker under test is the client side).
func statusStub(t *testing.T, responses map[string]transport.TransferStatusResponse) *transport.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/multisig/transfer/status", func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		resp, ok := responses[host]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go http.Serve(l, mux)

	wide := make([]byte, 64)
	_, err = rand.Read(wide)
	require.NoError(t, err)
	s, err := edwards25519.NewScalar().SetUniformBytes(wide)
	require.NoError(t, err)
	prefix := make([]byte, 32)
	_, err = rand.Read(prefix)
	require.NoError(t, err)
	signer, err := cryptoutil.NewSigner(append(s.Bytes(), prefix...))
	require.NoError(t, err)

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return net.Dial("tcp", l.Addr().String())
	}
	return transport.NewClient(dial, signer, fakeOnion('m'))
}

func TestTrackerAggregatesTerminalStage(t *testing.T) {
	me := fakeOnion('a')
	peerB, peerC := fakeOnion('b'), fakeOnion('c')

	store, err := account.CreateAccount(filepath.Join(t.TempDir(), "account.enc"), []byte("pass"))
	require.NoError(t, err)
	defer store.Logout()
	require.NoError(t, store.PutWallet(account.Wallet{Name: "w", Reference: "T", MyOnion: me}))
	require.NoError(t, store.PutTransfer("w", "x1", account.TransferRecord{
		Type: "MULTISIG", WalletName: "w", WalletRef: "T", Stage: "CHECKING_STATUS", MyOnion: me,
	}))

	client := statusStub(t, map[string]transport.TransferStatusResponse{
		peerB: {StageName: "COMPLETE", TxID: "abcd", ReceivedTransfer: true, HasSigned: true},
		peerC: {StageName: "BROADCASTING", ReceivedTransfer: true, HasSigned: true},
	})
	sink := eventsink.New()
	defer sink.Close()

	tr := New(Config{WalletName: "w", WalletRef: "T", TransferRef: "x1", Peers: []string{peerB, peerC}}, store, client, sink)
	done := tr.pollOnce(context.Background())
	assert.True(t, done)
	<-tr.Finished()
	assert.Equal(t, "success", tr.Reason())

	rec, ok := store.Transfer("w", "x1")
	require.True(t, ok)
	assert.Equal(t, "COMPLETE", rec.Stage)
	assert.Equal(t, "abcd", rec.TxID)
	require.NotNil(t, rec.Peers[peerB])
	assert.True(t, rec.Peers[peerB].Signed)
	assert.Equal(t, "BROADCASTING", rec.Peers[peerC].Stage)
}

func TestTrackerKeepsPollingWithoutTerminal(t *testing.T) {
	me := fakeOnion('a')
	peerB := fakeOnion('b')

	store, err := account.CreateAccount(filepath.Join(t.TempDir(), "account.enc"), []byte("pass"))
	require.NoError(t, err)
	defer store.Logout()
	require.NoError(t, store.PutWallet(account.Wallet{Name: "w", Reference: "T", MyOnion: me}))
	require.NoError(t, store.PutTransfer("w", "x1", account.TransferRecord{
		Type: "MULTISIG", WalletName: "w", WalletRef: "T", Stage: "CHECKING_STATUS", MyOnion: me,
	}))

	client := statusStub(t, map[string]transport.TransferStatusResponse{
		peerB: {StageName: "RECEIVED", ReceivedTransfer: true},
	})
	sink := eventsink.New()
	defer sink.Close()

	tr := New(Config{WalletName: "w", WalletRef: "T", TransferRef: "x1", Peers: []string{peerB}}, store, client, sink)
	assert.False(t, tr.pollOnce(context.Background()))

	select {
	case <-tr.Finished():
		t.Fatal("tracker must not finish without a terminal stage")
	default:
	}
}

func TestTrackerDeclinedAggregate(t *testing.T) {
	me := fakeOnion('a')
	peerB := fakeOnion('b')

	store, err := account.CreateAccount(filepath.Join(t.TempDir(), "account.enc"), []byte("pass"))
	require.NoError(t, err)
	defer store.Logout()
	require.NoError(t, store.PutWallet(account.Wallet{Name: "w", Reference: "T", MyOnion: me}))
	require.NoError(t, store.PutTransfer("w", "x1", account.TransferRecord{
		Type: "MULTISIG", WalletName: "w", WalletRef: "T", Stage: "RECEIVED", MyOnion: me,
	}))

	client := statusStub(t, map[string]transport.TransferStatusResponse{
		peerB: {StageName: "DECLINED", ReceivedTransfer: true},
	})
	sink := eventsink.New()
	defer sink.Close()

	tr := New(Config{WalletName: "w", WalletRef: "T", TransferRef: "x1", Peers: []string{peerB}}, store, client, sink)
	assert.True(t, tr.pollOnce(context.Background()))
	assert.Equal(t, "declined", tr.Reason())
}

func TestPollClamping(t *testing.T) {
	tr := New(Config{Poll: 1}, nil, nil, nil)
	assert.Equal(t, minPoll, tr.cfg.Poll)
	tr = New(Config{Poll: time.Hour}, nil, nil, nil)
	assert.Equal(t, maxPoll, tr.cfg.Poll)
	tr = New(Config{}, nil, nil, nil)
	assert.Equal(t, defaultPoll, tr.cfg.Poll)
}
