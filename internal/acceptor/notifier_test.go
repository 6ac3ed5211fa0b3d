package acceptor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/transport"
)

func TestNotifierDeliversToEveryTarget(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/multisig/new", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transport.OkResponse{Ok: true})
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go http.Serve(l, mux)

	blob := newIdentityBlob(t)
	signer, err := cryptoutil.NewSigner(blob)
	require.NoError(t, err)
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return net.Dial("tcp", l.Addr().String())
	}
	client := transport.NewClient(dial, signer, fakeOnion('m'))

	n := NewNotifier(client, "T", transport.NewMultisigRequest{Ref: "T", M: 2, N: 3, NetType: "mainnet"})

	done := make(chan struct{})
	go func() {
		n.Deliver(context.Background(), []string{fakeOnion('b'), fakeOnion('c')})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier did not finish after successful delivery")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNotifierRetriesUntilSuccess(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/multisig/new", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			http.NotFound(w, r) // first attempt rebuffed
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transport.OkResponse{Ok: true})
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go http.Serve(l, mux)

	blob := newIdentityBlob(t)
	signer, err := cryptoutil.NewSigner(blob)
	require.NoError(t, err)
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return net.Dial("tcp", l.Addr().String())
	}
	client := transport.NewClient(dial, signer, fakeOnion('m'))

	n := NewNotifier(client, "T", transport.NewMultisigRequest{Ref: "T", M: 2, N: 3, NetType: "mainnet"})
	done := make(chan struct{})
	go func() {
		n.Deliver(context.Background(), []string{fakeOnion('b')})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("notifier did not retry to success")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(2))
}
