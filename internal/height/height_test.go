package height

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateFromWallClock(t *testing.T) {
	anchor := DefaultAnchors["mainnet"]
	interval := BlockIntervalSeconds["mainnet"]

	// Exactly 1000 blocks after the anchor, minus the safety buffer.
	now := time.Unix(anchor.Timestamp+1000*interval, 0)
	got := estimateFromWallClock("mainnet", now)
	assert.Equal(t, anchor.Height+1000-safetyBufferBlocks, got)
}

func TestEstimateClampsBeforeAnchor(t *testing.T) {
	anchor := DefaultAnchors["mainnet"]
	now := time.Unix(anchor.Timestamp-1_000_000, 0)
	got := estimateFromWallClock("mainnet", now)
	assert.Equal(t, anchor.Height-safetyBufferBlocks, got, "negative elapsed clamps to the anchor itself")
}

func TestEstimateUnknownNetworkFallsBackToMainnet(t *testing.T) {
	now := time.Unix(DefaultAnchors["mainnet"].Timestamp, 0)
	assert.Equal(t, estimateFromWallClock("mainnet", now), estimateFromWallClock("lunarnet", now))
}

func TestResolvePrefersDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/get_height", r.URL.Path)
		w.Write([]byte(`{"height": 3123456}`))
	}))
	defer srv.Close()

	h, err := Resolve(context.Background(), srv.URL, false, "", "mainnet", time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(3123456), h)
}

func TestResolveFallsBackOnBadDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"height": 0}`)) // non-positive height is rejected
	}))
	defer srv.Close()

	now := time.Unix(DefaultAnchors["mainnet"].Timestamp, 0)
	h, err := Resolve(context.Background(), srv.URL, false, "", "mainnet", now)
	require.NoError(t, err)
	assert.Equal(t, estimateFromWallClock("mainnet", now), h)
}

func TestResolveFallsBackWithoutDaemonURL(t *testing.T) {
	now := time.Unix(DefaultAnchors["stagenet"].Timestamp+300, 0)
	h, err := Resolve(context.Background(), "", false, "", "stagenet", now)
	require.NoError(t, err)
	assert.Equal(t, estimateFromWallClock("stagenet", now), h)
}
