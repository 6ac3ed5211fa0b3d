// Package height resolves a multisig wallet's restore height: a live
// daemon probe first, falling back to a wall-clock estimate anchored to a
// network-specific genesis point.
package height

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Anchor pins a known (height, unix timestamp) pair for a network, used to
// estimate the current height from wall-clock time when no daemon is
// reachable. Values are configuration, not load-bearing protocol constants;
// operators may override them.
type Anchor struct {
	Height    uint64
	Timestamp int64
}

// BlockIntervalSeconds is the conservative average block time used for the
// wall-clock estimate.
var BlockIntervalSeconds = map[string]int64{
	"mainnet":  120,
	"testnet":  150,
	"stagenet": 150,
}

// DefaultAnchors pins one known (height, timestamp) pair per network, kept
// as data rather than inline literals.
var DefaultAnchors = map[string]Anchor{
	"mainnet":  {Height: 2210000, Timestamp: 1667260800},
	"testnet":  {Height: 2035000, Timestamp: 1667260800},
	"stagenet": {Height: 1520000, Timestamp: 1667260800},
}

// safetyBufferBlocks backs the estimate off by roughly one week of blocks so
// a slightly-stale anchor never overshoots the real restore point.
const safetyBufferBlocks = 7 * 24 * 3600 / 120

type heightResponse struct {
	Height int64 `json:"height"`
}

// Resolve tries the configured daemon first and falls back to the
// wall-clock estimate. socksAddr is used to reach .onion daemon URLs (or
// any URL when useTor is set) through Tor's SOCKS5 proxy.
func Resolve(ctx context.Context, daemonURL string, useTor bool, socksAddr string, netType string, now time.Time) (uint64, error) {
	if daemonURL != "" {
		if h, err := probeDaemon(ctx, daemonURL, useTor, socksAddr); err == nil {
			return h, nil
		}
	}
	return estimateFromWallClock(netType, now), nil
}

func probeDaemon(ctx context.Context, daemonURL string, useTor bool, socksAddr string) (uint64, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	if useTor || strings.Contains(daemonURL, ".onion") {
		dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
		if err != nil {
			return 0, fmt.Errorf("height: socks5 dialer: %w", err)
		}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(daemonURL, "/")+"/get_height", nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("height: daemon returned %d", resp.StatusCode)
	}
	var hr heightResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return 0, fmt.Errorf("height: decode: %w", err)
	}
	if hr.Height <= 0 {
		return 0, fmt.Errorf("height: daemon reported non-positive height %d", hr.Height)
	}
	return uint64(hr.Height), nil
}

func estimateFromWallClock(netType string, now time.Time) uint64 {
	anchor, ok := DefaultAnchors[netType]
	if !ok {
		anchor = DefaultAnchors["mainnet"]
	}
	interval, ok := BlockIntervalSeconds[netType]
	if !ok {
		interval = BlockIntervalSeconds["mainnet"]
	}
	elapsed := now.Unix() - anchor.Timestamp
	if elapsed < 0 {
		elapsed = 0
	}
	estimated := anchor.Height + uint64(elapsed/interval)
	if estimated < safetyBufferBlocks {
		return 0
	}
	return estimated - safetyBufferBlocks
}
