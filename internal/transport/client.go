package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/duskrelay/multisigd/internal/auth"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

// callTimeout bounds every signed HTTP round trip.
const callTimeout = 10 * time.Second

// maxResponseBytes caps the response body the client will read, matching
// the inbound server's own body cap so a misbehaving peer cannot exhaust
// memory on the caller side either.
const maxResponseBytes = 512 * 1024

// DialFunc dials a raw connection to a peer, routed through Tor SOCKS5 by
// the caller (internal/tornet provides the production implementation).
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client issues signed GET/POST calls to peer onions through a SOCKS5-routed
// Tor dialer.
type Client struct {
	http    *http.Client
	signer  cryptoutil.Signer
	myOnion string
}

// NewClient builds a client whose outbound connections are routed through
// dial (expected to speak SOCKS5 to the local Tor process).
func NewClient(dial DialFunc, signer cryptoutil.Signer, myOnion string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: callTimeout,
			Transport: &http.Transport{
				DialContext:       dial,
				DisableKeepAlives: true,
			},
		},
		signer:  signer,
		myOnion: myOnion,
	}
}

// Get performs a signed GET to peerOnion's pathNoQuery, appending stage/i/
// transferRef to the canonical (and actual) query string when non-empty,
// and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, peerOnion, pathNoQuery, ref, stage, i, transferRef string, out any) error {
	canonical := auth.CanonicalPath(pathNoQuery, ref, stage, i, transferRef)
	ts := time.Now().Unix()
	headers, err := auth.Sign(c.signer, ref, canonical, ts, "")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+peerOnion+canonical, nil)
	if err != nil {
		return err
	}
	setHeaders(req, headers)
	return c.do(req, out)
}

// Post performs a signed POST of body (marshaled to compact JSON) to
// peerOnion's pathNoQuery and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, peerOnion, pathNoQuery, ref string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	canonical := auth.CanonicalPath(pathNoQuery, ref, "", "", "")
	ts := time.Now().Unix()
	bodyHash := cryptoutil.Sha256Hex(payload)
	headers, err := auth.Sign(c.signer, ref, canonical, ts, bodyHash)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+peerOnion+canonical, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, headers)
	return c.do(req, out)
}

func setHeaders(req *http.Request, h auth.Headers) {
	req.Header.Set("x-pub", h.Pub)
	req.Header.Set("x-ts", h.TS)
	req.Header.Set("x-sig", h.Sig)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("transport: %s returned %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}
