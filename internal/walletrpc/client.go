// Package walletrpc adapts a monero-wallet-rpc process to the walletlib
// contract. The RPC process is the external wallet collaborator: it owns the
// wallet files, the KEX primitives and transaction construction; this
// package only speaks its JSON-RPC dialect.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duskrelay/multisigd/internal/walletlib"
)

const rpcTimeout = 120 * time.Second

// Client speaks JSON-RPC 2.0 to one monero-wallet-rpc endpoint. The RPC
// process holds at most one wallet open at a time, which matches the
// serialized access the wallet adapter enforces anyway.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a client for the wallet-rpc endpoint at url (for example
// "http://127.0.0.1:18083/json_rpc").
func NewClient(url string) *Client {
	return &Client{url: url, http: &http.Client{Timeout: rpcTimeout}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("walletrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("walletrpc: %s: read: %w", method, err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("walletrpc: %s: decode: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("walletrpc: %s: %s (code %d)", method, rr.Error.Message, rr.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("walletrpc: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// Factory opens and creates wallet files through the RPC process.
type Factory struct {
	c *Client
}

// NewFactory wraps a Client as a walletlib.Factory.
func NewFactory(c *Client) *Factory { return &Factory{c: c} }

// Open implements walletlib.Factory.
func (f *Factory) Open(ctx context.Context, name, password string) (walletlib.Wallet, error) {
	err := f.c.call(ctx, "open_wallet", map[string]any{"filename": name, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	return &Wallet{c: f.c}, nil
}

// Create implements walletlib.Factory. restoreHeight is accepted for the
// interface but ignored here: a fresh multisig wallet gets its height set by
// the session at COMPLETE.
func (f *Factory) Create(ctx context.Context, name, password, netType string, restoreHeight uint64) (walletlib.Wallet, error) {
	err := f.c.call(ctx, "create_wallet", map[string]any{"filename": name, "password": password, "language": "English"}, nil)
	if err != nil {
		return nil, err
	}
	return &Wallet{c: f.c}, nil
}

// Wallet is one open wallet behind the RPC process.
type Wallet struct {
	c *Client
}

func (w *Wallet) CreateMultisig(ctx context.Context, password string) (string, error) {
	var out struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := w.c.call(ctx, "prepare_multisig", nil, &out); err != nil {
		return "", err
	}
	return out.MultisigInfo, nil
}

func (w *Wallet) MakeMultisig(ctx context.Context, infos []string, m int, password string) (string, error) {
	var out struct {
		MultisigInfo string `json:"multisig_info"`
	}
	params := map[string]any{"multisig_info": infos, "threshold": m, "password": password}
	if err := w.c.call(ctx, "make_multisig", params, &out); err != nil {
		return "", err
	}
	return out.MultisigInfo, nil
}

func (w *Wallet) ExchangeMultisigKeys(ctx context.Context, infos []string, password string) (string, error) {
	var out struct {
		MultisigInfo string `json:"multisig_info"`
	}
	params := map[string]any{"multisig_info": infos, "password": password}
	if err := w.c.call(ctx, "exchange_multisig_keys", params, &out); err != nil {
		return "", err
	}
	return out.MultisigInfo, nil
}

func (w *Wallet) IsMultisigReady(ctx context.Context) (bool, error) {
	var out struct {
		Multisig bool `json:"multisig"`
		Ready    bool `json:"ready"`
	}
	if err := w.c.call(ctx, "is_multisig", nil, &out); err != nil {
		return false, err
	}
	return out.Multisig && out.Ready, nil
}

func (w *Wallet) Address(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := w.c.call(ctx, "get_address", map[string]any{"account_index": 0}, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (w *Wallet) MultisigSeed(ctx context.Context) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := w.c.call(ctx, "query_key", map[string]any{"key_type": "mnemonic"}, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

type rpcDescription struct {
	Desc []struct {
		Recipients []struct {
			Address string `json:"address"`
			Amount  uint64 `json:"amount"`
		} `json:"recipients"`
		PaymentID  string `json:"payment_id"`
		Fee        uint64 `json:"fee"`
		UnlockTime uint64 `json:"unlock_time"`
	} `json:"desc"`
}

func (w *Wallet) DescribeTransfer(ctx context.Context, blob []byte) (walletlib.TransferDescription, []string, error) {
	var out rpcDescription
	params := map[string]any{"multisig_txset": base64.StdEncoding.EncodeToString(blob)}
	if err := w.c.call(ctx, "describe_transfer", params, &out); err != nil {
		return walletlib.TransferDescription{}, nil, err
	}
	if len(out.Desc) == 0 {
		return walletlib.TransferDescription{}, nil, fmt.Errorf("walletrpc: describe_transfer returned no description")
	}
	d := out.Desc[0]
	desc := walletlib.TransferDescription{PaymentID: d.PaymentID, Fee: d.Fee, UnlockTime: d.UnlockTime}
	for _, r := range d.Recipients {
		desc.Recipients = append(desc.Recipients, walletlib.Destination{Address: r.Address, AmountAtomic: r.Amount})
	}
	return desc, nil, nil
}

func (w *Wallet) BuildTransfer(ctx context.Context, destinations []walletlib.Destination, feePriority int, feeSplitIndices []int) ([]byte, error) {
	dests := make([]map[string]any, len(destinations))
	for i, d := range destinations {
		dests[i] = map[string]any{"address": d.Address, "amount": d.AmountAtomic}
	}
	var out struct {
		MultisigTxset string `json:"multisig_txset"`
	}
	params := map[string]any{"destinations": dests, "priority": feePriority, "do_not_relay": true}
	if err := w.c.call(ctx, "transfer", params, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.MultisigTxset)
}

func (w *Wallet) SignMultisig(ctx context.Context, blob []byte) ([]byte, bool, []string, error) {
	var out struct {
		TxDataHex  string   `json:"tx_data_hex"`
		TxHashList []string `json:"tx_hash_list"`
	}
	params := map[string]any{"tx_data_hex": base64.StdEncoding.EncodeToString(blob)}
	if err := w.c.call(ctx, "sign_multisig", params, &out); err != nil {
		return nil, false, nil, err
	}
	newBlob, err := base64.StdEncoding.DecodeString(out.TxDataHex)
	if err != nil {
		return nil, false, nil, fmt.Errorf("walletrpc: sign_multisig returned undecodable blob: %w", err)
	}
	// The RPC reports tx hashes only once enough signatures have been
	// collected for the set to be submittable.
	return newBlob, len(out.TxHashList) > 0, out.TxHashList, nil
}

func (w *Wallet) SubmitSignedMultisig(ctx context.Context, blob []byte) (string, error) {
	var out struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	params := map[string]any{"tx_data_hex": base64.StdEncoding.EncodeToString(blob)}
	if err := w.c.call(ctx, "submit_multisig", params, &out); err != nil {
		return "", err
	}
	if len(out.TxHashList) == 0 {
		return "", fmt.Errorf("walletrpc: submit_multisig returned no tx hash")
	}
	return out.TxHashList[0], nil
}

func (w *Wallet) HasMultisigPartialKeyImages(ctx context.Context) (bool, error) {
	var out struct {
		Multisig bool `json:"multisig"`
		Ready    bool `json:"ready"`
	}
	if err := w.c.call(ctx, "is_multisig", nil, &out); err != nil {
		return false, err
	}
	if !out.Multisig {
		return false, nil
	}
	var bal struct {
		MultisigImportNeeded bool `json:"multisig_import_needed"`
	}
	if err := w.c.call(ctx, "get_balance", nil, &bal); err != nil {
		return false, err
	}
	return bal.MultisigImportNeeded, nil
}

func (w *Wallet) ExportMultisigInfo(ctx context.Context) (string, error) {
	var out struct {
		Info string `json:"info"`
	}
	if err := w.c.call(ctx, "export_multisig_info", nil, &out); err != nil {
		return "", err
	}
	return out.Info, nil
}

func (w *Wallet) ImportMultisigBulk(ctx context.Context, infos []string) error {
	var out struct {
		NOutputs int `json:"n_outputs"`
	}
	return w.c.call(ctx, "import_multisig_info", map[string]any{"info": infos}, &out)
}

func (w *Wallet) Close(ctx context.Context) error {
	return w.c.call(ctx, "close_wallet", nil, nil)
}
