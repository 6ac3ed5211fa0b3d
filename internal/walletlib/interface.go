// Package walletlib names the contract the Monero wallet library must
// satisfy. The library itself (opening/saving wallet files, performing KEX
// primitives, building/signing/submitting transactions) is an external
// collaborator — this package only pins the shape every
// state machine in this repository depends on.
package walletlib

import (
	"context"
	"fmt"
)

// Destination is one transaction output, as passed to BuildTransfer.
type Destination struct {
	Address      string
	AmountAtomic uint64
}

// TransferDescription is what DescribeTransfer returns for a transfer blob.
type TransferDescription struct {
	Recipients []Destination
	PaymentID  string
	Fee        uint64
	UnlockTime uint64
}

// Error wraps a wallet-library failure with the operation that triggered
// it, so state machines can report which wallet call failed without
// exception-style control flow.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("wallet: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a *Error tagged with the failing operation name.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Wallet is one opened Monero wallet handle. Handles are thread-unsafe —
// callers must serialize access (see internal/walletadapter).
type Wallet interface {
	// CreateMultisig asks the wallet to begin a fresh multisig build and
	// returns its first round-1 KEX message.
	CreateMultisig(ctx context.Context, password string) (firstKexMsg string, err error)
	// MakeMultisig finalizes round 1 with every peer's info and returns the
	// next KEX message, unless the requested (m,n) needs only one round.
	MakeMultisig(ctx context.Context, infos []string, m int, password string) (nextMsg string, err error)
	// ExchangeMultisigKeys runs round r>1 and returns the next message.
	ExchangeMultisigKeys(ctx context.Context, infos []string, password string) (nextMsg string, err error)
	// IsMultisigReady reports whether the wallet has completed KEX.
	IsMultisigReady(ctx context.Context) (bool, error)
	// Address returns the wallet's resulting multisig address.
	Address(ctx context.Context) (string, error)
	// MultisigSeed returns the wallet's multisig seed for backup/restore.
	MultisigSeed(ctx context.Context) (string, error)

	// DescribeTransfer decodes a transfer blob into its human-checkable
	// description plus the wallet-derived signing order, if any.
	DescribeTransfer(ctx context.Context, blob []byte) (TransferDescription, []string, error)
	// BuildTransfer creates an unsigned multisig transaction.
	BuildTransfer(ctx context.Context, destinations []Destination, feePriority int, feeSplitIndices []int) (blob []byte, err error)
	// SignMultisig appends this wallet's signature to a transfer blob.
	SignMultisig(ctx context.Context, blob []byte) (newBlob []byte, readyToSubmit bool, txids []string, err error)
	// SubmitSignedMultisig broadcasts a fully-signed transfer to the daemon.
	SubmitSignedMultisig(ctx context.Context, blob []byte) (txID string, err error)

	// HasMultisigPartialKeyImages reports whether this wallet still needs
	// peer key-image info imported before it can detect outgoing spends.
	HasMultisigPartialKeyImages(ctx context.Context) (bool, error)
	// ExportMultisigInfo returns this wallet's own partial key-image info to
	// hand to peers.
	ExportMultisigInfo(ctx context.Context) (string, error)
	// ImportMultisigBulk imports a full set of peers' partial key-image info.
	ImportMultisigBulk(ctx context.Context, infos []string) error

	// Close releases the wallet file handle.
	Close(ctx context.Context) error
}

// Factory opens or creates wallet files by name, the entry point a
// WalletAdapter is constructed around.
type Factory interface {
	Open(ctx context.Context, name, password string) (Wallet, error)
	Create(ctx context.Context, name, password, netType string, restoreHeight uint64) (Wallet, error)
}
