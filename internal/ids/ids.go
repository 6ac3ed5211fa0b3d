// Package ids defines the stable identifier types used to reference
// long-lived objects (sessions, transfers, wallets) across components
// instead of passing shared pointers between them.
package ids

import "github.com/google/uuid"

// SessionID identifies a single multisig creation session.
type SessionID string

// TransferID identifies a single transfer lifecycle (initiator or incoming).
type TransferID string

// WalletID identifies a wallet record inside the account store.
type WalletID string

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// NewTransferID returns a fresh random transfer identifier.
func NewTransferID() TransferID { return TransferID(uuid.NewString()) }

// NewWalletID returns a fresh random wallet identifier.
func NewWalletID() WalletID { return WalletID(uuid.NewString()) }
