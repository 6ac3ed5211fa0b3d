// Package account implements the encrypted local account store: the single
// JSON document holding settings, owned Tor identities, trusted peers,
// address books and the wallet catalog.
package account

// Settings holds the per-account operating parameters.
type Settings struct {
	InspectGuard      bool   `json:"inspect_guard"`
	DaemonURL         string `json:"daemon_url"`
	DaemonPort        int    `json:"daemon_port"`
	UseTorForDaemon   bool   `json:"use_tor_for_daemon"`
	TorAutoconnect    bool   `json:"tor_autoconnect"`
	DarkMode          bool   `json:"dark_mode"`
	LockTimeoutMin    int    `json:"lock_timeout_minutes"`
	NetworkType       string `json:"network_type"` // mainnet|testnet|stagenet
}

// TorIdentity is one owned v3 onion identity.
type TorIdentity struct {
	OnionAddress string `json:"onion_address"` // empty means placeholder
	PrivateKey   string `json:"private_key"`   // "ED25519-V3:" + base64(64B)
	Label        string `json:"label"`
	Online       bool   `json:"online"`
}

// TrustedPeer is a policy entry governing which remote onions may request
// wallet creation against this node.
type TrustedPeer struct {
	Label               string   `json:"label"`
	MaxN                int      `json:"max_n"`
	MinThreshold        int      `json:"min_threshold"`
	Active              bool     `json:"active"`
	AllowedIdentities   []string `json:"allowed_identities"`
	MaxNumberWallets    int      `json:"max_number_wallets"`
	CurrentNumberWallets int     `json:"current_number_wallets"`
}

// AddressBookEntry is a generic labeled entry deduplicated by a natural key.
type AddressBookEntry struct {
	Label      string `json:"label"`
	Onion      string `json:"onion,omitempty"`
	XMRAddress string `json:"xmr_address,omitempty"`
	DaemonURL  string `json:"url,omitempty"`
	DaemonPort int    `json:"port,omitempty"`
}

// TransferRecord is a saved transfer, standalone or part of a wallet.
type TransferRecord struct {
	Type         string                    `json:"type"` // SIMPLE|MULTISIG
	WalletName   string                    `json:"wallet_name"`
	WalletRef    string                    `json:"wallet_ref"`
	Destinations []Destination             `json:"destinations"`
	Peers        map[string]*PeerProgress  `json:"peers"`
	SigningOrder []string                  `json:"signing_order"`
	Stage        string                    `json:"stage"`
	Status       string                    `json:"status"`
	Signatures   []string                  `json:"signatures"`
	TransferBlob string                    `json:"transfer_blob"` // base64url
	Description  TransferDescription       `json:"transfer_description"`
	TxID         string                    `json:"tx_id"`
	CreatedAt    int64                     `json:"created_at"`
	ReceivedAt   int64                     `json:"received_at,omitempty"`
	SubmittedAt  int64                     `json:"submitted_at,omitempty"`
	DeclinedAt   int64                     `json:"declined_at,omitempty"`
	MyOnion      string                    `json:"my_onion"`
}

// Destination is one transaction output.
type Destination struct {
	Address      string `json:"address"`
	AmountAtomic uint64 `json:"amount_atomic"`
}

// PeerProgress is the per-peer status snapshot folded by the tracker.
type PeerProgress struct {
	Stage            string `json:"stage"`
	ReceivedTransfer bool   `json:"received"`
	Signed           bool   `json:"signed"`
	Status           string `json:"status"`
}

// TransferDescription is the wallet-library-reported description of a
// transfer blob, compared byte-equal between initiator and signer.
type TransferDescription struct {
	Recipients []Destination `json:"recipients"`
	PaymentID  string        `json:"payment_id"`
	Fee        uint64        `json:"fee"`
	UnlockTime uint64        `json:"unlock_time"`
}

// Wallet is one entry in the wallet catalog.
type Wallet struct {
	Name          string                     `json:"name"`
	Password      string                     `json:"password"`
	Seed          string                     `json:"seed"`
	Address       string                     `json:"address"`
	RestoreHeight uint64                     `json:"restore_height"`
	MyOnion       string                     `json:"my_onion"`
	Reference     string                     `json:"reference"`
	Multisig      bool                       `json:"multisig"`
	Threshold     int                        `json:"threshold"`
	Total         int                        `json:"total"`
	Peers         []string                   `json:"peers"`
	Online        bool                       `json:"online"`
	Creator       string                     `json:"creator"`
	Archived      bool                       `json:"archived"`
	NetType       string                     `json:"net_type"`
	Transfers     map[string]*TransferRecord `json:"transfers"`
}

// Document is the full decrypted account tree.
type Document struct {
	Settings         Settings                `json:"settings"`
	TorIdentities    []TorIdentity           `json:"tor_identities"`
	TrustedPeers     map[string]*TrustedPeer `json:"trusted_peers"`
	AddressBook      []AddressBookEntry      `json:"address_book"`
	XMRAddressBook   []AddressBookEntry      `json:"xmr_address_book"`
	DaemonAddressBook []AddressBookEntry     `json:"daemon_address_book"`
	Wallets          map[string]*Wallet      `json:"monero_wallets"` // keyed by name
}

// NewDocument returns a fresh, empty account document with sane defaults.
func NewDocument() *Document {
	return &Document{
		Settings: Settings{
			DaemonPort:     18081,
			LockTimeoutMin: 15,
			NetworkType:    "mainnet",
		},
		TrustedPeers: make(map[string]*TrustedPeer),
		Wallets:      make(map[string]*Wallet),
	}
}
