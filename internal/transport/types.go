// Package transport implements the inbound per-onion HTTP server and the
// outbound signed HTTP client used for all peer-to-peer calls.
package transport

// PingResponse answers GET /api/ping.
type PingResponse struct {
	Ref     string `json:"ref"`
	M       int    `json:"m"`
	N       int    `json:"n"`
	NetType string `json:"nettype"`
	Stage   string `json:"stage"`
}

// BlobResponse answers GET /api/multisig/blob.
type BlobResponse struct {
	BlobB64 string `json:"blob_b64"`
	Sha256  string `json:"sha256"`
}

// NewMultisigRequest is the POST /api/multisig/new body.
type NewMultisigRequest struct {
	Ref     string   `json:"ref"`
	M       int      `json:"m"`
	N       int      `json:"n"`
	NetType string   `json:"net_type"`
	Peers   []string `json:"peers"`
}

// OkResponse is the generic {ok:true[,idempotent:true]} acknowledgement.
type OkResponse struct {
	Ok        bool `json:"ok"`
	Idempotent bool `json:"idempotent,omitempty"`
}

// TransferPingResponse answers GET /api/multisig/transfer/ping.
type TransferPingResponse struct {
	Online bool `json:"online"`
	Ready  bool `json:"ready"`
}

// RequestInfoResponse answers GET /api/multisig/transfer/request_info.
type RequestInfoResponse struct {
	MultisigInfoB64 string `json:"multisig_info_b64"`
	Len             int    `json:"len"`
	Sha256          string `json:"sha256"`
	Time            int64  `json:"time"`
}

// SubmitTransferRequest is the POST /api/multisig/transfer/submit body.
type SubmitTransferRequest struct {
	TransferRef        string              `json:"transfer_ref"`
	TransferBlob       string              `json:"transfer_blob"`
	SigningOrder       []string            `json:"signing_order"`
	WhoHasSigned       []string            `json:"who_has_signed"`
	TransferDescription TransferDescription `json:"transfer_description"`
	CreatedAt          int64               `json:"created_at"`
}

// TransferDescription mirrors account.TransferDescription on the wire,
// kept as an independent type so transport has no dependency on account.
type TransferDescription struct {
	Recipients []Destination `json:"recipients"`
	PaymentID  string        `json:"payment_id"`
	Fee        uint64        `json:"fee"`
	UnlockTime uint64        `json:"unlock_time"`
}

// Destination is one transaction output on the wire.
type Destination struct {
	Address      string `json:"address"`
	AmountAtomic uint64 `json:"amount_atomic"`
}

// SubmitTransferResponse answers POST /api/multisig/transfer/submit.
type SubmitTransferResponse struct {
	Success    bool `json:"success"`
	Idempotent bool `json:"idempotent,omitempty"`
}

// TransferStatusResponse answers GET /api/multisig/transfer/status.
type TransferStatusResponse struct {
	StageName        string `json:"stage_name"`
	Status           string `json:"status"`
	TxID             string `json:"tx_id"`
	ReceivedTransfer bool   `json:"received_transfer"`
	HasSigned        bool   `json:"has_signed"`
}
