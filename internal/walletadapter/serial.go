package walletadapter

import (
	"context"

	"github.com/duskrelay/multisigd/internal/walletlib"
)

// SerialWallet funnels every call on a thread-unsafe walletlib.Wallet through
// an Adapter's single worker, so state machines can hold one handle and call
// it from any goroutine.
type SerialWallet struct {
	inner   walletlib.Wallet
	adapter *Adapter
}

// Serialize wraps w behind adapter's worker queue.
func Serialize(adapter *Adapter, w walletlib.Wallet) *SerialWallet {
	return &SerialWallet{inner: w, adapter: adapter}
}

func (s *SerialWallet) CreateMultisig(ctx context.Context, password string) (string, error) {
	var msg string
	err := s.adapter.Call(ctx, "create_multisig", func(ctx context.Context) error {
		var err error
		msg, err = s.inner.CreateMultisig(ctx, password)
		return err
	})
	return msg, err
}

func (s *SerialWallet) MakeMultisig(ctx context.Context, infos []string, m int, password string) (string, error) {
	var msg string
	err := s.adapter.Call(ctx, "make_multisig", func(ctx context.Context) error {
		var err error
		msg, err = s.inner.MakeMultisig(ctx, infos, m, password)
		return err
	})
	return msg, err
}

func (s *SerialWallet) ExchangeMultisigKeys(ctx context.Context, infos []string, password string) (string, error) {
	var msg string
	err := s.adapter.Call(ctx, "exchange_multisig_keys", func(ctx context.Context) error {
		var err error
		msg, err = s.inner.ExchangeMultisigKeys(ctx, infos, password)
		return err
	})
	return msg, err
}

func (s *SerialWallet) IsMultisigReady(ctx context.Context) (bool, error) {
	var ready bool
	err := s.adapter.Call(ctx, "is_multisig_ready", func(ctx context.Context) error {
		var err error
		ready, err = s.inner.IsMultisigReady(ctx)
		return err
	})
	return ready, err
}

func (s *SerialWallet) Address(ctx context.Context) (string, error) {
	var addr string
	err := s.adapter.Call(ctx, "address", func(ctx context.Context) error {
		var err error
		addr, err = s.inner.Address(ctx)
		return err
	})
	return addr, err
}

func (s *SerialWallet) MultisigSeed(ctx context.Context) (string, error) {
	var seed string
	err := s.adapter.Call(ctx, "multisig_seed", func(ctx context.Context) error {
		var err error
		seed, err = s.inner.MultisigSeed(ctx)
		return err
	})
	return seed, err
}

func (s *SerialWallet) DescribeTransfer(ctx context.Context, blob []byte) (walletlib.TransferDescription, []string, error) {
	var desc walletlib.TransferDescription
	var order []string
	err := s.adapter.Call(ctx, "describe_transfer", func(ctx context.Context) error {
		var err error
		desc, order, err = s.inner.DescribeTransfer(ctx, blob)
		return err
	})
	return desc, order, err
}

func (s *SerialWallet) BuildTransfer(ctx context.Context, destinations []walletlib.Destination, feePriority int, feeSplitIndices []int) ([]byte, error) {
	var blob []byte
	err := s.adapter.Call(ctx, "build_transfer", func(ctx context.Context) error {
		var err error
		blob, err = s.inner.BuildTransfer(ctx, destinations, feePriority, feeSplitIndices)
		return err
	})
	return blob, err
}

func (s *SerialWallet) SignMultisig(ctx context.Context, blob []byte) ([]byte, bool, []string, error) {
	var newBlob []byte
	var ready bool
	var txids []string
	err := s.adapter.Call(ctx, "sign_multisig", func(ctx context.Context) error {
		var err error
		newBlob, ready, txids, err = s.inner.SignMultisig(ctx, blob)
		return err
	})
	return newBlob, ready, txids, err
}

func (s *SerialWallet) SubmitSignedMultisig(ctx context.Context, blob []byte) (string, error) {
	var txID string
	err := s.adapter.Call(ctx, "submit_signed_multisig", func(ctx context.Context) error {
		var err error
		txID, err = s.inner.SubmitSignedMultisig(ctx, blob)
		return err
	})
	return txID, err
}

func (s *SerialWallet) HasMultisigPartialKeyImages(ctx context.Context) (bool, error) {
	var has bool
	err := s.adapter.Call(ctx, "has_multisig_partial_key_images", func(ctx context.Context) error {
		var err error
		has, err = s.inner.HasMultisigPartialKeyImages(ctx)
		return err
	})
	return has, err
}

func (s *SerialWallet) ExportMultisigInfo(ctx context.Context) (string, error) {
	var info string
	err := s.adapter.Call(ctx, "export_multisig_info", func(ctx context.Context) error {
		var err error
		info, err = s.inner.ExportMultisigInfo(ctx)
		return err
	})
	return info, err
}

func (s *SerialWallet) ImportMultisigBulk(ctx context.Context, infos []string) error {
	return s.adapter.Call(ctx, "import_multisig_bulk", func(ctx context.Context) error {
		return s.inner.ImportMultisigBulk(ctx, infos)
	})
}

func (s *SerialWallet) Close(ctx context.Context) error {
	return s.adapter.Call(ctx, "close", func(ctx context.Context) error {
		return s.inner.Close(ctx)
	})
}
