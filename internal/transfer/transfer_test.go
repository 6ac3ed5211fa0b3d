package transfer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/cryptoutil"
	"github.com/duskrelay/multisigd/internal/eventsink"
	"github.com/duskrelay/multisigd/internal/walletlib"
)

func fakeOnion(c byte) string {
	return strings.Repeat(string(c), 56) + ".onion"
}

// fakeWallet is a minimal scripted walletlib.Wallet.
type fakeWallet struct {
	walletlib.Wallet // panics on anything not overridden below

	describeDesc  walletlib.TransferDescription
	describeOrder []string
	describeErr   error

	signReady bool
	signErr   error
	signedTo  []byte

	submitTxID string
	submitErr  error

	importedInfos [][]string
	builtBlob     []byte
}

func (f *fakeWallet) DescribeTransfer(ctx context.Context, blob []byte) (walletlib.TransferDescription, []string, error) {
	return f.describeDesc, f.describeOrder, f.describeErr
}

func (f *fakeWallet) SignMultisig(ctx context.Context, blob []byte) ([]byte, bool, []string, error) {
	if f.signErr != nil {
		return nil, false, nil, f.signErr
	}
	return f.signedTo, f.signReady, nil, nil
}

func (f *fakeWallet) SubmitSignedMultisig(ctx context.Context, blob []byte) (string, error) {
	return f.submitTxID, f.submitErr
}

func (f *fakeWallet) ImportMultisigBulk(ctx context.Context, infos []string) error {
	f.importedInfos = append(f.importedInfos, infos)
	return nil
}

func (f *fakeWallet) BuildTransfer(ctx context.Context, destinations []walletlib.Destination, feePriority int, feeSplitIndices []int) ([]byte, error) {
	return f.builtBlob, nil
}

func (f *fakeWallet) ExportMultisigInfo(ctx context.Context) (string, error) {
	return "exported-info", nil
}

func newTestStore(t *testing.T, walletName, myOnion string) *account.Store {
	t.Helper()
	s, err := account.CreateAccount(filepath.Join(t.TempDir(), "account.enc"), []byte("pass"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Logout() })
	require.NoError(t, s.PutWallet(account.Wallet{Name: walletName, Reference: "T", MyOnion: myOnion, Multisig: true}))
	return s
}

func sampleDescription() account.TransferDescription {
	return account.TransferDescription{
		Recipients: []account.Destination{{Address: "4addr", AmountAtomic: 1_000_000}},
		Fee:        6_000,
	}
}

func walletDescription() walletlib.TransferDescription {
	return walletlib.TransferDescription{
		Recipients: []walletlib.Destination{{Address: "4addr", AmountAtomic: 1_000_000}},
		Fee:        6_000,
	}
}

func TestInitiatorNextSigner(t *testing.T) {
	me := fakeOnion('a')
	b, c := fakeOnion('b'), fakeOnion('c')
	in := NewInitiator(InitiatorConfig{
		MyOnion: me, SigningOrder: []string{me, b, c},
	}, nil, nil, nil, nil)

	next, ok := in.nextSigner()
	require.True(t, ok)
	assert.Equal(t, b, next, "self is already in signatures, so b is next")

	in.mu.Lock()
	in.signatures = append(in.signatures, b)
	in.mu.Unlock()
	next, ok = in.nextSigner()
	require.True(t, ok)
	assert.Equal(t, c, next)

	in.mu.Lock()
	in.signatures = append(in.signatures, c)
	in.mu.Unlock()
	_, ok = in.nextSigner()
	assert.False(t, ok)
}

func TestInitiatorCreatingTransferFailsClosed(t *testing.T) {
	in := NewInitiator(InitiatorConfig{
		MyOnion:      fakeOnion('a'),
		Destinations: []account.Destination{{Address: "4addr", AmountAtomic: 0}},
	}, nil, &fakeWallet{}, nil, nil)
	err := in.creatingTransfer(context.Background())
	assert.Error(t, err, "zero-amount destination")

	in2 := NewInitiator(InitiatorConfig{MyOnion: fakeOnion('a')}, nil, &fakeWallet{}, nil, nil)
	assert.Error(t, in2.creatingTransfer(context.Background()), "no destinations")

	in3 := NewInitiator(InitiatorConfig{
		MyOnion:      fakeOnion('a'),
		Destinations: []account.Destination{{Address: "", AmountAtomic: 5}},
	}, nil, &fakeWallet{}, nil, nil)
	assert.Error(t, in3.creatingTransfer(context.Background()), "empty address")
}

func TestInitiatorInspectGuardTrips(t *testing.T) {
	me := fakeOnion('a')
	store := newTestStore(t, "w", me)
	fw := &fakeWallet{describeDesc: walletDescription()}

	// fee/amount = 6000/1000000 = 0.6% > 0.5%, guard enabled.
	in := NewInitiator(InitiatorConfig{
		TransferRef:  "x1",
		WalletName:   "w",
		WalletRef:    "T",
		MyOnion:      me,
		SigningOrder: []string{me, fakeOnion('b')},
		Destinations: []account.Destination{{Address: "4addr", AmountAtomic: 1_000_000}},
		InspectGuard: true,
	}, store, fw, nil, nil)
	in.mu.Lock()
	in.blob = []byte("unsigned")
	in.mu.Unlock()

	require.NoError(t, in.validating(context.Background()))
	in.mu.Lock()
	defer in.mu.Unlock()
	assert.True(t, in.inspect)
	assert.Equal(t, sampleDescription(), in.description)
}

func TestInitiatorInspectGuardQuietBelowThreshold(t *testing.T) {
	me := fakeOnion('a')
	store := newTestStore(t, "w", me)
	desc := walletDescription()
	desc.Fee = 4_000 // 0.4% < 0.5%
	fw := &fakeWallet{describeDesc: desc}

	in := NewInitiator(InitiatorConfig{
		TransferRef:  "x1",
		WalletName:   "w",
		WalletRef:    "T",
		MyOnion:      me,
		SigningOrder: []string{me, fakeOnion('b')},
		Destinations: []account.Destination{{Address: "4addr", AmountAtomic: 1_000_000}},
		InspectGuard: true,
	}, store, fw, nil, nil)
	in.mu.Lock()
	in.blob = []byte("unsigned")
	in.mu.Unlock()

	require.NoError(t, in.validating(context.Background()))
	in.mu.Lock()
	defer in.mu.Unlock()
	assert.False(t, in.inspect)
}

func TestInitiatorPersistPreservesBlobAcrossSnapshots(t *testing.T) {
	me := fakeOnion('a')
	store := newTestStore(t, "w", me)
	fw := &fakeWallet{describeDesc: walletDescription()}
	in := NewInitiator(InitiatorConfig{
		TransferRef:  "x1",
		WalletName:   "w",
		WalletRef:    "T",
		MyOnion:      me,
		SigningOrder: []string{me, fakeOnion('b')},
		Destinations: []account.Destination{{Address: "4addr", AmountAtomic: 1_000_000}},
	}, store, fw, nil, nil)
	in.mu.Lock()
	in.blob = []byte("unsigned")
	in.mu.Unlock()
	require.NoError(t, in.validating(context.Background()))

	rec, ok := store.Transfer("w", "x1")
	require.True(t, ok)
	require.Equal(t, cryptoutil.B64([]byte("unsigned")), rec.TransferBlob)

	// A later partial update (what submitting writes) must not clobber the
	// previously persisted blob.
	in.persistSnapshot(func(r *account.TransferRecord) { r.SubmittedAt = time.Now().Unix() })
	rec, ok = store.Transfer("w", "x1")
	require.True(t, ok)
	assert.Equal(t, cryptoutil.B64([]byte("unsigned")), rec.TransferBlob)
	assert.NotZero(t, rec.SubmittedAt)
	assert.Equal(t, []string{me}, rec.Signatures)
}

func TestInitiatorApprovingWaitsForProceed(t *testing.T) {
	in := NewInitiator(InitiatorConfig{MyOnion: fakeOnion('a')}, nil, nil, nil, nil)
	in.mu.Lock()
	in.inspect = true
	in.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- in.approving(context.Background()) }()
	select {
	case <-done:
		t.Fatal("approving returned before approval")
	default:
	}
	in.ProceedAfterApproval()
	assert.NoError(t, <-done)
}

func TestIncomingValidatingRejectsMismatchedDescription(t *testing.T) {
	me := fakeOnion('a')
	stored := sampleDescription()
	walletView := walletDescription()
	walletView.Fee = 9_999 // wallet disagrees with the stored description

	inc := NewIncoming(IncomingConfig{
		TransferRef:  "x1",
		MyOnion:      me,
		WalletPeers:  []string{me, fakeOnion('b')},
		SigningOrder: []string{me, fakeOnion('b')},
		Description:  stored,
	}, nil, nil, &fakeWallet{describeDesc: walletView}, nil, nil)

	assert.Error(t, inc.validating(context.Background()))
}

func TestIncomingValidatingRejectsForeignSigner(t *testing.T) {
	me := fakeOnion('a')
	inc := NewIncoming(IncomingConfig{
		TransferRef:  "x1",
		MyOnion:      me,
		WalletPeers:  []string{me, fakeOnion('b')},
		SigningOrder: []string{me, fakeOnion('b'), fakeOnion('z')},
		Description:  sampleDescription(),
	}, nil, nil, &fakeWallet{describeDesc: walletDescription()}, nil, nil)

	assert.Error(t, inc.validating(context.Background()))
}

func TestIncomingValidatingPrefersWalletSigningOrder(t *testing.T) {
	me := fakeOnion('a')
	b := fakeOnion('b')
	fw := &fakeWallet{describeDesc: walletDescription(), describeOrder: []string{b, me}}
	inc := NewIncoming(IncomingConfig{
		TransferRef:  "x1",
		MyOnion:      me,
		WalletPeers:  []string{me, b},
		SigningOrder: []string{me, b},
		Description:  sampleDescription(),
	}, nil, nil, fw, nil, nil)

	require.NoError(t, inc.validating(context.Background()))
	assert.Equal(t, []string{b, me}, inc.cfg.SigningOrder)
}

func TestIncomingBroadcastPath(t *testing.T) {
	me := fakeOnion('a')
	initiator := fakeOnion('b')
	store := newTestStore(t, "w", me)
	sink := eventsink.New()
	defer sink.Close()

	fw := &fakeWallet{
		describeDesc: walletDescription(),
		signReady:    true,
		signedTo:     []byte("fully signed"),
		submitTxID:   "abcd",
	}
	inc := NewIncoming(IncomingConfig{
		TransferRef:  "x1",
		WalletName:   "w",
		WalletRef:    "T",
		MyOnion:      me,
		WalletPeers:  []string{me, initiator},
		SigningOrder: []string{initiator, me},
		Blob:         []byte("partial"),
		Description:  sampleDescription(),
	}, []string{initiator}, store, fw, nil, sink)

	inc.Run(context.Background())
	<-inc.Finished()

	assert.Equal(t, RStateComplete, inc.State())
	assert.Equal(t, "abcd", inc.TxID())
	assert.True(t, inc.HasSigned())

	rec, ok := store.Transfer("w", "x1")
	require.True(t, ok)
	assert.Equal(t, "abcd", rec.TxID)
	assert.Contains(t, rec.Signatures, me)
}

func TestIncomingWalletFailureIsTerminalError(t *testing.T) {
	me := fakeOnion('a')
	store := newTestStore(t, "w", me)
	sink := eventsink.New()
	defer sink.Close()

	fw := &fakeWallet{describeDesc: walletDescription(), signErr: errors.New("hardware said no")}
	inc := NewIncoming(IncomingConfig{
		TransferRef:  "x1",
		WalletName:   "w",
		WalletRef:    "T",
		MyOnion:      me,
		WalletPeers:  []string{me, fakeOnion('b')},
		SigningOrder: []string{fakeOnion('b'), me},
		Description:  sampleDescription(),
	}, nil, store, fw, nil, sink)

	inc.Run(context.Background())
	assert.Equal(t, RStateError, inc.State())

	inc.mu.Lock()
	reason := inc.reason
	inc.mu.Unlock()
	assert.Contains(t, reason, "SignMultisig")
}

func TestIncomingDeclineRemovesOwnSignature(t *testing.T) {
	me := fakeOnion('a')
	initiator := fakeOnion('b')
	store := newTestStore(t, "w", me)
	sink := eventsink.New()
	defer sink.Close()

	inc := NewIncoming(IncomingConfig{
		TransferRef:  "x1",
		WalletName:   "w",
		WalletRef:    "T",
		MyOnion:      me,
		WalletPeers:  []string{me, initiator},
		SigningOrder: []string{initiator, me},
		Description:  sampleDescription(),
	}, []string{initiator, me}, store, &fakeWallet{}, nil, sink)

	inc.Decline()
	inc.Run(context.Background())

	assert.Equal(t, RStateDeclined, inc.State())
	assert.False(t, inc.HasSigned())
	rec, ok := store.Transfer("w", "x1")
	require.True(t, ok)
	assert.NotContains(t, rec.Signatures, me)
	assert.NotZero(t, rec.DeclinedAt)
}

func TestIncomingNextSignerSkipsSelfAndSigned(t *testing.T) {
	me := fakeOnion('b')
	a, c := fakeOnion('a'), fakeOnion('c')
	inc := NewIncoming(IncomingConfig{
		MyOnion:      me,
		SigningOrder: []string{a, me, c},
	}, []string{a, me}, nil, nil, nil, nil)

	next, ok := inc.nextSigner()
	require.True(t, ok)
	assert.Equal(t, c, next)

	inc.mu.Lock()
	inc.signatures = append(inc.signatures, c)
	inc.mu.Unlock()
	_, ok = inc.nextSigner()
	assert.False(t, ok)
}

func TestDescriptionsEqual(t *testing.T) {
	a := sampleDescription()
	b := sampleDescription()
	assert.True(t, descriptionsEqual(a, b))
	b.Fee++
	assert.False(t, descriptionsEqual(a, b))
}
