package account

import (
	"fmt"
	"strings"

	"github.com/duskrelay/multisigd/internal/cryptoutil"
)

// RemoveIdentity drops an owned identity by label (case-insensitive).
func (s *Store) RemoveIdentity(label string) error {
	return s.mutate(func(d *Document) error {
		for i, id := range d.TorIdentities {
			if strings.EqualFold(id.Label, label) {
				d.TorIdentities = append(d.TorIdentities[:i], d.TorIdentities[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("account: no identity labeled %q", label)
	})
}

// SetIdentityOnline flips an identity's online flag.
func (s *Store) SetIdentityOnline(label string, online bool) error {
	return s.mutate(func(d *Document) error {
		for i := range d.TorIdentities {
			if strings.EqualFold(d.TorIdentities[i].Label, label) {
				d.TorIdentities[i].Online = online
				return nil
			}
		}
		return fmt.Errorf("account: no identity labeled %q", label)
	})
}

// Identities returns a copy of the owned identity list.
func (s *Store) Identities() []TorIdentity {
	var out []TorIdentity
	s.View(func(d *Document) {
		out = append(out, d.TorIdentities...)
	})
	return out
}

// RemoveTrustedPeer drops a trusted-peer policy entry.
func (s *Store) RemoveTrustedPeer(onion string) error {
	onion = cryptoutil.NormalizeOnion(onion)
	return s.mutate(func(d *Document) error {
		if _, ok := d.TrustedPeers[onion]; !ok {
			return fmt.Errorf("account: no trusted peer %q", onion)
		}
		delete(d.TrustedPeers, onion)
		return nil
	})
}

// SetTrustedPeerActive flips a trusted peer's active flag without touching
// the rest of its policy.
func (s *Store) SetTrustedPeerActive(onion string, active bool) error {
	onion = cryptoutil.NormalizeOnion(onion)
	return s.mutate(func(d *Document) error {
		tp, ok := d.TrustedPeers[onion]
		if !ok {
			return fmt.Errorf("account: no trusted peer %q", onion)
		}
		tp.Active = active
		return nil
	})
}

// AddAddressBookEntry inserts into the onion address book, deduplicating by
// normalized onion.
func (s *Store) AddAddressBookEntry(e AddressBookEntry) error {
	e.Onion = cryptoutil.NormalizeOnion(e.Onion)
	if !cryptoutil.ValidOnion(e.Onion) {
		return fmt.Errorf("account: invalid onion %q", e.Onion)
	}
	return s.mutate(func(d *Document) error {
		for i := range d.AddressBook {
			if d.AddressBook[i].Onion == e.Onion {
				d.AddressBook[i] = e
				return nil
			}
		}
		d.AddressBook = append(d.AddressBook, e)
		return nil
	})
}

// RemoveAddressBookEntry drops an onion address book entry by its onion.
func (s *Store) RemoveAddressBookEntry(onion string) error {
	onion = cryptoutil.NormalizeOnion(onion)
	return s.mutate(func(d *Document) error {
		for i := range d.AddressBook {
			if d.AddressBook[i].Onion == onion {
				d.AddressBook = append(d.AddressBook[:i], d.AddressBook[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("account: no address book entry for %q", onion)
	})
}

// AddXMRAddressBookEntry inserts into the XMR address book, deduplicating by
// xmr_address.
func (s *Store) AddXMRAddressBookEntry(e AddressBookEntry) error {
	if e.XMRAddress == "" {
		return fmt.Errorf("account: empty xmr address")
	}
	return s.mutate(func(d *Document) error {
		for i := range d.XMRAddressBook {
			if d.XMRAddressBook[i].XMRAddress == e.XMRAddress {
				d.XMRAddressBook[i] = e
				return nil
			}
		}
		d.XMRAddressBook = append(d.XMRAddressBook, e)
		return nil
	})
}

// AddDaemonAddressBookEntry inserts into the daemon address book,
// deduplicating by (url, port).
func (s *Store) AddDaemonAddressBookEntry(e AddressBookEntry) error {
	if e.DaemonURL == "" {
		return fmt.Errorf("account: empty daemon url")
	}
	if e.DaemonPort < 1 || e.DaemonPort > 65535 {
		return fmt.Errorf("account: daemon port %d out of range", e.DaemonPort)
	}
	return s.mutate(func(d *Document) error {
		for i := range d.DaemonAddressBook {
			if d.DaemonAddressBook[i].DaemonURL == e.DaemonURL && d.DaemonAddressBook[i].DaemonPort == e.DaemonPort {
				d.DaemonAddressBook[i] = e
				return nil
			}
		}
		d.DaemonAddressBook = append(d.DaemonAddressBook, e)
		return nil
	})
}

// RemoveWallet drops a wallet record and its saved transfers.
func (s *Store) RemoveWallet(name string) error {
	return s.mutate(func(d *Document) error {
		if _, ok := d.Wallets[name]; !ok {
			return fmt.Errorf("account: no wallet named %q", name)
		}
		delete(d.Wallets, name)
		return nil
	})
}

// SetWalletArchived flips a wallet's archived flag.
func (s *Store) SetWalletArchived(name string, archived bool) error {
	return s.mutate(func(d *Document) error {
		w, ok := d.Wallets[name]
		if !ok {
			return fmt.Errorf("account: no wallet named %q", name)
		}
		w.Archived = archived
		return nil
	})
}

// SetWalletOnline flips a wallet's online flag.
func (s *Store) SetWalletOnline(name string, online bool) error {
	return s.mutate(func(d *Document) error {
		w, ok := d.Wallets[name]
		if !ok {
			return fmt.Errorf("account: no wallet named %q", name)
		}
		w.Online = online
		return nil
	})
}

// Wallets returns copies of every wallet record.
func (s *Store) Wallets() []Wallet {
	var out []Wallet
	s.View(func(d *Document) {
		for _, w := range d.Wallets {
			out = append(out, *w)
		}
	})
	return out
}
