// Command multisigd runs one node of the multisig coordinator: it opens (or
// creates) an encrypted account, publishes an onion service per owned
// identity, and serves the peer API until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/duskrelay/multisigd/internal/account"
	"github.com/duskrelay/multisigd/internal/node"
	"github.com/duskrelay/multisigd/internal/tornet"
	"github.com/duskrelay/multisigd/internal/walletrpc"
)

func main() {
	// ---- Flags / config ----
	var (
		accountPath  string
		createNew    bool
		accountPass  string
		walletRPCURL string
		torDataDir   string
		socksAddr    string
	)
	flag.StringVar(&accountPath, "account", "account.enc", "path to the encrypted account file")
	flag.BoolVar(&createNew, "new-account", false, "create a fresh account file")
	flag.StringVar(&accountPass, "account-pass", "", "account passphrase (or set MULTISIGD_ACCOUNT_PASS)")
	flag.StringVar(&walletRPCURL, "wallet-rpc", "http://127.0.0.1:18083/json_rpc", "monero-wallet-rpc endpoint")
	flag.StringVar(&torDataDir, "tor-datadir", "tor-data", "Tor state directory")
	flag.StringVar(&socksAddr, "socks", "127.0.0.1:9050", "Tor SOCKS5 address for daemon probes")
	flag.Parse()

	// ---- Require passphrase (flag or env var) ----
	if accountPass == "" {
		accountPass = os.Getenv("MULTISIGD_ACCOUNT_PASS")
	}
	if accountPass == "" {
		log.Fatalf("account passphrase missing. Supply --account-pass or set MULTISIGD_ACCOUNT_PASS")
	}

	// ---- Open or create the encrypted account ----
	var store *account.Store
	var err error
	if _, statErr := os.Stat(accountPath); statErr == nil {
		store, err = account.Login(accountPath, []byte(accountPass))
		if err != nil {
			log.Fatalf("account login: %v", err)
		}
	} else {
		if !createNew {
			log.Fatalf("account not found. Run with --new-account to create %s", accountPath)
		}
		store, err = account.CreateAccount(accountPath, []byte(accountPass))
		if err != nil {
			log.Fatalf("account create: %v", err)
		}
	}
	defer store.Logout()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Tor ----
	gateway, err := tornet.Start(ctx, torDataDir)
	if err != nil {
		log.Fatalf("tor: %v", err)
	}
	defer gateway.Close()

	// ---- Wallet library (external monero-wallet-rpc process) ----
	factory := walletrpc.NewFactory(walletrpc.NewClient(walletRPCURL))

	// ---- Node ----
	n, err := node.New(ctx, node.Config{
		AccountPath: accountPath,
		KIImportDir: filepath.Join(filepath.Dir(accountPath), "ki-cache"),
		SocksAddr:   socksAddr,
	}, store, factory, gateway)
	if err != nil {
		log.Fatalf("node: %v", err)
	}
	defer n.Close()

	log.Printf("[main] node up, account %s", accountPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("[main] shutting down")
}
