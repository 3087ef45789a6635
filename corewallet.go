// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // profiling handlers
	"os"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wallet"
	"golang.org/x/sync/errgroup"
)

// retryInterval is the wait between attempts to connect to the chain server.
const retryInterval = 10 * time.Second

// connectAttempts bounds each websocket connection attempt so shutdown is
// not blocked on an unreachable btcd.
const connectAttempts = 3

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	ctx := interruptListener()

	log.Infof("Version %s", version())

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	loader := wallet.NewLoader(
		cfg.walletConfig(), netDir, cfg.NoFreelistSync, cfg.DBTimeout,
	)
	loader.RunAfterLoad(func(w *wallet.Wallet) {
		best, ok := w.BestBlock()
		if !ok {
			log.Infof("Opened wallet with no sync checkpoint")
			return
		}
		log.Infof("Opened wallet synced to block %v (height %d)",
			best.Hash, best.Height)
	})

	w, err := loader.OpenExistingWallet()
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		return err
	}
	defer func() {
		if err := loader.UnloadWallet(); err != nil {
			log.Errorf("Unable to close wallet: %v", err)
		}
	}()

	if cfg.PromptPass {
		if err := unlockWallet(w); err != nil {
			log.Errorf("Unable to unlock wallet: %v", err)
			return err
		}
	}

	chainClient, err := startChainClient(ctx)
	if err != nil {
		log.Errorf("Unable to start chain client: %v", err)
		return err
	}
	w.Start(chainClient)

	// The wallet is stopped on shutdown, which also stops the chain
	// client.  A chain client that goes away on its own requests a
	// shutdown of the whole process.
	var g errgroup.Group
	g.Go(func() error {
		<-ctx.Done()
		w.Stop()
		w.WaitForShutdown()
		return nil
	})
	g.Go(func() error {
		chainClient.WaitForShutdown()
		requestShutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// startChainClient connects to btcd, retrying until the connection succeeds
// or ctx is canceled.
func startChainClient(ctx context.Context) (chain.Interface, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("cannot open CA file: %w", err)
		}
	} else {
		log.Info("Chain server RPC TLS is disabled")
	}

	conn := &rpcclient.ConnConfig{
		Host:         cfg.RPCConnect,
		User:         cfg.BtcdUsername,
		Pass:         cfg.BtcdPassword,
		Certificates: certs,
		DisableTLS:   cfg.DisableClientTLS,
	}

	var (
		chainClient chain.Interface
		err         error
	)
	if cfg.PollChain {
		chainClient, err = chain.NewPollingClient(&chain.PollingConfig{
			Conn:  conn,
			Chain: activeNet.Params,
		})
	} else {
		chainClient, err = chain.NewRPCClient(&chain.RPCClientConfig{
			Conn:              conn,
			Chain:             activeNet.Params,
			ReconnectAttempts: connectAttempts,
		})
	}
	if err != nil {
		return nil, err
	}

	for {
		err := chainClient.Start()
		if err == nil {
			log.Infof("Connected to %s chain server at %s",
				chainClient.BackEnd(), cfg.RPCConnect)
			return chainClient, nil
		}

		log.Errorf("Unable to open connection to chain server: %v",
			err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
