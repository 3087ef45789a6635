// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/btcsuite/corewallet/internal/prompt"
	"github.com/btcsuite/corewallet/internal/zero"
	"github.com/btcsuite/corewallet/wallet"
)

// createWallet prompts the user for information needed to generate a new
// wallet and generates the wallet accordingly.  The new wallet will reside at
// the provided path.
func createWallet(cfg *config) error {
	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	loader := wallet.NewLoader(
		cfg.walletConfig(), netDir, cfg.NoFreelistSync, cfg.DBTimeout,
	)

	reader := bufio.NewReader(os.Stdin)
	privPass, err := prompt.PrivatePass(reader)
	if err != nil {
		return err
	}
	defer zero.Bytes(privPass)

	fmt.Println("Creating the wallet...")
	w, err := loader.CreateNewWallet(privPass)
	if err != nil {
		return err
	}

	addr, err := w.NewAddress("")
	if err != nil {
		loader.UnloadWallet()
		return err
	}
	fmt.Printf("First receiving address: %v\n", addr)

	if err := loader.UnloadWallet(); err != nil {
		return err
	}

	fmt.Println("The wallet has been created successfully.")
	return nil
}

// unlockWallet prompts for the private passphrase until the wallet unlocks.
func unlockWallet(w *wallet.Wallet) error {
	if !w.Locked() {
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		pass, err := prompt.ProvidePrivPassphrase(reader)
		if err != nil {
			return err
		}
		err = w.Unlock(pass)
		zero.Bytes(pass)
		if err == nil {
			return nil
		}
		fmt.Println(err)
	}
}
