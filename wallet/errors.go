// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/corewallet/coinselect"
)

var (
	// ErrFeeNotConverged is returned when the fee required by a built
	// transaction kept growing past the configured number of rounds.
	ErrFeeNotConverged = errors.New("transaction fee did not converge")

	// ErrWalletShuttingDown is returned by operations that need the chain
	// client after the wallet has been stopped.
	ErrWalletShuttingDown = errors.New("wallet shutting down")

	// ErrNoChainClient is returned by operations that need a chain client
	// before one was associated with the wallet.
	ErrNoChainClient = errors.New("wallet has no chain client")

	// ErrNoOutputs is returned when a transaction without outputs is
	// requested.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrInputsUnavailable is returned when committing a transaction
	// that spends an output the wallet no longer holds unspent.
	ErrInputsUnavailable = errors.New("transaction inputs are no longer " +
		"spendable")

	// ErrTxReleased is returned when committing a transaction whose
	// change key was already returned to the pool.
	ErrTxReleased = errors.New("transaction was released")

	// ErrUnknownVersion is returned when opening a database written by a
	// newer version of the wallet.
	ErrUnknownVersion = errors.New("wallet database requires a newer " +
		"version")
)

// InsufficientFundsError is returned when the spendable outputs, after
// applying the confirmation policy, cannot cover a payment and its fee.
type InsufficientFundsError struct {
	Available btcutil.Amount
	Required  btcutil.Amount
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %v available, %v required",
		e.Available, e.Required)
}

// Unwrap allows errors.Is to match coinselect.ErrInsufficientFunds.
func (e *InsufficientFundsError) Unwrap() error {
	return coinselect.ErrInsufficientFunds
}

// SignatureError describes a transaction input that could not be signed.
type SignatureError struct {
	Index int
	Err   error
}

// Error implements the error interface.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("failed to sign input %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying signing failure.
func (e *SignatureError) Unwrap() error {
	return e.Err
}
