// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific TxStoreError.
const (
	// ErrDatabase indicates an error with the persistence collaborator.
	// When this error code is set, the Err field of the TxStoreError will
	// be set to the underlying error.
	ErrDatabase ErrorCode = iota

	// ErrAmountOutOfRange indicates that an amount, or a sum of amounts,
	// fell outside the range of valid monetary values.  This is an
	// internal consistency fault and is never recoverable.
	ErrAmountOutOfRange

	// ErrTxRecordNotFound indicates that the requested tx record is not
	// known to the tx store.
	ErrTxRecordNotFound

	// ErrInput indicates that a transaction passed to the store is
	// malformed, such as a record whose hash does not match its
	// transaction.
	ErrInput

	// ErrOutputUnavailable indicates that a transaction spends an output
	// that is not a recorded, owned and unspent output of the store.
	ErrOutputUnavailable
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:          "ErrDatabase",
	ErrAmountOutOfRange:  "ErrAmountOutOfRange",
	ErrTxRecordNotFound:  "ErrTxRecordNotFound",
	ErrInput:             "ErrInput",
	ErrOutputUnavailable: "ErrOutputUnavailable",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TxStoreError provides a single type for errors that can happen during tx
// store operation.
type TxStoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxStoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e TxStoreError) Unwrap() error {
	return e.Err
}

// txStoreError creates a TxStoreError given a set of arguments.
func txStoreError(c ErrorCode, desc string, err error) TxStoreError {
	return TxStoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is a TxStoreError with a matching code.
func IsError(err error, code ErrorCode) bool {
	var e TxStoreError
	return errors.As(err, &e) && e.ErrorCode == code
}

// IsFatal returns whether err reports an internal consistency fault that
// callers must not try to recover from.
func IsFatal(err error) bool {
	return IsError(err, ErrAmountOutOfRange)
}
