// Copyright (c) 2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific StoreError.
const (
	// ErrDatabase indicates an error with the persistence collaborator.
	// When this error code is set, the Err field of the StoreError will
	// be set to the underlying error.
	ErrDatabase ErrorCode = iota

	// ErrLocked indicates that an operation which requires private key
	// material was attempted while the store is locked.
	ErrLocked

	// ErrWrongPassphrase indicates that the supplied passphrase did not
	// verify against any master key.
	ErrWrongPassphrase

	// ErrAlreadyEncrypted indicates that Encrypt was called on a store
	// which already holds a master key.
	ErrAlreadyEncrypted

	// ErrNotEncrypted indicates that an operation which only applies to an
	// encrypted store was attempted on an unencrypted one.
	ErrNotEncrypted

	// ErrKeyNotFound indicates that the requested key is not held by the
	// store.
	ErrKeyNotFound

	// ErrCrypto indicates a failure in one of the cryptographic
	// primitives.
	ErrCrypto

	// ErrCorrupt indicates that replayed records are inconsistent, such as
	// two master keys sharing an identifier.
	ErrCorrupt
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:         "ErrDatabase",
	ErrLocked:           "ErrLocked",
	ErrWrongPassphrase:  "ErrWrongPassphrase",
	ErrAlreadyEncrypted: "ErrAlreadyEncrypted",
	ErrNotEncrypted:     "ErrNotEncrypted",
	ErrKeyNotFound:      "ErrKeyNotFound",
	ErrCrypto:           "ErrCrypto",
	ErrCorrupt:          "ErrCorrupt",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// StoreError provides a single type for errors that can happen during key
// store operation.
type StoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e StoreError) Unwrap() error {
	return e.Err
}

// storeError creates a StoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) StoreError {
	return StoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a StoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e StoreError
	return errors.As(err, &e) && e.ErrorCode == code
}
