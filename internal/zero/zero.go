// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero contains functions to clear secret material held by the
// key store from memory.
package zero

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear passphrases and serialized private keys from memory.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array by filling it with the zero value.
// This is used to explicitly clear symmetric keys from memory.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// PrivateKey clears the scalar backing the private key.  A nil key is
// ignored.
func PrivateKey(k *btcec.PrivateKey) {
	if k == nil {
		return
	}
	k.Zero()
}
