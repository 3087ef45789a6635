// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Block contains the minimum amount of data to uniquely identify any block on
// either the best or side chain.
type Block struct {
	Hash   chainhash.Hash
	Height int32
}

// BlockMeta contains the unique identification for a block and any metadata
// pertaining to the block.  At the moment, this additional metadata only
// includes the block time from the block header.
type BlockMeta struct {
	Block
	Time time.Time
}

// TxRecord represents a transaction managed by the Store together with its
// wallet-local metadata.
type TxRecord struct {
	MsgTx    wire.MsgTx
	Hash     chainhash.Hash
	Received time.Time

	// Block is the block the transaction is mined in, or nil while it is
	// unconfirmed.
	Block *BlockMeta

	// FromMe is set for transactions created by this wallet.
	FromMe bool

	// Spent has one flag per output, set once a recorded transaction
	// spends that output.
	Spent []bool

	// LastBroadcast is the last time the transaction was handed to the
	// network.  Only tracked for transactions created by this wallet.
	LastBroadcast time.Time
}

// NewTxRecordFromMsgTx creates a new transaction record that may be inserted
// into the store.
func NewTxRecordFromMsgTx(msgTx *wire.MsgTx, received time.Time) *TxRecord {
	return &TxRecord{
		MsgTx:    *msgTx,
		Hash:     msgTx.TxHash(),
		Received: received,
		Spent:    make([]bool, len(msgTx.TxOut)),
	}
}

// Credit is an unspent output owned by the wallet.
type Credit struct {
	wire.OutPoint
	Amount        btcutil.Amount
	PkScript      []byte
	Confirmations int32
	FromMe        bool
	Received      time.Time
}

// MoneyRange returns whether a is a valid monetary value.
func MoneyRange(a btcutil.Amount) bool {
	return a >= 0 && a <= btcutil.MaxSatoshi
}

// addAmount adds v to sum, failing when either v or the result falls outside
// the valid monetary range.
func addAmount(sum, v btcutil.Amount, what string) (btcutil.Amount, error) {
	if !MoneyRange(v) {
		log.Criticalf("%s amount %d out of range", what, int64(v))
		return 0, txStoreError(ErrAmountOutOfRange, what+
			" amount out of range", nil)
	}
	sum += v
	if !MoneyRange(sum) {
		log.Criticalf("%s total %d out of range", what, int64(sum))
		return 0, txStoreError(ErrAmountOutOfRange, what+
			" total out of range", nil)
	}
	return sum, nil
}
