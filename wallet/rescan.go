// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/lightningnetwork/lnd/ticker"
)

// maxReorgDepth is how far below a checkpoint that left the main chain the
// wallet rescans from.
const maxReorgDepth = 100

// syncWithChain brings the wallet up to date with a newly connected chain
// client: every address is watched again, blocks since the checkpoint are
// scanned and own unconfirmed transactions are handed to the network.
func (w *Wallet) syncWithChain(chainClient chain.Interface) error {
	// A new connection has no registrations.
	w.watchedMtx.Lock()
	w.watched = make(map[string]struct{})
	w.watchedMtx.Unlock()
	w.watchNewAddresses()

	if err := chainClient.NotifyBlocks(); err != nil {
		return err
	}

	_, tipHeight, err := chainClient.GetBestBlock()
	if err != nil {
		return err
	}

	w.mtx.Lock()
	needRescan := w.needRescan
	var checkpoint *wtxmgr.Block
	if w.bestBlock != nil {
		b := *w.bestBlock
		checkpoint = &b
	}
	w.mtx.Unlock()

	var startHeight int32
	switch {
	case needRescan:
		startHeight = 0

	case checkpoint == nil:
		// A new wallet has no history before the current tip.
		tipHash, err := chainClient.GetBlockHash(int64(tipHeight))
		if err != nil {
			return err
		}
		w.mtx.Lock()
		err = w.setBestBlock(&wtxmgr.Block{
			Hash:   *tipHash,
			Height: tipHeight,
		})
		w.mtx.Unlock()
		if err != nil {
			return err
		}
		return w.ReacceptWalletTransactions()

	default:
		startHeight = checkpoint.Height + 1

		hash, err := chainClient.GetBlockHash(int64(checkpoint.Height))
		if err != nil || *hash != checkpoint.Hash {
			log.Warnf("Checkpoint %v (height %d) is no longer in "+
				"the main chain", checkpoint.Hash,
				checkpoint.Height)
			startHeight = checkpoint.Height - maxReorgDepth
			if startHeight < 0 {
				startHeight = 0
			}
		}
	}

	if err := w.scanFromHeight(chainClient, startHeight); err != nil {
		return err
	}
	if needRescan {
		if err := w.clearNeedRescan(); err != nil {
			return err
		}
	}

	return w.ReacceptWalletTransactions()
}

// ScanFromHeight walks the main chain from startHeight to the current tip,
// recording relevant transactions.  Records mined in blocks the walk finds
// replaced are reverted to unmined first.
func (w *Wallet) ScanFromHeight(startHeight int32) error {
	chainClient, err := w.requireChainClient()
	if err != nil {
		return err
	}
	return w.scanFromHeight(chainClient, startHeight)
}

func (w *Wallet) scanFromHeight(chainClient chain.Interface,
	startHeight int32) error {

	_, tipHeight, err := chainClient.GetBestBlock()
	if err != nil {
		return err
	}
	if startHeight > tipHeight {
		return nil
	}

	log.Infof("Rescanning blocks %d-%d", startHeight, tipHeight)

	// Blocks the wallet saw before the scan, by height.  Records added by
	// the scan itself are always in the block being processed.
	w.mtx.Lock()
	mined := w.txStore.MinedBlocks()
	w.mtx.Unlock()

	quit := w.quitChan()
	for height := startHeight; height <= tipHeight; height++ {
		select {
		case <-quit:
			return ErrWalletShuttingDown
		default:
		}

		hash, err := chainClient.GetBlockHash(int64(height))
		if err != nil {
			return fmt.Errorf("unable to fetch hash of block %d: %w",
				height, err)
		}
		block, err := chainClient.GetBlock(hash)
		if err != nil {
			return fmt.Errorf("unable to fetch block %v: %w", hash,
				err)
		}
		meta := &wtxmgr.BlockMeta{
			Block: wtxmgr.Block{Hash: *hash, Height: height},
			Time:  block.Header.Timestamp,
		}

		w.mtx.Lock()
		err = w.unmineStale(meta, mined[height])
		if err == nil {
			err = w.acceptBlock(block, meta)
		}
		w.mtx.Unlock()
		if err != nil {
			return err
		}
	}
	log.Infof("Finished rescan through block %d", tipHeight)

	return nil
}

// unmineStale reverts records mined in any of known, the blocks recorded at
// the height of b, other than b itself.  The caller must hold w.mtx.
func (w *Wallet) unmineStale(b *wtxmgr.BlockMeta,
	known []chainhash.Hash) error {

	for _, hash := range known {
		if hash == b.Hash {
			continue
		}
		err := w.txStore.BlockDisconnected(&wtxmgr.Block{
			Hash:   hash,
			Height: b.Height,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// rescanImported scans the whole chain for history of imported keys.
func (w *Wallet) rescanImported() error {
	if err := w.ScanFromHeight(0); err != nil {
		return err
	}
	return w.clearNeedRescan()
}

func (w *Wallet) clearNeedRescan() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.db.putNeedRescan(false); err != nil {
		return err
	}
	w.needRescan = false
	return nil
}

// ReacceptWalletTransactions hands every own unconfirmed transaction to the
// chain client again.  A rejection is logged and does not stop the others.
func (w *Wallet) ReacceptWalletTransactions() error {
	chainClient, err := w.requireChainClient()
	if err != nil {
		return err
	}

	w.mtx.Lock()
	txs := w.unminedFromMe(time.Time{})
	w.mtx.Unlock()

	for _, tx := range txs {
		w.broadcast(chainClient, tx)
	}
	return nil
}

// ResendWalletTransactions re-broadcasts own unconfirmed transactions
// received before the previous resend and returns how many were accepted.
// The first call only starts the clock.
func (w *Wallet) ResendWalletTransactions() (int, error) {
	chainClient, err := w.requireChainClient()
	if err != nil {
		return 0, err
	}

	w.mtx.Lock()
	last := w.lastResend
	w.lastResend = time.Now()
	var txs []*wire.MsgTx
	if !last.IsZero() {
		txs = w.unminedFromMe(last)
	}
	w.mtx.Unlock()

	var sent int
	for _, tx := range txs {
		if w.broadcast(chainClient, tx) {
			sent++
		}
	}
	if sent > 0 {
		log.Infof("Resent %d %s", sent,
			pickNoun(sent, "transaction", "transactions"))
	}
	return sent, nil
}

// unminedFromMe copies own unconfirmed transactions received before the
// given time, or all of them for the zero time.  The caller must hold w.mtx.
func (w *Wallet) unminedFromMe(before time.Time) []*wire.MsgTx {
	var txs []*wire.MsgTx
	for _, rec := range w.txStore.UnminedFromMe() {
		if !before.IsZero() && !rec.Received.Before(before) {
			continue
		}
		txs = append(txs, rec.MsgTx.Copy())
	}
	return txs
}

// broadcast sends tx and records the time it was accepted.
func (w *Wallet) broadcast(chainClient chain.Interface, tx *wire.MsgTx) bool {
	hash := tx.TxHash()
	if _, err := chainClient.SendRawTransaction(tx, false); err != nil {
		log.Debugf("Unable to broadcast tx %v: %v", hash, err)
		return false
	}

	w.mtx.Lock()
	w.markBroadcast(&hash)
	w.mtx.Unlock()
	return true
}

// markBroadcast stores the broadcast time of a record.  The caller must hold
// w.mtx.
func (w *Wallet) markBroadcast(hash *chainhash.Hash) {
	rec := w.txStore.TxRecord(hash)
	if rec == nil {
		return
	}
	rec.LastBroadcast = time.Now()
	if err := w.db.PutTx(rec); err != nil {
		log.Errorf("Unable to store broadcast time of tx %v: %v", hash,
			err)
	}
}

// resendHandler periodically resends own unconfirmed transactions.
func (w *Wallet) resendHandler() {
	defer w.wg.Done()

	if w.cfg.ResendInterval <= 0 {
		return
	}

	t := ticker.New(w.cfg.ResendInterval)
	t.Resume()
	defer t.Stop()

	quit := w.quitChan()
	for {
		select {
		case <-t.Ticks():
			if _, err := w.ResendWalletTransactions(); err != nil {
				log.Errorf("Unable to resend transactions: %v",
					err)
			}

		case <-quit:
			return
		}
	}
}
