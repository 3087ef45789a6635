// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wtxmgr"
)

// Start associates the wallet with a started chain client and begins
// processing its notifications and resending unconfirmed transactions.
func (w *Wallet) Start(chainClient chain.Interface) {
	w.quitMtx.Lock()
	select {
	case <-w.quit:
		// Restart the wallet goroutines after shutdown finishes.
		w.WaitForShutdown()
		w.quit = make(chan struct{})
	default:
		// Ignore when the wallet is still running.
		if w.started {
			w.quitMtx.Unlock()
			return
		}
		w.started = true
	}
	w.quitMtx.Unlock()

	w.chainClientLock.Lock()
	w.chainClient = chainClient
	w.chainClientLock.Unlock()

	w.wg.Add(2)
	go w.handleChainNotifications(chainClient)
	go w.resendHandler()
}

// quitChan atomically reads the quit channel.
func (w *Wallet) quitChan() <-chan struct{} {
	w.quitMtx.Lock()
	c := w.quit
	w.quitMtx.Unlock()
	return c
}

// Stop signals all wallet goroutines to shutdown.
func (w *Wallet) Stop() {
	w.quitMtx.Lock()
	quit := w.quit
	w.quitMtx.Unlock()

	select {
	case <-quit:
	default:
		close(quit)
		w.chainClientLock.Lock()
		if w.chainClient != nil {
			w.chainClient.Stop()
		}
		w.chainClientLock.Unlock()
	}
}

// ShuttingDown returns whether the wallet is currently in the process of
// shutting down or not.
func (w *Wallet) ShuttingDown() bool {
	select {
	case <-w.quitChan():
		return true
	default:
		return false
	}
}

// WaitForShutdown blocks until all wallet goroutines have finished executing.
func (w *Wallet) WaitForShutdown() {
	w.chainClientLock.Lock()
	if w.chainClient != nil {
		w.chainClient.WaitForShutdown()
	}
	w.chainClientLock.Unlock()
	w.wg.Wait()
}

// requireChainClient returns the chain client of a running wallet.
func (w *Wallet) requireChainClient() (chain.Interface, error) {
	if w.ShuttingDown() {
		return nil, ErrWalletShuttingDown
	}

	w.chainClientLock.Lock()
	chainClient := w.chainClient
	w.chainClientLock.Unlock()
	if chainClient == nil {
		return nil, ErrNoChainClient
	}
	return chainClient, nil
}

// ChainClient returns the chain client of the wallet, nil before Start.
func (w *Wallet) ChainClient() chain.Interface {
	w.chainClientLock.Lock()
	defer w.chainClientLock.Unlock()

	return w.chainClient
}

func (w *Wallet) handleChainNotifications(chainClient chain.Interface) {
	defer w.wg.Done()

	sync := func() {
		defer w.wg.Done()

		// At the moment there is no recourse if the rescan fails for
		// some reason; it is retried on the next connection.
		err := w.syncWithChain(chainClient)
		if err != nil && !w.ShuttingDown() {
			log.Warnf("Unable to synchronize wallet to chain: %v", err)
		}
	}

	quit := w.quitChan()
	notifications := chainClient.Notifications()
	for {
		select {
		case <-quit:
			return

		case n, ok := <-notifications:
			if !ok {
				return
			}

			var err error
			switch n := n.(type) {
			case chain.ClientConnected:
				w.wg.Add(1)
				go sync()
			case chain.BlockConnected:
				err = w.connectBlock(chainClient, wtxmgr.BlockMeta(n))
			case chain.BlockDisconnected:
				err = w.disconnectBlock(chainClient,
					wtxmgr.BlockMeta(n))
			case chain.RelevantTx:
				_, err = w.OnAcceptTransaction(n.TxRecord, n.Block)
			}
			if err != nil {
				log.Errorf("Cannot handle chain server "+
					"notification: %v", err)
			}
		}
	}
}

// OnAcceptTransaction records a transaction entering the mempool or, when
// block is set, a block.  Notifying the same transaction again is harmless.
func (w *Wallet) OnAcceptTransaction(rec *wtxmgr.TxRecord,
	block *wtxmgr.BlockMeta) (bool, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.txStore.AddIfRelevant(rec, block, true)
}

// OnAcceptBlock records every relevant transaction of a block connected to
// the main chain and moves the chain checkpoint to it.
func (w *Wallet) OnAcceptBlock(block *wire.MsgBlock,
	meta *wtxmgr.BlockMeta) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.acceptBlock(block, meta)
}

// acceptBlock is OnAcceptBlock without locking.  The caller must hold w.mtx.
func (w *Wallet) acceptBlock(block *wire.MsgBlock,
	meta *wtxmgr.BlockMeta) error {

	var added int
	for _, tx := range block.Transactions {
		rec := wtxmgr.NewTxRecordFromMsgTx(tx, meta.Time)
		ok, err := w.txStore.AddIfRelevant(rec, meta, true)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		log.Infof("Recorded %d %s from block %v (height %d)", added,
			pickNoun(added, "transaction", "transactions"),
			meta.Hash, meta.Height)
	}

	// A rescan of older blocks must not move the checkpoint back.
	if w.bestBlock != nil && meta.Height < w.bestBlock.Height {
		return nil
	}
	b := meta.Block
	return w.setBestBlock(&b)
}

// connectBlock fetches a newly connected block and processes it.
func (w *Wallet) connectBlock(chainClient chain.Interface,
	b wtxmgr.BlockMeta) error {

	block, err := chainClient.GetBlock(&b.Hash)
	if err != nil {
		return fmt.Errorf("unable to fetch block %v: %w", b.Hash, err)
	}
	return w.OnAcceptBlock(block, &b)
}

// disconnectBlock reverts the records mined in a block removed from the
// main chain to unmined and moves the checkpoint to its parent.
func (w *Wallet) disconnectBlock(chainClient chain.Interface,
	b wtxmgr.BlockMeta) error {

	block, err := chainClient.GetBlock(&b.Hash)
	if err != nil {
		return fmt.Errorf("unable to fetch block %v: %w", b.Hash, err)
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.txStore.BlockDisconnected(&b.Block); err != nil {
		return err
	}
	if w.bestBlock == nil || w.bestBlock.Hash != b.Hash {
		return nil
	}

	log.Infof("Disconnected block %v (height %d)", b.Hash, b.Height)
	return w.setBestBlock(&wtxmgr.Block{
		Hash:   block.Header.PrevBlock,
		Height: b.Height - 1,
	})
}
