// Copyright (c) 2022 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultBlockPollingInterval is the default interval used for
	// querying the chain server for new blocks.
	DefaultBlockPollingInterval = time.Second * 10

	// DefaultTxPollingInterval is the default interval used for querying
	// the chain server for new mempool transactions.
	DefaultTxPollingInterval = time.Second * 10

	// reorgDepth is the number of recent block hashes remembered in order
	// to detect a reorganization of the best chain.
	reorgDepth = 100
)

// pollingRPC is the subset of the rpcclient.Client methods used by the
// PollingClient.
type pollingRPC interface {
	GetCurrentNet() (wire.BitcoinNet, error)
	GetBestBlock() (*chainhash.Hash, int32, error)
	GetBlockHash(int64) (*chainhash.Hash, error)
	GetBlock(*chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(*chainhash.Hash) (*btcutil.Tx, error)
	SendRawTransaction(*wire.MsgTx, bool) (*chainhash.Hash, error)
	Shutdown()
	WaitForShutdown()
}

// PollingConfig holds all the config options used for setting up a
// PollingClient.
type PollingConfig struct {
	// Conn describes the HTTP POST connection to the chain server.
	Conn *rpcclient.ConnConfig

	// Chain defines a Bitcoin network by its parameters.
	Chain *chaincfg.Params

	// BlockTicker fires whenever the chain server should be asked for its
	// best block. A ticker.New(DefaultBlockPollingInterval) is used when
	// nil.
	BlockTicker ticker.Ticker

	// TxTicker fires whenever the chain server's mempool should be
	// inspected. A ticker.New(DefaultTxPollingInterval) is used when nil.
	TxTicker ticker.Ticker
}

// PollingClient is a chain.Interface implementation which learns about new
// blocks and mempool transactions by periodically polling a chain server over
// HTTP POST rather than receiving websocket notifications.
type PollingClient struct {
	rpc         pollingRPC
	chainParams *chaincfg.Params

	blockTicker ticker.Ticker
	txTicker    ticker.Ticker

	mempool *mempool

	// tipMtx guards the remembered chain tip.
	tipMtx    sync.Mutex
	tipHeight int32
	hashes    map[int32]chainhash.Hash

	ntfns chan interface{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	quit      chan struct{}
}

// A compile-time check to ensure that PollingClient satisfies the
// chain.Interface interface.
var _ Interface = (*PollingClient)(nil)

// NewPollingClient creates a new PollingClient connected over HTTP POST to the
// server described by cfg.
func NewPollingClient(cfg *PollingConfig) (*PollingClient, error) {
	if cfg == nil || cfg.Conn == nil {
		return nil, errors.New("missing conn config")
	}
	if cfg.Chain == nil {
		return nil, errors.New("missing chain params config")
	}

	connConfig := *cfg.Conn
	connConfig.HTTPPostMode = true
	connConfig.DisableConnectOnNew = true
	client, err := rpcclient.New(&connConfig, nil)
	if err != nil {
		return nil, err
	}

	return newPollingClient(client, cfg), nil
}

func newPollingClient(rpc pollingRPC, cfg *PollingConfig) *PollingClient {
	blockTicker := cfg.BlockTicker
	if blockTicker == nil {
		blockTicker = ticker.New(DefaultBlockPollingInterval)
	}
	txTicker := cfg.TxTicker
	if txTicker == nil {
		txTicker = ticker.New(DefaultTxPollingInterval)
	}

	return &PollingClient{
		rpc:         rpc,
		chainParams: cfg.Chain,
		blockTicker: blockTicker,
		txTicker:    txTicker,
		mempool:     newMempool(),
		hashes:      make(map[int32]chainhash.Hash),
		ntfns:       make(chan interface{}),
		quit:        make(chan struct{}),
	}
}

// BackEnd returns the name of the driver.
func (c *PollingClient) BackEnd() string {
	return "btcd-rpc-polling"
}

// Start verifies the chain server's network, records its current tip and
// kicks off the polling goroutines.
func (c *PollingClient) Start() error {
	net, err := c.rpc.GetCurrentNet()
	if err != nil {
		return err
	}
	if net != c.chainParams.Net {
		return errors.New("mismatched networks")
	}

	hash, height, err := c.rpc.GetBestBlock()
	if err != nil {
		return err
	}

	c.tipMtx.Lock()
	c.tipHeight = height
	c.hashes[height] = *hash
	c.tipMtx.Unlock()

	c.startOnce.Do(func() {
		c.blockTicker.Resume()
		c.txTicker.Resume()

		c.wg.Add(2)
		go c.blockHandler()
		go c.txHandler()
	})

	return nil
}

// Stop signals all polling goroutines to exit. The notification channel is
// closed once they have.
func (c *PollingClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.blockTicker.Stop()
		c.txTicker.Stop()
		c.rpc.Shutdown()

		go func() {
			c.wg.Wait()
			close(c.ntfns)
		}()
	})
}

// WaitForShutdown blocks until all polling goroutines have exited.
func (c *PollingClient) WaitForShutdown() {
	c.rpc.WaitForShutdown()
	c.wg.Wait()
}

// Notifications returns the channel over which chain notifications are
// delivered.
func (c *PollingClient) Notifications() <-chan interface{} {
	return c.ntfns
}

// GetBestBlock returns the hash and height of the chain server's best block.
func (c *PollingClient) GetBestBlock() (*chainhash.Hash, int32, error) {
	return c.rpc.GetBestBlock()
}

// GetBlockHash returns the hash of the main chain block at the given height.
func (c *PollingClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return c.rpc.GetBlockHash(height)
}

// GetBlock returns the block with the given hash.
func (c *PollingClient) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	return c.rpc.GetBlock(hash)
}

// SendRawTransaction submits tx to the chain server.
func (c *PollingClient) SendRawTransaction(tx *wire.MsgTx,
	allowHighFees bool) (*chainhash.Hash, error) {

	return c.rpc.SendRawTransaction(tx, allowHighFees)
}

// NotifyReceived is a no-op. Every mempool transaction is delivered and the
// wallet decides relevance itself.
func (c *PollingClient) NotifyReceived([]btcutil.Address) error {
	return nil
}

// NotifyBlocks is a no-op. Block notifications are always delivered.
func (c *PollingClient) NotifyBlocks() error {
	return nil
}

func (c *PollingClient) send(n interface{}) bool {
	select {
	case c.ntfns <- n:
		return true
	case <-c.quit:
		return false
	}
}

// blockHandler polls the chain server's best block on every tick of the block
// ticker, sending BlockDisconnected notifications for each remembered block
// that left the main chain followed by BlockConnected notifications for each
// new one.
func (c *PollingClient) blockHandler() {
	defer c.wg.Done()

	if !c.send(ClientConnected{}) {
		return
	}

	for {
		select {
		case <-c.blockTicker.Ticks():
			if err := c.pollBlocks(); err != nil {
				log.Errorf("Unable to poll for blocks: %v", err)
			}

		case <-c.quit:
			return
		}
	}
}

func (c *PollingClient) pollBlocks() error {
	bestHash, bestHeight, err := c.rpc.GetBestBlock()
	if err != nil {
		return err
	}

	c.tipMtx.Lock()
	defer c.tipMtx.Unlock()

	if tip, ok := c.hashes[c.tipHeight]; ok && tip == *bestHash {
		return nil
	}

	// Walk back from our tip until a remembered block is still on the
	// main chain.
	fork := c.tipHeight
	if bestHeight < fork {
		fork = bestHeight
	}
	for ; fork >= 0; fork-- {
		ours, ok := c.hashes[fork]
		if !ok {
			break
		}
		theirs, err := c.rpc.GetBlockHash(int64(fork))
		if err != nil {
			return err
		}
		if ours == *theirs {
			break
		}
	}

	for height := c.tipHeight; height > fork; height-- {
		hash, ok := c.hashes[height]
		if !ok {
			continue
		}
		log.Infof("Block %v (height %d) disconnected", hash, height)
		n := BlockDisconnected{Block: wtxmgr.Block{
			Hash:   hash,
			Height: height,
		}}
		if !c.send(n) {
			return nil
		}
		delete(c.hashes, height)
	}
	c.tipHeight = fork

	for height := fork + 1; height <= bestHeight; height++ {
		hash, err := c.rpc.GetBlockHash(int64(height))
		if err != nil {
			return err
		}
		block, err := c.rpc.GetBlock(hash)
		if err != nil {
			return err
		}

		n := BlockConnected{
			Block: wtxmgr.Block{Hash: *hash, Height: height},
			Time:  block.Header.Timestamp,
		}
		if !c.send(n) {
			return nil
		}

		c.mempool.clean(block.Transactions)
		c.hashes[height] = *hash
		delete(c.hashes, height-reorgDepth)
		c.tipHeight = height
	}

	return nil
}

// txHandler inspects the chain server's mempool on every tick of the tx
// ticker and delivers each transaction not seen before.
func (c *PollingClient) txHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.txTicker.Ticks():
			if err := c.pollMempool(); err != nil {
				log.Errorf("Unable to poll mempool: %v", err)
			}

		case <-c.quit:
			return
		}
	}
}

func (c *PollingClient) pollMempool() error {
	txids, err := c.rpc.GetRawMempool()
	if err != nil {
		return err
	}

	c.mempool.unmarkAll()
	for _, txid := range txids {
		if c.mempool.containsTx(*txid) {
			c.mempool.mark(*txid)
			continue
		}

		tx, err := c.rpc.GetRawTransaction(txid)
		if err != nil {
			log.Errorf("Unable to fetch transaction %v from "+
				"mempool: %v", txid, err)
			continue
		}

		// Only remember the tx once it was fetched so a failure is
		// retried on the next tick.
		c.mempool.add(*txid)

		rec := wtxmgr.NewTxRecordFromMsgTx(tx.MsgTx(), time.Now())
		if !c.send(RelevantTx{TxRecord: rec}) {
			return nil
		}
	}
	c.mempool.deleteUnmarked()

	return nil
}
