package wallet

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/wtxmgr"
)

// errTxnAlreadyInMempool is returned when a transaction already exists in
// the mempool.
var errTxnAlreadyInMempool = errors.New("txn-already-in-mempool")

// mockChainClient is an in-memory chain.  Blocks replaced by a reorg stay
// retrievable by hash.
type mockChainClient struct {
	mu sync.Mutex

	mainChain []*wire.MsgBlock
	blocks    map[chainhash.Hash]*wire.MsgBlock

	mempool map[chainhash.Hash]*wire.MsgTx
	sent    []*wire.MsgTx
	sendErr error

	watched      []btcutil.Address
	notifyBlocks bool

	ntfns   chan interface{}
	stopped bool
}

var _ chain.Interface = (*mockChainClient)(nil)

func newMockChainClient() *mockChainClient {
	genesis := *chaincfg.RegressionNetParams.GenesisBlock
	m := &mockChainClient{
		mainChain: []*wire.MsgBlock{&genesis},
		blocks:    make(map[chainhash.Hash]*wire.MsgBlock),
		mempool:   make(map[chainhash.Hash]*wire.MsgTx),
		ntfns:     make(chan interface{}, 100),
	}
	m.blocks[genesis.BlockHash()] = &genesis
	return m
}

// addBlock mines txs on top of the main chain and returns the block's meta.
func (m *mockChainClient) addBlock(txs ...*wire.MsgTx) *wtxmgr.BlockMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.mainChain[len(m.mainChain)-1]
	height := int32(len(m.mainChain))
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: tip.BlockHash(),
			Timestamp: time.Unix(1600000000+int64(height)*600, 0),
			Nonce:     uint32(len(m.blocks)),
		},
		Transactions: txs,
	}
	hash := block.BlockHash()
	m.mainChain = append(m.mainChain, block)
	m.blocks[hash] = block
	for _, tx := range txs {
		delete(m.mempool, tx.TxHash())
	}

	return &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: hash, Height: height},
		Time:  block.Header.Timestamp,
	}
}

// disconnectTip removes the tip of the main chain and returns its meta.
func (m *mockChainClient) disconnectTip() *wtxmgr.BlockMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := int32(len(m.mainChain) - 1)
	tip := m.mainChain[height]
	m.mainChain = m.mainChain[:height]

	return &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{Hash: tip.BlockHash(), Height: height},
		Time:  tip.Header.Timestamp,
	}
}

func (m *mockChainClient) sentTxs() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.sent...)
}

func (m *mockChainClient) watchedAddrs() []btcutil.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]btcutil.Address(nil), m.watched...)
}

func (m *mockChainClient) Start() error {
	return nil
}

func (m *mockChainClient) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockChainClient) WaitForShutdown() {}

func (m *mockChainClient) GetBestBlock() (*chainhash.Hash, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	height := len(m.mainChain) - 1
	hash := m.mainChain[height].BlockHash()
	return &hash, int32(height), nil
}

func (m *mockChainClient) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	block, ok := m.blocks[*hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return block, nil
}

func (m *mockChainClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height < 0 || height >= int64(len(m.mainChain)) {
		return nil, errors.New("block height out of range")
	}
	hash := m.mainChain[height].BlockHash()
	return &hash, nil
}

func (m *mockChainClient) SendRawTransaction(tx *wire.MsgTx,
	_ bool) (*chainhash.Hash, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return nil, m.sendErr
	}
	hash := tx.TxHash()
	if _, ok := m.mempool[hash]; ok {
		return nil, errTxnAlreadyInMempool
	}
	m.mempool[hash] = tx
	m.sent = append(m.sent, tx)
	return &hash, nil
}

func (m *mockChainClient) NotifyReceived(addrs []btcutil.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watched = append(m.watched, addrs...)
	return nil
}

func (m *mockChainClient) NotifyBlocks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifyBlocks = true
	return nil
}

func (m *mockChainClient) Notifications() <-chan interface{} {
	return m.ntfns
}

func (m *mockChainClient) BackEnd() string {
	return "mock"
}
