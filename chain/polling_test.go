package chain

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// mockRPC is an in-memory chain server.
type mockRPC struct {
	mu      sync.Mutex
	net     wire.BitcoinNet
	blocks  []*wire.MsgBlock
	mempool []*wire.MsgTx
	sent    []*wire.MsgTx
}

var _ pollingRPC = (*mockRPC)(nil)

func newBlock(nonce uint32, txs ...*wire.MsgTx) *wire.MsgBlock {
	return &wire.MsgBlock{
		Header: wire.BlockHeader{
			Nonce:     nonce,
			Timestamp: time.Unix(int64(nonce)*600, 0),
		},
		Transactions: txs,
	}
}

func (m *mockRPC) GetCurrentNet() (wire.BitcoinNet, error) {
	return m.net, nil
}

func (m *mockRPC) GetBestBlock() (*chainhash.Hash, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.blocks[len(m.blocks)-1].BlockHash()
	return &tip, int32(len(m.blocks) - 1), nil
}

func (m *mockRPC) GetBlockHash(height int64) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if height < 0 || height >= int64(len(m.blocks)) {
		return nil, errors.New("block height out of range")
	}
	hash := m.blocks[height].BlockHash()
	return &hash, nil
}

func (m *mockRPC) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.blocks {
		if b.BlockHash() == *hash {
			return b, nil
		}
	}
	return nil, errors.New("block not found")
}

func (m *mockRPC) GetRawMempool() ([]*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := make([]*chainhash.Hash, 0, len(m.mempool))
	for _, tx := range m.mempool {
		hash := tx.TxHash()
		hashes = append(hashes, &hash)
	}
	return hashes, nil
}

func (m *mockRPC) GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.mempool {
		if tx.TxHash() == *hash {
			return btcutil.NewTx(tx), nil
		}
	}
	return nil, errors.New("tx not found")
}

func (m *mockRPC) SendRawTransaction(tx *wire.MsgTx, _ bool) (*chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (m *mockRPC) Shutdown()        {}
func (m *mockRPC) WaitForShutdown() {}

func (m *mockRPC) setBlocks(blocks ...*wire.MsgBlock) {
	m.mu.Lock()
	m.blocks = blocks
	m.mu.Unlock()
}

func (m *mockRPC) setMempool(txs ...*wire.MsgTx) {
	m.mu.Lock()
	m.mempool = txs
	m.mu.Unlock()
}

func recvNtfn(t *testing.T, c *PollingClient) interface{} {
	t.Helper()

	select {
	case n := <-c.Notifications():
		return n
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for notification")
		return nil
	}
}

func newTestPollingClient(t *testing.T, rpc *mockRPC) (*PollingClient,
	*ticker.Force, *ticker.Force) {

	blockTicker := ticker.NewForce(time.Hour)
	txTicker := ticker.NewForce(time.Hour)
	c := newPollingClient(rpc, &PollingConfig{
		Chain:       &chaincfg.RegressionNetParams,
		BlockTicker: blockTicker,
		TxTicker:    txTicker,
	})
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	_, ok := recvNtfn(t, c).(ClientConnected)
	require.True(t, ok)

	return c, blockTicker, txTicker
}

func TestPollingClientMismatchedNet(t *testing.T) {
	rpc := &mockRPC{
		net:    wire.MainNet,
		blocks: []*wire.MsgBlock{newBlock(0)},
	}
	c := newPollingClient(rpc, &PollingConfig{
		Chain: &chaincfg.RegressionNetParams,
	})
	require.ErrorContains(t, c.Start(), "mismatched networks")
}

func TestPollingClientBlocks(t *testing.T) {
	b0, b1 := newBlock(0), newBlock(1)
	rpc := &mockRPC{
		net:    chaincfg.RegressionNetParams.Net,
		blocks: []*wire.MsgBlock{b0, b1},
	}
	c, blockTicker, _ := newTestPollingClient(t, rpc)

	// A new block is connected.
	b2 := newBlock(2)
	rpc.setBlocks(b0, b1, b2)
	blockTicker.Force <- time.Now()

	n := recvNtfn(t, c)
	connected, ok := n.(BlockConnected)
	require.True(t, ok, "got %T", n)
	require.Equal(t, int32(2), connected.Height)
	require.Equal(t, b2.BlockHash(), connected.Hash)
	require.Equal(t, b2.Header.Timestamp, connected.Time)

	// Block 2 is replaced by a longer fork.
	b2a, b3a := newBlock(20), newBlock(30)
	rpc.setBlocks(b0, b1, b2a, b3a)
	blockTicker.Force <- time.Now()

	n = recvNtfn(t, c)
	disconnected, ok := n.(BlockDisconnected)
	require.True(t, ok, "got %T", n)
	require.Equal(t, int32(2), disconnected.Height)
	require.Equal(t, b2.BlockHash(), disconnected.Hash)

	for i, want := range []*wire.MsgBlock{b2a, b3a} {
		n = recvNtfn(t, c)
		connected, ok := n.(BlockConnected)
		require.True(t, ok, "got %T", n)
		require.Equal(t, int32(2+i), connected.Height)
		require.Equal(t, want.BlockHash(), connected.Hash)
	}
}

func TestPollingClientMempool(t *testing.T) {
	rpc := &mockRPC{
		net:    chaincfg.RegressionNetParams.Net,
		blocks: []*wire.MsgBlock{newBlock(0)},
	}
	c, _, txTicker := newTestPollingClient(t, rpc)

	tx1 := &wire.MsgTx{Version: 1, LockTime: 1}
	rpc.setMempool(tx1)
	txTicker.Force <- time.Now()

	n := recvNtfn(t, c)
	relevant, ok := n.(RelevantTx)
	require.True(t, ok, "got %T", n)
	require.Equal(t, tx1.TxHash(), relevant.TxRecord.Hash)
	require.Nil(t, relevant.Block)

	// Only the unseen transaction is delivered on the next poll.
	tx2 := &wire.MsgTx{Version: 1, LockTime: 2}
	rpc.setMempool(tx1, tx2)
	txTicker.Force <- time.Now()

	n = recvNtfn(t, c)
	relevant, ok = n.(RelevantTx)
	require.True(t, ok, "got %T", n)
	require.Equal(t, tx2.TxHash(), relevant.TxRecord.Hash)
}

func TestPollingClientSend(t *testing.T) {
	rpc := &mockRPC{
		net:    chaincfg.RegressionNetParams.Net,
		blocks: []*wire.MsgBlock{newBlock(0)},
	}
	c := newPollingClient(rpc, &PollingConfig{
		Chain: &chaincfg.RegressionNetParams,
	})

	tx := &wire.MsgTx{Version: 1}
	hash, err := c.SendRawTransaction(tx, false)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), *hash)
	require.Len(t, rpc.sent, 1)
}
