// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var (
	ownedScript    = []byte{0x76, 0xa9, 0x14, 0x01}
	changeScript   = []byte{0x76, 0xa9, 0x14, 0x02}
	externalScript = []byte{0x76, 0xa9, 0x14, 0x03}
)

// testOwner owns ownedScript and changeScript and treats only the latter as
// change.
type testOwner struct{}

func (testOwner) IsMine(pkScript []byte) bool {
	return string(pkScript) == string(ownedScript) ||
		string(pkScript) == string(changeScript)
}

func (testOwner) IsChange(pkScript []byte) bool {
	return string(pkScript) == string(changeScript)
}

type memDB struct {
	txs map[chainhash.Hash]*TxRecord
}

func (m *memDB) PutTx(rec *TxRecord) error {
	m.txs[rec.Hash] = rec
	return nil
}

func (m *memDB) DeleteTx(hash *chainhash.Hash) error {
	delete(m.txs, *hash)
	return nil
}

func newTestStore() (*Store, *memDB) {
	db := &memDB{txs: make(map[chainhash.Hash]*TxRecord)}
	return New(testOwner{}, db), db
}

// fundingTx returns a transaction from an unknown source paying value to
// pkScript.
func fundingTx(value int64, pkScript []byte, nonce uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: nonce},
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

// spendTx spends op and pays the given outputs.
func spendTx(op wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func record(tx *wire.MsgTx) *TxRecord {
	return NewTxRecordFromMsgTx(tx, time.Now())
}

func requireBalance(t *testing.T, s *Store, want btcutil.Amount) {
	t.Helper()

	bal, err := s.Balance()
	require.NoError(t, err)
	require.Equal(t, want, bal)
}

func TestAddIfRelevant(t *testing.T) {
	t.Parallel()

	s, db := newTestStore()

	irrelevant := fundingTx(7, externalScript, 0)
	added, err := s.AddIfRelevant(record(irrelevant), nil, true)
	require.NoError(t, err)
	require.False(t, added)
	require.Empty(t, db.txs)

	tx := fundingTx(5, ownedScript, 1)
	added, err = s.AddIfRelevant(record(tx), nil, true)
	require.NoError(t, err)
	require.True(t, added)
	requireBalance(t, s, 5)

	// Re-ingesting the same transaction changes nothing.
	added, err = s.AddIfRelevant(record(tx), nil, true)
	require.NoError(t, err)
	require.False(t, added)
	requireBalance(t, s, 5)

	// A block merges into the existing record only when updates are
	// allowed.
	block := &BlockMeta{
		Block: Block{Hash: chainhash.Hash{0x01}, Height: 10},
		Time:  time.Unix(1e9, 0),
	}
	added, err = s.AddIfRelevant(record(tx), block, false)
	require.NoError(t, err)
	require.False(t, added)

	added, err = s.AddIfRelevant(record(tx), block, true)
	require.NoError(t, err)
	require.True(t, added)

	s.SetSyncedTo(12)
	hash := tx.TxHash()
	rec := s.TxRecord(&hash)
	require.NotNil(t, rec)
	require.Equal(t, int32(3), s.Confirmations(rec))
	require.Equal(t, block, db.txs[hash].Block)
}

func TestSpendAndChange(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()

	fund := fundingTx(5, ownedScript, 0)
	_, err := s.AddIfRelevant(record(fund), nil, true)
	require.NoError(t, err)

	spend := spendTx(
		wire.OutPoint{Hash: fund.TxHash(), Index: 0},
		wire.NewTxOut(2, externalScript),
		wire.NewTxOut(3, changeScript),
	)

	debit, err := s.Debit(spend)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(5), debit)

	credit, err := s.Credit(spend)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(3), credit)

	change, err := s.Change(spend)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(3), change)

	fromMe, err := s.IsFromMe(spend)
	require.NoError(t, err)
	require.True(t, fromMe)

	require.NoError(t, s.MarkSpent(spend))
	require.NoError(t, s.MarkSpent(spend))
	requireBalance(t, s, 0)

	rec := record(spend)
	rec.FromMe = true
	added, err := s.AddIfRelevant(rec, nil, false)
	require.NoError(t, err)
	require.True(t, added)
	requireBalance(t, s, 3)

	unspent := s.UnspentOutputs()
	require.Len(t, unspent, 1)
	require.Equal(t, spend.TxHash(), unspent[0].Hash)
	require.True(t, unspent[0].FromMe)
	require.Equal(t, int32(0), unspent[0].Confirmations)

	require.Len(t, s.UnminedFromMe(), 1)
}

// TestCheckSpendable checks that only transactions spending distinct, owned
// and unspent outputs pass.
func TestCheckSpendable(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()

	fund := fundingTx(5, ownedScript, 0)
	_, err := s.AddIfRelevant(record(fund), nil, true)
	require.NoError(t, err)
	other := fundingTx(7, externalScript, 1)
	s.Load(record(other))

	owned := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	spend := spendTx(owned, wire.NewTxOut(5, externalScript))
	require.NoError(t, s.CheckSpendable(spend))

	twice := spendTx(owned, wire.NewTxOut(5, externalScript))
	twice.AddTxIn(wire.NewTxIn(&owned, nil, nil))

	tests := []struct {
		name string
		tx   *wire.MsgTx
	}{
		{
			name: "unknown",
			tx: spendTx(wire.OutPoint{Index: 9},
				wire.NewTxOut(1, externalScript)),
		},
		{
			name: "not owned",
			tx: spendTx(wire.OutPoint{Hash: other.TxHash()},
				wire.NewTxOut(1, externalScript)),
		},
		{
			name: "index out of range",
			tx: spendTx(wire.OutPoint{Hash: fund.TxHash(), Index: 1},
				wire.NewTxOut(1, externalScript)),
		},
		{
			name: "same output twice",
			tx:   twice,
		},
	}
	for _, test := range tests {
		err := s.CheckSpendable(test.tx)
		if !IsError(err, ErrOutputUnavailable) {
			t.Fatalf("%s: unexpected error %v", test.name, err)
		}
	}

	// Once a transaction spends the output a conflicting one is rejected.
	_, err = s.AddIfRelevant(record(spend), nil, true)
	require.NoError(t, err)
	conflict := spendTx(owned, wire.NewTxOut(4, externalScript))
	err = s.CheckSpendable(conflict)
	require.True(t, IsError(err, ErrOutputUnavailable), "got %v", err)
	require.False(t, IsFatal(err))
}

func TestReplayOrderIndependent(t *testing.T) {
	t.Parallel()

	fund := fundingTx(8, ownedScript, 0)
	spend := spendTx(
		wire.OutPoint{Hash: fund.TxHash(), Index: 0},
		wire.NewTxOut(5, externalScript),
		wire.NewTxOut(3, changeScript),
	)
	other := fundingTx(4, ownedScript, 1)

	orders := [][]*wire.MsgTx{
		{fund, spend, other},
		{spend, other, fund},
		{other, fund, spend, fund, spend},
	}
	for i, order := range orders {
		s, _ := newTestStore()
		for _, tx := range order {
			_, err := s.AddIfRelevant(record(tx), nil, true)
			require.NoError(t, err, "order %d", i)
		}
		requireBalance(t, s, 7)
		require.Len(t, s.Records(), 3, "order %d", i)
	}
}

func TestErase(t *testing.T) {
	t.Parallel()

	s, db := newTestStore()

	fund := fundingTx(5, ownedScript, 0)
	_, err := s.AddIfRelevant(record(fund), nil, true)
	require.NoError(t, err)

	spend := spendTx(
		wire.OutPoint{Hash: fund.TxHash(), Index: 0},
		wire.NewTxOut(5, externalScript),
	)
	_, err = s.AddIfRelevant(record(spend), nil, true)
	require.NoError(t, err)
	requireBalance(t, s, 0)

	hash := spend.TxHash()
	require.NoError(t, s.Erase(&hash))
	require.Nil(t, s.TxRecord(&hash))
	require.NotContains(t, db.txs, hash)
	requireBalance(t, s, 5)

	err = s.Erase(&hash)
	require.True(t, IsError(err, ErrTxRecordNotFound), "got %v", err)
}

func TestAmountOutOfRange(t *testing.T) {
	t.Parallel()

	s, db := newTestStore()

	tx := fundingTx(int64(btcutil.MaxSatoshi)+1, ownedScript, 0)
	added, err := s.AddIfRelevant(record(tx), nil, true)
	require.False(t, added)
	require.True(t, IsFatal(err), "got %v", err)
	require.Empty(t, db.txs)

	// Two valid outputs whose sum overflows the range are also rejected.
	tx = wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{})
	tx.AddTxOut(wire.NewTxOut(int64(btcutil.MaxSatoshi), ownedScript))
	tx.AddTxOut(wire.NewTxOut(1, changeScript))
	_, err = s.Credit(tx)
	require.True(t, IsError(err, ErrAmountOutOfRange), "got %v", err)
}

func TestBlockDisconnected(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	block := &BlockMeta{
		Block: Block{Hash: chainhash.Hash{0x02}, Height: 5},
	}

	tx := fundingTx(5, ownedScript, 0)
	_, err := s.AddIfRelevant(record(tx), block, true)
	require.NoError(t, err)
	s.SetSyncedTo(5)

	second := fundingTx(3, ownedScript, 1)
	_, err = s.AddIfRelevant(record(second), block, true)
	require.NoError(t, err)

	hash := tx.TxHash()
	require.Equal(t, int32(1), s.Confirmations(s.TxRecord(&hash)))

	// Each block is listed once however many records it holds.
	require.Equal(t, map[int32][]chainhash.Hash{5: {block.Hash}},
		s.MinedBlocks())

	require.NoError(t, s.BlockDisconnected(&block.Block))
	require.Nil(t, s.TxRecord(&hash).Block)
	require.Empty(t, s.MinedBlocks())
	require.Equal(t, int32(0), s.Confirmations(s.TxRecord(&hash)))
	require.Equal(t, int32(4), s.SyncedHeight())

	// The records are kept and still count towards the balance.
	requireBalance(t, s, 8)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	s, db := newTestStore()

	fund := fundingTx(5, ownedScript, 0)
	_, err := s.AddIfRelevant(record(fund), nil, true)
	require.NoError(t, err)
	spend := spendTx(
		wire.OutPoint{Hash: fund.TxHash(), Index: 0},
		wire.NewTxOut(1, externalScript),
		wire.NewTxOut(4, changeScript),
	)
	_, err = s.AddIfRelevant(record(spend), nil, true)
	require.NoError(t, err)

	loaded := New(testOwner{}, nil)
	for _, rec := range db.txs {
		loaded.Load(rec)
	}
	requireBalance(t, loaded, 4)

	// Erasing after a replay still frees the consumed output.
	hash := spend.TxHash()
	require.NoError(t, loaded.Erase(&hash))
	requireBalance(t, loaded, 5)
}
