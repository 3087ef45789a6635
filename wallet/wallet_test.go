// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/corewallet/keystore"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

var (
	testPassphrase = []byte("hunter2")

	// fundingCounter makes the outpoints spent by funding transactions
	// unique.
	fundingCounter uint32
)

func testConfig() *Config {
	cfg := DefaultConfig(&chaincfg.RegressionNetParams)
	cfg.MinConfTheirs = 0
	cfg.KeyPoolSize = 5
	cfg.ResendInterval = 0
	cfg.ScryptOptions = &keystore.FastScryptOptions
	cfg.Rand = rand.NewSource(1)
	return cfg
}

func testDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), WalletDBName)
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testWallet creates a wallet in a fresh database.
func testWallet(t *testing.T, cfg *Config) (*Wallet, walletdb.DB) {
	t.Helper()

	db := testDB(t)
	w, err := Create(db, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Stop()
		w.WaitForShutdown()
	})

	return w, db
}

// externalScript returns a pay-to-pubkey-hash script of a key the wallet
// does not hold.
func externalScript(t *testing.T) []byte {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return pkScript
}

// keyScript returns the pay-to-pubkey-hash script of pub.
func keyScript(t *testing.T, pub *btcec.PublicKey) []byte {
	t.Helper()

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return pkScript
}

// fundingTx returns a transaction from elsewhere paying each amount to
// pkScript.
func fundingTx(pkScript []byte, amounts ...btcutil.Amount) *wire.MsgTx {
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], atomic.AddUint32(&fundingCounter, 1))

	tx := wire.NewMsgTx(wire.TxVersion)
	prev := wire.OutPoint{Hash: chainhash.DoubleHashH(seed[:])}
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, amt := range amounts {
		tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))
	}
	return tx
}

// receive records an unmined transaction paying amounts to a new labeled
// wallet address.
func receive(t *testing.T, w *Wallet,
	amounts ...btcutil.Amount) *wtxmgr.TxRecord {

	t.Helper()

	addr, err := w.NewAddress("payer")
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	rec := wtxmgr.NewTxRecordFromMsgTx(fundingTx(pkScript, amounts...),
		time.Now())
	added, err := w.OnAcceptTransaction(rec, nil)
	require.NoError(t, err)
	require.True(t, added)

	return rec
}

func requireBalance(t *testing.T, w *Wallet, want btcutil.Amount) {
	t.Helper()

	bal, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, want, bal)
}

// TestCreateWallet checks the state of a newly created wallet.
func TestCreateWallet(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())

	require.Equal(t, keystore.Unencrypted, w.State())
	require.False(t, w.Locked())
	require.Equal(t, 5, w.KeyPoolSize())

	def := w.DefaultKey()
	require.NotNil(t, def)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(def.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	label, ok := w.AddressBook()[addr.EncodeAddress()]
	require.True(t, ok)
	require.Empty(t, label)

	requireBalance(t, w, 0)
	_, ok = w.BestBlock()
	require.False(t, ok)
}

// TestIngestIdempotent checks that notifying the same transaction twice
// leaves the ledger unchanged.
func TestIngestIdempotent(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())
	rec := receive(t, w, 5e8)
	requireBalance(t, w, 5e8)

	again := wtxmgr.NewTxRecordFromMsgTx(&rec.MsgTx, time.Now())
	added, err := w.OnAcceptTransaction(again, nil)
	require.NoError(t, err)
	require.False(t, added)
	requireBalance(t, w, 5e8)
	require.Len(t, w.UnspentOutputs(), 1)

	// A transaction paying elsewhere is not recorded.
	other := wtxmgr.NewTxRecordFromMsgTx(
		fundingTx(externalScript(t), 1e8), time.Now(),
	)
	added, err = w.OnAcceptTransaction(other, nil)
	require.NoError(t, err)
	require.False(t, added)
	_, ok := w.TxRecord(&other.Hash)
	require.False(t, ok)
}

// TestEncryptUnlockSigning checks the encryption state machine through the
// wallet.
func TestEncryptUnlockSigning(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())

	addr, err := w.NewAddress("")
	require.NoError(t, err)
	before, err := w.PrivKeyForAddress(addr)
	require.NoError(t, err)

	stale, err := w.Encrypt(testPassphrase)
	require.NoError(t, err)
	require.True(t, stale)
	require.Equal(t, keystore.Unlocked, w.State())
	require.Equal(t, 5, w.KeyPoolSize())

	_, err = w.Encrypt(testPassphrase)
	require.True(t, keystore.IsError(err, keystore.ErrAlreadyEncrypted))

	require.NoError(t, w.Lock())
	require.True(t, w.Locked())
	_, err = w.PrivKeyForAddress(addr)
	require.True(t, keystore.IsError(err, keystore.ErrLocked))

	err = w.Unlock([]byte("wrong"))
	require.True(t, keystore.IsError(err, keystore.ErrWrongPassphrase))
	require.Equal(t, keystore.Locked, w.State())

	require.NoError(t, w.Unlock(testPassphrase))
	after, err := w.PrivKeyForAddress(addr)
	require.NoError(t, err)
	require.Equal(t, before.Serialize(), after.Serialize())

	hash := chainhash.DoubleHashB([]byte("message"))
	require.Equal(t, ecdsa.Sign(before, hash).Serialize(),
		ecdsa.Sign(after, hash).Serialize())

	// Changing the passphrase keeps the keys.
	require.NoError(t, w.ChangePassphrase(testPassphrase, []byte("new")))
	require.NoError(t, w.Lock())
	err = w.Unlock(testPassphrase)
	require.True(t, keystore.IsError(err, keystore.ErrWrongPassphrase))
	require.NoError(t, w.Unlock([]byte("new")))
	again, err := w.PrivKeyForAddress(addr)
	require.NoError(t, err)
	require.Equal(t, before.Serialize(), again.Serialize())
}

// TestGetKeyFromPool checks pool consumption and the default key fallback of
// a locked wallet.
func TestGetKeyFromPool(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.KeyPoolSize = 2
	w, _ := testWallet(t, cfg)

	_, err := w.Encrypt(testPassphrase)
	require.NoError(t, err)
	require.NoError(t, w.Lock())
	require.Equal(t, 2, w.KeyPoolSize())

	seen := make(map[string]struct{})
	for i := 0; i < 2; i++ {
		pub, err := w.GetKeyFromPool(false)
		require.NoError(t, err)
		seen[string(pub.SerializeCompressed())] = struct{}{}
	}
	require.Len(t, seen, 2)
	require.Zero(t, w.KeyPoolSize())

	_, err = w.GetKeyFromPool(false)
	require.True(t, keystore.IsError(err, keystore.ErrLocked))

	pub, err := w.GetKeyFromPool(true)
	require.NoError(t, err)
	require.True(t, pub.IsEqual(w.DefaultKey()))

	// Unlocking refills the pool with keys not handed out before.
	require.NoError(t, w.Unlock(testPassphrase))
	require.Equal(t, 2, w.KeyPoolSize())
	pub, err = w.GetKeyFromPool(false)
	require.NoError(t, err)
	_, reused := seen[string(pub.SerializeCompressed())]
	require.False(t, reused)
}

// TestAddressBook checks labels and their effect on change classification.
func TestAddressBook(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())

	pub, err := w.GetKeyFromPool(false)
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	require.True(t, w.IsMine(pkScript))
	require.True(t, w.IsChange(pkScript))

	require.NoError(t, w.SetAddressBookName(addr, "alice"))
	require.Equal(t, "alice", w.AddressBook()[addr.EncodeAddress()])
	require.False(t, w.IsChange(pkScript))

	require.NoError(t, w.DelAddressBookName(addr))
	_, ok := w.AddressBook()[addr.EncodeAddress()]
	require.False(t, ok)
	require.True(t, w.IsChange(pkScript))

	// Scripts paying elsewhere are neither.
	ext := externalScript(t)
	require.False(t, w.IsMine(ext))
	require.False(t, w.IsChange(ext))
}

// TestImportPrivateKey checks that an imported key is owned and flags a
// rescan.
func TestImportPrivateKey(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := w.ImportPrivateKey(priv, true)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	require.True(t, w.IsMine(pkScript))
	require.Contains(t, w.Addresses(), addr)

	w.mtx.Lock()
	needRescan := w.needRescan
	w.mtx.Unlock()
	require.True(t, needRescan)

	_, err = w.ImportPrivateKey(priv, false)
	require.Error(t, err)
}

// TestEraseTransaction checks that erasing an own transaction makes its
// inputs spendable again.
func TestEraseTransaction(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())
	receive(t, w, 5e8)

	created, err := w.CreateTransaction([]*wire.TxOut{
		wire.NewTxOut(2e8, externalScript(t)),
	})
	require.NoError(t, err)
	rec, err := w.CommitTransaction(created)
	require.NoError(t, err)
	requireBalance(t, w, 3e8)

	require.NoError(t, w.EraseTransaction(&rec.Hash))
	requireBalance(t, w, 5e8)
	_, ok := w.TxRecord(&rec.Hash)
	require.False(t, ok)
}
