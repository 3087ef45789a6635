// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // bbolt driver
	"github.com/btcsuite/corewallet/internal/cfgutil"
)

const (
	// WalletDBName specified the database filename for the wallet.
	WalletDBName = "wallet.db"

	// DefaultDBTimeout is the default timeout value when opening the wallet
	// database.
	DefaultDBTimeout = 60 * time.Second
)

var (
	// ErrLoaded describes the error condition of attempting to load or
	// create a wallet when the loader has already done so.
	ErrLoaded = errors.New("wallet already loaded")

	// ErrNotLoaded describes the error condition of attempting to close a
	// loaded wallet when a wallet has not been loaded.
	ErrNotLoaded = errors.New("wallet is not loaded")

	// ErrExists describes the error condition of attempting to create a new
	// wallet when one exists already.
	ErrExists = errors.New("wallet already exists")
)

// Create initializes a new wallet in db: the key pool is filled and its
// first key becomes the default key.
func Create(db walletdb.DB, cfg *Config) (*Wallet, error) {
	if err := createNamespace(db); err != nil {
		return nil, err
	}

	w := newWallet(db, cfg)

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.keyPool.TopUp(); err != nil {
		return nil, err
	}
	pub, err := w.getKeyFromPool(false)
	if err != nil {
		return nil, err
	}
	if err := w.setDefaultKey(pub); err != nil {
		return nil, err
	}
	addr, err := w.keyStore.Address(pub)
	if err != nil {
		return nil, err
	}
	if err := w.setAddressBookName(addr, ""); err != nil {
		return nil, err
	}

	log.Infof("Created wallet with default address %v", addr)
	return w, nil
}

// Open loads the wallet stored in db by replaying every record.  An
// unencrypted wallet has its key pool topped up.
func Open(db walletdb.DB, cfg *Config) (*Wallet, error) {
	w := newWallet(db, cfg)

	state, err := w.db.load()
	if err != nil {
		return nil, err
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, mk := range state.masterKeys {
		if err := w.keyStore.LoadMasterKey(mk); err != nil {
			return nil, err
		}
	}
	for _, rec := range state.keys {
		if err := w.keyStore.LoadKey(rec); err != nil {
			return nil, fmt.Errorf("key %x: %w",
				rec.PubKey.SerializeCompressed(), err)
		}
	}
	for _, e := range state.pool {
		if err := w.keyPool.Load(e); err != nil {
			return nil, err
		}
	}
	w.keyPool.LoadNextIndex(state.nextPoolIndex)
	for _, rec := range state.txs {
		w.txStore.Load(rec)
	}

	w.addrBook = state.addrBook
	w.changeKeys = state.changeKeys
	w.defaultKey = state.defaultKey
	w.needRescan = state.needRescan
	w.acctEntries = state.acctEntries
	if state.bestBlock != nil {
		w.bestBlock = state.bestBlock
		w.txStore.SetSyncedTo(state.bestBlock.Height)
	}

	log.Infof("Opened wallet: %d %s, %d %s, key pool size %d, %v",
		w.keyStore.NumKeys(), pickNoun(w.keyStore.NumKeys(), "key", "keys"),
		len(state.txs), pickNoun(len(state.txs), "transaction",
			"transactions"), w.keyPool.Size(), w.keyStore.State())

	if !w.keyStore.IsLocked() {
		if err := w.keyPool.TopUp(); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Loader implements the creating of new and opening of existing wallets, while
// providing a callback system for other subsystems to handle the loading of a
// wallet.
//
// Loader is safe for concurrent access.
type Loader struct {
	cfg            *Config
	callbacks      []func(*Wallet)
	dbDirPath      string
	noFreelistSync bool
	timeout        time.Duration
	wallet         *Wallet
	db             walletdb.DB
	mu             sync.Mutex
}

// NewLoader constructs a Loader for the wallet database in dbDirPath.
func NewLoader(cfg *Config, dbDirPath string, noFreelistSync bool,
	timeout time.Duration) *Loader {

	return &Loader{
		cfg:            cfg,
		dbDirPath:      dbDirPath,
		noFreelistSync: noFreelistSync,
		timeout:        timeout,
	}
}

// onLoaded executes each added callback and prevents loader from loading any
// additional wallets.  Requires mutex to be locked.
func (l *Loader) onLoaded(w *Wallet) {
	for _, fn := range l.callbacks {
		fn(w)
	}

	l.wallet = w
	l.callbacks = nil // not needed anymore
}

// RunAfterLoad adds a function to be executed when the loader creates or opens
// a wallet.  Functions are executed in a single goroutine in the order they are
// added.
func (l *Loader) RunAfterLoad(fn func(*Wallet)) {
	l.mu.Lock()
	if l.wallet != nil {
		w := l.wallet
		l.mu.Unlock()
		fn(w)
	} else {
		l.callbacks = append(l.callbacks, fn)
		l.mu.Unlock()
	}
}

// CreateNewWallet creates a new wallet.  When privPassphrase is set the
// wallet is encrypted with it and left locked.
func (l *Loader) CreateNewWallet(privPassphrase []byte) (*Wallet, error) {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.wallet != nil {
		return nil, ErrLoaded
	}

	exists, err := l.WalletExists()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrExists
	}

	// Create the wallet database backed by bolt db.
	if err := os.MkdirAll(l.dbDirPath, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(l.dbDirPath, WalletDBName)
	db, err := walletdb.Create(
		"bdb", dbPath, l.noFreelistSync, l.timeout,
	)
	if err != nil {
		return nil, err
	}

	w, err := Create(db, l.cfg)
	if err == nil && len(privPassphrase) > 0 {
		if _, err = w.Encrypt(privPassphrase); err == nil {
			err = w.Lock()
		}
	}
	if err != nil {
		if e := db.Close(); e != nil {
			log.Warnf("Error closing database: %v", e)
		}
		return nil, err
	}

	l.db = db
	l.onLoaded(w)
	return w, nil
}

// OpenExistingWallet opens the wallet from the loader's wallet database path.
func (l *Loader) OpenExistingWallet() (*Wallet, error) {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.wallet != nil {
		return nil, ErrLoaded
	}

	// Open the database using the boltdb backend.
	dbPath := filepath.Join(l.dbDirPath, WalletDBName)
	db, err := walletdb.Open(
		"bdb", dbPath, l.noFreelistSync, l.timeout,
	)
	if err != nil {
		log.Errorf("Failed to open database: %v", err)
		return nil, err
	}

	w, err := Open(db, l.cfg)
	if err != nil {
		// If opening the wallet fails, we must close the backing
		// database to allow future calls to walletdb.Open().
		if e := db.Close(); e != nil {
			log.Warnf("Error closing database: %v", e)
		}
		return nil, err
	}

	l.db = db
	l.onLoaded(w)
	return w, nil
}

// WalletExists returns whether a file exists at the loader's database path.
// This may return an error for unexpected I/O failures.
func (l *Loader) WalletExists() (bool, error) {
	dbPath := filepath.Join(l.dbDirPath, WalletDBName)
	return cfgutil.FileExists(dbPath)
}

// LoadedWallet returns the loaded wallet, if any, and a bool for whether the
// wallet has been loaded or not.  If true, the wallet pointer should be safe to
// dereference.
func (l *Loader) LoadedWallet() (*Wallet, bool) {
	l.mu.Lock()
	w := l.wallet
	l.mu.Unlock()
	return w, w != nil
}

// UnloadWallet stops the loaded wallet, if any, and closes the wallet database.
// This returns ErrNotLoaded if the wallet has not been loaded with
// CreateNewWallet or OpenExistingWallet.  The Loader may be reused if this
// function returns without error.
func (l *Loader) UnloadWallet() error {
	defer l.mu.Unlock()
	l.mu.Lock()

	if l.wallet == nil {
		return ErrNotLoaded
	}

	l.wallet.Stop()
	l.wallet.WaitForShutdown()
	if err := l.db.Close(); err != nil {
		return err
	}

	l.wallet = nil
	l.db = nil
	return nil
}
