// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/corewallet/chain"
	"github.com/btcsuite/corewallet/coinselect"
	"github.com/btcsuite/corewallet/keypool"
	"github.com/btcsuite/corewallet/keystore"
	"github.com/btcsuite/corewallet/wtxmgr"
)

const (
	// DefaultMinConfMine is the number of confirmations required of
	// outputs of the wallet's own transactions before they are spent.
	DefaultMinConfMine = 0

	// DefaultMinConfTheirs is the number of confirmations required of
	// outputs received from others before they are spent.
	DefaultMinConfTheirs = 1

	// DefaultMaxFeeRetries bounds the rounds of the fee loop of
	// CreateTransaction.
	DefaultMaxFeeRetries = 10

	// DefaultResendInterval is how often own unconfirmed transactions are
	// rebroadcast.
	DefaultResendInterval = 30 * time.Minute
)

// Config holds the policy knobs of a wallet.
type Config struct {
	// ChainParams selects the network addresses are encoded for.
	ChainParams *chaincfg.Params

	// FeeRate is the fee paid per kilobyte of serialized transaction.
	// It is also the relay fee used to decide which outputs are dust.
	FeeRate btcutil.Amount

	// MinConfMine and MinConfTheirs are the confirmations required of
	// outputs before coin selection may spend them, split by whether the
	// transaction creating them came from this wallet.
	MinConfMine   int32
	MinConfTheirs int32

	// TreatUnlabeledAsChange classifies owned outputs paying an address
	// without an address book entry as change.  When false, only outputs
	// paying keys reserved as change by CreateTransaction are change.
	TreatUnlabeledAsChange bool

	// MaxFeeRetries bounds the rounds of the fee loop.
	MaxFeeRetries int

	// KeyPoolSize is the number of unused keys kept in the pool.
	KeyPoolSize int

	// ResendInterval is how often own unconfirmed transactions are
	// rebroadcast.  Zero disables rebroadcasting.
	ResendInterval time.Duration

	// ScryptOptions sets the cost of passphrase key derivation.
	ScryptOptions *keystore.ScryptOptions

	// Rand seeds coin selection and input ordering.  A nil value is
	// seeded from the clock.
	Rand rand.Source
}

// DefaultConfig returns the default policy for the passed network.
func DefaultConfig(params *chaincfg.Params) *Config {
	return &Config{
		ChainParams:            params,
		MinConfMine:            DefaultMinConfMine,
		MinConfTheirs:          DefaultMinConfTheirs,
		TreatUnlabeledAsChange: true,
		MaxFeeRetries:          DefaultMaxFeeRetries,
		KeyPoolSize:            keypool.DefaultSize,
		ResendInterval:         DefaultResendInterval,
	}
}

// Wallet is a structure containing all the components for a complete wallet.
// Every piece of mutable state is guarded by a single mutex: the key store,
// key pool, transaction store and address book are only ever changed
// together.
type Wallet struct {
	cfg Config
	db  *dbStore

	// mtx guards everything below it.
	mtx         sync.Mutex
	keyStore    *keystore.Store
	keyPool     *keypool.Pool
	txStore     *wtxmgr.Store
	selector    *coinselect.Selector
	rng         *rand.Rand
	addrBook    map[string]string
	changeKeys  map[[20]byte]struct{}
	defaultKey  *btcec.PublicKey
	bestBlock   *wtxmgr.Block
	needRescan  bool
	lastResend  time.Time
	acctEntries []*AccountingEntry

	// watched holds the addresses registered with the chain client.
	watchedMtx sync.Mutex
	watched    map[string]struct{}

	chainClient     chain.Interface
	chainClientLock sync.Mutex

	started bool
	quit    chan struct{}
	quitMtx sync.Mutex
	wg      sync.WaitGroup
}

// owner classifies output scripts for the transaction store.
type owner struct {
	w *Wallet
}

// IsMine returns whether pkScript pays to a key of the wallet.
func (o owner) IsMine(pkScript []byte) bool {
	return o.w.keyStore.IsMine(pkScript)
}

// IsChange returns whether an owned pkScript is change.
func (o owner) IsChange(pkScript []byte) bool {
	return o.w.isChange(pkScript)
}

func newWallet(db walletdb.DB, cfg *Config) *Wallet {
	if cfg == nil {
		cfg = DefaultConfig(&chaincfg.MainNetParams)
	}
	c := *cfg
	if c.MaxFeeRetries <= 0 {
		c.MaxFeeRetries = DefaultMaxFeeRetries
	}
	src := c.Rand
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}

	w := &Wallet{
		cfg:        c,
		db:         &dbStore{db: db},
		rng:        rand.New(src),
		addrBook:   make(map[string]string),
		changeKeys: make(map[[20]byte]struct{}),
		watched:    make(map[string]struct{}),
		quit:       make(chan struct{}),
	}
	w.keyStore = keystore.New(c.ChainParams, w.db, c.ScryptOptions)
	w.keyPool = keypool.New(w.keyStore, w.db, c.KeyPoolSize)
	w.txStore = wtxmgr.New(owner{w}, w.db)
	w.selector = coinselect.NewSelector(w.rng, coinselect.DefaultIterations)
	return w
}

// ChainParams returns the network parameters of the wallet.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.cfg.ChainParams
}

// isChange implements the change policy.  The caller must hold w.mtx.
func (w *Wallet) isChange(pkScript []byte) bool {
	pub, ok := w.keyStore.PubKeyForScript(pkScript)
	if !ok {
		return false
	}

	if !w.cfg.TreatUnlabeledAsChange {
		var h [20]byte
		copy(h[:], btcutil.Hash160(pub.SerializeCompressed()))
		_, ok := w.changeKeys[h]
		return ok
	}

	addr, err := w.keyStore.Address(pub)
	if err != nil {
		return false
	}
	_, labeled := w.addrBook[addr.EncodeAddress()]
	return !labeled
}

// IsMine returns whether the output script pays to a key of the wallet.
func (w *Wallet) IsMine(pkScript []byte) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyStore.IsMine(pkScript)
}

// IsChange returns whether the output script is change under the
// configured policy.
func (w *Wallet) IsChange(pkScript []byte) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.isChange(pkScript)
}

// Balance returns the total value of the wallet's unspent outputs.
func (w *Wallet) Balance() (btcutil.Amount, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.txStore.Balance()
}

// UnspentOutputs returns the wallet's unspent outputs.
func (w *Wallet) UnspentOutputs() []wtxmgr.Credit {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.txStore.UnspentOutputs()
}

// TxRecord returns a copy of the wallet's record of a transaction.
func (w *Wallet) TxRecord(hash *chainhash.Hash) (*wtxmgr.TxRecord, bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	rec := w.txStore.TxRecord(hash)
	if rec == nil {
		return nil, false
	}
	cpy := *rec
	cpy.Spent = append([]bool(nil), rec.Spent...)
	return &cpy, true
}

// Confirmations returns the number of confirmations of the transaction.
func (w *Wallet) Confirmations(hash *chainhash.Hash) int32 {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	rec := w.txStore.TxRecord(hash)
	if rec == nil {
		return 0
	}
	return w.txStore.Confirmations(rec)
}

// TxAmounts reports how a transaction affects the wallet.
type TxAmounts struct {
	Debit  btcutil.Amount
	Credit btcutil.Amount
	Change btcutil.Amount
	FromMe bool
}

// Amounts returns the debit, credit and change of tx with respect to the
// wallet.
func (w *Wallet) Amounts(tx *wire.MsgTx) (*TxAmounts, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	debit, err := w.txStore.Debit(tx)
	if err != nil {
		return nil, err
	}
	credit, err := w.txStore.Credit(tx)
	if err != nil {
		return nil, err
	}
	change, err := w.txStore.Change(tx)
	if err != nil {
		return nil, err
	}
	return &TxAmounts{
		Debit:  debit,
		Credit: credit,
		Change: change,
		FromMe: debit > 0,
	}, nil
}

// EraseTransaction removes a record of one of the wallet's own
// transactions that is known to be invalid.  Outputs it spent become
// spendable again.
func (w *Wallet) EraseTransaction(hash *chainhash.Hash) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.txStore.Erase(hash)
}

// State returns the encryption state of the wallet.
func (w *Wallet) State() keystore.State {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyStore.State()
}

// Locked returns whether private keys are unavailable.
func (w *Wallet) Locked() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyStore.IsLocked()
}

// Encrypt encrypts every private key of an unencrypted wallet under
// passphrase.  The wallet stays unlocked.  Existing key pool entries are
// replaced since they appear in any earlier, unencrypted backup.  The
// returned bool reports whether such backups hold private keys and must be
// replaced.
func (w *Wallet) Encrypt(passphrase []byte) (bool, error) {
	defer w.watchNewAddresses()

	w.mtx.Lock()
	defer w.mtx.Unlock()

	stale, err := w.keyStore.Encrypt(passphrase)
	if err != nil {
		return false, err
	}
	if err := w.keyPool.Flush(); err != nil {
		return stale, err
	}

	if stale {
		log.Warnf("Wallet encrypted; earlier unencrypted backups " +
			"must be securely replaced")
	}
	return stale, nil
}

// Unlock makes private keys available.  The key pool is topped up while the
// keys are usable.
func (w *Wallet) Unlock(passphrase []byte) error {
	defer w.watchNewAddresses()

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.keyStore.Unlock(passphrase); err != nil {
		return err
	}
	if err := w.keyPool.TopUp(); err != nil {
		log.Errorf("Unable to top up key pool: %v", err)
	}
	return nil
}

// Lock tops up the key pool and forgets the decryption key.
func (w *Wallet) Lock() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.keyStore.State() == keystore.Unlocked {
		if err := w.keyPool.TopUp(); err != nil {
			log.Errorf("Unable to top up key pool: %v", err)
		}
	}
	return w.keyStore.Lock()
}

// ChangePassphrase re-wraps the master key under a new passphrase.
func (w *Wallet) ChangePassphrase(old, new []byte) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyStore.ChangePassphrase(old, new)
}

// TopUpKeyPool fills the key pool to its configured size.
func (w *Wallet) TopUpKeyPool() error {
	w.mtx.Lock()
	err := w.keyPool.TopUp()
	w.mtx.Unlock()
	if err != nil {
		return err
	}

	w.watchNewAddresses()
	return nil
}

// KeyPoolSize returns the number of unused keys in the pool.
func (w *Wallet) KeyPoolSize() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyPool.Size()
}

// KeyPoolOldestTime returns the creation time of the oldest unused key.
func (w *Wallet) KeyPoolOldestTime() time.Time {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyPool.OldestTime()
}

// topUpIfUnlocked refills the key pool when new keys can be generated.  The
// caller must hold w.mtx.
func (w *Wallet) topUpIfUnlocked() {
	if w.keyStore.IsLocked() {
		return
	}
	if err := w.keyPool.TopUp(); err != nil {
		log.Errorf("Unable to top up key pool: %v", err)
	}
}

// getKeyFromPool reserves and keeps a pool key, leaving an unlocked pool at
// its configured size.  The caller must hold w.mtx.
func (w *Wallet) getKeyFromPool(allowReuse bool) (*btcec.PublicKey, error) {
	w.topUpIfUnlocked()

	e, err := w.keyPool.Reserve()
	if err != nil {
		if allowReuse && w.defaultKey != nil {
			log.Warnf("Key pool exhausted, reusing default key")
			return w.defaultKey, nil
		}
		return nil, err
	}
	if err := w.keyPool.Keep(e.Index); err != nil {
		return nil, err
	}
	w.topUpIfUnlocked()

	return e.PubKey, nil
}

// GetKeyFromPool permanently takes a key from the pool.  When the pool is
// exhausted and the wallet is locked, allowReuse returns the default key
// instead of failing.
func (w *Wallet) GetKeyFromPool(allowReuse bool) (*btcec.PublicKey, error) {
	w.mtx.Lock()
	pub, err := w.getKeyFromPool(allowReuse)
	w.mtx.Unlock()
	if err != nil {
		return nil, err
	}

	w.watchNewAddresses()
	return pub, nil
}

// NewAddress returns a fresh pay-to-pubkey-hash address from the key pool,
// labeled in the address book.
func (w *Wallet) NewAddress(label string) (btcutil.Address, error) {
	w.mtx.Lock()
	pub, err := w.getKeyFromPool(false)
	if err != nil {
		w.mtx.Unlock()
		return nil, err
	}
	addr, err := w.keyStore.Address(pub)
	if err == nil {
		err = w.setAddressBookName(addr, label)
	}
	w.mtx.Unlock()
	if err != nil {
		return nil, err
	}

	w.watchNewAddresses()
	return addr, nil
}

// DefaultKey returns the wallet's default key.
func (w *Wallet) DefaultKey() *btcec.PublicKey {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.defaultKey
}

// SetDefaultKey replaces the wallet's default key.
func (w *Wallet) SetDefaultKey(pub *btcec.PublicKey) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.setDefaultKey(pub)
}

func (w *Wallet) setDefaultKey(pub *btcec.PublicKey) error {
	if !w.keyStore.HasKey(pub) {
		return errors.New("default key is not a wallet key")
	}
	if err := w.db.putDefaultKey(pub); err != nil {
		return err
	}
	w.defaultKey = pub
	return nil
}

// ImportPrivateKey adds a private key to the wallet.  History paying to it
// is found by a scan from the genesis block, started right away when rescan
// is set and a chain client is connected and otherwise on the next
// connection.
func (w *Wallet) ImportPrivateKey(priv *btcec.PrivateKey,
	rescan bool) (btcutil.Address, error) {

	w.mtx.Lock()
	pub := priv.PubKey()
	if w.keyStore.HasKey(pub) {
		w.mtx.Unlock()
		return nil, errors.New("key already present")
	}
	if err := w.keyStore.AddKey(priv); err != nil {
		w.mtx.Unlock()
		return nil, err
	}
	addr, err := w.keyStore.Address(pub)
	if err != nil {
		w.mtx.Unlock()
		return nil, err
	}
	w.needRescan = true
	err = w.db.putNeedRescan(true)
	w.mtx.Unlock()
	if err != nil {
		return nil, err
	}

	log.Infof("Imported key for address %v", addr)
	w.watchNewAddresses()

	if rescan {
		if _, err := w.requireChainClient(); err == nil {
			if err := w.rescanImported(); err != nil {
				return addr, err
			}
		}
	}
	return addr, nil
}

// Addresses returns the addresses of every key of the wallet.
func (w *Wallet) Addresses() []btcutil.Address {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyStore.Addresses()
}

// PrivKeyForAddress returns a copy of the private key behind addr.
func (w *Wallet) PrivKeyForAddress(addr btcutil.Address) (*btcec.PrivateKey,
	error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.keyStore.PrivKeyForAddress(addr)
}

// SetAddressBookName labels an address.
func (w *Wallet) SetAddressBookName(addr btcutil.Address, label string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.setAddressBookName(addr, label)
}

func (w *Wallet) setAddressBookName(addr btcutil.Address, label string) error {
	encoded := addr.EncodeAddress()
	if err := w.db.putAddressBookName(encoded, label); err != nil {
		return err
	}
	w.addrBook[encoded] = label
	return nil
}

// DelAddressBookName removes the label of an address.
func (w *Wallet) DelAddressBookName(addr btcutil.Address) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	encoded := addr.EncodeAddress()
	if err := w.db.deleteAddressBookName(encoded); err != nil {
		return err
	}
	delete(w.addrBook, encoded)
	return nil
}

// AddressBook returns a copy of the address book.
func (w *Wallet) AddressBook() map[string]string {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	book := make(map[string]string, len(w.addrBook))
	for k, v := range w.addrBook {
		book[k] = v
	}
	return book
}

// BestBlock returns the last block the wallet has processed.
func (w *Wallet) BestBlock() (wtxmgr.Block, bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.bestBlock == nil {
		return wtxmgr.Block{}, false
	}
	return *w.bestBlock, true
}

// setBestBlock moves the chain checkpoint.  The caller must hold w.mtx.
func (w *Wallet) setBestBlock(b *wtxmgr.Block) error {
	if err := w.db.putBestBlock(b); err != nil {
		return err
	}
	w.bestBlock = b
	w.txStore.SetSyncedTo(b.Height)
	return nil
}

// Backup writes a consistent copy of the wallet database to out.
func (w *Wallet) Backup(out io.Writer) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.db.backup(out)
}

// watchNewAddresses registers addresses not seen before with the chain
// client.
func (w *Wallet) watchNewAddresses() {
	client, err := w.requireChainClient()
	if err != nil {
		return
	}

	addrs := w.Addresses()

	w.watchedMtx.Lock()
	var fresh []btcutil.Address
	for _, addr := range addrs {
		encoded := addr.EncodeAddress()
		if _, ok := w.watched[encoded]; ok {
			continue
		}
		w.watched[encoded] = struct{}{}
		fresh = append(fresh, addr)
	}
	w.watchedMtx.Unlock()

	if len(fresh) == 0 {
		return
	}
	if err := client.NotifyReceived(fresh); err != nil {
		log.Errorf("Unable to watch %d %s: %v", len(fresh),
			pickNoun(len(fresh), "address", "addresses"), err)
	}
}

// payToKeyScript returns the pay-to-pubkey-hash script of pub.  The caller
// must hold w.mtx.
func (w *Wallet) payToKeyScript(pub *btcec.PublicKey) ([]byte, error) {
	addr, err := w.keyStore.Address(pub)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
