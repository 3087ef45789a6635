// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keystore holds the wallet's secp256k1 key pairs and mediates every
// use of their private halves.  Keys are either stored in the clear or, once
// the store has been encrypted, sealed under a random crypto key which is
// itself sealed under one or more passphrase derived master keys.
package keystore

import (
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/corewallet/internal/zero"
	"github.com/btcsuite/corewallet/snacl"
)

// State describes how private keys are held by the store.
type State uint8

const (
	// Unencrypted is the state of a fresh store.  Private keys are held in
	// the clear.
	Unencrypted State = iota

	// Locked means private keys are encrypted and the crypto key needed
	// to open them is not in memory.
	Locked

	// Unlocked means private keys are encrypted and the crypto key is
	// cached in memory.
	Unlocked
)

// String returns the State as a human-readable name.
func (s State) String() string {
	switch s {
	case Unencrypted:
		return "unencrypted"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// ScryptOptions is used to hold the scrypt parameters needed when deriving
// new passphrase keys.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default options used with scrypt.
var DefaultScryptOptions = ScryptOptions{
	N: snacl.DefaultN,
	R: snacl.DefaultR,
	P: snacl.DefaultP,
}

// FastScryptOptions are cheap scrypt parameters for tests.
var FastScryptOptions = ScryptOptions{
	N: 16,
	R: 8,
	P: 1,
}

// KeyRecord is the persisted form of a key.  Exactly one of PrivKey and
// Encrypted is set.
type KeyRecord struct {
	PubKey    *btcec.PublicKey
	PrivKey   []byte
	Encrypted []byte
}

// MasterKey is the persisted form of a master key: the snacl parameters
// needed to re-derive the passphrase key and the crypto key sealed under it.
type MasterKey struct {
	ID           uint32
	Params       []byte
	EncryptedKey []byte
}

// Persister receives a write for every mutation of the store.
type Persister interface {
	// PutKey stores a new key record.
	PutKey(rec *KeyRecord) error

	// PutMasterKey stores or replaces a master key record.
	PutMasterKey(mk *MasterKey) error

	// PutEncrypted atomically stores the master key and replaces every
	// plaintext key record with its encrypted form.
	PutEncrypted(mk *MasterKey, recs []*KeyRecord) error
}

type keyEntry struct {
	pubKey    *btcec.PublicKey
	privKey   *btcec.PrivateKey
	encrypted []byte
}

// Store is the wallet key store.  It is not safe for concurrent use; the
// owning wallet serializes access under its own lock.
type Store struct {
	chainParams *chaincfg.Params
	db          Persister
	scryptOpts  ScryptOptions

	keys   map[[33]byte]*keyEntry
	byHash map[[20]byte]*keyEntry

	masterKeys  map[uint32]*MasterKey
	maxMasterID uint32
	cryptoKey   *snacl.CryptoKey
}

// New returns an empty, unencrypted store.  db may be nil, in which case no
// writes are issued.
func New(chainParams *chaincfg.Params, db Persister,
	opts *ScryptOptions) *Store {

	if opts == nil {
		opts = &DefaultScryptOptions
	}

	return &Store{
		chainParams: chainParams,
		db:          db,
		scryptOpts:  *opts,
		keys:        make(map[[33]byte]*keyEntry),
		byHash:      make(map[[20]byte]*keyEntry),
		masterKeys:  make(map[uint32]*MasterKey),
	}
}

func keyID(pub *btcec.PublicKey) [33]byte {
	var id [33]byte
	copy(id[:], pub.SerializeCompressed())
	return id
}

// ChainParams returns the network the store derives addresses for.
func (s *Store) ChainParams() *chaincfg.Params {
	return s.chainParams
}

// State returns the current encryption state.
func (s *Store) State() State {
	switch {
	case len(s.masterKeys) == 0:
		return Unencrypted
	case s.cryptoKey == nil:
		return Locked
	default:
		return Unlocked
	}
}

// IsLocked returns whether private key material is currently unavailable.
func (s *Store) IsLocked() bool {
	return s.State() == Locked
}

// NumKeys returns the number of keys held.
func (s *Store) NumKeys() int {
	return len(s.keys)
}

func (s *Store) insert(e *keyEntry) {
	s.keys[keyID(e.pubKey)] = e

	var h [20]byte
	copy(h[:], btcutil.Hash160(e.pubKey.SerializeCompressed()))
	s.byHash[h] = e
}

// AddKey adds a private key.  On an unlocked store the key is sealed under
// the crypto key before it is stored.
func (s *Store) AddKey(priv *btcec.PrivateKey) error {
	if priv == nil {
		return storeError(ErrKeyNotFound, "nil private key", nil)
	}

	serialized := priv.Serialize()
	defer zero.Bytes(serialized)

	pub := priv.PubKey()
	rec := &KeyRecord{PubKey: pub}
	entry := &keyEntry{pubKey: pub}

	switch s.State() {
	case Locked:
		return storeError(ErrLocked, "cannot add a key to a "+
			"locked store", nil)

	case Unlocked:
		ct, err := s.cryptoKey.Encrypt(serialized)
		if err != nil {
			return storeError(ErrCrypto, "failed to encrypt "+
				"private key", err)
		}
		rec.Encrypted = ct
		entry.encrypted = ct

	default:
		rec.PrivKey = append([]byte(nil), serialized...)
		entry.privKey, _ = btcec.PrivKeyFromBytes(serialized)
	}

	if s.db != nil {
		if err := s.db.PutKey(rec); err != nil {
			return storeError(ErrDatabase, "failed to store key", err)
		}
	}

	s.insert(entry)
	return nil
}

// AddEncryptedKey adds a key whose private half is already sealed under the
// store's crypto key.
func (s *Store) AddEncryptedKey(pub *btcec.PublicKey, ct []byte) error {
	if s.State() == Unencrypted {
		return storeError(ErrNotEncrypted, "cannot add an encrypted "+
			"key to an unencrypted store", nil)
	}

	rec := &KeyRecord{PubKey: pub, Encrypted: ct}
	if s.db != nil {
		if err := s.db.PutKey(rec); err != nil {
			return storeError(ErrDatabase, "failed to store key", err)
		}
	}

	s.insert(&keyEntry{pubKey: pub, encrypted: ct})
	return nil
}

// GenerateKey creates, stores and returns a new public key.
func (s *Store) GenerateKey() (*btcec.PublicKey, error) {
	if s.State() == Locked {
		return nil, storeError(ErrLocked, "cannot generate a key "+
			"while locked", nil)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, storeError(ErrCrypto, "failed to generate key", err)
	}
	defer zero.PrivateKey(priv)

	if err := s.AddKey(priv); err != nil {
		return nil, err
	}

	return priv.PubKey(), nil
}

// HasKey returns whether the store holds the key pair for pub.
func (s *Store) HasKey(pub *btcec.PublicKey) bool {
	_, ok := s.keys[keyID(pub)]
	return ok
}

// PubKeyForScript returns the owned public key an output script pays to.
func (s *Store) PubKeyForScript(pkScript []byte) (*btcec.PublicKey, bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, s.chainParams,
	)
	if err != nil {
		return nil, false
	}

	for _, addr := range addrs {
		if e := s.entryForAddress(addr); e != nil {
			return e.pubKey, true
		}
	}
	return nil, false
}

// IsMine returns whether the output script pays to a key in the store.
func (s *Store) IsMine(pkScript []byte) bool {
	_, ok := s.PubKeyForScript(pkScript)
	return ok
}

func (s *Store) entryForAddress(addr btcutil.Address) *keyEntry {
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return s.byHash[*a.Hash160()]
	case *btcutil.AddressPubKey:
		return s.keys[keyID(a.PubKey())]
	}
	return nil
}

// Address returns the pay-to-pubkey-hash address of pub.
func (s *Store) Address(pub *btcec.PublicKey) (*btcutil.AddressPubKeyHash,
	error) {

	return btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), s.chainParams,
	)
}

// Addresses returns the addresses of every key held, ordered by their
// encoding.
func (s *Store) Addresses() []btcutil.Address {
	addrs := make([]btcutil.Address, 0, len(s.keys))
	for _, e := range s.keys {
		addr, err := s.Address(e.pubKey)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].EncodeAddress() < addrs[j].EncodeAddress()
	})
	return addrs
}

// privKey returns a private key the caller owns and should zero when done.
func (s *Store) privKey(e *keyEntry) (*btcec.PrivateKey, error) {
	if e.privKey != nil {
		b := e.privKey.Serialize()
		priv, _ := btcec.PrivKeyFromBytes(b)
		zero.Bytes(b)
		return priv, nil
	}

	if s.cryptoKey == nil {
		return nil, storeError(ErrLocked, "private key is "+
			"unavailable while locked", nil)
	}

	b, err := s.cryptoKey.Decrypt(e.encrypted)
	if err != nil {
		return nil, storeError(ErrCrypto, "failed to decrypt "+
			"private key", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	zero.Bytes(b)

	return priv, nil
}

// PrivKey returns a copy of the private key for pub.  Callers should clear
// it with zero.PrivateKey once done.
func (s *Store) PrivKey(pub *btcec.PublicKey) (*btcec.PrivateKey, error) {
	e, ok := s.keys[keyID(pub)]
	if !ok {
		return nil, storeError(ErrKeyNotFound, "key not found", nil)
	}
	return s.privKey(e)
}

// PrivKeyForAddress returns a copy of the private key behind addr.
func (s *Store) PrivKeyForAddress(addr btcutil.Address) (*btcec.PrivateKey,
	error) {

	e := s.entryForAddress(addr)
	if e == nil {
		return nil, storeError(ErrKeyNotFound, "no key for address "+
			addr.EncodeAddress(), nil)
	}
	return s.privKey(e)
}

// Sign returns the DER encoded signature of hash by the key pair for pub.
func (s *Store) Sign(pub *btcec.PublicKey, hash []byte) ([]byte, error) {
	priv, err := s.PrivKey(pub)
	if err != nil {
		return nil, err
	}
	defer zero.PrivateKey(priv)

	return ecdsa.Sign(priv, hash).Serialize(), nil
}

// LoadKey inserts a replayed key record without issuing a write.
func (s *Store) LoadKey(rec *KeyRecord) error {
	entry := &keyEntry{pubKey: rec.PubKey}
	switch {
	case rec.PrivKey != nil:
		priv, pub := btcec.PrivKeyFromBytes(rec.PrivKey)
		if !pub.IsEqual(rec.PubKey) {
			return storeError(ErrCorrupt, "private key does not "+
				"match public key", nil)
		}
		entry.privKey = priv

	case rec.Encrypted != nil:
		entry.encrypted = rec.Encrypted

	default:
		return storeError(ErrCorrupt, "key record without a "+
			"private key", nil)
	}

	s.insert(entry)
	return nil
}

// LoadMasterKey inserts a replayed master key record without issuing a
// write.  A store with master keys starts out locked.
func (s *Store) LoadMasterKey(mk *MasterKey) error {
	if _, ok := s.masterKeys[mk.ID]; ok {
		return storeError(ErrCorrupt, "duplicate master key id", nil)
	}

	s.masterKeys[mk.ID] = mk
	if mk.ID > s.maxMasterID {
		s.maxMasterID = mk.ID
	}
	return nil
}

// MasterKeys returns the master key records ordered by identifier.
func (s *Store) MasterKeys() []*MasterKey {
	mks := make([]*MasterKey, 0, len(s.masterKeys))
	for _, mk := range s.masterKeys {
		mks = append(mks, mk)
	}
	sort.Slice(mks, func(i, j int) bool {
		return mks[i].ID < mks[j].ID
	})
	return mks
}
