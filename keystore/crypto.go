// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/corewallet/internal/zero"
	"github.com/btcsuite/corewallet/snacl"
)

// newSecretKey derives a passphrase key with fresh salt.
func (s *Store) newSecretKey(passphrase []byte) (*snacl.SecretKey, error) {
	return snacl.NewSecretKey(
		&passphrase, s.scryptOpts.N, s.scryptOpts.R, s.scryptOpts.P,
	)
}

// Encrypt seals every private key under a new crypto key, protects the crypto
// key with a master key derived from passphrase, and leaves the store
// unlocked.  The returned bool reports whether plaintext keys existed before
// the call, in which case any earlier backup still exposes them and must be
// replaced.
func (s *Store) Encrypt(passphrase []byte) (bool, error) {
	if s.State() != Unencrypted {
		return false, storeError(ErrAlreadyEncrypted, "store is "+
			"already encrypted", nil)
	}

	cryptoKey, err := snacl.GenerateCryptoKey()
	if err != nil {
		return false, storeError(ErrCrypto, "failed to generate "+
			"crypto key", err)
	}

	sk, err := s.newSecretKey(passphrase)
	if err != nil {
		cryptoKey.Zero()
		return false, storeError(ErrCrypto, "failed to derive "+
			"master key", err)
	}
	encKey, err := sk.Encrypt(cryptoKey[:])
	sk.Zero()
	if err != nil {
		cryptoKey.Zero()
		return false, storeError(ErrCrypto, "failed to encrypt "+
			"crypto key", err)
	}

	mk := &MasterKey{
		ID:           s.maxMasterID + 1,
		Params:       sk.Marshal(),
		EncryptedKey: encKey,
	}

	// Seal every key before touching in-memory state so a failure leaves
	// the store unencrypted.
	recs := make([]*KeyRecord, 0, len(s.keys))
	sealed := make(map[*keyEntry][]byte, len(s.keys))
	for _, e := range s.keys {
		if e.privKey == nil {
			cryptoKey.Zero()
			return false, storeError(ErrCorrupt, "sealed key in "+
				"an unencrypted store", nil)
		}
		b := e.privKey.Serialize()
		ct, err := cryptoKey.Encrypt(b)
		zero.Bytes(b)
		if err != nil {
			cryptoKey.Zero()
			return false, storeError(ErrCrypto, "failed to "+
				"encrypt private key", err)
		}
		sealed[e] = ct
		recs = append(recs, &KeyRecord{PubKey: e.pubKey, Encrypted: ct})
	}

	if s.db != nil {
		if err := s.db.PutEncrypted(mk, recs); err != nil {
			cryptoKey.Zero()
			return false, storeError(ErrDatabase, "failed to store "+
				"encrypted keys", err)
		}
	}

	for e, ct := range sealed {
		zero.PrivateKey(e.privKey)
		e.privKey = nil
		e.encrypted = ct
	}
	s.masterKeys[mk.ID] = mk
	s.maxMasterID = mk.ID
	s.cryptoKey = cryptoKey

	log.Infof("Encrypted %d keys under master key %d", len(recs), mk.ID)

	return len(recs) > 0, nil
}

// openMasterKey derives the passphrase key of mk and returns the crypto key
// it protects.
func openMasterKey(mk *MasterKey, passphrase []byte) (*snacl.CryptoKey,
	error) {

	var sk snacl.SecretKey
	if err := sk.Unmarshal(mk.Params); err != nil {
		return nil, err
	}
	if err := sk.DeriveKey(&passphrase); err != nil {
		return nil, err
	}
	defer sk.Zero()

	dec, err := sk.Decrypt(mk.EncryptedKey)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(dec)

	if len(dec) != snacl.KeySize {
		return nil, snacl.ErrMalformed
	}

	var ck snacl.CryptoKey
	copy(ck[:], dec)
	return &ck, nil
}

// verifyCryptoKey checks that ck opens a stored key to its public half.  A
// store without keys accepts any crypto key.
func (s *Store) verifyCryptoKey(ck *snacl.CryptoKey) bool {
	for _, e := range s.keys {
		if e.encrypted == nil {
			continue
		}

		b, err := ck.Decrypt(e.encrypted)
		if err != nil {
			return false
		}
		priv, pub := btcec.PrivKeyFromBytes(b)
		zero.Bytes(b)
		zero.PrivateKey(priv)

		return pub.IsEqual(e.pubKey)
	}
	return true
}

// unwrap tries each master key in identifier order and returns the first
// whose derived key verifies along with the crypto key it protects.
func (s *Store) unwrap(passphrase []byte) (*MasterKey, *snacl.CryptoKey,
	error) {

	for _, mk := range s.MasterKeys() {
		ck, err := openMasterKey(mk, passphrase)
		switch {
		case errors.Is(err, snacl.ErrInvalidPassword):
			continue
		case err != nil:
			return nil, nil, storeError(ErrCrypto, "failed to open "+
				"master key", err)
		}

		if !s.verifyCryptoKey(ck) {
			ck.Zero()
			continue
		}
		return mk, ck, nil
	}

	return nil, nil, storeError(ErrWrongPassphrase, "passphrase does "+
		"not match any master key", nil)
}

// Unlock derives the crypto key from passphrase and caches it.  A failed
// attempt leaves the state untouched.
func (s *Store) Unlock(passphrase []byte) error {
	if s.State() == Unencrypted {
		return storeError(ErrNotEncrypted, "store is not encrypted", nil)
	}

	mk, ck, err := s.unwrap(passphrase)
	if err != nil {
		return err
	}

	if s.cryptoKey != nil {
		s.cryptoKey.Zero()
	}
	s.cryptoKey = ck

	log.Debugf("Unlocked with master key %d", mk.ID)
	return nil
}

// Lock clears the cached crypto key.  Locking a locked store is a no-op.
func (s *Store) Lock() error {
	if s.State() == Unencrypted {
		return storeError(ErrNotEncrypted, "store is not encrypted", nil)
	}

	if s.cryptoKey != nil {
		s.cryptoKey.Zero()
		s.cryptoKey = nil
	}
	return nil
}

// ChangePassphrase re-wraps the crypto key of the first master key matching
// oldPass under a key derived from newPass.  Private key ciphertexts are not
// touched and the lock state is preserved.
func (s *Store) ChangePassphrase(oldPass, newPass []byte) error {
	if s.State() == Unencrypted {
		return storeError(ErrNotEncrypted, "store is not encrypted", nil)
	}

	mk, ck, err := s.unwrap(oldPass)
	if err != nil {
		return err
	}
	defer ck.Zero()

	sk, err := s.newSecretKey(newPass)
	if err != nil {
		return storeError(ErrCrypto, "failed to derive master key", err)
	}
	encKey, err := sk.Encrypt(ck[:])
	sk.Zero()
	if err != nil {
		return storeError(ErrCrypto, "failed to encrypt crypto key", err)
	}

	updated := &MasterKey{
		ID:           mk.ID,
		Params:       sk.Marshal(),
		EncryptedKey: encKey,
	}
	if s.db != nil {
		if err := s.db.PutMasterKey(updated); err != nil {
			return storeError(ErrDatabase, "failed to store master "+
				"key", err)
		}
	}
	s.masterKeys[mk.ID] = updated

	log.Infof("Changed passphrase of master key %d", mk.ID)
	return nil
}
