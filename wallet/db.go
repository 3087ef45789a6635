// Copyright (c) 2015-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/corewallet/keypool"
	"github.com/btcsuite/corewallet/keystore"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/lightningnetwork/lnd/tlv"
)

// currentVersion is the version of the database layout written by this
// package.
const currentVersion = 1

var (
	// walletBucket is the top level bucket holding every other bucket.
	walletBucket = []byte("corewallet")

	metaBucket       = []byte("meta")
	keysBucket       = []byte("keys")
	masterKeysBucket = []byte("mkeys")
	poolBucket       = []byte("pool")
	txBucket         = []byte("txs")
	addrBookBucket   = []byte("names")
	changeBucket     = []byte("change")
	acctBucket       = []byte("acentries")

	versionKey       = []byte("version")
	defaultKeyKey    = []byte("defaultkey")
	bestBlockKey     = []byte("bestblock")
	nextPoolIndexKey = []byte("nextpoolindex")
	rescanKey        = []byte("rescan")

	subBuckets = [][]byte{
		metaBucket, keysBucket, masterKeysBucket, poolBucket, txBucket,
		addrBookBucket, changeBucket, acctBucket,
	}

	errNoNamespace = errors.New("wallet namespace missing")
)

// tlv record types of a transaction record.
const (
	txTypeRaw tlv.Type = iota
	txTypeReceived
	txTypeFlags
	txTypeBlockHash
	txTypeBlockHeight
	txTypeBlockTime
	txTypeSpent
	txTypeLastBroadcast
)

const (
	txFlagFromMe uint8 = 1 << iota
	txFlagMined
)

// dbStore is the persistence collaborator.  It receives a write for every
// mutation of the wallet and replays everything on load.  Each write is its
// own database transaction.
type dbStore struct {
	db walletdb.DB
}

var (
	_ keystore.Persister = (*dbStore)(nil)
	_ keypool.Persister  = (*dbStore)(nil)
	_ wtxmgr.Persister   = (*dbStore)(nil)
)

// createNamespace initializes an empty database.
func createNamespace(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(walletBucket)
		if err != nil {
			return err
		}
		for _, b := range subBuckets {
			if _, err := ns.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		var v [4]byte
		binary.BigEndian.PutUint32(v[:], currentVersion)
		return ns.NestedReadWriteBucket(metaBucket).Put(versionKey, v[:])
	})
}

func (s *dbStore) update(bucket []byte,
	f func(b walletdb.ReadWriteBucket) error) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(walletBucket)
		if ns == nil {
			return errNoNamespace
		}
		return f(ns.NestedReadWriteBucket(bucket))
	})
}

func (s *dbStore) put(bucket, k, v []byte) error {
	return s.update(bucket, func(b walletdb.ReadWriteBucket) error {
		return b.Put(k, v)
	})
}

func (s *dbStore) delete(bucket, k []byte) error {
	return s.update(bucket, func(b walletdb.ReadWriteBucket) error {
		return b.Delete(k)
	})
}

func encodeRecords(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeRecords(v []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Decode(bytes.NewReader(v))
}

func uint32Bytes(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

func uint64Bytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func fromUnixNano(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}

// PutKey stores a new key record.
func (s *dbStore) PutKey(rec *keystore.KeyRecord) error {
	v, err := encodeKeyRecord(rec)
	if err != nil {
		return err
	}
	return s.put(keysBucket, rec.PubKey.SerializeCompressed(), v)
}

func encodeKeyRecord(rec *keystore.KeyRecord) ([]byte, error) {
	privKey, encrypted := rec.PrivKey, rec.Encrypted
	if encrypted != nil {
		return encodeRecords(tlv.MakePrimitiveRecord(1, &encrypted))
	}
	return encodeRecords(tlv.MakePrimitiveRecord(0, &privKey))
}

func decodeKeyRecord(k, v []byte) (*keystore.KeyRecord, error) {
	pub, err := btcec.ParsePubKey(k)
	if err != nil {
		return nil, err
	}

	var privKey, encrypted []byte
	err = decodeRecords(
		v, tlv.MakePrimitiveRecord(0, &privKey),
		tlv.MakePrimitiveRecord(1, &encrypted),
	)
	if err != nil {
		return nil, err
	}

	rec := &keystore.KeyRecord{PubKey: pub}
	if len(encrypted) != 0 {
		rec.Encrypted = encrypted
	} else {
		rec.PrivKey = privKey
	}
	return rec, nil
}

func encodeMasterKey(mk *keystore.MasterKey) ([]byte, error) {
	params, encrypted := mk.Params, mk.EncryptedKey
	return encodeRecords(
		tlv.MakePrimitiveRecord(0, &params),
		tlv.MakePrimitiveRecord(1, &encrypted),
	)
}

// PutMasterKey stores or replaces a master key record.
func (s *dbStore) PutMasterKey(mk *keystore.MasterKey) error {
	v, err := encodeMasterKey(mk)
	if err != nil {
		return err
	}
	return s.put(masterKeysBucket, uint32Bytes(mk.ID), v)
}

// PutEncrypted stores mk and replaces every key record with its encrypted
// form in a single database transaction.
func (s *dbStore) PutEncrypted(mk *keystore.MasterKey,
	recs []*keystore.KeyRecord) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(walletBucket)
		if ns == nil {
			return errNoNamespace
		}

		v, err := encodeMasterKey(mk)
		if err != nil {
			return err
		}
		err = ns.NestedReadWriteBucket(masterKeysBucket).Put(
			uint32Bytes(mk.ID), v,
		)
		if err != nil {
			return err
		}

		keys := ns.NestedReadWriteBucket(keysBucket)
		for _, rec := range recs {
			v, err := encodeKeyRecord(rec)
			if err != nil {
				return err
			}
			err = keys.Put(rec.PubKey.SerializeCompressed(), v)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PutPoolEntry stores a new key pool entry.
func (s *dbStore) PutPoolEntry(e *keypool.Entry) error {
	var pub [33]byte
	copy(pub[:], e.PubKey.SerializeCompressed())
	created := uint64(e.Time.Unix())

	v, err := encodeRecords(
		tlv.MakePrimitiveRecord(0, &pub),
		tlv.MakePrimitiveRecord(1, &created),
	)
	if err != nil {
		return err
	}
	return s.put(poolBucket, uint64Bytes(uint64(e.Index)), v)
}

// DeletePoolEntry removes a kept or flushed key pool entry.
func (s *dbStore) DeletePoolEntry(index int64) error {
	return s.delete(poolBucket, uint64Bytes(uint64(index)))
}

// PutNextPoolIndex records the next key pool index.
func (s *dbStore) PutNextPoolIndex(index int64) error {
	return s.put(metaBucket, nextPoolIndexKey, uint64Bytes(uint64(index)))
}

func decodePoolEntry(k, v []byte) (*keypool.Entry, error) {
	if len(k) != 8 {
		return nil, fmt.Errorf("malformed key pool index %x", k)
	}

	var (
		pub     [33]byte
		created uint64
	)
	err := decodeRecords(
		v, tlv.MakePrimitiveRecord(0, &pub),
		tlv.MakePrimitiveRecord(1, &created),
	)
	if err != nil {
		return nil, err
	}
	pubKey, err := btcec.ParsePubKey(pub[:])
	if err != nil {
		return nil, err
	}

	return &keypool.Entry{
		Index:  int64(binary.BigEndian.Uint64(k)),
		PubKey: pubKey,
		Time:   time.Unix(int64(created), 0),
	}, nil
}

// PutTx stores or replaces a transaction record.
func (s *dbStore) PutTx(rec *wtxmgr.TxRecord) error {
	v, err := encodeTxRecord(rec)
	if err != nil {
		return err
	}
	return s.put(txBucket, rec.Hash[:], v)
}

// DeleteTx removes a transaction record.
func (s *dbStore) DeleteTx(hash *chainhash.Hash) error {
	return s.delete(txBucket, hash[:])
}

func encodeTxRecord(rec *wtxmgr.TxRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := rec.MsgTx.Serialize(&buf); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	received := unixNano(rec.Received)
	lastBroadcast := unixNano(rec.LastBroadcast)

	var flags uint8
	if rec.FromMe {
		flags |= txFlagFromMe
	}

	spent := make([]byte, (len(rec.Spent)+7)/8)
	for i, s := range rec.Spent {
		if s {
			spent[i/8] |= 1 << (uint(i) % 8)
		}
	}

	var (
		blockHash   [32]byte
		blockHeight uint32
		blockTime   uint64
	)
	if rec.Block != nil {
		flags |= txFlagMined
		blockHash = rec.Block.Hash
		blockHeight = uint32(rec.Block.Height)
		blockTime = uint64(rec.Block.Time.Unix())
	}

	return encodeRecords(
		tlv.MakePrimitiveRecord(txTypeRaw, &raw),
		tlv.MakePrimitiveRecord(txTypeReceived, &received),
		tlv.MakePrimitiveRecord(txTypeFlags, &flags),
		tlv.MakePrimitiveRecord(txTypeBlockHash, &blockHash),
		tlv.MakePrimitiveRecord(txTypeBlockHeight, &blockHeight),
		tlv.MakePrimitiveRecord(txTypeBlockTime, &blockTime),
		tlv.MakePrimitiveRecord(txTypeSpent, &spent),
		tlv.MakePrimitiveRecord(txTypeLastBroadcast, &lastBroadcast),
	)
}

func decodeTxRecord(k, v []byte) (*wtxmgr.TxRecord, error) {
	var (
		raw, spent    []byte
		received      uint64
		flags         uint8
		blockHash     [32]byte
		blockHeight   uint32
		blockTime     uint64
		lastBroadcast uint64
	)
	err := decodeRecords(
		v,
		tlv.MakePrimitiveRecord(txTypeRaw, &raw),
		tlv.MakePrimitiveRecord(txTypeReceived, &received),
		tlv.MakePrimitiveRecord(txTypeFlags, &flags),
		tlv.MakePrimitiveRecord(txTypeBlockHash, &blockHash),
		tlv.MakePrimitiveRecord(txTypeBlockHeight, &blockHeight),
		tlv.MakePrimitiveRecord(txTypeBlockTime, &blockTime),
		tlv.MakePrimitiveRecord(txTypeSpent, &spent),
		tlv.MakePrimitiveRecord(txTypeLastBroadcast, &lastBroadcast),
	)
	if err != nil {
		return nil, err
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	rec := wtxmgr.NewTxRecordFromMsgTx(&msgTx, fromUnixNano(received))
	if !bytes.Equal(rec.Hash[:], k) {
		return nil, fmt.Errorf("tx record %x stored under key %x",
			rec.Hash[:], k)
	}

	rec.FromMe = flags&txFlagFromMe != 0
	rec.LastBroadcast = fromUnixNano(lastBroadcast)
	for i := range rec.Spent {
		if i/8 < len(spent) {
			rec.Spent[i] = spent[i/8]&(1<<(uint(i)%8)) != 0
		}
	}
	if flags&txFlagMined != 0 {
		rec.Block = &wtxmgr.BlockMeta{
			Block: wtxmgr.Block{
				Hash:   blockHash,
				Height: int32(blockHeight),
			},
			Time: time.Unix(int64(blockTime), 0),
		}
	}
	return rec, nil
}

// putAddressBookName stores the label of an address.
func (s *dbStore) putAddressBookName(addr, label string) error {
	return s.put(addrBookBucket, []byte(addr), []byte(label))
}

// deleteAddressBookName removes the label of an address.
func (s *dbStore) deleteAddressBookName(addr string) error {
	return s.delete(addrBookBucket, []byte(addr))
}

// putChangeKey records that the key with the given hash receives change.
func (s *dbStore) putChangeKey(hash []byte) error {
	return s.put(changeBucket, hash, []byte{1})
}

// putDefaultKey stores the default key.
func (s *dbStore) putDefaultKey(pub *btcec.PublicKey) error {
	return s.put(metaBucket, defaultKeyKey, pub.SerializeCompressed())
}

// putBestBlock stores the best chain checkpoint.
func (s *dbStore) putBestBlock(b *wtxmgr.Block) error {
	hash := [32]byte(b.Hash)
	height := uint32(b.Height)
	v, err := encodeRecords(
		tlv.MakePrimitiveRecord(0, &hash),
		tlv.MakePrimitiveRecord(1, &height),
	)
	if err != nil {
		return err
	}
	return s.put(metaBucket, bestBlockKey, v)
}

// putNeedRescan stores whether history must be scanned from the genesis
// block on the next connection to the chain.
func (s *dbStore) putNeedRescan(needRescan bool) error {
	var v byte
	if needRescan {
		v = 1
	}
	return s.put(metaBucket, rescanKey, []byte{v})
}

// DropTransactionHistory removes every transaction record and the sync
// checkpoint from a wallet database that is not open by a Wallet.  The next
// connection to the chain rescans from the genesis block.
func DropTransactionHistory(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(walletBucket)
		if ns == nil {
			return errNoNamespace
		}

		err := ns.DeleteNestedBucket(txBucket)
		if err != nil && err != walletdb.ErrBucketNotFound {
			return err
		}
		if _, err := ns.CreateBucket(txBucket); err != nil {
			return err
		}

		meta := ns.NestedReadWriteBucket(metaBucket)
		if err := meta.Delete(bestBlockKey); err != nil {
			return err
		}
		return meta.Put(rescanKey, []byte{1})
	})
}

// putAccountingEntries appends the entries in a single database transaction.
func (s *dbStore) putAccountingEntries(entries ...*AccountingEntry) error {
	return s.update(acctBucket, func(b walletdb.ReadWriteBucket) error {
		for _, e := range entries {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			account := []byte(e.Account)
			other := []byte(e.OtherAccount)
			comment := []byte(e.Comment)
			amount := uint64(e.CreditDebit)
			created := unixNano(e.Time)
			v, err := encodeRecords(
				tlv.MakePrimitiveRecord(0, &account),
				tlv.MakePrimitiveRecord(1, &amount),
				tlv.MakePrimitiveRecord(2, &created),
				tlv.MakePrimitiveRecord(3, &other),
				tlv.MakePrimitiveRecord(4, &comment),
			)
			if err != nil {
				return err
			}
			if err := b.Put(uint64Bytes(seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeAccountingEntry(v []byte) (*AccountingEntry, error) {
	var (
		account, other, comment []byte
		amount, created         uint64
	)
	err := decodeRecords(
		v,
		tlv.MakePrimitiveRecord(0, &account),
		tlv.MakePrimitiveRecord(1, &amount),
		tlv.MakePrimitiveRecord(2, &created),
		tlv.MakePrimitiveRecord(3, &other),
		tlv.MakePrimitiveRecord(4, &comment),
	)
	if err != nil {
		return nil, err
	}

	return &AccountingEntry{
		Account:      string(account),
		CreditDebit:  btcutil.Amount(int64(amount)),
		Time:         fromUnixNano(created),
		OtherAccount: string(other),
		Comment:      string(comment),
	}, nil
}

// dbState is everything read back from the database on load.
type dbState struct {
	version       uint32
	keys          []*keystore.KeyRecord
	masterKeys    []*keystore.MasterKey
	pool          []*keypool.Entry
	nextPoolIndex int64
	txs           []*wtxmgr.TxRecord
	addrBook      map[string]string
	changeKeys    map[[20]byte]struct{}
	defaultKey    *btcec.PublicKey
	bestBlock     *wtxmgr.Block
	needRescan    bool
	acctEntries   []*AccountingEntry
}

// load reads every record of the database.
func (s *dbStore) load() (*dbState, error) {
	state := &dbState{
		addrBook:   make(map[string]string),
		changeKeys: make(map[[20]byte]struct{}),
	}

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(walletBucket)
		if ns == nil {
			return errNoNamespace
		}

		if err := state.readMeta(ns.NestedReadBucket(metaBucket)); err != nil {
			return err
		}

		err := ns.NestedReadBucket(keysBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeKeyRecord(k, v)
			if err != nil {
				return fmt.Errorf("key %x: %w", k, err)
			}
			state.keys = append(state.keys, rec)
			return nil
		})
		if err != nil {
			return err
		}

		err = ns.NestedReadBucket(masterKeysBucket).ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("malformed master key id %x", k)
			}
			mk := &keystore.MasterKey{ID: binary.BigEndian.Uint32(k)}
			err := decodeRecords(
				v, tlv.MakePrimitiveRecord(0, &mk.Params),
				tlv.MakePrimitiveRecord(1, &mk.EncryptedKey),
			)
			if err != nil {
				return fmt.Errorf("master key %d: %w", mk.ID, err)
			}
			state.masterKeys = append(state.masterKeys, mk)
			return nil
		})
		if err != nil {
			return err
		}

		err = ns.NestedReadBucket(poolBucket).ForEach(func(k, v []byte) error {
			e, err := decodePoolEntry(k, v)
			if err != nil {
				return err
			}
			state.pool = append(state.pool, e)
			return nil
		})
		if err != nil {
			return err
		}

		err = ns.NestedReadBucket(txBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeTxRecord(k, v)
			if err != nil {
				return fmt.Errorf("tx %x: %w", k, err)
			}
			state.txs = append(state.txs, rec)
			return nil
		})
		if err != nil {
			return err
		}

		err = ns.NestedReadBucket(addrBookBucket).ForEach(func(k, v []byte) error {
			state.addrBook[string(k)] = string(v)
			return nil
		})
		if err != nil {
			return err
		}

		err = ns.NestedReadBucket(changeBucket).ForEach(func(k, _ []byte) error {
			var h [20]byte
			copy(h[:], k)
			state.changeKeys[h] = struct{}{}
			return nil
		})
		if err != nil {
			return err
		}

		return ns.NestedReadBucket(acctBucket).ForEach(func(_, v []byte) error {
			e, err := decodeAccountingEntry(v)
			if err != nil {
				return err
			}
			state.acctEntries = append(state.acctEntries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (state *dbState) readMeta(meta walletdb.ReadBucket) error {
	v := meta.Get(versionKey)
	if len(v) != 4 {
		return errors.New("missing database version")
	}
	state.version = binary.BigEndian.Uint32(v)
	if state.version > currentVersion {
		return fmt.Errorf("%w: database version %d, supported %d",
			ErrUnknownVersion, state.version, currentVersion)
	}

	if v := meta.Get(defaultKeyKey); v != nil {
		pub, err := btcec.ParsePubKey(v)
		if err != nil {
			return fmt.Errorf("default key: %w", err)
		}
		state.defaultKey = pub
	}

	if v := meta.Get(nextPoolIndexKey); len(v) == 8 {
		state.nextPoolIndex = int64(binary.BigEndian.Uint64(v))
	}

	if v := meta.Get(rescanKey); len(v) == 1 {
		state.needRescan = v[0] == 1
	}

	if v := meta.Get(bestBlockKey); v != nil {
		var (
			hash   [32]byte
			height uint32
		)
		err := decodeRecords(
			v, tlv.MakePrimitiveRecord(0, &hash),
			tlv.MakePrimitiveRecord(1, &height),
		)
		if err != nil {
			return fmt.Errorf("best block: %w", err)
		}
		state.bestBlock = &wtxmgr.Block{
			Hash:   chainhash.Hash(hash),
			Height: int32(height),
		}
	}

	return nil
}

// backup writes a consistent copy of the database to w.
func (s *dbStore) backup(w io.Writer) error {
	return s.db.Copy(w)
}
