// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr is the wallet ledger: the authoritative set of
// transactions relevant to the wallet, the spent state of their outputs and
// the debit, credit and balance amounts derived from them.
package wtxmgr

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Owner decides which output scripts belong to the wallet.
type Owner interface {
	// IsMine returns whether the script pays to a wallet key.
	IsMine(pkScript []byte) bool

	// IsChange returns whether an owned script should be treated as
	// change rather than as a payment received.
	IsChange(pkScript []byte) bool
}

// Persister receives a write for every mutation of a record.
type Persister interface {
	PutTx(rec *TxRecord) error
	DeleteTx(hash *chainhash.Hash) error
}

// Store implements a transaction store for storing and managing wallet
// transactions.  It is not safe for concurrent use; the owning wallet
// serializes access under its own lock.
type Store struct {
	owner Owner
	db    Persister

	records  map[chainhash.Hash]*TxRecord
	spenders map[wire.OutPoint]chainhash.Hash

	syncHeight int32
}

// New creates an empty store.  db may be nil.
func New(owner Owner, db Persister) *Store {
	return &Store{
		owner:    owner,
		db:       db,
		records:  make(map[chainhash.Hash]*TxRecord),
		spenders: make(map[wire.OutPoint]chainhash.Hash),
	}
}

func (s *Store) put(rec *TxRecord) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PutTx(rec); err != nil {
		return txStoreError(ErrDatabase, "failed to store tx "+
			rec.Hash.String(), err)
	}
	return nil
}

// SetSyncedTo records the height of the best block processed.  It drives the
// confirmation count of mined records.
func (s *Store) SetSyncedTo(height int32) {
	s.syncHeight = height
}

// SyncedHeight returns the height last passed to SetSyncedTo.
func (s *Store) SyncedHeight() int32 {
	return s.syncHeight
}

// Confirmations returns the number of blocks including and after the one
// containing rec, or 0 when it is unmined.
func (s *Store) Confirmations(rec *TxRecord) int32 {
	if rec.Block == nil {
		return 0
	}
	confs := s.syncHeight - rec.Block.Height + 1
	if confs < 1 {
		confs = 1
	}
	return confs
}

// prevOutput returns the recorded output spent by op, if any.
func (s *Store) prevOutput(op *wire.OutPoint) (*TxRecord, *wire.TxOut) {
	prev, ok := s.records[op.Hash]
	if !ok || op.Index >= uint32(len(prev.MsgTx.TxOut)) {
		return nil, nil
	}
	return prev, prev.MsgTx.TxOut[op.Index]
}

// isRelevant returns whether tx spends an owned output or pays to an owned
// script.
func (s *Store) isRelevant(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		_, out := s.prevOutput(&in.PreviousOutPoint)
		if out != nil && s.owner.IsMine(out.PkScript) {
			return true
		}
	}
	for _, out := range tx.TxOut {
		if s.owner.IsMine(out.PkScript) {
			return true
		}
	}
	return false
}

func sameBlock(a, b *BlockMeta) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return a.Hash == b.Hash && a.Height == b.Height
	}
}

// AddIfRelevant inserts rec when it spends or pays to the wallet.  When the
// transaction is already recorded and allowUpdate is set, the block it is
// mined in and its from-me flag are merged into the existing record.  The
// returned bool reports whether the store changed.
func (s *Store) AddIfRelevant(rec *TxRecord, block *BlockMeta,
	allowUpdate bool) (bool, error) {

	if rec.MsgTx.TxHash() != rec.Hash {
		return false, txStoreError(ErrInput, "record hash does not "+
			"match its transaction", nil)
	}

	if existing, ok := s.records[rec.Hash]; ok {
		if !allowUpdate {
			return false, nil
		}

		changed := false
		if !sameBlock(existing.Block, block) {
			existing.Block = block
			changed = true
		}
		if rec.FromMe && !existing.FromMe {
			existing.FromMe = true
			changed = true
		}
		if !changed {
			return false, nil
		}

		log.Debugf("Updated tx %v (block %v)", rec.Hash,
			blockString(block))
		return true, s.put(existing)
	}

	if !s.isRelevant(&rec.MsgTx) {
		return false, nil
	}

	// Reject records whose amounts could not be summed before touching
	// any state.
	if _, err := s.Debit(&rec.MsgTx); err != nil {
		return false, err
	}
	if _, err := s.Credit(&rec.MsgTx); err != nil {
		return false, err
	}

	rec.Block = block
	if len(rec.Spent) != len(rec.MsgTx.TxOut) {
		rec.Spent = make([]bool, len(rec.MsgTx.TxOut))
	}

	// Outputs may already be spent by transactions recorded earlier, as
	// happens when a rescan delivers history out of order.
	for i := range rec.MsgTx.TxOut {
		op := wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}
		if _, ok := s.spenders[op]; ok {
			rec.Spent[i] = true
		}
	}

	if err := s.put(rec); err != nil {
		return false, err
	}
	s.records[rec.Hash] = rec

	if err := s.MarkSpent(&rec.MsgTx); err != nil {
		return true, err
	}

	log.Infof("Inserted tx %v (block %v, from me %v)", rec.Hash,
		blockString(block), rec.FromMe)
	return true, nil
}

// MarkSpent sets the spent flag of every recorded output tx consumes.  It is
// idempotent.
func (s *Store) MarkSpent(tx *wire.MsgTx) error {
	txHash := tx.TxHash()
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		s.spenders[op] = txHash

		prev, out := s.prevOutput(&op)
		if out == nil || prev.Spent[op.Index] {
			continue
		}

		prev.Spent[op.Index] = true
		if err := s.put(prev); err != nil {
			return err
		}
		log.Debugf("Marked %v spent by %v", op, txHash)
	}
	return nil
}

// CheckSpendable returns an ErrOutputUnavailable error unless every input of
// tx spends a distinct recorded output that is owned and not yet spent.
func (s *Store) CheckSpendable(tx *wire.MsgTx) error {
	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		if _, ok := seen[op]; ok {
			return txStoreError(ErrOutputUnavailable, "output "+
				op.String()+" spent twice", nil)
		}
		seen[op] = struct{}{}

		prev, out := s.prevOutput(&op)
		switch {
		case out == nil || !s.owner.IsMine(out.PkScript):
			return txStoreError(ErrOutputUnavailable, "output "+
				op.String()+" is not a wallet output", nil)

		case prev.Spent[op.Index]:
			return txStoreError(ErrOutputUnavailable, "output "+
				op.String()+" already spent by "+
				s.spenders[op].String(), nil)
		}
	}
	return nil
}

// Erase removes a record.  Outputs it consumed become unspent again.
func (s *Store) Erase(hash *chainhash.Hash) error {
	rec, ok := s.records[*hash]
	if !ok {
		return txStoreError(ErrTxRecordNotFound, "no record for tx "+
			hash.String(), nil)
	}

	if s.db != nil {
		if err := s.db.DeleteTx(hash); err != nil {
			return txStoreError(ErrDatabase, "failed to delete tx "+
				hash.String(), err)
		}
	}
	delete(s.records, *hash)

	for _, in := range rec.MsgTx.TxIn {
		op := in.PreviousOutPoint
		if spender, ok := s.spenders[op]; !ok || spender != *hash {
			continue
		}
		delete(s.spenders, op)

		prev, out := s.prevOutput(&op)
		if out == nil || !prev.Spent[op.Index] {
			continue
		}
		prev.Spent[op.Index] = false
		if err := s.put(prev); err != nil {
			return err
		}
	}

	log.Infof("Erased tx %v", hash)
	return nil
}

// Load inserts a replayed record without issuing writes.
func (s *Store) Load(rec *TxRecord) {
	if len(rec.Spent) != len(rec.MsgTx.TxOut) {
		spent := make([]bool, len(rec.MsgTx.TxOut))
		copy(spent, rec.Spent)
		rec.Spent = spent
	}
	s.records[rec.Hash] = rec
	for _, in := range rec.MsgTx.TxIn {
		s.spenders[in.PreviousOutPoint] = rec.Hash
	}
}

// TxRecord returns the record for hash, or nil.
func (s *Store) TxRecord(hash *chainhash.Hash) *TxRecord {
	return s.records[*hash]
}

// Records returns every record ordered by time received.
func (s *Store) Records() []*TxRecord {
	recs := make([]*TxRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Received.Equal(recs[j].Received) {
			return bytes.Compare(recs[i].Hash[:], recs[j].Hash[:]) < 0
		}
		return recs[i].Received.Before(recs[j].Received)
	})
	return recs
}

// MinedBlocks returns the distinct blocks holding recorded transactions,
// keyed by height.
func (s *Store) MinedBlocks() map[int32][]chainhash.Hash {
	blocks := make(map[int32][]chainhash.Hash)
	seen := make(map[chainhash.Hash]struct{})
	for _, rec := range s.records {
		if rec.Block == nil {
			continue
		}
		if _, ok := seen[rec.Block.Hash]; ok {
			continue
		}
		seen[rec.Block.Hash] = struct{}{}
		blocks[rec.Block.Height] = append(
			blocks[rec.Block.Height], rec.Block.Hash,
		)
	}
	return blocks
}

// UnminedFromMe returns the wallet's own transactions not yet in a block,
// ordered by time received.
func (s *Store) UnminedFromMe() []*TxRecord {
	var recs []*TxRecord
	for _, rec := range s.Records() {
		if rec.FromMe && rec.Block == nil {
			recs = append(recs, rec)
		}
	}
	return recs
}

// BlockDisconnected moves every record mined in the block back to the
// unmined set.
func (s *Store) BlockDisconnected(b *Block) error {
	for _, rec := range s.records {
		if rec.Block == nil || rec.Block.Hash != b.Hash {
			continue
		}
		rec.Block = nil
		if err := s.put(rec); err != nil {
			return err
		}
		log.Infof("Tx %v unmined by disconnect of block %v",
			rec.Hash, b.Hash)
	}
	if s.syncHeight >= b.Height {
		s.syncHeight = b.Height - 1
	}
	return nil
}

// Debit returns the total value of recorded wallet outputs spent by tx.
func (s *Store) Debit(tx *wire.MsgTx) (btcutil.Amount, error) {
	var debit btcutil.Amount
	for _, in := range tx.TxIn {
		_, out := s.prevOutput(&in.PreviousOutPoint)
		if out == nil || !s.owner.IsMine(out.PkScript) {
			continue
		}

		var err error
		debit, err = addAmount(debit, btcutil.Amount(out.Value), "debit")
		if err != nil {
			return 0, err
		}
	}
	return debit, nil
}

// Credit returns the total value of tx outputs paying to the wallet.
func (s *Store) Credit(tx *wire.MsgTx) (btcutil.Amount, error) {
	var credit btcutil.Amount
	for _, out := range tx.TxOut {
		if !s.owner.IsMine(out.PkScript) {
			continue
		}

		var err error
		credit, err = addAmount(credit, btcutil.Amount(out.Value),
			"credit")
		if err != nil {
			return 0, err
		}
	}
	return credit, nil
}

// Change returns the total value of tx outputs classified as change.
func (s *Store) Change(tx *wire.MsgTx) (btcutil.Amount, error) {
	var change btcutil.Amount
	for _, out := range tx.TxOut {
		if !s.owner.IsMine(out.PkScript) ||
			!s.owner.IsChange(out.PkScript) {

			continue
		}

		var err error
		change, err = addAmount(change, btcutil.Amount(out.Value),
			"change")
		if err != nil {
			return 0, err
		}
	}
	return change, nil
}

// IsFromMe returns whether tx spends any wallet output.
func (s *Store) IsFromMe(tx *wire.MsgTx) (bool, error) {
	debit, err := s.Debit(tx)
	return debit > 0, err
}

// UnspentOutputs returns every owned, unspent output ordered by outpoint.
func (s *Store) UnspentOutputs() []Credit {
	var credits []Credit
	for _, rec := range s.records {
		confs := s.Confirmations(rec)
		for i, out := range rec.MsgTx.TxOut {
			if rec.Spent[i] || !s.owner.IsMine(out.PkScript) {
				continue
			}
			credits = append(credits, Credit{
				OutPoint: wire.OutPoint{
					Hash:  rec.Hash,
					Index: uint32(i),
				},
				Amount:        btcutil.Amount(out.Value),
				PkScript:      out.PkScript,
				Confirmations: confs,
				FromMe:        rec.FromMe,
				Received:      rec.Received,
			})
		}
	}

	sort.Slice(credits, func(i, j int) bool {
		a, b := &credits[i].OutPoint, &credits[j].OutPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}
		return a.Index < b.Index
	})
	return credits
}

// Balance returns the total value of owned, unspent outputs.
func (s *Store) Balance() (btcutil.Amount, error) {
	var bal btcutil.Amount
	for _, c := range s.UnspentOutputs() {
		var err error
		bal, err = addAmount(bal, c.Amount, "balance")
		if err != nil {
			return 0, err
		}
	}
	return bal, nil
}

func blockString(b *BlockMeta) string {
	if b == nil {
		return "unmined"
	}
	return b.Hash.String()
}
