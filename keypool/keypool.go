// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keypool keeps a reserve of pre-generated keys so change and
// receiving addresses can be handed out without access to private key
// material.
//
// Entries are identified by a monotonically increasing index.  An entry is
// either available, reserved by a caller which has not yet decided whether
// to use it, or kept, after which it is gone from the pool for good.
package keypool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// DefaultSize is the number of unused entries TopUp maintains when no size
// is configured.
const DefaultSize = 100

var (
	// ErrNotReserved is returned by Keep and Return for an index that is
	// not currently reserved.
	ErrNotReserved = errors.New("key pool index is not reserved")

	// ErrDuplicateIndex is returned when replaying two entries with the
	// same index.
	ErrDuplicateIndex = errors.New("duplicate key pool index")
)

// KeyGenerator creates and stores new key pairs.  It is expected to fail
// while private key material is unavailable.
type KeyGenerator interface {
	GenerateKey() (*btcec.PublicKey, error)
}

// Persister receives a write for every mutation of the pool.
type Persister interface {
	// PutPoolEntry stores a new entry.
	PutPoolEntry(e *Entry) error

	// DeletePoolEntry removes a kept or flushed entry.
	DeletePoolEntry(index int64) error

	// PutNextPoolIndex records the next index to hand out so indices are
	// never reused across restarts.
	PutNextPoolIndex(index int64) error
}

// Entry is a single pre-generated key.
type Entry struct {
	Index  int64
	PubKey *btcec.PublicKey
	Time   time.Time
}

// Pool is the key pool.  It is not safe for concurrent use; the owning
// wallet serializes access under its own lock.
type Pool struct {
	gen     KeyGenerator
	db      Persister
	minSize int

	available map[int64]*Entry
	reserved  map[int64]*Entry
	nextIndex int64
}

// New returns an empty pool which tops up to size entries.  db may be nil.
func New(gen KeyGenerator, db Persister, size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}

	return &Pool{
		gen:       gen,
		db:        db,
		minSize:   size,
		available: make(map[int64]*Entry),
		reserved:  make(map[int64]*Entry),
		nextIndex: 1,
	}
}

// Load inserts a replayed entry without issuing a write.
func (p *Pool) Load(e *Entry) error {
	if _, ok := p.available[e.Index]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateIndex, e.Index)
	}

	p.available[e.Index] = e
	if e.Index >= p.nextIndex {
		p.nextIndex = e.Index + 1
	}
	return nil
}

// LoadNextIndex restores the persisted index counter.  It never moves the
// counter backwards.
func (p *Pool) LoadNextIndex(index int64) {
	if index > p.nextIndex {
		p.nextIndex = index
	}
}

// Size returns the number of available entries.
func (p *Pool) Size() int {
	return len(p.available)
}

// NextIndex returns the index the next generated entry will get.
func (p *Pool) NextIndex() int64 {
	return p.nextIndex
}

// Available returns the available indices in ascending order.
func (p *Pool) Available() []int64 {
	indices := make([]int64, 0, len(p.available))
	for idx := range p.available {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool {
		return indices[i] < indices[j]
	})
	return indices
}

// generate creates one new available entry.
func (p *Pool) generate() (*Entry, error) {
	pub, err := p.gen.GenerateKey()
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Index:  p.nextIndex,
		PubKey: pub,
		Time:   time.Now(),
	}
	if p.db != nil {
		if err := p.db.PutPoolEntry(e); err != nil {
			return nil, err
		}
		if err := p.db.PutNextPoolIndex(e.Index + 1); err != nil {
			return nil, err
		}
	}

	p.nextIndex++
	p.available[e.Index] = e

	log.Tracef("Key pool added index %d", e.Index)
	return e, nil
}

// TopUp generates entries until at least the configured number are
// available or reserved.  Reserved entries are still persisted, so this is
// also the size a reloaded pool starts with.
func (p *Pool) TopUp() error {
	added := 0
	for len(p.available)+len(p.reserved) < p.minSize {
		if _, err := p.generate(); err != nil {
			return err
		}
		added++
	}

	if added > 0 {
		log.Debugf("Key pool topped up with %d keys, size %d", added,
			len(p.available))
	}
	return nil
}

// Reserve removes and returns the lowest available entry.  An empty pool
// generates an entry on demand, which fails while the key generator is
// locked.
func (p *Pool) Reserve() (*Entry, error) {
	if len(p.available) == 0 {
		if _, err := p.generate(); err != nil {
			return nil, fmt.Errorf("key pool is empty: %w", err)
		}
	}

	lowest := p.Available()[0]
	e := p.available[lowest]
	delete(p.available, lowest)
	p.reserved[lowest] = e

	log.Tracef("Key pool reserved index %d", lowest)
	return e, nil
}

// Keep permanently consumes a reservation.
func (p *Pool) Keep(index int64) error {
	if _, ok := p.reserved[index]; !ok {
		return fmt.Errorf("%w: %d", ErrNotReserved, index)
	}

	if p.db != nil {
		if err := p.db.DeletePoolEntry(index); err != nil {
			return err
		}
	}
	delete(p.reserved, index)

	log.Tracef("Key pool kept index %d", index)
	return nil
}

// Return puts a reserved entry back into the available set.
func (p *Pool) Return(index int64) error {
	e, ok := p.reserved[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotReserved, index)
	}

	delete(p.reserved, index)
	p.available[index] = e

	log.Tracef("Key pool returned index %d", index)
	return nil
}

// OldestTime returns the creation time of the lowest available entry, or
// the current time when the pool is empty.
func (p *Pool) OldestTime() time.Time {
	if len(p.available) == 0 {
		return time.Now()
	}
	return p.available[p.Available()[0]].Time
}

// Flush discards every available entry and tops the pool up with fresh
// keys.  Indices continue from where they left off.
func (p *Pool) Flush() error {
	for idx := range p.available {
		if p.db != nil {
			if err := p.db.DeletePoolEntry(idx); err != nil {
				return err
			}
		}
		delete(p.available, idx)
	}

	log.Infof("Key pool flushed, next index %d", p.nextIndex)
	return p.TopUp()
}
