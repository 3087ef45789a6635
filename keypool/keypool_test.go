// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keypool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/corewallet/keystore"
	"github.com/stretchr/testify/require"
)

var privPassphrase = []byte("81lUHXnOMZ@?XXd7O9xyDIWIbXX-lj")

type memDB struct {
	entries   map[int64]*Entry
	nextIndex int64
}

func newMemDB() *memDB {
	return &memDB{entries: make(map[int64]*Entry)}
}

func (m *memDB) PutPoolEntry(e *Entry) error {
	m.entries[e.Index] = e
	return nil
}

func (m *memDB) DeletePoolEntry(index int64) error {
	delete(m.entries, index)
	return nil
}

func (m *memDB) PutNextPoolIndex(index int64) error {
	m.nextIndex = index
	return nil
}

func newTestPool(t *testing.T, size int) (*Pool, *keystore.Store, *memDB) {
	t.Helper()

	ks := keystore.New(
		&chaincfg.RegressionNetParams, nil, &keystore.FastScryptOptions,
	)
	db := newMemDB()
	p := New(ks, db, size)
	require.NoError(t, p.TopUp())

	return p, ks, db
}

func TestTopUp(t *testing.T) {
	t.Parallel()

	p, ks, db := newTestPool(t, 5)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, p.Available())
	require.Equal(t, 5, ks.NumKeys())
	require.Len(t, db.entries, 5)
	require.Equal(t, int64(6), db.nextIndex)

	// Topping up a full pool is a no-op.
	require.NoError(t, p.TopUp())
	require.Equal(t, 5, ks.NumKeys())
}

func TestTopUpCountsReserved(t *testing.T) {
	t.Parallel()

	p, _, db := newTestPool(t, 3)

	held, err := p.Reserve()
	require.NoError(t, err)
	kept, err := p.Reserve()
	require.NoError(t, err)
	require.NoError(t, p.Keep(kept.Index))

	// Only the kept entry is replaced while the other is still held.
	require.NoError(t, p.TopUp())
	require.Equal(t, []int64{3, 4}, p.Available())
	require.Len(t, db.entries, 3)

	require.NoError(t, p.Return(held.Index))
	require.Equal(t, []int64{1, 3, 4}, p.Available())
}

func TestReserveReturnRestoresPool(t *testing.T) {
	t.Parallel()

	p, _, db := newTestPool(t, 3)
	before := p.Available()

	e, err := p.Reserve()
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Index)
	require.Equal(t, []int64{2, 3}, p.Available())

	require.NoError(t, p.Return(e.Index))
	require.Equal(t, before, p.Available())
	require.Len(t, db.entries, 3)

	// A second return of the same index is rejected.
	require.ErrorIs(t, p.Return(e.Index), ErrNotReserved)
}

func TestKeptIndexNeverReissued(t *testing.T) {
	t.Parallel()

	p, _, db := newTestPool(t, 3)

	e, err := p.Reserve()
	require.NoError(t, err)
	kept := e.Index
	require.NoError(t, p.Keep(kept))
	require.NotContains(t, db.entries, kept)
	require.ErrorIs(t, p.Return(kept), ErrNotReserved)

	require.NoError(t, p.TopUp())
	require.NoError(t, p.Flush())

	seen := make(map[int64]struct{})
	for i := 0; i < 10; i++ {
		e, err := p.Reserve()
		require.NoError(t, err)
		require.NotEqual(t, kept, e.Index)

		_, dup := seen[e.Index]
		require.False(t, dup, "index %d issued twice", e.Index)
		seen[e.Index] = struct{}{}

		require.NoError(t, p.Keep(e.Index))
	}
}

func TestReserveLocked(t *testing.T) {
	t.Parallel()

	p, ks, _ := newTestPool(t, 1)
	_, err := ks.Encrypt(privPassphrase)
	require.NoError(t, err)
	require.NoError(t, ks.Lock())

	// The pre-generated entry is still served while locked.
	e, err := p.Reserve()
	require.NoError(t, err)
	require.NoError(t, p.Keep(e.Index))

	// The pool is now empty and cannot grow.
	_, err = p.Reserve()
	require.Error(t, err)
	require.True(t, keystore.IsError(err, keystore.ErrLocked), "got %v", err)
	require.Equal(t, 0, p.Size())

	require.NoError(t, ks.Unlock(privPassphrase))
	e, err = p.Reserve()
	require.NoError(t, err)
	require.Equal(t, int64(2), e.Index)
}

func TestReloadKeepsIndicesMonotonic(t *testing.T) {
	t.Parallel()

	p, ks, db := newTestPool(t, 2)

	// Consume the highest index so it is absent from the replayed
	// entries.
	e1, err := p.Reserve()
	require.NoError(t, err)
	e2, err := p.Reserve()
	require.NoError(t, err)
	require.NoError(t, p.Return(e1.Index))
	require.NoError(t, p.Keep(e2.Index))

	reloaded := New(ks, db, 2)
	for _, e := range db.entries {
		require.NoError(t, reloaded.Load(e))
	}
	reloaded.LoadNextIndex(db.nextIndex)
	require.ErrorIs(t, reloaded.Load(db.entries[e1.Index]),
		ErrDuplicateIndex)

	require.Equal(t, []int64{1}, reloaded.Available())
	require.NoError(t, reloaded.TopUp())
	require.Equal(t, []int64{1, 3}, reloaded.Available())
}

func TestOldestTime(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, 2)
	oldest := p.available[1].Time
	require.Equal(t, oldest, p.OldestTime())

	for p.Size() > 0 {
		e, err := p.Reserve()
		require.NoError(t, err)
		require.NoError(t, p.Keep(e.Index))
	}
	require.WithinDuration(t, time.Now(), p.OldestTime(), time.Minute)
}
