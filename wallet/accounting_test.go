// Copyright (c) 2018 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/stretchr/testify/require"
)

func TestMoveFunds(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())

	require.NoError(t, w.MoveFunds("", "savings", 3e8, "first"))
	require.NoError(t, w.MoveFunds("savings", "travel", 1e8, "second"))

	tests := []struct {
		account string
		want    btcutil.Amount
		entries int
	}{
		{account: "", want: -3e8, entries: 1},
		{account: "savings", want: 2e8, entries: 2},
		{account: "travel", want: 1e8, entries: 1},
		{account: "unknown", want: 0, entries: 0},
	}
	for _, test := range tests {
		got, err := w.AccountCreditDebit(test.account)
		require.NoError(t, err)
		require.Equal(t, test.want, got, "account %q", test.account)
		require.Len(t, w.AccountingEntries(test.account), test.entries)
	}

	all := w.AccountingEntries(AllAccounts)
	require.Len(t, all, 4)
	require.Equal(t, "savings", all[0].OtherAccount)
	require.Equal(t, "first", all[1].Comment)

	// Moves do not touch the wallet balance.
	requireBalance(t, w, 0)
}

func TestMoveFundsInvalid(t *testing.T) {
	t.Parallel()

	w, _ := testWallet(t, testConfig())

	err := w.MoveFunds("a", "b", 0, "")
	require.True(t, wtxmgr.IsError(err, wtxmgr.ErrAmountOutOfRange))

	err = w.MoveFunds("a", "b", btcutil.MaxSatoshi+1, "")
	require.True(t, wtxmgr.IsError(err, wtxmgr.ErrAmountOutOfRange))

	require.Error(t, w.MoveFunds(AllAccounts, "b", 1, ""))
	require.Empty(t, w.AccountingEntries(AllAccounts))
}
