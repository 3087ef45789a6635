// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// AllAccounts selects the entries of every account in AccountingEntries.
const AllAccounts = "*"

// AccountingEntry is an internal movement of funds between named accounts.
// It changes no transaction and no key; account balances are bookkeeping on
// top of the wallet balance.
type AccountingEntry struct {
	Account      string
	CreditDebit  btcutil.Amount
	Time         time.Time
	OtherAccount string
	Comment      string
}

// MoveFunds records a transfer of amount from one account to another as a
// debit and a matching credit.
func (w *Wallet) MoveFunds(from, to string, amount btcutil.Amount,
	comment string) error {

	if amount <= 0 || !wtxmgr.MoneyRange(amount) {
		return amountOutOfRange(fmt.Sprintf("move amount %d", amount))
	}
	if from == AllAccounts || to == AllAccounts {
		return fmt.Errorf("invalid account name %q", AllAccounts)
	}

	now := time.Now()
	debit := &AccountingEntry{
		Account:      from,
		CreditDebit:  -amount,
		Time:         now,
		OtherAccount: to,
		Comment:      comment,
	}
	credit := &AccountingEntry{
		Account:      to,
		CreditDebit:  amount,
		Time:         now,
		OtherAccount: from,
		Comment:      comment,
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if err := w.db.putAccountingEntries(debit, credit); err != nil {
		return err
	}
	w.acctEntries = append(w.acctEntries, debit, credit)

	log.Debugf("Moved %v from account %q to %q", amount, from, to)
	return nil
}

// AccountCreditDebit returns the sum of the entries of an account.
func (w *Wallet) AccountCreditDebit(account string) (btcutil.Amount, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	var total btcutil.Amount
	for _, e := range w.accountEntries(account) {
		total += e.CreditDebit
		if total < -btcutil.MaxSatoshi || total > btcutil.MaxSatoshi {
			return 0, amountOutOfRange("account " + account)
		}
	}
	return total, nil
}

// AccountingEntries returns copies of the entries of an account, or of all
// accounts for AllAccounts, in the order they were made.
func (w *Wallet) AccountingEntries(account string) []AccountingEntry {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return fn.Map(w.accountEntries(account), func(e *AccountingEntry) AccountingEntry {
		return *e
	})
}

// accountEntries filters the entries by account.  The caller must hold
// w.mtx.
func (w *Wallet) accountEntries(account string) []*AccountingEntry {
	if account == AllAccounts {
		return w.acctEntries
	}
	return fn.Filter(w.acctEntries, func(e *AccountingEntry) bool {
		return e.Account == account
	})
}
