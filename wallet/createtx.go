// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/corewallet/coinselect"
	"github.com/btcsuite/corewallet/internal/zero"
	"github.com/btcsuite/corewallet/keypool"
	"github.com/btcsuite/corewallet/keystore"
	"github.com/btcsuite/corewallet/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CreatedTx is a signed transaction built by CreateTransaction that has not
// yet been committed to the wallet.
type CreatedTx struct {
	*txauthor.AuthoredTx

	// Fee is the total input value not paid to an output.
	Fee btcutil.Amount

	// changeKey is the reserved pool entry receiving change, nil when the
	// transaction has no change output.
	changeKey *keypool.Entry
}

// secretSource looks up private keys in the key store for signing.  It must
// only be used while the wallet mutex is held.
type secretSource struct {
	keyStore *keystore.Store

	// handedOut holds every key copy returned by GetKey until wipe.
	handedOut []*btcec.PrivateKey
}

var _ txauthor.SecretsSource = (*secretSource)(nil)

// GetKey implements txscript.KeyDB.
func (s *secretSource) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	priv, err := s.keyStore.PrivKeyForAddress(addr)
	if err != nil {
		return nil, false, err
	}
	s.handedOut = append(s.handedOut, priv)
	return priv, true, nil
}

// wipe zeroes the keys handed out so far.
func (s *secretSource) wipe() {
	for _, priv := range s.handedOut {
		zero.PrivateKey(priv)
	}
	s.handedOut = nil
}

// GetScript implements txscript.ScriptDB.  The wallet only holds single key
// outputs.
func (s *secretSource) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no script for address %v", addr)
}

// ChainParams returns the network the keys belong to.
func (s *secretSource) ChainParams() *chaincfg.Params {
	return s.keyStore.ChainParams()
}

func amountOutOfRange(desc string) error {
	log.Criticalf("Amount out of range: %s", desc)
	return wtxmgr.TxStoreError{
		ErrorCode:   wtxmgr.ErrAmountOutOfRange,
		Description: desc,
	}
}

// validateOutputs checks every output and returns their total.
func (w *Wallet) validateOutputs(outputs []*wire.TxOut) (btcutil.Amount,
	error) {

	if len(outputs) == 0 {
		return 0, ErrNoOutputs
	}

	var total btcutil.Amount
	for i, out := range outputs {
		value := btcutil.Amount(out.Value)
		if value <= 0 || !wtxmgr.MoneyRange(value) {
			return 0, amountOutOfRange(fmt.Sprintf("output %d "+
				"value %d", i, out.Value))
		}

		err := txrules.CheckOutput(out, w.cfg.FeeRate)
		switch {
		case errors.Is(err, txrules.ErrAmountNegative),
			errors.Is(err, txrules.ErrAmountExceedsMax):
			return 0, amountOutOfRange(err.Error())
		case err != nil:
			return 0, fmt.Errorf("output %d: %w", i, err)
		}

		total += value
		if !wtxmgr.MoneyRange(total) {
			return 0, amountOutOfRange("output total")
		}
	}
	return total, nil
}

// spendableCoins returns the unspent outputs as coin selection candidates.
// The caller must hold w.mtx.
func (w *Wallet) spendableCoins() []coinselect.Coin {
	return fn.Map(w.txStore.UnspentOutputs(), func(c wtxmgr.Credit) coinselect.Coin {
		return coinselect.Coin{
			OutPoint:      c.OutPoint,
			Value:         c.Amount,
			PkScript:      c.PkScript,
			Confirmations: c.Confirmations,
			FromMe:        c.FromMe,
		}
	})
}

// CreateTransaction builds and signs a transaction paying outputs.  Inputs
// are picked by coin selection, in an order unrelated to the wallet's, and
// any excess above the fee is sent to a key reserved from the key pool.
// Since the fee depends on the size of the signed transaction, selection is
// repeated with the higher fee until it covers the transaction.
//
// The change key stays reserved until the transaction is passed to
// CommitTransaction or ReleaseTransaction.  On failure nothing is reserved.
func (w *Wallet) CreateTransaction(outputs []*wire.TxOut) (*CreatedTx,
	error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.createTransaction(outputs)
}

func (w *Wallet) createTransaction(outputs []*wire.TxOut) (*CreatedTx,
	error) {

	total, err := w.validateOutputs(outputs)
	if err != nil {
		return nil, err
	}

	policy := coinselect.ConfPolicy{
		MinConfMine:   w.cfg.MinConfMine,
		MinConfTheirs: w.cfg.MinConfTheirs,
	}
	coins := w.spendableCoins()

	var changeKey *keypool.Entry
	releaseChange := func() {
		if changeKey == nil {
			return
		}
		if err := w.keyPool.Return(changeKey.Index); err != nil {
			log.Errorf("Unable to return change key: %v", err)
		}
		changeKey = nil
	}

	// The first round assumes a single P2PKH input.
	fee := txrules.FeeForSerializeSize(
		w.cfg.FeeRate, txsizes.EstimateVirtualSize(
			1, 0, 0, 0, outputs, txsizes.P2PKHPkScriptSize,
		),
	)

	for round := 0; round < w.cfg.MaxFeeRetries; round++ {
		target := total + fee
		if !wtxmgr.MoneyRange(target) {
			releaseChange()
			return nil, amountOutOfRange("payment plus fee")
		}

		selected, selectedTotal, err := w.selector.Select(
			target, policy, coins,
		)
		if errors.Is(err, coinselect.ErrInsufficientFunds) {
			releaseChange()
			return nil, &InsufficientFundsError{
				Available: eligibleTotal(policy, coins),
				Required:  target,
			}
		}
		if err != nil {
			releaseChange()
			return nil, err
		}

		tx := wire.NewMsgTx(wire.TxVersion)
		for _, out := range outputs {
			tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
		}

		// Change below the dust limit is left to the miner.  A key
		// reserved by an earlier round is not needed then.
		change := selectedTotal - target
		changeIndex := -1
		if w.isDustChange(change) {
			releaseChange()
		} else {
			if changeKey == nil {
				changeKey, err = w.keyPool.Reserve()
				if err != nil {
					return nil, err
				}
			}
			pkScript, err := w.payToKeyScript(changeKey.PubKey)
			if err != nil {
				releaseChange()
				return nil, err
			}
			tx.AddTxOut(wire.NewTxOut(int64(change), pkScript))
			changeIndex = len(tx.TxOut) - 1
		}

		w.rng.Shuffle(len(selected), func(i, j int) {
			selected[i], selected[j] = selected[j], selected[i]
		})
		authored := &txauthor.AuthoredTx{
			Tx:              tx,
			PrevScripts:     make([][]byte, 0, len(selected)),
			PrevInputValues: make([]btcutil.Amount, 0, len(selected)),
			TotalInput:      selectedTotal,
			ChangeIndex:     changeIndex,
		}
		for _, c := range selected {
			op := c.OutPoint
			tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
			authored.PrevScripts = append(authored.PrevScripts, c.PkScript)
			authored.PrevInputValues = append(
				authored.PrevInputValues, c.Value,
			)
		}
		if changeIndex >= 0 {
			authored.RandomizeChangePosition()
		}

		if err := w.signInputs(authored); err != nil {
			releaseChange()
			return nil, err
		}

		var outTotal btcutil.Amount
		for _, out := range tx.TxOut {
			outTotal += btcutil.Amount(out.Value)
		}
		paid := selectedTotal - outTotal
		required := txrules.FeeForSerializeSize(
			w.cfg.FeeRate, tx.SerializeSize(),
		)
		if paid >= required {
			log.Debugf("Created tx %v spending %d %s, fee %v",
				tx.TxHash(), len(tx.TxIn),
				pickNoun(len(tx.TxIn), "input", "inputs"), paid)
			log.Tracef("%v", spewTx(tx))

			return &CreatedTx{
				AuthoredTx: authored,
				Fee:        paid,
				changeKey:  changeKey,
			}, nil
		}

		log.Debugf("Fee %v below required %v, retrying", paid, required)
		fee = required
	}

	releaseChange()
	return nil, ErrFeeNotConverged
}

// isDustChange returns whether change paid to a new pay-to-pubkey-hash
// output would be dust under the configured relay fee.
func (w *Wallet) isDustChange(change btcutil.Amount) bool {
	if change <= 0 {
		return true
	}
	out := wire.NewTxOut(
		int64(change), make([]byte, txsizes.P2PKHPkScriptSize),
	)
	return txrules.IsDustOutput(out, w.cfg.FeeRate)
}

// eligibleTotal sums the coins spendable under policy.
func eligibleTotal(policy coinselect.ConfPolicy,
	coins []coinselect.Coin) btcutil.Amount {

	eligible := fn.Filter(coins, func(c coinselect.Coin) bool {
		return policy.Eligible(&c)
	})
	values := fn.Map(eligible, func(c coinselect.Coin) int64 {
		return int64(c.Value)
	})
	return btcutil.Amount(fn.Sum(values))
}

// signInputs signs every input of tx with the key store.  The caller must
// hold w.mtx.
func (w *Wallet) signInputs(tx *txauthor.AuthoredTx) error {
	secrets := &secretSource{keyStore: w.keyStore}
	defer secrets.wipe()
	params := w.cfg.ChainParams

	for i, in := range tx.Tx.TxIn {
		pkScript := tx.PrevScripts[i]
		script, err := txscript.SignTxOutput(
			params, tx.Tx, i, pkScript, txscript.SigHashAll,
			secrets, secrets, nil,
		)
		if err != nil {
			return &SignatureError{Index: i, Err: err}
		}
		in.SignatureScript = script

		// Check the script against the output it spends.
		vm, err := txscript.NewEngine(
			pkScript, tx.Tx, i, txscript.StandardVerifyFlags, nil,
			nil, int64(tx.PrevInputValues[i]),
			txscript.NewCannedPrevOutputFetcher(
				pkScript, int64(tx.PrevInputValues[i]),
			),
		)
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			return &SignatureError{Index: i, Err: err}
		}
	}
	return nil
}

// ReleaseTransaction abandons a created transaction, returning its change
// key to the pool.
func (w *Wallet) ReleaseTransaction(created *CreatedTx) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if created.changeKey == nil {
		return nil
	}
	err := w.keyPool.Return(created.changeKey.Index)
	created.changeKey = nil
	return err
}

// CommitTransaction records a created transaction as the wallet's own: the
// outputs it spends are marked spent, its change key is kept and the
// transaction is added to the store.  The returned record is ready to be
// broadcast.
//
// A transaction spending an output that is no longer spendable, as when
// another transaction built over the same coins was committed first, is
// rejected with ErrInputsUnavailable and its change key is returned.
func (w *Wallet) CommitTransaction(created *CreatedTx) (*wtxmgr.TxRecord,
	error) {

	w.mtx.Lock()
	rec, err := w.commitTransaction(created)
	w.mtx.Unlock()
	if err != nil {
		return nil, err
	}

	// The key topping up the pool is new to the chain client.
	w.watchNewAddresses()
	return rec, nil
}

func (w *Wallet) commitTransaction(created *CreatedTx) (*wtxmgr.TxRecord,
	error) {

	tx := created.Tx
	if err := w.txStore.CheckSpendable(tx); err != nil {
		if e := created.changeKey; e != nil {
			if err := w.keyPool.Return(e.Index); err != nil {
				log.Errorf("Unable to return change key: %v",
					err)
			}
			created.changeKey = nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInputsUnavailable, err)
	}
	if created.changeKey == nil && created.ChangeIndex >= 0 {
		return nil, ErrTxReleased
	}

	rec := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	rec.FromMe = true
	if _, err := w.txStore.AddIfRelevant(rec, nil, true); err != nil {
		return nil, err
	}

	if e := created.changeKey; e != nil {
		if err := w.keyPool.Keep(e.Index); err != nil {
			return nil, err
		}
		created.changeKey = nil

		h := btcutil.Hash160(e.PubKey.SerializeCompressed())
		if err := w.db.putChangeKey(h); err != nil {
			return nil, err
		}
		var key [20]byte
		copy(key[:], h)
		w.changeKeys[key] = struct{}{}

		w.topUpIfUnlocked()
	}

	log.Infof("Committed tx %v", rec.Hash)
	return rec, nil
}

// PublishTransaction hands a committed transaction to the chain client.  A
// failure leaves the transaction committed; it is retried by the resend
// loop.
func (w *Wallet) PublishTransaction(rec *wtxmgr.TxRecord) (*chainhash.Hash,
	error) {

	client, err := w.requireChainClient()
	if err != nil {
		return nil, err
	}

	hash, err := client.SendRawTransaction(&rec.MsgTx, false)
	if err != nil {
		log.Errorf("Unable to broadcast tx %v: %v", rec.Hash, err)
		return nil, err
	}

	w.mtx.Lock()
	w.markBroadcast(&rec.Hash)
	w.mtx.Unlock()

	return hash, nil
}

// SendMoney pays amount to addr: it creates, commits and broadcasts the
// transaction.
func (w *Wallet) SendMoney(addr btcutil.Address,
	amount btcutil.Amount) (*wtxmgr.TxRecord, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	w.mtx.Lock()
	created, err := w.createTransaction(
		[]*wire.TxOut{wire.NewTxOut(int64(amount), pkScript)},
	)
	if err != nil {
		w.mtx.Unlock()
		return nil, err
	}
	rec, err := w.commitTransaction(created)
	w.mtx.Unlock()
	if err != nil {
		return nil, err
	}

	// The change address is new to the chain client.
	w.watchNewAddresses()

	if _, err := w.PublishTransaction(rec); err != nil {
		return rec, err
	}
	return rec, nil
}
