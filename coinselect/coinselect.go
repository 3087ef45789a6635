// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinselect chooses the unspent outputs that fund a transaction.
//
// Given a target value, selection prefers, in order: a single output of
// exactly the target value; the subset of smaller outputs found by a
// randomized approximate subset-sum search with the least excess over the
// target (ties broken by fewer outputs); the single smallest output larger
// than the target; and finally smaller outputs accumulated largest first.
package coinselect

import (
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultIterations is the number of random subsets tried by the
// approximate subset-sum search.
const DefaultIterations = 1000

var (
	// ErrInsufficientFunds is returned when the eligible outputs do not
	// add up to the target.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidTarget is returned for a non-positive target.
	ErrInvalidTarget = errors.New("selection target must be positive")
)

// Coin is a spendable output.
type Coin struct {
	wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations int32

	// FromMe is set when the output belongs to a transaction this wallet
	// created.
	FromMe bool
}

// ConfPolicy holds the confirmation requirements for outputs.  Outputs of
// transactions the wallet created itself are trusted with fewer
// confirmations than outputs received from others.
type ConfPolicy struct {
	MinConfMine   int32
	MinConfTheirs int32
}

// Eligible returns whether c meets the policy.
func (p ConfPolicy) Eligible(c *Coin) bool {
	if c.FromMe {
		return c.Confirmations >= p.MinConfMine
	}
	return c.Confirmations >= p.MinConfTheirs
}

// Selector runs coin selection.  It is not safe for concurrent use.
type Selector struct {
	rng        *rand.Rand
	iterations int
}

// NewSelector returns a selector drawing randomness from src.  A nil src is
// seeded from the clock.
func NewSelector(src rand.Source, iterations int) *Selector {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if iterations < 0 {
		iterations = DefaultIterations
	}

	return &Selector{
		rng:        rand.New(src),
		iterations: iterations,
	}
}

// Select returns outputs from coins meeting policy whose total is at least
// target, along with that total.
func (s *Selector) Select(target btcutil.Amount, policy ConfPolicy,
	coins []Coin) ([]Coin, btcutil.Amount, error) {

	if target <= 0 {
		return nil, 0, ErrInvalidTarget
	}

	eligible := make([]Coin, 0, len(coins))
	for i := range coins {
		if policy.Eligible(&coins[i]) {
			eligible = append(eligible, coins[i])
		}
	}
	s.rng.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	var (
		lower        []Coin
		totalLower   btcutil.Amount
		lowestLarger = fn.None[Coin]()
	)
	for _, c := range eligible {
		switch {
		case c.Value == target:
			log.Tracef("Selected exact match %v", c.OutPoint)
			return []Coin{c}, c.Value, nil

		case c.Value < target:
			lower = append(lower, c)
			totalLower += c.Value

		default:
			larger := lowestLarger.UnwrapOr(c)
			if lowestLarger.IsNone() || c.Value < larger.Value {
				lowestLarger = fn.Some(c)
			}
		}
	}

	if totalLower == target {
		return lower, totalLower, nil
	}

	if totalLower < target {
		larger, err := lowestLarger.UnwrapOrErr(ErrInsufficientFunds)
		if err != nil {
			return nil, 0, err
		}
		return []Coin{larger}, larger.Value, nil
	}

	// Largest values first so the search converges on few outputs.
	sort.SliceStable(lower, func(i, j int) bool {
		return lower[i].Value > lower[j].Value
	})

	best, bestTotal, found := s.approximateBestSubset(lower, target)

	// A single larger output wins when it overshoots no more than the best
	// combination.
	if larger, err := lowestLarger.UnwrapOrErr(ErrInsufficientFunds); err == nil &&
		(!found || larger.Value <= bestTotal) {

		return []Coin{larger}, larger.Value, nil
	}

	if found {
		selected := make([]Coin, 0, len(lower))
		for i, in := range best {
			if in {
				selected = append(selected, lower[i])
			}
		}
		log.Tracef("Selected %d outputs totalling %v for target %v",
			len(selected), bestTotal, target)
		return selected, bestTotal, nil
	}

	return largestFirst(lower, target)
}

// approximateBestSubset searches random subsets of coins, which must be
// sorted by descending value, for the one with the smallest total not below
// target.
func (s *Selector) approximateBestSubset(coins []Coin,
	target btcutil.Amount) ([]bool, btcutil.Amount, bool) {

	var (
		best      []bool
		bestTotal btcutil.Amount
		bestCount int
		found     bool
	)

	included := make([]bool, len(coins))
	for rep := 0; rep < s.iterations && !(found && bestTotal == target); rep++ {
		for i := range included {
			included[i] = false
		}

		var (
			total   btcutil.Amount
			count   int
			reached bool
		)

		// The first pass includes each output at random.  The second
		// pass adds the outputs left out until the target is reached.
		for pass := 0; pass < 2 && !reached; pass++ {
			for i := range coins {
				var take bool
				if pass == 0 {
					take = s.rng.Intn(2) == 1
				} else {
					take = !included[i]
				}
				if !take {
					continue
				}

				total += coins[i].Value
				count++
				included[i] = true
				if total < target {
					continue
				}

				reached = true
				better := !found || total < bestTotal ||
					(total == bestTotal && count < bestCount)
				if better {
					best = append(best[:0], included...)
					bestTotal = total
					bestCount = count
					found = true
				}

				// Back the output out and look for a closer
				// total with the remaining ones.
				total -= coins[i].Value
				count--
				included[i] = false
			}
		}
	}

	return best, bestTotal, found
}

// largestFirst accumulates coins, sorted by descending value, until target
// is met.
func largestFirst(coins []Coin, target btcutil.Amount) ([]Coin,
	btcutil.Amount, error) {

	var total btcutil.Amount
	for i, c := range coins {
		total += c.Value
		if total >= target {
			return coins[:i+1], total, nil
		}
	}
	return nil, 0, ErrInsufficientFunds
}
