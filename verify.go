package main

import (
	"sync"

	"github.com/govalues/decimal"
	"github.com/rs/zerolog"
)

// verifier tracks, per account, the balance the source ledger says the
// remote side must show, and compares it against what the remote actually
// reports after each submission.
type verifier struct {
	log zerolog.Logger

	mu       sync.Mutex
	expected map[string]decimal.Decimal
	index    map[string]int
	halted   map[string]*ReconciliationError
}

func newVerifier(log zerolog.Logger) *verifier {
	return &verifier{
		log:      log,
		expected: make(map[string]decimal.Decimal),
		index:    make(map[string]int),
		halted:   make(map[string]*ReconciliationError),
	}
}

// Seed sets the balance an account holds before its first transaction.
func (v *verifier) Seed(account string, balance decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.expected[account] = balance
}

// Apply advances the expected balance by one transaction's total. Skipped
// transactions advance it too: the remote side already holds them.
func (v *verifier) Apply(account string, total decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.expected[account].Add(total)
	if err != nil {
		return err
	}
	v.expected[account] = next
	v.index[account]++
	return nil
}

// Verify compares the expected balance against the remote one. A mismatch
// halts the account: every later transaction of that account would submit
// on top of an already-wrong balance.
func (v *verifier) Verify(account string, actual decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	want := v.expected[account]
	if want.Cmp(actual) == 0 {
		return nil
	}
	rerr := &ReconciliationError{
		Account:  account,
		Index:    v.index[account],
		Expected: want,
		Actual:   actual,
	}
	v.halted[account] = rerr
	v.log.Error().
		Str("account", account).
		Int("txn", rerr.Index).
		Str("expected", want.String()).
		Str("actual", actual.String()).
		Msg("balance mismatch, halting account")
	return rerr
}

// Halted returns the reconciliation failure that stopped the account, if
// any.
func (v *verifier) Halted(account string) *ReconciliationError {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.halted[account]
}

// Expected returns the balance the account should currently show remotely.
func (v *verifier) Expected(account string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expected[account]
}
