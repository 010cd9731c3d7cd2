package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/govalues/decimal"
)

// Posting is one line of a canonical transaction. A single-line transaction
// has exactly one; a split has one per source split row.
type Posting struct {
	Category string
	Budget   string
	Amount   decimal.Decimal
	Memo     string
}

// TransferCounterpart names the asset account on the other side of a
// transfer leg.
type TransferCounterpart struct {
	Account string
}

// Transaction is the canonical form every register row group normalizes
// into, independent of export quirks.
type Transaction struct {
	Date     time.Time
	Account  string
	Payee    string
	Memo     string
	Postings []Posting

	// Total is the signed amount the transaction moves on Account,
	// derived from the running-balance delta when available.
	Total decimal.Decimal

	Transfer        *TransferCounterpart
	ForeignAmount   decimal.Decimal
	ForeignCurrency string

	Reconciled bool

	// Seq is the first source row's file position.
	Seq int
}

// Deposit reports whether money flows into the account.
func (t *Transaction) Deposit() bool { return t.Total.Sign() > 0 }

// Description is what the remote transaction will be titled.
func (t *Transaction) Description(empty string) string {
	if t.Payee != "" {
		return t.Payee
	}
	if t.Memo != "" {
		return t.Memo
	}
	return empty
}

// Split rows carry a "(Split i/j)" prefix in the memo column.
var splitRe = regexp.MustCompile(`^\(Split ([0-9]+)/([0-9]+)\)\s*(.*)$`)

// normalizer turns raw register rows into canonical transactions, tracking
// the running balance per account so totals can be cross-checked.
type normalizer struct {
	cfg      *config
	memoRe   *regexp.Regexp
	balances map[string]decimal.Decimal
	// latched is the foreign currency adopted for the run when the
	// config leaves it open: the first code a memo yields.
	latched string
	mu      sync.Mutex
}

func newNormalizer(cfg *config) *normalizer {
	marker := ""
	if cfg.MemoMarker != "" {
		// A configured marker is a gate: memos without it carry no
		// foreign amount.
		marker = regexp.QuoteMeta(cfg.MemoMarker) + `\s+`
	}
	return &normalizer{
		cfg:      cfg,
		memoRe:   regexp.MustCompile(`^.*?` + marker + `([A-Z]{3})\s+([0-9][0-9,]*(?:\.[0-9]+)?)(K)?;?`),
		balances: make(map[string]decimal.Decimal),
	}
}

// SeedBalance fixes the balance an account had before its first normalized
// row, normally taken from its starting-balance record.
func (n *normalizer) SeedBalance(account string, balance decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[account] = balance
}

// groupRows batches consecutive rows belonging to one transaction: a split
// marker in the memo opens a group that runs until all its parts are seen.
func groupRows(rows []RegisterRow) ([][]RegisterRow, error) {
	var groups [][]RegisterRow
	for i := 0; i < len(rows); {
		m := splitRe.FindStringSubmatch(rows[i].Memo)
		if m == nil {
			groups = append(groups, rows[i:i+1])
			i++
			continue
		}
		part, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if part != 1 {
			return nil, validationErrorf(rows[i].Account, rows[i].Date,
				"split part %d/%d without part 1", part, total)
		}
		if i+total > len(rows) {
			return nil, validationErrorf(rows[i].Account, rows[i].Date,
				"split of %d parts truncated at end of register", total)
		}
		group := rows[i : i+total]
		for j, r := range group {
			sm := splitRe.FindStringSubmatch(r.Memo)
			if sm == nil || sm[1] != strconv.Itoa(j+1) {
				return nil, validationErrorf(r.Account, r.Date,
					"expected split part %d/%d, got memo %q", j+1, total, r.Memo)
			}
			if r.Account != group[0].Account || !r.Date.Equal(group[0].Date) {
				return nil, validationErrorf(r.Account, r.Date,
					"split parts cross accounts or dates")
			}
		}
		groups = append(groups, group)
		i += total
	}
	return groups, nil
}

func cleanMemo(memo string) string {
	if m := splitRe.FindStringSubmatch(memo); m != nil {
		return m[3]
	}
	return memo
}

// Normalize converts one row group into canonical transactions. Transfer
// legs hiding inside a split are peeled off into transfers of their own;
// the remaining split rows form one transaction. Groups for a single
// account must arrive in chronological order so running-balance deltas
// line up.
func (n *normalizer) Normalize(group []RegisterRow) ([]*Transaction, error) {
	first, last := group[0], group[len(group)-1]

	total, err := n.advance(first.Account, last.RunningBalance, group)
	if err != nil {
		return nil, err
	}

	sum := decimal.Decimal{}
	for _, r := range group {
		if sum, err = sum.Add(r.Amount()); err != nil {
			return nil, validationErrorf(r.Account, r.Date, "amount overflow: %v", err)
		}
	}
	if sum.Cmp(total) != 0 {
		return nil, validationErrorf(first.Account, first.Date,
			"split rows sum to %s, running balance implies %s", sum, total)
	}

	var regular []RegisterRow
	var transfers []*Transaction
	for _, r := range group {
		target := n.transferTarget(r)
		if target == "" {
			regular = append(regular, r)
			continue
		}
		transfers = append(transfers, &Transaction{
			Date:       r.Date,
			Account:    r.Account,
			Payee:      n.cfg.payee(r.Payee),
			Memo:       cleanMemo(r.Memo),
			Postings:   []Posting{{Amount: r.Amount(), Memo: cleanMemo(r.Memo)}},
			Total:      r.Amount(),
			Transfer:   &TransferCounterpart{Account: target},
			Reconciled: r.Reconciled(),
			Seq:        r.Seq,
		})
	}

	var out []*Transaction
	if len(regular) > 0 {
		tx := &Transaction{
			Date:       first.Date,
			Account:    first.Account,
			Payee:      n.cfg.payee(regular[0].Payee),
			Reconciled: true,
			Seq:        regular[0].Seq,
		}
		if tx.Total, err = dsum(amounts(regular)...); err != nil {
			return nil, validationErrorf(first.Account, first.Date, "amount overflow: %v", err)
		}
		for _, r := range regular {
			memo := cleanMemo(r.Memo)
			if tx.Memo == "" {
				tx.Memo = memo
			}
			if !r.Reconciled() {
				tx.Reconciled = false
			}
			tx.Postings = append(tx.Postings, Posting{
				Category: r.SubCategory,
				Budget:   n.budgetName(r),
				Amount:   r.Amount(),
				Memo:     memo,
			})
		}
		if err := n.foreignAmount(tx); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return append(out, transfers...), nil
}

// advance computes the signed total from the running-balance delta and
// moves the tracked balance forward. Accounts seen without a seed start
// from their first row group's own sum.
func (n *normalizer) advance(account string, after decimal.Decimal, group []RegisterRow) (decimal.Decimal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	before, seeded := n.balances[account]
	n.balances[account] = after
	if !seeded {
		return dsum(amounts(group)...)
	}
	total, err := after.Sub(before)
	if err != nil {
		return decimal.Decimal{}, validationErrorf(account, group[0].Date, "balance overflow: %v", err)
	}
	return total, nil
}

func amounts(group []RegisterRow) []decimal.Decimal {
	out := make([]decimal.Decimal, len(group))
	for i, r := range group {
		out[i] = r.Amount()
	}
	return out
}

// transferTarget extracts the counterpart account from a transfer marker in
// the category column, falling back to the payee column.
func (n *normalizer) transferTarget(r RegisterRow) string {
	for _, field := range []string{r.Category, r.Payee} {
		if strings.HasPrefix(field, n.cfg.TransferMarker) {
			return strings.TrimSpace(strings.TrimPrefix(field, n.cfg.TransferMarker))
		}
	}
	return ""
}

func (n *normalizer) budgetName(r RegisterRow) string {
	if r.SubCategory == "" {
		return ""
	}
	return budgetLabel(n.cfg, r.Category, r.SubCategory, r.MasterCategory == "Hidden Categories")
}

// foreignAmount applies the memo convention "CODE 45.00" (prefixed by the
// marker when one is configured, optionally K-scaled) to record the amount
// in the transaction's original currency. The sign follows the native
// total. A run carries one foreign currency: the configured one, or the
// first code a memo yields.
func (n *normalizer) foreignAmount(tx *Transaction) error {
	m := n.memoRe.FindStringSubmatch(tx.Memo)
	if m == nil {
		return nil
	}
	code := m[1]
	switch {
	case n.cfg.ForeignCurrency != "":
		if code != n.cfg.ForeignCurrency {
			return nil
		}
	default:
		n.mu.Lock()
		if n.latched == "" {
			n.latched = code
		}
		latched := n.latched
		n.mu.Unlock()
		if code != latched {
			return nil
		}
	}
	amt, err := decimal.Parse(strings.ReplaceAll(m[2], ",", ""))
	if err != nil {
		return validationErrorf(tx.Account, tx.Date, "foreign amount in memo %q: %v", tx.Memo, err)
	}
	if m[3] == "K" {
		if amt, err = amt.Mul(decimal.MustNew(1000, 0)); err != nil {
			return validationErrorf(tx.Account, tx.Date, "foreign amount overflow in %q", tx.Memo)
		}
	}
	if tx.Total.Sign() < 0 {
		amt = amt.Neg()
	}
	tx.ForeignAmount = amt
	tx.ForeignCurrency = code
	return nil
}

// naturalKey is the stable identity of a transaction across runs. Seq
// within the day separates same-looking transactions on one date.
func naturalKey(tx *Transaction, seqInDay int) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		tx.Account, tx.Date.Format(dateStamp), tx.Total, tx.Memo, seqInDay)
}
