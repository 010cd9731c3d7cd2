package main

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Action is the planner's verdict for one canonical transaction.
type Action int

const (
	// ActionCreate submits the transaction remotely.
	ActionCreate Action = iota
	// ActionSkipAlreadyImported skips a transaction a previous run
	// already committed.
	ActionSkipAlreadyImported
	// ActionSkipTransferMirror skips the second leg of a transfer whose
	// first leg carries the whole movement.
	ActionSkipTransferMirror
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionSkipAlreadyImported:
		return "skip-already-imported"
	case ActionSkipTransferMirror:
		return "skip-transfer-mirror"
	}
	return "unknown"
}

// plan pairs an action with the natural key it was decided for. Leg is set
// for transfer legs: the creating leg's own entry on ActionCreate, the
// counterpart's entry on ActionSkipTransferMirror.
type plan struct {
	Action Action
	Key    string
	Leg    *transferLeg
}

// transferLeg is the rendezvous point between the two sides of one
// transfer. The creating worker completes it once the remote id is known;
// the mirror's worker waits on it.
type transferLeg struct {
	key      string
	account  string
	tx       *Transaction
	remoteID string
	err      error
	done     chan struct{}
}

func (l *transferLeg) complete(remoteID string, err error) {
	l.remoteID = remoteID
	l.err = err
	close(l.done)
}

func (l *transferLeg) wait(ctx context.Context) (string, error) {
	select {
	case <-l.done:
		return l.remoteID, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// planner decides, for every canonical transaction, whether it must be
// created remotely or skipped. It owns the per-day sequence counters and
// the table of transfer legs awaiting their mirrors.
type planner struct {
	cache *cache
	cfg   *config
	log   zerolog.Logger

	mu       sync.Mutex
	seqInDay map[string]int
	pending  map[string][]*transferLeg
}

func newPlanner(c *cache, cfg *config, log zerolog.Logger) *planner {
	return &planner{
		cache:    c,
		cfg:      cfg,
		log:      log,
		seqInDay: make(map[string]int),
		pending:  make(map[string][]*transferLeg),
	}
}

// pairKey identifies a transfer independently of which leg is looked at:
// the account pair is sorted and the amount taken absolute.
func pairKey(a, b string, tx *Transaction) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b + "|" + tx.Total.Abs().String()
}

// Plan must be called once per transaction, in chronological order within
// each account. It is safe for concurrent use across accounts.
func (p *planner) Plan(tx *Transaction) *plan {
	p.mu.Lock()
	defer p.mu.Unlock()

	dayKey := tx.Account + "|" + tx.Date.Format(dateStamp)
	seq := p.seqInDay[dayKey]
	p.seqInDay[dayKey]++
	key := naturalKey(tx, seq)

	if p.cache.HasSubmitted(key) {
		return &plan{Action: ActionSkipAlreadyImported, Key: key}
	}
	if tx.Transfer == nil {
		return &plan{Action: ActionCreate, Key: key}
	}

	pk := pairKey(tx.Account, tx.Transfer.Account, tx)
	if creator := p.takeCounterpart(pk, tx); creator != nil {
		return &plan{Action: ActionSkipTransferMirror, Key: key, Leg: creator}
	}

	leg := &transferLeg{key: key, account: tx.Account, tx: tx, done: make(chan struct{})}
	p.pending[pk] = append(p.pending[pk], leg)
	return &plan{Action: ActionCreate, Key: key, Leg: leg}
}

// takeCounterpart removes and returns the pending leg that mirrors tx, if
// one is waiting: opposite sign, counterpart account, and a date within the
// configured tolerance.
func (p *planner) takeCounterpart(pk string, tx *Transaction) *transferLeg {
	var candidates []int
	for i, leg := range p.pending[pk] {
		if leg.account != tx.Transfer.Account {
			continue
		}
		if leg.tx.Total.Sign() == tx.Total.Sign() && !tx.Total.IsZero() {
			continue
		}
		days := tx.Date.Sub(leg.tx.Date).Hours() / 24
		if days < 0 {
			days = -days
		}
		if int(days) > p.cfg.TransferDayTolerance {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > 1 {
		p.log.Warn().
			Str("account", tx.Account).
			Str("counterpart", tx.Transfer.Account).
			Str("amount", tx.Total.String()).
			Str("date", tx.Date.Format(dateStamp)).
			Int("candidates", len(candidates)).
			Str("tiebreak", p.cfg.TransferTiebreak).
			Msg("ambiguous transfer pairing")
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := p.pending[pk][candidates[i]], p.pending[pk][candidates[j]]
		return a.tx.Seq < b.tx.Seq
	})
	pick := candidates[0]
	if p.cfg.TransferTiebreak == "latest" {
		pick = candidates[len(candidates)-1]
	}
	leg := p.pending[pk][pick]
	p.pending[pk] = append(p.pending[pk][:pick:pick], p.pending[pk][pick+1:]...)
	if len(p.pending[pk]) == 0 {
		delete(p.pending, pk)
	}
	return leg
}

// PendingInto reports whether a transfer dated on or before asOf was
// created against account and is still awaiting its mirror. While one is
// outstanding, the account's remote balance runs ahead of its expected
// chain, so balance checks against it would misfire.
func (p *planner) PendingInto(account string, asOf time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, legs := range p.pending {
		for _, leg := range legs {
			if leg.tx.Transfer.Account == account && !leg.tx.Date.After(asOf) {
				return true
			}
		}
	}
	return false
}

// Unmatched reports transfer legs whose mirror never arrived, e.g. when the
// counterpart account's rows fell outside the imported window.
func (p *planner) Unmatched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []string
	for _, legs := range p.pending {
		for _, leg := range legs {
			keys = append(keys, leg.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// orphanDescription summarizes an unmatched leg for the run report.
func orphanDescription(key string) string {
	parts := strings.SplitN(key, "|", 5)
	if len(parts) < 3 {
		return key
	}
	return parts[0] + " on " + parts[1] + " for " + parts[2]
}
