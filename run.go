package main

import (
	"context"
	"sort"
	"time"

	"github.com/govalues/decimal"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// accountStats is one account's tally of the run's outcomes.
type accountStats struct {
	Created         int
	SkippedExisting int
	SkippedMirror   int
	Failed          int
	Halted          string
}

// runner drives the whole import: partitioning the register per account,
// normalizing, planning, submitting, and verifying balances along the way.
type runner struct {
	cfg    *config
	gw     Gateway
	cache  *cache
	res    *resolver
	norm   *normalizer
	plan   *planner
	ver    *verifier
	log    zerolog.Logger
	dryRun bool
	// from/to bound the imported window to whole months; zero means
	// unbounded on that side.
	from, to time.Time
	workers  int
	// runTag labels every transaction this run creates.
	runTag string

	streams map[string][][]RegisterRow
	order   []string
	stats   map[string]*accountStats
}

func newRunner(cfg *config, gw Gateway, c *cache, res *resolver, log zerolog.Logger) *runner {
	return &runner{
		cfg:     cfg,
		gw:      gw,
		cache:   c,
		res:     res,
		norm:    newNormalizer(cfg),
		plan:    newPlanner(c, cfg, log),
		ver:     newVerifier(log),
		log:     log,
		workers: 4,
		streams: make(map[string][][]RegisterRow),
		stats:   make(map[string]*accountStats),
	}
}

// Prepare partitions rows into per-account transaction streams, peeling off
// starting-balance records to seed opening balances. Zero-amount rows are
// memo-only bookkeeping and are dropped; the remote side rejects them.
func (r *runner) Prepare(rows []RegisterRow) error {
	perAccount := make(map[string][]RegisterRow)
	for _, row := range rows {
		if row.Amount().IsZero() && !row.IsStartingBalance() && !splitRe.MatchString(row.Memo) {
			continue
		}
		if _, ok := perAccount[row.Account]; !ok {
			r.order = append(r.order, row.Account)
		}
		perAccount[row.Account] = append(perAccount[row.Account], row)
	}
	sort.Strings(r.order)

	for _, account := range r.order {
		stream := perAccount[account]
		if len(stream) > 0 && stream[0].IsStartingBalance() {
			open := stream[0]
			r.norm.SeedBalance(account, open.RunningBalance)
			r.ver.Seed(account, open.RunningBalance)
			r.res.SetOpening(account, open.Date, open.RunningBalance)
			stream = stream[1:]
		}
		groups, err := groupRows(stream)
		if err != nil {
			return err
		}
		r.streams[account] = groups
		r.stats[account] = &accountStats{}
	}
	return nil
}

// Run processes every account stream, a bounded number of them at a time.
// An account that fails is halted on its own; the others keep going.
func (r *runner) Run(ctx context.Context) map[string]*accountStats {
	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, account := range r.order {
		account := account
		g.Go(func() error {
			r.runAccount(ctx, account)
			return nil
		})
	}
	g.Wait()

	for _, key := range r.plan.Unmatched() {
		r.log.Warn().Str("leg", orphanDescription(key)).
			Msg("transfer leg never met its mirror")
	}
	return r.stats
}

func (r *runner) runAccount(ctx context.Context, account string) {
	st := r.stats[account]
	log := r.log.With().Str("account", account).Logger()
	for _, group := range r.streams[account] {
		date := group[0].Date
		if !r.to.IsZero() && date.After(r.to) {
			break
		}
		if !r.from.IsZero() && date.Before(r.from) {
			// Out-of-window history still moves the balance chain.
			last := group[len(group)-1].RunningBalance
			r.norm.SeedBalance(account, last)
			r.ver.Seed(account, last)
			continue
		}
		if err := r.step(ctx, account, group, log); err != nil {
			st.Failed++
			st.Halted = err.Error()
			log.Error().Err(err).Msg("halting account")
			return
		}
	}
}

// step handles one row group end to end. Any returned error is fatal for
// the account: once a transaction cannot be placed, every later balance on
// the account is suspect.
func (r *runner) step(ctx context.Context, account string, group []RegisterRow, log zerolog.Logger) error {
	txs, err := r.norm.Normalize(group)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if err := r.apply(ctx, account, tx, log); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) apply(ctx context.Context, account string, tx *Transaction, log zerolog.Logger) error {
	st := r.stats[account]

	pl := r.plan.Plan(tx)
	switch pl.Action {
	case ActionSkipAlreadyImported:
		st.SkippedExisting++
		log.Debug().Str("key", pl.Key).Msg("already imported")
		return r.ver.Apply(account, tx.Total)

	case ActionSkipTransferMirror:
		remoteID, err := pl.Leg.wait(ctx)
		if err != nil {
			return err
		}
		if err := r.cache.MarkSubmitted(pl.Key, remoteID); err != nil {
			return err
		}
		st.SkippedMirror++
		if err := r.ver.Apply(account, tx.Total); err != nil {
			return err
		}
		if r.dryRun {
			return nil
		}
		return r.verifyBalance(ctx, account, tx)

	default:
		return r.create(ctx, account, tx, pl, log)
	}
}

func (r *runner) create(ctx context.Context, account string, tx *Transaction, pl *plan, log zerolog.Logger) error {
	st := r.stats[account]
	if r.dryRun {
		log.Info().Str("key", pl.Key).Str("amount", tx.Total.String()).
			Str("payee", tx.Payee).Msg("would create")
		if pl.Leg != nil {
			pl.Leg.complete("dry-run", nil)
		}
		st.Created++
		return r.ver.Apply(account, tx.Total)
	}

	sub, err := r.buildSubmission(ctx, tx, pl.Key)
	if err != nil {
		if pl.Leg != nil {
			pl.Leg.complete("", err)
		}
		return err
	}
	remoteID, err := r.gw.CreateTransaction(ctx, sub)
	if pl.Leg != nil {
		pl.Leg.complete(remoteID, err)
	}
	if err != nil {
		return err
	}
	if err := r.cache.MarkSubmitted(pl.Key, remoteID); err != nil {
		return err
	}
	st.Created++
	log.Debug().Str("key", pl.Key).Str("id", remoteID).Msg("created")
	if err := r.ver.Apply(account, tx.Total); err != nil {
		return err
	}
	return r.verifyBalance(ctx, account, tx)
}

func (r *runner) verifyBalance(ctx context.Context, account string, tx *Transaction) error {
	// A transfer into this account that is still awaiting its mirror has
	// already moved the remote balance but not the expected chain; the
	// check resumes once the mirror leg is consumed.
	if r.plan.PendingInto(account, tx.Date) {
		return nil
	}
	accountID, err := r.res.Resolve(ctx, KindAssetAccount, account)
	if err != nil {
		return err
	}
	actual, err := r.gw.AccountBalance(ctx, accountID, tx.Date)
	if err != nil {
		return err
	}
	// Re-check: a leg registered before the fetch returned may have moved
	// the balance mid-flight. Legs into this account are only consumed by
	// this worker, so a clear answer here is authoritative.
	if r.plan.PendingInto(account, tx.Date) {
		return nil
	}
	return r.ver.Verify(account, actual)
}

// buildSubmission resolves every name the transaction references and shapes
// it for the wire.
func (r *runner) buildSubmission(ctx context.Context, tx *Transaction, key string) (*Submission, error) {
	accountID, err := r.res.Resolve(ctx, KindAssetAccount, tx.Account)
	if err != nil {
		return nil, err
	}

	var txType, sourceID, destID string
	switch {
	case tx.Transfer != nil:
		counterID, err := r.res.Resolve(ctx, KindAssetAccount, tx.Transfer.Account)
		if err != nil {
			return nil, err
		}
		txType = "transfer"
		if tx.Deposit() {
			sourceID, destID = counterID, accountID
		} else {
			sourceID, destID = accountID, counterID
		}
	case tx.Deposit():
		revenueID, err := r.res.Resolve(ctx, KindRevenueAccount, tx.Description(r.cfg.EmptyDescription))
		if err != nil {
			return nil, err
		}
		txType = "deposit"
		sourceID, destID = revenueID, accountID
	default:
		expenseID, err := r.res.Resolve(ctx, KindExpenseAccount, tx.Description(r.cfg.EmptyDescription))
		if err != nil {
			return nil, err
		}
		txType = "withdrawal"
		sourceID, destID = accountID, expenseID
	}

	postings := tx.Postings
	if mixedSigns(postings) {
		// A split whose lines disagree in sign cannot map onto one
		// remote transaction type, so it collapses to a single line.
		postings = []Posting{{
			Category: postings[0].Category,
			Budget:   postings[0].Budget,
			Amount:   tx.Total,
			Memo:     tx.Memo,
		}}
	}

	sub := &Submission{Key: key}
	if len(postings) > 1 {
		sub.GroupTitle = tx.Description(r.cfg.EmptyDescription)
	}
	for i, p := range postings {
		split := SubmissionSplit{
			Type:          txType,
			Date:          tx.Date,
			Amount:        p.Amount.Abs(),
			Description:   tx.Description(r.cfg.EmptyDescription),
			SourceID:      sourceID,
			DestinationID: destID,
			CategoryName:  p.Category,
			Notes:         p.Memo,
			Reconciled:    tx.Reconciled,
			Tags:          []string{r.runTag},
		}
		if txType != "transfer" {
			split.BudgetName = p.Budget
		}
		if i == 0 {
			split.ExternalID = key
			if tx.ForeignCurrency != "" {
				split.ForeignAmount = tx.ForeignAmount.Abs()
				split.ForeignCurrency = tx.ForeignCurrency
			}
		}
		sub.Splits = append(sub.Splits, split)
	}

	// Category resolution is by name, but resolve anyway so the mapping
	// is cached and creation happens exactly once.
	for _, p := range postings {
		if p.Category == "" {
			continue
		}
		if _, err := r.res.Resolve(ctx, KindCategory, p.Category); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func mixedSigns(postings []Posting) bool {
	if len(postings) < 2 {
		return false
	}
	var pos, neg bool
	for _, p := range postings {
		switch p.Amount.Sign() {
		case 1:
			pos = true
		case -1:
			neg = true
		}
	}
	return pos && neg
}

// dryRunGateway satisfies the remote interface without any network calls.
// Lookups come up empty and creations fabricate ids, so a dry run reports
// exactly what a live run would attempt.
type dryRunGateway struct {
	log zerolog.Logger
	seq int
}

func (d *dryRunGateway) LookupEntity(context.Context, EntityKind, string) (*RemoteEntity, error) {
	return nil, nil
}

func (d *dryRunGateway) CreateEntity(_ context.Context, spec EntitySpec) (*RemoteEntity, error) {
	d.seq++
	d.log.Info().Str("kind", spec.Kind.String()).Str("name", spec.Name).Msg("would create entity")
	return &RemoteEntity{ID: "dry-" + spec.Kind.String() + "-" + spec.Name, Active: spec.Active}, nil
}

func (d *dryRunGateway) CreateTransaction(context.Context, *Submission) (string, error) {
	return "dry-run", nil
}

func (d *dryRunGateway) AccountBalance(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Decimal{}, nil
}

func (d *dryRunGateway) BudgetAllocations(context.Context, string) ([]RemoteAllocation, error) {
	return nil, nil
}

func (d *dryRunGateway) UpsertBudgetAllocation(_ context.Context, up AllocationUpsert) error {
	d.log.Info().Str("budget", up.BudgetID).Str("month", up.Start.Format(dateStamp)).
		Str("amount", up.Amount.String()).Msg("would set budget limit")
	return nil
}
