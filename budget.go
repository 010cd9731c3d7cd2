package main

import (
	"context"
	"sort"
	"time"

	"github.com/govalues/decimal"
	"github.com/rs/zerolog"
)

// Allocation is one budget's amount for one month, ready for upsert.
type Allocation struct {
	Budget string
	Month  time.Time
	Amount decimal.Decimal
	// Active is false for hidden categories; the allocation is still
	// applied so history stays complete.
	Active bool
}

// budgetLabel maps a category pair onto its budget name: config renames
// win, hidden categories get suffixed so they stay distinguishable from a
// live category of the same name.
func budgetLabel(cfg *config, concatenated, sub string, hidden bool) string {
	if mapped, ok := cfg.BudgetMapping[concatenated]; ok {
		return mapped
	}
	if hidden {
		return sub + " (hidden)"
	}
	return sub
}

// buildAllocations collapses budget export rows into one allocation per
// (budget, month). Zero amounts are kept: an explicit zero month is part of
// the budget's history. Pre-YNAB debt lines are bookkeeping artifacts and
// are dropped.
func buildAllocations(cfg *config, rows []BudgetRow) []Allocation {
	type key struct {
		budget string
		month  time.Time
	}
	sums := make(map[key]*Allocation)
	var order []key
	for _, r := range rows {
		if r.IsPreYNAB() || r.SubCategory == "" {
			continue
		}
		k := key{
			budget: budgetLabel(cfg, r.Category, r.SubCategory, r.IsHidden()),
			month:  monthOf(r.Month),
		}
		a, ok := sums[k]
		if !ok {
			a = &Allocation{Budget: k.budget, Month: k.month, Active: !r.IsHidden()}
			sums[k] = a
			order = append(order, k)
		}
		// Renames can merge several categories into one budget.
		if sum, err := a.Amount.Add(r.Budgeted); err == nil {
			a.Amount = sum
		}
	}

	out := make([]Allocation, 0, len(order))
	for _, k := range order {
		out = append(out, *sums[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].Budget < out[j].Budget
	})
	return out
}

// applyAllocations resolves each budget and upserts its monthly amounts.
// Reruns converge: a period whose remote amount already matches is left
// untouched.
func applyAllocations(ctx context.Context, res *resolver, gw Gateway, allocs []Allocation, log zerolog.Logger) error {
	existing := make(map[string][]RemoteAllocation)
	var applied, unchanged int
	for _, a := range allocs {
		res.SetBudgetActive(a.Budget, a.Active)
		budgetID, err := res.Resolve(ctx, KindBudget, a.Budget)
		if err != nil {
			return err
		}
		if _, ok := existing[budgetID]; !ok {
			remote, err := gw.BudgetAllocations(ctx, budgetID)
			if err != nil {
				return err
			}
			existing[budgetID] = remote
		}

		up := AllocationUpsert{
			BudgetID: budgetID,
			Start:    a.Month,
			End:      a.Month.AddDate(0, 1, -1),
			Amount:   a.Amount,
		}
		for _, r := range existing[budgetID] {
			if monthOf(r.Start).Equal(a.Month) {
				if r.Amount.Cmp(a.Amount) == 0 {
					up.LimitID = ""
					up.BudgetID = ""
				} else {
					up.LimitID = r.ID
				}
				break
			}
		}
		if up.BudgetID == "" {
			unchanged++
			continue
		}
		if err := gw.UpsertBudgetAllocation(ctx, up); err != nil {
			return err
		}
		applied++
	}
	log.Info().Int("applied", applied).Int("unchanged", unchanged).Msg("budget allocations synced")
	return nil
}
