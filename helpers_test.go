package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/govalues/decimal"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func mustDec(s string) decimal.Decimal { return decimal.MustParse(s) }

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	require.NoError(t, err)
	return d
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(dateStamp, s)
	require.NoError(t, err)
	return d
}

func testCache(t *testing.T) *cache {
	t.Helper()
	c, err := openCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
}

type memTxn struct {
	date   time.Time
	source string
	dest   string
	amount decimal.Decimal
}

// memGateway is an in-memory remote that applies transactions to account
// balances, date-scoped like the real API, so balance verification behaves
// like the real thing.
type memGateway struct {
	mu       sync.Mutex
	entities map[string][]RemoteEntity
	openings map[string]decimal.Decimal
	txns     []memTxn
	limits   map[string][]RemoteAllocation
	upserts  []AllocationUpsert
	subs     []*Submission
	lookups  int
	creates  int
	nextID   int

	// brokenBalance makes AccountBalance lie for the given account id.
	brokenBalance map[string]decimal.Decimal
}

func newMemGateway() *memGateway {
	return &memGateway{
		entities:      make(map[string][]RemoteEntity),
		openings:      make(map[string]decimal.Decimal),
		limits:        make(map[string][]RemoteAllocation),
		brokenBalance: make(map[string]decimal.Decimal),
	}
}

func gwKey(kind EntityKind, name string) string { return kind.String() + "|" + name }

func (g *memGateway) LookupEntity(_ context.Context, kind EntityKind, name string) (*RemoteEntity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	switch matches := g.entities[gwKey(kind, name)]; len(matches) {
	case 0:
		return nil, nil
	case 1:
		ent := matches[0]
		return &ent, nil
	default:
		return nil, &ResolutionError{Kind: kind, Name: name, Err: errors.New("duplicate names")}
	}
}

func (g *memGateway) CreateEntity(_ context.Context, spec EntitySpec) (*RemoteEntity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	g.nextID++
	ent := RemoteEntity{ID: strconv.Itoa(g.nextID), Name: spec.Name, Active: spec.Active}
	g.entities[gwKey(spec.Kind, spec.Name)] = append(g.entities[gwKey(spec.Kind, spec.Name)], ent)
	if spec.Kind == KindAssetAccount {
		g.openings[ent.ID] = spec.OpeningBalance
	}
	return &ent, nil
}

func (g *memGateway) CreateTransaction(_ context.Context, sub *Submission) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, sub)
	for _, s := range sub.Splits {
		g.txns = append(g.txns, memTxn{
			date:   s.Date,
			source: s.SourceID,
			dest:   s.DestinationID,
			amount: s.Amount,
		})
	}
	g.nextID++
	return strconv.Itoa(g.nextID), nil
}

func (g *memGateway) AccountBalance(_ context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.brokenBalance[accountID]; ok {
		return b, nil
	}
	bal := g.openings[accountID]
	for _, tx := range g.txns {
		if tx.date.After(asOf) {
			continue
		}
		var err error
		if tx.source == accountID {
			if bal, err = bal.Sub(tx.amount); err != nil {
				return decimal.Decimal{}, err
			}
		}
		if tx.dest == accountID {
			if bal, err = bal.Add(tx.amount); err != nil {
				return decimal.Decimal{}, err
			}
		}
	}
	return bal, nil
}

func (g *memGateway) BudgetAllocations(_ context.Context, budgetID string) ([]RemoteAllocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits[budgetID], nil
}

func (g *memGateway) UpsertBudgetAllocation(_ context.Context, up AllocationUpsert) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserts = append(g.upserts, up)
	for i, l := range g.limits[up.BudgetID] {
		if l.ID == up.LimitID {
			g.limits[up.BudgetID][i].Amount = up.Amount
			return nil
		}
	}
	g.nextID++
	g.limits[up.BudgetID] = append(g.limits[up.BudgetID],
		RemoteAllocation{ID: strconv.Itoa(g.nextID), Start: up.Start, Amount: up.Amount})
	return nil
}
